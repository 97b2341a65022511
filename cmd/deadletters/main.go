package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/sdrdh/guessgame/internal/config"
	"github.com/sdrdh/guessgame/internal/messaging"
	"github.com/sdrdh/guessgame/internal/observability"
	"github.com/sdrdh/guessgame/internal/scheduler"
)

func usage() {
	fmt.Println("Usage: deadletters <list|requeue>")
	fmt.Println("  list [-limit N]      - print parked resolution tasks, oldest first")
	fmt.Println("  requeue <seq> [...]  - schedule the tasks for immediate delivery and drop them from the dead-letter stream")
	fmt.Println()
	fmt.Println("Environment:")
	fmt.Println("  NATS_URL                - NATS server")
	fmt.Println("  NATS_RESOLUTION_STREAM  - resolution work queue (default GUESS_RESOLUTION)")
	fmt.Println("  NATS_DEAD_LETTER_STREAM - dead-letter stream (default GUESS_RESOLUTION_DLQ)")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	logger := observability.NewLogger("deadletters")

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("load config")
	}

	nc, js, err := messaging.Connect(cfg.NATS.URL, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("nats connect")
	}
	defer nc.Close()

	jcfg := scheduler.DefaultJetStreamConfig()
	jcfg.Stream = cfg.NATS.ResolutionStream
	jcfg.DeadLetterStream = cfg.NATS.DeadLetterStream
	queue := scheduler.NewJetStream(js, jcfg, observability.NewMetrics(prometheus.NewRegistry()), logger)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch os.Args[1] {
	case "list":
		fs := flag.NewFlagSet("list", flag.ExitOnError)
		limit := fs.Int("limit", 50, "maximum number of dead letters to print")
		fs.Parse(os.Args[2:])

		letters, err := queue.ListDeadLetters(ctx, *limit)
		if err != nil {
			logger.Fatal().Err(err).Msg("list dead letters")
		}
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "SEQ\tGUESS\tUSER\tRETRY\tREASON\tATTEMPTS\tPARKED AT\tERROR")
		for _, dl := range letters {
			fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%s\t%d\t%s\t%s\n",
				dl.ID, dl.Task.GuessID, dl.Task.UserID, dl.Task.RetryCount,
				dl.Reason, dl.Attempts, dl.At.Format(time.RFC3339), dl.Error)
		}
		tw.Flush()

	case "requeue":
		if len(os.Args) < 3 {
			usage()
			os.Exit(1)
		}
		failed := false
		for _, arg := range os.Args[2:] {
			seq, err := strconv.ParseUint(arg, 10, 64)
			if err != nil {
				fmt.Fprintf(os.Stderr, "invalid sequence %q\n", arg)
				failed = true
				continue
			}
			if err := queue.Requeue(ctx, seq); err != nil {
				logger.Error().Err(err).Uint64("seq", seq).Msg("requeue failed")
				failed = true
				continue
			}
			logger.Info().Uint64("seq", seq).Msg("requeued")
		}
		if failed {
			os.Exit(1)
		}

	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s (use 'list' or 'requeue')\n", os.Args[1])
		os.Exit(1)
	}
}
