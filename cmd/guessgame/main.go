package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/sdrdh/guessgame/internal/cache"
	"github.com/sdrdh/guessgame/internal/config"
	"github.com/sdrdh/guessgame/internal/identity"
	"github.com/sdrdh/guessgame/internal/jobs"
	"github.com/sdrdh/guessgame/internal/lifecycle"
	"github.com/sdrdh/guessgame/internal/messaging"
	"github.com/sdrdh/guessgame/internal/notifier"
	"github.com/sdrdh/guessgame/internal/observability"
	"github.com/sdrdh/guessgame/internal/price"
	"github.com/sdrdh/guessgame/internal/scheduler"
	"github.com/sdrdh/guessgame/internal/server"
	"github.com/sdrdh/guessgame/internal/store"
	"github.com/sdrdh/guessgame/migrations"
)

func main() {
	logger := observability.NewLogger("main")

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("load config")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Observability ---
	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
	healthChecker := observability.NewHealthChecker()

	// --- Storage ---
	backend, err := openBackend(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Str("backend", cfg.Backend).Msg("open storage")
	}
	defer backend.Close()
	healthChecker.AddCheck("store", backend.Ping)
	logger.Info().Str("backend", cfg.Backend).Msg("storage ready")

	// --- NATS ---
	var (
		nc *nats.Conn
		js jetstream.JetStream
	)
	if cfg.NATS.URL != "" {
		nc, js, err = messaging.Connect(cfg.NATS.URL, observability.NewLogger("nats"))
		if err != nil {
			logger.Fatal().Err(err).Msg("nats connect")
		}
		defer nc.Close()
		healthChecker.AddCheck("nats", messaging.Ping(nc))
		logger.Info().Str("url", cfg.NATS.URL).Msg("NATS connected")
	} else if cfg.Backend == config.BackendPostgres {
		logger.Fatal().Msg("the postgres backend schedules resolutions on JetStream; set NATS_URL")
	} else {
		logger.Warn().Msg("NATS_URL is empty: events go to the log and profiles are created on first request")
	}

	// --- Fresh-price tier ---
	var hot cache.Store = cache.NewMemoryStore()
	if cfg.Redis.Addr != "" {
		rs := cache.NewRedisStore(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}, cfg.Redis.Prefix)
		defer rs.Close()
		if err := rs.Ping(ctx); err != nil {
			logger.Fatal().Err(err).Str("addr", cfg.Redis.Addr).Msg("redis ping")
		}
		healthChecker.AddCheck("redis", rs.Ping)
		hot = rs
	}

	// --- Prices ---
	priceLogger := observability.NewLogger("price")
	sources, err := price.NewSources(cfg.Price.Sources, &http.Client{Timeout: cfg.Price.HTTPTimeout},
		cfg.Price.CoinbaseURL, cfg.Price.CoinGeckoURL, cfg.Price.CoinGeckoAPIKey)
	if err != nil {
		logger.Fatal().Err(err).Msg("price sources")
	}
	prices := price.NewCache(backend, hot, price.NewFallbackSource(sources, metrics, priceLogger), price.CacheConfig{
		Freshness: cfg.Price.Freshness,
		Retention: cfg.Price.Retention,
	}, metrics, priceLogger)

	// --- Resolution scheduler ---
	sched, err := newScheduler(ctx, cfg, js, metrics)
	if err != nil {
		logger.Fatal().Err(err).Msg("resolution scheduler")
	}

	// --- Lifecycle engine ---
	engine := lifecycle.NewEngine(backend, prices, sched, lifecycle.Config{
		InitialDelay:      cfg.Game.InitialDelay,
		RetryBackoff:      cfg.Game.RetryBackoff,
		MaxRetries:        cfg.Game.MaxRetries,
		DefaultInstrument: cfg.Game.DefaultInstrument,
		Instruments:       cfg.Game.Instruments,
		HistoryLimit:      cfg.Game.HistoryLimit,
		MaxHistoryLimit:   cfg.Game.MaxHistoryLimit,
	}, metrics, observability.NewLogger("lifecycle"))
	sched.OnDeliver(engine.Handler())

	// --- Change notifier ---
	var sink notifier.Sink = notifier.LogSink{Logger: observability.NewLogger("events")}
	if js != nil {
		jsSink := notifier.NewJetStreamSink(js, cfg.NATS.EventsStream, "")
		if err := jsSink.EnsureStream(ctx, cfg.NATS.EventsMaxAge, logger); err != nil {
			logger.Fatal().Err(err).Msg("ensure events stream")
		}
		sink = jsSink
	}
	changeNotifier := notifier.New(backend, sink, notifier.DefaultConfig(), metrics, observability.NewLogger("notifier"))

	// --- Identity ---
	var verifier server.TokenVerifier = identity.NewVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	var confirmations *identity.ConfirmationConsumer
	if js == nil {
		verifier = identity.NewProvisioningVerifier(verifier, backend, observability.NewLogger("identity"))
	} else {
		confirmations = identity.NewConfirmationConsumer(js, backend, cfg.NATS.IdentityStream, "", observability.NewLogger("identity"))
		if err := confirmations.EnsureStream(ctx); err != nil {
			logger.Fatal().Err(err).Msg("ensure identity stream")
		}
	}

	// --- Maintenance jobs ---
	jobLogger := observability.NewLogger("jobs")
	runner := jobs.NewRunner(metrics, jobLogger)
	sweeper := jobs.NewSweeper(backend, sched, cfg.StaleAfter(), cfg.Jobs.SweepLimit, metrics, jobLogger)
	if err := runner.Add("stale_sweep", cfg.Jobs.SweepSpec, sweeper.Run); err != nil {
		logger.Fatal().Err(err).Msg("schedule sweeper")
	}
	purger := jobs.NewPurger(backend, metrics, jobLogger)
	if err := runner.Add("price_purge", cfg.Jobs.PurgeSpec, purger.Run); err != nil {
		logger.Fatal().Err(err).Msg("schedule purger")
	}

	// --- gRPC + HTTP gateway ---
	srv := server.New(cfg.Server.GRPCAddr, cfg.Server.HTTPAddr, server.Deps{
		Engine:   engine,
		Verifier: verifier,
		Health:   healthChecker,
		Metrics:  metrics,
		Logger:   observability.NewLogger("server"),
	})

	// --- Start goroutines ---
	errChan := make(chan error, 10)
	var wg sync.WaitGroup
	start := func(name string, run func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := run(ctx); err != nil && ctx.Err() == nil {
				errChan <- fmt.Errorf("%s: %w", name, err)
			}
		}()
	}

	// 1. Resolution consumer
	start("scheduler", sched.Run)

	// 2. Change notifier
	start("notifier", changeNotifier.Run)

	// 3. Profile creation from identity confirmations
	if confirmations != nil {
		start("confirmations", confirmations.Run)
	}

	// 4. Sweeper and purger
	start("jobs", runner.Run)

	// 5. gRPC server
	start("grpc", srv.StartGRPC)

	// 6. HTTP/JSON gateway
	start("http", srv.StartHTTP)

	// 7. Prometheus metrics server
	start("metrics", func(ctx context.Context) error {
		return serveMetrics(ctx, cfg.Server.MetricsAddr, logger)
	})

	healthChecker.SetReady(true)
	logger.Info().
		Str("grpc", cfg.Server.GRPCAddr).
		Str("http", cfg.Server.HTTPAddr).
		Str("metrics", cfg.Server.MetricsAddr).
		Msg("guessgame ready")

	// --- Wait for shutdown signal ---
	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errChan:
		logger.Error().Err(err).Msg("goroutine failed, shutting down")
	}

	// --- Graceful shutdown ---
	healthChecker.SetReady(false)
	srv.SetNotServing()
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		logger.Info().Msg("shutdown complete")
	case <-time.After(cfg.Server.ShutdownTimeout):
		logger.Warn().Dur("timeout", cfg.Server.ShutdownTimeout).Msg("shutdown timed out")
	}
}

// openBackend opens and migrates Postgres, or builds the in-memory store.
func openBackend(ctx context.Context, cfg config.Config, logger zerolog.Logger) (store.Backend, error) {
	if cfg.Backend == config.BackendMemory {
		return store.NewMemory(), nil
	}

	pg, err := store.OpenPostgres(ctx, store.PostgresConfig{
		URL:             cfg.Postgres.URL,
		MaxOpenConns:    cfg.Postgres.MaxOpenConns,
		MaxIdleConns:    cfg.Postgres.MaxIdleConns,
		ConnMaxLifetime: cfg.Postgres.ConnMaxLifetime,
		NotifyChannel:   cfg.Postgres.NotifyChannel,
	}, observability.NewLogger("store"))
	if err != nil {
		return nil, err
	}

	migrator := store.NewMigrator(pg.DB(), migrations.Source(cfg.Postgres.MigrationsDir), logger)
	if err := migrator.Up(ctx); err != nil {
		pg.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return pg, nil
}

// newScheduler returns the JetStream scheduler for the postgres backend and
// the in-process one for the memory backend.
func newScheduler(ctx context.Context, cfg config.Config, js jetstream.JetStream, metrics *observability.Metrics) (scheduler.Scheduler, error) {
	base := scheduler.Config{
		MaxReceiveCount:   cfg.NATS.MaxReceiveCount,
		RedeliveryBackoff: cfg.NATS.RedeliveryBackoff,
		Concurrency:       cfg.NATS.Concurrency,
	}
	logger := observability.NewLogger("scheduler")

	if cfg.Backend == config.BackendMemory {
		return scheduler.NewMemory(base, metrics, logger), nil
	}

	jcfg := scheduler.DefaultJetStreamConfig()
	jcfg.Config = base
	jcfg.Stream = cfg.NATS.ResolutionStream
	jcfg.DeadLetterStream = cfg.NATS.DeadLetterStream
	jcfg.AckWait = cfg.NATS.AckWait
	jcfg.DeadLetterMaxAge = cfg.NATS.DeadLetterMaxAge

	s := scheduler.NewJetStream(js, jcfg, metrics, logger)
	if err := s.EnsureStreams(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func serveMetrics(ctx context.Context, addr string, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
		defer c()
		metricsServer.Shutdown(shutCtx)
	}()
	logger.Info().Str("addr", addr).Msg("metrics server listening on /metrics")
	if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
