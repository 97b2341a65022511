package notifier

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/sdrdh/guessgame/internal/game"
	"github.com/sdrdh/guessgame/internal/observability"
	"github.com/sdrdh/guessgame/internal/store"
)

type Config struct {
	BatchSize     int
	FlushInterval time.Duration
}

func DefaultConfig() Config {
	return Config{BatchSize: 10, FlushInterval: 50 * time.Millisecond}
}

// Notifier drains a ChangeFeed in batches and publishes one event per
// relevant record. A malformed record or a failed publish is logged and
// skipped; the rest of the batch still goes out.
type Notifier struct {
	feed    store.ChangeFeed
	sink    Sink
	cfg     Config
	now     func() time.Time
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func New(feed store.ChangeFeed, sink Sink, cfg Config, metrics *observability.Metrics, logger zerolog.Logger) *Notifier {
	def := DefaultConfig()
	if cfg.BatchSize < 1 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	return &Notifier{
		feed:    feed,
		sink:    sink,
		cfg:     cfg,
		now:     game.Now,
		metrics: metrics,
		logger:  logger,
	}
}

// Run listens and publishes until ctx is cancelled or the feed fails.
func (n *Notifier) Run(ctx context.Context) error {
	records := make(chan store.ChangeRecord, n.cfg.BatchSize)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return n.feed.Listen(gctx, records)
	})
	g.Go(func() error {
		return n.loop(gctx, records)
	})
	return g.Wait()
}

func (n *Notifier) loop(ctx context.Context, records <-chan store.ChangeRecord) error {
	batch := make([]store.ChangeRecord, 0, n.cfg.BatchSize)

	timer := time.NewTimer(n.cfg.FlushInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			if len(batch) > 0 {
				fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
				n.flush(fctx, batch)
				cancel()
			}
			return ctx.Err()

		case rec := <-records:
			batch = append(batch, rec)
			if len(batch) >= n.cfg.BatchSize {
				n.flush(ctx, batch)
				batch = batch[:0]
				timer.Reset(n.cfg.FlushInterval)
			}

		case <-timer.C:
			if len(batch) > 0 {
				n.flush(ctx, batch)
				batch = batch[:0]
			}
			timer.Reset(n.cfg.FlushInterval)
		}
	}
}

func (n *Notifier) flush(ctx context.Context, batch []store.ChangeRecord) {
	n.metrics.NotifierBatchSize.Observe(float64(len(batch)))
	now := n.now()
	for _, rec := range batch {
		ev, ok, err := Classify(rec, now)
		if err != nil {
			n.metrics.ChangeRecordsSkip.WithLabelValues("malformed").Inc()
			n.logger.Warn().Err(err).Str("table", rec.Table).Str("op", rec.Op).
				RawJSON("row", validJSON(rec.Row)).Msg("skipping malformed change record")
			continue
		}
		if !ok {
			n.metrics.ChangeRecordsSkip.WithLabelValues("ignored").Inc()
			continue
		}
		if err := n.sink.Publish(ctx, ev); err != nil {
			n.metrics.EventsPublished.WithLabelValues(string(ev.Type), "error").Inc()
			n.logger.Error().Err(err).Str("type", string(ev.Type)).Str("id", ev.ID).Msg("event publish failed")
			continue
		}
		n.metrics.EventsPublished.WithLabelValues(string(ev.Type), "ok").Inc()
	}
}

func validJSON(raw []byte) []byte {
	if len(raw) == 0 || !json.Valid(raw) {
		return []byte("null")
	}
	return raw
}
