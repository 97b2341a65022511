package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/sdrdh/guessgame/internal/game"
	"github.com/sdrdh/guessgame/internal/observability"
)

type PricePurger interface {
	PurgeExpiredPrices(ctx context.Context, now time.Time) (int64, error)
}

// Purger deletes price observations past their expiry.
type Purger struct {
	ledger  PricePurger
	now     func() time.Time
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewPurger(ledger PricePurger, metrics *observability.Metrics, logger zerolog.Logger) *Purger {
	return &Purger{ledger: ledger, now: game.Now, metrics: metrics, logger: logger}
}

// WithClock replaces the clock. Tests only.
func (p *Purger) WithClock(now func() time.Time) *Purger {
	p.now = now
	return p
}

func (p *Purger) Run(ctx context.Context) error {
	n, err := p.ledger.PurgeExpiredPrices(ctx, p.now())
	if err != nil {
		return fmt.Errorf("purge prices: %w", err)
	}
	if n > 0 {
		p.metrics.PricesPurged.Add(float64(n))
		p.logger.Info().Int64("purged", n).Msg("expired price observations deleted")
	}
	return nil
}
