// Package price answers "what is the price now" and "what was the first
// different price after T" from a ledger of observations, filling it from an
// upstream source on demand.
package price

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/sdrdh/guessgame/internal/cache"
	"github.com/sdrdh/guessgame/internal/game"
	"github.com/sdrdh/guessgame/internal/observability"
	"github.com/sdrdh/guessgame/internal/store"
)

type CacheConfig struct {
	// Freshness is how long an observation may serve as the current price.
	Freshness time.Duration
	// Retention sets each observation's expiry.
	Retention time.Duration
}

// Cache reads through a hot tier (latest observation per instrument, TTL =
// freshness) to the ledger, and records every upstream fetch in both.
type Cache struct {
	ledger  store.PriceLedger
	hot     cache.Store
	source  Source
	cfg     CacheConfig
	now     func() time.Time
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewCache(ledger store.PriceLedger, hot cache.Store, source Source, cfg CacheConfig, metrics *observability.Metrics, logger zerolog.Logger) *Cache {
	return &Cache{
		ledger:  ledger,
		hot:     hot,
		source:  source,
		cfg:     cfg,
		now:     game.Now,
		metrics: metrics,
		logger:  logger,
	}
}

// WithClock replaces the clock. Tests only.
func (c *Cache) WithClock(now func() time.Time) *Cache {
	c.now = now
	return c
}

func hotKey(instrument string) string {
	return "price:latest:" + instrument
}

// RecordPrice appends an observation stamped now. Write failures are logged
// and counted, never returned.
func (c *Cache) RecordPrice(ctx context.Context, instrument string, price decimal.Decimal, source string) game.Observation {
	now := c.now()
	obs := game.Observation{
		Instrument: instrument,
		Price:      price,
		Timestamp:  now,
		Source:     source,
		Expiry:     now.Add(c.cfg.Retention),
	}

	if err := c.ledger.AppendPrice(ctx, obs); err != nil {
		c.metrics.CacheWriteErrors.WithLabelValues("ledger").Inc()
		c.logger.Error().Err(err).Str("instrument", instrument).Msg("price ledger write failed")
	}
	if c.hot != nil {
		raw, err := json.Marshal(obs)
		if err == nil {
			err = c.hot.Set(ctx, hotKey(instrument), raw, c.cfg.Freshness)
		}
		if err != nil {
			c.metrics.CacheWriteErrors.WithLabelValues("hot").Inc()
			c.logger.Warn().Err(err).Str("instrument", instrument).Msg("hot price write failed")
		}
	}
	return obs
}

// GetFreshPrice returns the latest observation younger than the freshness
// window, or nil. Read failures count as a miss.
func (c *Cache) GetFreshPrice(ctx context.Context, instrument string) *game.Observation {
	now := c.now()

	if c.hot != nil {
		raw, found, err := c.hot.Get(ctx, hotKey(instrument))
		switch {
		case err != nil:
			c.logger.Warn().Err(err).Str("instrument", instrument).Msg("hot price read failed")
		case found:
			var obs game.Observation
			if err := json.Unmarshal(raw, &obs); err == nil && c.fresh(obs, now) {
				c.metrics.CacheLookups.WithLabelValues("hot", "hit").Inc()
				return &obs
			}
		}
		c.metrics.CacheLookups.WithLabelValues("hot", "miss").Inc()
	}

	latest, err := c.ledger.LatestPrice(ctx, instrument)
	if err != nil {
		c.logger.Warn().Err(err).Str("instrument", instrument).Msg("ledger price read failed")
		c.metrics.CacheLookups.WithLabelValues("ledger", "error").Inc()
		return nil
	}
	if latest == nil || !c.fresh(*latest, now) {
		c.metrics.CacheLookups.WithLabelValues("ledger", "miss").Inc()
		return nil
	}
	c.metrics.CacheLookups.WithLabelValues("ledger", "hit").Inc()
	return latest
}

func (c *Cache) fresh(obs game.Observation, now time.Time) bool {
	return obs.Age(now) < c.cfg.Freshness
}

// GetCurrentPrice serves a fresh observation or fetches from the source and
// records it. Source failures wrap game.ErrUpstreamUnavailable.
func (c *Cache) GetCurrentPrice(ctx context.Context, instrument string) (decimal.Decimal, error) {
	if obs := c.GetFreshPrice(ctx, instrument); obs != nil {
		return obs.Price, nil
	}
	q, err := c.source.SpotPrice(ctx, instrument)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("current price %s: %w", instrument, err)
	}
	c.RecordPrice(ctx, instrument, q.Price, q.Source)
	return q.Price, nil
}

// FindDifferentPriceAfter returns the first observation strictly after
// minTimestamp whose price differs from ref, or nil when none exists yet.
func (c *Cache) FindDifferentPriceAfter(ctx context.Context, instrument string, minTimestamp time.Time, ref decimal.Decimal) (*game.Observation, error) {
	obs, err := c.ledger.FirstDifferentPriceAfter(ctx, instrument, minTimestamp, ref)
	if err != nil {
		return nil, fmt.Errorf("find different price %s: %w", instrument, err)
	}
	return obs, nil
}
