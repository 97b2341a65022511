package price_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sdrdh/guessgame/internal/cache"
	"github.com/sdrdh/guessgame/internal/game"
	"github.com/sdrdh/guessgame/internal/observability"
	"github.com/sdrdh/guessgame/internal/price"
	"github.com/sdrdh/guessgame/internal/store"
)

type stubSource struct {
	mu    sync.Mutex
	price decimal.Decimal
	err   error
	calls int
}

func (s *stubSource) Name() string { return "stub" }

func (s *stubSource) SpotPrice(ctx context.Context, instrument string) (price.Quote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return price.Quote{}, s.err
	}
	return price.Quote{Price: s.price, Source: "stub"}, nil
}

type failingLedger struct{ store.PriceLedger }

func (failingLedger) AppendPrice(context.Context, game.Observation) error {
	return errors.New("disk full")
}

func (failingLedger) LatestPrice(context.Context, string) (*game.Observation, error) {
	return nil, errors.New("connection refused")
}

type fixture struct {
	now    time.Time
	ledger *store.Memory
	hot    *cache.MemoryStore
	source *stubSource
	cache  *price.Cache
}

func newFixture(t *testing.T, withHot bool) *fixture {
	t.Helper()
	f := &fixture{
		now:    time.UnixMilli(1_700_000_000_000).UTC(),
		ledger: store.NewMemory(),
		source: &stubSource{price: decimal.NewFromInt(45000)},
	}
	clock := func() time.Time { return f.now }
	var hot cache.Store
	if withHot {
		f.hot = cache.NewMemoryStore().WithClock(clock)
		hot = f.hot
	}
	f.cache = price.NewCache(f.ledger, hot, f.source,
		price.CacheConfig{Freshness: 5 * time.Second, Retention: 7 * 24 * time.Hour},
		observability.NewMetrics(prometheus.NewRegistry()), zerolog.Nop(),
	).WithClock(clock)
	return f
}

func TestGetCurrentPriceFetchesOnceWithinFreshness(t *testing.T) {
	for _, withHot := range []bool{false, true} {
		f := newFixture(t, withHot)
		ctx := context.Background()

		p, err := f.cache.GetCurrentPrice(ctx, "BTCUSD")
		require.NoError(t, err)
		assert.True(t, p.Equal(decimal.NewFromInt(45000)))

		f.source.price = decimal.NewFromInt(46000)
		f.now = f.now.Add(4 * time.Second)
		p, err = f.cache.GetCurrentPrice(ctx, "BTCUSD")
		require.NoError(t, err)
		assert.True(t, p.Equal(decimal.NewFromInt(45000)), "served from cache")
		assert.Equal(t, 1, f.source.calls)

		f.now = f.now.Add(time.Second)
		p, err = f.cache.GetCurrentPrice(ctx, "BTCUSD")
		require.NoError(t, err)
		assert.True(t, p.Equal(decimal.NewFromInt(46000)), "stale at exactly the freshness window")
		assert.Equal(t, 2, f.source.calls)
	}
}

func TestRecordPriceSetsExpiryAndSource(t *testing.T) {
	f := newFixture(t, false)
	obs := f.cache.RecordPrice(context.Background(), "BTCUSD", decimal.NewFromInt(1), "coinbase")

	assert.Equal(t, f.now, obs.Timestamp)
	assert.Equal(t, f.now.Add(7*24*time.Hour), obs.Expiry)

	latest, err := f.ledger.LatestPrice(context.Background(), "BTCUSD")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, "coinbase", latest.Source)
}

func TestGetCurrentPriceUpstreamFailure(t *testing.T) {
	f := newFixture(t, false)
	f.source.err = game.ErrUpstreamUnavailable

	_, err := f.cache.GetCurrentPrice(context.Background(), "BTCUSD")
	require.Error(t, err)
	assert.True(t, errors.Is(err, game.ErrUpstreamUnavailable))
}

func TestLedgerFailuresNeverBlockRetrieval(t *testing.T) {
	source := &stubSource{price: decimal.NewFromInt(7)}
	c := price.NewCache(failingLedger{}, nil, source,
		price.CacheConfig{Freshness: 5 * time.Second, Retention: time.Hour},
		observability.NewMetrics(prometheus.NewRegistry()), zerolog.Nop())

	assert.Nil(t, c.GetFreshPrice(context.Background(), "BTCUSD"))
	obs := c.RecordPrice(context.Background(), "BTCUSD", decimal.NewFromInt(7), "stub")
	assert.True(t, obs.Price.Equal(decimal.NewFromInt(7)))

	p, err := c.GetCurrentPrice(context.Background(), "BTCUSD")
	require.NoError(t, err)
	assert.True(t, p.Equal(decimal.NewFromInt(7)))
}

func TestFindDifferentPriceAfterReusesOtherFills(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	start := f.now

	f.cache.RecordPrice(ctx, "BTCUSD", decimal.NewFromInt(100), "stub")
	f.now = start.Add(61 * time.Second)
	f.cache.RecordPrice(ctx, "BTCUSD", decimal.NewFromInt(100), "stub")
	f.now = start.Add(62 * time.Second)
	f.cache.RecordPrice(ctx, "BTCUSD", decimal.NewFromInt(101), "stub")

	obs, err := f.cache.FindDifferentPriceAfter(ctx, "BTCUSD", start.Add(60*time.Second), decimal.NewFromInt(100))
	require.NoError(t, err)
	require.NotNil(t, obs)
	assert.True(t, obs.Price.Equal(decimal.NewFromInt(101)))
	assert.Equal(t, 0, f.source.calls)

	obs, err = f.cache.FindDifferentPriceAfter(ctx, "BTCUSD", start.Add(62*time.Second), decimal.NewFromInt(100))
	require.NoError(t, err)
	assert.Nil(t, obs)
}
