package store_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sdrdh/guessgame/internal/game"
	"github.com/sdrdh/guessgame/internal/store"
)

var t0 = time.UnixMilli(1_700_000_000_000).UTC()

func newGuess(id, user string, start time.Time) game.Guess {
	return game.Guess{
		GuessID:    id,
		UserID:     user,
		Instrument: "BTCUSD",
		Direction:  game.DirectionUp,
		StartPrice: decimal.RequireFromString("45000"),
		StartTime:  start,
	}
}

func win(at time.Time) game.Resolution {
	return game.Resolution{EndPrice: decimal.RequireFromString("46000"), Correct: true, ScoreChange: 1, ResolvedAt: at}
}

// runBackendContract exercises behaviour every Backend must share.
func runBackendContract(t *testing.T, newBackend func(t *testing.T) store.Backend) {
	t.Run("user lifecycle", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()

		_, err := b.GetUser(ctx, "u1")
		require.True(t, errors.Is(err, game.ErrNotFound))

		u, created, err := b.CreateUser(ctx, "u1", "u1@example.com")
		require.NoError(t, err)
		assert.True(t, created)
		assert.Equal(t, int64(0), u.Score)

		again, created, err := b.CreateUser(ctx, "u1", "other@example.com")
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, "u1@example.com", again.Email)
	})

	t.Run("one active guess per user", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()
		_, _, err := b.CreateUser(ctx, "u1", "u1@example.com")
		require.NoError(t, err)

		require.NoError(t, b.CreateGuess(ctx, newGuess("g1", "u1", t0)))
		err = b.CreateGuess(ctx, newGuess("g2", "u1", t0.Add(time.Second)))
		require.True(t, errors.Is(err, game.ErrConflict), "got %v", err)

		active, err := b.GetActiveGuess(ctx, "u1")
		require.NoError(t, err)
		require.NotNil(t, active)
		assert.Equal(t, "g1", active.GuessID)
		assert.True(t, active.StartPrice.Equal(decimal.RequireFromString("45000")))
		assert.True(t, active.StartTime.Equal(t0))

		applied, err := b.ResolveGuess(ctx, "u1", "g1", win(t0.Add(time.Minute)))
		require.NoError(t, err)
		require.True(t, applied)

		active, err = b.GetActiveGuess(ctx, "u1")
		require.NoError(t, err)
		assert.Nil(t, active)
		require.NoError(t, b.CreateGuess(ctx, newGuess("g2", "u1", t0.Add(2*time.Minute))))
	})

	t.Run("concurrent creates admit exactly one", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()
		_, _, err := b.CreateUser(ctx, "u1", "u1@example.com")
		require.NoError(t, err)

		const n = 8
		var wg sync.WaitGroup
		errs := make([]error, n)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				errs[i] = b.CreateGuess(ctx, newGuess(fmt.Sprintf("g%d", i), "u1", t0))
			}(i)
		}
		wg.Wait()

		var ok, conflicts int
		for _, err := range errs {
			switch {
			case err == nil:
				ok++
			case errors.Is(err, game.ErrConflict):
				conflicts++
			default:
				t.Fatalf("unexpected error: %v", err)
			}
		}
		assert.Equal(t, 1, ok)
		assert.Equal(t, n-1, conflicts)
	})

	t.Run("create guess for unknown user", func(t *testing.T) {
		b := newBackend(t)
		err := b.CreateGuess(context.Background(), newGuess("g1", "ghost", t0))
		require.True(t, errors.Is(err, game.ErrNotFound), "got %v", err)
	})

	t.Run("resolve is idempotent", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()
		_, _, err := b.CreateUser(ctx, "u1", "u1@example.com")
		require.NoError(t, err)
		require.NoError(t, b.CreateGuess(ctx, newGuess("g1", "u1", t0)))

		applied, err := b.ResolveGuess(ctx, "u1", "g1", win(t0.Add(time.Minute)))
		require.NoError(t, err)
		assert.True(t, applied)

		applied, err = b.ResolveGuess(ctx, "u1", "g1", win(t0.Add(2*time.Minute)))
		require.NoError(t, err)
		assert.False(t, applied)

		u, err := b.GetUser(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, int64(1), u.Score)

		g, err := b.GetGuess(ctx, "u1", "g1")
		require.NoError(t, err)
		require.True(t, g.Resolved)
		assert.True(t, g.ResolvedAt.Equal(t0.Add(time.Minute)), "first resolution wins")
		assert.True(t, g.EndPrice.Equal(decimal.RequireFromString("46000")))
		assert.True(t, *g.Correct)
		assert.Equal(t, 1, *g.ScoreChange)

		_, err = b.ResolveGuess(ctx, "u1", "missing", win(t0))
		require.True(t, errors.Is(err, game.ErrNotFound))
	})

	t.Run("history is resolved only, newest first, limited", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()
		_, _, err := b.CreateUser(ctx, "u1", "u1@example.com")
		require.NoError(t, err)

		for i := 0; i < 4; i++ {
			id := fmt.Sprintf("g%d", i)
			start := t0.Add(time.Duration(i) * time.Hour)
			require.NoError(t, b.CreateGuess(ctx, newGuess(id, "u1", start)))
			_, err := b.ResolveGuess(ctx, "u1", id, win(start.Add(time.Minute)))
			require.NoError(t, err)
		}
		require.NoError(t, b.CreateGuess(ctx, newGuess("active", "u1", t0.Add(10*time.Hour))))

		history, err := b.GetHistory(ctx, "u1", 3)
		require.NoError(t, err)
		require.Len(t, history, 3)
		assert.Equal(t, []string{"g3", "g2", "g1"}, []string{history[0].GuessID, history[1].GuessID, history[2].GuessID})
		for _, g := range history {
			assert.True(t, g.Resolved)
		}
	})

	t.Run("stale guesses", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()
		for _, u := range []string{"u1", "u2", "u3"} {
			_, _, err := b.CreateUser(ctx, u, u+"@example.com")
			require.NoError(t, err)
		}
		require.NoError(t, b.CreateGuess(ctx, newGuess("old", "u1", t0)))
		require.NoError(t, b.CreateGuess(ctx, newGuess("older", "u2", t0.Add(-time.Hour))))
		require.NoError(t, b.CreateGuess(ctx, newGuess("fresh", "u3", t0.Add(time.Hour))))

		stale, err := b.ListStaleGuesses(ctx, t0.Add(time.Minute), 10)
		require.NoError(t, err)
		require.Len(t, stale, 2)
		assert.Equal(t, "older", stale[0].GuessID)
		assert.Equal(t, "old", stale[1].GuessID)

		// staleness follows the next attempt, not the start time
		require.NoError(t, b.SetNextAttempt(ctx, "u2", "older", 2, t0.Add(2*time.Hour)))
		stale, err = b.ListStaleGuesses(ctx, t0.Add(time.Minute), 10)
		require.NoError(t, err)
		require.Len(t, stale, 1)
		assert.Equal(t, "old", stale[0].GuessID)
	})

	t.Run("next attempt bookkeeping", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()
		_, _, err := b.CreateUser(ctx, "u1", "u1@example.com")
		require.NoError(t, err)

		placed := newGuess("g1", "u1", t0)
		placed.NextAttemptAt = t0.Add(time.Minute)
		require.NoError(t, b.CreateGuess(ctx, placed))

		g, err := b.GetGuess(ctx, "u1", "g1")
		require.NoError(t, err)
		assert.Equal(t, 0, g.RetryCount)
		assert.True(t, g.NextAttemptAt.Equal(t0.Add(time.Minute)))

		require.NoError(t, b.SetNextAttempt(ctx, "u1", "g1", 2, t0.Add(2*time.Minute)))
		g, err = b.GetGuess(ctx, "u1", "g1")
		require.NoError(t, err)
		assert.Equal(t, 2, g.RetryCount)
		assert.True(t, g.NextAttemptAt.Equal(t0.Add(2*time.Minute)))

		// a stale redelivery of an earlier retry does not rewind the chain
		require.NoError(t, b.SetNextAttempt(ctx, "u1", "g1", 1, t0.Add(3*time.Minute)))
		g, err = b.GetGuess(ctx, "u1", "g1")
		require.NoError(t, err)
		assert.Equal(t, 2, g.RetryCount)
		assert.True(t, g.NextAttemptAt.Equal(t0.Add(2*time.Minute)))

		// the sweeper re-arms the same retry
		require.NoError(t, b.SetNextAttempt(ctx, "u1", "g1", 2, t0.Add(10*time.Minute)))
		g, err = b.GetGuess(ctx, "u1", "g1")
		require.NoError(t, err)
		assert.True(t, g.NextAttemptAt.Equal(t0.Add(10*time.Minute)))

		_, err = b.ResolveGuess(ctx, "u1", "g1", win(t0.Add(11*time.Minute)))
		require.NoError(t, err)
		require.NoError(t, b.SetNextAttempt(ctx, "u1", "g1", 3, t0.Add(time.Hour)), "no-op once resolved")
		g, err = b.GetGuess(ctx, "u1", "g1")
		require.NoError(t, err)
		assert.True(t, g.Resolved)
		assert.Equal(t, 2, g.RetryCount)

		require.NoError(t, b.SetNextAttempt(ctx, "u1", "missing", 1, t0))
	})

	t.Run("price ledger", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()

		latest, err := b.LatestPrice(ctx, "BTCUSD")
		require.NoError(t, err)
		assert.Nil(t, latest)

		obs := func(price string, at time.Time) game.Observation {
			return game.Observation{
				Instrument: "BTCUSD",
				Price:      decimal.RequireFromString(price),
				Timestamp:  at,
				Source:     "test",
				Expiry:     at.Add(7 * 24 * time.Hour),
			}
		}
		require.NoError(t, b.AppendPrice(ctx, obs("100", t0)))
		require.NoError(t, b.AppendPrice(ctx, obs("100.00", t0.Add(time.Second))))
		require.NoError(t, b.AppendPrice(ctx, obs("101", t0.Add(2*time.Second))))
		require.NoError(t, b.AppendPrice(ctx, obs("102", t0.Add(3*time.Second))))
		require.NoError(t, b.AppendPrice(ctx, game.Observation{
			Instrument: "ETHUSD", Price: decimal.NewFromInt(5), Timestamp: t0.Add(time.Hour), Source: "test", Expiry: t0.Add(time.Hour),
		}))

		latest, err = b.LatestPrice(ctx, "BTCUSD")
		require.NoError(t, err)
		require.NotNil(t, latest)
		assert.True(t, latest.Price.Equal(decimal.NewFromInt(102)))

		found, err := b.FirstDifferentPriceAfter(ctx, "BTCUSD", t0, decimal.NewFromInt(100))
		require.NoError(t, err)
		require.NotNil(t, found)
		assert.True(t, found.Price.Equal(decimal.NewFromInt(101)))
		assert.True(t, found.Timestamp.Equal(t0.Add(2*time.Second)))

		// strictly after: an observation exactly at the bound is excluded
		found, err = b.FirstDifferentPriceAfter(ctx, "BTCUSD", t0.Add(2*time.Second), decimal.NewFromInt(100))
		require.NoError(t, err)
		require.NotNil(t, found)
		assert.True(t, found.Price.Equal(decimal.NewFromInt(102)))

		found, err = b.FirstDifferentPriceAfter(ctx, "BTCUSD", t0.Add(3*time.Second), decimal.NewFromInt(100))
		require.NoError(t, err)
		assert.Nil(t, found)

		purged, err := b.PurgeExpiredPrices(ctx, t0.Add(time.Hour))
		require.NoError(t, err)
		assert.Equal(t, int64(1), purged)
		latest, err = b.LatestPrice(ctx, "ETHUSD")
		require.NoError(t, err)
		assert.Nil(t, latest)
	})
}
