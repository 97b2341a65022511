// Package store persists users, guesses and the price ledger, and exposes the
// committed-change stream the notifier consumes.
package store

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sdrdh/guessgame/internal/game"
)

// GuessStore holds user profiles, at most one active guess per user, and the
// resolved history. Errors wrap the game sentinels.
type GuessStore interface {
	// GetUser returns game.ErrNotFound when the profile does not exist.
	GetUser(ctx context.Context, userID string) (game.User, error)
	// CreateUser inserts the profile if absent. created is false when it already existed.
	CreateUser(ctx context.Context, userID, email string) (user game.User, created bool, err error)

	// GetActiveGuess returns nil when the user has no unresolved guess.
	GetActiveGuess(ctx context.Context, userID string) (*game.Guess, error)
	// GetGuess returns game.ErrNotFound for an unknown guess.
	GetGuess(ctx context.Context, userID, guessID string) (game.Guess, error)
	// CreateGuess is a conditional write: game.ErrConflict if an unresolved
	// guess already exists for the user.
	CreateGuess(ctx context.Context, g game.Guess) error
	// ResolveGuess marks the guess resolved and adds r.ScoreChange to the
	// user's score in one atomic step. applied is false when the guess was
	// already resolved; the score is then left untouched.
	ResolveGuess(ctx context.Context, userID, guessID string, r game.Resolution) (applied bool, err error)
	// GetHistory returns resolved guesses, most recent start time first.
	GetHistory(ctx context.Context, userID string, limit int) ([]game.Guess, error)
	// SetNextAttempt records that attempt retryCount of an unresolved guess is
	// due at dueAt. It never moves the retry count backwards and is a no-op
	// for a resolved guess.
	SetNextAttempt(ctx context.Context, userID, guessID string, retryCount int, dueAt time.Time) error
	// ListStaleGuesses returns unresolved guesses whose next attempt was due
	// before the cutoff, most overdue first.
	ListStaleGuesses(ctx context.Context, dueBefore time.Time, limit int) ([]game.Guess, error)
}

// PriceLedger is the append-only, time-ordered store of price observations.
type PriceLedger interface {
	AppendPrice(ctx context.Context, obs game.Observation) error
	// LatestPrice returns nil when the instrument has no observation.
	LatestPrice(ctx context.Context, instrument string) (*game.Observation, error)
	// FirstDifferentPriceAfter returns the earliest observation with a
	// timestamp strictly after `after` whose price differs from ref, or nil.
	FirstDifferentPriceAfter(ctx context.Context, instrument string, after time.Time, ref decimal.Decimal) (*game.Observation, error)
	// PurgeExpiredPrices deletes observations whose expiry is at or before now.
	PurgeExpiredPrices(ctx context.Context, now time.Time) (int64, error)
}

// ChangeFeed streams committed row mutations until ctx is cancelled.
type ChangeFeed interface {
	Listen(ctx context.Context, out chan<- ChangeRecord) error
}

// Backend is a complete storage implementation.
type Backend interface {
	GuessStore
	PriceLedger
	ChangeFeed
	Ping(ctx context.Context) error
	Close() error
}

// HistoryLimit clamps a requested history size to [1, max], using def for
// non-positive requests.
func HistoryLimit(requested, def, max int) int {
	if requested <= 0 {
		return def
	}
	if requested > max {
		return max
	}
	return requested
}
