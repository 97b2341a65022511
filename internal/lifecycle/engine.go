// Package lifecycle is the guess state machine: Created -> Pending(retryCount)
// -> Resolved. Place creates and schedules a guess; Resolve handles one
// delivered resolution task.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/sdrdh/guessgame/internal/game"
	"github.com/sdrdh/guessgame/internal/observability"
	"github.com/sdrdh/guessgame/internal/scheduler"
	"github.com/sdrdh/guessgame/internal/store"
)

type Config struct {
	// InitialDelay is the minimum time between placing a guess and the first
	// resolution attempt. Observations at or before StartTime+InitialDelay
	// never resolve a guess.
	InitialDelay time.Duration
	// RetryBackoff is the fixed delay between "price unchanged" retries.
	RetryBackoff time.Duration
	// MaxRetries is the number of "price unchanged" retries before a flat
	// price is accepted as final.
	MaxRetries int

	DefaultInstrument string
	Instruments       []string

	HistoryLimit    int
	MaxHistoryLimit int
}

// DefaultConfig matches the production defaults.
func DefaultConfig() Config {
	return Config{
		InitialDelay:      60 * time.Second,
		RetryBackoff:      10 * time.Second,
		MaxRetries:        6,
		DefaultInstrument: "BTCUSD",
		Instruments:       []string{"BTCUSD", "ETHUSD"},
		HistoryLimit:      10,
		MaxHistoryLimit:   100,
	}
}

// PriceCache is the part of price.Cache the engine needs.
type PriceCache interface {
	GetCurrentPrice(ctx context.Context, instrument string) (decimal.Decimal, error)
	FindDifferentPriceAfter(ctx context.Context, instrument string, minTimestamp time.Time, ref decimal.Decimal) (*game.Observation, error)
}

// Enqueuer is the part of a scheduler.Scheduler the engine needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, task scheduler.Task, delay time.Duration) error
}

type Engine struct {
	store   store.GuessStore
	prices  PriceCache
	queue   Enqueuer
	cfg     Config
	now     func() time.Time
	newID   func() string
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewEngine(guesses store.GuessStore, prices PriceCache, queue Enqueuer, cfg Config, metrics *observability.Metrics, logger zerolog.Logger) *Engine {
	if cfg.DefaultInstrument == "" {
		cfg.DefaultInstrument = "BTCUSD"
	}
	if cfg.HistoryLimit < 1 {
		cfg.HistoryLimit = 10
	}
	if cfg.MaxHistoryLimit < cfg.HistoryLimit {
		cfg.MaxHistoryLimit = cfg.HistoryLimit
	}
	return &Engine{
		store:   guesses,
		prices:  prices,
		queue:   queue,
		cfg:     cfg,
		now:     game.Now,
		newID:   func() string { return uuid.New().String() },
		metrics: metrics,
		logger:  logger,
	}
}

// WithClock replaces the clock. Tests only.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// WithIDs replaces the guess id generator. Tests only.
func (e *Engine) WithIDs(newID func() string) *Engine {
	e.newID = newID
	return e
}

// Config returns the effective configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// Handler adapts Resolve to the scheduler's delivery callback.
func (e *Engine) Handler() scheduler.Handler {
	return e.Resolve
}

func (e *Engine) instrument(requested string) (string, error) {
	requested = strings.ToUpper(strings.TrimSpace(requested))
	if requested == "" {
		return e.cfg.DefaultInstrument, nil
	}
	if len(e.cfg.Instruments) == 0 && requested == e.cfg.DefaultInstrument {
		return requested, nil
	}
	for _, s := range e.cfg.Instruments {
		if strings.EqualFold(s, requested) {
			return requested, nil
		}
	}
	return "", fmt.Errorf("%w: unsupported instrument %q", game.ErrInvalidInput, requested)
}

// Place creates a guess for userID and schedules its first resolution
// attempt. An empty instrument selects the default one.
func (e *Engine) Place(ctx context.Context, userID, direction, instrument string) (game.Guess, error) {
	g, err := e.place(ctx, userID, direction, instrument)
	if err != nil {
		e.metrics.GuessesRejected.WithLabelValues(rejectReason(err)).Inc()
		return game.Guess{}, err
	}
	e.metrics.GuessesPlaced.WithLabelValues(g.Instrument, string(g.Direction)).Inc()
	return g, nil
}

func (e *Engine) place(ctx context.Context, userID, direction, instrument string) (game.Guess, error) {
	// Step 1: identity
	if userID == "" {
		return game.Guess{}, fmt.Errorf("place guess: %w", game.ErrUnauthorized)
	}

	// Step 2: arguments
	dir, err := game.ParseDirection(direction)
	if err != nil {
		return game.Guess{}, err
	}
	instr, err := e.instrument(instrument)
	if err != nil {
		return game.Guess{}, err
	}

	// Step 3: profile
	if _, err := e.store.GetUser(ctx, userID); err != nil {
		return game.Guess{}, fmt.Errorf("place guess: %w", err)
	}

	// Step 4: fast conflict check; CreateGuess is the authoritative one
	active, err := e.store.GetActiveGuess(ctx, userID)
	if err != nil {
		return game.Guess{}, fmt.Errorf("place guess: %w", err)
	}
	if active != nil {
		return game.Guess{}, fmt.Errorf("place guess: user %s has active guess %s: %w", userID, active.GuessID, game.ErrConflict)
	}

	// Step 5: start price
	startPrice, err := e.prices.GetCurrentPrice(ctx, instr)
	if err != nil {
		return game.Guess{}, fmt.Errorf("place guess: %w", err)
	}

	// Step 6: persist
	now := e.now()
	g := game.Guess{
		GuessID:       e.newID(),
		UserID:        userID,
		Instrument:    instr,
		Direction:     dir,
		StartPrice:    startPrice,
		StartTime:     now,
		NextAttemptAt: now.Add(e.cfg.InitialDelay),
	}
	if err := e.store.CreateGuess(ctx, g); err != nil {
		return game.Guess{}, fmt.Errorf("place guess: %w", err)
	}

	// Step 7: schedule. The guess already exists, so a failure here is left
	// to the stale-guess sweeper.
	if err := e.queue.Enqueue(ctx, scheduler.TaskFor(g, 0), e.cfg.InitialDelay); err != nil {
		e.metrics.EnqueueFailures.Inc()
		e.logger.Error().Err(err).
			Str("user_id", userID).
			Str("guess_id", g.GuessID).
			Msg("failed to enqueue resolution, sweeper will pick it up")
	}

	e.logger.Info().
		Str("user_id", userID).
		Str("guess_id", g.GuessID).
		Str("instrument", instr).
		Str("direction", string(dir)).
		Str("start_price", startPrice.String()).
		Msg("guess placed")
	return g, nil
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, game.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, game.ErrInvalidInput):
		return "invalid"
	case errors.Is(err, game.ErrNotFound):
		return "not_found"
	case errors.Is(err, game.ErrConflict):
		return "conflict"
	case errors.Is(err, game.ErrUpstreamUnavailable):
		return "upstream"
	default:
		return "internal"
	}
}

// Resolve handles one delivered resolution task. Infrastructure errors are
// returned unhandled so the scheduler redelivers the task; a task for a guess
// that does not exist is marked permanent.
func (e *Engine) Resolve(ctx context.Context, task scheduler.Task) error {
	start := time.Now()
	defer func() { e.metrics.ResolveDuration.Observe(time.Since(start).Seconds()) }()

	log := e.logger.With().
		Str("user_id", task.UserID).
		Str("guess_id", task.GuessID).
		Int("retry_count", task.RetryCount).
		Logger()

	// Step 1: redelivery of a resolved guess is a no-op
	g, err := e.store.GetGuess(ctx, task.UserID, task.GuessID)
	if errors.Is(err, game.ErrNotFound) {
		return scheduler.Permanent(fmt.Errorf("resolve: %w", err))
	}
	if err != nil {
		return fmt.Errorf("resolve: %w", err)
	}
	if g.Resolved {
		log.Debug().Msg("guess already resolved, skipping")
		return nil
	}

	// Step 2-4: a different price observed after the initial delay, gathered
	// by any guess's cache fill
	minTimestamp := g.StartTime.Add(e.cfg.InitialDelay)
	obs, err := e.prices.FindDifferentPriceAfter(ctx, g.Instrument, minTimestamp, g.StartPrice)
	if err != nil {
		return fmt.Errorf("resolve: %w", err)
	}

	var endPrice decimal.Decimal
	var source game.PriceSource
	if obs != nil {
		endPrice, source = obs.Price, game.SourceHistorical
	} else {
		// Step 5: current price, which also fills the cache for other guesses
		current, err := e.prices.GetCurrentPrice(ctx, g.Instrument)
		if err != nil {
			return fmt.Errorf("resolve: %w", err)
		}
		if current.Equal(g.StartPrice) {
			if task.RetryCount < e.cfg.MaxRetries {
				next := task.Next()
				// recorded first so the sweeper never outruns a live retry
				if err := e.store.SetNextAttempt(ctx, g.UserID, g.GuessID, next.RetryCount, e.now().Add(e.cfg.RetryBackoff)); err != nil {
					return fmt.Errorf("resolve: %w", err)
				}
				if err := e.queue.Enqueue(ctx, next, e.cfg.RetryBackoff); err != nil {
					return fmt.Errorf("resolve: requeue: %w", err)
				}
				e.metrics.ResolveRequeues.Inc()
				log.Debug().Dur("backoff", e.cfg.RetryBackoff).Msg("price unchanged, requeued")
				return nil
			}
			e.metrics.RetriesExhausted.Inc()
			log.Info().Msg("price unchanged after max retries, accepting flat price")
		}
		endPrice, source = current, game.SourceCurrent
	}

	// Step 6-8: score and commit atomically
	correct, scoreChange := game.Score(g.Direction, g.StartPrice, endPrice)
	applied, err := e.store.ResolveGuess(ctx, g.UserID, g.GuessID, game.Resolution{
		EndPrice:    endPrice,
		Correct:     correct,
		ScoreChange: scoreChange,
		ResolvedAt:  e.now(),
	})
	if err != nil {
		return fmt.Errorf("resolve: %w", err)
	}
	if !applied {
		log.Debug().Msg("guess resolved concurrently, skipping")
		return nil
	}

	outcome := "incorrect"
	if correct {
		outcome = "correct"
	}
	e.metrics.Resolutions.WithLabelValues(outcome, string(source)).Inc()
	log.Info().
		Str("start_price", g.StartPrice.String()).
		Str("end_price", endPrice.String()).
		Str("source", string(source)).
		Bool("correct", correct).
		Int("score_change", scoreChange).
		Msg("guess resolved")
	return nil
}

// Profile is a user with their active guess, if any.
type Profile struct {
	User        game.User   `json:"user"`
	ActiveGuess *game.Guess `json:"activeGuess"`
}

// GetUser returns the caller's profile, or nil when it has not been created yet.
func (e *Engine) GetUser(ctx context.Context, userID string) (*Profile, error) {
	if userID == "" {
		return nil, fmt.Errorf("get user: %w", game.ErrUnauthorized)
	}
	u, err := e.store.GetUser(ctx, userID)
	if errors.Is(err, game.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	active, err := e.store.GetActiveGuess(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &Profile{User: u, ActiveGuess: active}, nil
}

// GetActiveGuess returns the caller's unresolved guess, or nil.
func (e *Engine) GetActiveGuess(ctx context.Context, userID string) (*game.Guess, error) {
	if userID == "" {
		return nil, fmt.Errorf("get active guess: %w", game.ErrUnauthorized)
	}
	g, err := e.store.GetActiveGuess(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("get active guess: %w", err)
	}
	return g, nil
}

// GetGuessHistory returns the caller's resolved guesses, most recent first.
// A non-positive limit selects the default; larger ones are capped.
func (e *Engine) GetGuessHistory(ctx context.Context, userID string, limit int) ([]game.Guess, error) {
	if userID == "" {
		return nil, fmt.Errorf("get guess history: %w", game.ErrUnauthorized)
	}
	history, err := e.store.GetHistory(ctx, userID, store.HistoryLimit(limit, e.cfg.HistoryLimit, e.cfg.MaxHistoryLimit))
	if err != nil {
		return nil, fmt.Errorf("get guess history: %w", err)
	}
	if history == nil {
		history = []game.Guess{}
	}
	return history, nil
}
