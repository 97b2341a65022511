package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/sdrdh/guessgame/internal/game"
	"github.com/sdrdh/guessgame/internal/observability"
	"github.com/sdrdh/guessgame/internal/scheduler"
)

type StaleLister interface {
	ListStaleGuesses(ctx context.Context, dueBefore time.Time, limit int) ([]game.Guess, error)
	SetNextAttempt(ctx context.Context, userID, guessID string, retryCount int, dueAt time.Time) error
}

type Enqueuer interface {
	Enqueue(ctx context.Context, task scheduler.Task, delay time.Duration) error
}

// Sweeper re-enqueues guesses whose next attempt is overdue by more than
// staleAfter, which happens when an enqueue failed after the guess was stored
// or a task was dead-lettered. staleAfter must cover the transport's whole
// redelivery budget: a guess whose task is still being redelivered is not
// stale. The swept task continues the chain at the guess's recorded retry
// count, so a flat price still gets the remaining retries.
type Sweeper struct {
	guesses    StaleLister
	queue      Enqueuer
	staleAfter time.Duration
	limit      int
	now        func() time.Time
	metrics    *observability.Metrics
	logger     zerolog.Logger
}

func NewSweeper(guesses StaleLister, queue Enqueuer, staleAfter time.Duration, limit int, metrics *observability.Metrics, logger zerolog.Logger) *Sweeper {
	if limit < 1 {
		limit = 100
	}
	return &Sweeper{
		guesses:    guesses,
		queue:      queue,
		staleAfter: staleAfter,
		limit:      limit,
		now:        game.Now,
		metrics:    metrics,
		logger:     logger,
	}
}

// WithClock replaces the clock. Tests only.
func (s *Sweeper) WithClock(now func() time.Time) *Sweeper {
	s.now = now
	return s
}

// Sweep enqueues one batch of stale guesses and returns how many were enqueued.
// Each swept guess has its next attempt moved to now, so it is not swept
// again until that attempt is itself overdue.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	now := s.now()
	stale, err := s.guesses.ListStaleGuesses(ctx, now.Add(-s.staleAfter), s.limit)
	if err != nil {
		return 0, fmt.Errorf("list stale guesses: %w", err)
	}

	n := 0
	for _, g := range stale {
		task := scheduler.TaskFor(g, g.RetryCount).Swept(now)
		if err := s.queue.Enqueue(ctx, task, 0); err != nil {
			return n, fmt.Errorf("requeue stale guess %s: %w", g.GuessID, err)
		}
		if err := s.guesses.SetNextAttempt(ctx, g.UserID, g.GuessID, g.RetryCount, now); err != nil {
			return n, fmt.Errorf("requeue stale guess %s: %w", g.GuessID, err)
		}
		n++
		s.metrics.SweeperRequeues.Inc()
		s.logger.Warn().
			Str("user_id", g.UserID).
			Str("guess_id", g.GuessID).
			Int("retry_count", g.RetryCount).
			Time("next_attempt_at", g.NextAttemptAt).
			Msg("requeued stale guess")
	}
	return n, nil
}

// Run adapts Sweep to Runner.Add.
func (s *Sweeper) Run(ctx context.Context) error {
	_, err := s.Sweep(ctx)
	return err
}
