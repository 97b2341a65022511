// Package jobs runs the periodic maintenance work: re-enqueueing stale
// guesses and purging expired price observations.
package jobs

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/sdrdh/guessgame/internal/observability"
)

// Runner schedules jobs with six-field (seconds first) cron specs. A job that
// is still running when its next tick fires skips that tick.
type Runner struct {
	cron    *cron.Cron
	metrics *observability.Metrics
	logger  zerolog.Logger
	ctx     context.Context
	cancel  context.CancelFunc
}

func NewRunner(metrics *observability.Metrics, logger zerolog.Logger) *Runner {
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithChain(cron.Recover(cronLogger{logger}), cron.SkipIfStillRunning(cronLogger{logger})),
		),
		metrics: metrics,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Add registers job under name.
func (r *Runner) Add(name, spec string, job func(context.Context) error) error {
	_, err := r.cron.AddFunc(spec, func() {
		if err := job(r.ctx); err != nil {
			r.metrics.JobRuns.WithLabelValues(name, "error").Inc()
			r.logger.Error().Err(err).Str("job", name).Msg("job failed")
			return
		}
		r.metrics.JobRuns.WithLabelValues(name, "ok").Inc()
	})
	if err != nil {
		return fmt.Errorf("schedule %s (%q): %w", name, spec, err)
	}
	return nil
}

// Run starts the scheduler and blocks until ctx is cancelled, then waits for
// running jobs to return.
func (r *Runner) Run(ctx context.Context) error {
	r.cron.Start()
	r.logger.Info().Int("jobs", len(r.cron.Entries())).Msg("cron started")

	<-ctx.Done()
	r.cancel()
	<-r.cron.Stop().Done()
	r.logger.Info().Msg("cron stopped")
	return ctx.Err()
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
