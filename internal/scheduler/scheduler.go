package scheduler

import (
	"context"
	"errors"
	"time"
)

// Handler processes one delivered task. Returning an error requests a
// redelivery; wrap it with Permanent to dead-letter the task at once.
type Handler func(ctx context.Context, task Task) error

// Scheduler is an at-least-once delay queue of resolution tasks.
type Scheduler interface {
	// Enqueue makes task deliverable no earlier than now + delay.
	Enqueue(ctx context.Context, task Task, delay time.Duration) error
	// OnDeliver registers the handler. It must be called before Run.
	OnDeliver(h Handler)
	// Run delivers tasks until ctx is cancelled.
	Run(ctx context.Context) error
}

// Dead-letter reasons.
const (
	ReasonMaxReceiveCount = "max_receive_count"
	ReasonPermanent       = "permanent_error"
	ReasonUndecodable     = "undecodable"
)

// DeadLetter is a task parked for operator inspection.
type DeadLetter struct {
	ID       uint64
	Task     Task
	Payload  []byte
	Reason   string
	Attempts int
	Error    string
	At       time.Time
}

var ErrNoHandler = errors.New("scheduler: no handler registered")

type permanentError struct{ err error }

func (e permanentError) Error() string { return "permanent: " + e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}
