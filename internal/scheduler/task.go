// Package scheduler is the delay queue that delivers resolution tasks no
// earlier than their due time, redelivers on handler failure and routes
// repeatedly failing tasks to a dead-letter path.
package scheduler

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sdrdh/guessgame/internal/game"
)

// Task is one pending resolution attempt for a guess. RetryCount counts
// "price unchanged" requeues, not transport redeliveries. SweptAt is set on
// tasks the stale-guess sweeper re-enqueues.
type Task struct {
	UserID     string
	GuessID    string
	Instrument string
	Direction  game.Direction
	StartPrice decimal.Decimal
	StartTime  time.Time
	RetryCount int
	SweptAt    time.Time
}

// TaskFor builds the resolution task for a guess.
func TaskFor(g game.Guess, retryCount int) Task {
	return Task{
		UserID:     g.UserID,
		GuessID:    g.GuessID,
		Instrument: g.Instrument,
		Direction:  g.Direction,
		StartPrice: g.StartPrice,
		StartTime:  g.StartTime,
		RetryCount: retryCount,
	}
}

// Next is the task for the following "price unchanged" retry. A swept task's
// successor rejoins the regular chain.
func (t Task) Next() Task {
	t.RetryCount++
	t.SweptAt = time.Time{}
	return t
}

// Swept marks t as re-enqueued by the sweeper at the given instant.
func (t Task) Swept(at time.Time) Task {
	t.SweptAt = at
	return t
}

// DedupID identifies one logical attempt for publish de-duplication. Swept
// tasks get their own id so they are never folded into the chain attempt
// with the same retry count.
func (t Task) DedupID() string {
	if !t.SweptAt.IsZero() {
		return t.GuessID + ":sweep:" + strconv.FormatInt(t.SweptAt.UnixMilli(), 10)
	}
	return t.GuessID + ":" + strconv.Itoa(t.RetryCount)
}

type taskJSON struct {
	UserID     string          `json:"userId"`
	GuessID    string          `json:"guessId"`
	Instrument string          `json:"instrument"`
	Direction  game.Direction  `json:"direction"`
	StartPrice decimal.Decimal `json:"startPrice"`
	StartTime  int64           `json:"startTime"`
	RetryCount int             `json:"retryCount,omitempty"`
	SweptAt    *int64          `json:"sweptAt,omitempty"`
}

func (t Task) MarshalJSON() ([]byte, error) {
	j := taskJSON{
		UserID:     t.UserID,
		GuessID:    t.GuessID,
		Instrument: t.Instrument,
		Direction:  t.Direction,
		StartPrice: t.StartPrice,
		StartTime:  t.StartTime.UnixMilli(),
		RetryCount: t.RetryCount,
	}
	if !t.SweptAt.IsZero() {
		ms := t.SweptAt.UnixMilli()
		j.SweptAt = &ms
	}
	return json.Marshal(j)
}

func (t *Task) UnmarshalJSON(data []byte) error {
	var j taskJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	*t = Task{
		UserID:     j.UserID,
		GuessID:    j.GuessID,
		Instrument: j.Instrument,
		Direction:  j.Direction,
		StartPrice: j.StartPrice,
		StartTime:  game.FromMillis(j.StartTime),
		RetryCount: j.RetryCount,
	}
	if j.SweptAt != nil {
		t.SweptAt = game.FromMillis(*j.SweptAt)
	}
	return nil
}

// DecodeTask parses a queue payload. A missing retryCount is 0.
func DecodeTask(data []byte) (Task, error) {
	var t Task
	if err := json.Unmarshal(data, &t); err != nil {
		return Task{}, fmt.Errorf("decode task: %w", err)
	}
	if t.UserID == "" || t.GuessID == "" {
		return Task{}, errors.New("decode task: missing userId or guessId")
	}
	if t.RetryCount < 0 {
		return Task{}, fmt.Errorf("decode task: negative retryCount %d", t.RetryCount)
	}
	return t, nil
}
