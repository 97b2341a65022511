package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sdrdh/guessgame/internal/game"
)

// Table and operation names as emitted by the notify triggers.
const (
	TableGuesses           = "guesses"
	TablePriceObservations = "price_observations"

	OpInsert = "INSERT"
	OpUpdate = "UPDATE"
	OpDelete = "DELETE"
)

// ChangeRecord is one committed row mutation. Row is the row as JSON with
// column names as keys (Postgres row_to_json).
type ChangeRecord struct {
	Table string          `json:"table"`
	Op    string          `json:"op"`
	Row   json.RawMessage `json:"row"`
}

// ParseChangeRecord decodes a notification payload.
func ParseChangeRecord(payload []byte) (ChangeRecord, error) {
	var rec ChangeRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		return ChangeRecord{}, fmt.Errorf("decode change record: %w", err)
	}
	if rec.Table == "" || rec.Op == "" {
		return ChangeRecord{}, errors.New("change record missing table or op")
	}
	return rec, nil
}

// GuessRow mirrors the guesses table.
type GuessRow struct {
	GuessID     string           `json:"guess_id"`
	UserID      string           `json:"user_id"`
	Instrument  string           `json:"instrument"`
	Direction   string           `json:"direction"`
	StartPrice  *decimal.Decimal `json:"start_price"`
	StartTime   *time.Time       `json:"start_time"`
	RetryCount  int              `json:"retry_count"`
	NextAttempt *time.Time       `json:"next_attempt_at"`
	Resolved    bool             `json:"resolved"`
	EndPrice    *decimal.Decimal `json:"end_price"`
	Correct     *bool            `json:"correct"`
	ScoreChange *int             `json:"score_change"`
	ResolvedAt  *time.Time       `json:"resolved_at"`
}

// PriceRow mirrors the price_observations table.
type PriceRow struct {
	ID         int64            `json:"id"`
	Instrument string           `json:"instrument"`
	Price      *decimal.Decimal `json:"price"`
	ObservedAt *time.Time       `json:"observed_at"`
	Source     string           `json:"source"`
	ExpiresAt  *time.Time       `json:"expires_at"`
}

func guessRow(g game.Guess) GuessRow {
	start := g.StartTime
	price := g.StartPrice
	var next *time.Time
	if !g.NextAttemptAt.IsZero() {
		at := g.NextAttemptAt
		next = &at
	}
	return GuessRow{
		GuessID:     g.GuessID,
		UserID:      g.UserID,
		Instrument:  g.Instrument,
		Direction:   string(g.Direction),
		StartPrice:  &price,
		StartTime:   &start,
		RetryCount:  g.RetryCount,
		NextAttempt: next,
		Resolved:    g.Resolved,
		EndPrice:    g.EndPrice,
		Correct:     g.Correct,
		ScoreChange: g.ScoreChange,
		ResolvedAt:  g.ResolvedAt,
	}
}

func priceRow(id int64, o game.Observation) PriceRow {
	price := o.Price
	at := o.Timestamp
	exp := o.Expiry
	return PriceRow{ID: id, Instrument: o.Instrument, Price: &price, ObservedAt: &at, Source: o.Source, ExpiresAt: &exp}
}

// DecodeGuessRow validates and converts a guesses row. A resolved row must
// carry every resolution field.
func DecodeGuessRow(raw json.RawMessage) (game.Guess, error) {
	var r GuessRow
	if err := json.Unmarshal(raw, &r); err != nil {
		return game.Guess{}, fmt.Errorf("decode guess row: %w", err)
	}
	if r.GuessID == "" || r.UserID == "" || r.StartPrice == nil || r.StartTime == nil {
		return game.Guess{}, errors.New("guess row missing identity or start fields")
	}
	dir, err := game.ParseDirection(r.Direction)
	if err != nil {
		return game.Guess{}, fmt.Errorf("guess row: %w", err)
	}
	g := game.Guess{
		GuessID:    r.GuessID,
		UserID:     r.UserID,
		Instrument: r.Instrument,
		Direction:  dir,
		StartPrice: *r.StartPrice,
		StartTime:  r.StartTime.UTC(),
		RetryCount: r.RetryCount,
	}
	if r.NextAttempt != nil {
		g.NextAttemptAt = r.NextAttempt.UTC()
	}
	if !r.Resolved {
		return g, nil
	}
	if r.EndPrice == nil || r.Correct == nil || r.ScoreChange == nil || r.ResolvedAt == nil {
		return game.Guess{}, errors.New("resolved guess row missing resolution fields")
	}
	return g.Apply(game.Resolution{
		EndPrice:    *r.EndPrice,
		Correct:     *r.Correct,
		ScoreChange: *r.ScoreChange,
		ResolvedAt:  r.ResolvedAt.UTC(),
	}), nil
}

// DecodePriceRow validates and converts a price_observations row.
func DecodePriceRow(raw json.RawMessage) (game.Observation, error) {
	var r PriceRow
	if err := json.Unmarshal(raw, &r); err != nil {
		return game.Observation{}, fmt.Errorf("decode price row: %w", err)
	}
	if r.Instrument == "" || r.Price == nil || r.ObservedAt == nil {
		return game.Observation{}, errors.New("price row missing instrument, price or timestamp")
	}
	o := game.Observation{
		Instrument: r.Instrument,
		Price:      *r.Price,
		Timestamp:  r.ObservedAt.UTC(),
		Source:     r.Source,
	}
	if r.ExpiresAt != nil {
		o.Expiry = r.ExpiresAt.UTC()
	}
	return o, nil
}
