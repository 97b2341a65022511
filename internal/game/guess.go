package game

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Direction is the side of a guess.
type Direction string

const (
	DirectionUp   Direction = "up"
	DirectionDown Direction = "down"
)

// ParseDirection accepts "up"/"down" in any case.
func ParseDirection(s string) (Direction, error) {
	switch Direction(strings.ToLower(strings.TrimSpace(s))) {
	case DirectionUp:
		return DirectionUp, nil
	case DirectionDown:
		return DirectionDown, nil
	default:
		return "", fmt.Errorf("%w: direction must be \"up\" or \"down\", got %q", ErrInvalidInput, s)
	}
}

// PriceSource tags where a resolution's end price came from.
type PriceSource string

const (
	// SourceHistorical: an observation already in the ledger, usually written by another guess's cache fill.
	SourceHistorical PriceSource = "historical"
	// SourceCurrent: fetched (or served fresh) at resolve time.
	SourceCurrent PriceSource = "current"
)

// User is a player profile. Score only moves through atomic increments.
type User struct {
	UserID    string
	Email     string
	Score     int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Guess is a directional bet on an instrument. Once Resolved is true, the
// resolution fields are all set and the record never changes again.
type Guess struct {
	GuessID    string
	UserID     string
	Instrument string
	Direction  Direction
	StartPrice decimal.Decimal
	StartTime  time.Time
	Resolved   bool

	// RetryCount and NextAttemptAt track the resolution chain of an
	// unresolved guess. They stay off the wire.
	RetryCount    int
	NextAttemptAt time.Time

	EndPrice    *decimal.Decimal
	Correct     *bool
	ScoreChange *int
	ResolvedAt  *time.Time
}

// Resolution is the set of fields written together when a guess resolves.
type Resolution struct {
	EndPrice    decimal.Decimal
	Correct     bool
	ScoreChange int
	ResolvedAt  time.Time
}

// Apply returns a copy of g marked resolved with r.
func (g Guess) Apply(r Resolution) Guess {
	endPrice := r.EndPrice
	correct := r.Correct
	change := r.ScoreChange
	at := r.ResolvedAt
	g.Resolved = true
	g.EndPrice = &endPrice
	g.Correct = &correct
	g.ScoreChange = &change
	g.ResolvedAt = &at
	return g
}

// Score applies the scoring rule. A flat market is always a loss: the guess is a
// directional bet and an unchanged price moved in neither direction.
func Score(direction Direction, startPrice, endPrice decimal.Decimal) (correct bool, scoreChange int) {
	switch {
	case endPrice.GreaterThan(startPrice):
		correct = direction == DirectionUp
	case endPrice.LessThan(startPrice):
		correct = direction == DirectionDown
	default:
		correct = false
	}
	if correct {
		return true, 1
	}
	return false, -1
}

// Now returns the current instant truncated to the millisecond precision used at
// every wire boundary.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

// FromMillis converts a Unix-millisecond wire timestamp.
func FromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// --- JSON wire format: camelCase, decimal strings, Unix milliseconds ---

type userJSON struct {
	UserID    string `json:"userId"`
	Email     string `json:"email"`
	Score     int64  `json:"score"`
	CreatedAt int64  `json:"createdAt"`
	UpdatedAt int64  `json:"updatedAt"`
}

func (u User) MarshalJSON() ([]byte, error) {
	return json.Marshal(userJSON{
		UserID:    u.UserID,
		Email:     u.Email,
		Score:     u.Score,
		CreatedAt: u.CreatedAt.UnixMilli(),
		UpdatedAt: u.UpdatedAt.UnixMilli(),
	})
}

type guessJSON struct {
	GuessID     string           `json:"guessId"`
	UserID      string           `json:"userId"`
	Instrument  string           `json:"instrument"`
	Direction   Direction        `json:"direction"`
	StartPrice  decimal.Decimal  `json:"startPrice"`
	StartTime   int64            `json:"startTime"`
	Resolved    bool             `json:"resolved"`
	EndPrice    *decimal.Decimal `json:"endPrice,omitempty"`
	Correct     *bool            `json:"correct,omitempty"`
	ScoreChange *int             `json:"scoreChange,omitempty"`
	ResolvedAt  *int64           `json:"resolvedAt,omitempty"`
}

func (g Guess) MarshalJSON() ([]byte, error) {
	j := guessJSON{
		GuessID:     g.GuessID,
		UserID:      g.UserID,
		Instrument:  g.Instrument,
		Direction:   g.Direction,
		StartPrice:  g.StartPrice,
		StartTime:   g.StartTime.UnixMilli(),
		Resolved:    g.Resolved,
		EndPrice:    g.EndPrice,
		Correct:     g.Correct,
		ScoreChange: g.ScoreChange,
	}
	if g.ResolvedAt != nil {
		ms := g.ResolvedAt.UnixMilli()
		j.ResolvedAt = &ms
	}
	return json.Marshal(j)
}

func (g *Guess) UnmarshalJSON(data []byte) error {
	var j guessJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	*g = Guess{
		GuessID:     j.GuessID,
		UserID:      j.UserID,
		Instrument:  j.Instrument,
		Direction:   j.Direction,
		StartPrice:  j.StartPrice,
		StartTime:   FromMillis(j.StartTime),
		Resolved:    j.Resolved,
		EndPrice:    j.EndPrice,
		Correct:     j.Correct,
		ScoreChange: j.ScoreChange,
	}
	if j.ResolvedAt != nil {
		at := FromMillis(*j.ResolvedAt)
		g.ResolvedAt = &at
	}
	return nil
}
