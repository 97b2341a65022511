// Package notifier republishes committed guess resolutions and new price
// observations as events for client fan-out.
package notifier

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/sdrdh/guessgame/internal/store"
)

type EventType string

const (
	GuessResolved EventType = "GuessResolved"
	PriceUpdated  EventType = "PriceUpdated"
)

// Event is one change published to the sink. Key is the fan-out key: the
// user id for GuessResolved, the instrument for PriceUpdated. ID is stable
// across redeliveries of the same change.
type Event struct {
	ID        string
	Type      EventType
	Key       string
	Payload   json.RawMessage
	EmittedAt time.Time
}

type eventJSON struct {
	ID        string          `json:"id"`
	Type      EventType       `json:"type"`
	Key       string          `json:"key"`
	Payload   json.RawMessage `json:"payload"`
	EmittedAt int64           `json:"emittedAt"`
}

func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal(eventJSON{
		ID:        e.ID,
		Type:      e.Type,
		Key:       e.Key,
		Payload:   e.Payload,
		EmittedAt: e.EmittedAt.UnixMilli(),
	})
}

func (e *Event) UnmarshalJSON(data []byte) error {
	var j eventJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	*e = Event{
		ID:        j.ID,
		Type:      j.Type,
		Key:       j.Key,
		Payload:   j.Payload,
		EmittedAt: time.UnixMilli(j.EmittedAt).UTC(),
	}
	return nil
}

// Classify maps a change record to an event. ok is false for records that do
// not produce an event; err is set for records that should but are malformed.
func Classify(rec store.ChangeRecord, now time.Time) (ev Event, ok bool, err error) {
	switch {
	case rec.Table == store.TableGuesses && rec.Op == store.OpUpdate:
		g, err := store.DecodeGuessRow(rec.Row)
		if err != nil {
			return Event{}, false, err
		}
		if !g.Resolved {
			return Event{}, false, nil
		}
		payload, err := json.Marshal(g)
		if err != nil {
			return Event{}, false, fmt.Errorf("encode guess %s: %w", g.GuessID, err)
		}
		return Event{
			ID:        g.GuessID + ":" + strconv.FormatInt(g.ResolvedAt.UnixMilli(), 10),
			Type:      GuessResolved,
			Key:       g.UserID,
			Payload:   payload,
			EmittedAt: now,
		}, true, nil

	case rec.Table == store.TablePriceObservations && rec.Op == store.OpInsert:
		obs, err := store.DecodePriceRow(rec.Row)
		if err != nil {
			return Event{}, false, err
		}
		payload, err := json.Marshal(obs)
		if err != nil {
			return Event{}, false, fmt.Errorf("encode observation %s: %w", obs.Instrument, err)
		}
		return Event{
			ID:        obs.Instrument + ":" + strconv.FormatInt(obs.Timestamp.UnixMilli(), 10),
			Type:      PriceUpdated,
			Key:       obs.Instrument,
			Payload:   payload,
			EmittedAt: now,
		}, true, nil
	}
	return Event{}, false, nil
}
