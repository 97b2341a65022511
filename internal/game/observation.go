package game

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Observation is one timestamped price for an instrument. Observations are
// append-only; Expiry is when the storage layer may purge the row.
type Observation struct {
	Instrument string
	Price      decimal.Decimal
	Timestamp  time.Time
	Source     string
	Expiry     time.Time
}

// Age is how old the observation is at now.
func (o Observation) Age(now time.Time) time.Duration {
	return now.Sub(o.Timestamp)
}

type observationJSON struct {
	Instrument string          `json:"instrument"`
	Price      decimal.Decimal `json:"price"`
	Timestamp  int64           `json:"timestamp"`
	Source     string          `json:"source,omitempty"`
	Expiry     int64           `json:"expiry,omitempty"`
}

func (o Observation) MarshalJSON() ([]byte, error) {
	j := observationJSON{
		Instrument: o.Instrument,
		Price:      o.Price,
		Timestamp:  o.Timestamp.UnixMilli(),
		Source:     o.Source,
	}
	if !o.Expiry.IsZero() {
		j.Expiry = o.Expiry.UnixMilli()
	}
	return json.Marshal(j)
}

func (o *Observation) UnmarshalJSON(data []byte) error {
	var j observationJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	*o = Observation{
		Instrument: j.Instrument,
		Price:      j.Price,
		Timestamp:  FromMillis(j.Timestamp),
		Source:     j.Source,
	}
	if j.Expiry != 0 {
		o.Expiry = FromMillis(j.Expiry)
	}
	return nil
}
