package pawn

import (
	"bytes"
	"encoding/json"
	"time"
)

// =============================================================================
// TIMESTAMP - Lenient wire time
// =============================================================================

// Timestamp wraps time.Time with a decoder that never fails. Backend rows
// carry dates in several layouts and occasionally garbage; anything that
// does not parse decodes to the zero value.
type Timestamp struct {
	Time time.Time
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// Epoch is where unparseable or missing event times sort.
var Epoch = Timestamp{Time: time.Unix(0, 0).UTC()}

func At(t time.Time) Timestamp { return Timestamp{Time: t} }

// ParseTimestamp tries each known layout and returns the zero Timestamp
// when none match.
func ParseTimestamp(s string) Timestamp {
	if s == "" {
		return Timestamp{}
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return Timestamp{Time: t}
		}
	}
	return Timestamp{}
}

func (ts Timestamp) IsZero() bool { return ts.Time.IsZero() }
func (ts Timestamp) Before(other Timestamp) bool { return ts.Time.Before(other.Time) }
func (ts Timestamp) After(other Timestamp) bool { return ts.Time.After(other.Time) }
func (ts Timestamp) Equal(other Timestamp) bool { return ts.Time.Equal(other.Time) }
func (ts Timestamp) Sub(other Timestamp) time.Duration { return ts.Time.Sub(other.Time) }

// OrEpoch maps the zero value to Epoch.
func (ts Timestamp) OrEpoch() Timestamp {
	if ts.IsZero() {
		return Epoch
	}
	return ts
}

func (ts Timestamp) String() string {
	if ts.IsZero() {
		return ""
	}
	return ts.Time.Format(time.RFC3339Nano)
}

// DateString formats the calendar date only.
func (ts Timestamp) DateString() string {
	if ts.IsZero() {
		return ""
	}
	return ts.Time.Format("2006-01-02")
}

func (ts Timestamp) MarshalJSON() ([]byte, error) {
	if ts.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(ts.Time.Format(time.RFC3339Nano))
}

func (ts *Timestamp) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		// null, numbers, objects: treated as missing
		*ts = Timestamp{}
		return nil
	}
	*ts = ParseTimestamp(s)
	return nil
}
