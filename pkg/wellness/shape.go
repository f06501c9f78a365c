package wellness

import (
	"encoding/json"
	"errors"

	"github.com/wilhg/wellness/pkg/errmodel"
)

// ErrEmptyBatch signals that there is nothing to assess. It is not a failure.
var ErrEmptyBatch = errors.New("wellness: empty batch")

// Payload is the exact body handed to the assessment provider.
type Payload struct {
	Readings []Reading `json:"readings"`
}

// JSON renders the payload as sent to the provider.
func (p Payload) JSON() (string, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Shape reduces an ordered session batch to the provider payload and the
// watermark needed to persist the result. The input slice is not modified.
func Shape(ms []Measurement) (Payload, Watermark, error) {
	if len(ms) == 0 {
		return Payload{}, Watermark{}, ErrEmptyBatch
	}
	sessionID := ms[0].SessionID
	wm := Watermark{SessionID: sessionID, UpTo: ms[0].CapturedAt}
	readings := make([]Reading, 0, len(ms))
	for i, m := range ms {
		if m.SessionID != sessionID {
			return Payload{}, Watermark{}, errmodel.Validation("mixed_sessions", "batch spans more than one session", map[string]any{
				"session_id": sessionID,
				"other":      m.SessionID,
				"index":      i,
			})
		}
		if m.CapturedAt.After(wm.UpTo) {
			wm.UpTo = m.CapturedAt
		}
		readings = append(readings, Reading{Temperature: m.Temperature, Humidity: m.Humidity})
	}
	return Payload{Readings: readings}, wm, nil
}
