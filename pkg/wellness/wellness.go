// Package wellness holds the domain types of the insight pipeline and the pure
// transformations applied to a session's measurements before assessment.
package wellness

import (
	"time"
)

// Measurement is one sensor reading as stored in the source table.
type Measurement struct {
	SessionID   string
	Temperature float64
	Humidity    float64
	CapturedAt  time.Time
}

// Reading is the privacy-safe projection of a Measurement sent to the provider.
type Reading struct {
	Temperature float64 `json:"temperature"`
	Humidity    float64 `json:"humidity"`
}

// Watermark identifies how far into a session an assessment reaches.
type Watermark struct {
	SessionID string
	UpTo      time.Time
}

// Result is a persisted assessment. Results are append-only; the one with the
// highest ID is the latest.
type Result struct {
	ID         int64
	SessionID  string
	Text       string
	Watermark  time.Time
	InsertedAt time.Time
}
