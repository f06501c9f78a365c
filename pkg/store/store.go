// Package store defines persistence interfaces for sensor measurements and
// assessment results. Implementations must provide identical semantics across
// backends so the pipeline behaves the same on PostgreSQL and SQLite.
package store

import (
	"context"
	"errors"

	"github.com/wilhg/wellness/pkg/wellness"
)

// ErrStaleWatermark is returned by Persist when the result's watermark is
// older than one already stored for the same session.
var ErrStaleWatermark = errors.New("store: watermark older than latest stored result")

// MeasurementSource is read-only access to the externally owned sensor log.
type MeasurementSource interface {
	// LatestSessionID returns the session owning the most recent measurement.
	LatestSessionID(ctx context.Context) (string, bool, error)
	// SessionMeasurements returns all rows of a session ordered by capture time.
	SessionMeasurements(ctx context.Context, sessionID string) ([]wellness.Measurement, error)
}

// ResultReader is the read side of the result table.
type ResultReader interface {
	// Latest returns the most recently inserted result.
	Latest(ctx context.Context) (wellness.Result, bool, error)
	// LatestForSession returns the most recently inserted result for a session.
	LatestForSession(ctx context.Context, sessionID string) (wellness.Result, bool, error)
}

// ResultStore persists assessment results. It is append-only.
type ResultStore interface {
	ResultReader
	// Persist durably inserts r and returns the stored row.
	Persist(ctx context.Context, r wellness.Result) (wellness.Result, error)
}

// Store aggregates both sides.
type Store interface {
	MeasurementSource
	ResultStore
}
