package wellness

import (
	"context"
)

// SessionSelector decides which session is eligible for processing.
type SessionSelector interface {
	CurrentSession(ctx context.Context) (sessionID string, ok bool, err error)
}

// SessionReader is the read side of the measurement source.
type SessionReader interface {
	LatestSessionID(ctx context.Context) (string, bool, error)
	SessionMeasurements(ctx context.Context, sessionID string) ([]Measurement, error)
}

// MaxTimestampSelector picks the session owning the most recent measurement.
// There is no explicit session-close event, so "current" is inferred.
type MaxTimestampSelector struct {
	Source SessionReader
}

func (s MaxTimestampSelector) CurrentSession(ctx context.Context) (string, bool, error) {
	return s.Source.LatestSessionID(ctx)
}

// CurrentBatch returns every measurement of the selected session ordered by
// capture time. An empty result means there is nothing to do.
func CurrentBatch(ctx context.Context, sel SessionSelector, src SessionReader) ([]Measurement, error) {
	id, ok, err := sel.CurrentSession(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return src.SessionMeasurements(ctx, id)
}
