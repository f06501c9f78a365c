// Package runtime drives the polling pipeline: one cycle at a time, on a fixed delay.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/wilhg/wellness/pkg/errmodel"
	"github.com/wilhg/wellness/pkg/store"
	"github.com/wilhg/wellness/pkg/wellness"
)

// ErrCycleInFlight is returned by RunCycle when another cycle is still running.
var ErrCycleInFlight = errors.New("runtime: cycle already in flight")

// Assessor produces an insight text for a shaped payload.
type Assessor interface {
	Assess(ctx context.Context, p wellness.Payload) (string, error)
}

// Notifier announces a persisted result.
type Notifier interface {
	Publish(ctx context.Context, r wellness.Result) error
}

// Deps are the pipeline stages a Scheduler drives.
type Deps struct {
	Selector wellness.SessionSelector
	Source   store.MeasurementSource
	Results  store.ResultStore
	Assessor Assessor
}

// State is the stage a cycle is in.
type State int32

const (
	StateIdle State = iota
	StateFetching
	StateTransforming
	StateAssessing
	StatePersisting
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateFetching:
		return "fetching"
	case StateTransforming:
		return "transforming"
	case StateAssessing:
		return "assessing"
	case StatePersisting:
		return "persisting"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// CycleOutcome summarizes one RunCycle.
type CycleOutcome int

const (
	// OutcomeEmpty means there were no measurements to process.
	OutcomeEmpty CycleOutcome = iota
	// OutcomeUnchanged means the session has not advanced past its last stored result.
	OutcomeUnchanged
	OutcomePersisted
	OutcomeFailed
)

func (o CycleOutcome) String() string {
	switch o {
	case OutcomeEmpty:
		return "empty"
	case OutcomeUnchanged:
		return "unchanged"
	case OutcomePersisted:
		return "persisted"
	case OutcomeFailed:
		return "failed"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Scheduler repeatedly runs fetch → shape → assess → persist on a fixed delay.
type Scheduler struct {
	deps Deps

	interval      time.Duration
	storeTimeout  time.Duration
	skipUnchanged bool
	log           zerolog.Logger
	notifier      Notifier

	cycle sync.Mutex
	state atomic.Int32
}

// SchedulerOption configures the Scheduler at construction time.
type SchedulerOption func(*Scheduler)

// WithInterval sets the delay between the end of one cycle and the start of the next.
func WithInterval(d time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithStoreTimeout bounds each store call.
func WithStoreTimeout(d time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if d > 0 {
			s.storeTimeout = d
		}
	}
}

// WithLogger sets the logger; cycle lines carry component=scheduler.
func WithLogger(l zerolog.Logger) SchedulerOption {
	return func(s *Scheduler) { s.log = l }
}

// WithNotifier publishes every persisted result. Publish failures are logged only.
func WithNotifier(n Notifier) SchedulerOption {
	return func(s *Scheduler) { s.notifier = n }
}

// WithSkipUnchanged toggles the guard that skips a session whose newest
// measurement is not newer than its last stored result.
func WithSkipUnchanged(on bool) SchedulerOption {
	return func(s *Scheduler) { s.skipUnchanged = on }
}

// NewScheduler constructs a Scheduler.
func NewScheduler(deps Deps, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		deps:          deps,
		interval:      60 * time.Second,
		storeTimeout:  30 * time.Second,
		skipUnchanged: true,
		log:           zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With().Str("component", "scheduler").Logger()
	return s
}

// State reports the stage of the running cycle, or StateIdle.
func (s *Scheduler) State() State { return State(s.state.Load()) }

func (s *Scheduler) setState(st State) { s.state.Store(int32(st)) }

// Run executes cycles until ctx is cancelled. A cycle that has started when
// ctx is cancelled runs to completion. Run returns nil on shutdown.
func (s *Scheduler) Run(ctx context.Context) error {
	s.log.Info().Dur("interval", s.interval).Msg("scheduler started")
	for {
		if ctx.Err() != nil {
			break
		}
		if _, err := s.RunCycle(context.WithoutCancel(ctx)); errors.Is(err, ErrCycleInFlight) {
			s.log.Debug().Msg("cycle skipped, another is in flight")
		}
		t := time.NewTimer(s.interval)
		select {
		case <-ctx.Done():
			t.Stop()
		case <-t.C:
		}
	}
	s.log.Info().Msg("scheduler stopped")
	return nil
}

// RunCycle runs one pass of the pipeline. Failures are logged and returned;
// they never leave partial results behind.
func (s *Scheduler) RunCycle(ctx context.Context) (out CycleOutcome, err error) {
	if !s.cycle.TryLock() {
		return OutcomeFailed, ErrCycleInFlight
	}
	defer s.cycle.Unlock()
	defer s.setState(StateIdle)

	cycleID := uuid.NewString()
	log := s.log.With().Str("cycle_id", cycleID).Logger()
	ctx, span := otel.Tracer("runtime/scheduler").Start(ctx, "Scheduler.RunCycle",
		trace.WithAttributes(attribute.String("cycle.id", cycleID)))
	defer span.End()

	defer func() {
		if p := recover(); p != nil {
			out, err = OutcomeFailed, errmodel.System("panic", fmt.Sprint(p), nil, nil)
			s.logFailure(log, err)
		}
		span.SetAttributes(attribute.String("cycle.outcome", out.String()))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	out, err = s.cycleStages(ctx, &log)
	if err != nil {
		s.logFailure(log, err)
	}
	return out, err
}

func (s *Scheduler) cycleStages(ctx context.Context, log *zerolog.Logger) (CycleOutcome, error) {
	s.setState(StateFetching)
	batch, err := s.fetch(ctx)
	if err != nil {
		return OutcomeFailed, errmodel.Source("fetch current session", nil, err)
	}
	if len(batch) == 0 {
		log.Debug().Msg("no measurements")
		return OutcomeEmpty, nil
	}

	s.setState(StateTransforming)
	payload, wm, err := wellness.Shape(batch)
	if err != nil {
		return OutcomeFailed, err
	}
	*log = log.With().Str("session_id", wm.SessionID).Int64("watermark", wm.UpTo.UnixMilli()).Logger()

	if s.skipUnchanged {
		prev, ok, err := s.lastStored(ctx, wm.SessionID)
		if err != nil {
			return OutcomeFailed, errmodel.Persist(errmodel.CodePersistFailure, "read last result", nil, err)
		}
		if ok && !wm.UpTo.After(prev.Watermark) {
			log.Debug().Int64("stored_watermark", prev.Watermark.UnixMilli()).Msg("session unchanged")
			return OutcomeUnchanged, nil
		}
	}

	s.setState(StateAssessing)
	text, err := s.deps.Assessor.Assess(ctx, payload)
	if err != nil {
		var ce *errmodel.Error
		if !errors.As(err, &ce) {
			err = errmodel.Model(errmodel.CodeProviderFailure, "assessment failed", nil, err)
		}
		return OutcomeFailed, err
	}

	s.setState(StatePersisting)
	stored, err := s.persist(ctx, wellness.Result{SessionID: wm.SessionID, Text: text, Watermark: wm.UpTo})
	if err != nil {
		code := errmodel.CodePersistFailure
		if errors.Is(err, store.ErrStaleWatermark) {
			code = errmodel.CodeStaleWatermark
		}
		return OutcomeFailed, errmodel.Persist(code, "persist result", nil, err)
	}
	log.Info().Int64("result_id", stored.ID).Int("readings", len(payload.Readings)).Msg("insight persisted")

	if s.notifier != nil {
		if err := s.notifier.Publish(ctx, stored); err != nil {
			log.Warn().Err(err).Int64("result_id", stored.ID).Msg("notify failed")
		}
	}
	return OutcomePersisted, nil
}

func (s *Scheduler) fetch(ctx context.Context) ([]wellness.Measurement, error) {
	ctx, span := otel.Tracer("runtime/scheduler").Start(ctx, "Scheduler.fetch")
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()
	return wellness.CurrentBatch(ctx, s.deps.Selector, s.deps.Source)
}

func (s *Scheduler) lastStored(ctx context.Context, sessionID string) (wellness.Result, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()
	return s.deps.Results.LatestForSession(ctx, sessionID)
}

func (s *Scheduler) persist(ctx context.Context, r wellness.Result) (wellness.Result, error) {
	ctx, span := otel.Tracer("runtime/scheduler").Start(ctx, "Scheduler.persist",
		trace.WithAttributes(attribute.String("session.id", r.SessionID)))
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()
	return s.deps.Results.Persist(ctx, r)
}

func (s *Scheduler) logFailure(log zerolog.Logger, err error) {
	ce := errmodel.From(err)
	log.Error().Err(err).
		Str("category", ce.Category).
		Str("code", ce.Code).
		Str("state", s.State().String()).
		Msg("cycle failed")
}
