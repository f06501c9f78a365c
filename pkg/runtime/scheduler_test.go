package runtime

import (
	"bytes"
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/wilhg/wellness/pkg/errmodel"
	"github.com/wilhg/wellness/pkg/store"
	"github.com/wilhg/wellness/pkg/wellness"
)

// memStore is an in-memory sensor log plus result table.
type memStore struct {
	mu        sync.Mutex
	rows      []wellness.Measurement
	results   []wellness.Result
	sourceErr error
	persists  int
}

func (m *memStore) add(session string, temp, hum float64, ms int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows = append(m.rows, wellness.Measurement{SessionID: session, Temperature: temp, Humidity: hum, CapturedAt: time.UnixMilli(ms)})
}

func (m *memStore) LatestSessionID(context.Context) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sourceErr != nil {
		return "", false, m.sourceErr
	}
	var best *wellness.Measurement
	for i := range m.rows {
		if best == nil || m.rows[i].CapturedAt.After(best.CapturedAt) {
			best = &m.rows[i]
		}
	}
	if best == nil {
		return "", false, nil
	}
	return best.SessionID, true, nil
}

func (m *memStore) SessionMeasurements(_ context.Context, id string) ([]wellness.Measurement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []wellness.Measurement
	for _, r := range m.rows {
		if r.SessionID == id {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CapturedAt.Before(out[j].CapturedAt) })
	return out, nil
}

func (m *memStore) Persist(_ context.Context, r wellness.Result) (wellness.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.persists++
	for _, prev := range m.results {
		if prev.SessionID == r.SessionID && r.Watermark.Before(prev.Watermark) {
			return wellness.Result{}, store.ErrStaleWatermark
		}
	}
	r.ID = int64(len(m.results) + 1)
	r.InsertedAt = time.Now()
	m.results = append(m.results, r)
	return r, nil
}

func (m *memStore) Latest(context.Context) (wellness.Result, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.results) == 0 {
		return wellness.Result{}, false, nil
	}
	return m.results[len(m.results)-1], true, nil
}

func (m *memStore) LatestForSession(_ context.Context, id string) (wellness.Result, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.results) - 1; i >= 0; i-- {
		if m.results[i].SessionID == id {
			return m.results[i], true, nil
		}
	}
	return wellness.Result{}, false, nil
}

func (m *memStore) snapshot() []wellness.Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]wellness.Result(nil), m.results...)
}

type assessFunc func(ctx context.Context, p wellness.Payload) (string, error)

type countingAssessor struct {
	mu    sync.Mutex
	calls int
	fn    assessFunc
}

func (a *countingAssessor) Assess(ctx context.Context, p wellness.Payload) (string, error) {
	a.mu.Lock()
	a.calls++
	fn := a.fn
	a.mu.Unlock()
	return fn(ctx, p)
}

func (a *countingAssessor) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

func fixedText(text string) assessFunc {
	return func(context.Context, wellness.Payload) (string, error) { return text, nil }
}

func newTestScheduler(st *memStore, a *countingAssessor, opts ...SchedulerOption) *Scheduler {
	deps := Deps{
		Selector: wellness.MaxTimestampSelector{Source: st},
		Source:   st,
		Results:  st,
		Assessor: a,
	}
	return NewScheduler(deps, opts...)
}

func TestRunCycle_EmptySourceMakesNoCalls(t *testing.T) {
	var logs bytes.Buffer
	st := &memStore{}
	a := &countingAssessor{fn: fixedText("x")}
	s := newTestScheduler(st, a, WithLogger(zerolog.New(&logs)))

	out, err := s.RunCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, OutcomeEmpty, out)
	require.Zero(t, a.count())
	require.Zero(t, st.persists)
	require.NotContains(t, logs.String(), `"level":"error"`)
	require.Equal(t, StateIdle, s.State())
}

func TestRunCycle_SingleSessionEndToEnd(t *testing.T) {
	st := &memStore{}
	st.add("S1", 45, 20, 1000)
	st.add("S1", 48, 18, 2000)
	var seen wellness.Payload
	a := &countingAssessor{fn: func(_ context.Context, p wellness.Payload) (string, error) {
		seen = p
		return "R1", nil
	}}
	s := newTestScheduler(st, a)

	out, err := s.RunCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, OutcomePersisted, out)
	require.Equal(t, []wellness.Reading{{Temperature: 45, Humidity: 20}, {Temperature: 48, Humidity: 18}}, seen.Readings)

	latest, ok, err := st.Latest(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "S1", latest.SessionID)
	require.Equal(t, "R1", latest.Text)
	require.Equal(t, int64(2000), latest.Watermark.UnixMilli())
}

func TestRunCycle_ProviderFailureWritesNothingAndNextCycleProceeds(t *testing.T) {
	st := &memStore{}
	st.add("S1", 45, 20, 1000)
	a := &countingAssessor{fn: func(context.Context, wellness.Payload) (string, error) {
		return "", errmodel.Model(errmodel.CodeProviderTimeout, "provider call failed", nil, context.DeadlineExceeded)
	}}
	var logs bytes.Buffer
	s := newTestScheduler(st, a, WithLogger(zerolog.New(&logs)))

	out, err := s.RunCycle(context.Background())
	require.Equal(t, OutcomeFailed, out)
	require.True(t, errmodel.HasCode(err, errmodel.CodeProviderTimeout))
	require.Empty(t, st.snapshot())
	require.Contains(t, logs.String(), `"session_id":"S1"`)
	require.Contains(t, logs.String(), `"code":"provider_timeout"`)
	require.Contains(t, logs.String(), `"state":"assessing"`)
	require.Equal(t, StateIdle, s.State())

	a.fn = fixedText("R1")
	out, err = s.RunCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, OutcomePersisted, out)
	require.Len(t, st.snapshot(), 1)
}

func TestRunCycle_UntypedProviderErrorIsClassified(t *testing.T) {
	st := &memStore{}
	st.add("S1", 45, 20, 1000)
	a := &countingAssessor{fn: func(context.Context, wellness.Payload) (string, error) {
		return "", errors.New("boom")
	}}
	s := newTestScheduler(st, a)

	_, err := s.RunCycle(context.Background())
	require.True(t, errmodel.IsCategory(err, errmodel.CategoryModel))
	require.True(t, errmodel.HasCode(err, errmodel.CodeProviderFailure))
}

func TestRunCycle_SourceUnavailable(t *testing.T) {
	st := &memStore{sourceErr: errors.New("connection refused")}
	a := &countingAssessor{fn: fixedText("x")}
	s := newTestScheduler(st, a)

	out, err := s.RunCycle(context.Background())
	require.Equal(t, OutcomeFailed, out)
	require.True(t, errmodel.HasCode(err, errmodel.CodeSourceUnavailable))
	require.Zero(t, a.count())
}

func TestRunCycle_UnchangedSessionIsSkipped(t *testing.T) {
	st := &memStore{}
	st.add("S1", 45, 20, 1000)
	st.add("S1", 48, 18, 2000)
	a := &countingAssessor{fn: fixedText("R")}
	s := newTestScheduler(st, a)

	out, err := s.RunCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, OutcomePersisted, out)

	out, err = s.RunCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, OutcomeUnchanged, out)
	require.Equal(t, 1, a.count())

	st.add("S1", 50, 17, 3000)
	out, err = s.RunCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, OutcomePersisted, out)

	res := st.snapshot()
	require.Len(t, res, 2)
	require.Equal(t, int64(2000), res[0].Watermark.UnixMilli())
	require.Equal(t, int64(3000), res[1].Watermark.UnixMilli())
}

func TestRunCycle_WithoutSkipWatermarksStayMonotonic(t *testing.T) {
	st := &memStore{}
	st.add("S1", 45, 20, 1000)
	a := &countingAssessor{fn: fixedText("R")}
	s := newTestScheduler(st, a, WithSkipUnchanged(false))

	for i := 0; i < 3; i++ {
		_, err := s.RunCycle(context.Background())
		require.NoError(t, err)
	}
	st.add("S1", 46, 19, 4000)
	_, err := s.RunCycle(context.Background())
	require.NoError(t, err)

	res := st.snapshot()
	require.Len(t, res, 4)
	for i := 1; i < len(res); i++ {
		require.False(t, res[i].Watermark.Before(res[i-1].Watermark))
	}
}

func TestRunCycle_StaleWatermarkIsPersistFailure(t *testing.T) {
	st := &memStore{}
	st.add("S1", 45, 20, 1000)
	st.results = append(st.results, wellness.Result{ID: 1, SessionID: "S1", Text: "old", Watermark: time.UnixMilli(5000)})
	a := &countingAssessor{fn: fixedText("R")}
	s := newTestScheduler(st, a, WithSkipUnchanged(false))

	out, err := s.RunCycle(context.Background())
	require.Equal(t, OutcomeFailed, out)
	require.True(t, errmodel.HasCode(err, errmodel.CodeStaleWatermark))
	require.ErrorIs(t, err, store.ErrStaleWatermark)
	require.Len(t, st.snapshot(), 1)
}

func TestRunCycle_PanicIsRecovered(t *testing.T) {
	st := &memStore{}
	st.add("S1", 45, 20, 1000)
	a := &countingAssessor{fn: func(context.Context, wellness.Payload) (string, error) { panic("provider exploded") }}
	s := newTestScheduler(st, a)

	out, err := s.RunCycle(context.Background())
	require.Equal(t, OutcomeFailed, out)
	require.True(t, errmodel.IsCategory(err, errmodel.CategorySystem))
	require.Equal(t, StateIdle, s.State())

	a.fn = fixedText("R")
	out, err = s.RunCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, OutcomePersisted, out)
}

func TestRunCycle_SingleFlight(t *testing.T) {
	st := &memStore{}
	st.add("S1", 45, 20, 1000)
	release := make(chan struct{})
	a := &countingAssessor{fn: func(context.Context, wellness.Payload) (string, error) {
		<-release
		return "R", nil
	}}
	s := newTestScheduler(st, a)

	done := make(chan error, 1)
	go func() {
		_, err := s.RunCycle(context.Background())
		done <- err
	}()
	require.Eventually(t, func() bool { return s.State() == StateAssessing }, 2*time.Second, 5*time.Millisecond)

	out, err := s.RunCycle(context.Background())
	require.ErrorIs(t, err, ErrCycleInFlight)
	require.Equal(t, OutcomeFailed, out)

	close(release)
	require.NoError(t, <-done)
	require.Equal(t, 1, a.count())
}

type recordingNotifier struct {
	mu  sync.Mutex
	got []wellness.Result
	err error
}

func (n *recordingNotifier) Publish(_ context.Context, r wellness.Result) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.got = append(n.got, r)
	return n.err
}

func TestRunCycle_NotifiesAfterPersist(t *testing.T) {
	st := &memStore{}
	st.add("S1", 45, 20, 1000)
	n := &recordingNotifier{err: errors.New("redis down")}
	var logs bytes.Buffer
	s := newTestScheduler(st, &countingAssessor{fn: fixedText("R")}, WithNotifier(n), WithLogger(zerolog.New(&logs)))

	out, err := s.RunCycle(context.Background())
	require.NoError(t, err, "notification failure must not fail the cycle")
	require.Equal(t, OutcomePersisted, out)
	require.Len(t, n.got, 1)
	require.Equal(t, int64(1), n.got[0].ID)
	require.Contains(t, logs.String(), "notify failed")
	require.Contains(t, logs.String(), `"component":"scheduler"`)
}

func TestRun_ShutdownLetsInFlightCycleFinish(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	st := &memStore{}
	st.add("S1", 45, 20, 1000)
	started := make(chan struct{})
	release := make(chan struct{})
	a := &countingAssessor{fn: func(ctx context.Context, _ wellness.Payload) (string, error) {
		close(started)
		<-release
		if err := ctx.Err(); err != nil {
			return "", err
		}
		return "R", nil
	}}
	s := newTestScheduler(st, a, WithInterval(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	<-started
	cancel()
	close(release)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	require.Len(t, st.snapshot(), 1)
	require.Equal(t, 1, a.count())
}

func TestRun_RepeatsOnInterval(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	st := &memStore{}
	a := &countingAssessor{fn: fixedText("R")}
	s := newTestScheduler(st, a, WithInterval(10*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	st.add("S1", 45, 20, 1000)
	require.Eventually(t, func() bool { return len(st.snapshot()) == 1 }, 2*time.Second, 5*time.Millisecond)
	st.add("S2", 30, 40, 5000)
	require.Eventually(t, func() bool { return len(st.snapshot()) == 2 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	res := st.snapshot()
	require.Equal(t, "S2", res[1].SessionID)
}
