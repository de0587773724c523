package schedule

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/reportmail/internal/database"
	"github.com/reportmail/internal/models"
	"github.com/reportmail/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	marks   map[string]models.Watermark
	saveErr error
	saves   int
}

func newMemStore() *memStore {
	return &memStore{marks: make(map[string]models.Watermark)}
}

func (s *memStore) Load(context.Context) (map[string]models.Watermark, error) {
	out := make(map[string]models.Watermark, len(s.marks))
	for k, v := range s.marks {
		out[k] = v
	}
	return out, nil
}

func (s *memStore) Save(_ context.Context, wm models.Watermark) error {
	if s.saveErr != nil {
		return s.saveErr
	}
	s.saves++
	s.marks[wm.SpecID] = wm
	return nil
}

var (
	epoch  = time.Unix(0, 0).UTC()
	daily  = models.ReportSpec{ID: "b-daily", Cadence: models.CadenceDaily, TemplateID: "daily", Recipients: []string{"a@example.org"}}
	weekly = models.ReportSpec{ID: "a-weekly", Cadence: models.CadenceWeekly, TemplateID: "weekly", Recipients: []string{"a@example.org"}}
)

func newEngine(t *testing.T, st Store, opts ...Option) *Engine {
	t.Helper()
	e, err := New([]models.ReportSpec{daily, weekly}, st, opts...)
	require.NoError(t, err)
	require.NoError(t, e.Load(context.Background()))
	return e
}

func windowAt(spec models.ReportSpec, now time.Time) models.Window {
	return models.WindowFor(spec, now)
}

func ids(specs []models.ReportSpec) []string {
	var out []string
	for _, s := range specs {
		out = append(out, s.ID)
	}
	return out
}

func TestNewRejectsBadSpecs(t *testing.T) {
	_, err := New([]models.ReportSpec{daily, daily}, newMemStore())
	assert.Error(t, err)

	_, err = New([]models.ReportSpec{{ID: "x", Cadence: "monthly"}}, newMemStore())
	assert.Error(t, err)
}

func TestDueReports(t *testing.T) {
	t.Run("NeverRunIsDueOrderedByID", func(t *testing.T) {
		e := newEngine(t, newMemStore())
		due := e.DueReports(time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC))
		assert.Equal(t, []string{"a-weekly", "b-daily"}, ids(due))
	})

	t.Run("ExcludesReportsInsidePeriod", func(t *testing.T) {
		st := newMemStore()
		last := time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)
		st.marks["b-daily"] = models.Watermark{SpecID: "b-daily", LastSuccessfulRun: last}
		st.marks["a-weekly"] = models.Watermark{SpecID: "a-weekly", LastSuccessfulRun: last}
		e := newEngine(t, st)

		assert.Empty(t, e.DueReports(last.Add(23*time.Hour+59*time.Minute)))
		assert.Equal(t, []string{"b-daily"}, ids(e.DueReports(last.Add(24*time.Hour))))
		assert.Equal(t, []string{"a-weekly", "b-daily"}, ids(e.DueReports(last.Add(7*24*time.Hour))))
	})

	t.Run("UsesSuccessNotAttempt", func(t *testing.T) {
		st := newMemStore()
		now := time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)
		st.marks["b-daily"] = models.Watermark{
			SpecID:              "b-daily",
			LastSuccessfulRun:   now.Add(-48 * time.Hour),
			LastAttempt:         now.Add(-time.Minute),
			ConsecutiveFailures: 1,
		}
		e := newEngine(t, st)
		assert.Contains(t, ids(e.DueReports(now)), "b-daily")
	})

	t.Run("InFlightNotDue", func(t *testing.T) {
		e := newEngine(t, newMemStore())
		require.NoError(t, e.Begin("b-daily"))
		now := epoch.Add(25 * time.Hour)
		assert.Equal(t, []string{"a-weekly"}, ids(e.DueReports(now)))
		assert.Equal(t, StateInFlight, e.State("b-daily", now))

		e.Abandon("b-daily")
		assert.Equal(t, StateDue, e.State("b-daily", now))
	})
}

func TestNeverRunDailyScenario(t *testing.T) {
	st := newMemStore()
	st.marks["b-daily"] = models.Watermark{SpecID: "b-daily", LastSuccessfulRun: epoch}
	e := newEngine(t, st)
	ctx := context.Background()
	now := epoch.Add(25 * time.Hour)

	assert.Contains(t, ids(e.DueReports(now)), "b-daily")

	tr, err := e.RecordOutcome(ctx, "b-daily", models.Delivered(), windowAt(daily, now))
	require.NoError(t, err)
	assert.Equal(t, StateSucceeded, tr.State)
	assert.True(t, e.Watermark("b-daily").LastSuccessfulRun.Equal(now))
	assert.True(t, st.marks["b-daily"].LastSuccessfulRun.Equal(now))
	assert.NotContains(t, ids(e.DueReports(now.Add(time.Hour))), "b-daily")
}

func TestDeliveredIsIdempotent(t *testing.T) {
	e := newEngine(t, newMemStore())
	ctx := context.Background()
	later := time.Date(2024, 3, 5, 9, 0, 0, 0, time.UTC)
	earlier := later.Add(-24 * time.Hour)

	_, err := e.RecordOutcome(ctx, "b-daily", models.Delivered(), windowAt(daily, later))
	require.NoError(t, err)
	_, err = e.RecordOutcome(ctx, "b-daily", models.Delivered(), windowAt(daily, later))
	require.NoError(t, err)
	assert.True(t, e.Watermark("b-daily").LastSuccessfulRun.Equal(later))

	// A late acknowledgement for an older window must not move the mark back.
	_, err = e.RecordOutcome(ctx, "b-daily", models.Delivered(), windowAt(daily, earlier))
	require.NoError(t, err)
	assert.True(t, e.Watermark("b-daily").LastSuccessfulRun.Equal(later))
}

func TestFailTwiceThenSucceed(t *testing.T) {
	e := newEngine(t, newMemStore())
	ctx := context.Background()
	now := epoch.Add(25 * time.Hour)

	var counts []int
	for i := 0; i < 2; i++ {
		tr, err := e.RecordOutcome(ctx, "b-daily", models.RetryableFailure("connection refused"), windowAt(daily, now))
		require.NoError(t, err)
		assert.Equal(t, StateFailedRetryable, tr.State)
		assert.False(t, tr.Alert)
		assert.True(t, e.Watermark("b-daily").LastSuccessfulRun.IsZero())
		assert.Contains(t, ids(e.DueReports(now)), "b-daily")
		counts = append(counts, e.Watermark("b-daily").ConsecutiveFailures)
		now = now.Add(5 * time.Minute)
	}

	tr, err := e.RecordOutcome(ctx, "b-daily", models.Delivered(), windowAt(daily, now))
	require.NoError(t, err)
	counts = append(counts, e.Watermark("b-daily").ConsecutiveFailures)

	assert.Equal(t, []int{1, 2, 0}, counts)
	assert.Equal(t, StateSucceeded, tr.State)
	assert.True(t, e.Watermark("b-daily").LastSuccessfulRun.Equal(now))
	assert.Empty(t, e.Watermark("b-daily").LastError)
}

func TestFatalFailureAlertsWithoutAdvancing(t *testing.T) {
	e := newEngine(t, newMemStore())
	now := epoch.Add(25 * time.Hour)

	tr, err := e.RecordOutcome(context.Background(), "b-daily", models.FatalFailure("550 mailbox unavailable"), windowAt(daily, now))
	require.NoError(t, err)
	assert.True(t, tr.Alert)
	assert.False(t, tr.Suspended)
	assert.Equal(t, 1, tr.Watermark.ConsecutiveFailures)
	assert.Equal(t, "550 mailbox unavailable", tr.Watermark.LastError)
	assert.True(t, tr.Watermark.LastSuccessfulRun.IsZero())
}

func TestSuspendAtCeiling(t *testing.T) {
	e := newEngine(t, newMemStore(), WithCeiling(5))
	ctx := context.Background()
	now := epoch.Add(25 * time.Hour)

	outcomes := []models.Outcome{
		models.RetryableFailure("timeout"),
		models.FatalFailure("auth"),
		models.RetryableFailure("timeout"),
		models.RetryableFailure("timeout"),
		models.RetryableFailure("timeout"),
	}
	var last Transition
	for i, o := range outcomes {
		require.Contains(t, ids(e.DueReports(now)), "b-daily", "tick %d", i+1)
		tr, err := e.RecordOutcome(ctx, "b-daily", o, windowAt(daily, now))
		require.NoError(t, err)
		last = tr
		now = now.Add(time.Hour)
	}

	assert.Equal(t, StateSuspended, last.State)
	assert.True(t, last.Suspended)
	assert.True(t, last.Alert)
	assert.True(t, last.Watermark.Suspended)

	// Sixth tick: long overdue but suspended.
	now = now.Add(7 * 24 * time.Hour)
	assert.NotContains(t, ids(e.DueReports(now)), "b-daily")
	assert.Equal(t, StateSuspended, e.State("b-daily", now))

	wm, err := e.Resume(ctx, "b-daily")
	require.NoError(t, err)
	assert.False(t, wm.Suspended)
	assert.Zero(t, wm.ConsecutiveFailures)
	assert.Contains(t, ids(e.DueReports(now)), "b-daily")
}

func TestPersistenceFailureKeepsLastKnownGood(t *testing.T) {
	st := newMemStore()
	last := time.Date(2024, 3, 3, 9, 0, 0, 0, time.UTC)
	st.marks["b-daily"] = models.Watermark{SpecID: "b-daily", LastSuccessfulRun: last}
	e := newEngine(t, st)
	st.saveErr = errors.New("disk full")

	now := last.Add(25 * time.Hour)
	_, err := e.RecordOutcome(context.Background(), "b-daily", models.Delivered(), windowAt(daily, now))
	require.Error(t, err)

	var pe *PersistenceError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "b-daily", pe.SpecID)
	assert.True(t, e.Watermark("b-daily").LastSuccessfulRun.Equal(last))
	assert.Contains(t, ids(e.DueReports(now)), "b-daily")
}

func TestUnknownReport(t *testing.T) {
	e := newEngine(t, newMemStore())
	ctx := context.Background()

	_, err := e.RecordOutcome(ctx, "nope", models.Delivered(), models.Window{})
	assert.ErrorIs(t, err, ErrUnknownReport)
	_, err = e.Resume(ctx, "nope")
	assert.ErrorIs(t, err, ErrUnknownReport)
	assert.ErrorIs(t, e.Begin("nope"), ErrUnknownReport)
}

func TestStates(t *testing.T) {
	e := newEngine(t, newMemStore())
	now := epoch.Add(25 * time.Hour)

	assert.Equal(t, StateDue, e.State("b-daily", now))
	_, err := e.RecordOutcome(context.Background(), "b-daily", models.Delivered(), windowAt(daily, now))
	require.NoError(t, err)
	assert.Equal(t, StatePending, e.State("b-daily", now.Add(time.Hour)))
	assert.Equal(t, State(""), e.State("nope", now))
}

func TestLoadPicksUpExternalResume(t *testing.T) {
	db, err := database.Open(database.MemoryPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close(db) })

	ctx := context.Background()
	st := store.NewWatermarkStore(db)
	e := newEngine(t, st, WithCeiling(1))
	now := epoch.Add(25 * time.Hour)

	tr, err := e.RecordOutcome(ctx, "b-daily", models.RetryableFailure("timeout"), windowAt(daily, now))
	require.NoError(t, err)
	require.True(t, tr.Suspended)

	// A second engine, as in a separate CLI process, clears the suspension.
	other := newEngine(t, st, WithCeiling(1))
	_, err = other.Resume(ctx, "b-daily")
	require.NoError(t, err)

	assert.NotContains(t, ids(e.DueReports(now)), "b-daily")
	require.NoError(t, e.Load(ctx))
	assert.Contains(t, ids(e.DueReports(now)), "b-daily")
}

func TestWindowFor(t *testing.T) {
	last := time.Date(2024, 3, 5, 9, 0, 0, 0, time.UTC)

	t.Run("NeverRunIsRolling", func(t *testing.T) {
		e := newEngine(t, newMemStore())
		now := last.Add(5 * time.Minute)
		assert.Equal(t, windowAt(daily, now), e.WindowFor(daily, now))
	})

	t.Run("OnTimeTickIsRolling", func(t *testing.T) {
		st := newMemStore()
		st.marks["b-daily"] = models.Watermark{SpecID: "b-daily", LastSuccessfulRun: last}
		e := newEngine(t, st)

		w := e.WindowFor(daily, last.Add(24*time.Hour))
		assert.True(t, w.Start.Equal(last))
		assert.True(t, w.End.Equal(last.Add(24*time.Hour)))
	})

	t.Run("LateTickReachesBackToLastSuccess", func(t *testing.T) {
		st := newMemStore()
		st.marks["b-daily"] = models.Watermark{SpecID: "b-daily", LastSuccessfulRun: last, ConsecutiveFailures: 2}
		e := newEngine(t, st)

		now := last.Add(3*24*time.Hour + 5*time.Minute)
		w := e.WindowFor(daily, now)
		assert.True(t, w.Start.Equal(last))
		assert.True(t, w.End.Equal(now))
		assert.True(t, w.Contains(last.Add(2*time.Minute)))
	})

	t.Run("RecentManualSendKeepsLookback", func(t *testing.T) {
		st := newMemStore()
		st.marks["b-daily"] = models.Watermark{SpecID: "b-daily", LastSuccessfulRun: last}
		e := newEngine(t, st)

		now := last.Add(time.Hour)
		assert.Equal(t, windowAt(daily, now), e.WindowFor(daily, now))
	})
}

func TestInterruptedRunDoesNotCount(t *testing.T) {
	st := newMemStore()
	e := newEngine(t, st, WithCeiling(2))
	now := time.Date(2024, 3, 5, 9, 0, 0, 0, time.UTC)

	_, err := e.RecordOutcome(context.Background(), "b-daily", models.RetryableFailure("timeout"), windowAt(daily, now))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		now = now.Add(5 * time.Minute)
		require.NoError(t, e.Begin("b-daily"))
		tr, err := e.RecordOutcome(context.Background(), "b-daily", models.Interrupted("context canceled"), windowAt(daily, now))
		require.NoError(t, err)
		assert.Equal(t, StateFailedRetryable, tr.State)
		assert.False(t, tr.Alert)
		assert.False(t, tr.Suspended)
	}

	wm := st.marks["b-daily"]
	assert.Equal(t, 1, wm.ConsecutiveFailures)
	assert.False(t, wm.Suspended)
	assert.Equal(t, "context canceled", wm.LastError)
	assert.True(t, wm.LastAttempt.Equal(now))
	assert.Equal(t, StateDue, e.State("b-daily", now))
}
