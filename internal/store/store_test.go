package store

import (
	"context"
	"testing"
	"time"

	"github.com/reportmail/internal/database"
	"github.com/reportmail/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := database.Open(database.MemoryPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close(db) })
	return db
}

func TestWatermarkStore(t *testing.T) {
	ctx := context.Background()

	t.Run("EmptyLoad", func(t *testing.T) {
		s := NewWatermarkStore(openTestDB(t))
		marks, err := s.Load(ctx)
		require.NoError(t, err)
		assert.Empty(t, marks)
	})

	t.Run("UpsertReplacesRecord", func(t *testing.T) {
		s := NewWatermarkStore(openTestDB(t))
		first := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

		require.NoError(t, s.Save(ctx, models.Watermark{
			SpecID:              "team-daily",
			LastAttempt:         first,
			ConsecutiveFailures: 2,
			LastError:           "timeout",
		}))
		require.NoError(t, s.Save(ctx, models.Watermark{
			SpecID:            "team-daily",
			LastSuccessfulRun: first,
			LastAttempt:       first,
		}))

		marks, err := s.Load(ctx)
		require.NoError(t, err)
		require.Len(t, marks, 1)

		wm := marks["team-daily"]
		assert.True(t, wm.LastSuccessfulRun.Equal(first))
		assert.Equal(t, 0, wm.ConsecutiveFailures)
		assert.Empty(t, wm.LastError)
	})

	t.Run("KeepsSuspension", func(t *testing.T) {
		s := NewWatermarkStore(openTestDB(t))
		at := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
		require.NoError(t, s.Save(ctx, models.Watermark{
			SpecID:              "ops-weekly",
			ConsecutiveFailures: 5,
			Suspended:           true,
			SuspendedAt:         &at,
		}))

		marks, err := s.Load(ctx)
		require.NoError(t, err)
		wm := marks["ops-weekly"]
		assert.True(t, wm.Suspended)
		require.NotNil(t, wm.SuspendedAt)
		assert.True(t, wm.SuspendedAt.Equal(at))
	})
}

func TestEntryStore(t *testing.T) {
	ctx := context.Background()
	s := NewEntryStore(openTestDB(t))
	base := time.Date(2024, 3, 4, 8, 0, 0, 0, time.UTC)

	for i, text := range []string{"first", "second", "third"} {
		require.NoError(t, s.Add(ctx, &models.Entry{
			ReportID: "team-daily",
			Section:  "conclusion",
			Text:     text,
			At:       base.Add(time.Duration(i) * time.Hour),
		}))
	}
	require.NoError(t, s.Add(ctx, &models.Entry{
		ReportID: "other",
		Section:  "conclusion",
		Text:     "not mine",
		At:       base,
	}))

	t.Run("HalfOpenWindow", func(t *testing.T) {
		entries, err := s.Between(ctx, "team-daily", base, base.Add(2*time.Hour))
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, "first", entries[0].Text)
		assert.Equal(t, "second", entries[1].Text)
	})

	t.Run("RejectsBlankText", func(t *testing.T) {
		err := s.Add(ctx, &models.Entry{ReportID: "team-daily", Section: "plan", Text: "   "})
		assert.ErrorIs(t, err, ErrEmptyEntry)
	})

	t.Run("Delete", func(t *testing.T) {
		entries, err := s.Between(ctx, "other", base, base.Add(time.Hour))
		require.NoError(t, err)
		require.Len(t, entries, 1)

		require.NoError(t, s.Delete(ctx, entries[0].ID))
		assert.Error(t, s.Delete(ctx, entries[0].ID))
	})
}

func TestHistoryStore(t *testing.T) {
	ctx := context.Background()
	s := NewHistoryStore(openTestDB(t))

	require.NoError(t, s.Append(ctx, nil))
	require.NoError(t, s.Append(ctx, []models.RunLog{
		{TickID: "t1", SpecID: "a", Outcome: models.OutcomeDelivered},
		{TickID: "t1", SpecID: "b", Outcome: models.OutcomeRetryable, Reason: "timeout"},
		{TickID: "t2", SpecID: "a", Outcome: models.OutcomeFatal, Reason: "rejected"},
	}))

	all, err := s.List(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "t2", all[0].TickID)

	onlyA, err := s.List(ctx, "a", 1)
	require.NoError(t, err)
	require.Len(t, onlyA, 1)
	assert.Equal(t, models.OutcomeFatal, onlyA[0].Outcome)
}

func TestLeaseStore(t *testing.T) {
	ctx := context.Background()
	s := NewLeaseStore(openTestDB(t))
	now := time.Date(2024, 3, 5, 9, 0, 0, 0, time.UTC)

	ok, err := s.Acquire(ctx, "tick", "proc-a", now, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Acquire(ctx, "tick", "proc-b", now.Add(30*time.Second), time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "held by proc-a")

	ok, err = s.Acquire(ctx, "tick", "proc-a", now.Add(30*time.Second), time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "holder can extend")

	ok, err = s.Acquire(ctx, "tick", "proc-b", now.Add(2*time.Minute), time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "expired lease is taken over")

	// Releasing someone else's lease is a no-op.
	require.NoError(t, s.Release(ctx, "tick", "proc-a"))
	ok, err = s.Acquire(ctx, "tick", "proc-a", now.Add(2*time.Minute), time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Release(ctx, "tick", "proc-b"))
	ok, err = s.Acquire(ctx, "tick", "proc-a", now.Add(2*time.Minute), time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}
