package calendar

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/meridian/errors"
	qtest "github.com/teranos/meridian/internal/testing"
)

var testNow = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(qtest.CreateTestDB(t), zaptest.NewLogger(t).Sugar()).
		WithClock(func() time.Time { return testNow })
}

func TestStore_AddAndUpdate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	eastern, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	slot := time.Date(2026, 3, 14, 21, 30, 0, 0, eastern)
	e, err := s.Add(ctx, Draft{At: slot, Kind: "short", Category: "space", Title: "Moons", JobID: "job-1"})
	require.NoError(t, err)
	assert.Equal(t, StatusGenerating, e.Status)
	assert.Equal(t, "2026-03-14", e.Date, "rendered in the slot zone, not UTC")
	assert.Equal(t, "21:30", e.Time)

	got, err := s.MarkUploaded(ctx, e.ID, "https://example.test/v/1", &slot)
	require.NoError(t, err)
	assert.Equal(t, StatusScheduled, got.Status, "publish time is still ahead")
	assert.Equal(t, "https://example.test/v/1", got.ResultURL)

	got, err = s.MarkUploaded(ctx, e.ID, "https://example.test/v/1", nil)
	require.NoError(t, err)
	assert.Equal(t, StatusPublished, got.Status)

	failed, err := s.Add(ctx, Draft{At: slot, Kind: "short", JobID: "job-2"})
	require.NoError(t, err)
	got, err = s.MarkFailed(ctx, failed.ID, errors.New("render crashed"))
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, "render crashed", got.Error)

	stored, err := s.Get(ctx, failed.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, stored.Status)

	bad := Status("lost")
	_, err = s.Update(ctx, e.ID, Patch{Status: &bad})
	assert.True(t, errors.IsInvalidRequestError(err))

	_, err = s.Update(ctx, "missing", Patch{})
	assert.True(t, errors.IsNotFoundError(err))
}

func TestStore_AddValidation(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Add(context.Background(), Draft{At: testNow})
	assert.True(t, errors.IsInvalidRequestError(err))
	_, err = s.Add(context.Background(), Draft{Kind: "short"})
	assert.True(t, errors.IsInvalidRequestError(err))
}

func TestStore_MonthListStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	dates := []time.Time{
		time.Date(2026, 3, 20, 7, 0, 0, 0, time.UTC),
		time.Date(2026, 3, 2, 21, 30, 0, 0, time.UTC),
		time.Date(2026, 4, 1, 7, 0, 0, 0, time.UTC),
	}
	for i, d := range dates {
		kind := "short"
		if i == 2 {
			kind = "long"
		}
		_, err := s.Add(ctx, Draft{At: d, Kind: kind, JobID: "job"})
		require.NoError(t, err)
	}

	march, err := s.Month(ctx, 2026, time.March)
	require.NoError(t, err)
	require.Len(t, march, 2)
	assert.Equal(t, "2026-03-02", march[0].Date, "ordered by date")

	_, err = s.Month(ctx, 2026, 13)
	assert.True(t, errors.IsInvalidRequestError(err))

	all, err := s.List(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	forJob, err := s.ForJob(ctx, "job")
	require.NoError(t, err)
	assert.Len(t, forJob, 3)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 3, stats.ByStatus[StatusGenerating])
	assert.Equal(t, 1, stats.ByKind["long"])
}
