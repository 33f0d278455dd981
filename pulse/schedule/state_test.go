package schedule

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	qtest "github.com/teranos/meridian/internal/testing"
)

func TestDoneSet_MarkAndTrim(t *testing.T) {
	d := NewDoneSet(qtest.CreateTestDB(t), 3)
	ctx := context.Background()

	inserted, err := d.MarkDone(ctx, "2026-03-14_07:00", "job-1")
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = d.MarkDone(ctx, "2026-03-14_07:00", "job-2")
	require.NoError(t, err)
	assert.False(t, inserted, "a key is only marked once")

	for i := 1; i <= 4; i++ {
		_, err := d.MarkDone(ctx, fmt.Sprintf("2026-03-%02d_21:30", 14+i), "job")
		require.NoError(t, err)
	}

	done, err := d.IsDone(ctx, "2026-03-14_07:00")
	require.NoError(t, err)
	assert.False(t, done, "oldest keys are evicted past the limit")

	recent, err := d.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recent, 3)
	assert.Equal(t, "2026-03-18_21:30", recent[0].Key, "newest first")
	assert.Equal(t, "2026-03-16_21:30", recent[2].Key)
}

func TestDoneSet_SetLimit(t *testing.T) {
	d := NewDoneSet(qtest.CreateTestDB(t), 0)
	assert.Equal(t, 60, d.limit)
	d.SetLimit(-1)
	assert.Equal(t, 60, d.limit)
	d.SetLimit(5)
	assert.Equal(t, 5, d.limit)
}

func TestStateStore(t *testing.T) {
	s := NewStateStore(qtest.CreateTestDB(t))
	ctx := context.Background()

	on, err := s.Bool(ctx, KeyAutopublishEnabled, true)
	require.NoError(t, err)
	assert.True(t, on, "default until written")

	on, err = s.Toggle(ctx, KeyAutopublishEnabled, true)
	require.NoError(t, err)
	assert.False(t, on)
	on, err = s.Bool(ctx, KeyAutopublishEnabled, true)
	require.NoError(t, err)
	assert.False(t, on, "persisted value wins over the default")

	require.NoError(t, s.SetBool(ctx, KeyAutopublishEnabled, true))
	on, err = s.Bool(ctx, KeyAutopublishEnabled, false)
	require.NoError(t, err)
	assert.True(t, on)

	at := time.Date(2026, 3, 14, 18, 0, 0, 0, time.UTC)
	n, err := s.Record(ctx, KeyLongformTotal, at, KeyLongformLastGenerated)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = s.Record(ctx, KeyLongformTotal, at.Add(time.Hour), KeyLongformLastGenerated)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	total, err := s.Int(ctx, KeyLongformTotal)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	last, err := s.Time(ctx, KeyLongformLastGenerated)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.True(t, last.Equal(at.Add(time.Hour)))

	require.NoError(t, s.Delete(ctx, KeyLongformTotal, KeyLongformLastGenerated))
	total, err = s.Int(ctx, KeyLongformTotal)
	require.NoError(t, err)
	assert.Zero(t, total)
	last, err = s.Time(ctx, KeyLongformLastGenerated)
	require.NoError(t, err)
	assert.Nil(t, last)
}
