package publish

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/meridian/calendar"
	"github.com/teranos/meridian/errors"
	"github.com/teranos/meridian/ideabank"
	qtest "github.com/teranos/meridian/internal/testing"
	"github.com/teranos/meridian/pipeline"
	"github.com/teranos/meridian/pulse/async"
)

type progressLog struct {
	mu     sync.Mutex
	values []int
}

func (p *progressLog) Progress(n int, message string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.values = append(p.values, n)
}

type fixture struct {
	bank   *ideabank.Store
	ledger *calendar.Store
	sim    *pipeline.Simulated
	short  *ShortHandler
	long   *LongHandler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := qtest.CreateTestDB(t)
	log := zaptest.NewLogger(t).Sugar()

	bank, err := ideabank.NewStore(db, []string{"space", "ocean"}, log)
	require.NoError(t, err)
	ledger := calendar.NewStore(db, log)
	sim := pipeline.NewSimulated(0)

	return &fixture{
		bank:   bank,
		ledger: ledger,
		sim:    sim,
		short:  NewShortHandler(bank, sim, sim, ledger, time.UTC, log),
		long:   NewLongHandler(sim, sim, ledger, time.UTC, log),
	}
}

func (f *fixture) scheduledItem(t *testing.T) *ideabank.Item {
	t.Helper()
	_, err := f.bank.Add(context.Background(), ideabank.Draft{Category: "space", Title: "Moons of Jupiter"})
	require.NoError(t, err)
	item, err := f.bank.PickItem(context.Background())
	require.NoError(t, err)
	require.NotNil(t, item)
	return item
}

func shortJob(t *testing.T, itemID string, publishAt *time.Time) *async.Job {
	t.Helper()
	payload, err := Encode(ShortPayload{PublishAt: publishAt})
	require.NoError(t, err)
	return &async.Job{ID: "job-" + itemID[:8], Kind: async.KindShort, ItemID: itemID, Payload: payload}
}

func TestShortHandler_PublishesAtSlot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	item := f.scheduledItem(t)
	slot := time.Now().Add(2 * time.Hour).Truncate(time.Minute)
	job := shortJob(t, item.ID, &slot)

	progress := &progressLog{}
	url, err := f.short.Execute(ctx, job, progress)
	require.NoError(t, err)
	assert.Contains(t, url, "https://sim.invalid/watch?v=")

	assert.IsNonDecreasing(t, progress.values)
	assert.Equal(t, 100, progress.values[len(progress.values)-1])

	used, err := f.bank.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, ideabank.StatusUsed, used.Status)
	assert.Equal(t, job.ID, used.JobID)

	entries, err := f.ledger.ForJob(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, calendar.StatusScheduled, entries[0].Status)
	assert.Equal(t, slot.UTC().Format("15:04"), entries[0].Time)
	assert.Equal(t, url, entries[0].ResultURL)

	dates, err := f.sim.CommittedDates(ctx, time.UTC)
	require.NoError(t, err)
	require.Len(t, dates, 1)
	assert.True(t, dates[0].Equal(slot), "uploaded private with the slot as publish time")

	_, err = f.short.Execute(ctx, job, progress)
	assert.True(t, errors.Is(err, errors.ErrConflict), "a used item is never published twice")
}

func TestShortHandler_FailureKeepsItemScheduled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	item := f.scheduledItem(t)
	f.sim.FailUpload = errors.New("quota exceeded")

	_, err := f.short.Execute(ctx, shortJob(t, item.ID, nil), &progressLog{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upload failed")
	assert.Contains(t, err.Error(), "quota exceeded")

	got, err := f.bank.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, ideabank.StatusScheduled, got.Status, "a failed job consumes the item without using it")

	entries, err := f.ledger.ForJob(ctx, "job-"+item.ID[:8])
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, calendar.StatusFailed, entries[0].Status)
	assert.Contains(t, entries[0].Error, "quota exceeded")
}

func TestShortHandler_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.short.Execute(ctx, &async.Job{ID: "j", Kind: async.KindShort}, &progressLog{})
	assert.True(t, errors.IsInvalidRequestError(err))

	_, err = f.short.Execute(ctx, &async.Job{ID: "j", Kind: async.KindShort, ItemID: "missing"}, &progressLog{})
	assert.True(t, errors.IsNotFoundError(err))

	item := f.scheduledItem(t)
	_, err = f.short.Execute(ctx, &async.Job{ID: "j", ItemID: item.ID, Payload: []byte(`{"publish_at": 7}`)}, &progressLog{})
	assert.True(t, errors.IsInvalidRequestError(err))
}

func TestLongHandler_SchedulesUpload(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	publishAt := time.Date(2030, 3, 16, 18, 0, 0, 0, time.UTC)

	payload, err := Encode(LongPayload{Category: "ocean", DurationSeconds: 212, Track: "ambient-short-2", PublishAt: publishAt})
	require.NoError(t, err)
	job := &async.Job{ID: "long-1", Kind: async.KindLong, Payload: payload}

	progress := &progressLog{}
	url, err := f.long.Execute(ctx, job, progress)
	require.NoError(t, err)
	assert.NotEmpty(t, url)
	assert.IsNonDecreasing(t, progress.values)

	entries, err := f.ledger.ForJob(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, calendar.StatusScheduled, entries[0].Status)
	assert.Equal(t, "2030-03-16", entries[0].Date)
	assert.Equal(t, "18:00", entries[0].Time)
	assert.Equal(t, 212, entries[0].DurationSeconds)

	f.sim.FailGenerate = errors.New("gpu lost")
	_, err = f.long.Execute(ctx, &async.Job{ID: "long-2", Kind: async.KindLong, Payload: payload}, &progressLog{})
	require.Error(t, err)
	failed, err := f.ledger.ForJob(ctx, "long-2")
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, calendar.StatusFailed, failed[0].Status)

	_, err = f.long.Execute(ctx, &async.Job{ID: "long-3", Payload: []byte(`{"category":"ocean"}`)}, &progressLog{})
	assert.True(t, errors.IsInvalidRequestError(err))
}

func TestScaleProgress(t *testing.T) {
	assert.Equal(t, 0, scaleProgress(-5, 0, 80))
	assert.Equal(t, 40, scaleProgress(50, 0, 80))
	assert.Equal(t, 80, scaleProgress(140, 0, 80))
}
