package schedule

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/meridian/errors"
	"github.com/teranos/meridian/ideabank"
	qtest "github.com/teranos/meridian/internal/testing"
	"github.com/teranos/meridian/pipeline"
	"github.com/teranos/meridian/publish"
	"github.com/teranos/meridian/pulse/async"
)

// recordingExecutor records every submission without running it
type recordingExecutor struct {
	mu   sync.Mutex
	jobs []*async.Job
	err  error
}

func (e *recordingExecutor) Submit(job *async.Job) (*async.Handle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.jobs = append(e.jobs, job)
	return nil, e.err
}

func (e *recordingExecutor) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.jobs)
}

// countingBackfiller wraps a backfiller and counts calls
type countingBackfiller struct {
	mu    sync.Mutex
	calls int
	inner pipeline.Backfiller
	err   error
}

func (b *countingBackfiller) Backfill(ctx context.Context, count int, categories []string) ([]pipeline.Idea, error) {
	b.mu.Lock()
	b.calls++
	b.mu.Unlock()
	if b.err != nil {
		return nil, b.err
	}
	return b.inner.Backfill(ctx, count, categories)
}

func (b *countingBackfiller) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

type slotFixture struct {
	db       *sql.DB
	bank     *ideabank.Store
	queue    *async.Queue
	executor *recordingExecutor
	clock    *manualClock
	ticker   *SlotTicker
}

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func newSlotFixture(t *testing.T, backfiller pipeline.Backfiller, mutate func(*SlotTickerConfig)) *slotFixture {
	t.Helper()
	db := qtest.CreateTestDB(t)
	log := zaptest.NewLogger(t).Sugar()

	bank, err := ideabank.NewStore(db, []string{"A", "B", "C"}, log)
	require.NoError(t, err)

	cfg := SlotTickerConfig{
		Slots:          defaultSlots(t),
		PollInterval:   time.Minute,
		BackfillCount:  6,
		DefaultEnabled: true,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	f := &slotFixture{
		db:       db,
		bank:     bank,
		queue:    async.NewQueue(db, log),
		executor: &recordingExecutor{},
		clock:    &manualClock{now: time.Date(2026, 3, 14, 7, 5, 0, 0, eastern(t))},
	}
	f.ticker = f.newTicker(t, backfiller, cfg)
	return f
}

func (f *slotFixture) newTicker(t *testing.T, backfiller pipeline.Backfiller, cfg SlotTickerConfig) *SlotTicker {
	return NewSlotTicker(context.Background(), f.bank, f.queue, f.executor, backfiller,
		NewDoneSet(f.db, 60), NewStateStore(f.db), cfg, zaptest.NewLogger(t).Sugar(),
		WithSlotClock(f.clock.Now))
}

func (f *slotFixture) addItems(t *testing.T, category string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := f.bank.Add(context.Background(), ideabank.Draft{Category: category, Title: category + " idea"})
		require.NoError(t, err)
	}
}

func TestSlotTicker_OneJobPerSlot(t *testing.T) {
	f := newSlotFixture(t, nil, nil)
	f.addItems(t, "A", 3)
	ctx := context.Background()

	jobs, err := f.ticker.CheckSlots(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	job := jobs[0]
	assert.Equal(t, "2026-03-14_07:00", job.SlotKey)
	assert.Equal(t, async.KindShort, job.Kind)
	assert.Equal(t, "A", job.Category)

	var payload publish.ShortPayload
	require.NoError(t, json.Unmarshal(job.Payload, &payload))
	require.NotNil(t, payload.PublishAt)
	assert.True(t, payload.PublishAt.Equal(time.Date(2026, 3, 14, 7, 0, 0, 0, eastern(t))))

	item, err := f.bank.Get(ctx, job.ItemID)
	require.NoError(t, err)
	assert.Equal(t, ideabank.StatusScheduled, item.Status)
	assert.Equal(t, job.ID, item.JobID)

	t.Log("Second poll inside the same window")
	f.clock.Set(f.clock.Now().Add(20 * time.Minute))
	jobs, err = f.ticker.CheckSlots(ctx)
	require.NoError(t, err)
	assert.Empty(t, jobs)
	assert.Equal(t, 1, f.executor.count())

	t.Log("Restart: a fresh ticker over the same database still sees the slot as done")
	restarted := f.newTicker(t, nil, f.ticker.config())
	jobs, err = restarted.CheckSlots(ctx)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

// failInserts makes every insert into table abort until the returned func runs
func failInserts(t *testing.T, db *sql.DB, table, msg string) func() {
	t.Helper()
	_, err := db.Exec(`CREATE TRIGGER fail_` + table + ` BEFORE INSERT ON ` + table +
		` BEGIN SELECT RAISE(ABORT, '` + msg + `'); END`)
	require.NoError(t, err)
	return func() {
		_, err := db.Exec(`DROP TRIGGER fail_` + table)
		require.NoError(t, err)
	}
}

func TestSlotTicker_FailedSlotMarkCreatesNoJob(t *testing.T) {
	f := newSlotFixture(t, nil, nil)
	f.addItems(t, "A", 1)
	f.addItems(t, "B", 1)
	ctx := context.Background()

	restore := failInserts(t, f.db, "slot_done", "disk full")
	jobs, err := f.ticker.CheckSlots(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Empty(t, jobs)
	assert.Zero(t, f.executor.count(), "nothing reaches the executor")

	stored, err := f.queue.List(ctx, async.ListFilter{})
	require.NoError(t, err)
	assert.Empty(t, stored, "the job insert rolled back with the slot mark")

	available, err := f.bank.AvailableCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, available)

	t.Log("Later poll in the same window dispatches exactly once")
	restore()
	f.clock.Set(f.clock.Now().Add(5 * time.Minute))
	jobs, err = f.ticker.CheckSlots(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "A", jobs[0].Category, "the rotation did not skip A")

	f.clock.Set(f.clock.Now().Add(5 * time.Minute))
	jobs, err = f.ticker.CheckSlots(ctx)
	require.NoError(t, err)
	assert.Empty(t, jobs)

	stored, err = f.queue.List(ctx, async.ListFilter{})
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "2026-03-14_07:00", stored[0].SlotKey)
	assert.Equal(t, 1, f.executor.count())
}

func TestSlotTicker_FailedJobInsertReleasesItem(t *testing.T) {
	f := newSlotFixture(t, nil, nil)
	f.addItems(t, "A", 1)
	ctx := context.Background()

	restore := failInserts(t, f.db, "jobs", "jobs table locked")
	_, err := f.ticker.CheckSlots(ctx)
	require.Error(t, err)
	restore()

	items, err := f.bank.List(ctx, ideabank.ListFilter{})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, ideabank.StatusAvailable, items[0].Status)
	assert.Empty(t, items[0].JobID)

	done, err := f.ticker.done.IsDone(ctx, "2026-03-14_07:00")
	require.NoError(t, err)
	assert.False(t, done)

	jobs, err := f.ticker.CheckSlots(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, items[0].ID, jobs[0].ItemID)
}

func TestSlotTicker_SubmitFailureKeepsSlotDone(t *testing.T) {
	f := newSlotFixture(t, nil, nil)
	f.addItems(t, "A", 2)
	f.executor.err = errors.New("pool stopped")
	ctx := context.Background()

	jobs, err := f.ticker.CheckSlots(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	stored, err := f.queue.Get(ctx, jobs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, async.JobStatusPending, stored.Status, "left for the pool's poll")

	f.clock.Set(f.clock.Now().Add(time.Minute))
	jobs, err = f.ticker.CheckSlots(ctx)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestSlotTicker_OutsideWindow(t *testing.T) {
	f := newSlotFixture(t, nil, nil)
	f.addItems(t, "A", 1)
	f.clock.Set(time.Date(2026, 3, 14, 12, 0, 0, 0, eastern(t)))

	jobs, err := f.ticker.CheckSlots(context.Background())
	require.NoError(t, err)
	assert.Empty(t, jobs)
	assert.Zero(t, f.executor.count())
}

func TestSlotTicker_Disabled(t *testing.T) {
	f := newSlotFixture(t, nil, func(c *SlotTickerConfig) { c.DefaultEnabled = false })
	f.addItems(t, "A", 1)
	ctx := context.Background()

	jobs, err := f.ticker.CheckSlots(ctx)
	require.NoError(t, err)
	assert.Empty(t, jobs)

	enabled, err := f.ticker.Toggle(ctx)
	require.NoError(t, err)
	assert.True(t, enabled)

	jobs, err = f.ticker.CheckSlots(ctx)
	require.NoError(t, err)
	assert.Len(t, jobs, 1)

	require.NoError(t, f.ticker.SetEnabled(ctx, false))
	on, err := f.ticker.Enabled(ctx)
	require.NoError(t, err)
	assert.False(t, on)
}

func TestSlotTicker_EmptyBankLeavesSlotOpen(t *testing.T) {
	f := newSlotFixture(t, nil, nil)
	ctx := context.Background()

	jobs, err := f.ticker.CheckSlots(ctx)
	require.NoError(t, err)
	assert.Empty(t, jobs)

	done, err := f.ticker.done.IsDone(ctx, "2026-03-14_07:00")
	require.NoError(t, err)
	assert.False(t, done, "no item means the slot stays open")

	f.addItems(t, "B", 1)
	f.clock.Set(f.clock.Now().Add(time.Minute))
	jobs, err = f.ticker.CheckSlots(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 1, "the next poll inside the window fires")
}

func TestSlotTicker_BackfillThenRetry(t *testing.T) {
	backfiller := &countingBackfiller{inner: pipeline.NewSimulated(0)}
	f := newSlotFixture(t, backfiller, nil)
	ctx := context.Background()

	jobs, err := f.ticker.CheckSlots(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, 1, backfiller.callCount())

	available, err := f.bank.AvailableCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, available, "6 backfilled, 1 scheduled")
}

func TestSlotTicker_BackfillFailureIsRateLimited(t *testing.T) {
	backfiller := &countingBackfiller{err: errors.New("llm unavailable")}
	f := newSlotFixture(t, backfiller, func(c *SlotTickerConfig) { c.BackfillMinInterval = time.Hour })
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		jobs, err := f.ticker.CheckSlots(ctx)
		require.NoError(t, err, "a failing backfill is a warning, not an error")
		assert.Empty(t, jobs)
	}
	assert.Equal(t, 1, backfiller.callCount())

	n, err := f.ticker.Backfill(ctx)
	assert.Error(t, err, "manual backfill bypasses the limiter and reports the failure")
	assert.Zero(t, n)
	assert.Equal(t, 2, backfiller.callCount())
}

func TestSlotTicker_LowWatermark(t *testing.T) {
	backfiller := &countingBackfiller{inner: pipeline.NewSimulated(0)}
	f := newSlotFixture(t, backfiller, func(c *SlotTickerConfig) { c.LowWatermark = 3 })
	f.addItems(t, "A", 2)
	ctx := context.Background()

	jobs, err := f.ticker.CheckSlots(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, 1, backfiller.callCount(), "one item left is below the watermark")

	available, err := f.bank.AvailableCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 7, available)
}

func TestSlotTicker_RoundRobinAcrossSlots(t *testing.T) {
	f := newSlotFixture(t, nil, nil)
	f.addItems(t, "A", 2)
	f.addItems(t, "C", 1)
	ctx := context.Background()

	var categories []string
	for _, at := range []time.Time{
		time.Date(2026, 3, 14, 7, 0, 0, 0, eastern(t)),
		time.Date(2026, 3, 14, 21, 30, 0, 0, eastern(t)),
		time.Date(2026, 3, 15, 7, 0, 0, 0, eastern(t)),
	} {
		f.clock.Set(at)
		jobs, err := f.ticker.CheckSlots(ctx)
		require.NoError(t, err)
		require.Len(t, jobs, 1)
		categories = append(categories, jobs[0].Category)
	}
	assert.Equal(t, []string{"A", "C", "A"}, categories)
}

func TestSlotTicker_Reconfigure(t *testing.T) {
	f := newSlotFixture(t, nil, nil)
	f.addItems(t, "A", 2)
	f.clock.Set(time.Date(2026, 3, 14, 12, 5, 0, 0, eastern(t)))
	ctx := context.Background()

	jobs, err := f.ticker.CheckSlots(ctx)
	require.NoError(t, err)
	assert.Empty(t, jobs)

	cfg := f.ticker.config()
	cfg.Slots.Times = []Clock{{Hour: 12, Minute: 0}}
	f.ticker.Reconfigure(cfg)

	jobs, err = f.ticker.CheckSlots(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "2026-03-14_12:00", jobs[0].SlotKey)
}

func TestSlotTicker_Status(t *testing.T) {
	f := newSlotFixture(t, nil, nil)
	f.addItems(t, "A", 1)
	ctx := context.Background()

	_, err := f.ticker.CheckSlots(ctx)
	require.NoError(t, err)

	status, err := f.ticker.Status(ctx)
	require.NoError(t, err)
	assert.True(t, status.Enabled)
	assert.Equal(t, "America/New_York", status.Timezone)
	assert.Equal(t, []string{"07:00", "21:30"}, status.Slots)
	assert.Equal(t, 15, status.WindowBefore)
	require.Len(t, status.RecentSlots, 1)
	assert.Equal(t, "2026-03-14_07:00", status.RecentSlots[0].Key)
	require.Len(t, status.NextSlots, 2)
	assert.Equal(t, "2026-03-14_21:30", status.NextSlots[0].Key)

	next := f.ticker.NextSlots(4)
	assert.Len(t, next, 4)
}

func TestSlotTicker_StartStop(t *testing.T) {
	f := newSlotFixture(t, nil, nil)
	f.addItems(t, "A", 1)

	f.ticker.Start()
	require.Eventually(t, func() bool { return f.executor.count() == 1 }, 2*time.Second, 10*time.Millisecond,
		"the first check runs at start")
	f.ticker.Stop()
}
