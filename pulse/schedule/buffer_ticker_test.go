package schedule

import (
	"context"
	"encoding/json"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/meridian/errors"
	qtest "github.com/teranos/meridian/internal/testing"
	"github.com/teranos/meridian/pipeline"
	"github.com/teranos/meridian/publish"
	"github.com/teranos/meridian/pulse/async"
	"github.com/teranos/meridian/rotation"
)

type staticCategories []string

func (c staticCategories) Categories() []string { return c }

type bufferFixture struct {
	sim     *pipeline.Simulated
	state   *StateStore
	ticker  *BufferTicker
	release chan struct{}
	today   time.Time
}

func kolkata(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("Asia/Kolkata")
	require.NoError(t, err)
	return loc
}

// newBufferFixture wires a real worker pool. When block is set, long-form jobs
// wait on release before completing.
func newBufferFixture(t *testing.T, block bool, mutate func(*BufferTickerConfig)) *bufferFixture {
	t.Helper()
	db := qtest.CreateTestDB(t)
	log := zaptest.NewLogger(t).Sugar()
	loc := kolkata(t)

	f := &bufferFixture{
		sim:     pipeline.NewSimulated(0),
		state:   NewStateStore(db),
		release: make(chan struct{}),
		today:   time.Date(2026, 3, 14, 10, 0, 0, 0, loc),
	}

	queue := async.NewQueue(db, log)
	registry := async.NewHandlerRegistry()
	registry.Register(async.HandlerFunc{JobKind: async.KindLong, Fn: func(ctx context.Context, job *async.Job, emitter async.ProgressEmitter) (string, error) {
		if block {
			<-f.release
		}
		return "https://sim.invalid/watch?v=" + job.ID[:8], nil
	}})
	pool := async.NewWorkerPool(context.Background(), queue, registry, async.WorkerPoolConfig{
		Workers:         1,
		PollInterval:    20 * time.Millisecond,
		ShutdownTimeout: 2 * time.Second,
	}, log)
	pool.Start()
	t.Cleanup(pool.Stop)

	cfg := BufferTickerConfig{
		Location:             loc,
		PollInterval:         time.Hour,
		ThresholdDays:        2,
		PublishHour:          18,
		Durations:            []int{180, 300},
		ShortTrackMaxSeconds: 225,
		ShortTracks:          []string{"s1", "s2", "s3"},
		LongTracks:           []string{"l1", "l2"},
	}
	if mutate != nil {
		mutate(&cfg)
	}

	f.ticker = NewBufferTicker(context.Background(), queue, pool, f.sim, staticCategories{"A", "B"},
		rotation.NewStore(db), f.state, cfg, log,
		WithBufferClock(func() time.Time { return f.today }),
		WithBufferRand(rand.New(rand.NewSource(1))))
	t.Cleanup(func() {
		select {
		case <-f.release:
		default:
			close(f.release)
		}
		f.ticker.Stop()
	})
	return f
}

func (f *bufferFixture) settle(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool { return !f.ticker.InFlight() }, 3*time.Second, 10*time.Millisecond)
}

func longPayload(t *testing.T, job *async.Job) publish.LongPayload {
	t.Helper()
	var p publish.LongPayload
	require.NoError(t, json.Unmarshal(job.Payload, &p))
	return p
}

func TestBufferTicker_Threshold(t *testing.T) {
	cases := []struct {
		name    string
		offsets []int
		wantJob bool
	}{
		{"three days ahead", []int{3}, false},
		{"one day ahead", []int{1}, true},
		{"nothing committed", nil, true},
		{"only past dates", []int{-4, -1}, true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			f := newBufferFixture(t, false, nil)
			for _, off := range c.offsets {
				f.sim.Commit(f.today.AddDate(0, 0, off))
			}

			job, err := f.ticker.Check(context.Background())
			require.NoError(t, err)
			if !c.wantJob {
				assert.Nil(t, job)
				return
			}
			require.NotNil(t, job)
			assert.Equal(t, async.KindLong, job.Kind)
			f.settle(t)
		})
	}
}

func TestBufferTicker_BufferDays(t *testing.T) {
	f := newBufferFixture(t, false, nil)
	ctx := context.Background()

	days, latest, err := f.ticker.BufferDays(ctx)
	require.NoError(t, err)
	assert.Zero(t, days)
	assert.Nil(t, latest)

	// 20:00 UTC on the 16th is already the 17th in Kolkata
	f.sim.Commit(time.Date(2026, 3, 16, 20, 0, 0, 0, time.UTC), f.today.AddDate(0, 0, -2))
	days, latest, err = f.ticker.BufferDays(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, days)
	require.NotNil(t, latest)
	assert.Equal(t, 17, latest.Day())
}

// datePublisher reports fixed committed dates the way a publish command prints them
type datePublisher struct {
	pipeline.Publisher
	raw []string
}

func (p datePublisher) CommittedDates(ctx context.Context, loc *time.Location) ([]time.Time, error) {
	return pipeline.ParseDates(p.raw, loc)
}

func TestBufferTicker_BufferDaysWestOfUTC(t *testing.T) {
	newYork, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	db := qtest.CreateTestDB(t)
	log := zaptest.NewLogger(t).Sugar()

	today := time.Date(2026, 3, 14, 9, 0, 0, 0, newYork)
	ticker := NewBufferTicker(context.Background(), async.NewQueue(db, log), &recordingExecutor{},
		datePublisher{raw: []string{"2026-03-12", "2026-03-17"}}, staticCategories{"A"},
		rotation.NewStore(db), NewStateStore(db), BufferTickerConfig{
			Location:      newYork,
			PollInterval:  time.Hour,
			ThresholdDays: 3,
			PublishHour:   18,
			Durations:     []int{180},
			ShortTracks:   []string{"s1"},
			LongTracks:    []string{"l1"},
		}, log, WithBufferClock(func() time.Time { return today }))

	days, latest, err := ticker.BufferDays(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, days)
	require.NotNil(t, latest)
	assert.Equal(t, "2026-03-17", latest.Format(time.DateOnly))

	job, err := ticker.Check(context.Background())
	require.NoError(t, err)
	assert.Nil(t, job, "three days ahead meets a threshold of three")
}

func TestBufferTicker_OneCycleInFlight(t *testing.T) {
	f := newBufferFixture(t, true, nil)
	ctx := context.Background()

	job, err := f.ticker.Check(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.True(t, f.ticker.InFlight())

	again, err := f.ticker.Check(ctx)
	require.NoError(t, err)
	assert.Nil(t, again, "later polls skip while a cycle is in flight")

	_, err = f.ticker.Trigger(ctx)
	assert.True(t, errors.Is(err, errors.ErrConflict))

	close(f.release)
	f.settle(t)

	require.Eventually(t, func() bool {
		status, err := f.ticker.Status(ctx)
		return err == nil && status.TotalGenerated == 1
	}, 3*time.Second, 10*time.Millisecond)

	status, err := f.ticker.Status(ctx)
	require.NoError(t, err)
	require.NotNil(t, status.LastGenerated)
	require.NotNil(t, status.LastPublished)
	assert.False(t, status.InFlight)
	assert.Equal(t, 2, status.ThresholdDays)
}

func TestBufferTicker_Rotation(t *testing.T) {
	f := newBufferFixture(t, false, nil)
	ctx := context.Background()

	type choice struct {
		category string
		duration int
		track    string
	}
	var got []choice
	for i := 0; i < 3; i++ {
		job, err := f.ticker.Trigger(ctx)
		require.NoError(t, err)
		p := longPayload(t, job)
		got = append(got, choice{p.Category, p.DurationSeconds, p.Track})
		f.settle(t)
	}

	assert.Equal(t, []choice{
		{"A", 180, "s1"},
		{"B", 300, "l2"},
		{"A", 180, "s1"},
	}, got, "each cursor advances once per cycle and wraps at the size of the pool it just used")
}

func TestBufferTicker_JitterPicksPool(t *testing.T) {
	f := newBufferFixture(t, false, func(c *BufferTickerConfig) {
		c.JitterMin, c.JitterMax = 5, 45
	})

	job, err := f.ticker.Trigger(context.Background())
	require.NoError(t, err)
	p := longPayload(t, job)
	assert.GreaterOrEqual(t, p.DurationSeconds, 185)
	assert.LessOrEqual(t, p.DurationSeconds, 225)
	assert.Contains(t, []string{"s1", "s2", "s3"}, p.Track)
	f.settle(t)
}

func TestBufferTicker_PublishAt(t *testing.T) {
	f := newBufferFixture(t, false, nil)
	f.sim.Commit(f.today.AddDate(0, 0, 1))

	job, err := f.ticker.Check(context.Background())
	require.NoError(t, err)
	require.NotNil(t, job)
	p := longPayload(t, job)

	want := time.Date(2026, 3, 16, 18, 0, 0, 0, kolkata(t))
	assert.True(t, p.PublishAt.Equal(want), "day after the latest commitment at the publish hour, got %s", p.PublishAt)
	assert.Equal(t, 1, p.BufferDays)
	f.settle(t)

	fresh := newBufferFixture(t, false, nil)
	plan, err := fresh.ticker.Preview(context.Background())
	require.NoError(t, err)
	assert.True(t, plan.PublishAt.Equal(time.Date(2026, 3, 15, 18, 0, 0, 0, kolkata(t))), "tomorrow when nothing is committed")
}

func TestBufferTicker_PreviewAndReset(t *testing.T) {
	f := newBufferFixture(t, false, nil)
	ctx := context.Background()

	first, err := f.ticker.Preview(ctx)
	require.NoError(t, err)
	second, err := f.ticker.Preview(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, second, "preview never advances")
	assert.Equal(t, "A", first.Category)

	_, err = f.ticker.Trigger(ctx)
	require.NoError(t, err)
	f.settle(t)

	after, err := f.ticker.Preview(ctx)
	require.NoError(t, err)
	assert.Equal(t, "B", after.Category)
	assert.Equal(t, 300, after.DurationSeconds)

	require.Eventually(t, func() bool {
		n, err := f.state.Int(ctx, KeyLongformTotal)
		return err == nil && n == 1
	}, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, f.ticker.Reset(ctx))
	reset, err := f.ticker.Preview(ctx)
	require.NoError(t, err)
	assert.Equal(t, "A", reset.Category)
	total, err := f.state.Int(ctx, KeyLongformTotal)
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestBufferTicker_ToggleGatesPolls(t *testing.T) {
	f := newBufferFixture(t, false, nil)
	ctx := context.Background()

	enabled, err := f.ticker.Enabled(ctx)
	require.NoError(t, err)
	assert.False(t, enabled, "off until configured or toggled")

	f.ticker.tick()
	jobs, err := f.ticker.queue.List(ctx, async.ListFilter{})
	require.NoError(t, err)
	assert.Empty(t, jobs, "a disabled cadence does not poll")

	t.Log("A reload flips the default while nothing is persisted")
	f.ticker.SetDefaultEnabled(true)
	enabled, err = f.ticker.Enabled(ctx)
	require.NoError(t, err)
	assert.True(t, enabled)

	t.Log("A persisted toggle wins over the default")
	on, err := f.ticker.Toggle(ctx)
	require.NoError(t, err)
	assert.False(t, on)
	enabled, err = f.ticker.Enabled(ctx)
	require.NoError(t, err)
	assert.False(t, enabled)

	require.NoError(t, f.ticker.SetEnabled(ctx, true))
	f.ticker.tick()
	jobs, err = f.ticker.queue.List(ctx, async.ListFilter{})
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
	f.settle(t)

	job, err := f.ticker.Trigger(ctx)
	require.NoError(t, err)
	require.NotNil(t, job, "manual triggers ignore the toggle")
	f.settle(t)
}

func TestBufferTicker_StatusReportsRunState(t *testing.T) {
	f := newBufferFixture(t, false, nil)
	ctx := context.Background()

	status, err := f.ticker.Status(ctx)
	require.NoError(t, err)
	assert.False(t, status.Running)
	assert.False(t, status.Enabled)

	f.ticker.Start()
	assert.True(t, f.ticker.Running())
	status, err = f.ticker.Status(ctx)
	require.NoError(t, err)
	assert.True(t, status.Running)

	f.ticker.Stop()
	assert.False(t, f.ticker.Running())
}
