package schedule

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/meridian/am"
	"github.com/teranos/meridian/errors"
	"github.com/teranos/meridian/logger"
	"github.com/teranos/meridian/pipeline"
	"github.com/teranos/meridian/publish"
	"github.com/teranos/meridian/pulse/async"
	"github.com/teranos/meridian/rotation"
)

// CategorySource supplies the categories long-form rotates over. *ideabank.Store implements it.
type CategorySource interface {
	Categories() []string
}

// BufferTickerConfig configures the buffer-lookahead scheduler
type BufferTickerConfig struct {
	Location             *time.Location
	PollInterval         time.Duration
	ThresholdDays        int
	PublishHour          int
	Durations            []int // seconds
	JitterMin            int
	JitterMax            int
	ShortTrackMaxSeconds int // durations up to this use ShortTracks
	ShortTracks          []string
	LongTracks           []string
	DefaultEnabled       bool // toggle value until one is persisted
}

// BufferTickerConfigFrom builds the buffer scheduler configuration from the longform section
func BufferTickerConfigFrom(cfg am.LongformConfig) (BufferTickerConfig, error) {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return BufferTickerConfig{}, errors.Wrapf(err, "unknown time zone %q", cfg.Timezone)
	}
	return BufferTickerConfig{
		Location:             loc,
		PollInterval:         cfg.PollInterval(),
		ThresholdDays:        cfg.BufferThresholdDays,
		PublishHour:          cfg.PublishHour,
		Durations:            cfg.Durations,
		JitterMin:            cfg.DurationJitterMin,
		JitterMax:            cfg.DurationJitterMax,
		ShortTrackMaxSeconds: cfg.ShortTrackMaxSeconds,
		ShortTracks:          cfg.ShortTracks,
		LongTracks:           cfg.LongTracks,
		DefaultEnabled:       cfg.Enabled,
	}, nil
}

// Plan is one long-form cycle's rotation choice
type Plan struct {
	Category        string    `json:"category"`
	CategoryIndex   int       `json:"category_index"`
	DurationSeconds int       `json:"duration_seconds"`
	DurationIndex   int       `json:"duration_index"`
	Track           string    `json:"track"`
	TrackIndex      int       `json:"track_index"`
	PublishAt       time.Time `json:"publish_at"`
}

// BufferTicker keeps long-form uploads committed ahead.
//
// Each poll computes the buffer (days from today to the latest committed
// publish date). Below the threshold it runs exactly one cycle: advance the
// category, duration and track cursors once, then create and submit one job.
// Polls while a cycle is in flight are skipped, so a deeply negative buffer
// is caught up one unit at a time. Polls do nothing while the durable
// long-form toggle is off; manual triggers still run.
type BufferTicker struct {
	queue      *async.Queue
	executor   Submitter
	publisher  pipeline.Publisher
	categories CategorySource
	cursors    *rotation.Store
	state      *StateStore
	cfg        BufferTickerConfig

	inFlight       atomic.Bool
	running        atomic.Bool
	defaultEnabled atomic.Bool
	planMu         sync.Mutex
	rngMu    sync.Mutex
	rng      *rand.Rand
	now      func() time.Time

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	logger    *zap.SugaredLogger
	bufferLog *zap.SugaredLogger
}

// BufferTickerOption configures a BufferTicker
type BufferTickerOption func(*BufferTicker)

// WithBufferClock overrides time.Now
func WithBufferClock(now func() time.Time) BufferTickerOption {
	return func(t *BufferTicker) { t.now = now }
}

// WithBufferRand sets the jitter source
func WithBufferRand(rng *rand.Rand) BufferTickerOption {
	return func(t *BufferTicker) { t.rng = rng }
}

// NewBufferTicker creates the buffer-lookahead scheduler
func NewBufferTicker(ctx context.Context, queue *async.Queue, executor Submitter, publisher pipeline.Publisher,
	categories CategorySource, cursors *rotation.Store, state *StateStore, cfg BufferTickerConfig,
	log *zap.SugaredLogger, opts ...BufferTickerOption) *BufferTicker {

	tickerCtx, cancel := context.WithCancel(ctx)
	named := log.Named("longform")
	t := &BufferTicker{
		queue:      queue,
		executor:   executor,
		publisher:  publisher,
		categories: categories,
		cursors:    cursors,
		state:      state,
		cfg:        cfg,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
		now:        time.Now,
		ctx:        tickerCtx,
		cancel:     cancel,
		logger:     named,
		bufferLog:  logger.AddBufferSymbol(named),
	}
	t.defaultEnabled.Store(cfg.DefaultEnabled)
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Start begins the ticker loop, checking once immediately
func (t *BufferTicker) Start() {
	t.running.Store(true)
	t.wg.Add(1)
	go t.run()
	t.bufferLog.Infow("Buffer ticker started",
		"interval", t.cfg.PollInterval,
		"threshold_days", t.cfg.ThresholdDays)
}

// Stop gracefully stops the ticker. A cycle in flight keeps running in the
// executor; only its bookkeeping watcher is released.
func (t *BufferTicker) Stop() {
	t.cancel()
	t.wg.Wait()
	t.bufferLog.Infow("Buffer ticker stopped")
}

// Running reports whether the poll loop is active
func (t *BufferTicker) Running() bool {
	return t.running.Load()
}

func (t *BufferTicker) run() {
	defer t.wg.Done()
	defer t.running.Store(false)

	ticker := time.NewTicker(t.cfg.PollInterval)
	defer ticker.Stop()

	t.tick()
	for {
		select {
		case <-t.ctx.Done():
			return
		case <-ticker.C:
			t.tick()
		}
	}
}

func (t *BufferTicker) tick() {
	enabled, err := t.Enabled(t.ctx)
	if err != nil {
		t.bufferLog.Warnw("Failed to read long-form toggle", logger.FieldError, err)
		return
	}
	if !enabled {
		return
	}
	if _, err := t.Check(t.ctx); err != nil && t.ctx.Err() == nil {
		t.bufferLog.Warnw("Buffer check error", logger.FieldError, err)
	}
}

// Enabled reports the durable long-form toggle
func (t *BufferTicker) Enabled(ctx context.Context) (bool, error) {
	return t.state.Bool(ctx, KeyLongformEnabled, t.defaultEnabled.Load())
}

// SetEnabled persists the long-form toggle
func (t *BufferTicker) SetEnabled(ctx context.Context, enabled bool) error {
	if err := t.state.SetBool(ctx, KeyLongformEnabled, enabled); err != nil {
		return err
	}
	t.bufferLog.Infow("Long-form toggled", "enabled", enabled)
	return nil
}

// Toggle flips the long-form toggle and returns the new value
func (t *BufferTicker) Toggle(ctx context.Context) (bool, error) {
	enabled, err := t.state.Toggle(ctx, KeyLongformEnabled, t.defaultEnabled.Load())
	if err != nil {
		return false, err
	}
	t.bufferLog.Infow("Long-form toggled", "enabled", enabled)
	return enabled, nil
}

// SetDefaultEnabled changes the toggle value used until one is persisted
func (t *BufferTicker) SetDefaultEnabled(enabled bool) {
	t.defaultEnabled.Store(enabled)
}

// BufferDays returns whole days from today to the latest committed publish
// date in the long-form zone, zero when nothing lies ahead
func (t *BufferTicker) BufferDays(ctx context.Context) (int, *time.Time, error) {
	dates, err := t.publisher.CommittedDates(ctx, t.cfg.Location)
	if err != nil {
		return 0, nil, errors.Wrap(err, "failed to query committed dates")
	}
	today := civilDay(t.now().In(t.cfg.Location))

	days := 0
	var latest *time.Time
	for _, d := range dates {
		local := d.In(t.cfg.Location)
		if latest == nil || local.After(*latest) {
			latest = &local
		}
		if n := daysBetween(today, civilDay(local)); n > days {
			days = n
		}
	}
	return days, latest, nil
}

// Check runs one poll: at most one cycle, only below the threshold
func (t *BufferTicker) Check(ctx context.Context) (*async.Job, error) {
	return t.cycle(ctx, false)
}

// Trigger runs one cycle regardless of the buffer. It is refused while a
// cycle is in flight.
func (t *BufferTicker) Trigger(ctx context.Context) (*async.Job, error) {
	return t.cycle(ctx, true)
}

func (t *BufferTicker) cycle(ctx context.Context, force bool) (*async.Job, error) {
	if !t.inFlight.CompareAndSwap(false, true) {
		if force {
			return nil, errors.Wrap(errors.ErrConflict, "a long-form cycle is already in flight")
		}
		t.bufferLog.Debugw("Long-form cycle in flight, skipping poll")
		return nil, nil
	}
	dispatched := false
	defer func() {
		if !dispatched {
			t.inFlight.Store(false)
		}
	}()

	days, latest, err := t.BufferDays(ctx)
	if err != nil {
		return nil, err
	}
	if !force && days >= t.cfg.ThresholdDays {
		t.bufferLog.Debugw("Buffer healthy", logger.FieldBufferDays, days, "threshold_days", t.cfg.ThresholdDays)
		return nil, nil
	}

	plan, err := t.advance(ctx, latest)
	if err != nil {
		return nil, err
	}

	payload, err := publish.Encode(publish.LongPayload{
		Category:        plan.Category,
		DurationSeconds: plan.DurationSeconds,
		Track:           plan.Track,
		PublishAt:       plan.PublishAt.UTC(),
		BufferDays:      days,
	})
	if err != nil {
		return nil, err
	}
	job, err := t.queue.Create(ctx, async.JobSpec{
		Kind:     async.KindLong,
		Category: plan.Category,
		Payload:  payload,
		Message:  "Queued long-form for " + plan.PublishAt.Format("2006-01-02"),
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create long-form job")
	}
	handle, err := t.executor.Submit(job)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to submit job %s", job.ID)
	}

	dispatched = true
	t.wg.Add(1)
	go t.watch(handle)

	t.bufferLog.Infow("Long-form cycle dispatched",
		logger.FieldJobID, job.ID,
		logger.FieldBufferDays, days,
		logger.FieldCategory, plan.Category,
		logger.FieldDuration, plan.DurationSeconds,
		logger.FieldTrack, plan.Track,
		logger.FieldPublishAt, plan.PublishAt.Format(time.RFC3339),
		"forced", force)
	return job, nil
}

// watch records the cycle's outcome and releases the in-flight guard
func (t *BufferTicker) watch(handle *async.Handle) {
	defer t.wg.Done()
	defer t.inFlight.Store(false)

	job, err := handle.Wait(t.ctx)
	if err != nil {
		if t.ctx.Err() == nil {
			t.bufferLog.Warnw("Long-form job vanished", logger.FieldJobID, handle.JobID, logger.FieldError, err)
		}
		return
	}
	if job.Status != async.JobStatusCompleted {
		t.bufferLog.Warnw("Long-form cycle did not complete",
			logger.FieldJobID, job.ID, logger.FieldStatus, job.Status, logger.FieldError, job.Error)
		return
	}

	at := t.now()
	total, err := t.state.Record(context.WithoutCancel(t.ctx), KeyLongformTotal, at,
		KeyLongformLastGenerated, KeyLongformLastPublished)
	if err != nil {
		t.bufferLog.Warnw("Failed to record long-form counters", logger.FieldError, err)
		return
	}
	t.bufferLog.Infow("Long-form cycle completed", logger.FieldJobID, job.ID, "total_generated", total)
}

// InFlight reports whether a cycle is running
func (t *BufferTicker) InFlight() bool {
	return t.inFlight.Load()
}

func (t *BufferTicker) steps(categories []string, durationIdx int) ([]rotation.Step, []string) {
	tracks := t.tracksFor(t.cfg.Durations[durationIdx])
	return []rotation.Step{
		{Name: rotation.LongformCategory, Size: len(categories)},
		{Name: rotation.LongformDuration, Size: len(t.cfg.Durations)},
		{Name: rotation.LongformTrack, Size: len(tracks)},
	}, tracks
}

// tracksFor selects the track pool by duration
func (t *BufferTicker) tracksFor(seconds int) []string {
	if seconds <= t.cfg.ShortTrackMaxSeconds {
		return t.cfg.ShortTracks
	}
	return t.cfg.LongTracks
}

// advance moves the three cursors once and returns the cycle's plan
func (t *BufferTicker) advance(ctx context.Context, latest *time.Time) (*Plan, error) {
	t.planMu.Lock()
	defer t.planMu.Unlock()

	categories, err := t.checkRotation()
	if err != nil {
		return nil, err
	}

	// The track pool depends on the duration, so peek at it first
	peek, err := t.cursors.Peek(ctx, rotation.Step{Name: rotation.LongformDuration, Size: len(t.cfg.Durations)})
	if err != nil {
		return nil, err
	}
	jittered := t.cfg.Durations[peek[rotation.LongformDuration]] + t.jitter()
	tracks := t.tracksFor(jittered)
	if len(tracks) == 0 {
		return nil, errors.Newf("no tracks configured for a %ds long-form", jittered)
	}

	idx, err := t.cursors.Advance(ctx,
		rotation.Step{Name: rotation.LongformCategory, Size: len(categories)},
		rotation.Step{Name: rotation.LongformDuration, Size: len(t.cfg.Durations)},
		rotation.Step{Name: rotation.LongformTrack, Size: len(tracks)},
	)
	if err != nil {
		return nil, err
	}

	return &Plan{
		Category:        categories[idx[rotation.LongformCategory]],
		CategoryIndex:   idx[rotation.LongformCategory],
		DurationSeconds: jittered,
		DurationIndex:   idx[rotation.LongformDuration],
		Track:           tracks[idx[rotation.LongformTrack]],
		TrackIndex:      idx[rotation.LongformTrack],
		PublishAt:       t.publishAt(latest),
	}, nil
}

// Preview returns the next cycle's plan without moving any cursor. The
// duration is the base value; the real cycle adds jitter.
func (t *BufferTicker) Preview(ctx context.Context) (*Plan, error) {
	t.planMu.Lock()
	defer t.planMu.Unlock()

	categories, err := t.checkRotation()
	if err != nil {
		return nil, err
	}
	peek, err := t.cursors.Peek(ctx, rotation.Step{Name: rotation.LongformDuration, Size: len(t.cfg.Durations)})
	if err != nil {
		return nil, err
	}
	steps, tracks := t.steps(categories, peek[rotation.LongformDuration])
	if len(tracks) == 0 {
		return nil, errors.New("no tracks configured")
	}
	idx, err := t.cursors.Peek(ctx, steps...)
	if err != nil {
		return nil, err
	}
	_, latest, err := t.BufferDays(ctx)
	if err != nil {
		return nil, err
	}

	return &Plan{
		Category:        categories[idx[rotation.LongformCategory]],
		CategoryIndex:   idx[rotation.LongformCategory],
		DurationSeconds: t.cfg.Durations[idx[rotation.LongformDuration]],
		DurationIndex:   idx[rotation.LongformDuration],
		Track:           tracks[idx[rotation.LongformTrack]],
		TrackIndex:      idx[rotation.LongformTrack],
		PublishAt:       t.publishAt(latest),
	}, nil
}

func (t *BufferTicker) checkRotation() ([]string, error) {
	categories := t.categories.Categories()
	if len(categories) == 0 {
		return nil, errors.ErrNoCategories
	}
	if len(t.cfg.Durations) == 0 {
		return nil, errors.New("no long-form durations configured")
	}
	return categories, nil
}

func (t *BufferTicker) jitter() int {
	span := t.cfg.JitterMax - t.cfg.JitterMin
	if span <= 0 {
		return t.cfg.JitterMin
	}
	t.rngMu.Lock()
	defer t.rngMu.Unlock()
	return t.cfg.JitterMin + t.rng.Intn(span+1)
}

// publishAt is the day after the latest commitment, or tomorrow when nothing
// lies ahead, at PublishHour in the long-form zone
func (t *BufferTicker) publishAt(latest *time.Time) time.Time {
	today := t.now().In(t.cfg.Location)
	base := today
	if latest != nil && civilDay(*latest).After(civilDay(today)) {
		base = *latest
	}
	next := base.AddDate(0, 0, 1)
	return time.Date(next.Year(), next.Month(), next.Day(), t.cfg.PublishHour, 0, 0, 0, t.cfg.Location)
}

// BufferStatus reports the long-form cadence
type BufferStatus struct {
	Enabled        bool       `json:"enabled"` // durable toggle
	Running        bool       `json:"running"` // poll loop active
	BufferDays     int        `json:"buffer_days"`
	ThresholdDays  int        `json:"threshold_days"`
	LatestDate     *time.Time `json:"latest_committed,omitempty"`
	InFlight       bool       `json:"in_flight"`
	TotalGenerated int        `json:"total_generated"`
	LastGenerated  *time.Time `json:"last_generated,omitempty"`
	LastPublished  *time.Time `json:"last_published,omitempty"`
	Next           *Plan      `json:"next,omitempty"`
}

// Status reports the buffer, the counters and the next plan
func (t *BufferTicker) Status(ctx context.Context) (*BufferStatus, error) {
	days, latest, err := t.BufferDays(ctx)
	if err != nil {
		return nil, err
	}
	total, err := t.state.Int(ctx, KeyLongformTotal)
	if err != nil {
		return nil, err
	}
	lastGenerated, err := t.state.Time(ctx, KeyLongformLastGenerated)
	if err != nil {
		return nil, err
	}
	lastPublished, err := t.state.Time(ctx, KeyLongformLastPublished)
	if err != nil {
		return nil, err
	}
	enabled, err := t.Enabled(ctx)
	if err != nil {
		return nil, err
	}
	next, err := t.Preview(ctx)
	if err != nil {
		t.bufferLog.Debugw("No long-form preview", logger.FieldError, err)
	}
	return &BufferStatus{
		Enabled:        enabled,
		Running:        t.Running(),
		BufferDays:     days,
		ThresholdDays:  t.cfg.ThresholdDays,
		LatestDate:     latest,
		InFlight:       t.InFlight(),
		TotalGenerated: total,
		LastGenerated:  lastGenerated,
		LastPublished:  lastPublished,
		Next:           next,
	}, nil
}

// Reset zeroes the rotation cursors and the counters
func (t *BufferTicker) Reset(ctx context.Context) error {
	t.planMu.Lock()
	defer t.planMu.Unlock()

	if err := t.cursors.Reset(ctx, rotation.LongformCategory, rotation.LongformDuration, rotation.LongformTrack); err != nil {
		return err
	}
	if err := t.state.Delete(ctx, KeyLongformTotal, KeyLongformLastGenerated, KeyLongformLastPublished); err != nil {
		return err
	}
	t.bufferLog.Infow("Long-form rotation reset")
	return nil
}

func civilDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func daysBetween(from, to time.Time) int {
	return int(to.Sub(from).Hours() / 24)
}
