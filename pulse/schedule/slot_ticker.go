package schedule

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/teranos/meridian/am"
	"github.com/teranos/meridian/errors"
	"github.com/teranos/meridian/ideabank"
	"github.com/teranos/meridian/logger"
	"github.com/teranos/meridian/pipeline"
	"github.com/teranos/meridian/publish"
	"github.com/teranos/meridian/pulse/async"
)

// Submitter hands pending jobs to the executor. *async.WorkerPool implements it.
type Submitter interface {
	Submit(job *async.Job) (*async.Handle, error)
}

// SlotTickerConfig configures the slot scheduler
type SlotTickerConfig struct {
	Slots               SlotConfig
	PollInterval        time.Duration
	LowWatermark        int // backfill ahead of need below this many available items
	BackfillCount       int
	BackfillMinInterval time.Duration
	DefaultEnabled      bool // toggle value until one is persisted
}

// SlotTickerConfigFrom builds the slot scheduler configuration from the autopublish section
func SlotTickerConfigFrom(cfg am.AutopublishConfig) (SlotTickerConfig, error) {
	slots, err := SlotConfigFrom(cfg)
	if err != nil {
		return SlotTickerConfig{}, err
	}
	return SlotTickerConfig{
		Slots:               slots,
		PollInterval:        cfg.PollInterval(),
		LowWatermark:        cfg.LowWatermark,
		BackfillCount:       cfg.BackfillCount,
		BackfillMinInterval: time.Duration(cfg.BackfillMinIntervalSeconds) * time.Second,
		DefaultEnabled:      cfg.Enabled,
	}, nil
}

func backfillLimit(interval time.Duration) rate.Limit {
	if interval <= 0 {
		return rate.Inf
	}
	return rate.Every(interval)
}

// SlotTicker fires short-form jobs at the configured daily slots.
//
// Each poll looks for slots whose window contains now and whose key is not in
// the done-set. For each it picks a work item (backfilling once when the bank
// is empty), then creates the job and marks the slot done in one transaction
// before handing the job to the executor. The job's outcome never reopens the
// slot, and a failed insert leaves the slot open with the item back in the pool.
type SlotTicker struct {
	bank       *ideabank.Store
	queue      *async.Queue
	executor   Submitter
	backfiller pipeline.Backfiller
	done       *DoneSet
	state      *StateStore
	limiter    *rate.Limiter

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	logger   *zap.SugaredLogger
	slotLog  *zap.SugaredLogger // Logger with the slot symbol pre-attached
	now      func() time.Time
	checkMu  sync.Mutex // one check at a time, ticker or manual
	mu       sync.Mutex
	cfg      SlotTickerConfig
	lastTick time.Time
	ticks    int64
}

// SlotTickerOption configures a SlotTicker
type SlotTickerOption func(*SlotTicker)

// WithSlotClock overrides time.Now
func WithSlotClock(now func() time.Time) SlotTickerOption {
	return func(t *SlotTicker) { t.now = now }
}

// NewSlotTicker creates the slot scheduler. backfiller may be nil.
func NewSlotTicker(ctx context.Context, bank *ideabank.Store, queue *async.Queue, executor Submitter,
	backfiller pipeline.Backfiller, done *DoneSet, state *StateStore, cfg SlotTickerConfig,
	log *zap.SugaredLogger, opts ...SlotTickerOption) *SlotTicker {

	tickerCtx, cancel := context.WithCancel(ctx)
	named := log.Named("slots")
	t := &SlotTicker{
		bank:       bank,
		queue:      queue,
		executor:   executor,
		backfiller: backfiller,
		done:       done,
		state:      state,
		limiter:    rate.NewLimiter(backfillLimit(cfg.BackfillMinInterval), 1),
		ctx:        tickerCtx,
		cancel:     cancel,
		logger:     named,
		slotLog:    logger.AddSlotSymbol(named),
		now:        time.Now,
		cfg:        cfg,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Start begins the ticker loop. The first check runs immediately so a restart
// inside a window does not wait a full poll interval.
func (t *SlotTicker) Start() {
	t.wg.Add(1)
	go t.run()
	t.slotLog.Infow("Slot ticker started",
		"interval", t.config().PollInterval,
		"slots", t.config().Slots.TimeStrings())
}

// Stop gracefully stops the ticker
func (t *SlotTicker) Stop() {
	t.cancel()
	t.wg.Wait()
	t.slotLog.Infow("Slot ticker stopped")
}

func (t *SlotTicker) run() {
	defer t.wg.Done()

	interval := t.config().PollInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	t.tick()
	for {
		select {
		case <-t.ctx.Done():
			return
		case <-ticker.C:
			// Pick up a reconfigured interval
			if current := t.config().PollInterval; current != interval && current > 0 {
				interval = current
				ticker.Reset(interval)
			}
			t.tick()
		}
	}
}

func (t *SlotTicker) tick() {
	t.mu.Lock()
	t.lastTick = t.now()
	t.ticks++
	ticks := t.ticks
	t.mu.Unlock()

	if _, err := t.CheckSlots(t.ctx); err != nil && t.ctx.Err() == nil {
		t.slotLog.Warnw("Slot check error", logger.FieldError, err, "tick", ticks)
	}
}

func (t *SlotTicker) config() SlotTickerConfig {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cfg
}

// Reconfigure swaps slot times, zone, window and backfill settings. The next
// check uses the new values.
func (t *SlotTicker) Reconfigure(cfg SlotTickerConfig) {
	t.mu.Lock()
	t.cfg = cfg
	t.mu.Unlock()
	t.limiter.SetLimit(backfillLimit(cfg.BackfillMinInterval))
	t.slotLog.Infow("Slot schedule reconfigured",
		"slots", cfg.Slots.TimeStrings(),
		"timezone", cfg.Slots.Location.String(),
		"window_before", cfg.Slots.WindowBefore,
		"window_after", cfg.Slots.WindowAfter)
}

// SetDoneLimit changes how many slot keys the done-set keeps
func (t *SlotTicker) SetDoneLimit(limit int) {
	t.done.SetLimit(limit)
}

// Enabled reports the durable autopublish toggle
func (t *SlotTicker) Enabled(ctx context.Context) (bool, error) {
	return t.state.Bool(ctx, KeyAutopublishEnabled, t.config().DefaultEnabled)
}

// SetEnabled persists the autopublish toggle
func (t *SlotTicker) SetEnabled(ctx context.Context, enabled bool) error {
	if err := t.state.SetBool(ctx, KeyAutopublishEnabled, enabled); err != nil {
		return err
	}
	t.slotLog.Infow("Autopublish toggled", "enabled", enabled)
	return nil
}

// Toggle flips the autopublish toggle and returns the new value
func (t *SlotTicker) Toggle(ctx context.Context) (bool, error) {
	enabled, err := t.state.Toggle(ctx, KeyAutopublishEnabled, t.config().DefaultEnabled)
	if err != nil {
		return false, err
	}
	t.slotLog.Infow("Autopublish toggled", "enabled", enabled)
	return enabled, nil
}

// CheckSlots services every due slot that is not yet done and returns the
// jobs it dispatched. It does nothing while autopublish is disabled.
func (t *SlotTicker) CheckSlots(ctx context.Context) ([]*async.Job, error) {
	t.checkMu.Lock()
	defer t.checkMu.Unlock()

	enabled, err := t.Enabled(ctx)
	if err != nil {
		return nil, err
	}
	if !enabled {
		return nil, nil
	}

	cfg := t.config()
	now := t.now()
	var dispatched []*async.Job

	for _, slot := range cfg.Slots.Due(now) {
		done, err := t.done.IsDone(ctx, slot.Key)
		if err != nil {
			return dispatched, err
		}
		if done {
			continue
		}

		job, err := t.dispatch(ctx, cfg, slot)
		if err != nil {
			return dispatched, errors.Wrapf(err, "slot %s", slot.Key)
		}
		if job != nil {
			dispatched = append(dispatched, job)
		}
	}

	if len(dispatched) > 0 {
		t.checkLowWatermark(ctx, cfg)
	}
	return dispatched, nil
}

// dispatch runs one slot. A nil job with a nil error means no item was
// available even after backfill; the slot stays open for the next poll.
func (t *SlotTicker) dispatch(ctx context.Context, cfg SlotTickerConfig, slot Slot) (*async.Job, error) {
	log := t.slotLog.With(logger.FieldSlotKey, slot.Key)

	item, err := t.bank.PickItem(ctx)
	if err != nil {
		return nil, err
	}
	if item == nil {
		log.Infow("No work item available, backfilling")
		t.backfill(ctx, cfg, "empty")
		if item, err = t.bank.PickItem(ctx); err != nil {
			return nil, err
		}
		if item == nil {
			log.Warnw("No work item for slot after backfill, leaving it open")
			return nil, nil
		}
	}

	at := slot.At.UTC()
	payload, err := publish.Encode(publish.ShortPayload{PublishAt: &at})
	if err != nil {
		t.release(ctx, item.ID, log)
		return nil, err
	}

	// The job, the slot key and the item link commit together: either the
	// slot is done with exactly this job or nothing was written.
	job, err := t.queue.CreateWith(ctx, async.JobSpec{
		Kind:     async.KindShort,
		Category: item.Category,
		ItemID:   item.ID,
		SlotKey:  slot.Key,
		Payload:  payload,
		Message:  "Queued for slot " + slot.Key,
	}, func(tx *sql.Tx, job *async.Job) error {
		inserted, err := t.done.MarkDoneTx(ctx, tx, slot.Key, job.ID)
		if err != nil {
			return err
		}
		if !inserted {
			return errors.Wrapf(errors.ErrConflict, "slot %s already has a job", slot.Key)
		}
		return t.bank.LinkJobTx(ctx, tx, item.ID, job.ID)
	})
	if err != nil {
		t.release(ctx, item.ID, log)
		return nil, errors.Wrapf(err, "failed to create job for item %s", item.ID)
	}

	// A pending job is picked up by the pool's poll even if this hand-off fails
	if _, err := t.executor.Submit(job); err != nil {
		log.Warnw("Failed to submit slot job, leaving it pending", logger.FieldJobID, job.ID, logger.FieldError, err)
	}

	log.Infow("Slot dispatched",
		logger.FieldJobID, job.ID,
		logger.FieldItemID, item.ID,
		logger.FieldCategory, item.Category)
	return job, nil
}

// release puts a picked item back when its job was never created
func (t *SlotTicker) release(ctx context.Context, itemID string, log *zap.SugaredLogger) {
	if err := t.bank.Release(ctx, itemID, true); err != nil {
		log.Errorw("Failed to release work item", logger.FieldItemID, itemID, logger.FieldError, err)
	}
}

func (t *SlotTicker) checkLowWatermark(ctx context.Context, cfg SlotTickerConfig) {
	if cfg.LowWatermark <= 0 {
		return
	}
	available, err := t.bank.AvailableCount(ctx)
	if err != nil {
		t.slotLog.Warnw("Failed to count available work items", logger.FieldError, err)
		return
	}
	if available < cfg.LowWatermark {
		t.slotLog.Infow("Work item bank is low", "available", available, "low_watermark", cfg.LowWatermark)
		t.backfill(ctx, cfg, "low_watermark")
	}
}

// Backfill asks the backfiller for new ideas now, bypassing the rate limit.
// It returns how many items were added.
func (t *SlotTicker) Backfill(ctx context.Context) (int, error) {
	return t.runBackfill(ctx, t.config())
}

// backfill is rate-limited; failures are logged, never returned
func (t *SlotTicker) backfill(ctx context.Context, cfg SlotTickerConfig, reason string) {
	if t.backfiller == nil || cfg.BackfillCount <= 0 {
		return
	}
	if !t.limiter.Allow() {
		t.slotLog.Debugw("Backfill skipped, rate limited", "reason", reason)
		return
	}
	if _, err := t.runBackfill(ctx, cfg); err != nil {
		t.slotLog.Warnw("Backfill failed", "reason", reason, logger.FieldError, err)
	}
}

func (t *SlotTicker) runBackfill(ctx context.Context, cfg SlotTickerConfig) (int, error) {
	if t.backfiller == nil {
		return 0, errors.NewInvalidRequestError("no backfiller configured")
	}
	categories := t.bank.Categories()
	ideas, err := t.backfiller.Backfill(ctx, cfg.BackfillCount, categories)
	if err != nil {
		return 0, err
	}

	known := make(map[string]bool, len(categories))
	for _, c := range categories {
		known[c] = true
	}
	drafts := make([]ideabank.Draft, 0, len(ideas))
	for _, idea := range ideas {
		if !known[idea.Category] {
			t.slotLog.Debugw("Dropping idea for unknown category", logger.FieldCategory, idea.Category)
			continue
		}
		drafts = append(drafts, ideabank.Draft{
			Category:    idea.Category,
			Title:       idea.Title,
			Description: idea.Description,
			Payload:     idea.Payload,
		})
	}
	if len(drafts) == 0 {
		return 0, errors.New("backfill returned no usable ideas")
	}

	items, err := t.bank.Add(ctx, drafts...)
	if err != nil {
		return 0, err
	}
	t.slotLog.Infow("Backfilled work items", logger.FieldCount, len(items))
	return len(items), nil
}

// NextSlots returns the next n upcoming slots
func (t *SlotTicker) NextSlots(n int) []UpcomingSlot {
	return t.config().Slots.NextSlots(t.now(), n)
}

// SlotStatus reports the slot scheduler state
type SlotStatus struct {
	Enabled      bool           `json:"enabled"`
	Timezone     string         `json:"timezone"`
	Slots        []string       `json:"slots"`
	WindowBefore int            `json:"window_before_minutes"`
	WindowAfter  int            `json:"window_after_minutes"`
	PollInterval int            `json:"poll_interval_seconds"`
	LastCheckAt  *time.Time     `json:"last_check_at,omitempty"`
	Checks       int64          `json:"checks"`
	RecentSlots  []DoneSlot     `json:"recent_slots"`
	NextSlots    []UpcomingSlot `json:"next_slots"`
}

// Status reports the toggle, the configuration and recent slots
func (t *SlotTicker) Status(ctx context.Context) (*SlotStatus, error) {
	enabled, err := t.Enabled(ctx)
	if err != nil {
		return nil, err
	}
	recent, err := t.done.Recent(ctx, 10)
	if err != nil {
		return nil, err
	}

	cfg := t.config()
	t.mu.Lock()
	var last *time.Time
	if !t.lastTick.IsZero() {
		l := t.lastTick
		last = &l
	}
	checks := t.ticks
	t.mu.Unlock()

	return &SlotStatus{
		Enabled:      enabled,
		Timezone:     cfg.Slots.Location.String(),
		Slots:        cfg.Slots.TimeStrings(),
		WindowBefore: int(cfg.Slots.WindowBefore / time.Minute),
		WindowAfter:  int(cfg.Slots.WindowAfter / time.Minute),
		PollInterval: int(cfg.PollInterval / time.Second),
		LastCheckAt:  last,
		Checks:       checks,
		RecentSlots:  recent,
		NextSlots:    cfg.Slots.NextSlots(t.now(), len(cfg.Slots.Times)),
	}, nil
}
