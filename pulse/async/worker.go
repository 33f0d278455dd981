package async

import (
	"context"
	"database/sql"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/meridian/errors"
	"github.com/teranos/meridian/logger"
)

// pulseLogger tags worker lifecycle lines with the opening (✿) and closing (❀)
// symbols and everything else with the pulse symbol (꩜)
type pulseLogger struct {
	*zap.SugaredLogger
	open  *zap.SugaredLogger
	close *zap.SugaredLogger
}

func newPulseLogger(base *zap.SugaredLogger) pulseLogger {
	named := base.Named("pulse")
	return pulseLogger{
		SugaredLogger: logger.AddPulseSymbol(named),
		open:          logger.AddPulseOpenSymbol(named),
		close:         logger.AddPulseCloseSymbol(named),
	}
}

// Starting logs an opening event
func (l pulseLogger) Starting(msg string, keysAndValues ...interface{}) {
	l.open.Infow(msg, keysAndValues...)
}

// Closing logs a closing event
func (l pulseLogger) Closing(msg string, keysAndValues ...interface{}) {
	l.close.Infow(msg, keysAndValues...)
}

// WorkerPoolConfig contains configuration for the worker pool
type WorkerPoolConfig struct {
	Workers         int           `json:"workers"`          // Number of concurrent workers
	PollInterval    time.Duration `json:"poll_interval"`    // Fallback poll when no submission wakes a worker
	ShutdownTimeout time.Duration `json:"shutdown_timeout"` // How long Stop waits for running pipelines
}

// DefaultWorkerPoolConfig returns sensible defaults
func DefaultWorkerPoolConfig() WorkerPoolConfig {
	return WorkerPoolConfig{
		Workers:         1,
		PollInterval:    5 * time.Second,
		ShutdownTimeout: 30 * time.Second,
	}
}

// WorkerPool runs job pipelines off the scheduling loops. Jobs are taken from
// the queue oldest first; Submit wakes an idle worker immediately.
type WorkerPool struct {
	queue         *Queue
	registry      *HandlerRegistry
	poolConfig    WorkerPoolConfig
	workers       int
	parentCtx     context.Context
	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup
	wake          chan struct{}
	waiters       map[string][]*Handle
	activeWorkers int
	jobsProcessed int
	startTime     time.Time
	logger        pulseLogger
	mu            sync.Mutex
}

// NewWorkerPool creates a worker pool over queue. The pool registers itself as
// a queue notifier so Handle.Wait resolves on terminal transitions.
// Handlers must be registered before Start.
func NewWorkerPool(ctx context.Context, queue *Queue, registry *HandlerRegistry, poolCfg WorkerPoolConfig, log *zap.SugaredLogger) *WorkerPool {
	if poolCfg.Workers < 1 {
		poolCfg.Workers = 1
	}
	if poolCfg.PollInterval <= 0 {
		poolCfg.PollInterval = DefaultWorkerPoolConfig().PollInterval
	}
	if poolCfg.ShutdownTimeout <= 0 {
		poolCfg.ShutdownTimeout = DefaultWorkerPoolConfig().ShutdownTimeout
	}

	workerCtx, cancel := context.WithCancel(ctx)
	wp := &WorkerPool{
		queue:      queue,
		registry:   registry,
		poolConfig: poolCfg,
		workers:    poolCfg.Workers,
		parentCtx:  ctx,
		ctx:        workerCtx,
		cancel:     cancel,
		wake:       make(chan struct{}, 1),
		waiters:    make(map[string][]*Handle),
		logger:     newPulseLogger(log),
	}
	queue.AddNotifier(wp)
	return wp
}

// Handle tracks one submitted job until it reaches a terminal state
type Handle struct {
	JobID string

	once sync.Once
	done chan struct{}
	job  *Job
	err  error
}

func newHandle(id string) *Handle {
	return &Handle{JobID: id, done: make(chan struct{})}
}

func (h *Handle) resolve(job *Job, err error) {
	h.once.Do(func() {
		h.job = job
		h.err = err
		close(h.done)
	})
}

// Done is closed once the job is terminal or deleted
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the job is terminal and returns its final record
func (h *Handle) Wait(ctx context.Context) (*Job, error) {
	select {
	case <-h.done:
		return h.job, h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Submit hands a pending job to the executor and returns immediately.
func (wp *WorkerPool) Submit(job *Job) (*Handle, error) {
	if job == nil {
		return nil, errors.NewInvalidRequestError("nil job")
	}
	if job.Status != JobStatusPending {
		return nil, errors.NewInvalidTransitionError(string(job.Status), "submit")
	}
	if !wp.registry.Has(job.Kind) {
		return nil, errors.NewInvalidRequestError("no handler registered for kind: %s", job.Kind)
	}

	h := newHandle(job.ID)
	wp.mu.Lock()
	wp.waiters[job.ID] = append(wp.waiters[job.ID], h)
	wp.mu.Unlock()

	// The job may have finished or been cancelled before the waiter was registered
	current, err := wp.queue.Get(context.Background(), job.ID)
	if err != nil {
		wp.resolve(job.ID, nil, err)
		return nil, err
	}
	if current.Status.IsTerminal() {
		wp.resolve(job.ID, current, nil)
	}

	select {
	case wp.wake <- struct{}{}:
	default:
	}
	return h, nil
}

// Notify implements Notifier. Called under the queue lock.
func (wp *WorkerPool) Notify(n Notification) {
	switch n.Event {
	case EventJobUpdate:
		if n.Job != nil && n.Job.Status.IsTerminal() {
			wp.resolve(n.Job.ID, n.Job, nil)
		}
	case EventJobDeleted:
		if n.Job != nil {
			wp.resolve(n.Job.ID, nil, errors.NewNotFoundError("job deleted: %s", n.Job.ID))
		}
	case EventJobsCleared:
		for _, id := range n.JobIDs {
			wp.resolve(id, nil, errors.NewNotFoundError("job deleted: %s", id))
		}
	}
}

func (wp *WorkerPool) resolve(id string, job *Job, err error) {
	wp.mu.Lock()
	handles := wp.waiters[id]
	delete(wp.waiters, id)
	wp.mu.Unlock()

	for _, h := range handles {
		var j *Job
		if job != nil {
			j = job.Clone()
		}
		h.resolve(j, err)
	}
}

// Start fails jobs orphaned by a previous process, then starts the workers
func (wp *WorkerPool) Start() {
	wp.mu.Lock()
	// A stopped pool gets a fresh context so it can be restarted
	select {
	case <-wp.ctx.Done():
		wp.ctx, wp.cancel = context.WithCancel(wp.parentCtx)
		wp.logger.Starting("Recreated worker context after previous shutdown")
	default:
	}
	wp.startTime = time.Now()
	wp.jobsProcessed = 0
	ctx := wp.ctx
	wp.mu.Unlock()

	recovered, err := wp.queue.Recover(ctx)
	if err != nil {
		wp.logger.Warnw("Failed to recover orphaned jobs", logger.FieldError, err)
	} else if len(recovered) > 0 {
		wp.logger.Starting("Failed jobs interrupted by restart", logger.FieldCount, len(recovered))
	}

	if warning := wp.checkMemoryPressure(); warning != "" {
		wp.logger.Warnw("Memory pressure warning", "warning", warning, "workers", wp.workers)
	}

	for i := 0; i < wp.workers; i++ {
		wp.wg.Add(1)
		go wp.worker(ctx, i)
	}
	wp.logger.Starting("Worker pool started", "workers", wp.workers)
}

// Stop cancels the worker context and waits up to the shutdown timeout for
// running pipelines to return
func (wp *WorkerPool) Stop() {
	wp.mu.Lock()
	cancel := wp.cancel
	wp.mu.Unlock()
	cancel()

	done := make(chan struct{})
	go func() {
		wp.wg.Wait()
		close(done)
	}()

	timeout := wp.poolConfig.ShutdownTimeout
	select {
	case <-done:
		wp.logger.Closing("Worker pool stopped, all workers exited cleanly")
	case <-time.After(timeout):
		wp.logger.Closing("Worker pool stop timed out, pipelines may still be running", "timeout", timeout)
	}
}

// worker processes jobs until ctx is cancelled
func (wp *WorkerPool) worker(ctx context.Context, id int) {
	defer wp.wg.Done()

	ticker := time.NewTicker(wp.poolConfig.PollInterval)
	defer ticker.Stop()

	errorCount := 0
	const maxConsecutiveErrors = 5
	backoffDuration := time.Second
	const maxBackoff = 30 * time.Second

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-wp.wake:
		}

		err := wp.drain(ctx)
		if err == nil {
			if errorCount > 0 {
				wp.logger.Infow("Worker recovered from errors",
					"worker_id", id,
					"previous_error_count", errorCount)
			}
			errorCount = 0
			backoffDuration = time.Second
			continue
		}

		if ctx.Err() != nil || errors.Is(err, sql.ErrConnDone) {
			return
		}
		errorCount++
		wp.logger.Errorw("Worker error processing job",
			"worker_id", id,
			logger.FieldError, err,
			"consecutive_errors", errorCount)

		if errorCount >= maxConsecutiveErrors {
			wp.logger.Warnw("Worker backing off due to consecutive errors",
				"worker_id", id,
				"backoff", backoffDuration,
				"consecutive_errors", errorCount)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoffDuration):
			}
			backoffDuration = min(backoffDuration*2, maxBackoff)
		}
	}
}

// drain runs pending jobs until none is left
func (wp *WorkerPool) drain(ctx context.Context) error {
	for ctx.Err() == nil {
		processed, err := wp.processNextJob(ctx)
		if err != nil || !processed {
			return err
		}
	}
	return nil
}

// processNextJob dequeues and runs one job. A job cancelled before a worker
// reached it is no longer pending and is never dequeued.
func (wp *WorkerPool) processNextJob(ctx context.Context) (bool, error) {
	job, err := wp.queue.Dequeue(ctx)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}

	wp.mu.Lock()
	wp.activeWorkers++
	wp.jobsProcessed++
	wp.mu.Unlock()
	defer func() {
		wp.mu.Lock()
		wp.activeWorkers--
		wp.mu.Unlock()
	}()

	log := wp.logger.With(logger.FieldJobID, job.ID, "kind", job.Kind)
	started := time.Now()

	result, execErr := wp.execute(ctx, job, log)

	// The outcome is recorded even when shutdown cancelled the pipeline
	finalCtx := context.WithoutCancel(ctx)
	if execErr != nil {
		errCtx := ClassifyError(job.Kind, execErr)
		log.Warnw("Job failed",
			"error_code", errCtx.Code,
			logger.FieldError, execErr,
			logger.FieldDurationMS, time.Since(started).Milliseconds())
		if _, err := wp.queue.Transition(finalCtx, job.ID, Fail(errCtx.Message)); err != nil {
			return true, errors.Wrapf(err, "failed to record failure of job %s", job.ID)
		}
		return true, nil
	}

	log.Infow("Job completed",
		"result", result,
		logger.FieldDurationMS, time.Since(started).Milliseconds())
	if _, err := wp.queue.Transition(finalCtx, job.ID, Succeed(result)); err != nil {
		return true, errors.Wrapf(err, "failed to record completion of job %s", job.ID)
	}
	return true, nil
}

// execute looks up the handler and runs it, converting panics into errors
func (wp *WorkerPool) execute(ctx context.Context, job *Job, log *zap.SugaredLogger) (result string, err error) {
	handler := wp.registry.Get(job.Kind)
	if handler == nil {
		return "", errors.Newf("no handler registered for kind: %s", job.Kind)
	}

	defer func() {
		if r := recover(); r != nil {
			log.Errorw("Handler panicked", "panic", r, "stack", string(debug.Stack()))
			err = errors.Mark(fmt.Errorf("handler panicked: %v", r), errHandlerPanic)
		}
	}()

	emitter := NewJobProgressEmitter(ctx, job, wp.queue, log)
	return handler.Execute(ctx, job, emitter)
}

// Workers returns the number of concurrent workers configured for this pool
func (wp *WorkerPool) Workers() int {
	return wp.workers
}
