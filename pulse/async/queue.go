package async

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/meridian/errors"
	"github.com/teranos/meridian/logger"
)

// Notification event names
const (
	EventJobCreated  = "job_created"
	EventJobUpdate   = "job_update"
	EventJobDeleted  = "job_deleted"
	EventJobsCleared = "jobs_cleared"
)

// Notification describes one persisted job mutation
type Notification struct {
	Event  string
	Job    *Job     // nil for jobs_cleared
	JobIDs []string // set for jobs_cleared
}

// Notifier receives every mutation after it is persisted.
// Notify is called with the queue lock held and must not block or call back into the queue.
type Notifier interface {
	Notify(n Notification)
}

// Queue is the job record store. Each mutation runs in one transaction under mu,
// then notifies every registered Notifier before mu is released, so observers
// see mutations in commit order.
type Queue struct {
	db        *sql.DB
	mu        sync.Mutex
	notifiers []Notifier
	now       func() time.Time
	logger    *zap.SugaredLogger
}

// QueueOption configures a Queue
type QueueOption func(*Queue)

// WithQueueClock overrides time.Now
func WithQueueClock(now func() time.Time) QueueOption {
	return func(q *Queue) { q.now = now }
}

// NewQueue creates a job record store over db
func NewQueue(db *sql.DB, log *zap.SugaredLogger, opts ...QueueOption) *Queue {
	q := &Queue{
		db:     db,
		now:    time.Now,
		logger: logger.AddPulseSymbol(log),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// AddNotifier registers n for every subsequent mutation
func (q *Queue) AddNotifier(n Notifier) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.notifiers = append(q.notifiers, n)
}

// notify fans n out. REQUIRES: q.mu held.
func (q *Queue) notify(n Notification) {
	for _, notifier := range q.notifiers {
		notifier.Notify(n)
	}
}

// inTx runs fn in a transaction and commits it
func (q *Queue) inTx(ctx context.Context, what string, fn func(tx *sql.Tx) error) error {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrapf(err, "failed to begin %s", what)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrapf(err, "failed to commit %s", what)
	}
	return nil
}

// Create inserts a pending job built from spec
func (q *Queue) Create(ctx context.Context, spec JobSpec) (*Job, error) {
	return q.CreateWith(ctx, spec, nil)
}

// CreateWith inserts a pending job and runs within in the same transaction, so
// records that reference the new job commit or roll back together with it.
// within must not call back into the queue.
func (q *Queue) CreateWith(ctx context.Context, spec JobSpec, within func(tx *sql.Tx, job *Job) error) (*Job, error) {
	job, err := NewJob(spec, q.now())
	if err != nil {
		return nil, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	err = q.inTx(ctx, "job insert", func(tx *sql.Tx) error {
		if err := CreateJob(ctx, tx, job); err != nil {
			return err
		}
		if within != nil {
			return within(tx, job)
		}
		return nil
	})
	if err != nil {
		err = errors.WithDetail(err, fmt.Sprintf("Kind: %s", job.Kind))
		err = errors.WithDetail(err, fmt.Sprintf("Item: %s", job.ItemID))
		return nil, err
	}

	q.notify(Notification{Event: EventJobCreated, Job: job.Clone()})
	return job, nil
}

// Get retrieves a job by ID
func (q *Queue) Get(ctx context.Context, id string) (*Job, error) {
	return GetJob(ctx, q.db, id)
}

// List returns jobs newest first
func (q *Queue) List(ctx context.Context, filter ListFilter) ([]*Job, error) {
	return ListJobs(ctx, q.db, filter)
}

// Counts returns the number of jobs per status
func (q *Queue) Counts(ctx context.Context) (map[JobStatus]int, error) {
	return CountByStatus(ctx, q.db)
}

// Transition applies t to job id. A rejected transition leaves the stored job
// untouched and returns an error marked ErrInvalidTransition.
func (q *Queue) Transition(ctx context.Context, id string, t Transition) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var job *Job
	err := q.inTx(ctx, "job transition", func(tx *sql.Tx) error {
		var err error
		job, err = GetJob(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := job.Apply(t, q.now()); err != nil {
			return err
		}
		return UpdateJob(ctx, tx, job)
	})
	if err != nil {
		return nil, errors.WithDetail(err, fmt.Sprintf("Event: %s", t.Event))
	}

	q.notify(Notification{Event: EventJobUpdate, Job: job.Clone()})
	return job, nil
}

// Dequeue moves the oldest pending job to running and returns it, or nil when
// nothing is pending
func (q *Queue) Dequeue(ctx context.Context) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var job *Job
	err := q.inTx(ctx, "dequeue", func(tx *sql.Tx) error {
		var err error
		job, err = OldestPending(ctx, tx)
		if err != nil || job == nil {
			return err
		}
		if err := job.Apply(Start(), q.now()); err != nil {
			return err
		}
		return UpdateJob(ctx, tx, job)
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to dequeue job")
	}
	if job == nil {
		return nil, nil
	}

	q.notify(Notification{Event: EventJobUpdate, Job: job.Clone()})
	return job, nil
}

// Delete removes a job. A running job belongs to the executor and cannot be deleted.
func (q *Queue) Delete(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	var job *Job
	err := q.inTx(ctx, "job delete", func(tx *sql.Tx) error {
		var err error
		job, err = GetJob(ctx, tx, id)
		if err != nil {
			return err
		}
		if job.Status == JobStatusRunning {
			return errors.NewInvalidTransitionError(string(job.Status), "delete")
		}
		return DeleteJob(ctx, tx, id)
	})
	if err != nil {
		return err
	}

	q.notify(Notification{Event: EventJobDeleted, Job: job})
	return nil
}

// ClearTerminal deletes every completed, failed and cancelled job and returns their IDs
func (q *Queue) ClearTerminal(ctx context.Context) ([]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var ids []string
	err := q.inTx(ctx, "clear terminal jobs", func(tx *sql.Tx) error {
		jobs, err := ListJobs(ctx, tx, ListFilter{
			Statuses: []JobStatus{JobStatusCompleted, JobStatusFailed, JobStatusCancelled},
		})
		if err != nil {
			return err
		}
		for _, job := range jobs {
			if err := DeleteJob(ctx, tx, job.ID); err != nil {
				return err
			}
			ids = append(ids, job.ID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(ids) > 0 {
		q.notify(Notification{Event: EventJobsCleared, JobIDs: ids})
	}
	return ids, nil
}

// Recover fails every job left running by a previous process. Nothing can still
// be executing them, so they are never resumed.
func (q *Queue) Recover(ctx context.Context) ([]*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var recovered []*Job
	err := q.inTx(ctx, "job recovery", func(tx *sql.Tx) error {
		jobs, err := ListJobs(ctx, tx, ListFilter{Statuses: []JobStatus{JobStatusRunning}})
		if err != nil {
			return err
		}
		now := q.now()
		for _, job := range jobs {
			if err := job.Apply(Fail(ErrInterruptedByRestart), now); err != nil {
				return err
			}
			if err := UpdateJob(ctx, tx, job); err != nil {
				return err
			}
		}
		recovered = jobs
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to recover running jobs")
	}

	for _, job := range recovered {
		q.logger.Warnw("Job interrupted by restart",
			logger.FieldJobID, job.ID,
			logger.FieldItemID, job.ItemID,
			logger.FieldSlotKey, job.SlotKey)
		q.notify(Notification{Event: EventJobUpdate, Job: job.Clone()})
	}
	return recovered, nil
}

// Prune deletes terminal jobs not updated within olderThan and notifies
// jobs_cleared with their ids
func (q *Queue) Prune(ctx context.Context, olderThan time.Duration) ([]string, error) {
	if olderThan <= 0 {
		return nil, errors.NewInvalidRequestError("prune age must be positive, got %s", olderThan)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	var ids []string
	err := q.inTx(ctx, "job prune", func(tx *sql.Tx) error {
		var err error
		ids, err = DeleteTerminalBefore(ctx, tx, q.now().Add(-olderThan))
		return err
	})
	if err != nil {
		return nil, err
	}

	if len(ids) > 0 {
		q.logger.Infow("Pruned old jobs", logger.FieldCount, len(ids), "older_than", olderThan.String())
		q.notify(Notification{Event: EventJobsCleared, JobIDs: ids})
	}
	return ids, nil
}

// WithSnapshot calls fn with every job while holding the queue lock. No mutation
// can be persisted or notified while fn runs, so a subscriber registered inside
// fn sees each later mutation exactly once.
func (q *Queue) WithSnapshot(ctx context.Context, fn func(jobs []*Job)) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	jobs, err := ListJobs(ctx, q.db, ListFilter{})
	if err != nil {
		return errors.Wrap(err, "failed to snapshot jobs")
	}
	fn(jobs)
	return nil
}
