// Package async holds the job record store and the executor.
//
// A Job is one generation-and-publish attempt. Its status only changes through
// Job.Apply; the Queue persists each change in one transaction and notifies
// observers, and the WorkerPool runs pipelines off the scheduling loops.
package async

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/teranos/meridian/errors"
)

// JobStatus represents the current state of a job
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"   // Waiting for a worker
	JobStatusRunning   JobStatus = "running"   // A worker is running the pipeline
	JobStatusCompleted JobStatus = "completed" // Pipeline succeeded
	JobStatusFailed    JobStatus = "failed"    // Pipeline failed, or interrupted by restart
	JobStatusCancelled JobStatus = "cancelled" // Cancelled before it started
)

// IsValidStatus checks if a string is a valid job status
func IsValidStatus(s string) bool {
	switch JobStatus(s) {
	case JobStatusPending, JobStatusRunning, JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// IsTerminal reports whether the status is completed, failed or cancelled
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// Job kinds select the handler that runs the pipeline
const (
	KindShort = "short"
	KindLong  = "long"
)

// ErrInterruptedByRestart is the reserved error recorded on jobs found running at startup
const ErrInterruptedByRestart = "interrupted by restart"

// Job is one generation-and-publish attempt
type Job struct {
	ID          string          `json:"id"`
	Kind        string          `json:"kind"`
	Status      JobStatus       `json:"status"`
	Progress    int             `json:"progress"` // 0..100, never decreases while running
	Message     string          `json:"message"`
	Category    string          `json:"category,omitempty"`
	ItemID      string          `json:"item_id,omitempty"`
	SlotKey     string          `json:"slot_key,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Result      string          `json:"result,omitempty"` // output location
	Error       string          `json:"error,omitempty"`  // present iff failed
	RetryCount  int             `json:"retry_count"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// JobSpec describes a job to create
type JobSpec struct {
	Kind     string          `json:"kind"`
	Category string          `json:"category,omitempty"`
	ItemID   string          `json:"item_id,omitempty"`
	SlotKey  string          `json:"slot_key,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Message  string          `json:"message,omitempty"`
}

// NewJob creates a pending job from a spec
func NewJob(spec JobSpec, now time.Time) (*Job, error) {
	if spec.Kind == "" {
		return nil, errors.NewInvalidRequestError("job kind is required")
	}
	if len(spec.Payload) > 0 && !json.Valid(spec.Payload) {
		return nil, errors.NewInvalidRequestError("job payload is not valid JSON")
	}

	message := spec.Message
	if message == "" {
		message = "Queued"
	}

	now = now.UTC()
	return &Job{
		ID:        uuid.NewString(),
		Kind:      spec.Kind,
		Status:    JobStatusPending,
		Message:   message,
		Category:  spec.Category,
		ItemID:    spec.ItemID,
		SlotKey:   spec.SlotKey,
		Payload:   spec.Payload,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// Event is a state machine input
type Event string

const (
	EventStart    Event = "start"
	EventProgress Event = "progress"
	EventSucceed  Event = "succeed"
	EventFail     Event = "fail"
	EventCancel   Event = "cancel"
	EventRetry    Event = "retry"
)

// Transition is an event plus its payload
type Transition struct {
	Event    Event  `json:"event"`
	Progress int    `json:"progress,omitempty"`
	Message  string `json:"message,omitempty"`
	Result   string `json:"result,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Start marks the job as running
func Start() Transition { return Transition{Event: EventStart} }

// Progress reports pipeline progress
func Progress(n int, message string) Transition {
	return Transition{Event: EventProgress, Progress: n, Message: message}
}

// Succeed completes the job with its output location
func Succeed(result string) Transition { return Transition{Event: EventSucceed, Result: result} }

// Fail records a pipeline failure
func Fail(err string) Transition { return Transition{Event: EventFail, Error: err} }

// Cancel cancels a pending job
func Cancel() Transition { return Transition{Event: EventCancel} }

// Retry requeues a failed job
func Retry() Transition { return Transition{Event: EventRetry} }

// Apply runs one state machine step.
//
//	pending  --start-->       running
//	running  --progress(n)--> running   (previous <= n <= 100)
//	running  --succeed-->     completed
//	running  --fail-->        failed
//	pending  --cancel-->      cancelled
//	failed   --retry-->       pending
//
// Anything else returns ErrInvalidTransition and leaves the job untouched.
func (j *Job) Apply(t Transition, now time.Time) error {
	now = now.UTC()

	switch {
	case j.Status == JobStatusPending && t.Event == EventStart:
		j.Status = JobStatusRunning
		j.StartedAt = &now
		j.Message = nonEmpty(t.Message, "Running")

	case j.Status == JobStatusRunning && t.Event == EventProgress:
		if t.Progress < j.Progress || t.Progress > 100 {
			return errors.Wrapf(errors.ErrInvalidTransition,
				"progress %d rejected for job %s at %d", t.Progress, j.ID, j.Progress)
		}
		j.Progress = t.Progress
		if t.Message != "" {
			j.Message = t.Message
		}

	case j.Status == JobStatusRunning && t.Event == EventSucceed:
		j.Status = JobStatusCompleted
		j.Progress = 100
		j.Result = t.Result
		j.Message = nonEmpty(t.Message, "Completed")
		j.CompletedAt = &now

	case j.Status == JobStatusRunning && t.Event == EventFail:
		j.Status = JobStatusFailed
		j.Error = nonEmpty(t.Error, "unknown error")
		j.Message = nonEmpty(t.Message, "Failed")
		j.CompletedAt = &now

	case j.Status == JobStatusPending && t.Event == EventCancel:
		j.Status = JobStatusCancelled
		j.Message = nonEmpty(t.Message, "Cancelled")
		j.CompletedAt = &now

	case j.Status == JobStatusFailed && t.Event == EventRetry:
		// A retry is a new attempt: the previous outcome is cleared
		j.Status = JobStatusPending
		j.Progress = 0
		j.Error = ""
		j.Result = ""
		j.Message = nonEmpty(t.Message, "Queued for retry")
		j.StartedAt = nil
		j.CompletedAt = nil
		j.RetryCount++

	default:
		return errors.NewInvalidTransitionError(string(j.Status), string(t.Event))
	}

	j.UpdatedAt = now
	return nil
}

// Clone returns a copy safe to hand to other goroutines
func (j *Job) Clone() *Job {
	c := *j
	if j.Payload != nil {
		c.Payload = append(json.RawMessage(nil), j.Payload...)
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

func nonEmpty(s, fallback string) string {
	if s != "" {
		return s
	}
	return fallback
}
