package async

import (
	"context"

	"go.uber.org/zap"

	"github.com/teranos/meridian/logger"
)

// JobProgressEmitter applies progress transitions for one running job.
// Every accepted update is persisted and notified by the queue.
type JobProgressEmitter struct {
	ctx   context.Context
	jobID string
	queue *Queue
	log   *zap.SugaredLogger // job_id pre-configured
}

// NewJobProgressEmitter creates a progress emitter for a running job.
func NewJobProgressEmitter(ctx context.Context, job *Job, queue *Queue, baseLogger *zap.SugaredLogger) *JobProgressEmitter {
	return &JobProgressEmitter{
		ctx:   context.WithoutCancel(ctx),
		jobID: job.ID,
		queue: queue,
		log:   baseLogger.With(logger.FieldJobID, job.ID),
	}
}

// Progress implements ProgressEmitter.
func (e *JobProgressEmitter) Progress(n int, message string) {
	if _, err := e.queue.Transition(e.ctx, e.jobID, Progress(n, message)); err != nil {
		e.log.Warnw("Progress update rejected",
			logger.FieldProgress, n,
			"message", message,
			logger.FieldError, err,
		)
	}
}
