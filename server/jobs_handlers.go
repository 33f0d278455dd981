package server

import (
	"context"
	"database/sql"
	"net/http"
	"strings"

	"github.com/teranos/meridian/errors"
	"github.com/teranos/meridian/internal/util"
	"github.com/teranos/meridian/logger"
	"github.com/teranos/meridian/publish"
	"github.com/teranos/meridian/pulse/async"
)

// HandleCreateJob handles POST /jobs.
// {"item_id": ...} schedules that work item outside the rotation and runs a
// short job publishing immediately. {"kind": "long"} forces one long-form
// cycle regardless of the buffer.
func (s *Server) HandleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req CreateJobRequest
	if err := readJSON(w, r, &req); err != nil {
		return
	}

	var (
		job *async.Job
		err error
	)
	switch {
	case req.Kind == async.KindLong:
		job, err = s.buffer.Trigger(r.Context())
	case req.ItemID != "" && (req.Kind == "" || req.Kind == async.KindShort):
		job, err = s.createShortJob(r.Context(), req.ItemID)
	default:
		err = errors.NewInvalidRequestError("item_id or kind \"long\" is required")
	}
	if err != nil {
		handleError(w, s.logger, err, "failed to create job")
		return
	}

	s.pulseLog.Infow("Job created via API", logger.FieldJobID, job.ID, "kind", job.Kind, logger.FieldItemID, job.ItemID)
	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) createShortJob(ctx context.Context, itemID string) (*async.Job, error) {
	item, err := s.bank.Schedule(ctx, itemID)
	if err != nil {
		return nil, err
	}

	payload, err := publish.Encode(publish.ShortPayload{})
	if err != nil {
		s.releaseItem(ctx, item.ID)
		return nil, err
	}
	job, err := s.queue.CreateWith(ctx, async.JobSpec{
		Kind:     async.KindShort,
		Category: item.Category,
		ItemID:   item.ID,
		Payload:  payload,
		Message:  "Queued: " + item.Title,
	}, func(tx *sql.Tx, job *async.Job) error {
		return s.bank.LinkJobTx(ctx, tx, item.ID, job.ID)
	})
	if err != nil {
		s.releaseItem(ctx, item.ID)
		return nil, errors.Wrap(err, "failed to create short job")
	}
	if _, err := s.pool.Submit(job); err != nil {
		s.pulseLog.Warnw("Failed to submit job, leaving it pending", logger.FieldJobID, job.ID, logger.FieldError, err)
	}
	return job, nil
}

// releaseItem returns an explicitly scheduled item whose job was never created
func (s *Server) releaseItem(ctx context.Context, id string) {
	if err := s.bank.Release(ctx, id, false); err != nil {
		s.logger.Errorw("Failed to release work item", logger.FieldItemID, id, logger.FieldError, err)
	}
}

// HandleListJobs handles GET /jobs?status=&kind=&limit=
func (s *Server) HandleListJobs(w http.ResponseWriter, r *http.Request) {
	filter := async.ListFilter{
		Kind:  r.URL.Query().Get("kind"),
		Limit: parseIntQueryParam(r, "limit", defaultJobLimit, 1, maxJobLimit),
	}
	if raw := r.URL.Query().Get("status"); raw != "" {
		for _, status := range strings.Split(raw, ",") {
			if !async.IsValidStatus(status) {
				writeError(w, http.StatusBadRequest, "Unknown status: "+status)
				return
			}
			filter.Statuses = append(filter.Statuses, async.JobStatus(status))
		}
	}

	jobs, err := s.queue.List(r.Context(), filter)
	if err != nil {
		handleError(w, s.logger, err, "failed to list jobs")
		return
	}
	if jobs == nil {
		jobs = []*async.Job{}
	}
	writeJSON(w, http.StatusOK, JobListResponse{Jobs: jobs, Count: len(jobs)})
}

// HandleGetJob handles GET /jobs/{id}
func (s *Server) HandleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.queue.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		handleError(w, s.logger, err, "failed to get job")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// HandleDeleteJob handles DELETE /jobs/{id}. A running job cannot be deleted.
func (s *Server) HandleDeleteJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.queue.Delete(r.Context(), id); err != nil {
		handleError(w, s.logger, err, "failed to delete job")
		return
	}
	s.pulseLog.Infow("Job deleted via API", logger.FieldJobID, id)
	w.WriteHeader(http.StatusNoContent)
}

// HandleClearJobs handles DELETE /jobs: every terminal job is removed, or
// with ?older_than=7d only those not updated within that age
func (s *Server) HandleClearJobs(w http.ResponseWriter, r *http.Request) {
	var cleared []string
	var err error
	if raw := r.URL.Query().Get("older_than"); raw != "" {
		age, perr := util.ParseAge(raw)
		if perr != nil {
			handleError(w, s.logger, perr, "invalid older_than")
			return
		}
		cleared, err = s.queue.Prune(r.Context(), age)
	} else {
		cleared, err = s.queue.ClearTerminal(r.Context())
	}
	if err != nil {
		handleError(w, s.logger, err, "failed to clear jobs")
		return
	}
	if cleared == nil {
		cleared = []string{}
	}
	s.pulseLog.Infow("Terminal jobs cleared via API", logger.FieldCount, len(cleared))
	writeJSON(w, http.StatusOK, ClearResponse{Cleared: cleared, Count: len(cleared)})
}

// HandleRetryJob handles POST /jobs/{id}/retry: failed → pending, then resubmitted
func (s *Server) HandleRetryJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.queue.Transition(r.Context(), r.PathValue("id"), async.Retry())
	if err != nil {
		handleError(w, s.logger, err, "failed to retry job")
		return
	}
	if _, err := s.pool.Submit(job); err != nil {
		handleError(w, s.logger, err, "failed to resubmit job")
		return
	}
	s.pulseLog.Infow("Job retried via API", logger.FieldJobID, job.ID, "retry_count", job.RetryCount)
	writeJSON(w, http.StatusOK, job)
}

// HandleCancelJob handles POST /jobs/{id}/cancel. Only pending jobs can be cancelled.
func (s *Server) HandleCancelJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.queue.Transition(r.Context(), r.PathValue("id"), async.Cancel())
	if err != nil {
		handleError(w, s.logger, err, "failed to cancel job")
		return
	}
	s.pulseLog.Infow("Job cancelled via API", logger.FieldJobID, job.ID)
	writeJSON(w, http.StatusOK, job)
}
