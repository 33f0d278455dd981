package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/teranos/meridian/calendar"
	"github.com/teranos/meridian/errors"
	"github.com/teranos/meridian/logger"
	"github.com/teranos/meridian/version"
)

// HandleAutopublishStatus handles GET /autopublish/status
func (s *Server) HandleAutopublishStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	slots, err := s.slots.Status(ctx)
	if err != nil {
		handleError(w, s.logger, err, "failed to read slot status")
		return
	}
	ideas, err := s.bank.Stats(ctx)
	if err != nil {
		handleError(w, s.logger, err, "failed to read idea stats")
		return
	}
	counts, err := s.queue.Counts(ctx)
	if err != nil {
		handleError(w, s.logger, err, "failed to count jobs")
		return
	}

	writeJSON(w, http.StatusOK, AutopublishStatus{
		SlotStatus: slots,
		Ideas:      ideas,
		Jobs:       counts,
		System:     s.pool.GetSystemMetrics(ctx),
		Server:     s.getState().String(),
	})
}

// toggler is the durable on/off switch both cadences expose
type toggler interface {
	SetEnabled(ctx context.Context, enabled bool) error
	Toggle(ctx context.Context) (bool, error)
}

// handleToggle applies a body of {"enabled": bool}, or flips the switch on an empty body
func (s *Server) handleToggle(w http.ResponseWriter, r *http.Request, target toggler, what string) {
	var req struct {
		Enabled *bool `json:"enabled"`
	}
	if err := readJSON(w, r, &req); err != nil {
		return
	}

	var (
		enabled bool
		err     error
	)
	if req.Enabled != nil {
		enabled = *req.Enabled
		err = target.SetEnabled(r.Context(), enabled)
	} else {
		enabled, err = target.Toggle(r.Context())
	}
	if err != nil {
		handleError(w, s.logger, err, "failed to toggle "+what)
		return
	}
	writeJSON(w, http.StatusOK, ToggleResponse{Enabled: enabled})
}

// HandleAutopublishToggle handles POST /autopublish/toggle
func (s *Server) HandleAutopublishToggle(w http.ResponseWriter, r *http.Request) {
	s.handleToggle(w, r, s.slots, "autopublish")
}

// HandleLongformToggle handles POST /longform/toggle
func (s *Server) HandleLongformToggle(w http.ResponseWriter, r *http.Request) {
	s.handleToggle(w, r, s.buffer, "long-form")
}

// HandleAutopublishSchedule handles GET /autopublish/schedule?n=
func (s *Server) HandleAutopublishSchedule(w http.ResponseWriter, r *http.Request) {
	n := parseIntQueryParam(r, "n", defaultScheduleSlots, 1, maxScheduleSlots)
	writeJSON(w, http.StatusOK, ScheduleResponse{
		Timezone: s.config().Autopublish.Timezone,
		Slots:    s.slots.NextSlots(n),
	})
}

// HandleLongformStatus handles GET /longform/status
func (s *Server) HandleLongformStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.buffer.Status(r.Context())
	if err != nil {
		handleError(w, s.logger, err, "failed to read long-form status")
		return
	}
	writeJSON(w, http.StatusOK, LongformStatus{BufferStatus: status})
}

// HandleLongformPreview handles GET /longform/preview: the next cycle's
// rotation, cursors untouched
func (s *Server) HandleLongformPreview(w http.ResponseWriter, r *http.Request) {
	plan, err := s.buffer.Preview(r.Context())
	if err != nil {
		handleError(w, s.logger, err, "failed to preview long-form rotation")
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

// HandleLongformReset handles POST /longform/reset
func (s *Server) HandleLongformReset(w http.ResponseWriter, r *http.Request) {
	if err := s.buffer.Reset(r.Context()); err != nil {
		handleError(w, s.logger, err, "failed to reset long-form rotation")
		return
	}
	logger.AddBufferSymbol(s.logger).Infow("Long-form rotation reset via API")
	w.WriteHeader(http.StatusNoContent)
}

// HandleIdeaStats handles GET /ideas/stats
func (s *Server) HandleIdeaStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.bank.Stats(r.Context())
	if err != nil {
		handleError(w, s.logger, err, "failed to read idea stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// HandleIdeaBackfill handles POST /ideas/backfill: ask the backfiller now,
// bypassing the scheduler's rate limit
func (s *Server) HandleIdeaBackfill(w http.ResponseWriter, r *http.Request) {
	added, err := s.slots.Backfill(r.Context())
	if err != nil {
		handleError(w, s.logger, err, "backfill failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"added": added})
}

// HandleCalendar handles GET /calendar?year=&month=. Without both it returns
// the most recent entries.
func (s *Server) HandleCalendar(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("year") == "" && q.Get("month") == "" {
		entries, err := s.ledger.List(r.Context(), parseIntQueryParam(r, "limit", 50, 1, 500))
		if err != nil {
			handleError(w, s.logger, err, "failed to list calendar")
			return
		}
		s.writeCalendar(w, r, entries)
		return
	}

	year, err := strconv.Atoi(q.Get("year"))
	if err != nil {
		handleError(w, s.logger, errors.NewInvalidRequestError("year must be a number"), "")
		return
	}
	month, err := strconv.Atoi(q.Get("month"))
	if err != nil || month < 1 || month > 12 {
		handleError(w, s.logger, errors.NewInvalidRequestError("month must be 1..12"), "")
		return
	}

	entries, err := s.ledger.Month(r.Context(), year, time.Month(month))
	if err != nil {
		handleError(w, s.logger, err, "failed to read calendar month")
		return
	}
	s.writeCalendar(w, r, entries)
}

func (s *Server) writeCalendar(w http.ResponseWriter, r *http.Request, entries []*calendar.Entry) {
	stats, err := s.ledger.Stats(r.Context())
	if err != nil {
		handleError(w, s.logger, err, "failed to count calendar entries")
		return
	}
	if entries == nil {
		entries = []*calendar.Entry{}
	}
	writeJSON(w, http.StatusOK, CalendarResponse{Entries: entries, Count: len(entries), Stats: stats})
}

// HandleHealth handles GET /health
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	health := "ok"
	if err := s.db.PingContext(r.Context()); err != nil {
		status = http.StatusServiceUnavailable
		health = "database unavailable"
	}
	if s.getState() != ServerStateRunning {
		status = http.StatusServiceUnavailable
		health = s.getState().String()
	}

	writeJSON(w, status, HealthResponse{
		Status:      health,
		Version:     version.Get().Short(),
		State:       s.getState().String(),
		Workers:     s.pool.Workers(),
		Subscribers: s.events.Subscribers(),
		Dropped:     s.events.Dropped(),
	})
}
