package server

import (
	"bufio"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/teranos/meridian/errors"
	"github.com/teranos/meridian/internal/util"
	"github.com/teranos/meridian/logger"
)

// Handler returns the HTTP handler with every route registered
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Jobs
	mux.HandleFunc("POST /jobs", s.mutation(s.HandleCreateJob))
	mux.HandleFunc("GET /jobs", s.HandleListJobs)
	mux.HandleFunc("DELETE /jobs", s.mutation(s.HandleClearJobs))
	mux.HandleFunc("GET /jobs/{id}", s.HandleGetJob)
	mux.HandleFunc("DELETE /jobs/{id}", s.mutation(s.HandleDeleteJob))
	mux.HandleFunc("POST /jobs/{id}/retry", s.mutation(s.HandleRetryJob))
	mux.HandleFunc("POST /jobs/{id}/cancel", s.mutation(s.HandleCancelJob))

	// Live event stream
	mux.HandleFunc("GET /events", s.HandleEvents)
	mux.HandleFunc("GET /ws", s.HandleWebSocket)

	// Slot cadence
	mux.HandleFunc("GET /autopublish/status", s.HandleAutopublishStatus)
	mux.HandleFunc("POST /autopublish/toggle", s.mutation(s.HandleAutopublishToggle))
	mux.HandleFunc("GET /autopublish/schedule", s.HandleAutopublishSchedule)

	// Long-form cadence
	mux.HandleFunc("GET /longform/status", s.HandleLongformStatus)
	mux.HandleFunc("GET /longform/preview", s.HandleLongformPreview)
	mux.HandleFunc("POST /longform/toggle", s.mutation(s.HandleLongformToggle))
	mux.HandleFunc("POST /longform/reset", s.mutation(s.HandleLongformReset))

	// Work items and outcomes
	mux.HandleFunc("GET /ideas/stats", s.HandleIdeaStats)
	mux.HandleFunc("POST /ideas/backfill", s.mutation(s.HandleIdeaBackfill))
	mux.HandleFunc("GET /calendar", s.HandleCalendar)

	mux.HandleFunc("GET /health", s.HandleHealth)

	return s.corsMiddleware(s.requestLogger(mux))
}

// corsMiddleware adds CORS headers for configured origins and answers preflights
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.checkOrigin(r) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// checkOrigin accepts requests with no origin and origins matching a
// configured prefix (any port)
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	allowed := s.config().Server.AllowedOrigins
	if len(allowed) == 0 {
		return strings.HasPrefix(origin, "http://localhost") ||
			strings.HasPrefix(origin, "http://127.0.0.1")
	}
	for _, prefix := range allowed {
		if strings.HasPrefix(origin, prefix) {
			return true
		}
	}
	return false
}

// statusRecorder captures the response status for logging
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

// Flush keeps SSE working through the recorder
func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack hands the connection to the websocket upgrader
func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := sr.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	sr.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

// requestLogger tags each request with an id and logs its outcome
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := util.ShortID(uuid.NewString())
		r = r.WithContext(logger.WithRequestID(r.Context(), requestID))

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		log := s.logger.Debugw
		if rec.status >= http.StatusInternalServerError {
			log = s.logger.Warnw
		}
		log("HTTP request",
			logger.FieldRequestID, requestID,
			logger.FieldMethod, r.Method,
			logger.FieldPath, r.URL.Path,
			logger.FieldStatus, rec.status,
			logger.FieldRemote, r.RemoteAddr,
			logger.FieldDurationMS, time.Since(start).Milliseconds())
	})
}

// mutation throttles a state-changing handler per remote address
func (s *Server) mutation(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.throttle.allow(remoteHost(r)) {
			w.Header().Set("Retry-After", "60")
			writeError(w, http.StatusTooManyRequests, "Too many requests")
			return
		}
		if s.getState() != ServerStateRunning {
			writeError(w, http.StatusServiceUnavailable, "Server is shutting down")
			return
		}
		next(w, r)
	}
}
