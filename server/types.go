package server

import (
	"time"

	"github.com/teranos/meridian/calendar"
	"github.com/teranos/meridian/ideabank"
	"github.com/teranos/meridian/pulse/async"
	"github.com/teranos/meridian/pulse/schedule"
)

const (
	// ShutdownTimeout is how long Stop waits for HTTP connections to drain
	ShutdownTimeout = 30 * time.Second

	// Time allowed to write a message to a websocket peer
	writeWait = 10 * time.Second
	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second
	// Websocket pings go out with this period (must be less than pongWait)
	pingPeriod = 54 * time.Second
	// Observers never send anything larger than a close frame
	maxMessageSize = 4096

	// Default and max limits for job listing queries
	defaultJobLimit = 50
	maxJobLimit     = 200

	// Default and max number of upcoming slots in /autopublish/schedule
	defaultScheduleSlots = 6
	maxScheduleSlots     = 100
)

// ServerState represents the server lifecycle state
type ServerState int32

const (
	ServerStateRunning  ServerState = iota // Normal operation
	ServerStateDraining                    // Graceful shutdown in progress
	ServerStateStopped                     // Shutdown complete
)

// String returns the human-readable state name
func (s ServerState) String() string {
	switch s {
	case ServerStateRunning:
		return "running"
	case ServerStateDraining:
		return "draining"
	case ServerStateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// CreateJobRequest is the body of POST /jobs. Either ItemID is set (a short
// job for that work item) or Kind is "long" (one forced long-form cycle).
type CreateJobRequest struct {
	ItemID string `json:"item_id,omitempty"`
	Kind   string `json:"kind,omitempty"`
}

// JobListResponse is returned by GET /jobs
type JobListResponse struct {
	Jobs  []*async.Job `json:"jobs"`
	Count int          `json:"count"`
}

// ClearResponse is returned by DELETE /jobs
type ClearResponse struct {
	Cleared []string `json:"cleared"`
	Count   int      `json:"count"`
}

// AutopublishStatus is returned by GET /autopublish/status
type AutopublishStatus struct {
	*schedule.SlotStatus
	Ideas  *ideabank.Stats         `json:"ideas"`
	Jobs   map[async.JobStatus]int `json:"jobs"`
	System async.SystemMetrics     `json:"system"`
	Server string                  `json:"server_state"`
}

// LongformStatus is returned by GET /longform/status
type LongformStatus struct {
	*schedule.BufferStatus
}

// ToggleResponse is returned by POST /autopublish/toggle and POST /longform/toggle
type ToggleResponse struct {
	Enabled bool `json:"enabled"`
}

// ScheduleResponse is returned by GET /autopublish/schedule
type ScheduleResponse struct {
	Timezone string                  `json:"timezone"`
	Slots    []schedule.UpcomingSlot `json:"slots"`
}

// CalendarResponse is returned by GET /calendar
type CalendarResponse struct {
	Entries []*calendar.Entry `json:"entries"`
	Count   int               `json:"count"`
	Stats   *calendar.Stats   `json:"stats"`
}

// HealthResponse is returned by GET /health
type HealthResponse struct {
	Status      string `json:"status"`
	Version     string `json:"version"`
	State       string `json:"state"`
	Workers     int    `json:"workers"`
	Subscribers int    `json:"subscribers"`
	Dropped     uint64 `json:"events_dropped"`
}
