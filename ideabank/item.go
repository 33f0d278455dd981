// Package ideabank is the durable catalog of work items and the round-robin
// selector that hands them to the schedulers.
package ideabank

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/teranos/meridian/errors"
)

// Status of a work item. It only ever moves available -> scheduled -> used.
type Status string

const (
	StatusAvailable Status = "available"
	StatusScheduled Status = "scheduled"
	StatusUsed      Status = "used"
)

// Item is one unit of content potential
type Item struct {
	ID          string          `json:"id"`
	Category    string          `json:"category"`
	Title       string          `json:"title"`
	Description string          `json:"description,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"` // opaque to the orchestrator
	Status      Status          `json:"status"`
	JobID       string          `json:"job_id,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	ScheduledAt *time.Time      `json:"scheduled_at,omitempty"`
	UsedAt      *time.Time      `json:"used_at,omitempty"`
}

// Draft is an item to be added to the bank
type Draft struct {
	Category    string          `json:"category"`
	Title       string          `json:"title"`
	Description string          `json:"description,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// Validate checks a draft before insertion
func (d Draft) Validate() error {
	if strings.TrimSpace(d.Category) == "" {
		return errors.NewInvalidRequestError("work item category is required")
	}
	if strings.TrimSpace(d.Title) == "" {
		return errors.NewInvalidRequestError("work item title is required")
	}
	if len(d.Payload) > 0 && !json.Valid(d.Payload) {
		return errors.NewInvalidRequestError("work item payload for %q is not valid JSON", d.Title)
	}
	return nil
}

// Bank health bands reported next to availability counts
const (
	HealthGood     = "good"
	HealthLow      = "low"
	HealthCritical = "critical"
)

// Health grades the number of available items: good above 20, low above 10, critical otherwise
func Health(available int) string {
	switch {
	case available > 20:
		return HealthGood
	case available > 10:
		return HealthLow
	default:
		return HealthCritical
	}
}
