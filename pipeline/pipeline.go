// Package pipeline defines the external collaborators the orchestrator drives:
// artifact generation, publishing and idea backfill.
//
// Each collaborator is an interface. Command runs a configured program per
// call; Simulated stands in for development and tests.
package pipeline

import (
	"context"
	"encoding/json"
	"time"
)

// Request asks the generator for one artifact
type Request struct {
	JobID           string          `json:"job_id"`
	Kind            string          `json:"kind"` // "short" or "long"
	Category        string          `json:"category"`
	Title           string          `json:"title,omitempty"`
	Description     string          `json:"description,omitempty"`
	Payload         json.RawMessage `json:"payload,omitempty"` // work item payload, opaque here
	DurationSeconds int             `json:"duration_seconds,omitempty"`
	Track           string          `json:"track,omitempty"`
	Hints           []string        `json:"hints,omitempty"`
}

// Artifact is a generated, uploadable output
type Artifact struct {
	Path            string   `json:"path"`
	Title           string   `json:"title"`
	Description     string   `json:"description,omitempty"`
	Tags            []string `json:"tags,omitempty"`
	DurationSeconds int      `json:"duration_seconds,omitempty"`
}

// ProgressFunc receives generation progress (0..100)
type ProgressFunc func(pct int, message string)

// UploadOptions controls how an artifact is published
type UploadOptions struct {
	Privacy      string     `json:"privacy"`                // "private" until PublishAt, or "public"
	PublishAt    *time.Time `json:"publish_at,omitempty"`   // explicit publish time
	AutoSchedule bool       `json:"auto_schedule,omitempty"` // let the publisher pick the next free date
}

// Upload is the publisher's receipt
type Upload struct {
	VideoID     string     `json:"video_id"`
	URL         string     `json:"url"`
	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
}

// Idea is a backfilled work item
type Idea struct {
	Category    string          `json:"category"`
	Title       string          `json:"title"`
	Description string          `json:"description,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// Generator produces artifacts. It is slow and may fail.
type Generator interface {
	Generate(ctx context.Context, req Request, progress ProgressFunc) (*Artifact, error)
}

// Publisher uploads artifacts and reports already committed publish dates.
// Dates reported without a time of day are civil dates in loc.
type Publisher interface {
	Upload(ctx context.Context, artifact *Artifact, opts UploadOptions) (*Upload, error)
	CommittedDates(ctx context.Context, loc *time.Location) ([]time.Time, error)
}

// Backfiller invents new work items when the bank runs dry
type Backfiller interface {
	Backfill(ctx context.Context, count int, categories []string) ([]Idea, error)
}
