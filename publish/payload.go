// Package publish binds pipeline calls to jobs: generate, upload, then record
// the outcome on the work item and in the calendar.
package publish

import (
	"encoding/json"
	"time"

	"github.com/teranos/meridian/errors"
)

// ShortPayload is the input of a short-form job
type ShortPayload struct {
	// PublishAt is the slot time; nil publishes immediately
	PublishAt *time.Time `json:"publish_at,omitempty"`
}

// LongPayload is the input of a long-form job, fixed when the cycle is planned
type LongPayload struct {
	Category        string    `json:"category"`
	DurationSeconds int       `json:"duration_seconds"`
	Track           string    `json:"track"`
	PublishAt       time.Time `json:"publish_at"`
	BufferDays      int       `json:"buffer_days"`
}

// Encode marshals a payload for async.JobSpec
func Encode(v interface{}) (json.RawMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode job payload")
	}
	return data, nil
}

func decode(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return errors.Wrap(errors.Mark(err, errors.ErrInvalidRequest), "invalid job payload")
	}
	return nil
}

// scaleProgress maps generator progress into [lo, hi] of the job's progress
func scaleProgress(pct, lo, hi int) int {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	return lo + pct*(hi-lo)/100
}
