package pipeline

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/teranos/meridian/errors"
)

// simulatedSteps are the progress points a simulated generation walks through
var simulatedSteps = []struct {
	pct     int
	message string
}{
	{10, "Preparing scenes"},
	{35, "Rendering images"},
	{60, "Compositing"},
	{85, "Mixing audio"},
	{100, "Encoding"},
}

// Simulated is an in-process Generator, Publisher and Backfiller. Each
// generation step sleeps StepDelay plus up to Jitter, so executor and
// scheduler behavior can be exercised without the real pipeline.
type Simulated struct {
	StepDelay time.Duration
	Jitter    time.Duration
	// FailGenerate, when set, is returned by every Generate call
	FailGenerate error
	// FailUpload, when set, is returned by every Upload call
	FailUpload error

	mu        sync.Mutex
	rng       *rand.Rand
	committed []time.Time
	uploads   int
	ideas     int
	now       func() time.Time
}

// NewSimulated creates a simulated pipeline with the given step delay
func NewSimulated(stepDelay time.Duration) *Simulated {
	return &Simulated{
		StepDelay: stepDelay,
		Jitter:    stepDelay / 2,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		now:       time.Now,
	}
}

// SetClock overrides time.Now for auto-scheduled uploads
func (s *Simulated) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Commit records a publish date as if it had been uploaded earlier
func (s *Simulated) Commit(dates ...time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.committed = append(s.committed, dates...)
}

// Uploads returns how many uploads succeeded
func (s *Simulated) Uploads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.uploads
}

func (s *Simulated) delay() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.StepDelay
	if s.Jitter > 0 {
		d += time.Duration(s.rng.Int63n(int64(s.Jitter)))
	}
	return d
}

// Generate implements Generator
func (s *Simulated) Generate(ctx context.Context, req Request, progress ProgressFunc) (*Artifact, error) {
	for _, step := range simulatedSteps {
		select {
		case <-ctx.Done():
			return nil, errors.Wrap(ctx.Err(), "simulated generation interrupted")
		case <-time.After(s.delay()):
		}
		if s.FailGenerate != nil && step.pct >= 60 {
			return nil, s.FailGenerate
		}
		if progress != nil {
			progress(step.pct, step.message)
		}
	}

	title := req.Title
	if title == "" {
		title = fmt.Sprintf("%s %s", req.Category, req.Kind)
	}
	return &Artifact{
		Path:            fmt.Sprintf("sim/%s.mp4", req.JobID),
		Title:           title,
		Description:     req.Description,
		Tags:            []string{req.Category},
		DurationSeconds: req.DurationSeconds,
	}, nil
}

// Upload implements Publisher. Auto-scheduled uploads take the day after the
// latest commitment.
func (s *Simulated) Upload(ctx context.Context, artifact *Artifact, opts UploadOptions) (*Upload, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.FailUpload != nil {
		return nil, s.FailUpload
	}
	if artifact == nil || artifact.Path == "" {
		return nil, errors.NewInvalidRequestError("artifact path is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var at *time.Time
	switch {
	case opts.PublishAt != nil:
		t := *opts.PublishAt
		at = &t
	case opts.AutoSchedule:
		t := s.nextFreeDayLocked()
		at = &t
	}
	if at != nil {
		s.committed = append(s.committed, *at)
	}

	s.uploads++
	id := uuid.NewString()[:11]
	return &Upload{
		VideoID:     id,
		URL:         "https://sim.invalid/watch?v=" + id,
		ScheduledAt: at,
	}, nil
}

func (s *Simulated) nextFreeDayLocked() time.Time {
	next := s.now().AddDate(0, 0, 1)
	for _, d := range s.committed {
		if !d.Before(next) {
			next = d.AddDate(0, 0, 1)
		}
	}
	return next
}

// CommittedDates implements Publisher. Simulated commitments are instants, so loc is unused.
func (s *Simulated) CommittedDates(ctx context.Context, loc *time.Location) ([]time.Time, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := append([]time.Time(nil), s.committed...)
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out, nil
}

// Backfill implements Backfiller, spreading count ideas round-robin over categories
func (s *Simulated) Backfill(ctx context.Context, count int, categories []string) ([]Idea, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(categories) == 0 {
		return nil, errors.ErrNoCategories
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ideas := make([]Idea, 0, count)
	for i := 0; i < count; i++ {
		s.ideas++
		category := categories[i%len(categories)]
		ideas = append(ideas, Idea{
			Category: category,
			Title:    fmt.Sprintf("%s idea #%d", category, s.ideas),
		})
	}
	return ideas, nil
}
