package async

import (
	"database/sql"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	qtest "github.com/teranos/meridian/internal/testing"
)

// recorder is a Notifier that keeps every notification
type recorder struct {
	mu    sync.Mutex
	notes []Notification
}

func (r *recorder) Notify(n Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, n)
}

func (r *recorder) events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.notes))
	for i, n := range r.notes {
		out[i] = n.Event
	}
	return out
}

func (r *recorder) progress(jobID string) []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []int
	for _, n := range r.notes {
		if n.Job != nil && n.Job.ID == jobID && n.Job.Status == JobStatusRunning {
			out = append(out, n.Job.Progress)
		}
	}
	return out
}

func qtestDB(t *testing.T) *sql.DB {
	return qtest.CreateTestDB(t)
}

func newTestQueue(t *testing.T) (*Queue, *recorder) {
	t.Helper()
	q := NewQueue(qtestDB(t), zaptest.NewLogger(t).Sugar(), WithQueueClock(steppingClock(testNow)))
	rec := &recorder{}
	q.AddNotifier(rec)
	return q, rec
}

// steppingClock returns start, then advances one millisecond per call so
// creation order is total
func steppingClock(start time.Time) func() time.Time {
	var mu sync.Mutex
	next := start
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now := next
		next = next.Add(time.Millisecond)
		return now
	}
}
