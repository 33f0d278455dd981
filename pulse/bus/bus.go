// Package bus fans job notifications out to live observers.
//
// Delivery is best effort: every subscriber owns a buffered channel and a
// notification that does not fit is dropped for that subscriber only. A new
// subscriber's first message is an init snapshot of every job, taken inside the
// job store's critical section so no mutation falls between the snapshot and
// the stream.
package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teranos/meridian/errors"
	"github.com/teranos/meridian/logger"
	"github.com/teranos/meridian/pulse/async"
)

// Stream-only event names. Mutation events reuse the async.Event* names.
const (
	EventInit = "init"
	EventPing = "ping"
)

// DefaultBuffer is the per-subscriber channel capacity
const DefaultBuffer = 100

// Message is one event on the stream
type Message struct {
	Event     string       `json:"event"`
	Job       *async.Job   `json:"job,omitempty"`
	Jobs      []*async.Job `json:"jobs,omitempty"`
	JobIDs    []string     `json:"job_ids,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}

// Snapshotter is the job store the bus takes its init snapshot from
type Snapshotter interface {
	WithSnapshot(ctx context.Context, fn func(jobs []*async.Job)) error
}

// Subscription is one observer's channel
type Subscription struct {
	ID      string
	C       <-chan Message
	ch      chan Message
	dropped atomic.Uint64
}

// Dropped returns how many messages this subscriber missed
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Config configures a Bus
type Config struct {
	Buffer       int           // per-subscriber capacity
	PingInterval time.Duration // keep-alive period; zero disables pings
}

// Bus implements async.Notifier
type Bus struct {
	mu      sync.Mutex
	subs    map[string]*Subscription
	cfg     Config
	now     func() time.Time
	dropped atomic.Uint64
	logger  *zap.SugaredLogger
}

// New creates an event bus
func New(cfg Config, log *zap.SugaredLogger) *Bus {
	if cfg.Buffer < 1 {
		cfg.Buffer = DefaultBuffer
	}
	return &Bus{
		subs:   make(map[string]*Subscription),
		cfg:    cfg,
		now:    time.Now,
		logger: logger.AddPulseSymbol(log),
	}
}

// Notify implements async.Notifier
func (b *Bus) Notify(n async.Notification) {
	b.Publish(Message{Event: n.Event, Job: n.Job, JobIDs: n.JobIDs})
}

// Publish sends msg to every subscriber without blocking
func (b *Bus) Publish(msg Message) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = b.now().UTC()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.subs {
		select {
		case sub.ch <- msg:
		default:
			sub.dropped.Add(1)
			b.dropped.Add(1)
		}
	}
}

// Subscribe registers a new observer. Its channel starts with the init message.
func (b *Bus) Subscribe(ctx context.Context, src Snapshotter) (*Subscription, error) {
	ch := make(chan Message, b.cfg.Buffer)
	sub := &Subscription{ID: uuid.NewString(), C: ch, ch: ch}

	err := src.WithSnapshot(ctx, func(jobs []*async.Job) {
		if jobs == nil {
			jobs = []*async.Job{}
		}
		// The channel is empty, so init always fits
		ch <- Message{Event: EventInit, Jobs: jobs, Timestamp: b.now().UTC()}

		b.mu.Lock()
		b.subs[sub.ID] = sub
		b.mu.Unlock()
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to subscribe")
	}

	b.logger.Debugw("Subscriber added", "subscriber", sub.ID)
	return sub, nil
}

// Unsubscribe removes sub and closes its channel. Safe to call twice.
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub.ID]; !ok {
		return
	}
	delete(b.subs, sub.ID)
	close(sub.ch)

	if d := sub.Dropped(); d > 0 {
		b.logger.Infow("Subscriber removed after dropping messages", "subscriber", sub.ID, "dropped", d)
	}
}

// Subscribers returns the number of live subscriptions
func (b *Bus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Dropped returns the total number of dropped messages across subscribers
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Ping publishes a keep-alive
func (b *Bus) Ping() {
	b.Publish(Message{Event: EventPing})
}

// Start publishes pings until ctx is cancelled. Run it in its own goroutine.
func (b *Bus) Start(ctx context.Context) {
	if b.cfg.PingInterval <= 0 {
		return
	}
	ticker := time.NewTicker(b.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.Ping()
		}
	}
}

// Close unsubscribes everyone
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
}
