package server

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// idleLimiterTTL is how long an idle client's limiter is kept
const idleLimiterTTL = 10 * time.Minute

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// mutationThrottle limits state-changing requests per remote address
type mutationThrottle struct {
	mu      sync.Mutex
	clients map[string]*clientLimiter
	limit   rate.Limit
	burst   int
	now     func() time.Time
}

// newMutationThrottle allows perMinute mutations per client. Zero or less disables it.
func newMutationThrottle(perMinute int) *mutationThrottle {
	t := &mutationThrottle{
		clients: make(map[string]*clientLimiter),
		limit:   rate.Inf,
		burst:   1,
		now:     time.Now,
	}
	if perMinute > 0 {
		t.limit = rate.Limit(float64(perMinute) / 60)
		t.burst = perMinute
	}
	return t
}

// allow reports whether the client may mutate now
func (t *mutationThrottle) allow(client string) bool {
	if t.limit == rate.Inf {
		return true
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	for key, c := range t.clients {
		if now.Sub(c.lastSeen) > idleLimiterTTL {
			delete(t.clients, key)
		}
	}

	c, ok := t.clients[client]
	if !ok {
		c = &clientLimiter{limiter: rate.NewLimiter(t.limit, t.burst)}
		t.clients[client] = c
	}
	c.lastSeen = now
	return c.limiter.AllowN(now, 1)
}

// remoteHost strips the port from r.RemoteAddr
func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
