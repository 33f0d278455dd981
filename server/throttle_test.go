package server

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMutationThrottleAllow(t *testing.T) {
	now := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	throttle := newMutationThrottle(2)
	throttle.now = func() time.Time { return now }

	assert.True(t, throttle.allow("10.0.0.1"))
	assert.True(t, throttle.allow("10.0.0.1"))
	assert.False(t, throttle.allow("10.0.0.1"), "burst spent")
	assert.True(t, throttle.allow("10.0.0.2"), "clients are limited separately")

	now = now.Add(30 * time.Second)
	assert.True(t, throttle.allow("10.0.0.1"), "one token refills every 30s")
	assert.False(t, throttle.allow("10.0.0.1"))

	now = now.Add(idleLimiterTTL + time.Second)
	throttle.allow("10.0.0.3")
	assert.Len(t, throttle.clients, 1, "idle clients are evicted")
}

func TestMutationThrottleDisabled(t *testing.T) {
	throttle := newMutationThrottle(0)
	for i := 0; i < 1000; i++ {
		assert.True(t, throttle.allow("10.0.0.1"))
	}
	assert.Empty(t, throttle.clients)
}

func TestRemoteHost(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "192.0.2.7:51234"
	assert.Equal(t, "192.0.2.7", remoteHost(r))

	r.RemoteAddr = "pipe"
	assert.Equal(t, "pipe", remoteHost(r))
}

func TestCheckOrigin(t *testing.T) {
	s := &Server{}
	s.cfg.Server.AllowedOrigins = nil

	r := httptest.NewRequest("GET", "/ws", nil)
	assert.True(t, s.checkOrigin(r), "non-browser clients send no origin")

	r.Header.Set("Origin", "http://localhost:3000")
	assert.True(t, s.checkOrigin(r))
	r.Header.Set("Origin", "https://example.com")
	assert.False(t, s.checkOrigin(r))

	s.cfg.Server.AllowedOrigins = []string{"https://example.com"}
	assert.True(t, s.checkOrigin(r))
}
