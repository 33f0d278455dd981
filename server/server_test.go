package server

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/meridian/am"
	"github.com/teranos/meridian/calendar"
	"github.com/teranos/meridian/ideabank"
	qtest "github.com/teranos/meridian/internal/testing"
	"github.com/teranos/meridian/pipeline"
	"github.com/teranos/meridian/publish"
	"github.com/teranos/meridian/pulse/async"
	"github.com/teranos/meridian/pulse/bus"
	"github.com/teranos/meridian/pulse/schedule"
	"github.com/teranos/meridian/rotation"
)

type serverFixture struct {
	db    *sql.DB
	srv   *Server
	ts    *httptest.Server
	bank  *ideabank.Store
	queue *async.Queue
	sim   *pipeline.Simulated
}

type fixtureOptions struct {
	startPool bool
	mutate    func(*am.Config)
}

func testConfig(t *testing.T) *am.Config {
	t.Helper()
	v := viper.New()
	am.SetDefaults(v)
	cfg, err := am.LoadWithViper(v)
	require.NoError(t, err)
	cfg.Catalog.Categories = []string{"A", "B"}
	cfg.Longform.ShortTracks = []string{"s1", "s2"}
	cfg.Longform.LongTracks = []string{"l1"}
	cfg.Server.MutationsPerMinute = 0
	return cfg
}

func newServerFixture(t *testing.T, opts fixtureOptions) *serverFixture {
	t.Helper()
	database := qtest.CreateTestDB(t)
	log := zaptest.NewLogger(t).Sugar()
	cfg := testConfig(t)
	if opts.mutate != nil {
		opts.mutate(cfg)
	}

	bank, err := ideabank.NewStore(database, cfg.Catalog.Categories, log)
	require.NoError(t, err)
	ledger := calendar.NewStore(database, log)
	sim := pipeline.NewSimulated(0)

	slotCfg, err := schedule.SlotTickerConfigFrom(cfg.Autopublish)
	require.NoError(t, err)
	bufferCfg, err := schedule.BufferTickerConfigFrom(cfg.Longform)
	require.NoError(t, err)

	queue := async.NewQueue(database, log)
	events := bus.New(bus.Config{Buffer: 16}, log)
	queue.AddNotifier(events)

	registry := async.NewHandlerRegistry()
	registry.Register(publish.NewShortHandler(bank, sim, sim, ledger, slotCfg.Slots.Location, log))
	registry.Register(publish.NewLongHandler(sim, sim, ledger, bufferCfg.Location, log))
	pool := async.NewWorkerPool(context.Background(), queue, registry, async.WorkerPoolConfig{
		Workers:         1,
		PollInterval:    20 * time.Millisecond,
		ShutdownTimeout: 2 * time.Second,
	}, log)

	state := schedule.NewStateStore(database)
	slots := schedule.NewSlotTicker(context.Background(), bank, queue, pool, sim,
		schedule.NewDoneSet(database, cfg.Autopublish.DoneSetLimit), state, slotCfg, log)
	buffer := schedule.NewBufferTicker(context.Background(), queue, pool, sim, bank,
		rotation.NewStore(database), state, bufferCfg, log)

	srv := New(context.Background(), Deps{
		DB:     database,
		Queue:  queue,
		Pool:   pool,
		Bus:    events,
		Bank:   bank,
		Ledger: ledger,
		Slots:  slots,
		Buffer: buffer,
	}, *cfg, log)

	if opts.startPool {
		pool.Start()
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.CloseClientConnections()
		srv.Stop()
		ts.Close()
	})

	return &serverFixture{db: database, srv: srv, ts: ts, bank: bank, queue: queue, sim: sim}
}

func (f *serverFixture) do(t *testing.T, method, path string, body interface{}) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, f.ts.URL+path, reader)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func (f *serverFixture) addItem(t *testing.T, category, title string) *ideabank.Item {
	t.Helper()
	items, err := f.bank.Add(context.Background(), ideabank.Draft{Category: category, Title: title})
	require.NoError(t, err)
	return items[0]
}

func (f *serverFixture) waitStatus(t *testing.T, id string, want async.JobStatus) *async.Job {
	t.Helper()
	var job *async.Job
	require.Eventually(t, func() bool {
		j, err := f.queue.Get(context.Background(), id)
		if err != nil {
			return false
		}
		job = j
		return j.Status == want
	}, 5*time.Second, 10*time.Millisecond, "job %s never reached %s", id, want)
	return job
}

func TestHealth(t *testing.T) {
	f := newServerFixture(t, fixtureOptions{})

	resp := f.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var health HealthResponse
	decodeBody(t, resp, &health)
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, "running", health.State)
	assert.Equal(t, 1, health.Workers)
}

func TestUnknownRouteAndMethod(t *testing.T) {
	f := newServerFixture(t, fixtureOptions{})

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/nope", nil).StatusCode)
	assert.Equal(t, http.StatusMethodNotAllowed, f.do(t, http.MethodPut, "/jobs", nil).StatusCode)
}

func TestCORS(t *testing.T) {
	f := newServerFixture(t, fixtureOptions{mutate: func(c *am.Config) {
		c.Server.AllowedOrigins = []string{"https://dash.example"}
	}})

	req, err := http.NewRequest(http.MethodOptions, f.ts.URL+"/jobs", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://dash.example")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "https://dash.example", resp.Header.Get("Access-Control-Allow-Origin"))

	req.Header.Set("Origin", "https://evil.example")
	resp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Empty(t, resp2.Header.Get("Access-Control-Allow-Origin"))
}

func TestMutationThrottle(t *testing.T) {
	f := newServerFixture(t, fixtureOptions{mutate: func(c *am.Config) {
		c.Server.MutationsPerMinute = 2
	}})

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/autopublish/toggle", nil).StatusCode)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/autopublish/toggle", nil).StatusCode)

	resp := f.do(t, http.MethodPost, "/autopublish/toggle", nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "60", resp.Header.Get("Retry-After"))

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/autopublish/status", nil).StatusCode,
		"reads are never throttled")
}

func TestStopDrainsMutations(t *testing.T) {
	f := newServerFixture(t, fixtureOptions{})
	f.srv.setState(ServerStateDraining)

	assert.Equal(t, http.StatusServiceUnavailable, f.do(t, http.MethodPost, "/autopublish/toggle", nil).StatusCode)
	assert.Equal(t, http.StatusServiceUnavailable, f.do(t, http.MethodGet, "/health", nil).StatusCode)
}
