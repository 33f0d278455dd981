// Package server is meridian's HTTP control surface.
//
// It exposes the job store (create, list, retry, cancel, delete), the live
// event stream over SSE and websocket, and the status and toggles of both
// cadences. Handlers are thin: every decision lives in the stores and
// schedulers they call.
package server

import (
	"context"
	"database/sql"
	"net/http"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/teranos/meridian/am"
	"github.com/teranos/meridian/calendar"
	"github.com/teranos/meridian/ideabank"
	"github.com/teranos/meridian/logger"
	"github.com/teranos/meridian/pulse/async"
	"github.com/teranos/meridian/pulse/bus"
	"github.com/teranos/meridian/pulse/schedule"
)

// Deps are the components the server fronts. Watcher may be nil.
type Deps struct {
	DB      *sql.DB
	Queue   *async.Queue
	Pool    *async.WorkerPool
	Bus     *bus.Bus
	Bank    *ideabank.Store
	Ledger  *calendar.Store
	Slots   *schedule.SlotTicker
	Buffer  *schedule.BufferTicker
	Watcher *am.ConfigWatcher
}

// Server serves the REST surface and the event streams
type Server struct {
	db       *sql.DB
	queue    *async.Queue
	pool     *async.WorkerPool
	events   *bus.Bus
	bank     *ideabank.Store
	ledger   *calendar.Store
	slots    *schedule.SlotTicker
	buffer   *schedule.BufferTicker
	watcher  *am.ConfigWatcher
	throttle *mutationThrottle

	cfgMu sync.RWMutex
	cfg   am.Config

	httpServer *http.Server
	logger     *zap.SugaredLogger
	pulseLog   *zap.SugaredLogger // Logger with the pulse symbol pre-attached

	// Lifecycle management
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	state   atomic.Int32
	started atomic.Bool
}

// New wires a server over already constructed components
func New(ctx context.Context, deps Deps, cfg am.Config, log *zap.SugaredLogger) *Server {
	serverCtx, cancel := context.WithCancel(ctx)
	named := log.Named("server")
	s := &Server{
		db:       deps.DB,
		queue:    deps.Queue,
		pool:     deps.Pool,
		events:   deps.Bus,
		bank:     deps.Bank,
		ledger:   deps.Ledger,
		slots:    deps.Slots,
		buffer:   deps.Buffer,
		watcher:  deps.Watcher,
		throttle: newMutationThrottle(cfg.Server.MutationsPerMinute),
		cfg:      cfg,
		logger:   named,
		pulseLog: logger.AddPulseSymbol(named),
		ctx:      serverCtx,
		cancel:   cancel,
	}
	s.state.Store(int32(ServerStateRunning))

	if s.watcher != nil {
		s.watcher.OnReload(s.applyConfig)
	}
	return s
}

// config returns the current configuration
func (s *Server) config() am.Config {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.cfg
}

// applyConfig swaps the hot-reloadable settings: slot times, zone, window,
// backfill pacing, categories, the done-set bound and both toggle defaults
func (s *Server) applyConfig(cfg *am.Config) error {
	slotCfg, err := schedule.SlotTickerConfigFrom(cfg.Autopublish)
	if err != nil {
		return err
	}
	names, err := categoryNames(cfg.Catalog)
	if err != nil {
		return err
	}
	if err := s.bank.SetCategories(names); err != nil {
		return err
	}
	s.slots.Reconfigure(slotCfg)
	s.slots.SetDoneLimit(cfg.Autopublish.DoneSetLimit)
	s.buffer.SetDefaultEnabled(cfg.Longform.Enabled)

	s.cfgMu.Lock()
	s.cfg = *cfg
	s.cfgMu.Unlock()

	s.logger.Infow("Configuration applied",
		"slots", cfg.Autopublish.Slots,
		"timezone", cfg.Autopublish.Timezone,
		"categories", len(names))
	return nil
}

// getState returns the current server state
func (s *Server) getState() ServerState {
	return ServerState(s.state.Load())
}

// setState atomically updates the server state
func (s *Server) setState(newState ServerState) {
	s.state.Store(int32(newState))
	s.logger.Infow("Server state changed", "new_state", newState.String())
}
