package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/teranos/meridian/errors"
	"github.com/teranos/meridian/logger"
)

// startBackgroundServices starts the executor, both cadences, the event
// pings and the config watcher
func (s *Server) startBackgroundServices() {
	// Nothing dispatches yet, so an item scheduled without a job was stranded by a crash
	if _, err := s.bank.ReleaseOrphans(s.ctx); err != nil {
		s.logger.Warnw("Failed to release orphaned work items", logger.FieldError, err)
	}

	// The pool recovers orphaned running jobs before the schedulers can submit
	s.pool.Start()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.events.Start(s.ctx)
	}()

	s.slots.Start()
	s.buffer.Start()

	if s.watcher != nil {
		s.watcher.Start()
	}
}

// Start launches background services and serves HTTP on port until Stop.
// It returns http.ErrServerClosed after a graceful shutdown.
func (s *Server) Start(port int) error {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return errors.Wrapf(err, "failed to listen on port %d", port)
	}
	return s.Serve(listener)
}

// Serve is Start on an existing listener
func (s *Server) Serve(listener net.Listener) error {
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("server already started")
	}
	s.startBackgroundServices()

	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return s.ctx },
	}

	logger.AddPulseOpenSymbol(s.logger).Infow("Server ready",
		"addr", listener.Addr().String(),
		"workers", s.pool.Workers())
	return s.httpServer.Serve(listener)
}

// Stop drains HTTP, stops the schedulers, then the executor. Stopping order
// is the reverse of startup so no scheduler submits into a stopped pool.
func (s *Server) Stop() error {
	closeLog := logger.AddPulseCloseSymbol(s.logger)
	closeLog.Infow("Initiating server shutdown")
	s.setState(ServerStateDraining)

	var shutdownErr error
	if s.httpServer != nil {
		// Streams end when the server context is cancelled, so cancel first
		s.cancel()
		ctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(ctx); err != nil {
			shutdownErr = errors.Wrap(err, "HTTP shutdown")
		}
	}
	s.cancel()
	s.events.Close()

	if s.watcher != nil && s.started.Load() {
		if err := s.watcher.Stop(); err != nil {
			closeLog.Warnw("Failed to stop config watcher", "error", err)
		}
	}
	s.slots.Stop()
	s.buffer.Stop()
	s.pool.Stop()

	s.wg.Wait()
	s.setState(ServerStateStopped)
	closeLog.Infow("Server shutdown complete", "events_dropped", s.events.Dropped())
	return shutdownErr
}
