package server

import (
	"context"
	"database/sql"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/meridian/am"
	"github.com/teranos/meridian/calendar"
	"github.com/teranos/meridian/catalog"
	"github.com/teranos/meridian/errors"
	"github.com/teranos/meridian/ideabank"
	"github.com/teranos/meridian/pipeline"
	"github.com/teranos/meridian/publish"
	"github.com/teranos/meridian/pulse/async"
	"github.com/teranos/meridian/pulse/bus"
	"github.com/teranos/meridian/pulse/schedule"
	"github.com/teranos/meridian/rotation"
)

// categoryNames resolves the rotation order from the catalog file or the inline list
func categoryNames(cfg am.CatalogConfig) ([]string, error) {
	cat, err := catalog.Resolve(cfg.Path, cfg.Categories)
	if err != nil {
		return nil, err
	}
	names := cat.Names()
	if len(names) == 0 {
		return nil, errors.WithHint(errors.ErrNoCategories, "enable at least one category in the catalog")
	}
	return names, nil
}

// NewFromConfig builds every component from cfg and wires them into a server.
// Nothing runs until Start.
func NewFromConfig(ctx context.Context, database *sql.DB, cfg *am.Config, log *zap.SugaredLogger) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	names, err := categoryNames(cfg.Catalog)
	if err != nil {
		return nil, err
	}
	bank, err := ideabank.NewStore(database, names, log)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create work-item store")
	}
	ledger := calendar.NewStore(database, log)

	collaborators, err := pipeline.FromConfig(cfg.Pipeline, log)
	if err != nil {
		return nil, err
	}

	slotCfg, err := schedule.SlotTickerConfigFrom(cfg.Autopublish)
	if err != nil {
		return nil, err
	}
	bufferCfg, err := schedule.BufferTickerConfigFrom(cfg.Longform)
	if err != nil {
		return nil, err
	}

	queue := async.NewQueue(database, log)
	events := bus.New(bus.Config{
		Buffer:       cfg.Events.SubscriberBuffer,
		PingInterval: time.Duration(cfg.Events.PingIntervalSeconds) * time.Second,
	}, log)
	queue.AddNotifier(events)

	registry := async.NewHandlerRegistry()
	registry.Register(publish.NewShortHandler(bank, collaborators.Shorts, collaborators.Publisher, ledger, slotCfg.Slots.Location, log))
	registry.Register(publish.NewLongHandler(collaborators.Longform, collaborators.Publisher, ledger, bufferCfg.Location, log))

	pool := async.NewWorkerPool(ctx, queue, registry, async.WorkerPoolConfig{
		Workers:         cfg.Pulse.Workers,
		ShutdownTimeout: time.Duration(cfg.Pulse.ShutdownTimeoutSeconds) * time.Second,
	}, log)

	state := schedule.NewStateStore(database)
	done := schedule.NewDoneSet(database, cfg.Autopublish.DoneSetLimit)
	slots := schedule.NewSlotTicker(ctx, bank, queue, pool, collaborators.Backfiller, done, state, slotCfg, log)
	buffer := schedule.NewBufferTicker(ctx, queue, pool, collaborators.Publisher, bank,
		rotation.NewStore(database), state, bufferCfg, log)

	var watcher *am.ConfigWatcher
	if path := am.ActiveConfigPath(); path != "" {
		watcher, err = am.NewConfigWatcher(path, log.Named("config"))
		if err != nil {
			log.Warnw("Config hot reload disabled", "path", path, "error", err)
			watcher = nil
		}
	}

	return New(ctx, Deps{
		DB:      database,
		Queue:   queue,
		Pool:    pool,
		Bus:     events,
		Bank:    bank,
		Ledger:  ledger,
		Slots:   slots,
		Buffer:  buffer,
		Watcher: watcher,
	}, *cfg, log), nil
}
