package commands

import (
	"context"
	"database/sql"

	"github.com/teranos/meridian/am"
	"github.com/teranos/meridian/calendar"
	"github.com/teranos/meridian/catalog"
	"github.com/teranos/meridian/errors"
	"github.com/teranos/meridian/ideabank"
	"github.com/teranos/meridian/logger"
	"github.com/teranos/meridian/pipeline"
	"github.com/teranos/meridian/pulse/async"
	"github.com/teranos/meridian/pulse/schedule"
	"github.com/teranos/meridian/rotation"
)

// control is the offline view of a meridian database: the same stores the
// server runs on, without the executor or any ticker running. Commands that
// change state here are picked up by a running server on its next poll.
type control struct {
	cfg    *am.Config
	db     *sql.DB
	queue  *async.Queue
	bank   *ideabank.Store
	ledger *calendar.Store
	state  *schedule.StateStore
}

// openControl loads the configuration and opens the database it names
func openControl(dbFlag string) (*control, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	database, err := openDatabase(resolveDBPath(dbFlag, cfg))
	if err != nil {
		return nil, err
	}

	cat, err := catalog.Resolve(cfg.Catalog.Path, cfg.Catalog.Categories)
	if err != nil {
		database.Close()
		return nil, err
	}
	bank, err := ideabank.NewStore(database, cat.Names(), logger.Logger)
	if err != nil {
		database.Close()
		return nil, errors.Wrap(err, "failed to open work-item bank")
	}

	return &control{
		cfg:    cfg,
		db:     database,
		queue:  async.NewQueue(database, logger.Logger),
		bank:   bank,
		ledger: calendar.NewStore(database, logger.Logger),
		state:  schedule.NewStateStore(database),
	}, nil
}

func (c *control) Close() error {
	return c.db.Close()
}

// slotTicker builds a slot scheduler that is never started. It answers
// status and toggle queries and can run a backfill; it never dispatches.
func (c *control) slotTicker(ctx context.Context) (*schedule.SlotTicker, error) {
	cfg, err := schedule.SlotTickerConfigFrom(c.cfg.Autopublish)
	if err != nil {
		return nil, err
	}
	collaborators, err := pipeline.FromConfig(c.cfg.Pipeline, logger.Logger)
	if err != nil {
		return nil, err
	}
	done := schedule.NewDoneSet(c.db, c.cfg.Autopublish.DoneSetLimit)
	return schedule.NewSlotTicker(ctx, c.bank, c.queue, nil, collaborators.Backfiller, done, c.state, cfg, logger.Logger), nil
}

// bufferTicker builds a buffer scheduler that is never started
func (c *control) bufferTicker(ctx context.Context) (*schedule.BufferTicker, error) {
	cfg, err := schedule.BufferTickerConfigFrom(c.cfg.Longform)
	if err != nil {
		return nil, err
	}
	collaborators, err := pipeline.FromConfig(c.cfg.Pipeline, logger.Logger)
	if err != nil {
		return nil, err
	}
	return schedule.NewBufferTicker(ctx, c.queue, nil, collaborators.Publisher, c.bank,
		rotation.NewStore(c.db), c.state, cfg, logger.Logger), nil
}
