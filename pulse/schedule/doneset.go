package schedule

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/teranos/meridian/errors"
)

// DoneSet is the durable set of serviced slot keys, bounded to the most
// recently marked limit entries.
//
// Eviction is by insertion order. A key older than the newest limit entries is
// forgotten, so the limit must comfortably exceed slots-per-day times the
// longest window; the default of 60 covers a month of two daily slots.
type DoneSet struct {
	db    *sql.DB
	mu    sync.Mutex
	limit int
	now   func() time.Time
}

// NewDoneSet creates a done-set keeping at most limit keys
func NewDoneSet(db *sql.DB, limit int) *DoneSet {
	if limit <= 0 {
		limit = 60
	}
	return &DoneSet{db: db, limit: limit, now: time.Now}
}

// SetLimit changes the bound; it takes effect on the next MarkDone
func (d *DoneSet) SetLimit(limit int) {
	if limit <= 0 {
		return
	}
	d.mu.Lock()
	d.limit = limit
	d.mu.Unlock()
}

// IsDone reports whether key has been serviced
func (d *DoneSet) IsDone(ctx context.Context, key string) (bool, error) {
	var n int
	err := d.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM slot_done WHERE slot_key = ?`, key).Scan(&n)
	if err != nil {
		return false, errors.Wrapf(err, "failed to check slot %s", key)
	}
	return n > 0, nil
}

// MarkDone records key as serviced by jobID and trims the set, in one
// transaction. It returns false when key was already present.
func (d *DoneSet) MarkDone(ctx context.Context, key, jobID string) (bool, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return false, errors.Wrap(err, "failed to begin slot transaction")
	}
	defer tx.Rollback()

	inserted, err := d.MarkDoneTx(ctx, tx, key, jobID)
	if err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, errors.Wrap(err, "failed to commit slot done-set")
	}
	return inserted, nil
}

// MarkDoneTx is MarkDone inside the caller's transaction
func (d *DoneSet) MarkDoneTx(ctx context.Context, tx *sql.Tx, key, jobID string) (bool, error) {
	d.mu.Lock()
	limit := d.limit
	d.mu.Unlock()

	res, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO slot_done (slot_key, job_id, marked_at) VALUES (?, ?, ?)`,
		key, jobID, d.now().UTC())
	if err != nil {
		return false, errors.Wrapf(err, "failed to mark slot %s", key)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to read rows affected")
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM slot_done WHERE seq NOT IN (
			SELECT seq FROM slot_done ORDER BY seq DESC LIMIT ?
		)`, limit); err != nil {
		return false, errors.Wrap(err, "failed to trim slot done-set")
	}
	return inserted == 1, nil
}

// DoneSlot is one serviced slot
type DoneSlot struct {
	Key      string    `json:"key"`
	JobID    string    `json:"job_id"`
	MarkedAt time.Time `json:"marked_at"`
}

// Recent returns up to n serviced slots, newest first
func (d *DoneSet) Recent(ctx context.Context, n int) ([]DoneSlot, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT slot_key, job_id, marked_at FROM slot_done ORDER BY seq DESC LIMIT ?`, n)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list done slots")
	}
	defer rows.Close()

	var out []DoneSlot
	for rows.Next() {
		var s DoneSlot
		if err := rows.Scan(&s.Key, &s.JobID, &s.MarkedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan done slot")
		}
		out = append(out, s)
	}
	return out, errors.Wrap(rows.Err(), "failed to iterate done slots")
}
