// Package rotation persists named round-robin cursors.
//
// A cursor is a plain integer; every read is taken modulo the current size of
// the collection it rotates over, so adding or removing categories, durations
// or tracks never yields an out-of-range index.
package rotation

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/teranos/meridian/errors"
	"github.com/teranos/meridian/internal/util"
)

// Cursor names
const (
	ShortsCategory   = "shorts.category"
	LongformCategory = "longform.category"
	LongformDuration = "longform.duration"
	LongformTrack    = "longform.track"
)

// Querier is satisfied by *sql.DB and *sql.Tx so cursor reads and writes can
// join a caller's transaction.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Get returns the stored cursor for name, 0 when it has never been written
func Get(ctx context.Context, q Querier, name string) (int, error) {
	var cursor int
	err := q.QueryRowContext(ctx, `SELECT cursor FROM rotation_state WHERE name = ?`, name).Scan(&cursor)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrapf(err, "failed to read cursor %s", name)
	}
	return cursor, nil
}

// Set stores cursor for name
func Set(ctx context.Context, q Querier, name string, cursor int, now time.Time) error {
	if cursor < 0 {
		return errors.Newf("cursor %s cannot be negative (%d)", name, cursor)
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO rotation_state (name, cursor, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET cursor = excluded.cursor, updated_at = excluded.updated_at`,
		name, cursor, now.UTC())
	if err != nil {
		return errors.Wrapf(err, "failed to write cursor %s", name)
	}
	return nil
}

// Position returns the stored cursor reduced modulo n
func Position(ctx context.Context, q Querier, name string, n int) (int, error) {
	if n <= 0 {
		return 0, errors.Newf("cursor %s rotates over an empty collection", name)
	}
	cursor, err := Get(ctx, q, name)
	if err != nil {
		return 0, err
	}
	return util.Mod(cursor, n), nil
}

// Store serializes cursor updates that are not part of a larger transaction
type Store struct {
	db  *sql.DB
	mu  sync.Mutex
	now func() time.Time
}

// NewStore creates a cursor store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Step names a cursor and the size of the collection it rotates over
type Step struct {
	Name string
	Size int
}

// Advance reads each cursor's current index and moves it one step, all in one transaction.
// The returned map holds the indices in effect before the move.
func (s *Store) Advance(ctx context.Context, steps ...Step) (map[string]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin cursor transaction")
	}
	defer tx.Rollback()

	now := s.now()
	current := make(map[string]int, len(steps))
	for _, step := range steps {
		idx, err := Position(ctx, tx, step.Name, step.Size)
		if err != nil {
			return nil, err
		}
		if err := Set(ctx, tx, step.Name, util.Mod(idx+1, step.Size), now); err != nil {
			return nil, err
		}
		current[step.Name] = idx
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "failed to commit cursor advance")
	}
	return current, nil
}

// Peek returns the indices Advance would hand out, without moving anything
func (s *Store) Peek(ctx context.Context, steps ...Step) (map[string]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := make(map[string]int, len(steps))
	for _, step := range steps {
		idx, err := Position(ctx, s.db, step.Name, step.Size)
		if err != nil {
			return nil, err
		}
		current[step.Name] = idx
	}
	return current, nil
}

// Reset zeroes the named cursors
func (s *Store) Reset(ctx context.Context, names ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin cursor reset")
	}
	defer tx.Rollback()

	now := s.now()
	for _, name := range names {
		if err := Set(ctx, tx, name, 0, now); err != nil {
			return err
		}
	}
	return errors.Wrap(tx.Commit(), "failed to commit cursor reset")
}
