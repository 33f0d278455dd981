package schedule

import (
	"context"
	"database/sql"
	"strconv"
	"sync"
	"time"

	"github.com/teranos/meridian/errors"
)

// Durable scheduler settings
const (
	KeyAutopublishEnabled    = "autopublish.enabled"
	KeyLongformEnabled       = "longform.enabled"
	KeyLongformTotal         = "longform.total_generated"
	KeyLongformLastGenerated = "longform.last_generated"
	KeyLongformLastPublished = "longform.last_published"
)

// StateStore keeps small scheduler settings in scheduler_state
type StateStore struct {
	db  *sql.DB
	mu  sync.Mutex
	now func() time.Time
}

// NewStateStore creates a state store
func NewStateStore(db *sql.DB) *StateStore {
	return &StateStore{db: db, now: time.Now}
}

type stateQuerier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func (s *StateStore) get(ctx context.Context, q stateQuerier, key string) (string, bool, error) {
	var value string
	err := q.QueryRowContext(ctx, `SELECT value FROM scheduler_state WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrapf(err, "failed to read %s", key)
	}
	return value, true, nil
}

func (s *StateStore) set(ctx context.Context, q stateQuerier, key, value string) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO scheduler_state (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, s.now().UTC())
	return errors.Wrapf(err, "failed to write %s", key)
}

// Bool returns the stored flag, or def when it was never written
func (s *StateStore) Bool(ctx context.Context, key string, def bool) (bool, error) {
	value, ok, err := s.get(ctx, s.db, key)
	if err != nil || !ok {
		return def, err
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return def, errors.Wrapf(err, "corrupt flag %s=%q", key, value)
	}
	return b, nil
}

// SetBool stores a flag
func (s *StateStore) SetBool(ctx context.Context, key string, value bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.set(ctx, s.db, key, strconv.FormatBool(value))
}

// Toggle flips a flag (starting from def) and returns the new value
func (s *StateStore) Toggle(ctx context.Context, key string, def bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, errors.Wrap(err, "failed to begin toggle")
	}
	defer tx.Rollback()

	current := def
	if value, ok, err := s.get(ctx, tx, key); err != nil {
		return false, err
	} else if ok {
		if current, err = strconv.ParseBool(value); err != nil {
			return false, errors.Wrapf(err, "corrupt flag %s=%q", key, value)
		}
	}
	if err := s.set(ctx, tx, key, strconv.FormatBool(!current)); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, errors.Wrap(err, "failed to commit toggle")
	}
	return !current, nil
}

// Int returns a stored counter, 0 when unset
func (s *StateStore) Int(ctx context.Context, key string) (int, error) {
	value, ok, err := s.get(ctx, s.db, key)
	if err != nil || !ok {
		return 0, err
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, errors.Wrapf(err, "corrupt counter %s=%q", key, value)
	}
	return n, nil
}

// Time returns a stored timestamp, nil when unset
func (s *StateStore) Time(ctx context.Context, key string) (*time.Time, error) {
	value, ok, err := s.get(ctx, s.db, key)
	if err != nil || !ok {
		return nil, err
	}
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return nil, errors.Wrapf(err, "corrupt timestamp %s=%q", key, value)
	}
	return &t, nil
}

// Record increments counter and stamps each of timeKeys with at, in one transaction
func (s *StateStore) Record(ctx context.Context, counter string, at time.Time, timeKeys ...string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errors.Wrap(err, "failed to begin record")
	}
	defer tx.Rollback()

	n := 0
	if value, ok, err := s.get(ctx, tx, counter); err != nil {
		return 0, err
	} else if ok {
		if n, err = strconv.Atoi(value); err != nil {
			return 0, errors.Wrapf(err, "corrupt counter %s=%q", counter, value)
		}
	}
	n++
	if err := s.set(ctx, tx, counter, strconv.Itoa(n)); err != nil {
		return 0, err
	}
	stamp := at.UTC().Format(time.RFC3339Nano)
	for _, key := range timeKeys {
		if err := s.set(ctx, tx, key, stamp); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, errors.Wrap(err, "failed to commit record")
	}
	return n, nil
}

// Delete removes keys
func (s *StateStore) Delete(ctx context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range keys {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM scheduler_state WHERE key = ?`, key); err != nil {
			return errors.Wrapf(err, "failed to delete %s", key)
		}
	}
	return nil
}
