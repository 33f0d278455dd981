package ideabank

import (
	"context"
	"database/sql"
	"encoding/json"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teranos/meridian/db"
	"github.com/teranos/meridian/errors"
	"github.com/teranos/meridian/logger"
	"github.com/teranos/meridian/rotation"
)

const itemColumns = `id, category, title, description, payload, status, job_id, created_at, scheduled_at, used_at`

// Store persists work items and the short-form category cursor.
// Every read-modify-write runs under mu and inside one SQL transaction.
type Store struct {
	db         *sql.DB
	mu         sync.Mutex
	categories []string
	rng        *rand.Rand
	now        func() time.Time
	logger     *zap.SugaredLogger
}

// Option configures a Store
type Option func(*Store)

// WithRand sets the random source used to choose among a category's items
func WithRand(rng *rand.Rand) Option {
	return func(s *Store) { s.rng = rng }
}

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore creates a work-item store rotating over categories in the given order.
// An empty category list is a configuration error.
func NewStore(database *sql.DB, categories []string, log *zap.SugaredLogger, opts ...Option) (*Store, error) {
	s := &Store{
		db:     database,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		now:    time.Now,
		logger: logger.AddBankSymbol(log),
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.SetCategories(categories); err != nil {
		return nil, err
	}
	return s, nil
}

// SetCategories replaces the rotation order. The persisted cursor is kept and
// reduced modulo the new size on the next pick.
func (s *Store) SetCategories(categories []string) error {
	cleaned := make([]string, 0, len(categories))
	seen := make(map[string]bool, len(categories))
	for _, c := range categories {
		c = strings.TrimSpace(c)
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		cleaned = append(cleaned, c)
	}
	if len(cleaned) == 0 {
		return errors.WithHint(errors.ErrNoCategories, "set catalog.categories or catalog.path")
	}

	s.mu.Lock()
	s.categories = cleaned
	s.mu.Unlock()
	return nil
}

// Categories returns the rotation order
func (s *Store) Categories() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.categories))
	copy(out, s.categories)
	return out
}

// Add inserts drafts as available items. The batch is all-or-nothing; a draft
// whose category is not in the rotation is rejected.
func (s *Store) Add(ctx context.Context, drafts ...Draft) ([]*Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	known := make(map[string]bool, len(s.categories))
	for _, c := range s.categories {
		known[c] = true
	}
	for _, d := range drafts {
		if err := d.Validate(); err != nil {
			return nil, err
		}
		if !known[d.Category] {
			return nil, errors.NewInvalidRequestError("unknown category %q", d.Category)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin work item insert")
	}
	defer tx.Rollback()

	now := s.now().UTC()
	items := make([]*Item, 0, len(drafts))
	for _, d := range drafts {
		item := &Item{
			ID:          uuid.NewString(),
			Category:    d.Category,
			Title:       d.Title,
			Description: d.Description,
			Payload:     d.Payload,
			Status:      StatusAvailable,
			CreatedAt:   now,
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO work_items (id, category, title, description, payload, status, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			item.ID, item.Category, item.Title, item.Description, nullPayload(item.Payload), item.Status, item.CreatedAt)
		if err != nil {
			if db.IsUniqueViolation(err) {
				return nil, errors.Mark(errors.Wrapf(err, "duplicate work item %s", item.ID), errors.ErrConflict)
			}
			return nil, errors.Wrapf(err, "failed to insert work item %q", item.Title)
		}
		items = append(items, item)
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "failed to commit work items")
	}

	s.logger.Infow("Work items added", logger.FieldCount, len(items))
	return items, nil
}

// Get returns one item
func (s *Store) Get(ctx context.Context, id string) (*Item, error) {
	return getItem(ctx, s.db, id)
}

// ListFilter narrows List
type ListFilter struct {
	Status   Status
	Category string
	Limit    int
}

// List returns items, oldest first
func (s *Store) List(ctx context.Context, filter ListFilter) ([]*Item, error) {
	query := `SELECT ` + itemColumns + ` FROM work_items WHERE 1=1`
	var args []interface{}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, filter.Status)
	}
	if filter.Category != "" {
		query += ` AND category = ?`
		args = append(args, filter.Category)
	}
	query += ` ORDER BY created_at, id`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list work items")
	}
	defer rows.Close()

	var items []*Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, errors.Wrap(rows.Err(), "failed to iterate work items")
}

// PickItem selects the next item by strict round-robin over categories.
//
// Starting at the persisted cursor it scans every category once; the first one
// with an available item wins, one of its items is chosen uniformly at random
// and marked scheduled, and the cursor moves to the slot after the winner.
// Item and cursor are committed together. When no category has an available
// item it returns (nil, nil) and leaves the cursor alone: the caller should
// backfill and try again.
func (s *Store) PickItem(ctx context.Context) (*Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.categories)
	if n == 0 {
		return nil, errors.ErrNoCategories
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin pick")
	}
	defer tx.Rollback()

	cursor, err := rotation.Position(ctx, tx, rotation.ShortsCategory, n)
	if err != nil {
		return nil, err
	}

	for offset := 0; offset < n; offset++ {
		idx := (cursor + offset) % n
		category := s.categories[idx]

		ids, err := availableIDs(ctx, tx, category)
		if err != nil {
			return nil, err
		}
		if len(ids) == 0 {
			continue
		}

		chosen := ids[s.rng.Intn(len(ids))]
		now := s.now().UTC()

		res, err := tx.ExecContext(ctx, `
			UPDATE work_items SET status = ?, scheduled_at = ?
			WHERE id = ? AND status = ?`,
			StatusScheduled, now, chosen, StatusAvailable)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to schedule work item %s", chosen)
		}
		if affected, _ := res.RowsAffected(); affected != 1 {
			return nil, errors.Newf("work item %s changed during pick", chosen)
		}

		if err := rotation.Set(ctx, tx, rotation.ShortsCategory, (idx+1)%n, now); err != nil {
			return nil, err
		}

		item, err := getItem(ctx, tx, chosen)
		if err != nil {
			return nil, err
		}

		if err := tx.Commit(); err != nil {
			return nil, errors.Wrap(err, "failed to commit pick")
		}

		s.logger.Infow("Picked work item",
			logger.FieldItemID, item.ID,
			logger.FieldCategory, category,
			"skipped", offset,
			"next_cursor", (idx+1)%n)
		return item, nil
	}

	s.logger.Debugw("No available work items in any category", "categories", n)
	return nil, nil
}

// LinkJobTx records which job is producing a scheduled item, inside the
// caller's transaction so the link commits together with the job
func (s *Store) LinkJobTx(ctx context.Context, tx *sql.Tx, id, jobID string) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE work_items SET job_id = ? WHERE id = ? AND status = ? AND job_id = ''`,
		jobID, id, StatusScheduled)
	if err != nil {
		return errors.Wrapf(err, "failed to link job to work item %s", id)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to read rows affected")
	}
	if affected != 1 {
		return errors.Wrapf(errors.ErrInvalidTransition, "work item %s is not scheduled and unlinked", id)
	}
	return nil
}

// Release returns a scheduled item that never got a job to the available
// pool. With rewind the short-form cursor moves back to the item's category,
// provided no pick has advanced it since.
func (s *Store) Release(ctx context.Context, id string, rewind bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin release")
	}
	defer tx.Rollback()

	item, err := getItem(ctx, tx, id)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE work_items SET status = ?, scheduled_at = NULL
		WHERE id = ? AND status = ? AND job_id = ''`,
		StatusAvailable, id, StatusScheduled)
	if err != nil {
		return errors.Wrapf(err, "failed to release work item %s", id)
	}
	if affected, _ := res.RowsAffected(); affected != 1 {
		return errors.Wrapf(errors.ErrInvalidTransition, "cannot release work item %s in status %s", id, item.Status)
	}

	if rewind {
		if err := s.rewindTo(ctx, tx, item.Category); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit release")
	}
	s.logger.Infow("Work item released", logger.FieldItemID, id, logger.FieldCategory, item.Category, "rewind", rewind)
	return nil
}

// rewindTo sets the cursor back to category when it still points just past it.
// REQUIRES: s.mu held.
func (s *Store) rewindTo(ctx context.Context, tx *sql.Tx, category string) error {
	n := len(s.categories)
	idx := -1
	for i, c := range s.categories {
		if c == category {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil
	}
	cursor, err := rotation.Position(ctx, tx, rotation.ShortsCategory, n)
	if err != nil {
		return err
	}
	if cursor != (idx+1)%n {
		return nil
	}
	return rotation.Set(ctx, tx, rotation.ShortsCategory, idx, s.now().UTC())
}

// ReleaseOrphans returns every scheduled item without a job to the pool. A
// pick whose job insert never committed leaves such an item behind; it is
// only safe while nothing is dispatching, at startup.
func (s *Store) ReleaseOrphans(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE work_items SET status = ?, scheduled_at = NULL
		WHERE status = ? AND job_id = ''`,
		StatusAvailable, StatusScheduled)
	if err != nil {
		return 0, errors.Wrap(err, "failed to release orphaned work items")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to read rows affected")
	}
	if n > 0 {
		s.logger.Warnw("Released work items left scheduled without a job", logger.FieldCount, n)
	}
	return int(n), nil
}

// MarkUsed moves a scheduled item to used. Used items are never selected again.
func (s *Store) MarkUsed(ctx context.Context, id, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE work_items SET status = ?, used_at = ?, job_id = ?
		WHERE id = ? AND status = ?`,
		StatusUsed, s.now().UTC(), jobID, id, StatusScheduled)
	if err != nil {
		return errors.Wrapf(err, "failed to mark work item %s used", id)
	}
	if err := s.checkTransition(ctx, res, id, "use"); err != nil {
		return err
	}

	s.logger.Debugw("Work item used", logger.FieldItemID, id, logger.FieldJobID, jobID)
	return nil
}

// Schedule moves a specific available item to scheduled, for explicit requests
// that bypass rotation. The cursor is not touched.
func (s *Store) Schedule(ctx context.Context, id string) (*Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE work_items SET status = ?, scheduled_at = ?
		WHERE id = ? AND status = ?`,
		StatusScheduled, s.now().UTC(), id, StatusAvailable)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to schedule work item %s", id)
	}
	if err := s.checkTransition(ctx, res, id, "schedule"); err != nil {
		return nil, err
	}
	return getItem(ctx, s.db, id)
}

// checkTransition turns a zero-row conditional update into not-found or invalid-transition
func (s *Store) checkTransition(ctx context.Context, res sql.Result, id, action string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to read rows affected")
	}
	if affected == 1 {
		return nil
	}
	item, err := getItem(ctx, s.db, id)
	if err != nil {
		return err
	}
	return errors.Wrapf(errors.ErrInvalidTransition, "cannot %s work item %s in status %s", action, id, item.Status)
}

func availableIDs(ctx context.Context, tx *sql.Tx, category string) ([]string, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT id FROM work_items WHERE category = ? AND status = ? ORDER BY created_at, id`,
		category, StatusAvailable)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to query available items for %s", category)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "failed to scan work item id")
		}
		ids = append(ids, id)
	}
	return ids, errors.Wrap(rows.Err(), "failed to iterate available items")
}

type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func getItem(ctx context.Context, q rowQuerier, id string) (*Item, error) {
	row := q.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM work_items WHERE id = ?`, id)
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("work item %s not found", id)
	}
	return item, err
}

func scanItem(row scanner) (*Item, error) {
	var item Item
	var payload sql.NullString
	var scheduledAt, usedAt sql.NullTime

	err := row.Scan(&item.ID, &item.Category, &item.Title, &item.Description, &payload,
		&item.Status, &item.JobID, &item.CreatedAt, &scheduledAt, &usedAt)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to scan work item")
	}

	if payload.Valid && payload.String != "" {
		item.Payload = json.RawMessage(payload.String)
	}
	if scheduledAt.Valid {
		t := scheduledAt.Time
		item.ScheduledAt = &t
	}
	if usedAt.Valid {
		t := usedAt.Time
		item.UsedAt = &t
	}
	return &item, nil
}

func nullPayload(p json.RawMessage) sql.NullString {
	if len(p) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(p), Valid: true}
}
