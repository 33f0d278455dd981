// Package calendar is the outcome ledger: one entry per publish attempt,
// kept for reporting.
package calendar

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teranos/meridian/errors"
	"github.com/teranos/meridian/internal/util"
	"github.com/teranos/meridian/logger"
)

// Status of a calendar entry
type Status string

const (
	StatusGenerating Status = "generating"
	StatusScheduled  Status = "scheduled" // uploaded, goes public at the entry's date and time
	StatusPublished  Status = "published"
	StatusFailed     Status = "failed"
)

// IsValidStatus checks if a string is a valid entry status
func IsValidStatus(s string) bool {
	switch Status(s) {
	case StatusGenerating, StatusScheduled, StatusPublished, StatusFailed:
		return true
	}
	return false
}

const (
	dateLayout = "2006-01-02"
	timeLayout = "15:04"
)

// Entry is one publish attempt
type Entry struct {
	ID              string    `json:"id"`
	Date            string    `json:"date"` // YYYY-MM-DD in the cadence's zone
	Time            string    `json:"time"` // HH:MM
	Kind            string    `json:"kind"`
	Category        string    `json:"category,omitempty"`
	Title           string    `json:"title,omitempty"`
	Status          Status    `json:"status"`
	JobID           string    `json:"job_id,omitempty"`
	ResultURL       string    `json:"result_url,omitempty"`
	Error           string    `json:"error,omitempty"`
	DurationSeconds int       `json:"duration_seconds,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Draft describes a new entry. At is rendered in its own location.
type Draft struct {
	At              time.Time
	Kind            string
	Category        string
	Title           string
	JobID           string
	DurationSeconds int
}

// Patch changes selected fields of an entry
type Patch struct {
	Status    *Status
	ResultURL *string
	Error     *string
	At        *time.Time
}

const entryColumns = `id, date, time, kind, category, title, status, job_id, result_url, error, duration_seconds, created_at, updated_at`

// Store persists calendar entries
type Store struct {
	db     *sql.DB
	mu     sync.Mutex
	now    func() time.Time
	logger *zap.SugaredLogger
}

// NewStore creates a calendar store
func NewStore(db *sql.DB, log *zap.SugaredLogger) *Store {
	return &Store{db: db, now: time.Now, logger: logger.AddLedgerSymbol(log.Named("calendar"))}
}

// WithClock overrides time.Now, for tests
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

// Add records a new attempt in status generating
func (s *Store) Add(ctx context.Context, d Draft) (*Entry, error) {
	if d.Kind == "" {
		return nil, errors.NewInvalidRequestError("calendar entry kind is required")
	}
	if d.At.IsZero() {
		return nil, errors.NewInvalidRequestError("calendar entry time is required")
	}

	now := s.now().UTC()
	e := &Entry{
		ID:              uuid.NewString(),
		Date:            d.At.Format(dateLayout),
		Time:            d.At.Format(timeLayout),
		Kind:            d.Kind,
		Category:        d.Category,
		Title:           d.Title,
		Status:          StatusGenerating,
		JobID:           d.JobID,
		DurationSeconds: d.DurationSeconds,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `INSERT INTO calendar_entries (`+entryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Date, e.Time, e.Kind, e.Category, e.Title, e.Status, e.JobID,
		e.ResultURL, e.Error, e.DurationSeconds, e.CreatedAt, e.UpdatedAt)
	if err != nil {
		return nil, errors.Wrap(err, "failed to add calendar entry")
	}

	s.logger.Debugw("Calendar entry added",
		logger.FieldEntryID, e.ID,
		logger.FieldJobID, e.JobID,
		"date", e.Date, "time", e.Time)
	return e, nil
}

// Update applies a patch in one transaction
func (s *Store) Update(ctx context.Context, id string, p Patch) (*Entry, error) {
	if p.Status != nil && !IsValidStatus(string(*p.Status)) {
		return nil, errors.NewInvalidRequestError("invalid calendar status %q", *p.Status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin calendar update")
	}
	defer tx.Rollback()

	e, err := getEntry(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if p.Status != nil {
		e.Status = *p.Status
	}
	if p.ResultURL != nil {
		e.ResultURL = *p.ResultURL
	}
	if p.Error != nil {
		e.Error = *p.Error
	}
	if p.At != nil {
		e.Date = p.At.Format(dateLayout)
		e.Time = p.At.Format(timeLayout)
	}
	e.UpdatedAt = s.now().UTC()

	_, err = tx.ExecContext(ctx, `
		UPDATE calendar_entries
		SET date = ?, time = ?, status = ?, result_url = ?, error = ?, updated_at = ?
		WHERE id = ?`,
		e.Date, e.Time, e.Status, e.ResultURL, e.Error, e.UpdatedAt, e.ID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to update calendar entry %s", id)
	}
	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "failed to commit calendar update")
	}
	return e, nil
}

// MarkFailed records a failed attempt
func (s *Store) MarkFailed(ctx context.Context, id string, cause error) (*Entry, error) {
	return s.Update(ctx, id, Patch{Status: util.Ptr(StatusFailed), Error: util.Ptr(cause.Error())})
}

// MarkUploaded records a successful upload. A future publish time leaves the
// entry scheduled; otherwise it is published.
func (s *Store) MarkUploaded(ctx context.Context, id, url string, publishAt *time.Time) (*Entry, error) {
	status := StatusPublished
	if publishAt != nil && publishAt.After(s.now()) {
		status = StatusScheduled
	}
	return s.Update(ctx, id, Patch{Status: &status, ResultURL: &url, At: publishAt})
}

// Get returns one entry
func (s *Store) Get(ctx context.Context, id string) (*Entry, error) {
	return getEntry(ctx, s.db, id)
}

// Month returns the entries dated in year/month, in date and time order
func (s *Store) Month(ctx context.Context, year int, month time.Month) ([]*Entry, error) {
	if month < time.January || month > time.December {
		return nil, errors.NewInvalidRequestError("invalid month %d", month)
	}
	prefix := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC).Format("2006-01-")
	return s.query(ctx, `SELECT `+entryColumns+` FROM calendar_entries
		WHERE date LIKE ? ORDER BY date, time, created_at`, prefix+"%")
}

// List returns up to limit entries, newest first
func (s *Store) List(ctx context.Context, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.query(ctx, `SELECT `+entryColumns+` FROM calendar_entries
		ORDER BY created_at DESC, id LIMIT ?`, limit)
}

// ForJob returns the entries written for a job
func (s *Store) ForJob(ctx context.Context, jobID string) ([]*Entry, error) {
	return s.query(ctx, `SELECT `+entryColumns+` FROM calendar_entries
		WHERE job_id = ? ORDER BY created_at`, jobID)
}

// Stats counts entries
type Stats struct {
	Total    int            `json:"total"`
	ByStatus map[Status]int `json:"by_status"`
	ByKind   map[string]int `json:"by_kind"`
}

// Stats counts entries by status and kind
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT kind, status, COUNT(*) FROM calendar_entries GROUP BY kind, status`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to count calendar entries")
	}
	defer rows.Close()

	stats := &Stats{ByStatus: map[Status]int{}, ByKind: map[string]int{}}
	for rows.Next() {
		var kind string
		var status Status
		var n int
		if err := rows.Scan(&kind, &status, &n); err != nil {
			return nil, errors.Wrap(err, "failed to scan calendar counts")
		}
		stats.Total += n
		stats.ByStatus[status] += n
		stats.ByKind[kind] += n
	}
	return stats, errors.Wrap(rows.Err(), "failed to iterate calendar counts")
}

func (s *Store) query(ctx context.Context, query string, args ...interface{}) ([]*Entry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query calendar entries")
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, errors.Wrap(rows.Err(), "failed to iterate calendar entries")
}

type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func getEntry(ctx context.Context, q rowQuerier, id string) (*Entry, error) {
	e, err := scanEntry(q.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM calendar_entries WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("calendar entry %s not found", id)
	}
	return e, err
}

func scanEntry(row scanner) (*Entry, error) {
	var e Entry
	err := row.Scan(&e.ID, &e.Date, &e.Time, &e.Kind, &e.Category, &e.Title, &e.Status,
		&e.JobID, &e.ResultURL, &e.Error, &e.DurationSeconds, &e.CreatedAt, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to scan calendar entry")
	}
	return &e, nil
}
