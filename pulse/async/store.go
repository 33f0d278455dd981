package async

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/teranos/meridian/errors"
)

// Querier is satisfied by *sql.DB and *sql.Tx
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// ListFilter narrows ListJobs
type ListFilter struct {
	Statuses []JobStatus
	Kind     string
	Limit    int // 0 means no limit
}

// CreateJob inserts a new job
func CreateJob(ctx context.Context, q Querier, job *Job) error {
	query := `
		INSERT INTO jobs (
			id, kind, status, progress, message,
			category, item_id, slot_key, payload,
			result, error, retry_count,
			created_at, started_at, completed_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := q.ExecContext(ctx, query,
		job.ID,
		job.Kind,
		job.Status,
		job.Progress,
		job.Message,
		job.Category,
		job.ItemID,
		job.SlotKey,
		nullString(string(job.Payload)),
		job.Result,
		nullString(job.Error),
		job.RetryCount,
		job.CreatedAt.UTC(),
		nullTimePtr(job.StartedAt),
		nullTimePtr(job.CompletedAt),
		job.UpdatedAt.UTC(),
	)
	if err != nil {
		return errors.Wrapf(err, "failed to create job %s", job.ID)
	}
	return nil
}

// GetJob retrieves a job by ID
func GetJob(ctx context.Context, q Querier, id string) (*Job, error) {
	row := q.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("job not found: %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get job")
	}
	return job, nil
}

// UpdateJob writes every mutable field of an existing job
func UpdateJob(ctx context.Context, q Querier, job *Job) error {
	query := `
		UPDATE jobs
		SET status = ?,
		    progress = ?,
		    message = ?,
		    result = ?,
		    error = ?,
		    retry_count = ?,
		    started_at = ?,
		    completed_at = ?,
		    updated_at = ?
		WHERE id = ?
	`

	result, err := q.ExecContext(ctx, query,
		job.Status,
		job.Progress,
		job.Message,
		job.Result,
		nullString(job.Error),
		job.RetryCount,
		nullTimePtr(job.StartedAt),
		nullTimePtr(job.CompletedAt),
		job.UpdatedAt.UTC(),
		job.ID,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to update job %s", job.ID)
	}
	return expectOneRow(result, job.ID)
}

// DeleteJob removes a job
func DeleteJob(ctx context.Context, q Querier, id string) error {
	result, err := q.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return errors.Wrap(err, "failed to delete job")
	}
	return expectOneRow(result, id)
}

func expectOneRow(result sql.Result, id string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return errors.NewNotFoundError("job not found: %s", id)
	}
	return nil
}

// ListJobs returns jobs newest first
func ListJobs(ctx context.Context, q Querier, filter ListFilter) ([]*Job, error) {
	var where []string
	var args []interface{}

	if len(filter.Statuses) > 0 {
		marks := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			marks[i] = "?"
			args = append(args, st)
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}
	if filter.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, filter.Kind)
	}

	query := `SELECT ` + jobColumns + ` FROM jobs`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, id`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list jobs")
	}
	defer rows.Close()

	return scanJobs(rows, "jobs")
}

// OldestPending returns the pending job created first, or nil
func OldestPending(ctx context.Context, q Querier) (*Job, error) {
	row := q.QueryRowContext(ctx, `SELECT `+jobColumns+`
		FROM jobs
		WHERE status = ?
		ORDER BY created_at ASC, id
		LIMIT 1`, JobStatusPending)

	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to find oldest pending job")
	}
	return job, nil
}

// scanJobs drains rows into jobs
func scanJobs(rows *sql.Rows, context string) ([]*Job, error) {
	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan job")
		}
		jobs = append(jobs, job)
	}

	if err := rows.Err(); err != nil {
		return nil, errors.Wrapf(err, "error iterating %s", context)
	}

	return jobs, nil
}

// CountByStatus returns how many jobs sit in each status
func CountByStatus(ctx context.Context, q Querier) (map[JobStatus]int, error) {
	rows, err := q.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to count jobs")
	}
	defer rows.Close()

	counts := make(map[JobStatus]int)
	for rows.Next() {
		var status JobStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, errors.Wrap(err, "failed to scan job count")
		}
		counts[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating job counts")
	}
	return counts, nil
}

// DeleteTerminalBefore removes completed, failed and cancelled jobs last
// updated before cutoff and returns their ids
func DeleteTerminalBefore(ctx context.Context, q Querier, cutoff time.Time) ([]string, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id FROM jobs
		WHERE status IN ('completed', 'failed', 'cancelled')
		  AND updated_at < ?
		ORDER BY updated_at`, cutoff.UTC())
	if err != nil {
		return nil, errors.Wrap(err, "failed to query old jobs")
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, errors.Wrap(err, "failed to scan job id")
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating old jobs")
	}

	for _, id := range ids {
		if err := DeleteJob(ctx, q, id); err != nil {
			return nil, err
		}
	}
	return ids, nil
}
