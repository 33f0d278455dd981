package async

import (
	"database/sql"
	"encoding/json"
	"time"
)

// jobColumns is the column order every job SELECT uses
const jobColumns = `id, kind, status, progress, message, category, item_id, slot_key,
	payload, result, error, retry_count, created_at, started_at, completed_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanJob reads one row in jobColumns order
func scanJob(row rowScanner) (*Job, error) {
	var job Job
	var payload, errMsg sql.NullString
	var startedAt, completedAt sql.NullTime

	err := row.Scan(
		&job.ID,
		&job.Kind,
		&job.Status,
		&job.Progress,
		&job.Message,
		&job.Category,
		&job.ItemID,
		&job.SlotKey,
		&payload,
		&job.Result,
		&errMsg,
		&job.RetryCount,
		&job.CreatedAt,
		&startedAt,
		&completedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if payload.Valid && payload.String != "" {
		job.Payload = json.RawMessage(payload.String)
	}
	if errMsg.Valid {
		job.Error = errMsg.String
	}
	if startedAt.Valid {
		t := startedAt.Time
		job.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		job.CompletedAt = &t
	}
	return &job, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTimePtr(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
