package logger

import (
	"context"

	"go.uber.org/zap"
)

// Standard field names for structured logging across meridian.
const (
	// Identity
	FieldJobID     = "job_id"
	FieldItemID    = "item_id"
	FieldEntryID   = "entry_id"
	FieldRequestID = "request_id"

	// Components
	FieldComponent = "component"
	FieldHandler   = "handler"

	// Scheduling
	FieldSlotKey    = "slot_key"
	FieldCategory   = "category"
	FieldBufferDays = "buffer_days"
	FieldDuration   = "duration_seconds"
	FieldTrack      = "track"
	FieldPublishAt  = "publish_at"

	// Timing
	FieldDurationMS = "duration_ms"

	// Errors
	FieldError = "error"

	// Counts
	FieldCount = "count"

	// Status
	FieldStatus   = "status"
	FieldProgress = "progress"
	FieldEvent    = "event"

	// Network
	FieldPath   = "path"
	FieldMethod = "method"
	FieldRemote = "remote"

	// Glyph from package sym
	FieldSymbol = "symbol"
)

type contextKey string

const (
	jobIDKey     contextKey = "logger_job_id"
	requestIDKey contextKey = "logger_request_id"
)

// WithJobID adds a job ID to the context for logging
func WithJobID(ctx context.Context, jobID string) context.Context {
	return context.WithValue(ctx, jobIDKey, jobID)
}

// WithRequestID adds a request ID to the context for logging
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// FieldsFromContext extracts logging fields from context
func FieldsFromContext(ctx context.Context) []interface{} {
	var fields []interface{}

	if jobID, ok := ctx.Value(jobIDKey).(string); ok && jobID != "" {
		fields = append(fields, FieldJobID, jobID)
	}
	if requestID, ok := ctx.Value(requestIDKey).(string); ok && requestID != "" {
		fields = append(fields, FieldRequestID, requestID)
	}

	return fields
}

// FromContext returns base with the job and request IDs carried by ctx attached
func FromContext(ctx context.Context, base *zap.SugaredLogger) *zap.SugaredLogger {
	fields := FieldsFromContext(ctx)
	if len(fields) == 0 {
		return base
	}
	return base.With(fields...)
}
