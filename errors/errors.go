// Package errors provides error handling for meridian.
//
// It re-exports github.com/cockroachdb/errors so every package wraps and
// inspects errors the same way, and it defines the sentinels the HTTP layer
// maps to status codes.
//
//	if err := store.Update(job); err != nil {
//	    return errors.Wrapf(err, "failed to update job %s", job.ID)
//	}
//
//	if errors.Is(err, errors.ErrInvalidTransition) {
//	    // 409
//	}
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

// Creation and wrapping
var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
	Mark         = crdb.Mark
)

// Operator-facing details
var (
	WithHint    = crdb.WithHint
	WithHintf   = crdb.WithHintf
	WithDetail  = crdb.WithDetail
	WithDetailf = crdb.WithDetailf
)

// Inspection
var (
	Is             = crdb.Is
	IsAny          = crdb.IsAny
	As             = crdb.As
	Unwrap         = crdb.Unwrap
	UnwrapAll      = crdb.UnwrapAll
	GetAllHints    = crdb.GetAllHints
	GetAllDetails  = crdb.GetAllDetails
	FlattenHints   = crdb.FlattenHints
	FlattenDetails = crdb.FlattenDetails
)

// Sentinels. Wrap them (or Mark another error with them) to keep errors.Is working.
var (
	// ErrNotFound indicates the requested job, item or entry does not exist
	ErrNotFound = New("not found")

	// ErrInvalidRequest indicates the request was malformed or invalid
	ErrInvalidRequest = New("invalid request")

	// ErrConflict indicates a resource conflict (e.g., duplicate key)
	ErrConflict = New("resource conflict")

	// ErrInvalidTransition indicates a job state change the state machine does not permit.
	// The job is left unchanged.
	ErrInvalidTransition = New("invalid transition")

	// ErrNoCategories indicates the rotation was configured with an empty category list
	ErrNoCategories = New("no categories configured")
)

// IsNotFoundError checks if an error is or wraps ErrNotFound
func IsNotFoundError(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}

// IsInvalidRequestError checks if an error is or wraps ErrInvalidRequest
func IsInvalidRequestError(err error) bool {
	return err != nil && Is(err, ErrInvalidRequest)
}

// IsInvalidTransition checks if an error is or wraps ErrInvalidTransition
func IsInvalidTransition(err error) bool {
	return err != nil && Is(err, ErrInvalidTransition)
}

// NewNotFoundError creates a not-found error with a formatted message
func NewNotFoundError(format string, args ...interface{}) error {
	return Wrap(ErrNotFound, Newf(format, args...).Error())
}

// NewInvalidRequestError creates an invalid-request error with a formatted message
func NewInvalidRequestError(format string, args ...interface{}) error {
	return Wrap(ErrInvalidRequest, Newf(format, args...).Error())
}

// NewInvalidTransitionError reports a rejected state change from one status on an event
func NewInvalidTransitionError(from, event string) error {
	return Wrapf(ErrInvalidTransition, "cannot %s a job in state %s", event, from)
}
