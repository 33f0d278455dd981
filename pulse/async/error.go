package async

import (
	"context"
	"strings"

	"github.com/teranos/meridian/errors"
)

// ErrorCode classifies a pipeline failure for logs and the status surface
type ErrorCode string

const (
	ErrorCodeFileNotFound    ErrorCode = "file_not_found"
	ErrorCodeParseError      ErrorCode = "parse_error"
	ErrorCodeNetworkError    ErrorCode = "network_error"
	ErrorCodeUploadError     ErrorCode = "upload_error"
	ErrorCodeValidationError ErrorCode = "validation_error"
	ErrorCodeTimeout         ErrorCode = "timeout"
	ErrorCodeCancelled       ErrorCode = "cancelled"
	ErrorCodePanic           ErrorCode = "panic"
	ErrorCodeUnknown         ErrorCode = "unknown"
)

// ErrorContext is the structured form of a job failure
type ErrorContext struct {
	Stage   string    // Where the error occurred
	Code    ErrorCode // Error classification
	Message string    // Human-readable message, stored as the job error
}

// errHandlerPanic marks failures recovered from a panicking handler
var errHandlerPanic = errors.New("handler panicked")

// ClassifyError categorizes an error based on its type and message
func ClassifyError(stage string, err error) ErrorContext {
	if err == nil {
		return ErrorContext{Stage: stage, Code: ErrorCodeUnknown, Message: "unknown error"}
	}

	ctx := ErrorContext{Stage: stage, Message: err.Error()}
	errLower := strings.ToLower(ctx.Message)

	switch {
	case errors.Is(err, errHandlerPanic):
		ctx.Code = ErrorCodePanic
	case errors.Is(err, context.DeadlineExceeded) || strings.Contains(errLower, "timed out"):
		ctx.Code = ErrorCodeTimeout
	case errors.Is(err, context.Canceled):
		ctx.Code = ErrorCodeCancelled
	case strings.Contains(errLower, "no such file") || strings.Contains(errLower, "file not found"):
		ctx.Code = ErrorCodeFileNotFound
	case strings.Contains(errLower, "upload") || strings.Contains(errLower, "quota"):
		ctx.Code = ErrorCodeUploadError
	case strings.Contains(errLower, "parse") || strings.Contains(errLower, "unmarshal") || strings.Contains(errLower, "invalid json"):
		ctx.Code = ErrorCodeParseError
	case strings.Contains(errLower, "network") || strings.Contains(errLower, "connection"):
		ctx.Code = ErrorCodeNetworkError
	case strings.Contains(errLower, "validation") || strings.Contains(errLower, "invalid"):
		ctx.Code = ErrorCodeValidationError
	default:
		ctx.Code = ErrorCodeUnknown
	}

	return ctx
}
