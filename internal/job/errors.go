package job

import (
	"errors"
	"fmt"
)

// Error codes carried on the wire so clients can react without parsing
// human-readable messages.
const (
	CodeValidation  = "VALIDATION"
	CodeCircuitOpen = "CIRCUIT_OPEN"
	CodeQueueFull   = "QUEUE_FULL"
	CodeQuota       = "QUOTA_EXCEEDED"
	CodeInternal    = "INTERNAL"
	CodeTimeout     = "TIMEOUT"
	CodeExecution   = "EXECUTION"
)

// Retryable admission rejections. The caller should back off and retry;
// nothing was enqueued and no quota was charged.
var (
	ErrCircuitOpen   = errors.New("generation temporarily unavailable, try again shortly")
	ErrQueueFull     = errors.New("execution queue is full, try again shortly")
	ErrQuotaExceeded = errors.New("daily job quota exceeded")
	ErrNotFound      = errors.New("job not found")
)

// ValidationError is a non-retryable client error: the request itself is bad.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// Validation builds a ValidationError for a field.
func Validation(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// IsValidation reports whether err is a request-validation failure.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// Error is the terminal error recorded on a failed job.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Code maps an admission error to its wire code.
func Code(err error) string {
	switch {
	case IsValidation(err):
		return CodeValidation
	case errors.Is(err, ErrCircuitOpen):
		return CodeCircuitOpen
	case errors.Is(err, ErrQueueFull):
		return CodeQueueFull
	case errors.Is(err, ErrQuotaExceeded):
		return CodeQuota
	default:
		return CodeInternal
	}
}
