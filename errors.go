package triageflow

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Error codes
const (
	ErrCodeValidation    = "VALIDATION_ERROR"
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeDuplicate     = "DUPLICATE_INSTANCE"
	ErrCodeConflict      = "SEQUENCE_CONFLICT"
	ErrCodeTransient     = "TRANSIENT_EXTERNAL"
	ErrCodeTimeout       = "TIMEOUT"
	ErrCodeRateLimited   = "RATE_LIMITED"
	ErrCodePersistence   = "PERSISTENCE_ERROR"
	ErrCodeTerminal      = "TERMINAL_ERROR"
	ErrCodePanic         = "PANIC"
	ErrCodeInternalError = "INTERNAL_ERROR"
)

// Sentinels for errors.Is; matching is by code
var (
	ErrNotFound          = &WorkflowError{Code: ErrCodeNotFound, Message: "not found"}
	ErrDuplicateInstance = &WorkflowError{Code: ErrCodeDuplicate, Message: "instance already exists for email"}
	ErrSequenceConflict  = &WorkflowError{Code: ErrCodeConflict, Message: "checkpoint sequence conflict"}
)

// WorkflowError represents an error raised while driving an instance
type WorkflowError struct {
	Message   string                 `json:"message"`
	Code      string                 `json:"code"`
	Node      string                 `json:"node,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Details   map[string]interface{} `json:"details,omitempty"`

	cause error
}

// Error implements the error interface
func (e *WorkflowError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Code, e.Message)
	if e.Node != "" {
		msg = fmt.Sprintf("%s (node: %s)", msg, e.Node)
	}
	if e.cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.cause)
	}
	return msg
}

// Unwrap returns the underlying cause
func (e *WorkflowError) Unwrap() error {
	return e.cause
}

// Is matches any WorkflowError with the same code
func (e *WorkflowError) Is(target error) bool {
	t, ok := target.(*WorkflowError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// NewWorkflowError creates a new workflow error
func NewWorkflowError(code, message string) *WorkflowError {
	return &WorkflowError{
		Message:   message,
		Code:      code,
		Timestamp: time.Now().UTC(),
	}
}

// WrapError creates a workflow error around a cause
func WrapError(code string, cause error, format string, args ...interface{}) *WorkflowError {
	e := NewWorkflowError(code, fmt.Sprintf(format, args...))
	e.cause = cause
	return e
}

// WithNode sets the node the error originated from
func (e *WorkflowError) WithNode(node string) *WorkflowError {
	e.Node = node
	return e
}

// WithDetails adds details to the error
func (e *WorkflowError) WithDetails(details map[string]interface{}) *WorkflowError {
	e.Details = details
	return e
}

// NewTransientError marks a collaborator failure as retryable.
// code should be one of ErrCodeTransient, ErrCodeTimeout or ErrCodeRateLimited.
func NewTransientError(code string, cause error) *WorkflowError {
	return WrapError(code, cause, "external call failed")
}

// NotFoundError returns an ErrNotFound-compatible error with context
func NotFoundError(format string, args ...interface{}) *WorkflowError {
	return NewWorkflowError(ErrCodeNotFound, fmt.Sprintf(format, args...))
}

// ErrorCode extracts the code from err, or ErrCodeInternalError
func ErrorCode(err error) string {
	var we *WorkflowError
	if errors.As(err, &we) {
		return we.Code
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrCodeTimeout
	}
	return ErrCodeInternalError
}

// toWorkflowError converts any error into a WorkflowError
func toWorkflowError(err error) *WorkflowError {
	if err == nil {
		return nil
	}
	var we *WorkflowError
	if errors.As(err, &we) {
		return we
	}
	return WrapError(ErrorCode(err), err, "unclassified failure")
}

// AsWorkflowError is the exported form of toWorkflowError
func AsWorkflowError(err error) *WorkflowError {
	return toWorkflowError(err)
}

// IsTransient reports whether err is worth retrying
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	switch ErrorCode(err) {
	case ErrCodeTransient, ErrCodeTimeout, ErrCodeRateLimited:
		return true
	}
	return false
}

// IsValidation reports malformed or unauthorized input
func IsValidation(err error) bool {
	code := ErrorCode(err)
	return code == ErrCodeValidation || code == ErrCodeUnauthorized
}

// IsNotFound reports a missing record
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsConflict reports a lost single-writer race
func IsConflict(err error) bool {
	return errors.Is(err, ErrSequenceConflict)
}

// IsPersistence reports a checkpoint or registry write failure
func IsPersistence(err error) bool {
	return ErrorCode(err) == ErrCodePersistence
}

// IsTerminal reports a failure that moved an instance to ERROR
func IsTerminal(err error) bool {
	return ErrorCode(err) == ErrCodeTerminal
}
