package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents a chatsync error code.
type ErrorCode string

const (
	ErrInvalidRequest     ErrorCode = "INVALID_REQUEST"     // 400
	ErrNotFound           ErrorCode = "NOT_FOUND"           // 404
	ErrFileNotFound       ErrorCode = "FILE_NOT_FOUND"      // 404
	ErrSelectorMiss       ErrorCode = "SELECTOR_MISS"       // 404
	ErrContextInvalidated ErrorCode = "CONTEXT_INVALIDATED" // 410
	ErrParseFailure       ErrorCode = "PARSE_FAILURE"       // 422
	ErrCancelled          ErrorCode = "CANCELLED"           // 499
	ErrInternal           ErrorCode = "INTERNAL"            // 500
	ErrTransportFailure   ErrorCode = "TRANSPORT_FAILURE"   // 502
)

// SyncError represents a structured error with code, status, and details.
type SyncError struct {
	Code    ErrorCode
	Status  int
	Message string
	Details map[string]any
}

// Error implements the error interface.
func (e *SyncError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewInvalidRequest creates a 400 error for invalid request parameters.
func NewInvalidRequest(msg string) *SyncError {
	return &SyncError{
		Code:    ErrInvalidRequest,
		Status:  400,
		Message: msg,
	}
}

// NewNotFound creates a 404 error for a conversation that has no cache entry.
func NewNotFound(key string) *SyncError {
	return &SyncError{
		Code:    ErrNotFound,
		Status:  404,
		Message: fmt.Sprintf("conversation not found: %s", key),
		Details: map[string]any{"key": key},
	}
}

// NewFileNotFound creates a 404 error for a missing file on disk.
func NewFileNotFound(path string) *SyncError {
	return &SyncError{
		Code:    ErrFileNotFound,
		Status:  404,
		Message: fmt.Sprintf("file not found: %s", path),
		Details: map[string]any{"path": path},
	}
}

// NewSelectorMiss creates a 404 error when no selector in a fallback list matched.
func NewSelectorMiss(platform, field string) *SyncError {
	return &SyncError{
		Code:    ErrSelectorMiss,
		Status:  404,
		Message: fmt.Sprintf("no %s selector matched for %s", field, platform),
		Details: map[string]any{"platform": platform, "field": field},
	}
}

// NewContextInvalidated creates a 410 error for sends on a closed channel.
func NewContextInvalidated() *SyncError {
	return &SyncError{
		Code:    ErrContextInvalidated,
		Status:  410,
		Message: "capture context is no longer attached",
	}
}

// NewParseFailure creates a 422 error for a payload that could not be decoded.
func NewParseFailure(what string, err error) *SyncError {
	msg := fmt.Sprintf("failed to parse %s", what)
	if err != nil {
		msg = fmt.Sprintf("%s: %v", msg, err)
	}
	return &SyncError{
		Code:    ErrParseFailure,
		Status:  422,
		Message: msg,
	}
}

// NewCancelled creates a 499 error for an operation stopped by its context.
func NewCancelled(op string) *SyncError {
	return &SyncError{
		Code:    ErrCancelled,
		Status:  499,
		Message: fmt.Sprintf("%s cancelled", op),
		Details: map[string]any{"operation": op},
	}
}

// NewTransportFailure creates a 502 error for an unreachable or failing backend.
// status is the HTTP status returned by the backend, or 0 if no response arrived.
func NewTransportFailure(endpoint string, status int, err error) *SyncError {
	msg := fmt.Sprintf("%s failed", endpoint)
	switch {
	case err != nil:
		msg = fmt.Sprintf("%s: %v", msg, err)
	case status != 0:
		msg = fmt.Sprintf("%s: HTTP %d", msg, status)
	}
	details := map[string]any{"endpoint": endpoint}
	if status != 0 {
		details["status"] = status
	}
	return &SyncError{
		Code:    ErrTransportFailure,
		Status:  502,
		Message: msg,
		Details: details,
	}
}

// NewInternal creates a 500 error for unexpected internal errors.
func NewInternal(err error) *SyncError {
	msg := "internal error"
	if err != nil {
		msg = err.Error()
	}
	return &SyncError{
		Code:    ErrInternal,
		Status:  500,
		Message: msg,
	}
}

// Is reports whether err, or any error it wraps, is a SyncError with the given code.
func Is(err error, code ErrorCode) bool {
	var sErr *SyncError
	if stderrors.As(err, &sErr) {
		return sErr.Code == code
	}
	return false
}
