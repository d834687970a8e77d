package session

import (
	"errors"
	"fmt"
)

// Code is the wire error code carried by error events.
type Code string

const (
	CodeValidation      Code = "VALIDATION_ERROR"
	CodeOutOfRange      Code = "OUT_OF_RANGE"
	CodeNotActive       Code = "NOT_ACTIVE"
	CodeSessionNotFound Code = "SESSION_NOT_FOUND"
	CodeAlreadyActive   Code = "ALREADY_ACTIVE"
	CodeUnknownType     Code = "UNKNOWN_TYPE"
	CodeRateLimited     Code = "RATE_LIMITED"
	CodeInternal        Code = "INTERNAL_ERROR"
)

// Sentinel errors. Wrapped errors keep these reachable through errors.Is.
var (
	ErrValidation      = errors.New("validation failed")
	ErrOutOfRange      = errors.New("question index out of range")
	ErrNotActive       = errors.New("session is not active")
	ErrSessionNotFound = errors.New("session not found")
	ErrAlreadyActive   = errors.New("a live session already exists for this test type")
	ErrShuttingDown    = errors.New("session manager is shutting down")
)

// Error is a typed failure surfaced to clients as an error event.
type Error struct {
	Code      Code
	Err       error
	SessionID string
	Details   map[string]any
}

func (e *Error) Error() string {
	if e.SessionID != "" {
		return fmt.Sprintf("%s (session %s): %v", e.Code, e.SessionID, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable tells the client whether re-sending the same command can succeed.
func (e *Error) Retryable() bool {
	return e.Code == CodeInternal || e.Code == CodeRateLimited
}

// NeedsReconnect tells the client to re-issue session:reconnect before retrying.
func (e *Error) NeedsReconnect() bool {
	return e.Code == CodeNotActive || e.Code == CodeSessionNotFound || e.Code == CodeAlreadyActive
}

func newError(code Code, err error, sessionID string) *Error {
	return &Error{Code: code, Err: err, SessionID: sessionID}
}

// CodeOf maps any error to its wire code.
func CodeOf(err error) Code {
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	switch {
	case errors.Is(err, ErrValidation):
		return CodeValidation
	case errors.Is(err, ErrOutOfRange):
		return CodeOutOfRange
	case errors.Is(err, ErrNotActive):
		return CodeNotActive
	case errors.Is(err, ErrSessionNotFound):
		return CodeSessionNotFound
	case errors.Is(err, ErrAlreadyActive):
		return CodeAlreadyActive
	}
	return CodeInternal
}
