package erpc

import (
	"errors"
	"fmt"
)

// Error represents a structured runtime error with operation context
type Error struct {
	Op         string    // Operation that failed (e.g., "CREATE_SESSION", "ENQUEUE_REQUEST")
	SessionNum int       // Session number (-1 if not applicable)
	Code       ErrorCode // High-level error category
	Msg        string    // Human-readable message
	Inner      error     // Wrapped error
}

// Error implements the error interface
func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}
	switch {
	case e.Op != "" && e.SessionNum >= 0:
		return fmt.Sprintf("erpc: %s (op=%s session=%d)", msg, e.Op, e.SessionNum)
	case e.Op != "":
		return fmt.Sprintf("erpc: %s (op=%s)", msg, e.Op)
	default:
		return fmt.Sprintf("erpc: %s", msg)
	}
}

// Unwrap returns the wrapped error for errors.Is/As support
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is matches errors by code so callers can compare against a bare *Error
func (e *Error) Is(target error) bool {
	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}
	return false
}

// ErrorCode represents high-level error categories
type ErrorCode string

const (
	// ErrCodeOutOfMemory: the arena cannot grow.
	ErrCodeOutOfMemory ErrorCode = "out of memory"
	// ErrCodeRegistrationFailed: the NIC rejected a memory registration.
	ErrCodeRegistrationFailed ErrorCode = "memory registration failed"
	// ErrCodeNoFreeSession: the session number space is exhausted.
	ErrCodeNoFreeSession ErrorCode = "no free session"
	// ErrCodeSessionNotConnected: the target session is not in Connected.
	ErrCodeSessionNotConnected ErrorCode = "session not connected"
	// ErrCodeNoCredits: all session slots are in use; retry after draining.
	ErrCodeNoCredits ErrorCode = "no credits"
	// ErrCodeSessionReset: the session tore down with the request in flight.
	ErrCodeSessionReset ErrorCode = "session reset"
	// ErrCodeSetupTimeout: out-of-band setup missed its budget.
	ErrCodeSetupTimeout ErrorCode = "session setup timeout"
	// ErrCodeFatalTransport: unrecoverable NIC error; the endpoint is dead.
	ErrCodeFatalTransport ErrorCode = "fatal transport error"
	// ErrCodeInvalidParameters: caller-supplied arguments are unusable.
	ErrCodeInvalidParameters ErrorCode = "invalid parameters"
)

// Error constructors

// NewError creates a new structured error without session context
func NewError(op string, code ErrorCode, msg string) *Error {
	return &Error{
		Op:         op,
		SessionNum: -1,
		Code:       code,
		Msg:        msg,
	}
}

// NewSessionError creates a new session-scoped error
func NewSessionError(op string, sessionNum int, code ErrorCode, msg string) *Error {
	return &Error{
		Op:         op,
		SessionNum: sessionNum,
		Code:       code,
		Msg:        msg,
	}
}

// WrapError wraps an existing error with runtime context
func WrapError(op string, code ErrorCode, inner error) *Error {
	if inner == nil {
		return nil
	}
	if ee, ok := inner.(*Error); ok {
		return &Error{
			Op:         op,
			SessionNum: ee.SessionNum,
			Code:       ee.Code,
			Msg:        ee.Msg,
			Inner:      ee.Inner,
		}
	}
	return &Error{
		Op:         op,
		SessionNum: -1,
		Code:       code,
		Msg:        inner.Error(),
		Inner:      inner,
	}
}

// IsCode checks if an error matches a specific error code
func IsCode(err error, code ErrorCode) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}
