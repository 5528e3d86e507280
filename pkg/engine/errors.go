package engine

import "fmt"

// ErrorType categorizes session errors.
type ErrorType string

const (
	ErrSessionExists   ErrorType = "session_exists_error"
	ErrSessionNotFound ErrorType = "session_not_found_error"
	ErrSessionInactive ErrorType = "session_inactive_error"
)

// Error is a session-level API error.
type Error struct {
	Type      ErrorType `json:"type"`
	Message   string    `json:"message"`
	SessionID string    `json:"session_id,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.SessionID != "" {
		return fmt.Sprintf("%s: %s (session: %s)", e.Type, e.Message, e.SessionID)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// NewDuplicateSessionError reports an attempt to create a session with an
// id that is already registered.
func NewDuplicateSessionError(sessionID string) *Error {
	return &Error{
		Type:      ErrSessionExists,
		Message:   "session already exists",
		SessionID: sessionID,
	}
}

// NewSessionNotFoundError reports an operation on an unknown session id.
func NewSessionNotFoundError(sessionID string) *Error {
	return &Error{
		Type:      ErrSessionNotFound,
		Message:   "session not found",
		SessionID: sessionID,
	}
}

// NewSessionInactiveError reports an operation that requires an active
// session, such as streaming audio after teardown has begun.
func NewSessionInactiveError(sessionID string) *Error {
	return &Error{
		Type:      ErrSessionInactive,
		Message:   "session is not active",
		SessionID: sessionID,
	}
}

// IsErrorType reports whether err is an *Error of the given type.
func IsErrorType(err error, t ErrorType) bool {
	e, ok := err.(*Error)
	return ok && e.Type == t
}
