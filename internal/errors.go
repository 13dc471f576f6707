package internal

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type Kind string

const (
	KindActiveSessionExists  Kind = "active_session_exists"
	KindNoActiveSession      Kind = "no_active_session"
	KindInvalidTimestamp     Kind = "invalid_timestamp"
	KindInvalidRating        Kind = "invalid_rating"
	KindEmptyNote            Kind = "empty_note"
	KindRequiresConfirmation Kind = "requires_confirmation"
	KindStaleSessionWarning  Kind = "stale_session_warning"
	KindConfirmationStale    Kind = "confirmation_stale"
	KindVersionConflict      Kind = "version_conflict"
	KindStorageUnavailable   Kind = "storage_unavailable"
	KindSessionNotFound      Kind = "session_not_found"
	KindInvalidLanguage      Kind = "invalid_language"
	KindInvalidTimezone      Kind = "invalid_timezone"
	KindInvalidGoal          Kind = "invalid_goal"
)

// Error is the typed outcome of a rejected operation. It carries enough
// detail for a presentation layer to render a localized message.
type Error struct {
	Kind      Kind
	SessionID string
	Field     Field
	Current   any
	Proposed  any
	Age       time.Duration
	Pending   *PendingConfirmation
	Err       error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(strings.ReplaceAll(string(e.Kind), "_", " "))
	if e.Field != "" {
		fmt.Fprintf(&b, " (field=%s)", e.Field)
	}
	if e.SessionID != "" {
		fmt.Fprintf(&b, " session=%s", e.SessionID)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same kind, so the sentinels below work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

var (
	ErrActiveSessionExists  = &Error{Kind: KindActiveSessionExists}
	ErrNoActiveSession      = &Error{Kind: KindNoActiveSession}
	ErrInvalidTimestamp     = &Error{Kind: KindInvalidTimestamp}
	ErrInvalidRating        = &Error{Kind: KindInvalidRating}
	ErrEmptyNote            = &Error{Kind: KindEmptyNote}
	ErrRequiresConfirmation = &Error{Kind: KindRequiresConfirmation}
	ErrConfirmationStale    = &Error{Kind: KindConfirmationStale}
	ErrVersionConflict      = &Error{Kind: KindVersionConflict}
	ErrStorageUnavailable   = &Error{Kind: KindStorageUnavailable}
	ErrSessionNotFound      = &Error{Kind: KindSessionNotFound}
	ErrInvalidLanguage      = &Error{Kind: KindInvalidLanguage}
	ErrInvalidTimezone      = &Error{Kind: KindInvalidTimezone}
	ErrInvalidGoal          = &Error{Kind: KindInvalidGoal}
)

// KindOf returns the kind of the first *Error in err's chain, or "".
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Unavailable wraps a backend failure as StorageUnavailable.
func Unavailable(err error) error {
	if err == nil {
		return nil
	}
	if KindOf(err) != "" {
		return err
	}
	return &Error{Kind: KindStorageUnavailable, Err: err}
}

// Warning is an advisory outcome returned next to a successful result.
type Warning struct {
	Kind      Kind          `json:"kind"`
	SessionID string        `json:"session_id"`
	Field     Field         `json:"field"`
	Previous  any           `json:"previous,omitempty"`
	Age       time.Duration `json:"age"`
}

// AppError is the wire form of an error in API responses.
type AppError struct {
	Code    int            `json:"code"`
	Kind    Kind           `json:"kind,omitempty"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func NewAppError(code int, msg string) *AppError {
	return &AppError{Code: code, Message: msg}
}

func (e *AppError) Error() string { return e.Message }
