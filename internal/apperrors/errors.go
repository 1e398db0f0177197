// Package apperrors defines the error taxonomy shared by the meeting pipeline.
//
// Components wrap one of the sentinel kinds below with context and callers
// branch on the kind with errors.Is:
//
//	ErrValidation          malformed input, rejected immediately, never retried
//	ErrConflict            stale version or conflicting duplicate, caller re-reads
//	ErrInvalidTransition   illegal state move, surfaced as a no-op rejection
//	ErrUpstreamUnavailable corpus or gateway unreachable after the retry budget
//	ErrNotFound            unknown id
//	ErrClosed              the session or registry no longer accepts writes
//
// Transcript gaps are not errors; they travel downstream as transcript.Gap items.
package apperrors

import (
	"errors"
	"fmt"
)

var (
	ErrValidation          = errors.New("validation error")
	ErrConflict            = errors.New("conflict")
	ErrInvalidTransition   = errors.New("invalid transition")
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	ErrNotFound            = errors.New("not found")
	ErrClosed              = errors.New("closed")
)

// Validationf wraps ErrValidation with a formatted message.
func Validationf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Conflictf wraps ErrConflict with a formatted message.
func Conflictf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrConflict, fmt.Sprintf(format, args...))
}

// Transitionf wraps ErrInvalidTransition with a formatted message.
func Transitionf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidTransition, fmt.Sprintf(format, args...))
}

// Unavailable wraps the last upstream error so both the kind and the cause survive.
func Unavailable(op string, cause error) error {
	if cause == nil {
		return fmt.Errorf("%w: %s", ErrUpstreamUnavailable, op)
	}
	return fmt.Errorf("%w: %s: %w", ErrUpstreamUnavailable, op, cause)
}

// Kind returns the sentinel an error was built from, or nil when it carries none.
func Kind(err error) error {
	for _, k := range []error{ErrValidation, ErrConflict, ErrInvalidTransition, ErrUpstreamUnavailable, ErrNotFound, ErrClosed} {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}
