// Package syncerr defines the error taxonomy shared by the source, the target
// environment and the reconciler.
//
// Every sentinel wraps a containerd errdefs category, so both
// errors.Is(err, syncerr.ErrTargetUnreachable) and errdefs.IsUnavailable(err)
// hold for a wrapped target failure.
package syncerr

import (
	"context"
	"errors"
	"fmt"

	"github.com/containerd/errdefs"
)

var (
	// ErrSourceUnreachable is returned when the manifest repository cannot be
	// fetched (network, authentication, unknown revision).
	ErrSourceUnreachable = fmt.Errorf("source unreachable: %w", errdefs.ErrUnavailable)
	// ErrTargetUnreachable is returned when the target environment API cannot be reached. Retryable.
	ErrTargetUnreachable = fmt.Errorf("target unreachable: %w", errdefs.ErrUnavailable)
	// ErrPermissionDenied is returned when the target refuses an operation. Terminal.
	ErrPermissionDenied = fmt.Errorf("permission denied: %w", errdefs.ErrPermissionDenied)
	// ErrValidation is returned when the target rejects an object as invalid. Terminal.
	ErrValidation = fmt.Errorf("validation error: %w", errdefs.ErrInvalidArgument)
	// ErrConflict is returned on a write conflict. Retryable after a fresh read.
	ErrConflict = fmt.Errorf("conflict: %w", errdefs.ErrConflict)
	// ErrRateLimited is returned when the target throttles the client. Retryable.
	ErrRateLimited = fmt.Errorf("rate limited: %w", errdefs.ErrResourceExhausted)
	// ErrCancelled marks a pass stopped by a terminate request.
	ErrCancelled = fmt.Errorf("cancelled: %w", context.Canceled)
	// ErrPersistentDrift is recorded when live state still differs from desired
	// state after the configured number of sync attempts.
	ErrPersistentDrift = fmt.Errorf("persistent drift: %w", errdefs.ErrFailedPrecondition)
	// ErrNotFound is returned by lookups of unknown applications or results.
	ErrNotFound = fmt.Errorf("not found: %w", errdefs.ErrNotFound)
	// ErrAlreadyExists is returned when registering a name twice.
	ErrAlreadyExists = fmt.Errorf("already exists: %w", errdefs.ErrAlreadyExists)
	// ErrSuspended rejects manual syncs of a suspended application.
	ErrSuspended = fmt.Errorf("application suspended: %w", errdefs.ErrFailedPrecondition)
)

// ParseError reports a malformed manifest file.
type ParseError struct {
	File   string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error in %s: %s", e.File, e.Reason)
}

// Unwrap lets errdefs.IsInvalidArgument match parse errors.
func (e *ParseError) Unwrap() error {
	return errdefs.ErrInvalidArgument
}

// NewParseError builds a ParseError for file.
func NewParseError(file, format string, args ...interface{}) error {
	return &ParseError{File: file, Reason: fmt.Sprintf(format, args...)}
}

// IsRetryable reports whether err is transient and should be absorbed by the
// retry policy. Per-call deadlines count as transient; cancellation of the
// caller's context does not.
func IsRetryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrTargetUnreachable),
		errors.Is(err, ErrConflict),
		errors.Is(err, ErrRateLimited),
		errors.Is(err, context.DeadlineExceeded):
		return true
	default:
		return false
	}
}

// IsTerminal reports whether err must abort the remaining operations of a pass.
func IsTerminal(err error) bool {
	return errors.Is(err, ErrPermissionDenied) || errors.Is(err, ErrValidation)
}

// Wrap attaches a category sentinel to a lower level error.
func Wrap(category error, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", category, err)
}
