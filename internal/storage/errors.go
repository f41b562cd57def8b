package storage

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/mschirtzinger/todosync/internal/schema"
)

// Common errors returned by storage services.
//
// These errors can be checked using errors.Is():
//
//	if errors.Is(err, storage.ErrNotFound) {
//	    // the record is gone from this replica
//	}
var (
	// ErrNotFound is returned when the record does not exist in the replica.
	ErrNotFound = errors.New("todo not found")

	// ErrDuplicate is returned when the replica already holds the record
	// (HTTP 409 from the remote).
	ErrDuplicate = errors.New("todo already exists")

	// ErrValidation is returned for input rejected by the validator or by the
	// remote with a 4xx. It is never retried.
	ErrValidation = schema.ErrValidation

	// ErrCorrupt is returned when persisted local data cannot be decoded.
	ErrCorrupt = schema.ErrCorrupt

	// ErrUnreachable is returned when the remote has been demoted after
	// consecutive failures.
	ErrUnreachable = errors.New("remote unreachable")

	// ErrOffline is returned when a remote-only operation is attempted while
	// offline mode is active.
	ErrOffline = errors.New("offline mode is active")

	// ErrStorageWrite is returned when the local backend refused a write.
	ErrStorageWrite = errors.New("local storage write failed")
)

// Error classifies a failed storage operation.
type Error struct {
	Op        string // e.g. "remote.create"
	Err       error
	Status    int // HTTP status, 0 when not applicable
	Retryable bool
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: %v (status %d)", e.Op, e.Err, e.Status)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsRetryable returns true if the error is likely to succeed on retry:
// network failures, timeouts, 5xx, 408 and 429 responses, and an unreachable
// remote.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var serr *Error
	if errors.As(err, &serr) {
		return serr.Retryable
	}

	if errors.Is(err, ErrUnreachable) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	// Plain network errors without a classification
	var nerr net.Error
	return errors.As(err, &nerr)
}

// IsValidation reports whether err is a rejected input.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsNotFound reports whether err means the record is absent.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsDuplicate reports whether err means the record already exists.
func IsDuplicate(err error) bool {
	return errors.Is(err, ErrDuplicate)
}
