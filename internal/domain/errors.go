package domain

import (
	"errors"
	"fmt"
)

// ErrorClass labels a failure for retry policy and metrics.
type ErrorClass string

const (
	ClassRateLimited     ErrorClass = "rate_limited"
	ClassServer          ErrorClass = "server_error"
	ClassConnection      ErrorClass = "connection_error"
	ClassClient          ErrorClass = "client_error"
	ClassInvalidResponse ErrorClass = "invalid_response"
	ClassStorage         ErrorClass = "storage_unavailable"
)

// Retryable reports whether failures of this class are retried with backoff.
func (c ErrorClass) Retryable() bool {
	switch c {
	case ClassRateLimited, ClassServer, ClassConnection:
		return true
	default:
		return false
	}
}

var (
	// ErrStorageUnavailable matches every append failure.
	ErrStorageUnavailable = errors.New("storage unavailable")
	// ErrRetriesExhausted matches a fetch that failed MaxAttempts times.
	ErrRetriesExhausted = errors.New("fetch retries exhausted")
)

// FetchError is returned by Source implementations.
type FetchError struct {
	Class      ErrorClass
	StatusCode int // 0 for transport failures
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s (status %d): %v", e.Class, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("fetch %s: %v", e.Class, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// ClassOf returns the class carried by err, treating unknown errors as
// connection failures.
func ClassOf(err error) ErrorClass {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Class
	}
	var se *StorageError
	if errors.As(err, &se) {
		return ClassStorage
	}
	return ClassConnection
}

// RetriesExhaustedError ends a fetch cycle after the last attempt failed.
type RetriesExhaustedError struct {
	Source   string
	Attempts int
	Err      error
}

func (e *RetriesExhaustedError) Error() string {
	return fmt.Sprintf("source %s: giving up after %d attempts: %v", e.Source, e.Attempts, e.Err)
}

func (e *RetriesExhaustedError) Unwrap() []error { return []error{ErrRetriesExhausted, e.Err} }

// StorageError is returned by Sink.Append when the batch was not committed.
type StorageError struct {
	Sink string
	Op   string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s sink %s: %v", e.Sink, e.Op, e.Err)
}

func (e *StorageError) Unwrap() []error { return []error{ErrStorageUnavailable, e.Err} }
