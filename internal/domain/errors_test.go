package domain

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorClass_Retryable(t *testing.T) {
	assert.True(t, ClassRateLimited.Retryable())
	assert.True(t, ClassServer.Retryable())
	assert.True(t, ClassConnection.Retryable())
	assert.False(t, ClassClient.Retryable())
	assert.False(t, ClassInvalidResponse.Retryable())
	assert.False(t, ClassStorage.Retryable())
}

func TestClassOf(t *testing.T) {
	rateLimited := &FetchError{Class: ClassRateLimited, StatusCode: 429, Err: errors.New("slow down")}
	assert.Equal(t, ClassRateLimited, ClassOf(fmt.Errorf("page 2: %w", rateLimited)))

	storage := &StorageError{Sink: "file", Op: "append", Err: errors.New("disk full")}
	assert.Equal(t, ClassStorage, ClassOf(storage))

	assert.Equal(t, ClassConnection, ClassOf(context.DeadlineExceeded))
}

func TestStorageError_MatchesSentinel(t *testing.T) {
	cause := errors.New("connection refused")
	err := fmt.Errorf("append: %w", &StorageError{Sink: "postgres", Op: "append", Err: cause})

	assert.ErrorIs(t, err, ErrStorageUnavailable)
	assert.ErrorIs(t, err, cause)
}

func TestRetriesExhaustedError_MatchesSentinelAndCause(t *testing.T) {
	cause := &FetchError{Class: ClassServer, StatusCode: 503, Err: errors.New("unavailable")}
	err := &RetriesExhaustedError{Source: "s", Attempts: 3, Err: cause}

	assert.ErrorIs(t, err, ErrRetriesExhausted)
	var fe *FetchError
	assert.ErrorAs(t, err, &fe)
	assert.Equal(t, 503, fe.StatusCode)
	assert.Contains(t, err.Error(), "3 attempts")
}
