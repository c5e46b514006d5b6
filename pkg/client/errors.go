package client

import (
	"errors"
	"fmt"

	"github.com/vihaar/vihaar-sw/pkg/fetch"
	"github.com/vihaar/vihaar-sw/pkg/worker"
)

// Common errors returned by the client.
var (
	// ErrRetryExhausted is returned when all retry attempts are exhausted.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrContextCancelled is returned when the context is cancelled during retry.
	ErrContextCancelled = errors.New("context cancelled")
)

// RemoteError is a non-2xx answer from the worker front.
type RemoteError struct {
	StatusCode int
	ErrorClass fetch.ErrorClass
	Message    string
	Err        error
}

// Error implements the error interface.
func (e *RemoteError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("worker %s error (status %d): %s: %v",
			e.ErrorClass, e.StatusCode, e.Message, e.Err)
	}
	return fmt.Sprintf("worker %s error (status %d): %s",
		e.ErrorClass, e.StatusCode, e.Message)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *RemoteError) Unwrap() error {
	return e.Err
}

// ReplyError is a control message the worker answered with ok=false.
type ReplyError struct {
	Type    worker.MessageType
	Message string
}

func (e *ReplyError) Error() string {
	return fmt.Sprintf("message %s rejected: %s", e.Type, e.Message)
}

// classifyError maps an attempt error to a retry class. Anything that is
// neither a RemoteError nor a fetch error counts as a network failure.
func classifyError(err error) fetch.ErrorClass {
	var remote *RemoteError
	if errors.As(err, &remote) {
		return remote.ErrorClass
	}
	var fetchErr *fetch.Error
	if errors.As(err, &fetchErr) {
		return fetchErr.Class
	}
	var replyErr *ReplyError
	if errors.As(err, &replyErr) {
		return fetch.ErrorClassClient
	}
	return fetch.Classify(nil, err)
}

// shouldRetry determines if an error should be retried based on its classification.
func shouldRetry(errorClass fetch.ErrorClass) bool {
	return fetch.Retryable(errorClass)
}
