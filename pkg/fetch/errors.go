package fetch

import (
	"fmt"
	"net/http"
)

// ErrorClass represents a classification of fetch failures.
type ErrorClass string

const (
	// ErrorClassClient represents 4xx responses and malformed requests.
	ErrorClassClient ErrorClass = "client"

	// ErrorClassServer represents 5xx responses.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassTimeout represents deadline and client timeouts.
	ErrorClassTimeout ErrorClass = "timeout"

	// ErrorClassNetwork represents connection failures.
	ErrorClassNetwork ErrorClass = "network"
)

// Error is returned by Client.Fetch when no response was received.
type Error struct {
	Class ErrorClass
	URL   string
	Err   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("fetch %s (%s): %v", e.URL, e.Class, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Err
}

// Classify categorizes a fetch outcome. It returns "" for a successful or
// redirect response.
func Classify(resp *http.Response, err error) ErrorClass {
	if err != nil {
		if IsTimeout(err) {
			return ErrorClassTimeout
		}
		return ErrorClassNetwork
	}
	if resp == nil {
		return ErrorClassNetwork
	}
	switch {
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return ErrorClassClient
	case resp.StatusCode >= 500:
		return ErrorClassServer
	default:
		return ""
	}
}

// Retryable reports whether a failure of this class is worth retrying.
func Retryable(class ErrorClass) bool {
	switch class {
	case ErrorClassServer, ErrorClassTimeout, ErrorClassNetwork:
		return true
	default:
		return false
	}
}
