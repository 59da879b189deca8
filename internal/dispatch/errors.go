package dispatch

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrSessionRunning       = errors.New("session already running")
	ErrProxyExhausted       = errors.New("no proxy available")
	ErrRetryBudgetExhausted = errors.New("retry budget exhausted")
	ErrStopped              = errors.New("session stopped")
)

// TransportError wraps a network/connection-level failure. Always retryable.
type TransportError struct{ Err error }

func (e *TransportError) Error() string { return fmt.Sprintf("transport: %v", e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

// ServerError is a 5xx response. Retryable.
type ServerError struct{ StatusCode int }

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error: %d %s", e.StatusCode, http.StatusText(e.StatusCode))
}

// ClientError is a 4xx response other than 403/404. Retryable.
type ClientError struct{ StatusCode int }

func (e *ClientError) Error() string {
	return fmt.Sprintf("client error: %d %s", e.StatusCode, http.StatusText(e.StatusCode))
}

// class is the outcome classification of a single attempt.
type class int

const (
	classSuccess class = iota
	// classDelivered covers 403/404: the destination was reached, so it counts
	// as a delivered impression.
	classDelivered
	classRetryable
)

const noteDelivered = "delivered"

// classify maps one attempt's response (or error) to an outcome class.
// The returned error is non-nil only for classRetryable.
func classify(resp Response, err error) (class, error) {
	if err != nil {
		var te *TransportError
		if errors.As(err, &te) {
			return classRetryable, err
		}
		return classRetryable, &TransportError{Err: err}
	}
	code := resp.StatusCode
	switch {
	case code >= 500:
		return classRetryable, &ServerError{StatusCode: code}
	case code == http.StatusForbidden || code == http.StatusNotFound:
		return classDelivered, nil
	case code >= 400:
		return classRetryable, &ClientError{StatusCode: code}
	case code >= 200:
		return classSuccess, nil
	default:
		return classRetryable, &TransportError{Err: fmt.Errorf("invalid status code %d", code)}
	}
}

// exhausted wraps the last attempt error as a terminal per-task failure.
func exhausted(attempts int, last error) error {
	if last == nil {
		return fmt.Errorf("%w after %d attempts", ErrRetryBudgetExhausted, attempts)
	}
	return fmt.Errorf("%w after %d attempts: %w", ErrRetryBudgetExhausted, attempts, last)
}
