package relay

import (
	"errors"
	"fmt"
	"time"
)

// Pipeline sentinel errors.
// Use errors.Is() to check for these errors as they may be wrapped with
// additional context.
var (
	// ErrQueueFull indicates the durable queue is at capacity.
	// Producers must handle this by deferring or dropping with metrics,
	// never by blocking indefinitely. The pipeline never crashes on it.
	ErrQueueFull = errors.New("queue full")

	// ErrMessageNotFound indicates the referenced message is not present
	// in the store being queried.
	ErrMessageNotFound = errors.New("message not found")

	// ErrProcessorClosed indicates the processor has been stopped.
	ErrProcessorClosed = errors.New("processor closed")
)

// CircuitOpenError indicates the circuit breaker is open and the call was
// rejected without invoking the downstream operation.
//
// Callers are expected to fall back (queue for later) rather than treat
// this as a hard failure.
type CircuitOpenError struct {
	Name      string
	OpenUntil time.Time
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit breaker %q is open until %s", e.Name, e.OpenUntil.Format(time.RFC3339))
}

// IsCircuitOpen checks if an error indicates an open circuit breaker.
func IsCircuitOpen(err error) bool {
	var circuitErr *CircuitOpenError
	return errors.As(err, &circuitErr)
}

// HalfOpenLimitError indicates the breaker is half-open and the concurrent
// probe limit has been reached. Extra callers fail fast with this error.
type HalfOpenLimitError struct {
	Name        string
	MaxAttempts int
}

func (e *HalfOpenLimitError) Error() string {
	return fmt.Sprintf("circuit breaker %q half-open probe limit reached (%d)", e.Name, e.MaxAttempts)
}

// IsHalfOpenLimit checks if an error indicates the half-open probe limit.
func IsHalfOpenLimit(err error) bool {
	var limitErr *HalfOpenLimitError
	return errors.As(err, &limitErr)
}

// RetryExhaustedError indicates all retry attempts for a message have been
// exhausted and the message was moved to the dead-letter store.
type RetryExhaustedError struct {
	MessageID string
	Attempts  int
	LastErr   error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("message %s: retry exhausted after %d attempts: %v", e.MessageID, e.Attempts, e.LastErr)
}

func (e *RetryExhaustedError) Unwrap() error {
	return e.LastErr
}

// IsRetryExhausted checks if an error indicates retry exhaustion.
func IsRetryExhausted(err error) bool {
	var exhausted *RetryExhaustedError
	return errors.As(err, &exhausted)
}

// MalformedRecordError indicates a persisted message record could not be
// decoded. The record is unreadable, not retryable; this is surfaced
// distinctly from processing failures so operators can distinguish
// corruption from downstream unavailability.
type MalformedRecordError struct {
	ID    string // message or stream entry ID, if known
	Field string // first offending field, if known
	Err   error
}

func (e *MalformedRecordError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("malformed record %s: field %q: %v", e.ID, e.Field, e.Err)
	}
	return fmt.Sprintf("malformed record %s: %v", e.ID, e.Err)
}

func (e *MalformedRecordError) Unwrap() error {
	return e.Err
}

// IsMalformedRecord checks if an error indicates a corrupt persisted record.
func IsMalformedRecord(err error) bool {
	var malformed *MalformedRecordError
	return errors.As(err, &malformed)
}
