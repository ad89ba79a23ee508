package errors

import (
	"fmt"
	"time"
)

// DurabilityError reports that an event could not be committed to the
// event store. The originating business action must be treated as failed.
type DurabilityError struct {
	EventID   string
	EventType string
	Err       error
}

// Error implements the error interface.
func (e *DurabilityError) Error() string {
	return fmt.Sprintf("event %s (%s) not durable: %s", e.EventID, e.EventType, e.Err)
}

// Unwrap returns the underlying store error.
func (e *DurabilityError) Unwrap() error {
	return e.Err
}

// ValidationError indicates a payload that violates its schema or a
// business invariant.
type ValidationError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation error on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation error: %s", e.Message)
}

// DecodeError indicates a payload that could not be deserialized.
type DecodeError struct {
	EventType string
	Err       error
}

// Error implements the error interface.
func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s payload: %s", e.EventType, e.Err)
}

// Unwrap returns the underlying decoding error.
func (e *DecodeError) Unwrap() error {
	return e.Err
}

// BudgetExhaustedError wraps the last transient failure of a message
// whose retry budget ran out.
type BudgetExhaustedError struct {
	Attempts int
	Elapsed  time.Duration
	Err      error
}

// Error implements the error interface.
func (e *BudgetExhaustedError) Error() string {
	return fmt.Sprintf("retry budget exhausted after %d attempts in %s: %s",
		e.Attempts, e.Elapsed.Round(time.Millisecond), e.Err)
}

// Unwrap returns the last failure.
func (e *BudgetExhaustedError) Unwrap() error {
	return e.Err
}
