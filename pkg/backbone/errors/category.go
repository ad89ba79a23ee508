// Package errors classifies failures raised while publishing and handling
// events and provides the bounded retry loop used by the dispatcher.
//
// The package implements a layered approach:
//   - Categorization: transient failures are retried, permanent ones are
//     dead-lettered immediately
//   - Retry: in-delivery retries with exponential backoff and jitter
//   - Budget: cross-delivery limits on attempts and elapsed time
package errors

import (
	"errors"
	"fmt"
)

// Category represents how a failure should be handled.
type Category int

const (
	// CategoryTransient indicates a retry will likely help.
	// Examples: timeouts, unreachable database, lock contention.
	CategoryTransient Category = iota

	// CategoryPermanent indicates a retry won't help.
	// Examples: malformed payload, violated business invariant.
	CategoryPermanent
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryTransient:
		return "transient"
	case CategoryPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// ErrDuplicateDelivery reports that an effect was already applied.
// It is absorbed by the dispatcher and never treated as a failure.
var ErrDuplicateDelivery = errors.New("duplicate delivery")

// CategorizedError carries the category decided by the code that failed.
// When wrappers nest, the outermost one decides.
type CategorizedError struct {
	Err      error
	Category Category

	// Retries is how many attempts had run when the error was produced.
	Retries int

	// Context names the failing operation, e.g. "smtp" or "policy lookup".
	Context string
}

func (e *CategorizedError) Error() string {
	msg := e.Err.Error()
	if e.Context != "" {
		msg = e.Context + ": " + msg
	}
	if e.Retries > 0 {
		return fmt.Sprintf("%s [%s after %d attempts]", msg, e.Category, e.Retries)
	}
	return fmt.Sprintf("%s [%s]", msg, e.Category)
}

func (e *CategorizedError) Unwrap() error {
	return e.Err
}

// NewCategorized creates a new categorized error.
func NewCategorized(err error, category Category, context string) *CategorizedError {
	return &CategorizedError{Err: err, Category: category, Context: context}
}

// Transient marks err as worth retrying.
func Transient(err error, context string) *CategorizedError {
	return NewCategorized(err, CategoryTransient, context)
}

// Permanent marks err as final: the message is dead-lettered at once.
func Permanent(err error, context string) *CategorizedError {
	return NewCategorized(err, CategoryPermanent, context)
}

// Categorize decides how err is handled. Unclassified errors are transient:
// the retry budget bounds them and exhausting it dead-letters the message
// anyway. A nil error has nothing to retry and reports permanent.
func Categorize(err error) Category {
	if err == nil {
		return CategoryPermanent
	}
	var (
		cat *CategorizedError
		val *ValidationError
		dec *DecodeError
	)
	switch {
	case errors.As(err, &cat):
		return cat.Category
	case errors.As(err, &val), errors.As(err, &dec), errors.Is(err, errors.ErrUnsupported):
		return CategoryPermanent
	default:
		return CategoryTransient
	}
}

// IsRetryable reports whether the error should be retried.
func IsRetryable(err error) bool {
	return Categorize(err) == CategoryTransient
}

// IsPermanent reports whether the error must not be retried.
func IsPermanent(err error) bool {
	return err != nil && Categorize(err) == CategoryPermanent
}

// IsDuplicate reports whether err signals an already applied effect.
func IsDuplicate(err error) bool {
	return errors.Is(err, ErrDuplicateDelivery)
}
