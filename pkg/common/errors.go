package common

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks malformed mutation usage. Never retried.
	ErrValidation = errors.New("validation error")

	// ErrTransientStore marks store failures that may succeed when retried:
	// lock timeouts, serialization conflicts, pool exhaustion.
	ErrTransientStore = errors.New("transient store error")

	// ErrFatalStore marks store failures that will not succeed on retry:
	// constraint violations, malformed queries, authentication failures.
	ErrFatalStore = errors.New("fatal store error")

	// ErrConsistency marks an operation that assumed a vector-backed node
	// which was not. Offending ids are skipped, the surrounding run continues.
	ErrConsistency = errors.New("consistency error")

	// ErrVectorNotFound is returned by vector stores for payload updates
	// against ids that have no stored embedding.
	ErrVectorNotFound = errors.New("vector not found")

	// ErrLockTimeout is returned when entity locks could not be acquired in time.
	ErrLockTimeout = fmt.Errorf("%w: lock wait timeout", ErrTransientStore)

	// ErrCommitTimeout is returned when a single chunk commit exceeded its deadline.
	ErrCommitTimeout = fmt.Errorf("%w: commit timeout", ErrTransientStore)
)

type classifiedError struct {
	class error
	err   error
}

func (e *classifiedError) Error() string {
	return fmt.Sprintf("%s: %v", e.class, e.err)
}

func (e *classifiedError) Unwrap() []error {
	return []error{e.class, e.err}
}

// Transient wraps err so that errors.Is(err, ErrTransientStore) holds while
// the original error stays reachable through errors.Is/As.
func Transient(err error) error {
	if err == nil || errors.Is(err, ErrTransientStore) {
		return err
	}
	return &classifiedError{class: ErrTransientStore, err: err}
}

// Fatal wraps err as a non-retryable store failure.
func Fatal(err error) error {
	if err == nil || errors.Is(err, ErrFatalStore) {
		return err
	}
	return &classifiedError{class: ErrFatalStore, err: err}
}

// Validationf formats a validation error.
func Validationf(format string, args ...any) error {
	return &classifiedError{class: ErrValidation, err: fmt.Errorf(format, args...)}
}

// Consistencyf formats a consistency error.
func Consistencyf(format string, args ...any) error {
	return &classifiedError{class: ErrConsistency, err: fmt.Errorf(format, args...)}
}

// IsTransient reports whether err may succeed when retried.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransientStore)
}

// IsFatal reports whether err is a classified fatal store failure.
func IsFatal(err error) bool {
	return errors.Is(err, ErrFatalStore)
}

// IsValidation reports whether err stems from malformed mutation usage.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}
