package breaker

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrOpen is matched by every short-circuit error returned by a breaker.
var ErrOpen = errors.New("circuit breaker open")

// ErrTimeout is returned when an operation outlives the breaker's call
// timeout. It wraps context.DeadlineExceeded.
var ErrTimeout = fmt.Errorf("circuit breaker call timeout: %w", context.DeadlineExceeded)

// OpenError is returned instead of invoking the operation while the breaker
// is OPEN, or while a HALF_OPEN trial is already in flight.
type OpenError struct {
	Name    string
	State   State
	RetryAt time.Time
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker %q is %s, retry at %s", e.Name, e.State, e.RetryAt.Format(time.RFC3339))
}

func (e *OpenError) Is(target error) bool {
	return target == ErrOpen
}

type ignoredError struct {
	err error
}

func (e *ignoredError) Error() string { return e.err.Error() }
func (e *ignoredError) Unwrap() error { return e.err }

// Ignore marks err as not counting toward the failure threshold, for
// caller-input failures such as a declined card. The error still reaches the
// caller and errors.Is/As see through the mark.
func Ignore(err error) error {
	if err == nil {
		return nil
	}
	return &ignoredError{err: err}
}

// IsIgnored reports whether err was marked with Ignore.
func IsIgnored(err error) bool {
	var ig *ignoredError
	return errors.As(err, &ig)
}

// Predicate decides whether an operation error counts as a dependency failure.
type Predicate func(error) bool

// DefaultPredicate counts every error except context.Canceled and errors
// marked with Ignore.
func DefaultPredicate(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || IsIgnored(err) {
		return false
	}
	return true
}
