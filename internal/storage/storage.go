package storage

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable marks an infrastructure failure of a shared store (network
// error, timeout, closed client). Callers convert it into a degraded decision
// instead of failing the request.
var ErrUnavailable = errors.New("store unavailable")

// Counter is the state of one fixed-window quota counter after an operation.
type Counter struct {
	Allowed     bool      `json:"allowed"`
	Remaining   int       `json:"remaining"`
	WindowStart time.Time `json:"window_start"`
	ResetAt     time.Time `json:"reset_at"`
}

// CounterStore is an atomic counter-with-expiry primitive.
// Implementations must be safe for concurrent use.
type CounterStore interface {
	// Consume takes one unit from the counter for key. The window starts on
	// the first consume and lasts for window; the counter starts at capacity.
	// When no unit is left the call is denied and nothing is consumed.
	// The decrement-and-check is a single atomic operation.
	Consume(ctx context.Context, key string, capacity int, window time.Duration) (Counter, error)

	// Peek reports the counter for key without consuming.
	Peek(ctx context.Context, key string, capacity int, window time.Duration) (Counter, error)

	// Reset removes the counter for key.
	Reset(ctx context.Context, key string) error

	// ResetAll removes every counter owned by the store.
	ResetAll(ctx context.Context) error

	Close() error
}

func validateCounterArgs(key string, capacity int, window time.Duration) error {
	if key == "" {
		return errors.New("key is required")
	}
	if capacity <= 0 {
		return errors.New("capacity must be positive")
	}
	if window < time.Millisecond {
		return errors.New("window must be at least 1ms")
	}
	return nil
}
