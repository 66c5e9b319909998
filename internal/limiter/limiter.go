// Package limiter answers quota admit/deny questions for named scopes over a
// shared counter store.
package limiter

import (
	"errors"
	"fmt"
	"time"
)

// ErrQuotaExceeded is the soft deny: the caller may retry after ResetAt.
var ErrQuotaExceeded = errors.New("quota exceeded")

// FailurePolicy decides what a scope does while the shared store is unavailable.
type FailurePolicy string

const (
	// FailOpen admits the request with the full tier capacity reported.
	FailOpen FailurePolicy = "open"
	// FailLocal counts against the process-local store.
	FailLocal FailurePolicy = "local"
	// FailClosed denies the request.
	FailClosed FailurePolicy = "closed"
)

// Valid reports whether p is a known policy.
func (p FailurePolicy) Valid() bool {
	switch p {
	case FailOpen, FailLocal, FailClosed:
		return true
	}
	return false
}

// Built-in scope names.
const (
	ScopeAPI     = "api"
	ScopeAuth    = "auth"
	ScopePayment = "payment"
	ScopeSearch  = "search"
)

// Scope is one named limiter in the pool.
type Scope struct {
	Name string `json:"name"`
	// Tier, when set, is used for every identity in the scope.
	Tier   string        `json:"tier,omitempty"`
	Policy FailurePolicy `json:"failure_policy"`
}

// DefaultScopes returns the built-in scopes.
func DefaultScopes() []Scope {
	return []Scope{
		{Name: ScopeAPI, Policy: FailOpen},
		{Name: ScopeAuth, Tier: "auth", Policy: FailLocal},
		{Name: ScopePayment, Tier: "payment", Policy: FailClosed},
		{Name: ScopeSearch, Tier: "search", Policy: FailOpen},
	}
}

// Decision is the verdict for one consume.
type Decision struct {
	Allowed   bool      `json:"allowed"`
	Remaining int       `json:"remaining"`
	Limit     int       `json:"limit"`
	ResetAt   time.Time `json:"reset_at"`
	Degraded  bool      `json:"degraded"`
	Tier      string    `json:"tier"`
	Scope     string    `json:"scope"`
}

// Err returns ErrQuotaExceeded for a deny and nil otherwise.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return fmt.Errorf("%s scope, %s tier: %w", d.Scope, d.Tier, ErrQuotaExceeded)
}

// Key renders the counter key for identity in scope.
func Key(scope, identity string) string {
	return scope + ":" + identity
}
