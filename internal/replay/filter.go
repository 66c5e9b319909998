package replay

import (
	"slices"
	"strings"
	"time"

	"github.com/SmitUplenchwar2687/Turnstile/internal/recorder"
)

// Filter selects which journaled decisions are replayed.
type Filter struct {
	Keys      []string  // identity keys (empty = all)
	Scopes    []string  // limiter scopes (empty = all)
	Endpoints []string  // exact or substring endpoint matches (empty = all)
	After     time.Time // zero = no lower bound
	Before    time.Time // zero = no upper bound
}

// Match reports whether ev is a decision event that passes the filter.
func (f *Filter) Match(ev recorder.Event) bool {
	if ev.Kind != recorder.KindDecision || ev.Decision == nil {
		return false
	}
	req := ev.Decision.Request
	if len(f.Keys) > 0 && !slices.Contains(f.Keys, req.Identity.Key) {
		return false
	}
	if len(f.Scopes) > 0 && !slices.Contains(f.Scopes, req.Scope) {
		return false
	}
	if len(f.Endpoints) > 0 && !matchEndpoint(f.Endpoints, req.Endpoint) {
		return false
	}
	if !f.After.IsZero() && !ev.Time.After(f.After) {
		return false
	}
	if !f.Before.IsZero() && !ev.Time.Before(f.Before) {
		return false
	}
	return true
}

func matchEndpoint(patterns []string, endpoint string) bool {
	for _, p := range patterns {
		if p == endpoint || strings.Contains(endpoint, p) {
			return true
		}
	}
	return false
}
