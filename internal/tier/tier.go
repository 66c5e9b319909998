// Package tier maps identities to named quota profiles.
package tier

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Built-in tier names.
const (
	Anonymous  = "anonymous"
	Standard   = "standard"
	Premium    = "premium"
	Enterprise = "enterprise"
)

// ErrUnknownTier is returned when a tier name is not in the catalog.
var ErrUnknownTier = errors.New("unknown tier")

// Tier is a named quota profile: at most Capacity requests per Window.
type Tier struct {
	Name        string        `json:"name"`
	Capacity    int           `json:"capacity"`
	Window      time.Duration `json:"window"`
	Description string        `json:"description,omitempty"`
}

// Validate reports whether the tier can back a counter.
func (t Tier) Validate() error {
	if t.Name == "" {
		return errors.New("tier name is required")
	}
	if t.Capacity <= 0 {
		return fmt.Errorf("tier %q: capacity must be positive, got %d", t.Name, t.Capacity)
	}
	if t.Window < time.Second {
		return fmt.Errorf("tier %q: window must be at least 1s, got %s", t.Name, t.Window)
	}
	return nil
}

// Identity is who a request is attributed to. Key is a user id, API key or
// client IP. Role is empty for anonymous callers.
type Identity struct {
	Key  string `json:"key"`
	Role string `json:"role,omitempty"`
}

// Source tells how a tier was resolved.
type Source string

const (
	SourceOverride  Source = "override"
	SourceRole      Source = "role"
	SourceAnonymous Source = "anonymous"
	SourcePinned    Source = "pinned"
)

// DefaultTiers returns the built-in catalog.
func DefaultTiers() []Tier {
	return []Tier{
		{Name: Anonymous, Capacity: 30, Window: time.Minute, Description: "unauthenticated callers"},
		{Name: Standard, Capacity: 100, Window: time.Minute, Description: "signed-in customers"},
		{Name: Premium, Capacity: 500, Window: time.Minute, Description: "vendors and paid plans"},
		{Name: Enterprise, Capacity: 2000, Window: time.Minute, Description: "administrators and partners"},
		{Name: "auth", Capacity: 5, Window: 15 * time.Minute, Description: "login and password reset attempts"},
		{Name: "payment", Capacity: 10, Window: time.Minute, Description: "payment operations"},
		{Name: "search", Capacity: 60, Window: time.Minute, Description: "catalog search"},
	}
}

// DefaultRoles returns the built-in role to tier mapping.
func DefaultRoles() map[string]string {
	return map[string]string{
		"customer": Standard,
		"vendor":   Premium,
		"admin":    Enterprise,
	}
}

// Registry resolves identities to tiers. The catalog and role defaults are
// fixed at construction; per-user overrides may change at runtime.
type Registry struct {
	tiers     map[string]Tier
	roles     map[string]string
	anonymous string

	mu        sync.RWMutex
	overrides map[string]string
}

// NewRegistry validates the catalog and builds a registry. Every role default
// and the anonymous tier must name a catalog entry.
func NewRegistry(tiers []Tier, roles map[string]string, anonymous string) (*Registry, error) {
	if len(tiers) == 0 {
		return nil, errors.New("at least one tier is required")
	}

	r := &Registry{
		tiers:     make(map[string]Tier, len(tiers)),
		roles:     make(map[string]string, len(roles)),
		anonymous: anonymous,
		overrides: make(map[string]string),
	}
	for _, t := range tiers {
		if err := t.Validate(); err != nil {
			return nil, err
		}
		if _, dup := r.tiers[t.Name]; dup {
			return nil, fmt.Errorf("duplicate tier %q", t.Name)
		}
		r.tiers[t.Name] = t
	}
	for role, name := range roles {
		if _, ok := r.tiers[name]; !ok {
			return nil, fmt.Errorf("role %q: %w %q", role, ErrUnknownTier, name)
		}
		r.roles[role] = name
	}
	if _, ok := r.tiers[anonymous]; !ok {
		return nil, fmt.Errorf("anonymous tier: %w %q", ErrUnknownTier, anonymous)
	}
	return r, nil
}

// NewDefaultRegistry builds a registry from the built-in catalog.
func NewDefaultRegistry() *Registry {
	r, err := NewRegistry(DefaultTiers(), DefaultRoles(), Anonymous)
	if err != nil {
		panic(err)
	}
	return r
}

// Get returns the tier with the given name.
func (r *Registry) Get(name string) (Tier, bool) {
	t, ok := r.tiers[name]
	return t, ok
}

// Tiers returns the catalog ordered by name.
func (r *Registry) Tiers() []Tier {
	out := make([]Tier, 0, len(r.tiers))
	for _, t := range r.tiers {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Resolve picks the most specific tier for id: per-user override, then role
// default, then the anonymous tier.
func (r *Registry) Resolve(id Identity) (Tier, Source) {
	r.mu.RLock()
	name, ok := r.overrides[id.Key]
	r.mu.RUnlock()
	if ok {
		return r.tiers[name], SourceOverride
	}
	if name, ok := r.roles[id.Role]; ok && id.Role != "" {
		return r.tiers[name], SourceRole
	}
	return r.tiers[r.anonymous], SourceAnonymous
}

// Override returns the tier explicitly assigned to key, if any.
func (r *Registry) Override(key string) (Tier, bool) {
	r.mu.RLock()
	name, ok := r.overrides[key]
	r.mu.RUnlock()
	if !ok {
		return Tier{}, false
	}
	return r.tiers[name], true
}

// SetOverride assigns tierName to the identity key. Unknown tiers are rejected.
func (r *Registry) SetOverride(key, tierName string) error {
	if key == "" {
		return errors.New("identity key is required")
	}
	if _, ok := r.tiers[tierName]; !ok {
		return fmt.Errorf("%w %q", ErrUnknownTier, tierName)
	}
	r.mu.Lock()
	r.overrides[key] = tierName
	r.mu.Unlock()
	return nil
}

// ClearOverride removes the override for key and reports whether one existed.
func (r *Registry) ClearOverride(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.overrides[key]
	delete(r.overrides, key)
	return ok
}

// Overrides returns a copy of the current per-user overrides.
func (r *Registry) Overrides() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.overrides))
	for k, v := range r.overrides {
		out[k] = v
	}
	return out
}
