package limiter

import (
	"sort"
	"sync"
	"time"
)

// pruneThreshold bounds how many tracked keys accumulate before expired
// windows are dropped on write.
const pruneThreshold = 10000

// KeyUsage is the observed consumption of one limiter key in its current window.
type KeyUsage struct {
	Key      string    `json:"key"`
	Used     int       `json:"used"`
	Limit    int       `json:"limit"`
	Requests uint64    `json:"requests"`
	Blocked  uint64    `json:"blocked"`
	ResetAt  time.Time `json:"reset_at"`
	LastSeen time.Time `json:"last_seen"`
}

// Stats summarizes pool traffic seen by this process.
type Stats struct {
	TotalRequests    uint64     `json:"total_requests"`
	BlockedRequests  uint64     `json:"blocked_requests"`
	DegradedRequests uint64     `json:"degraded_requests"`
	ActiveKeys       int        `json:"active_keys"`
	TopKeys          []KeyUsage `json:"top_keys"`
}

type usage struct {
	mu       sync.Mutex
	total    uint64
	blocked  uint64
	degraded uint64
	keys     map[string]*KeyUsage
}

func newUsage() *usage {
	return &usage{keys: make(map[string]*KeyUsage)}
}

func (u *usage) record(key string, d Decision, now time.Time) {
	u.mu.Lock()
	defer u.mu.Unlock()

	u.total++
	if !d.Allowed {
		u.blocked++
	}
	if d.Degraded {
		u.degraded++
	}

	k, ok := u.keys[key]
	if !ok || !now.Before(k.ResetAt) {
		if !ok && len(u.keys) >= pruneThreshold {
			u.pruneLocked(now)
		}
		k = &KeyUsage{Key: key}
		u.keys[key] = k
	}
	k.Requests++
	if !d.Allowed {
		k.Blocked++
	}
	k.Limit = d.Limit
	k.Used = d.Limit - d.Remaining
	k.ResetAt = d.ResetAt
	k.LastSeen = now
}

func (u *usage) pruneLocked(now time.Time) {
	for key, k := range u.keys {
		if !now.Before(k.ResetAt) {
			delete(u.keys, key)
		}
	}
}

func (u *usage) forget(key string) {
	u.mu.Lock()
	delete(u.keys, key)
	u.mu.Unlock()
}

func (u *usage) reset() {
	u.mu.Lock()
	u.keys = make(map[string]*KeyUsage)
	u.mu.Unlock()
}

func (u *usage) stats(now time.Time, n int) Stats {
	u.mu.Lock()
	defer u.mu.Unlock()

	u.pruneLocked(now)
	s := Stats{
		TotalRequests:    u.total,
		BlockedRequests:  u.blocked,
		DegradedRequests: u.degraded,
		ActiveKeys:       len(u.keys),
	}
	if n <= 0 {
		return s
	}

	top := make([]KeyUsage, 0, len(u.keys))
	for _, k := range u.keys {
		top = append(top, *k)
	}
	sort.Slice(top, func(i, j int) bool {
		if top[i].Used != top[j].Used {
			return top[i].Used > top[j].Used
		}
		if top[i].Requests != top[j].Requests {
			return top[i].Requests > top[j].Requests
		}
		return top[i].Key < top[j].Key
	})
	if len(top) > n {
		top = top[:n]
	}
	s.TopKeys = top
	return s
}
