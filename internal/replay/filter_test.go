package replay

import (
	"testing"
	"time"

	"github.com/SmitUplenchwar2687/Turnstile/internal/access"
	"github.com/SmitUplenchwar2687/Turnstile/internal/recorder"
)

func TestFilter_Empty_MatchesAllDecisions(t *testing.T) {
	f := Filter{}
	if !f.Match(event(epoch, "any", "api", "/any", true)) {
		t.Error("empty filter should match every decision")
	}
}

func TestFilter_SkipsOtherKinds(t *testing.T) {
	f := Filter{}
	if f.Match(recorder.AccessEvent(epoch, access.Change{List: access.Blacklist, Op: access.OpAdd})) {
		t.Error("access events should never be replayed")
	}
	if f.Match(recorder.Event{Kind: recorder.KindDecision}) {
		t.Error("decision event without payload should not match")
	}
}

func TestFilter_Keys(t *testing.T) {
	f := Filter{Keys: []string{"user1", "user2"}}

	if !f.Match(event(epoch, "user1", "api", "/", true)) {
		t.Error("should match user1")
	}
	if !f.Match(event(epoch, "user2", "api", "/", true)) {
		t.Error("should match user2")
	}
	if f.Match(event(epoch, "user3", "api", "/", true)) {
		t.Error("should not match user3")
	}
}

func TestFilter_Scopes(t *testing.T) {
	f := Filter{Scopes: []string{"payment"}}

	if !f.Match(event(epoch, "u", "payment", "/checkout", true)) {
		t.Error("should match payment scope")
	}
	if f.Match(event(epoch, "u", "search", "/search", true)) {
		t.Error("should not match search scope")
	}
}

func TestFilter_Endpoints(t *testing.T) {
	f := Filter{Endpoints: []string{"/products"}}

	if !f.Match(event(epoch, "u", "api", "GET /products/42", true)) {
		t.Error("should match GET /products/42")
	}
	if f.Match(event(epoch, "u", "api", "GET /health", true)) {
		t.Error("should not match GET /health")
	}
}

func TestFilter_TimeBounds(t *testing.T) {
	f := Filter{After: epoch.Add(time.Minute), Before: epoch.Add(5 * time.Minute)}

	if f.Match(event(epoch, "u", "api", "/", true)) {
		t.Error("should not match before After")
	}
	if f.Match(event(epoch.Add(time.Minute), "u", "api", "/", true)) {
		t.Error("After is exclusive")
	}
	if !f.Match(event(epoch.Add(3*time.Minute), "u", "api", "/", true)) {
		t.Error("should match inside the range")
	}
	if f.Match(event(epoch.Add(5*time.Minute), "u", "api", "/", true)) {
		t.Error("Before is exclusive")
	}
}
