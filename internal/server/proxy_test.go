package server

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/SmitUplenchwar2687/Turnstile/internal/breaker"
	"github.com/SmitUplenchwar2687/Turnstile/internal/clock"
)

func newExternalAPIBreaker(t *testing.T, vc *clock.VirtualClock) *breaker.Breaker {
	t.Helper()
	r, err := breaker.NewRegistry(breaker.DefaultConfigs(), breaker.WithClock(vc))
	if err != nil {
		t.Fatal(err)
	}
	return r.MustGet(breaker.ExternalAPI)
}

func TestUpstreamProxy_FailingUpstreamTripsExternalAPIBreaker(t *testing.T) {
	var hits atomic.Int64
	var healthy atomic.Bool
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if !healthy.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer upstream.Close()

	vc := clock.NewVirtualClock(epoch)
	b := newExternalAPIBreaker(t, vc)
	target, _ := url.Parse(upstream.URL)
	front := httptest.NewServer(NewUpstreamProxy(target, b, vc, nil))
	defer front.Close()

	for i := 0; i < 5; i++ {
		resp := do(t, http.MethodGet, front.URL+"/api/products", "", nil)
		if resp.StatusCode != http.StatusInternalServerError {
			t.Fatalf("request %d: status = %d, want the upstream's 500", i+1, resp.StatusCode)
		}
	}
	if b.State() != breaker.Open {
		t.Fatalf("breaker state = %s, want open", b.State())
	}

	resp := do(t, http.MethodGet, front.URL+"/api/products", "", nil)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503 while open", resp.StatusCode)
	}
	if got := resp.Header.Get("Retry-After"); got != "60" {
		t.Errorf("Retry-After = %q, want 60", got)
	}
	if got := hits.Load(); got != 5 {
		t.Errorf("upstream hits = %d, want 5 (open breaker must not forward)", got)
	}

	healthy.Store(true)
	vc.Advance(time.Minute)
	resp = do(t, http.MethodGet, front.URL+"/api/products", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("trial status = %d, want 200", resp.StatusCode)
	}
	if b.State() != breaker.Closed {
		t.Errorf("breaker state = %s, want closed after a good trial", b.State())
	}
}

func TestUpstreamProxy_UnreachableUpstream(t *testing.T) {
	upstream := httptest.NewServer(http.NotFoundHandler())
	target, _ := url.Parse(upstream.URL)
	upstream.Close()

	vc := clock.NewVirtualClock(epoch)
	b := newExternalAPIBreaker(t, vc)
	front := httptest.NewServer(NewUpstreamProxy(target, b, vc, nil))
	defer front.Close()

	resp := do(t, http.MethodGet, front.URL+"/", "", nil)
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", resp.StatusCode)
	}
	if got := b.Snapshot().TotalFailures; got != 1 {
		t.Errorf("total failures = %d, want 1", got)
	}
}

func TestUpstreamProxy_ClientErrorsDoNotCount(t *testing.T) {
	upstream := httptest.NewServer(http.NotFoundHandler())
	defer upstream.Close()

	vc := clock.NewVirtualClock(epoch)
	b := newExternalAPIBreaker(t, vc)
	target, _ := url.Parse(upstream.URL)
	front := httptest.NewServer(NewUpstreamProxy(target, b, vc, nil))
	defer front.Close()

	for i := 0; i < 10; i++ {
		resp := do(t, http.MethodGet, front.URL+"/missing", "", nil)
		if resp.StatusCode != http.StatusNotFound {
			t.Fatalf("status = %d, want 404", resp.StatusCode)
		}
	}
	if snap := b.Snapshot(); snap.State != breaker.Closed || snap.TotalFailures != 0 {
		t.Errorf("snapshot = %+v, want closed with no failures", snap)
	}
}
