package recorder

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/SmitUplenchwar2687/Turnstile/internal/access"
	"github.com/SmitUplenchwar2687/Turnstile/internal/admission"
	"github.com/SmitUplenchwar2687/Turnstile/internal/breaker"
	"github.com/SmitUplenchwar2687/Turnstile/internal/clock"
	"github.com/SmitUplenchwar2687/Turnstile/internal/limiter"
	"github.com/SmitUplenchwar2687/Turnstile/internal/storage"
	"github.com/SmitUplenchwar2687/Turnstile/internal/tier"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func decision(key string, allowed bool) Event {
	req := admission.Request{Scope: limiter.ScopeAPI, Identity: tier.Identity{Key: key, Role: "customer"}, Endpoint: "/products"}
	d := admission.Decision{Allowed: allowed, Reason: admission.ReasonAllowed, Scope: limiter.ScopeAPI, Tier: tier.Standard}
	if !allowed {
		d.Reason = admission.ReasonQuotaExceeded
	}
	return DecisionEvent(epoch, req, d)
}

func TestRecorder_Record(t *testing.T) {
	rec := New(0, nil, nil)
	if err := rec.Record(decision("user1", true)); err != nil {
		t.Fatal(err)
	}
	if rec.Len() != 1 {
		t.Errorf("Len() = %d, want 1", rec.Len())
	}
	ev := rec.Events()[0]
	if ev.ID == "" {
		t.Error("event should carry an ID")
	}
	if ev.Kind != KindDecision || ev.Decision.Request.Identity.Key != "user1" {
		t.Errorf("unexpected event %+v", ev)
	}
}

func TestRecorder_Events_ReturnsCopy(t *testing.T) {
	rec := New(0, nil, nil)
	rec.Record(decision("user1", true))

	events := rec.Events()
	events[0].Kind = "mutated"

	if rec.Events()[0].Kind != KindDecision {
		t.Error("Events() should return a copy, original was mutated")
	}
}

func TestRecorder_Capacity(t *testing.T) {
	rec := New(3, nil, nil)
	for _, key := range []string{"a", "b", "c", "d", "e"} {
		rec.Record(decision(key, true))
	}
	if rec.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", rec.Len())
	}
	if rec.Dropped() != 2 {
		t.Errorf("Dropped() = %d, want 2", rec.Dropped())
	}
	if got := rec.Events()[0].Decision.Request.Identity.Key; got != "c" {
		t.Errorf("oldest kept = %q, want c", got)
	}
}

func TestRecorder_StreamToWriter(t *testing.T) {
	var buf bytes.Buffer
	rec := New(0, &buf, nil)

	rec.Record(decision("user1", true))
	rec.Record(decision("user2", false))

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}

	var ev Event
	if err := json.Unmarshal(lines[1], &ev); err != nil {
		t.Fatal(err)
	}
	if ev.Decision.Decision.Reason != admission.ReasonQuotaExceeded {
		t.Errorf("second event reason = %q, want quota_exceeded", ev.Decision.Decision.Reason)
	}
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("disk full") }

func TestRecorder_WriterErrorKeepsEvent(t *testing.T) {
	rec := New(0, failingWriter{}, nil)
	if err := rec.Record(decision("user1", true)); err == nil {
		t.Error("expected write error")
	}
	if rec.Len() != 1 {
		t.Errorf("event should still be journaled, Len() = %d", rec.Len())
	}
}

func TestRecorder_Subscribe(t *testing.T) {
	rec := New(0, nil, nil)
	var got []Kind
	rec.Subscribe(func(ev Event) { got = append(got, ev.Kind) })

	rec.Record(decision("user1", true))
	rec.Record(BreakerEvent(breaker.Transition{Name: breaker.Payment, From: breaker.Closed, To: breaker.Open, At: epoch}))

	if len(got) != 2 || got[0] != KindDecision || got[1] != KindBreaker {
		t.Errorf("subscriber saw %v", got)
	}
}

func TestExportFile_LoadFile_Roundtrip(t *testing.T) {
	rec := New(0, nil, nil)
	rec.Record(decision("user1", true))
	rec.Record(AccessEvent(epoch, access.Change{List: access.Blacklist, Op: access.OpAdd, Entry: storage.Entry{Key: "bot", Reason: "abuse"}}))

	path := filepath.Join(t.TempDir(), "journal.ndjson")
	if err := rec.ExportFile(path); err != nil {
		t.Fatal(err)
	}

	loaded, err := LoadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(loaded) != 2 {
		t.Fatalf("loaded %d events, want 2", len(loaded))
	}
	if loaded[1].Kind != KindAccess || loaded[1].Access.Entry.Key != "bot" {
		t.Errorf("access event not preserved: %+v", loaded[1])
	}
	if !loaded[0].Time.Equal(epoch) {
		t.Errorf("time = %v, want %v", loaded[0].Time, epoch)
	}
}

func TestLoad_Invalid(t *testing.T) {
	_, err := Load(bytes.NewReader([]byte("{\"kind\":\"decision\"}\nnot json\n")))
	if err == nil {
		t.Fatal("expected decode error")
	}
}

func TestLoad_Empty(t *testing.T) {
	events, err := Load(bytes.NewReader(nil))
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 0 {
		t.Errorf("loaded %d events, want 0", len(events))
	}
}

func TestRecorder_Attach(t *testing.T) {
	vc := clock.NewVirtualClock(epoch)
	counters, err := storage.NewMemoryCounterStore(storage.MemoryConfig{Clock: vc, CleanupInterval: time.Hour})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { counters.Close() })
	lstore := storage.NewMemoryListStore(vc)
	backend := &storage.Backend{Mode: storage.ModeLocal, Timeout: 50 * time.Millisecond, Counters: counters, Fallback: counters, Lists: lstore}

	pool, err := limiter.NewPool(limiter.Config{Scopes: limiter.DefaultScopes(), DefaultScope: limiter.ScopeAPI},
		backend, tier.NewDefaultRegistry(), limiter.WithClock(vc))
	if err != nil {
		t.Fatal(err)
	}
	lists := access.New(lstore, vc, nil)
	ctl, err := admission.New(pool, lists, admission.WithClock(vc))
	if err != nil {
		t.Fatal(err)
	}
	breakers, err := breaker.NewRegistry(map[string]breaker.Config{breaker.Payment: breaker.DefaultConfigs()[breaker.Payment]}, breaker.WithClock(vc))
	if err != nil {
		t.Fatal(err)
	}

	rec := New(0, nil, nil)
	rec.Attach(ctl, breakers, lists, vc)

	ctx := context.Background()
	ctl.Decide(ctx, admission.Request{Scope: limiter.ScopeAPI, Identity: tier.Identity{Key: "u1"}})
	if _, err := lists.AddBlacklist(ctx, "bot", "abuse", 0); err != nil {
		t.Fatal(err)
	}
	if err := breakers.Reset(breaker.Payment); err != nil {
		t.Fatal(err)
	}

	events := rec.Events()
	if len(events) < 2 {
		t.Fatalf("journaled %d events, want at least 2", len(events))
	}
	if events[0].Kind != KindDecision || events[0].Decision.Decision.Tier != tier.Anonymous {
		t.Errorf("first event = %+v, want anonymous decision", events[0])
	}
	if events[1].Kind != KindAccess || events[1].Access.Op != access.OpAdd {
		t.Errorf("second event = %+v, want blacklist add", events[1])
	}
}
