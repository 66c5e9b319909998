// Package recorder journals admission decisions, breaker transitions and
// list changes for streaming, export and later replay.
package recorder

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/SmitUplenchwar2687/Turnstile/internal/access"
	"github.com/SmitUplenchwar2687/Turnstile/internal/admission"
	"github.com/SmitUplenchwar2687/Turnstile/internal/breaker"
	"github.com/SmitUplenchwar2687/Turnstile/internal/clock"
)

// DefaultCapacity bounds the in-memory journal.
const DefaultCapacity = 10000

// Recorder keeps the most recent events in memory and optionally streams
// every event to a writer as newline-delimited JSON.
// Thread-safe for concurrent use.
type Recorder struct {
	mu       sync.Mutex
	events   []Event
	capacity int
	dropped  int
	writer   io.Writer
	subs     []func(Event)
	logger   *zap.Logger
}

// New creates a Recorder holding at most capacity events (DefaultCapacity
// when capacity <= 0). If w is non-nil, events are also written to w as
// they arrive.
func New(capacity int, w io.Writer, logger *zap.Logger) *Recorder {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{
		capacity: capacity,
		writer:   w,
		logger:   logger.Named("recorder"),
	}
}

// Subscribe registers fn to receive every event after it is journaled.
// fn runs on the recording goroutine and must not block.
func (r *Recorder) Subscribe(fn func(Event)) {
	r.mu.Lock()
	r.subs = append(r.subs, fn)
	r.mu.Unlock()
}

// Record appends ev, evicting the oldest event when full.
func (r *Recorder) Record(ev Event) error {
	r.mu.Lock()
	if len(r.events) == r.capacity {
		copy(r.events, r.events[1:])
		r.events = r.events[:len(r.events)-1]
		r.dropped++
	}
	r.events = append(r.events, ev)

	var err error
	if r.writer != nil {
		err = json.NewEncoder(r.writer).Encode(ev)
	}
	subs := r.subs
	r.mu.Unlock()

	for _, fn := range subs {
		fn(ev)
	}
	return err
}

func (r *Recorder) record(ev Event) {
	if err := r.Record(ev); err != nil {
		r.logger.Warn("journal write failed", zap.String("kind", string(ev.Kind)), zap.Error(err))
	}
}

// Attach journals every decision of ctrl, every transition in breakers and
// every change to lists. Any argument may be nil.
func (r *Recorder) Attach(ctrl *admission.Controller, breakers *breaker.Registry, lists *access.Lists, clk clock.Clock) {
	clk = clock.OrReal(clk)
	if ctrl != nil {
		ctrl.Observe(func(req admission.Request, d admission.Decision) {
			r.record(DecisionEvent(clk.Now(), req, d))
		})
	}
	if breakers != nil {
		breakers.OnStateChange(func(t breaker.Transition) {
			r.record(BreakerEvent(t))
		})
	}
	if lists != nil {
		lists.OnChange(func(c access.Change) {
			r.record(AccessEvent(clk.Now(), c))
		})
	}
}

// Events returns a copy of the journaled events, oldest first.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Len returns the number of journaled events.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

// Dropped returns how many events were evicted to respect the capacity.
func (r *Recorder) Dropped() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// Export writes all events to w as newline-delimited JSON.
func (r *Recorder) Export(w io.Writer) error {
	events := r.Events()
	enc := json.NewEncoder(w)
	for _, ev := range events {
		if err := enc.Encode(ev); err != nil {
			return err
		}
	}
	return nil
}

// ExportFile writes all events to path.
func (r *Recorder) ExportFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	bw := bufio.NewWriter(f)
	if err := r.Export(bw); err != nil {
		f.Close()
		return err
	}
	if err := bw.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Load reads newline-delimited JSON events. Blank lines are skipped.
func Load(rd io.Reader) ([]Event, error) {
	var events []Event
	dec := json.NewDecoder(rd)
	for line := 1; ; line++ {
		var ev Event
		err := dec.Decode(&ev)
		if err == io.EOF {
			return events, nil
		}
		if err != nil {
			return nil, fmt.Errorf("decoding event %d: %w", line, err)
		}
		events = append(events, ev)
	}
}

// LoadFile reads events from path.
func LoadFile(path string) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Load(f)
}
