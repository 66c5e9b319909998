// Package replay re-runs journaled admission requests through a candidate
// configuration on a virtual clock.
package replay

import (
	"context"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/SmitUplenchwar2687/Turnstile/internal/admission"
	"github.com/SmitUplenchwar2687/Turnstile/internal/clock"
	"github.com/SmitUplenchwar2687/Turnstile/internal/recorder"
)

// Decider is the admission entry point being evaluated.
type Decider interface {
	Decide(ctx context.Context, req admission.Request) admission.Decision
}

// Replayer replays journaled requests at a configurable speed.
type Replayer struct {
	events  []recorder.Event
	decider Decider
	clock   *clock.VirtualClock
	filter  Filter
	speed   float64 // 1.0 = real-time, 10.0 = 10x, 0 = instant
}

// Result is the outcome of replaying one journaled request.
type Result struct {
	Event    recorder.Event     `json:"event"`
	Decision admission.Decision `json:"decision"`
	// Changed is set when the replayed verdict differs from the recorded one.
	Changed bool      `json:"changed"`
	Time    time.Time `json:"time"` // virtual time of the replayed decision
}

// Summary aggregates replay statistics.
type Summary struct {
	TotalEvents  int                   `json:"total_events"`
	Filtered     int                   `json:"filtered"`
	Replayed     int                   `json:"replayed"`
	Allowed      int                   `json:"allowed"`
	Denied       int                   `json:"denied"`
	Changed      int                   `json:"changed"`
	Duration     time.Duration         `json:"duration"`      // virtual time span
	WallDuration time.Duration         `json:"wall_duration"` // actual wall clock time
	PerKey       map[string]KeySummary `json:"per_key"`
	PerReason    map[string]int        `json:"per_reason"`
}

// KeySummary has per-key stats.
type KeySummary struct {
	Allowed int `json:"allowed"`
	Denied  int `json:"denied"`
	Changed int `json:"changed"`
}

// New creates a replayer. vc must be the clock d was built on.
func New(d Decider, vc *clock.VirtualClock, speed float64, filter Filter) *Replayer {
	if speed < 0 {
		speed = 0
	}
	return &Replayer{
		decider: d,
		clock:   vc,
		speed:   speed,
		filter:  filter,
	}
}

// Load reads a newline-delimited journal.
func (r *Replayer) Load(rd io.Reader) error {
	events, err := recorder.Load(rd)
	if err != nil {
		return fmt.Errorf("loading journal: %w", err)
	}
	r.events = events
	return nil
}

// LoadEvents sets the events directly.
func (r *Replayer) LoadEvents(events []recorder.Event) {
	r.events = make([]recorder.Event, len(events))
	copy(r.events, events)
}

// Run replays every matching decision event in time order. The virtual clock
// is set to the first event and advanced by the recorded gaps. cb, if
// non-nil, sees every result.
func (r *Replayer) Run(ctx context.Context, cb func(Result)) (*Summary, error) {
	if len(r.events) == 0 {
		return nil, fmt.Errorf("no events loaded")
	}

	sorted := make([]recorder.Event, len(r.events))
	copy(sorted, r.events)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Time.Before(sorted[j].Time)
	})

	var filtered []recorder.Event
	for _, ev := range sorted {
		if r.filter.Match(ev) {
			filtered = append(filtered, ev)
		}
	}

	summary := &Summary{
		TotalEvents: len(sorted),
		Filtered:    len(filtered),
		PerKey:      make(map[string]KeySummary),
		PerReason:   make(map[string]int),
	}
	if len(filtered) == 0 {
		return summary, nil
	}

	wallStart := time.Now()
	r.clock.Set(filtered[0].Time)

	for i, ev := range filtered {
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		if i > 0 {
			gap := ev.Time.Sub(filtered[i-1].Time)
			if gap > 0 {
				if r.speed > 0 {
					scaled := time.Duration(float64(gap) / r.speed)
					if scaled > time.Millisecond {
						select {
						case <-ctx.Done():
							return summary, ctx.Err()
						case <-time.After(scaled):
						}
					}
				}
				r.clock.Advance(gap)
			}
		}

		rec := ev.Decision
		d := r.decider.Decide(ctx, rec.Request)
		res := Result{
			Event:    ev,
			Decision: d,
			Changed:  d.Allowed != rec.Decision.Allowed,
			Time:     r.clock.Now(),
		}

		summary.Replayed++
		ks := summary.PerKey[rec.Request.Identity.Key]
		if d.Allowed {
			summary.Allowed++
			ks.Allowed++
		} else {
			summary.Denied++
			ks.Denied++
		}
		if res.Changed {
			summary.Changed++
			ks.Changed++
		}
		summary.PerKey[rec.Request.Identity.Key] = ks
		summary.PerReason[string(d.Reason)]++

		if cb != nil {
			cb(res)
		}
	}

	summary.Duration = filtered[len(filtered)-1].Time.Sub(filtered[0].Time)
	summary.WallDuration = time.Since(wallStart)
	return summary, nil
}
