package behavior

import "time"

// ring is a fixed-capacity FIFO of events ordered by time.
type ring struct {
	buf  []Event
	head int
	n    int
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]Event, capacity)}
}

// push appends ev, overwriting the oldest event when full.
func (r *ring) push(ev Event) {
	if r.n == len(r.buf) {
		r.head = (r.head + 1) % len(r.buf)
		r.n--
	}
	r.buf[(r.head+r.n)%len(r.buf)] = ev
	r.n++
}

// prune drops events at or before cutoff.
func (r *ring) prune(cutoff time.Time) {
	for r.n > 0 && !r.buf[r.head].At.After(cutoff) {
		r.buf[r.head] = Event{}
		r.head = (r.head + 1) % len(r.buf)
		r.n--
	}
}

func (r *ring) clear() {
	for i := range r.buf {
		r.buf[i] = Event{}
	}
	r.head, r.n = 0, 0
}

func (r *ring) each(fn func(Event)) {
	for i := 0; i < r.n; i++ {
		fn(r.buf[(r.head+i)%len(r.buf)])
	}
}
