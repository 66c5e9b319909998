package behavior

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// Queue feeds events to a Tracker off the request path. Delivery is
// at-most-once and best effort: Submit never blocks, and an event that does
// not fit in the buffer is dropped and counted.
type Queue struct {
	tracker *Tracker
	ch      chan Event

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup

	dropped   atomic.Uint64
	processed atomic.Uint64
}

// NewQueue starts workers goroutines draining a buffer of size events.
func NewQueue(tracker *Tracker, size, workers int) (*Queue, error) {
	if tracker == nil {
		return nil, errors.New("tracker is required")
	}
	if size <= 0 || workers <= 0 {
		return nil, errors.New("queue size and workers must be positive")
	}

	q := &Queue{tracker: tracker, ch: make(chan Event, size)}
	q.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go q.work()
	}
	return q, nil
}

func (q *Queue) work() {
	defer q.wg.Done()
	for ev := range q.ch {
		q.tracker.Record(context.Background(), ev)
		q.processed.Add(1)
	}
}

// Submit enqueues ev and reports whether it was accepted.
func (q *Queue) Submit(ev Event) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		q.dropped.Add(1)
		return false
	}
	select {
	case q.ch <- ev:
		return true
	default:
		q.dropped.Add(1)
		return false
	}
}

// Dropped is the number of events lost to a full buffer or a closed queue.
func (q *Queue) Dropped() uint64 { return q.dropped.Load() }

// Processed is the number of events recorded.
func (q *Queue) Processed() uint64 { return q.processed.Load() }

// Pending is the number of buffered events.
func (q *Queue) Pending() int { return len(q.ch) }

// Close stops accepting events and waits for the buffer to drain or ctx to end.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
