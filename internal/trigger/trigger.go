// Package trigger implements the one-shot wakeup primitives behind WAIT
// and blocking XREAD: a value that is armed once, fires once, and is
// then discarded by whoever swept it off the pending list.
package trigger

import (
	"context"
	"sync"
	"time"
)

// Event is a one-shot, broadcast wakeup: Fire is idempotent and every
// caller blocked in Wait (or arriving afterward) observes the close.
type Event struct {
	once sync.Once
	ch   chan struct{}
}

func NewEvent() *Event {
	return &Event{ch: make(chan struct{})}
}

func (e *Event) Fire() {
	e.once.Do(func() { close(e.ch) })
}

func (e *Event) Fired() bool {
	select {
	case <-e.ch:
		return true
	default:
		return false
	}
}

// Wait blocks until Fire is called, ctx is done, or timeout elapses
// (timeout <= 0 means no timeout). It never returns an error: a timed-out
// or cancelled wait is not a failure, just an unfired trigger.
func (e *Event) Wait(ctx context.Context, timeout time.Duration) {
	if timeout <= 0 {
		select {
		case <-e.ch:
		case <-ctx.Done():
		}
		return
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-e.ch:
	case <-timer.C:
	case <-ctx.Done():
	}
}

// WaitTrigger wakes a WAIT command once enough replicas have acknowledged
// the master offset it was registered against.
type WaitTrigger struct {
	*Event
	NumReplicas  int
	MasterOffset int64
}

func NewWaitTrigger(numReplicas int, masterOffset int64) *WaitTrigger {
	return &WaitTrigger{Event: NewEvent(), NumReplicas: numReplicas, MasterOffset: masterOffset}
}

// StreamCondition is one "key id" pair from an XREAD BLOCK's STREAMS
// clause: the trigger fires when an XADD lands on Key with an id greater
// than AfterID.
type StreamCondition struct {
	Key     string
	AfterID string
}

// StreamTrigger wakes a blocked XREAD once any of its conditions is
// satisfied by a subsequent XADD.
type StreamTrigger struct {
	*Event
	Conditions []StreamCondition
}

func NewStreamTrigger(conditions []StreamCondition) *StreamTrigger {
	return &StreamTrigger{Event: NewEvent(), Conditions: conditions}
}

// Registry holds a set of pending triggers of one kind, dropping fired
// ones whenever the list is swept.
type Registry[T any] struct {
	mu      sync.Mutex
	pending []T
	fired   func(T) bool
}

// NewRegistry builds a registry. isFired reports whether an entry has
// already fired and can be dropped on the next Sweep.
func NewRegistry[T any](isFired func(T) bool) *Registry[T] {
	return &Registry[T]{fired: isFired}
}

func (r *Registry[T]) Add(t T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending = append(r.pending, t)
}

// Sweep drops every already-fired entry and returns the entries still pending.
func (r *Registry[T]) Sweep() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	live := r.pending[:0]
	for _, t := range r.pending {
		if !r.fired(t) {
			live = append(live, t)
		}
	}
	r.pending = live
	out := make([]T, len(live))
	copy(out, live)
	return out
}
