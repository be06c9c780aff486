// Package runloop implements the deferred/queued/after-delay callback
// contract spec.md treats as an external collaborator (component A): a
// single-threaded, cooperatively scheduled dispatcher with four named
// queues — before, middle, render, after — drained in that order on every
// turn. Store mutation methods enqueue onto middle so that several
// mutation calls within one turn coalesce into a single commit and a
// single round of type-change notifications; nothing downstream observes
// an intermediate state.
package runloop

import "sync"

// Queue names a named phase of a run-loop turn.
type Queue int

const (
	Before Queue = iota
	Middle
	Render
	After

	queueCount = int(After) + 1
)

// RunLoop is a single-threaded, cooperatively scheduled dispatcher. All
// its methods are safe to call from any goroutine: Enqueue/EnqueueOnce/
// Dispatch just append to a queue under a mutex, and Flush (which
// actually runs callbacks) is expected to be called from one dedicated
// goroutine, mirroring spec §5's "Source callbacks are expected to arrive
// on the run-loop thread; if a source is truly concurrent it must marshal
// callbacks onto the run-loop before invoking store methods" — Dispatch is
// that marshaling point.
type RunLoop struct {
	mu        sync.Mutex
	queues    [queueCount][]func()
	scheduled map[string]bool // coalescing key -> pending this turn
	dispatch  []func()
}

// New creates an empty RunLoop.
func New() *RunLoop {
	return &RunLoop{scheduled: make(map[string]bool)}
}

// Enqueue schedules fn to run the next time q is drained.
func (r *RunLoop) Enqueue(q Queue, fn func()) {
	r.mu.Lock()
	r.queues[q] = append(r.queues[q], fn)
	r.mu.Unlock()
}

// EnqueueOnce schedules fn on q unless a call with the same key is already
// pending in q this turn. commitChanges uses this so that N mutation calls
// in a row only schedule one commit.
func (r *RunLoop) EnqueueOnce(q Queue, key string, fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.scheduled[key] {
		return
	}
	r.scheduled[key] = true
	r.queues[q] = append(r.queues[q], func() {
		fn()
		r.mu.Lock()
		delete(r.scheduled, key)
		r.mu.Unlock()
	})
}

// Dispatch marshals fn onto the run-loop thread. Use this from a
// goroutine that is not the one calling Flush — e.g. a concurrent
// Source's callback goroutine — so that Store mutation always happens on
// the single run-loop thread. Flush executes queued dispatches before the
// before/middle/render/after phases on every turn.
func (r *RunLoop) Dispatch(fn func()) {
	r.mu.Lock()
	r.dispatch = append(r.dispatch, fn)
	r.mu.Unlock()
}

// Flush drains dispatch, then before, then middle, then render, then
// after, repeating the whole cycle until every queue is empty (a callback
// run in one phase is free to enqueue more work in any phase — e.g. the
// commit pipeline recursing when autoCommit finds more pending changes).
// It returns the number of callbacks executed.
func (r *RunLoop) Flush() int {
	ran := 0
	for {
		batch := r.takeAll()
		if len(batch) == 0 {
			return ran
		}
		for _, fn := range batch {
			fn()
			ran++
		}
	}
}

// takeAll atomically empties every queue (in dispatch, before, middle,
// render, after order) and returns their concatenation.
func (r *RunLoop) takeAll() []func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []func()
	out = append(out, r.dispatch...)
	r.dispatch = nil
	for q := 0; q < queueCount; q++ {
		out = append(out, r.queues[q]...)
		r.queues[q] = nil
	}
	return out
}

// Pending reports whether any queue currently holds work.
func (r *RunLoop) Pending() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.dispatch) > 0 {
		return true
	}
	for q := 0; q < queueCount; q++ {
		if len(r.queues[q]) > 0 {
			return true
		}
	}
	return false
}
