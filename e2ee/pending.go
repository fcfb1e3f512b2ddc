package e2ee

import (
	"sync"
	"time"
)

// Outcome is the terminal state of a pending request.
type Outcome int

const (
	// OutcomeResolved: the matching reply arrived in time.
	OutcomeResolved Outcome = iota
	// OutcomeFailed: the request was failed explicitly (error reply, peer
	// left).
	OutcomeFailed
	// OutcomeTimedOut: no reply within the registry timeout.
	OutcomeTimedOut
)

func (o Outcome) String() string {
	switch o {
	case OutcomeResolved:
		return "resolved"
	case OutcomeFailed:
		return "failed"
	default:
		return "timed out"
	}
}

type pendingRequest struct {
	done     chan Outcome
	timer    *time.Timer
	onExpire func()
}

// pendingRegistry correlates request uuids to their eventual outcome. Every
// entry reaches exactly one terminal outcome: resolve and fail race the
// expiry timer, and whichever removes the entry first delivers it.
type pendingRegistry struct {
	mu       sync.Mutex
	requests map[string]*pendingRequest
	timeout  time.Duration
}

func newPendingRegistry(timeout time.Duration) *pendingRegistry {
	return &pendingRegistry{
		requests: make(map[string]*pendingRequest),
		timeout:  timeout,
	}
}

// add registers a request and arms its expiry timer. The returned channel
// delivers the single terminal outcome. onExpire, if set, runs after a
// timeout has been delivered (and never after resolve/fail); it is called
// from the timer goroutine.
func (r *pendingRegistry) add(id string, onExpire func()) <-chan Outcome {
	req := &pendingRequest{
		done:     make(chan Outcome, 1),
		onExpire: onExpire,
	}

	r.mu.Lock()
	r.requests[id] = req
	req.timer = time.AfterFunc(r.timeout, func() { r.expire(id) })
	r.mu.Unlock()

	return req.done
}

// resolve completes a pending request successfully. It reports false if the
// id is unknown or already completed (late or duplicate reply).
func (r *pendingRegistry) resolve(id string) bool {
	return r.complete(id, OutcomeResolved)
}

// fail completes a pending request unsuccessfully.
func (r *pendingRegistry) fail(id string) bool {
	return r.complete(id, OutcomeFailed)
}

func (r *pendingRegistry) complete(id string, outcome Outcome) bool {
	r.mu.Lock()
	req, ok := r.requests[id]
	if ok {
		delete(r.requests, id)
		req.timer.Stop()
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	req.done <- outcome
	return true
}

func (r *pendingRegistry) expire(id string) {
	r.mu.Lock()
	req, ok := r.requests[id]
	if ok {
		delete(r.requests, id)
	}
	r.mu.Unlock()

	// If resolve/fail won the race the entry is gone and the timeout is a
	// no-op.
	if !ok {
		return
	}
	req.done <- OutcomeTimedOut
	if req.onExpire != nil {
		req.onExpire()
	}
}

// has reports whether id is still pending.
func (r *pendingRegistry) has(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.requests[id]
	return ok
}

// size returns the number of outstanding requests.
func (r *pendingRegistry) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.requests)
}
