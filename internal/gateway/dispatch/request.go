// Package dispatch implements the gateway dispatch pipeline: a bounded
// priority queue, a capability batcher, and the dynamic router that
// owns retry and failover.
package dispatch

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/vyrodovalexey/gengw/internal/gateway/backend"
)

// Sentinel errors surfaced to submitters.
var (
	// ErrQueueFull is returned when the request queue is at capacity.
	ErrQueueFull = errors.New("request queue is full")

	// ErrTimeout is returned when a request deadline expires before a
	// backend produced a result.
	ErrTimeout = errors.New("request deadline exceeded")

	// ErrShuttingDown is returned for requests submitted during
	// shutdown.
	ErrShuttingDown = errors.New("gateway is shutting down")
)

// Result is the terminal outcome of a submitted request. Exactly one
// of Artifact and Err is set.
type Result struct {
	Artifact *backend.Artifact
	Err      error
}

// pending is a queued request plus its completion channel. A request
// is completed exactly once; late completions (e.g. a sweep racing a
// dispatch) are dropped by the atomic guard.
type pending struct {
	req        *backend.Request
	resultCh   chan Result
	enqueuedAt time.Time

	// pin is the backend name the request's model is mapped to, or
	// empty when any capable backend may serve it. Resolved once at
	// submit time so the batcher can group compatible requests.
	pin string

	done atomic.Bool
}

func newPending(req *backend.Request, pin string) *pending {
	return &pending{
		req:        req,
		resultCh:   make(chan Result, 1),
		enqueuedAt: time.Now(),
		pin:        pin,
	}
}

// complete delivers the result if the request is not already done.
// Returns false if another path completed it first.
func (p *pending) complete(res Result) bool {
	if !p.done.CompareAndSwap(false, true) {
		return false
	}
	p.resultCh <- res
	return true
}

// expired reports whether the request deadline has passed.
func (p *pending) expired() bool {
	return p.req.Expired()
}
