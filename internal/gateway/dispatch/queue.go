package dispatch

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/vyrodovalexey/gengw/internal/gateway/backend"
	gwmetrics "github.com/vyrodovalexey/gengw/internal/gateway/metrics"
	"github.com/vyrodovalexey/gengw/internal/observability"
)

// defaultSweepInterval is how often the deadline sweeper scans.
const defaultSweepInterval = 100 * time.Millisecond

// queue is a bounded, multi-producer single-consumer request queue
// with integer priority classes. Higher priorities dequeue first; FIFO
// order holds within a class. A background sweeper evicts requests
// whose deadline expired while queued.
type queue struct {
	mu       sync.Mutex
	buckets  map[int][]*pending
	prios    []int // sorted descending
	size     int
	capacity int
	closed   bool

	// notify wakes the consumer after an enqueue.
	notify chan struct{}

	sweepInterval time.Duration
	logger        observability.Logger
}

func newQueue(capacity int, sweepInterval time.Duration, logger observability.Logger) *queue {
	if sweepInterval <= 0 {
		sweepInterval = defaultSweepInterval
	}
	return &queue{
		buckets:       make(map[int][]*pending),
		capacity:      capacity,
		notify:        make(chan struct{}, 1),
		sweepInterval: sweepInterval,
		logger:        logger,
	}
}

// enqueue admits a request or fails fast when full.
func (q *queue) enqueue(p *pending) error {
	q.mu.Lock()

	if q.closed {
		q.mu.Unlock()
		return ErrShuttingDown
	}
	if q.size >= q.capacity {
		q.mu.Unlock()
		gwmetrics.Get().RecordQueueRejection(string(p.req.Capability))
		return ErrQueueFull
	}

	prio := p.req.Priority
	if _, ok := q.buckets[prio]; !ok {
		q.buckets[prio] = nil
		q.prios = append(q.prios, prio)
		sort.Sort(sort.Reverse(sort.IntSlice(q.prios)))
	}
	q.buckets[prio] = append(q.buckets[prio], p)
	q.size++
	q.mu.Unlock()

	gwmetrics.Get().QueueDepth.WithLabelValues(string(p.req.Capability)).Inc()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

// popHead removes the highest-priority, oldest request. Returns nil
// when the queue is empty.
func (q *queue) popHead() *pending {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, prio := range q.prios {
		bucket := q.buckets[prio]
		if len(bucket) == 0 {
			continue
		}
		p := bucket[0]
		q.buckets[prio] = bucket[1:]
		q.size--
		gwmetrics.Get().QueueDepth.WithLabelValues(string(p.req.Capability)).Dec()
		return p
	}
	return nil
}

// popCompatible removes up to max requests that share the given
// capability and pin, in priority-then-FIFO order. Non-matching
// requests keep their positions.
func (q *queue) popCompatible(capability backend.Capability, pin string, max int) []*pending {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []*pending
	for _, prio := range q.prios {
		if len(out) >= max {
			break
		}
		bucket := q.buckets[prio]
		kept := bucket[:0]
		for _, p := range bucket {
			if len(out) < max && p.req.Capability == capability && p.pin == pin {
				out = append(out, p)
				q.size--
				gwmetrics.Get().QueueDepth.WithLabelValues(string(p.req.Capability)).Dec()
				continue
			}
			kept = append(kept, p)
		}
		q.buckets[prio] = kept
	}
	return out
}

// wait blocks until an enqueue signal arrives or the context ends.
func (q *queue) wait(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-q.notify:
		return true
	}
}

// len returns the number of queued requests.
func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// close rejects further enqueues and fails all queued requests.
func (q *queue) close() {
	q.mu.Lock()
	q.closed = true
	var drained []*pending
	for prio, bucket := range q.buckets {
		drained = append(drained, bucket...)
		q.buckets[prio] = nil
	}
	q.size = 0
	q.mu.Unlock()

	for _, p := range drained {
		if p.complete(Result{Err: ErrShuttingDown}) {
			gwmetrics.Get().QueueDepth.WithLabelValues(string(p.req.Capability)).Dec()
		}
	}
}

// runSweeper evicts expired requests until the context ends.
func (q *queue) runSweeper(ctx context.Context) {
	ticker := time.NewTicker(q.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.sweep()
		}
	}
}

// sweep removes expired requests and completes them with ErrTimeout.
func (q *queue) sweep() {
	q.mu.Lock()
	var expired []*pending
	for prio, bucket := range q.buckets {
		kept := bucket[:0]
		for _, p := range bucket {
			if p.expired() {
				expired = append(expired, p)
				q.size--
				continue
			}
			kept = append(kept, p)
		}
		q.buckets[prio] = kept
	}
	q.mu.Unlock()

	for _, p := range expired {
		gwmetrics.Get().QueueDepth.WithLabelValues(string(p.req.Capability)).Dec()
		gwmetrics.Get().RecordQueueTimeout(string(p.req.Capability))
		if p.complete(Result{Err: ErrTimeout}) {
			q.logger.Debug("request expired in queue",
				observability.String("request_id", p.req.ID),
				observability.String("capability", string(p.req.Capability)),
			)
		}
	}
}
