package dispatch

import (
	"context"
	"time"

	gwmetrics "github.com/vyrodovalexey/gengw/internal/gateway/metrics"
	"github.com/vyrodovalexey/gengw/internal/observability"
)

// Batch trigger labels.
const (
	triggerSize = "size"
	triggerWait = "wait"
)

// batcher is the queue's single consumer. It groups compatible
// requests (same capability and model pin) into batches and hands each
// batch to the dispatch function. A batch flushes when it reaches the
// maximum size or when the oldest member has waited the maximum time.
type batcher struct {
	queue    *queue
	maxSize  int
	maxWait  time.Duration
	dispatch func(ctx context.Context, batch []*pending)
	logger   observability.Logger
}

func newBatcher(q *queue, maxSize int, maxWait time.Duration,
	dispatch func(ctx context.Context, batch []*pending),
	logger observability.Logger,
) *batcher {
	if maxSize < 1 {
		maxSize = 1
	}
	return &batcher{
		queue:    q,
		maxSize:  maxSize,
		maxWait:  maxWait,
		dispatch: dispatch,
		logger:   logger,
	}
}

// run consumes the queue until the context ends.
func (b *batcher) run(ctx context.Context) {
	for {
		head := b.queue.popHead()
		if head == nil {
			if !b.queue.wait(ctx) {
				return
			}
			continue
		}

		if head.expired() {
			gwmetrics.Get().RecordQueueTimeout(string(head.req.Capability))
			head.complete(Result{Err: ErrTimeout})
			continue
		}

		batch, trigger := b.collect(ctx, head)
		if len(batch) == 0 {
			return
		}

		capability := string(head.req.Capability)
		gwmetrics.Get().RecordBatch(capability, trigger, len(batch), time.Since(head.enqueuedAt))

		b.dispatch(ctx, batch)
	}
}

// collect grows a batch around the head request until the size or wait
// trigger fires. Returns nil when the context ended before the flush.
func (b *batcher) collect(ctx context.Context, head *pending) ([]*pending, string) {
	batch := []*pending{head}
	if b.maxSize == 1 {
		return batch, triggerSize
	}

	wait := b.maxWait - time.Since(head.enqueuedAt)
	if wait < 0 {
		wait = 0
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		more := b.queue.popCompatible(head.req.Capability, head.pin, b.maxSize-len(batch))
		batch = append(batch, more...)
		if len(batch) >= b.maxSize {
			return batch, triggerSize
		}

		select {
		case <-ctx.Done():
			for _, p := range batch {
				p.complete(Result{Err: ErrShuttingDown})
			}
			return nil, ""
		case <-timer.C:
			return batch, triggerWait
		case <-b.queue.notify:
		}
	}
}
