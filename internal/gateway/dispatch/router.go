package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vyrodovalexey/gengw/internal/circuitbreaker"
	"github.com/vyrodovalexey/gengw/internal/config"
	"github.com/vyrodovalexey/gengw/internal/gateway/backend"
	gwmetrics "github.com/vyrodovalexey/gengw/internal/gateway/metrics"
	"github.com/vyrodovalexey/gengw/internal/observability"
	"github.com/vyrodovalexey/gengw/internal/retry"
)

// defaultHoldInterval is how often a held batch re-checks for an
// available backend.
const defaultHoldInterval = 50 * time.Millisecond

// Router accepts generation requests, admits them to the queue, and
// owns the dispatch policy: candidate filtering, load balancing,
// circuit breaking, and bounded retry with failover to a different
// backend.
type Router struct {
	registry *backend.Registry
	breakers *circuitbreaker.Registry
	queue    *queue
	batcher  *batcher

	lb            backend.LoadBalancer
	modelMappings map[string]string
	fallbacks     map[string][]string
	retryCfg      *retry.Config
	holdInterval  time.Duration

	logger observability.Logger
	tracer *observability.Tracer

	mu      sync.Mutex
	cancel  context.CancelFunc
	started bool
	wg      sync.WaitGroup
}

// RouterOption is a functional option for the router.
type RouterOption func(*Router)

// WithRouterLogger sets the router logger.
func WithRouterLogger(logger observability.Logger) RouterOption {
	return func(r *Router) {
		r.logger = logger
	}
}

// WithLoadBalancer overrides the configured load balancing strategy.
func WithLoadBalancer(lb backend.LoadBalancer) RouterOption {
	return func(r *Router) {
		r.lb = lb
	}
}

// WithTracer enables dispatch spans.
func WithTracer(tracer *observability.Tracer) RouterOption {
	return func(r *Router) {
		r.tracer = tracer
	}
}

// WithHoldInterval sets the poll interval for batches held while no
// backend is available.
func WithHoldInterval(d time.Duration) RouterOption {
	return func(r *Router) {
		r.holdInterval = d
	}
}

// NewRouter creates a router wired to the registry and breaker
// registry from the gateway configuration.
func NewRouter(
	registry *backend.Registry,
	breakers *circuitbreaker.Registry,
	cfg *config.GatewayConfig,
	opts ...RouterOption,
) *Router {
	r := &Router{
		registry:      registry,
		breakers:      breakers,
		modelMappings: cfg.Routing.ModelMappings,
		fallbacks:     cfg.Routing.Fallbacks,
		lb:            backend.NewLoadBalancer(cfg.Routing.DefaultStrategy),
		retryCfg: &retry.Config{
			MaxAttempts:    cfg.Dispatch.Retry.MaxAttempts,
			InitialBackoff: cfg.Dispatch.Retry.InitialBackoff.Duration(),
			MaxBackoff:     cfg.Dispatch.Retry.MaxBackoff.Duration(),
			JitterFactor:   cfg.Dispatch.Retry.JitterFactor,
		},
		holdInterval: defaultHoldInterval,
		logger:       observability.NopLogger(),
	}

	for _, opt := range opts {
		opt(r)
	}

	r.queue = newQueue(cfg.Dispatch.Queue.Capacity, cfg.Dispatch.Queue.SweepInterval.Duration(), r.logger)
	r.batcher = newBatcher(
		r.queue,
		cfg.Dispatch.Batch.MaxSize,
		cfg.Dispatch.Batch.MaxWait.Duration(),
		r.dispatchAsync,
		r.logger,
	)

	return r
}

// Start launches the queue sweeper and the batcher.
func (r *Router) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return
	}
	r.started = true

	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	r.wg.Add(2)
	go func() {
		defer r.wg.Done()
		r.queue.runSweeper(runCtx)
	}()
	go func() {
		defer r.wg.Done()
		r.batcher.run(runCtx)
	}()
}

// Stop drains the pipeline: queued requests fail with ErrShuttingDown,
// in-flight dispatches finish.
func (r *Router) Stop() {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return
	}
	r.started = false
	r.cancel()
	r.mu.Unlock()

	r.queue.close()
	r.wg.Wait()
}

// QueueDepth returns the number of queued requests.
func (r *Router) QueueDepth() int {
	return r.queue.len()
}

// Submit admits a request and returns the channel its result will be
// delivered on. Admission failures (full queue, shutdown) are
// delivered on the channel as well.
func (r *Router) Submit(ctx context.Context, req *backend.Request) <-chan Result {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	p := newPending(req, r.resolvePin(req.Model))

	if err := r.queue.enqueue(p); err != nil {
		p.complete(Result{Err: err})
		r.logger.WithContext(ctx).Warn("request rejected",
			observability.String("request_id", req.ID),
			observability.Error(err),
		)
	}

	return p.resultCh
}

// resolvePin returns the backend a model is mapped to, or empty.
func (r *Router) resolvePin(model string) string {
	if model == "" {
		return ""
	}
	return r.modelMappings[model]
}

// dispatchAsync hands a batch to its own goroutine so a slow dispatch
// never stalls the batcher.
func (r *Router) dispatchAsync(ctx context.Context, batch []*pending) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.dispatchBatch(ctx, batch)
	}()
}

// dispatchBatch drives one batch to completion: hold until a candidate
// backend exists, then attempt dispatch with bounded failover.
func (r *Router) dispatchBatch(ctx context.Context, batch []*pending) {
	capability := batch[0].req.Capability
	pin := batch[0].pin

	if r.tracer != nil {
		var span trace.Span
		ctx, span = r.tracer.Start(ctx, "dispatch.batch",
			trace.WithAttributes(
				attribute.String("capability", string(capability)),
				attribute.Int("batch.size", len(batch)),
			),
		)
		defer span.End()
	}

	remaining := r.holdForCandidates(ctx, batch, capability, pin)
	if len(remaining) == 0 {
		return
	}

	excluded := make(map[string]bool)
	lastErr := error(backend.ErrNoAvailableBackend)
	maxAttempts := r.retryCfg.GetMaxAttempts()

	for attempt := 0; attempt < maxAttempts; attempt++ {
		remaining = r.liveMembers(remaining)
		if len(remaining) == 0 {
			return
		}

		target := r.pickBackend(capability, pin, excluded)
		if target == nil {
			if attempt == 0 {
				// Candidates can vanish between the hold check and the
				// pick, e.g. when a concurrent batch claims a breaker's
				// half-open trial. Nothing was dispatched yet, so keep
				// holding instead of failing the batch.
				remaining = r.holdForCandidates(ctx, remaining, capability, pin)
				if len(remaining) == 0 {
					return
				}
				attempt--
				continue
			}
			break
		}

		if attempt > 0 {
			gwmetrics.Get().RecordRetry(target.Name(), string(capability))
			backoff := retry.CalculateBackoff(attempt-1,
				r.retryCfg.GetInitialBackoff(), r.retryCfg.GetMaxBackoff(), r.retryCfg.GetJitterFactor())
			select {
			case <-ctx.Done():
				r.failRemaining(remaining, ErrShuttingDown, capability)
				return
			case <-time.After(backoff):
			}
		}

		remaining, lastErr = r.execute(ctx, target, remaining, lastErr)
		if len(remaining) == 0 {
			return
		}

		// Next attempt goes to a different backend.
		excluded[target.Name()] = true
	}

	r.failRemaining(remaining, lastErr, capability)
}

// holdForCandidates blocks a batch while no backend can serve it,
// expiring members individually as their deadlines pass.
func (r *Router) holdForCandidates(ctx context.Context, batch []*pending, capability backend.Capability, pin string) []*pending {
	for {
		remaining := r.liveMembers(batch)
		if len(remaining) == 0 {
			return nil
		}
		if len(r.candidates(capability, pin, nil)) > 0 {
			return remaining
		}

		select {
		case <-ctx.Done():
			r.failRemaining(remaining, ErrShuttingDown, capability)
			return nil
		case <-time.After(r.holdInterval):
		}
		batch = remaining
	}
}

// liveMembers drops expired members, completing them with ErrTimeout.
func (r *Router) liveMembers(batch []*pending) []*pending {
	live := batch[:0]
	for _, p := range batch {
		if p.expired() {
			if p.complete(Result{Err: ErrTimeout}) {
				gwmetrics.Get().RecordRequest("", string(p.req.Capability), "timeout", time.Since(p.enqueuedAt))
			}
			continue
		}
		live = append(live, p)
	}
	return live
}

// failRemaining completes every member with the given error.
func (r *Router) failRemaining(batch []*pending, err error, capability backend.Capability) {
	for _, p := range batch {
		if p.complete(Result{Err: err}) {
			gwmetrics.Get().RecordRequest("", string(capability), "error", time.Since(p.enqueuedAt))
		}
	}
}

// candidates returns the backends that may serve a request: pinned
// backend plus its fallbacks when a model mapping exists, otherwise
// every backend with the capability. Disabled, unhealthy, excluded,
// and circuit-ineligible backends are filtered out.
func (r *Router) candidates(capability backend.Capability, pin string, excluded map[string]bool) []*backend.Backend {
	var pool []*backend.Backend
	if pin != "" {
		for _, name := range append([]string{pin}, r.fallbacks[pin]...) {
			b, err := r.registry.Get(name)
			if err != nil {
				continue
			}
			pool = append(pool, b)
		}
	} else {
		pool = r.registry.List(capability)
	}

	out := pool[:0]
	for _, b := range pool {
		if excluded[b.Name()] {
			continue
		}
		if !b.Available() || !b.HasCapability(capability) {
			continue
		}
		if !r.breakers.GetOrCreate(b.Name()).Eligible() {
			continue
		}
		out = append(out, b)
	}
	return out
}

// pickBackend selects a candidate and consumes its circuit breaker
// admission. Pinned requests prefer the mapped backend, then its
// fallbacks in order; unpinned requests go through the load balancer.
// A backend whose breaker refuses at dispatch time is dropped and
// selection repeats.
func (r *Router) pickBackend(capability backend.Capability, pin string, excluded map[string]bool) *backend.Backend {
	dropped := make(map[string]bool, len(excluded))
	for name := range excluded {
		dropped[name] = true
	}

	for {
		cands := r.candidates(capability, pin, dropped)
		if len(cands) == 0 {
			return nil
		}

		var b *backend.Backend
		if pin != "" {
			b = cands[0]
		} else {
			selected, err := r.lb.Select(cands)
			if err != nil {
				return nil
			}
			b = selected
		}

		if !r.breakers.GetOrCreate(b.Name()).Allow() {
			dropped[b.Name()] = true
			continue
		}

		gwmetrics.Get().RecordLBSelection(b.Name(), r.lb.Name())
		return b
	}
}

// execute dispatches the batch to one backend and sorts the outcomes:
// successes complete, non-retryable failures complete with their
// error, retryable failures are returned for the next attempt.
func (r *Router) execute(ctx context.Context, target *backend.Backend, batch []*pending, lastErr error) ([]*pending, error) {
	cb := r.breakers.GetOrCreate(target.Name())
	adapter := target.Adapter()
	capability := string(batch[0].req.Capability)

	for range batch {
		target.AcquireSlot()
	}
	gwmetrics.Get().BackendInFlight.WithLabelValues(target.Name()).Set(float64(target.InFlight()))
	defer func() {
		for range batch {
			target.ReleaseSlot()
		}
		gwmetrics.Get().BackendInFlight.WithLabelValues(target.Name()).Set(float64(target.InFlight()))
	}()

	artifacts, errs := r.generate(ctx, adapter, batch)

	var next []*pending
	for i, p := range batch {
		if errs[i] == nil {
			cb.RecordSuccess()
			if p.complete(Result{Artifact: artifacts[i]}) {
				gwmetrics.Get().RecordRequest(target.Name(), capability, "success", time.Since(p.enqueuedAt))
			}
			continue
		}

		cb.RecordFailure()
		lastErr = errs[i]

		if backend.IsRetryable(errs[i]) {
			next = append(next, p)
			continue
		}
		if p.complete(Result{Err: errs[i]}) {
			gwmetrics.Get().RecordRequest(target.Name(), capability, "error", time.Since(p.enqueuedAt))
		}
	}

	if len(next) > 0 {
		r.logger.Warn("dispatch attempt failed",
			observability.String("backend", target.Name()),
			observability.Int("failed", len(next)),
			observability.Error(lastErr),
		)
	}

	return next, lastErr
}

// generate runs the batch through the adapter: batch-capable adapters
// take the whole group in one call, others get sequential per-request
// dispatch to the same backend.
func (r *Router) generate(ctx context.Context, adapter backend.Adapter, batch []*pending) ([]*backend.Artifact, []error) {
	reqs := make([]*backend.Request, len(batch))
	for i, p := range batch {
		reqs[i] = p.req
	}

	if bg, ok := adapter.(backend.BatchGenerator); ok && len(batch) > 1 {
		return bg.GenerateBatch(ctx, reqs)
	}

	artifacts := make([]*backend.Artifact, len(batch))
	errs := make([]error, len(batch))
	for i, req := range reqs {
		callCtx := ctx
		if !req.Deadline.IsZero() {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithDeadline(ctx, req.Deadline)
			artifacts[i], errs[i] = adapter.Generate(callCtx, req)
			cancel()
			continue
		}
		artifacts[i], errs[i] = adapter.Generate(callCtx, req)
	}
	return artifacts, errs
}
