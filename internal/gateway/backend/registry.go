package backend

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/vyrodovalexey/gengw/internal/config"
	gwmetrics "github.com/vyrodovalexey/gengw/internal/gateway/metrics"
	"github.com/vyrodovalexey/gengw/internal/observability"
)

// defaultDrainTimeout bounds how long Remove waits for in-flight
// requests before deleting the backend anyway.
const defaultDrainTimeout = 30 * time.Second

// drainPollInterval is how often Remove re-checks the in-flight count.
const drainPollInterval = 50 * time.Millisecond

// Registry is the authoritative, name-keyed set of backends. Lookups
// take a read lock; mutation takes the write lock. Live backend state
// lives in atomics on the records, so List snapshots are cheap.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]*Backend
	nextSeq  uint64

	drainTimeout time.Duration
	logger       observability.Logger

	onAdd    func(*Backend)
	onRemove func(*Backend)
}

// RegistryOption is a functional option for the registry.
type RegistryOption func(*Registry)

// WithRegistryLogger sets the registry logger.
func WithRegistryLogger(logger observability.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = logger
	}
}

// WithDrainTimeout bounds the in-flight drain during Remove.
func WithDrainTimeout(d time.Duration) RegistryOption {
	return func(r *Registry) {
		r.drainTimeout = d
	}
}

// WithAddHook registers a callback invoked after a backend is added.
func WithAddHook(fn func(*Backend)) RegistryOption {
	return func(r *Registry) {
		r.onAdd = fn
	}
}

// WithRemoveHook registers a callback invoked when a backend is
// removed, before the in-flight drain.
func WithRemoveHook(fn func(*Backend)) RegistryOption {
	return func(r *Registry) {
		r.onRemove = fn
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		backends:     make(map[string]*Backend),
		drainTimeout: defaultDrainTimeout,
		logger:       observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// LoadFromConfig builds adapters and registers all configured backends.
func (r *Registry) LoadFromConfig(cfgs []config.BackendConfig) error {
	for _, cfg := range cfgs {
		adapter, err := newAdapter(cfg, r.logger)
		if err != nil {
			return fmt.Errorf("backend %s: %w", cfg.Name, err)
		}
		if err := r.Add(New(cfg, adapter)); err != nil {
			return err
		}
	}
	return nil
}

// AddFromConfig builds the adapter for a single backend config and
// registers it. Used by the admin API.
func (r *Registry) AddFromConfig(cfg config.BackendConfig) (*Backend, error) {
	adapter, err := newAdapter(cfg, r.logger)
	if err != nil {
		return nil, fmt.Errorf("backend %s: %w", cfg.Name, err)
	}
	b := New(cfg, adapter)
	if err := r.Add(b); err != nil {
		_ = adapter.Close()
		return nil, err
	}
	return b, nil
}

// newAdapter builds the protocol adapter for a backend config.
func newAdapter(cfg config.BackendConfig, logger observability.Logger) (Adapter, error) {
	switch cfg.Protocol {
	case config.ProtocolGRPC:
		return NewGRPCAdapter(cfg, WithGRPCLogger(logger))
	case config.ProtocolHTTP:
		return NewHTTPAdapter(cfg, WithHTTPLogger(logger))
	default:
		return nil, fmt.Errorf("unknown protocol %q", cfg.Protocol)
	}
}

// Add registers a backend. Names are unique.
func (r *Registry) Add(b *Backend) error {
	r.mu.Lock()
	if _, exists := r.backends[b.name]; exists {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateName, b.name)
	}
	r.nextSeq++
	b.seq = r.nextSeq
	r.backends[b.name] = b
	r.mu.Unlock()

	r.logger.Info("backend registered",
		observability.String("backend", b.name),
		observability.String("protocol", string(b.protocol)),
		observability.Int("endpoints", len(b.endpoints)),
	)

	if r.onAdd != nil {
		r.onAdd(b)
	}
	return nil
}

// Remove disables a backend, waits for in-flight requests to drain (up
// to the drain timeout), then deletes it and closes its adapter.
func (r *Registry) Remove(ctx context.Context, name string) error {
	r.mu.Lock()
	b, exists := r.backends[name]
	r.mu.Unlock()
	if !exists {
		return fmt.Errorf("%w: %s", ErrBackendNotFound, name)
	}

	// New dispatches stop immediately; the record stays visible until
	// the drain completes.
	b.SetEnabled(false)

	if r.onRemove != nil {
		r.onRemove(b)
	}

	r.waitForDrain(ctx, b)

	r.mu.Lock()
	delete(r.backends, name)
	r.mu.Unlock()

	if err := b.adapter.Close(); err != nil {
		r.logger.Warn("failed to close backend adapter",
			observability.String("backend", name),
			observability.Error(err),
		)
	}

	gwmetrics.Get().BackendInFlight.DeleteLabelValues(name)
	gwmetrics.Get().BackendHealth.DeleteLabelValues(name)

	r.logger.Info("backend removed", observability.String("backend", name))
	return nil
}

// waitForDrain polls the in-flight counter until it reaches zero or the
// grace timeout expires.
func (r *Registry) waitForDrain(ctx context.Context, b *Backend) {
	deadline := time.NewTimer(r.drainTimeout)
	defer deadline.Stop()
	tick := time.NewTicker(drainPollInterval)
	defer tick.Stop()

	for b.InFlight() > 0 {
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			r.logger.Warn("drain timeout expired with requests in flight",
				observability.String("backend", b.name),
				observability.Int64("in_flight", b.InFlight()),
			)
			return
		case <-tick.C:
		}
	}
}

// Get returns a backend by name.
func (r *Registry) Get(name string) (*Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	b, exists := r.backends[name]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrBackendNotFound, name)
	}
	return b, nil
}

// List returns the backends serving a capability, in registration
// order. The slice is a snapshot; the records are live.
func (r *Registry) List(capability Capability) []*Backend {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Backend
	for _, b := range r.backends {
		if b.HasCapability(capability) {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// All returns every registered backend in registration order.
func (r *Registry) All() []*Backend {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Backend, 0, len(r.backends))
	for _, b := range r.backends {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// Len returns the number of registered backends.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.backends)
}

// Snapshots captures the state of every backend for status reporting.
func (r *Registry) Snapshots() []Snapshot {
	all := r.All()
	out := make([]Snapshot, 0, len(all))
	for _, b := range all {
		out = append(out, b.Snapshot())
	}
	return out
}

// Close closes every adapter. Used during shutdown.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error
	for _, b := range r.backends {
		if err := b.adapter.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
