package backend

import (
	"context"
	"sync"
	"time"

	"github.com/vyrodovalexey/gengw/internal/config"
	gwmetrics "github.com/vyrodovalexey/gengw/internal/gateway/metrics"
	"github.com/vyrodovalexey/gengw/internal/observability"
)

// Health check default configuration constants.
const (
	// DefaultHealthCheckInterval is the default interval between probes.
	DefaultHealthCheckInterval = 10 * time.Second

	// DefaultHealthCheckTimeout is the default probe timeout.
	DefaultHealthCheckTimeout = 5 * time.Second
)

// HealthManager runs one prober goroutine per watched backend. Probers
// are started when a backend is registered and cancelled when it is
// removed, so a slow backend never delays probes of the others.
type HealthManager struct {
	interval           time.Duration
	timeout            time.Duration
	healthyThreshold   int
	unhealthyThreshold int

	logger observability.Logger

	mu      sync.Mutex
	probers map[string]*prober
	baseCtx context.Context
	cancel  context.CancelFunc
	started bool
	wg      sync.WaitGroup
}

// HealthManagerOption is a functional option for the health manager.
type HealthManagerOption func(*HealthManager)

// WithHealthLogger sets the health manager logger.
func WithHealthLogger(logger observability.Logger) HealthManagerOption {
	return func(m *HealthManager) {
		m.logger = logger
	}
}

// NewHealthManager creates a health manager from config.
func NewHealthManager(cfg config.HealthCheckConfig, opts ...HealthManagerOption) *HealthManager {
	m := &HealthManager{
		interval:           cfg.Interval.Duration(),
		timeout:            cfg.Timeout.Duration(),
		healthyThreshold:   cfg.HealthyThreshold,
		unhealthyThreshold: cfg.UnhealthyThreshold,
		logger:             observability.NopLogger(),
		probers:            make(map[string]*prober),
	}

	if m.interval <= 0 {
		m.interval = DefaultHealthCheckInterval
	}
	if m.timeout <= 0 {
		m.timeout = DefaultHealthCheckTimeout
	}
	if m.healthyThreshold < 1 {
		m.healthyThreshold = 1
	}
	if m.unhealthyThreshold < 1 {
		m.unhealthyThreshold = 1
	}

	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start enables probing. Backends watched before Start are picked up
// immediately.
func (m *HealthManager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return
	}
	m.baseCtx, m.cancel = context.WithCancel(ctx)
	m.started = true

	for _, p := range m.probers {
		m.launch(p)
	}
}

// Watch registers a backend for probing.
func (m *HealthManager) Watch(b *Backend) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.probers[b.Name()]; exists {
		return
	}

	p := &prober{manager: m, backend: b}
	m.probers[b.Name()] = p

	if m.started {
		m.launch(p)
	}
}

// Unwatch cancels the prober for a backend.
func (m *HealthManager) Unwatch(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, exists := m.probers[name]
	if !exists {
		return
	}
	delete(m.probers, name)
	if p.cancel != nil {
		p.cancel()
	}
}

// launch starts a prober goroutine. Caller holds m.mu.
func (m *HealthManager) launch(p *prober) {
	ctx, cancel := context.WithCancel(m.baseCtx)
	p.cancel = cancel

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		p.run(ctx)
	}()
}

// Stop cancels all probers and waits for them to exit.
func (m *HealthManager) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	m.cancel()
	m.mu.Unlock()

	m.wg.Wait()
}

// prober probes a single backend on a fixed interval.
type prober struct {
	manager *HealthManager
	backend *Backend
	cancel  context.CancelFunc

	consecutiveOK   int
	consecutiveFail int
}

// run probes immediately, then on every tick until cancelled.
func (p *prober) run(ctx context.Context) {
	p.probe(ctx)

	ticker := time.NewTicker(p.manager.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.probe(ctx)
		}
	}
}

// probe runs one health check and applies the thresholds.
func (p *prober) probe(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, p.manager.timeout)
	err := p.backend.Adapter().Health(probeCtx)
	cancel()

	if err != nil {
		p.recordFailure(err)
	} else {
		p.recordSuccess()
	}
}

func (p *prober) recordSuccess() {
	p.consecutiveFail = 0
	p.consecutiveOK++

	gwmetrics.Get().HealthChecksTotal.WithLabelValues(p.backend.Name(), "success").Inc()

	if p.backend.Health() == HealthHealthy {
		return
	}
	if p.consecutiveOK >= p.manager.healthyThreshold {
		p.backend.SetHealth(HealthHealthy)
		gwmetrics.Get().BackendHealth.WithLabelValues(p.backend.Name()).Set(1)
		p.manager.logger.Info("backend healthy",
			observability.String("backend", p.backend.Name()),
		)
	}
}

func (p *prober) recordFailure(err error) {
	p.consecutiveOK = 0
	p.consecutiveFail++

	gwmetrics.Get().HealthChecksTotal.WithLabelValues(p.backend.Name(), "failure").Inc()

	if p.backend.Health() == HealthUnhealthy {
		return
	}
	if p.consecutiveFail >= p.manager.unhealthyThreshold {
		p.backend.SetHealth(HealthUnhealthy)
		gwmetrics.Get().BackendHealth.WithLabelValues(p.backend.Name()).Set(0)
		p.manager.logger.Warn("backend unhealthy",
			observability.String("backend", p.backend.Name()),
			observability.Error(err),
		)
	}
}
