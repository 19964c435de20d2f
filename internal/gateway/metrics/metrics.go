// Package metrics provides standardized Prometheus metrics for the
// gateway dispatch pipeline and its backends.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "gateway"

// GatewayMetrics holds all Prometheus metrics for the gateway.
type GatewayMetrics struct {
	QueueDepth           *prometheus.GaugeVec
	QueueRejectionsTotal *prometheus.CounterVec
	QueueTimeoutsTotal   *prometheus.CounterVec

	BatchSize          *prometheus.HistogramVec
	BatchDispatchTotal *prometheus.CounterVec
	BatchWaitSeconds   *prometheus.HistogramVec

	RequestsTotal          *prometheus.CounterVec
	RequestDurationSeconds *prometheus.HistogramVec
	RetriesTotal           *prometheus.CounterVec

	BackendInFlight   *prometheus.GaugeVec
	BackendHealth     *prometheus.GaugeVec
	HealthChecksTotal *prometheus.CounterVec

	LBSelectionsTotal *prometheus.CounterVec
}

var (
	metricsInstance *GatewayMetrics
	metricsOnce     sync.Once
)

// Get returns the singleton gateway metrics instance.
func Get() *GatewayMetrics {
	metricsOnce.Do(func() {
		metricsInstance = newGatewayMetrics()
	})
	return metricsInstance
}

// newGatewayMetrics creates all metrics registered via promauto
// (default global registry).
//
//nolint:funlen // many metrics require many statements
func newGatewayMetrics() *GatewayMetrics {
	return &GatewayMetrics{
		QueueDepth: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "queue",
				Name:      "depth",
				Help:      "Current number of queued requests",
			},
			[]string{"capability"},
		),
		QueueRejectionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "queue",
				Name:      "rejections_total",
				Help:      "Requests rejected because the queue was full",
			},
			[]string{"capability"},
		),
		QueueTimeoutsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "queue",
				Name:      "timeouts_total",
				Help:      "Requests that expired while queued",
			},
			[]string{"capability"},
		),
		BatchSize: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "batch",
				Name:      "size",
				Help:      "Number of requests per dispatched batch",
				Buckets:   []float64{1, 2, 4, 8, 16, 32},
			},
			[]string{"capability"},
		),
		BatchDispatchTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "batch",
				Name:      "dispatch_total",
				Help:      "Batches dispatched by trigger (size, wait)",
			},
			[]string{"capability", "trigger"},
		),
		BatchWaitSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "batch",
				Name:      "wait_seconds",
				Help:      "Time the oldest batch member waited before dispatch",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"capability"},
		),
		RequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Completed requests by backend and result",
			},
			[]string{"backend", "capability", "result"},
		),
		RequestDurationSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_seconds",
				Help:      "End-to-end request duration in seconds",
				Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"backend", "capability"},
		),
		RetriesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retries_total",
				Help:      "Dispatch attempts beyond the first, per backend",
			},
			[]string{"backend", "capability"},
		),
		BackendInFlight: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "backend",
				Name:      "in_flight",
				Help:      "In-flight requests per backend",
			},
			[]string{"backend"},
		),
		BackendHealth: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "backend",
				Name:      "health_status",
				Help:      "Backend health (1 healthy, 0 unhealthy)",
			},
			[]string{"backend"},
		),
		HealthChecksTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "backend",
				Name:      "health_checks_total",
				Help:      "Health check probes by backend and result",
			},
			[]string{"backend", "result"},
		),
		LBSelectionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "lb",
				Name:      "selections_total",
				Help:      "Load balancer selections by backend and strategy",
			},
			[]string{"backend", "strategy"},
		),
	}
}

// RecordRequest records a completed request.
func (m *GatewayMetrics) RecordRequest(backend, capability, result string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(backend, capability, result).Inc()
	m.RequestDurationSeconds.WithLabelValues(backend, capability).Observe(duration.Seconds())
}

// RecordQueueRejection records a full-queue rejection.
func (m *GatewayMetrics) RecordQueueRejection(capability string) {
	m.QueueRejectionsTotal.WithLabelValues(capability).Inc()
}

// RecordQueueTimeout records a request that expired while queued.
func (m *GatewayMetrics) RecordQueueTimeout(capability string) {
	m.QueueTimeoutsTotal.WithLabelValues(capability).Inc()
}

// RecordBatch records a dispatched batch.
func (m *GatewayMetrics) RecordBatch(capability, trigger string, size int, wait time.Duration) {
	m.BatchSize.WithLabelValues(capability).Observe(float64(size))
	m.BatchDispatchTotal.WithLabelValues(capability, trigger).Inc()
	m.BatchWaitSeconds.WithLabelValues(capability).Observe(wait.Seconds())
}

// RecordHealthCheck records a probe result and the resulting status.
func (m *GatewayMetrics) RecordHealthCheck(backend string, healthy bool) {
	result := "success"
	status := 1.0
	if !healthy {
		result = "failure"
		status = 0.0
	}
	m.HealthChecksTotal.WithLabelValues(backend, result).Inc()
	m.BackendHealth.WithLabelValues(backend).Set(status)
}

// RecordLBSelection records a load balancer pick.
func (m *GatewayMetrics) RecordLBSelection(backend, strategy string) {
	m.LBSelectionsTotal.WithLabelValues(backend, strategy).Inc()
}

// RecordRetry records a dispatch attempt beyond the first.
func (m *GatewayMetrics) RecordRetry(backend, capability string) {
	m.RetriesTotal.WithLabelValues(backend, capability).Inc()
}
