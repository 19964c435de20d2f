// Package backend provides generation backend management for the
// gateway: the registry, protocol adapters, health checking, and load
// balancing.
package backend

import (
	"sync/atomic"
	"time"

	"github.com/vyrodovalexey/gengw/internal/config"
)

// Capability identifies the kind of media a backend can generate.
type Capability string

const (
	// CapabilityImage marks image generation backends.
	CapabilityImage Capability = "image"

	// CapabilityText marks text generation backends.
	CapabilityText Capability = "text"
)

// Protocol identifies the wire protocol a backend speaks.
type Protocol string

const (
	// ProtocolHTTP marks HTTP/JSON backends.
	ProtocolHTTP Protocol = "http"

	// ProtocolGRPC marks gRPC backends.
	ProtocolGRPC Protocol = "grpc"
)

// HealthStatus represents the health of a backend.
type HealthStatus int32

const (
	// HealthUnknown indicates no probe has completed yet.
	HealthUnknown HealthStatus = iota
	// HealthHealthy indicates the backend is serving.
	HealthHealthy
	// HealthUnhealthy indicates the backend is failing probes.
	HealthUnhealthy
)

// String returns the string representation of the status.
func (s HealthStatus) String() string {
	switch s {
	case HealthHealthy:
		return "healthy"
	case HealthUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// Backend is a registered generation backend. Identity fields are
// immutable after construction; live state (health, enabled, in-flight)
// is held in atomics so concurrent readers never see torn records.
type Backend struct {
	name         string
	protocol     Protocol
	capabilities []Capability
	endpoints    []string
	weight       int
	models       []string
	adapter      Adapter

	// seq preserves registration order for load balancer stability.
	seq uint64

	health   atomic.Int32
	enabled  atomic.Bool
	inFlight atomic.Int64
}

// New creates a backend record with the given adapter.
func New(cfg config.BackendConfig, adapter Adapter) *Backend {
	caps := make([]Capability, 0, len(cfg.Capabilities))
	for _, c := range cfg.Capabilities {
		caps = append(caps, Capability(c))
	}

	b := &Backend{
		name:         cfg.Name,
		protocol:     Protocol(cfg.Protocol),
		capabilities: caps,
		endpoints:    append([]string(nil), cfg.Endpoints...),
		weight:       cfg.GetWeight(),
		models:       append([]string(nil), cfg.Models...),
		adapter:      adapter,
	}
	b.health.Store(int32(HealthUnknown))
	b.enabled.Store(cfg.IsEnabled())
	return b
}

// Name returns the backend name.
func (b *Backend) Name() string { return b.name }

// Protocol returns the backend wire protocol.
func (b *Backend) Protocol() Protocol { return b.protocol }

// Capabilities returns the backend capabilities.
func (b *Backend) Capabilities() []Capability { return b.capabilities }

// HasCapability reports whether the backend serves the given capability.
func (b *Backend) HasCapability(c Capability) bool {
	for _, have := range b.capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// Endpoints returns the configured endpoint addresses.
func (b *Backend) Endpoints() []string { return b.endpoints }

// Weight returns the load balancing weight.
func (b *Backend) Weight() int { return b.weight }

// Models returns the model names served by the backend.
func (b *Backend) Models() []string { return b.models }

// Adapter returns the protocol adapter.
func (b *Backend) Adapter() Adapter { return b.adapter }

// Health returns the current health status.
func (b *Backend) Health() HealthStatus {
	return HealthStatus(b.health.Load())
}

// SetHealth updates the health status.
func (b *Backend) SetHealth(s HealthStatus) {
	b.health.Store(int32(s))
}

// Enabled reports whether the backend may receive traffic.
func (b *Backend) Enabled() bool { return b.enabled.Load() }

// SetEnabled toggles traffic admission for the backend.
func (b *Backend) SetEnabled(v bool) { b.enabled.Store(v) }

// Available reports whether the backend is enabled and not unhealthy.
// A backend that has not been probed yet counts as available so traffic
// can flow before the first probe completes.
func (b *Backend) Available() bool {
	return b.Enabled() && b.Health() != HealthUnhealthy
}

// InFlight returns the number of requests currently dispatched to the
// backend.
func (b *Backend) InFlight() int64 { return b.inFlight.Load() }

// AcquireSlot increments the in-flight counter.
func (b *Backend) AcquireSlot() { b.inFlight.Add(1) }

// ReleaseSlot decrements the in-flight counter.
func (b *Backend) ReleaseSlot() { b.inFlight.Add(-1) }

// Snapshot is a point-in-time view of a backend for status reporting.
type Snapshot struct {
	Name         string       `json:"name"`
	Protocol     Protocol     `json:"protocol"`
	Capabilities []Capability `json:"capabilities"`
	Endpoints    []string     `json:"endpoints"`
	Weight       int          `json:"weight"`
	Models       []string     `json:"models,omitempty"`
	Health       string       `json:"health"`
	Enabled      bool         `json:"enabled"`
	InFlight     int64        `json:"inFlight"`
	CapturedAt   time.Time    `json:"capturedAt"`
}

// Snapshot captures the backend state.
func (b *Backend) Snapshot() Snapshot {
	return Snapshot{
		Name:         b.name,
		Protocol:     b.protocol,
		Capabilities: b.capabilities,
		Endpoints:    b.endpoints,
		Weight:       b.weight,
		Models:       b.models,
		Health:       b.Health().String(),
		Enabled:      b.Enabled(),
		InFlight:     b.InFlight(),
		CapturedAt:   time.Now(),
	}
}
