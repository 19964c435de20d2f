// Package config provides configuration management for the gateway.
package config

import "time"

// Protocol identifies the wire protocol a backend speaks.
const (
	ProtocolHTTP = "http"
	ProtocolGRPC = "grpc"
)

// Capability identifies the kind of media a backend can generate.
const (
	CapabilityImage = "image"
	CapabilityText  = "text"
)

// Load balancing strategy names.
const (
	StrategyRoundRobin         = "roundrobin"
	StrategyWeightedRoundRobin = "weighted"
	StrategyLeastConnections   = "leastconn"
	StrategyRandom             = "random"
)

// GatewayConfig is the root configuration for the gateway.
type GatewayConfig struct {
	// Server configures the inbound HTTP server.
	Server ServerConfig `yaml:"server"`

	// Auth configures gateway API key authentication.
	Auth AuthConfig `yaml:"auth"`

	// RateLimit configures the inbound token bucket rate limiter.
	RateLimit RateLimitConfig `yaml:"rateLimit"`

	// Dispatch configures the request queue, batcher, and retry policy.
	Dispatch DispatchConfig `yaml:"dispatch"`

	// HealthCheck configures the per-backend health probers.
	HealthCheck HealthCheckConfig `yaml:"healthCheck"`

	// CircuitBreaker configures the per-backend circuit breakers.
	CircuitBreaker CircuitBreakerConfig `yaml:"circuitBreaker"`

	// Observability configures logging, metrics, and tracing.
	Observability ObservabilityConfig `yaml:"observability"`

	// Routing configures model mappings and fallback chains.
	Routing RoutingConfig `yaml:"routing"`

	// Backends defines the generation backends.
	Backends []BackendConfig `yaml:"backends"`
}

// ServerConfig configures the inbound HTTP server.
type ServerConfig struct {
	Host            string   `yaml:"host"`
	Port            int      `yaml:"port"`
	ReadTimeout     Duration `yaml:"readTimeout"`
	WriteTimeout    Duration `yaml:"writeTimeout"`
	IdleTimeout     Duration `yaml:"idleTimeout"`
	ShutdownTimeout Duration `yaml:"shutdownTimeout"`
}

// AuthConfig configures gateway API key authentication.
// When enabled and no key is configured, the server generates one at
// startup and logs it.
type AuthConfig struct {
	Enabled bool `yaml:"enabled"`

	// APIKey is the static gateway key. Prefer APIKeyEnv in production.
	APIKey string `yaml:"apiKey" json:"apiKey,omitempty"`

	// APIKeyEnv names an environment variable holding the gateway key.
	APIKeyEnv string `yaml:"apiKeyEnv"`
}

// RateLimitConfig configures the inbound rate limiter.
type RateLimitConfig struct {
	Enabled           bool    `yaml:"enabled"`
	RequestsPerSecond float64 `yaml:"requestsPerSecond"`
	Burst             int     `yaml:"burst"`
}

// DispatchConfig configures the queue, batcher, and retry policy.
type DispatchConfig struct {
	Queue QueueConfig       `yaml:"queue"`
	Batch BatchConfig       `yaml:"batch"`
	Retry RetryPolicyConfig `yaml:"retry"`
}

// QueueConfig configures the bounded request queue.
type QueueConfig struct {
	// Capacity is the maximum number of queued requests.
	Capacity int `yaml:"capacity"`

	// SweepInterval controls how often expired requests are evicted.
	SweepInterval Duration `yaml:"sweepInterval"`
}

// BatchConfig configures request batching.
type BatchConfig struct {
	// MaxSize is the maximum number of requests per batch.
	MaxSize int `yaml:"maxSize"`

	// MaxWait bounds how long a batch waits for more members.
	MaxWait Duration `yaml:"maxWait"`
}

// RetryPolicyConfig configures dispatch retry and failover.
type RetryPolicyConfig struct {
	// MaxAttempts is the total number of dispatch attempts per request.
	MaxAttempts int `yaml:"maxAttempts"`

	InitialBackoff Duration `yaml:"initialBackoff"`
	MaxBackoff     Duration `yaml:"maxBackoff"`
	JitterFactor   float64  `yaml:"jitterFactor"`
}

// HealthCheckConfig configures the per-backend health probers.
type HealthCheckConfig struct {
	Interval Duration `yaml:"interval"`
	Timeout  Duration `yaml:"timeout"`

	// HealthyThreshold is the number of consecutive successful probes
	// before an unhealthy backend is marked healthy.
	HealthyThreshold int `yaml:"healthyThreshold"`

	// UnhealthyThreshold is the number of consecutive failed probes
	// before a healthy backend is marked unhealthy.
	UnhealthyThreshold int `yaml:"unhealthyThreshold"`
}

// CircuitBreakerConfig configures the per-backend circuit breakers.
type CircuitBreakerConfig struct {
	// MaxFailures is the consecutive failure count that opens the circuit.
	MaxFailures int `yaml:"maxFailures"`

	// FailureRatio opens the circuit when exceeded over the sampling
	// window, once MinRequests have been observed.
	FailureRatio float64 `yaml:"failureRatio"`
	MinRequests  int     `yaml:"minRequests"`

	// SamplingDuration is the rolling window for the ratio trigger.
	SamplingDuration Duration `yaml:"samplingDuration"`

	// OpenDuration is the initial time the circuit stays open.
	OpenDuration Duration `yaml:"openDuration"`

	// BackoffFactor multiplies OpenDuration after each failed half-open
	// trial, capped at MaxOpenDuration. 1.0 disables the backoff.
	BackoffFactor   float64  `yaml:"backoffFactor"`
	MaxOpenDuration Duration `yaml:"maxOpenDuration"`

	// SuccessThreshold is the number of successful half-open trials
	// required to close the circuit.
	SuccessThreshold int `yaml:"successThreshold"`
}

// ObservabilityConfig configures logging, metrics, and tracing.
type ObservabilityConfig struct {
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// MetricsConfig configures the Prometheus metrics endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// TracingConfig configures OpenTelemetry tracing.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	ServiceName  string  `yaml:"serviceName"`
	OTLPEndpoint string  `yaml:"otlpEndpoint"`
	SamplingRate float64 `yaml:"samplingRate"`
}

// RoutingConfig configures request routing.
type RoutingConfig struct {
	// DefaultStrategy is the load balancing strategy used when a
	// capability pool has no explicit strategy.
	DefaultStrategy string `yaml:"defaultStrategy"`

	// ModelMappings pins a model name to a backend name.
	ModelMappings map[string]string `yaml:"modelMappings"`

	// Fallbacks lists ordered fallback backends per backend name,
	// consulted when the mapped backend is unavailable.
	Fallbacks map[string][]string `yaml:"fallbacks"`
}

// BackendConfig defines a single generation backend.
type BackendConfig struct {
	// Name uniquely identifies the backend.
	Name string `yaml:"name" json:"name"`

	// Protocol is the wire protocol (http, grpc).
	Protocol string `yaml:"protocol" json:"protocol"`

	// Capabilities lists the media kinds this backend generates.
	Capabilities []string `yaml:"capabilities" json:"capabilities"`

	// Endpoints lists the backend addresses. HTTP backends take base
	// URLs, gRPC backends take host:port targets.
	Endpoints []string `yaml:"endpoints" json:"endpoints"`

	// Weight is the relative share for weighted load balancing.
	Weight int `yaml:"weight" json:"weight,omitempty"`

	// Enabled controls whether the backend receives traffic. Defaults
	// to true when omitted.
	Enabled *bool `yaml:"enabled" json:"enabled,omitempty"`

	// Timeout bounds a single generation call.
	Timeout Duration `yaml:"timeout" json:"timeout,omitempty"`

	// HealthPath is the HTTP health probe path.
	HealthPath string `yaml:"healthPath" json:"healthPath,omitempty"`

	// Models lists the model names this backend serves.
	Models []string `yaml:"models" json:"models,omitempty"`

	// Auth configures outbound credential injection.
	Auth *BackendAuthConfig `yaml:"auth" json:"auth,omitempty"`

	// GRPCService is the gRPC health check service name.
	GRPCService string `yaml:"grpcService" json:"grpcService,omitempty"`

	// GenerateMethod is the full gRPC method for generation calls,
	// e.g. "/gen.v1.Generator/Generate".
	GenerateMethod string `yaml:"generateMethod" json:"generateMethod,omitempty"`
}

// Backend auth types.
const (
	BackendAuthNone   = "none"
	BackendAuthBearer = "bearer"
	BackendAuthHeader = "header"
)

// BackendAuthConfig configures outbound credential injection for a backend.
type BackendAuthConfig struct {
	// Type is the injection mode (none, bearer, header).
	Type string `yaml:"type" json:"type"`

	// TokenEnv names an environment variable holding the credential.
	TokenEnv string `yaml:"tokenEnv" json:"tokenEnv,omitempty"`

	// HeaderName is the header to set when Type is "header".
	HeaderName string `yaml:"headerName" json:"headerName,omitempty"`

	// APIKey is a static credential. Prefer TokenEnv in production.
	APIKey string `yaml:"apiKey" json:"apiKey,omitempty"`
}

// IsEnabled reports whether the backend should receive traffic.
func (b *BackendConfig) IsEnabled() bool {
	return b.Enabled == nil || *b.Enabled
}

// GetWeight returns the backend weight, defaulting to 1.
func (b *BackendConfig) GetWeight() int {
	if b.Weight <= 0 {
		return 1
	}
	return b.Weight
}

// GetTimeout returns the per-call timeout, defaulting to 30s.
func (b *BackendConfig) GetTimeout() time.Duration {
	if b.Timeout <= 0 {
		return 30 * time.Second
	}
	return b.Timeout.Duration()
}

// GetHealthPath returns the HTTP health probe path, defaulting to /health.
func (b *BackendConfig) GetHealthPath() string {
	if b.HealthPath == "" {
		return "/health"
	}
	return b.HealthPath
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *GatewayConfig {
	return &GatewayConfig{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     Duration(30 * time.Second),
			WriteTimeout:    Duration(120 * time.Second),
			IdleTimeout:     Duration(90 * time.Second),
			ShutdownTimeout: Duration(30 * time.Second),
		},
		RateLimit: RateLimitConfig{
			Enabled:           false,
			RequestsPerSecond: 100,
			Burst:             200,
		},
		Dispatch: DispatchConfig{
			Queue: QueueConfig{
				Capacity:      1024,
				SweepInterval: Duration(100 * time.Millisecond),
			},
			Batch: BatchConfig{
				MaxSize: 4,
				MaxWait: Duration(50 * time.Millisecond),
			},
			Retry: RetryPolicyConfig{
				MaxAttempts:    3,
				InitialBackoff: Duration(100 * time.Millisecond),
				MaxBackoff:     Duration(5 * time.Second),
				JitterFactor:   0.1,
			},
		},
		HealthCheck: HealthCheckConfig{
			Interval:           Duration(10 * time.Second),
			Timeout:            Duration(5 * time.Second),
			HealthyThreshold:   1,
			UnhealthyThreshold: 1,
		},
		CircuitBreaker: CircuitBreakerConfig{
			MaxFailures:      5,
			FailureRatio:     0.5,
			MinRequests:      10,
			SamplingDuration: Duration(60 * time.Second),
			OpenDuration:     Duration(30 * time.Second),
			BackoffFactor:    2.0,
			MaxOpenDuration:  Duration(5 * time.Minute),
			SuccessThreshold: 1,
		},
		Observability: ObservabilityConfig{
			Logging: LoggingConfig{
				Level:  "info",
				Format: "json",
				Output: "stdout",
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
			Tracing: TracingConfig{
				Enabled:      false,
				SamplingRate: 1.0,
			},
		},
		Routing: RoutingConfig{
			DefaultStrategy: StrategyRoundRobin,
		},
	}
}
