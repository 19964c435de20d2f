package config

import (
	"fmt"
	"net/url"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Path    string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s: %s", e.Path, e.Message)
	}
	return e.Message
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

// Error implements the error interface.
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// HasErrors returns true if there are validation errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// Validator validates gateway configuration.
type Validator struct {
	errors ValidationErrors
}

// NewValidator creates a new configuration validator.
func NewValidator() *Validator {
	return &Validator{errors: make(ValidationErrors, 0)}
}

// ValidateConfig validates a gateway configuration.
func ValidateConfig(config *GatewayConfig) error {
	return NewValidator().Validate(config)
}

// Validate validates the configuration and returns any errors.
func (v *Validator) Validate(config *GatewayConfig) error {
	v.errors = make(ValidationErrors, 0)

	if config == nil {
		v.addError("", "configuration is nil")
		return v.errors
	}

	v.validateServer(&config.Server)
	v.validateRateLimit(&config.RateLimit)
	v.validateDispatch(&config.Dispatch)
	v.validateHealthCheck(&config.HealthCheck)
	v.validateCircuitBreaker(&config.CircuitBreaker)
	v.validateRouting(config)
	v.validateBackends(config.Backends)

	if v.errors.HasErrors() {
		return v.errors
	}
	return nil
}

func (v *Validator) addError(path, format string, args ...interface{}) {
	v.errors = append(v.errors, ValidationError{
		Path:    path,
		Message: fmt.Sprintf(format, args...),
	})
}

func (v *Validator) validateServer(server *ServerConfig) {
	if server.Port < 1 || server.Port > 65535 {
		v.addError("server.port", "must be between 1 and 65535, got %d", server.Port)
	}
}

func (v *Validator) validateRateLimit(rl *RateLimitConfig) {
	if !rl.Enabled {
		return
	}
	if rl.RequestsPerSecond <= 0 {
		v.addError("rateLimit.requestsPerSecond", "must be positive, got %g", rl.RequestsPerSecond)
	}
	if rl.Burst <= 0 {
		v.addError("rateLimit.burst", "must be positive, got %d", rl.Burst)
	}
}

func (v *Validator) validateDispatch(d *DispatchConfig) {
	if d.Queue.Capacity <= 0 {
		v.addError("dispatch.queue.capacity", "must be positive, got %d", d.Queue.Capacity)
	}
	if d.Queue.SweepInterval <= 0 {
		v.addError("dispatch.queue.sweepInterval", "must be positive")
	}
	if d.Batch.MaxSize <= 0 {
		v.addError("dispatch.batch.maxSize", "must be positive, got %d", d.Batch.MaxSize)
	}
	if d.Batch.MaxWait <= 0 {
		v.addError("dispatch.batch.maxWait", "must be positive")
	}
	if d.Retry.MaxAttempts <= 0 {
		v.addError("dispatch.retry.maxAttempts", "must be positive, got %d", d.Retry.MaxAttempts)
	}
	if d.Retry.JitterFactor < 0 || d.Retry.JitterFactor > 1 {
		v.addError("dispatch.retry.jitterFactor", "must be between 0 and 1, got %g", d.Retry.JitterFactor)
	}
}

func (v *Validator) validateHealthCheck(hc *HealthCheckConfig) {
	if hc.Interval <= 0 {
		v.addError("healthCheck.interval", "must be positive")
	}
	if hc.Timeout <= 0 {
		v.addError("healthCheck.timeout", "must be positive")
	}
	if hc.HealthyThreshold < 1 {
		v.addError("healthCheck.healthyThreshold", "must be at least 1, got %d", hc.HealthyThreshold)
	}
	if hc.UnhealthyThreshold < 1 {
		v.addError("healthCheck.unhealthyThreshold", "must be at least 1, got %d", hc.UnhealthyThreshold)
	}
}

func (v *Validator) validateCircuitBreaker(cb *CircuitBreakerConfig) {
	if cb.MaxFailures < 1 {
		v.addError("circuitBreaker.maxFailures", "must be at least 1, got %d", cb.MaxFailures)
	}
	if cb.FailureRatio < 0 || cb.FailureRatio > 1 {
		v.addError("circuitBreaker.failureRatio", "must be between 0 and 1, got %g", cb.FailureRatio)
	}
	if cb.OpenDuration <= 0 {
		v.addError("circuitBreaker.openDuration", "must be positive")
	}
	if cb.BackoffFactor < 1 {
		v.addError("circuitBreaker.backoffFactor", "must be at least 1.0, got %g", cb.BackoffFactor)
	}
	if cb.MaxOpenDuration < cb.OpenDuration {
		v.addError("circuitBreaker.maxOpenDuration", "must be at least openDuration")
	}
	if cb.SuccessThreshold < 1 {
		v.addError("circuitBreaker.successThreshold", "must be at least 1, got %d", cb.SuccessThreshold)
	}
}

func (v *Validator) validateRouting(config *GatewayConfig) {
	switch config.Routing.DefaultStrategy {
	case "", StrategyRoundRobin, StrategyWeightedRoundRobin, StrategyLeastConnections, StrategyRandom:
	default:
		v.addError("routing.defaultStrategy", "unknown strategy %q", config.Routing.DefaultStrategy)
	}

	names := make(map[string]bool, len(config.Backends))
	for i := range config.Backends {
		names[config.Backends[i].Name] = true
	}

	for model, backend := range config.Routing.ModelMappings {
		if !names[backend] {
			v.addError(fmt.Sprintf("routing.modelMappings[%s]", model),
				"references unknown backend %q", backend)
		}
	}

	for backend, fallbacks := range config.Routing.Fallbacks {
		if !names[backend] {
			v.addError(fmt.Sprintf("routing.fallbacks[%s]", backend),
				"references unknown backend %q", backend)
		}
		for _, fb := range fallbacks {
			if !names[fb] {
				v.addError(fmt.Sprintf("routing.fallbacks[%s]", backend),
					"fallback references unknown backend %q", fb)
			}
		}
	}
}

func (v *Validator) validateBackends(backends []BackendConfig) {
	if len(backends) == 0 {
		v.addError("backends", "at least one backend is required")
		return
	}

	seen := make(map[string]bool, len(backends))
	for i := range backends {
		b := &backends[i]
		path := fmt.Sprintf("backends[%d]", i)

		if b.Name == "" {
			v.addError(path+".name", "name is required")
		} else if seen[b.Name] {
			v.addError(path+".name", "duplicate backend name %q", b.Name)
		}
		seen[b.Name] = true

		v.validateBackend(path, b)
	}
}

func (v *Validator) validateBackend(path string, b *BackendConfig) {
	switch b.Protocol {
	case ProtocolHTTP, ProtocolGRPC:
	case "":
		v.addError(path+".protocol", "protocol is required")
	default:
		v.addError(path+".protocol", "unknown protocol %q", b.Protocol)
	}

	if len(b.Capabilities) == 0 {
		v.addError(path+".capabilities", "at least one capability is required")
	}
	for _, c := range b.Capabilities {
		if c != CapabilityImage && c != CapabilityText {
			v.addError(path+".capabilities", "unknown capability %q", c)
		}
	}

	if len(b.Endpoints) == 0 {
		v.addError(path+".endpoints", "at least one endpoint is required")
	}
	if b.Protocol == ProtocolHTTP {
		for _, e := range b.Endpoints {
			u, err := url.Parse(e)
			if err != nil || u.Scheme == "" || u.Host == "" {
				v.addError(path+".endpoints", "invalid endpoint URL %q", e)
			}
		}
	}

	if b.Weight < 0 {
		v.addError(path+".weight", "must not be negative, got %d", b.Weight)
	}

	if b.Protocol == ProtocolGRPC && b.GenerateMethod == "" {
		v.addError(path+".generateMethod", "required for grpc backends")
	}
	if b.GenerateMethod != "" && !strings.HasPrefix(b.GenerateMethod, "/") {
		v.addError(path+".generateMethod", "must be a full method name starting with /")
	}

	if b.Auth != nil {
		switch b.Auth.Type {
		case "", BackendAuthNone:
		case BackendAuthBearer:
			if b.Auth.TokenEnv == "" && b.Auth.APIKey == "" {
				v.addError(path+".auth", "bearer auth requires tokenEnv or apiKey")
			}
		case BackendAuthHeader:
			if b.Auth.HeaderName == "" {
				v.addError(path+".auth.headerName", "required for header auth")
			}
			if b.Auth.TokenEnv == "" && b.Auth.APIKey == "" {
				v.addError(path+".auth", "header auth requires tokenEnv or apiKey")
			}
		default:
			v.addError(path+".auth.type", "unknown auth type %q", b.Auth.Type)
		}
	}
}
