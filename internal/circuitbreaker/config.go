// Package circuitbreaker provides per-backend circuit breakers for the
// gateway. It implements the circuit breaker pattern to stop dispatching
// to backends that are failing.
package circuitbreaker

import (
	"time"
)

// Config holds configuration for a circuit breaker.
type Config struct {
	// MaxFailures is the number of consecutive failures before opening
	// the circuit.
	MaxFailures int

	// FailureRatio is the failure ratio threshold (0.0 to 1.0) for
	// opening the circuit. Evaluated only once MinRequests have been
	// observed in the sampling window. Zero disables the ratio trigger.
	FailureRatio float64

	// MinRequests is the minimum number of requests required before the
	// failure ratio is evaluated.
	MinRequests int

	// SamplingDuration is the rolling window over which failures are
	// counted for the ratio trigger.
	SamplingDuration time.Duration

	// OpenDuration is the initial duration the circuit stays open
	// before offering a half-open trial.
	OpenDuration time.Duration

	// BackoffFactor multiplies the open duration after each failed
	// half-open trial. 1.0 keeps the open duration fixed.
	BackoffFactor float64

	// MaxOpenDuration caps the open duration growth.
	MaxOpenDuration time.Duration

	// SuccessThreshold is the number of successful half-open trials
	// needed to close the circuit.
	SuccessThreshold int

	// IsSuccessful determines whether an error counts as a success.
	// If nil, all non-nil errors count as failures.
	IsSuccessful func(err error) bool

	// OnStateChange is called when the circuit breaker state changes.
	OnStateChange func(name string, from, to State)
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	return &Config{
		MaxFailures:      5,
		FailureRatio:     0.5,
		MinRequests:      10,
		SamplingDuration: time.Minute,
		OpenDuration:     30 * time.Second,
		BackoffFactor:    2.0,
		MaxOpenDuration:  5 * time.Minute,
		SuccessThreshold: 1,
	}
}

// Validate normalizes invalid values to their defaults.
func (c *Config) Validate() error {
	if c.MaxFailures < 1 {
		c.MaxFailures = 5
	}
	if c.FailureRatio < 0 || c.FailureRatio > 1 {
		c.FailureRatio = 0
	}
	if c.MinRequests < 1 {
		c.MinRequests = 10
	}
	if c.SamplingDuration < time.Second {
		c.SamplingDuration = time.Minute
	}
	if c.OpenDuration < time.Millisecond {
		c.OpenDuration = 30 * time.Second
	}
	if c.BackoffFactor < 1 {
		c.BackoffFactor = 1
	}
	if c.MaxOpenDuration < c.OpenDuration {
		c.MaxOpenDuration = c.OpenDuration
	}
	if c.SuccessThreshold < 1 {
		c.SuccessThreshold = 1
	}
	return nil
}

// WithMaxFailures sets the maximum consecutive failures.
func (c *Config) WithMaxFailures(n int) *Config {
	c.MaxFailures = n
	return c
}

// WithFailureRatio sets the failure ratio threshold.
func (c *Config) WithFailureRatio(ratio float64) *Config {
	c.FailureRatio = ratio
	return c
}

// WithMinRequests sets the minimum requests for ratio evaluation.
func (c *Config) WithMinRequests(n int) *Config {
	c.MinRequests = n
	return c
}

// WithSamplingDuration sets the sampling window.
func (c *Config) WithSamplingDuration(d time.Duration) *Config {
	c.SamplingDuration = d
	return c
}

// WithOpenDuration sets the initial open duration.
func (c *Config) WithOpenDuration(d time.Duration) *Config {
	c.OpenDuration = d
	return c
}

// WithBackoffFactor sets the open duration multiplier.
func (c *Config) WithBackoffFactor(f float64) *Config {
	c.BackoffFactor = f
	return c
}

// WithMaxOpenDuration caps the open duration.
func (c *Config) WithMaxOpenDuration(d time.Duration) *Config {
	c.MaxOpenDuration = d
	return c
}

// WithSuccessThreshold sets the half-open success threshold.
func (c *Config) WithSuccessThreshold(n int) *Config {
	c.SuccessThreshold = n
	return c
}

// WithIsSuccessful sets the success check function.
func (c *Config) WithIsSuccessful(fn func(err error) bool) *Config {
	c.IsSuccessful = fn
	return c
}

// WithOnStateChange sets the state change callback.
func (c *Config) WithOnStateChange(fn func(name string, from, to State)) *Config {
	c.OnStateChange = fn
	return c
}
