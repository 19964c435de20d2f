package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/vyrodovalexey/gengw/internal/observability"
)

// State represents the state of a circuit breaker.
type State int

const (
	// StateClosed indicates the circuit is closed and requests are allowed.
	StateClosed State = iota

	// StateOpen indicates the circuit is open and requests are rejected.
	StateOpen

	// StateHalfOpen indicates the circuit is testing if the backend recovered.
	StateHalfOpen
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned when the circuit breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreaker implements the circuit breaker pattern for one backend.
//
// In the half-open state at most one trial request is outstanding at a
// time: Allow hands out the trial token and RecordSuccess/RecordFailure
// return it. Each failed trial reopens the circuit and multiplies the
// open duration by the configured backoff factor.
type CircuitBreaker struct {
	name   string
	config *Config
	logger observability.Logger

	mu    sync.RWMutex
	state State

	// Sampling window counters
	failures         int
	successes        int
	consecutiveFails int
	totalRequests    int

	// Half-open state tracking
	halfOpenSuccesses int
	trialInFlight     bool

	// openDuration is the current open period, grown by BackoffFactor
	// after each failed trial and reset when the circuit closes.
	openDuration time.Duration

	lastFailure     time.Time
	lastStateChange time.Time
	samplingStart   time.Time
}

// NewCircuitBreaker creates a new circuit breaker.
func NewCircuitBreaker(name string, config *Config, logger observability.Logger) *CircuitBreaker {
	if config == nil {
		config = DefaultConfig()
	}
	_ = config.Validate()

	if logger == nil {
		logger = observability.NopLogger()
	}

	now := time.Now()
	return &CircuitBreaker{
		name:            name,
		config:          config,
		logger:          logger,
		state:           StateClosed,
		openDuration:    config.OpenDuration,
		lastStateChange: now,
		samplingStart:   now,
	}
}

// Execute executes the given function with circuit breaker protection.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if !cb.Allow() {
		return ErrCircuitOpen
	}

	err := fn()

	if cb.isSuccessful(err) {
		cb.RecordSuccess()
	} else {
		cb.RecordFailure()
	}

	return err
}

// Eligible reports whether a request would currently be allowed, without
// consuming the half-open trial token. Used to filter load balancer
// candidates.
func (cb *CircuitBreaker) Eligible() bool {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	switch cb.state {
	case StateClosed:
		return true
	case StateOpen:
		return time.Since(cb.lastStateChange) >= cb.openDuration
	case StateHalfOpen:
		return !cb.trialInFlight
	default:
		return false
	}
}

// Allow checks if a request is allowed through the circuit breaker. In
// the open state it transitions to half-open once the open duration has
// elapsed; in the half-open state it consumes the single trial token.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	var allowed bool

	switch cb.state {
	case StateClosed:
		allowed = true

	case StateOpen:
		if time.Since(cb.lastStateChange) >= cb.openDuration {
			cb.transitionTo(StateHalfOpen)
			cb.trialInFlight = true
			allowed = true
		}

	case StateHalfOpen:
		if !cb.trialInFlight {
			cb.trialInFlight = true
			allowed = true
		}
	}

	RecordRequest(cb.name, allowed)

	return allowed
}

// RecordSuccess records a successful request.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	RecordSuccess(cb.name)

	switch cb.state {
	case StateHalfOpen:
		cb.trialInFlight = false
		cb.halfOpenSuccesses++
		if cb.halfOpenSuccesses >= cb.config.SuccessThreshold {
			cb.openDuration = cb.config.OpenDuration
			cb.transitionTo(StateClosed)
		}

	case StateClosed:
		cb.rotateWindowIfExpired()
		cb.successes++
		cb.totalRequests++
		cb.consecutiveFails = 0
	}
}

// RecordFailure records a failed request.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.lastFailure = time.Now()

	RecordFailure(cb.name)

	switch cb.state {
	case StateClosed:
		cb.rotateWindowIfExpired()
		cb.failures++
		cb.totalRequests++
		cb.consecutiveFails++
		if cb.shouldOpen() {
			cb.openDuration = cb.config.OpenDuration
			cb.transitionTo(StateOpen)
		}

	case StateHalfOpen:
		// A failed trial reopens the circuit with a longer open period.
		cb.trialInFlight = false
		cb.openDuration = cb.nextOpenDuration()
		cb.transitionTo(StateOpen)
	}
}

// shouldOpen determines if the circuit should open.
func (cb *CircuitBreaker) shouldOpen() bool {
	if cb.consecutiveFails >= cb.config.MaxFailures {
		return true
	}

	if cb.config.FailureRatio > 0 && cb.totalRequests >= cb.config.MinRequests {
		ratio := float64(cb.failures) / float64(cb.totalRequests)
		if ratio >= cb.config.FailureRatio {
			return true
		}
	}

	return false
}

// nextOpenDuration grows the open duration by the backoff factor,
// capped at MaxOpenDuration.
func (cb *CircuitBreaker) nextOpenDuration() time.Duration {
	next := time.Duration(float64(cb.openDuration) * cb.config.BackoffFactor)
	if next > cb.config.MaxOpenDuration {
		next = cb.config.MaxOpenDuration
	}
	if next < cb.openDuration {
		next = cb.openDuration
	}
	return next
}

// rotateWindowIfExpired resets the sampling counters when the window
// has elapsed. The consecutive failure count survives rotation.
func (cb *CircuitBreaker) rotateWindowIfExpired() {
	if time.Since(cb.samplingStart) < cb.config.SamplingDuration {
		return
	}
	cb.failures = 0
	cb.successes = 0
	cb.totalRequests = 0
	cb.samplingStart = time.Now()
}

// transitionTo transitions the circuit breaker to a new state.
func (cb *CircuitBreaker) transitionTo(newState State) {
	oldState := cb.state
	cb.state = newState
	cb.lastStateChange = time.Now()

	cb.failures = 0
	cb.successes = 0
	cb.consecutiveFails = 0
	cb.totalRequests = 0
	cb.halfOpenSuccesses = 0
	cb.trialInFlight = false
	cb.samplingStart = cb.lastStateChange

	RecordStateChange(cb.name, oldState, newState)

	cb.logger.Info("circuit breaker state changed",
		observability.String("name", cb.name),
		observability.String("from", oldState.String()),
		observability.String("to", newState.String()),
		observability.Duration("open_duration", cb.openDuration),
	)

	if cb.config.OnStateChange != nil {
		go cb.config.OnStateChange(cb.name, oldState, newState)
	}
}

// isSuccessful determines if the error should be counted as a success.
func (cb *CircuitBreaker) isSuccessful(err error) bool {
	if cb.config.IsSuccessful != nil {
		return cb.config.IsSuccessful(err)
	}
	return err == nil
}

// State returns the current state of the circuit breaker.
func (cb *CircuitBreaker) State() State {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// Name returns the name of the circuit breaker.
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// OpenDuration returns the current open period.
func (cb *CircuitBreaker) OpenDuration() time.Duration {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.openDuration
}

// Reset resets the circuit breaker to the closed state.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.state = StateClosed
	cb.openDuration = cb.config.OpenDuration
	cb.failures = 0
	cb.successes = 0
	cb.consecutiveFails = 0
	cb.totalRequests = 0
	cb.halfOpenSuccesses = 0
	cb.trialInFlight = false
	cb.lastStateChange = time.Now()
	cb.samplingStart = cb.lastStateChange

	cb.logger.Info("circuit breaker reset",
		observability.String("name", cb.name),
	)
}

// Stats returns the current statistics of the circuit breaker.
func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	return Stats{
		State:            cb.state,
		Failures:         cb.failures,
		Successes:        cb.successes,
		ConsecutiveFails: cb.consecutiveFails,
		TotalRequests:    cb.totalRequests,
		OpenDuration:     cb.openDuration,
		LastFailure:      cb.lastFailure,
		LastStateChange:  cb.lastStateChange,
	}
}

// Stats holds circuit breaker statistics.
type Stats struct {
	State            State
	Failures         int
	Successes        int
	ConsecutiveFails int
	TotalRequests    int
	OpenDuration     time.Duration
	LastFailure      time.Time
	LastStateChange  time.Time
}

// FailureRatio returns the current failure ratio.
func (s Stats) FailureRatio() float64 {
	if s.TotalRequests == 0 {
		return 0
	}
	return float64(s.Failures) / float64(s.TotalRequests)
}
