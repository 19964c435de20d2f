package backend

import (
	"math/rand/v2"
	"sync"
	"sync/atomic"

	"github.com/vyrodovalexey/gengw/internal/config"
)

// LoadBalancer selects one backend from a pre-filtered candidate set.
// Candidates are already enabled, healthy, and circuit-eligible; the
// balancer only decides the order. An empty candidate set returns
// ErrNoAvailableBackend immediately.
type LoadBalancer interface {
	Name() string
	Select(candidates []*Backend) (*Backend, error)
}

// NewLoadBalancer creates a load balancer for the given strategy name.
// Unknown strategies fall back to round-robin.
func NewLoadBalancer(strategy string) LoadBalancer {
	switch strategy {
	case config.StrategyWeightedRoundRobin:
		return NewWeightedRoundRobin()
	case config.StrategyLeastConnections:
		return NewLeastConnections()
	case config.StrategyRandom:
		return NewRandom()
	default:
		return NewRoundRobin()
	}
}

// RoundRobin cycles through candidates in registration order.
type RoundRobin struct {
	counter atomic.Uint64
}

// NewRoundRobin creates a round-robin load balancer.
func NewRoundRobin() *RoundRobin {
	return &RoundRobin{}
}

// Name returns the strategy name.
func (lb *RoundRobin) Name() string { return config.StrategyRoundRobin }

// Select picks the next candidate in rotation.
func (lb *RoundRobin) Select(candidates []*Backend) (*Backend, error) {
	if len(candidates) == 0 {
		return nil, ErrNoAvailableBackend
	}
	idx := lb.counter.Add(1) - 1
	return candidates[idx%uint64(len(candidates))], nil
}

// WeightedRoundRobin implements smooth weighted round-robin. Each pick
// raises every candidate's running weight by its configured weight and
// charges the winner the weight total, which spreads picks as evenly as
// the weights allow.
type WeightedRoundRobin struct {
	mu      sync.Mutex
	current map[string]int
}

// NewWeightedRoundRobin creates a smooth weighted round-robin balancer.
func NewWeightedRoundRobin() *WeightedRoundRobin {
	return &WeightedRoundRobin{
		current: make(map[string]int),
	}
}

// Name returns the strategy name.
func (lb *WeightedRoundRobin) Name() string { return config.StrategyWeightedRoundRobin }

// Select picks the candidate with the highest running weight.
func (lb *WeightedRoundRobin) Select(candidates []*Backend) (*Backend, error) {
	if len(candidates) == 0 {
		return nil, ErrNoAvailableBackend
	}
	lb.mu.Lock()
	defer lb.mu.Unlock()

	names := make(map[string]struct{}, len(candidates))
	for _, b := range candidates {
		names[b.Name()] = struct{}{}
	}
	for name := range lb.current {
		if _, ok := names[name]; !ok {
			delete(lb.current, name)
		}
	}

	total := 0
	var best *Backend
	for _, b := range candidates {
		w := b.Weight()
		total += w
		lb.current[b.Name()] += w
		if best == nil || lb.current[b.Name()] > lb.current[best.Name()] {
			best = b
		}
	}

	lb.current[best.Name()] -= total
	return best, nil
}

// LeastConnections picks the candidate with the fewest in-flight
// requests, breaking ties in rotation order.
type LeastConnections struct {
	counter atomic.Uint64
}

// NewLeastConnections creates a least-connections load balancer.
func NewLeastConnections() *LeastConnections {
	return &LeastConnections{}
}

// Name returns the strategy name.
func (lb *LeastConnections) Name() string { return config.StrategyLeastConnections }

// Select picks the least loaded candidate.
func (lb *LeastConnections) Select(candidates []*Backend) (*Backend, error) {
	if len(candidates) == 0 {
		return nil, ErrNoAvailableBackend
	}

	// Read each counter once so the scan and the tie collection agree.
	inFlight := make([]int64, len(candidates))
	minInFlight := int64(-1)
	for i, b := range candidates {
		inFlight[i] = b.InFlight()
		if minInFlight < 0 || inFlight[i] < minInFlight {
			minInFlight = inFlight[i]
		}
	}

	ties := make([]*Backend, 0, len(candidates))
	for i, b := range candidates {
		if inFlight[i] == minInFlight {
			ties = append(ties, b)
		}
	}

	idx := lb.counter.Add(1) - 1
	return ties[idx%uint64(len(ties))], nil
}

// Random picks a uniformly random candidate.
type Random struct{}

// NewRandom creates a random load balancer.
func NewRandom() *Random {
	return &Random{}
}

// Name returns the strategy name.
func (lb *Random) Name() string { return config.StrategyRandom }

// Select picks a random candidate.
func (lb *Random) Select(candidates []*Backend) (*Backend, error) {
	if len(candidates) == 0 {
		return nil, ErrNoAvailableBackend
	}
	//nolint:gosec // G404: load balancing choice is not security-sensitive
	return candidates[rand.IntN(len(candidates))], nil
}
