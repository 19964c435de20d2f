package backend

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/gengw/internal/config"
)

func testBackend(t *testing.T, name string, weight int) *Backend {
	t.Helper()

	adapter, err := NewHTTPAdapter(config.BackendConfig{
		Name:         name,
		Protocol:     config.ProtocolHTTP,
		Capabilities: []string{config.CapabilityImage},
		Endpoints:    []string{"http://" + name + ":8000"},
	})
	require.NoError(t, err)

	return New(config.BackendConfig{
		Name:         name,
		Protocol:     config.ProtocolHTTP,
		Capabilities: []string{config.CapabilityImage},
		Endpoints:    []string{"http://" + name + ":8000"},
		Weight:       weight,
	}, adapter)
}

func TestNewLoadBalancer(t *testing.T) {
	t.Parallel()

	tests := []struct {
		strategy string
		want     string
	}{
		{strategy: config.StrategyRoundRobin, want: config.StrategyRoundRobin},
		{strategy: config.StrategyWeightedRoundRobin, want: config.StrategyWeightedRoundRobin},
		{strategy: config.StrategyLeastConnections, want: config.StrategyLeastConnections},
		{strategy: config.StrategyRandom, want: config.StrategyRandom},
		{strategy: "bogus", want: config.StrategyRoundRobin},
		{strategy: "", want: config.StrategyRoundRobin},
	}

	for _, tt := range tests {
		t.Run(tt.strategy, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, NewLoadBalancer(tt.strategy).Name())
		})
	}
}

func TestRoundRobin_ExactDistribution(t *testing.T) {
	t.Parallel()

	candidates := []*Backend{
		testBackend(t, "a", 1),
		testBackend(t, "b", 1),
		testBackend(t, "c", 1),
		testBackend(t, "d", 1),
	}

	lb := NewRoundRobin()
	counts := make(map[string]int)
	for i := 0; i < 4000; i++ {
		b, err := lb.Select(candidates)
		require.NoError(t, err)
		counts[b.Name()]++
	}

	for _, c := range candidates {
		assert.Equal(t, 1000, counts[c.Name()])
	}
}

func TestRoundRobin_Empty(t *testing.T) {
	t.Parallel()

	_, err := NewRoundRobin().Select(nil)
	assert.ErrorIs(t, err, ErrNoAvailableBackend)
}

func TestWeightedRoundRobin_Distribution(t *testing.T) {
	t.Parallel()

	candidates := []*Backend{
		testBackend(t, "heavy", 3),
		testBackend(t, "light", 1),
	}

	lb := NewWeightedRoundRobin()
	counts := make(map[string]int)
	for i := 0; i < 4000; i++ {
		b, err := lb.Select(candidates)
		require.NoError(t, err)
		counts[b.Name()]++
	}

	// Smooth WRR is deterministic and exactly weight-proportional.
	assert.Equal(t, 3000, counts["heavy"])
	assert.Equal(t, 1000, counts["light"])
}

func TestWeightedRoundRobin_SpreadsPicks(t *testing.T) {
	t.Parallel()

	// With no weight above half the total, smooth WRR never picks the
	// same backend twice in a row.
	candidates := []*Backend{
		testBackend(t, "a", 2),
		testBackend(t, "b", 2),
		testBackend(t, "c", 1),
	}

	lb := NewWeightedRoundRobin()
	var prev string
	for i := 0; i < 1000; i++ {
		b, err := lb.Select(candidates)
		require.NoError(t, err)
		assert.NotEqual(t, prev, b.Name(), "consecutive repeat at pick %d", i)
		prev = b.Name()
	}
}

func TestWeightedRoundRobin_SoleCandidate(t *testing.T) {
	t.Parallel()

	candidates := []*Backend{testBackend(t, "only", 5)}
	lb := NewWeightedRoundRobin()

	for i := 0; i < 10; i++ {
		b, err := lb.Select(candidates)
		require.NoError(t, err)
		assert.Equal(t, "only", b.Name())
	}
}

func TestWeightedRoundRobin_DropsDepartedBackends(t *testing.T) {
	t.Parallel()

	lb := NewWeightedRoundRobin()

	a := testBackend(t, "a", 1)
	b := testBackend(t, "b", 2)
	c := testBackend(t, "c", 3)

	_, err := lb.Select([]*Backend{a, b})
	require.NoError(t, err)

	_, err = lb.Select([]*Backend{b, c})
	require.NoError(t, err)

	lb.mu.Lock()
	_, hasA := lb.current["a"]
	lb.mu.Unlock()
	assert.False(t, hasA, "departed backend should be pruned")

	// Churn through distinct names never grows the state past the
	// live candidate set.
	for i := 0; i < 50; i++ {
		x := testBackend(t, "x-"+strconv.Itoa(i), 1)
		y := testBackend(t, "y-"+strconv.Itoa(i), 2)
		_, err := lb.Select([]*Backend{x, y})
		require.NoError(t, err)
	}

	lb.mu.Lock()
	size := len(lb.current)
	lb.mu.Unlock()
	assert.LessOrEqual(t, size, 2)
}

func TestWeightedRoundRobin_Empty(t *testing.T) {
	t.Parallel()

	_, err := NewWeightedRoundRobin().Select(nil)
	assert.ErrorIs(t, err, ErrNoAvailableBackend)
}

func TestLeastConnections_PrefersIdle(t *testing.T) {
	t.Parallel()

	busy := testBackend(t, "busy", 1)
	idle := testBackend(t, "idle", 1)
	busy.AcquireSlot()
	busy.AcquireSlot()
	idle.AcquireSlot()

	lb := NewLeastConnections()
	for i := 0; i < 10; i++ {
		b, err := lb.Select([]*Backend{busy, idle})
		require.NoError(t, err)
		assert.Equal(t, "idle", b.Name())
	}
}

func TestLeastConnections_TieBreakRotates(t *testing.T) {
	t.Parallel()

	candidates := []*Backend{
		testBackend(t, "a", 1),
		testBackend(t, "b", 1),
	}

	lb := NewLeastConnections()
	counts := make(map[string]int)
	for i := 0; i < 100; i++ {
		b, err := lb.Select(candidates)
		require.NoError(t, err)
		counts[b.Name()]++
	}

	assert.Equal(t, 50, counts["a"])
	assert.Equal(t, 50, counts["b"])
}

func TestRandom_CoversAllCandidates(t *testing.T) {
	t.Parallel()

	candidates := []*Backend{
		testBackend(t, "a", 1),
		testBackend(t, "b", 1),
		testBackend(t, "c", 1),
	}

	lb := NewRandom()
	counts := make(map[string]int)
	for i := 0; i < 3000; i++ {
		b, err := lb.Select(candidates)
		require.NoError(t, err)
		counts[b.Name()]++
	}

	for _, c := range candidates {
		assert.Greater(t, counts[c.Name()], 0)
	}
}

func TestRandom_Empty(t *testing.T) {
	t.Parallel()

	_, err := NewRandom().Select(nil)
	assert.ErrorIs(t, err, ErrNoAvailableBackend)
}
