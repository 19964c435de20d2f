package backend

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/gengw/internal/config"
)

func testHealthConfig() config.HealthCheckConfig {
	return config.HealthCheckConfig{
		Interval:           config.Duration(20 * time.Millisecond),
		Timeout:            config.Duration(10 * time.Millisecond),
		HealthyThreshold:   1,
		UnhealthyThreshold: 1,
	}
}

func TestHealthManager_MarksHealthy(t *testing.T) {
	t.Parallel()

	m := NewHealthManager(testHealthConfig())
	b, _ := stubBackend("img-a")
	m.Watch(b)

	m.Start(context.Background())
	defer m.Stop()

	assert.Eventually(t, func() bool {
		return b.Health() == HealthHealthy
	}, time.Second, 10*time.Millisecond)
}

func TestHealthManager_MarksUnhealthyAndRecovers(t *testing.T) {
	t.Parallel()

	m := NewHealthManager(testHealthConfig())
	b, adapter := stubBackend("img-a")
	adapter.setHealthErr(errProbeDown)
	m.Watch(b)

	m.Start(context.Background())
	defer m.Stop()

	assert.Eventually(t, func() bool {
		return b.Health() == HealthUnhealthy
	}, time.Second, 10*time.Millisecond)

	adapter.setHealthErr(nil)

	assert.Eventually(t, func() bool {
		return b.Health() == HealthHealthy
	}, time.Second, 10*time.Millisecond)
}

func TestHealthManager_Thresholds(t *testing.T) {
	t.Parallel()

	cfg := testHealthConfig()
	cfg.UnhealthyThreshold = 3
	m := NewHealthManager(cfg)
	b, adapter := stubBackend("img-a")
	b.SetHealth(HealthHealthy)
	adapter.setHealthErr(errProbeDown)
	m.Watch(b)

	m.Start(context.Background())
	defer m.Stop()

	// One failed probe is not enough at threshold 3.
	time.Sleep(30 * time.Millisecond)

	assert.Eventually(t, func() bool {
		return b.Health() == HealthUnhealthy
	}, time.Second, 10*time.Millisecond)
}

func TestHealthManager_UnwatchStopsProbing(t *testing.T) {
	t.Parallel()

	m := NewHealthManager(testHealthConfig())
	b, adapter := stubBackend("img-a")
	m.Watch(b)

	m.Start(context.Background())
	defer m.Stop()

	require.Eventually(t, func() bool {
		return b.Health() == HealthHealthy
	}, time.Second, 10*time.Millisecond)

	m.Unwatch("img-a")

	// Probes have stopped, so a failing adapter no longer flips status.
	adapter.setHealthErr(errProbeDown)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, HealthHealthy, b.Health())
}

func TestHealthManager_WatchAfterStart(t *testing.T) {
	t.Parallel()

	m := NewHealthManager(testHealthConfig())
	m.Start(context.Background())
	defer m.Stop()

	b, _ := stubBackend("late")
	m.Watch(b)

	assert.Eventually(t, func() bool {
		return b.Health() == HealthHealthy
	}, time.Second, 10*time.Millisecond)
}

func TestHealthManager_StopWaitsForProbers(t *testing.T) {
	t.Parallel()

	m := NewHealthManager(testHealthConfig())
	b, _ := stubBackend("img-a")
	m.Watch(b)
	m.Start(context.Background())

	done := make(chan struct{})
	go func() {
		m.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return")
	}
}
