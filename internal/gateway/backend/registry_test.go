package backend

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/gengw/internal/config"
)

// stubAdapter is a controllable adapter for registry and prober tests.
type stubAdapter struct {
	name string

	mu        sync.Mutex
	healthErr error
	genErr    error
	closed    bool
}

func (s *stubAdapter) Name() string { return s.name }

func (s *stubAdapter) Generate(ctx context.Context, req *Request) (*Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.genErr != nil {
		return nil, s.genErr
	}
	return &Artifact{RequestID: req.ID, Backend: s.name, Payload: []byte(`{}`)}, nil
}

func (s *stubAdapter) Health(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.healthErr
}

func (s *stubAdapter) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *stubAdapter) setHealthErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.healthErr = err
}

func (s *stubAdapter) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func stubBackend(name string, caps ...string) (*Backend, *stubAdapter) {
	if len(caps) == 0 {
		caps = []string{config.CapabilityImage}
	}
	adapter := &stubAdapter{name: name}
	b := New(config.BackendConfig{
		Name:         name,
		Protocol:     config.ProtocolHTTP,
		Capabilities: caps,
		Endpoints:    []string{"http://" + name + ":8000"},
	}, adapter)
	return b, adapter
}

func TestRegistry_AddAndGet(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	b, _ := stubBackend("img-a")

	require.NoError(t, r.Add(b))

	got, err := r.Get("img-a")
	require.NoError(t, err)
	assert.Same(t, b, got)
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_AddDuplicate(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	b1, _ := stubBackend("img-a")
	b2, _ := stubBackend("img-a")

	require.NoError(t, r.Add(b1))
	err := r.Add(b2)
	assert.ErrorIs(t, err, ErrDuplicateName)
}

func TestRegistry_ConcurrentAddSameName(t *testing.T) {
	t.Parallel()

	r := NewRegistry()

	const racers = 16
	errs := make(chan error, racers)
	var start sync.WaitGroup
	start.Add(racers)
	release := make(chan struct{})

	for i := 0; i < racers; i++ {
		go func() {
			b, _ := stubBackend("img-a")
			start.Done()
			<-release
			errs <- r.Add(b)
		}()
	}

	start.Wait()
	close(release)

	var added int
	for i := 0; i < racers; i++ {
		if err := <-errs; err != nil {
			require.ErrorIs(t, err, ErrDuplicateName)
		} else {
			added++
		}
	}

	assert.Equal(t, 1, added)
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_GetMissing(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	_, err := r.Get("nope")
	assert.ErrorIs(t, err, ErrBackendNotFound)
}

func TestRegistry_ListByCapability(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	img1, _ := stubBackend("img-1", config.CapabilityImage)
	txt1, _ := stubBackend("txt-1", config.CapabilityText)
	both, _ := stubBackend("both", config.CapabilityImage, config.CapabilityText)

	require.NoError(t, r.Add(img1))
	require.NoError(t, r.Add(txt1))
	require.NoError(t, r.Add(both))

	images := r.List(CapabilityImage)
	require.Len(t, images, 2)
	// Registration order is preserved.
	assert.Equal(t, "img-1", images[0].Name())
	assert.Equal(t, "both", images[1].Name())

	texts := r.List(CapabilityText)
	require.Len(t, texts, 2)
	assert.Equal(t, "txt-1", texts[0].Name())
}

func TestRegistry_Remove(t *testing.T) {
	t.Parallel()

	r := NewRegistry(WithDrainTimeout(time.Second))
	b, adapter := stubBackend("img-a")
	require.NoError(t, r.Add(b))

	require.NoError(t, r.Remove(context.Background(), "img-a"))

	_, err := r.Get("img-a")
	assert.ErrorIs(t, err, ErrBackendNotFound)
	assert.True(t, adapter.isClosed())
}

func TestRegistry_RemoveMissing(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	err := r.Remove(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrBackendNotFound)
}

func TestRegistry_RemoveDrainsInFlight(t *testing.T) {
	t.Parallel()

	r := NewRegistry(WithDrainTimeout(2 * time.Second))
	b, _ := stubBackend("img-a")
	require.NoError(t, r.Add(b))

	b.AcquireSlot()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = r.Remove(context.Background(), "img-a")
	}()

	// Remove must disable the backend immediately but hold the delete
	// until the slot is released.
	assert.Eventually(t, func() bool { return !b.Enabled() }, time.Second, 10*time.Millisecond)

	select {
	case <-done:
		t.Fatal("remove returned before drain completed")
	case <-time.After(100 * time.Millisecond):
	}

	b.ReleaseSlot()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("remove did not return after drain")
	}
}

func TestRegistry_RemoveDrainTimeout(t *testing.T) {
	t.Parallel()

	r := NewRegistry(WithDrainTimeout(100 * time.Millisecond))
	b, _ := stubBackend("img-a")
	require.NoError(t, r.Add(b))

	b.AcquireSlot()

	start := time.Now()
	require.NoError(t, r.Remove(context.Background(), "img-a"))
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
	assert.Equal(t, 0, r.Len())
}

func TestRegistry_Hooks(t *testing.T) {
	t.Parallel()

	var added, removed []string
	var mu sync.Mutex

	r := NewRegistry(
		WithDrainTimeout(time.Second),
		WithAddHook(func(b *Backend) {
			mu.Lock()
			added = append(added, b.Name())
			mu.Unlock()
		}),
		WithRemoveHook(func(b *Backend) {
			mu.Lock()
			removed = append(removed, b.Name())
			mu.Unlock()
		}),
	)

	b, _ := stubBackend("img-a")
	require.NoError(t, r.Add(b))
	require.NoError(t, r.Remove(context.Background(), "img-a"))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"img-a"}, added)
	assert.Equal(t, []string{"img-a"}, removed)
}

func TestRegistry_LoadFromConfig(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	err := r.LoadFromConfig([]config.BackendConfig{
		{
			Name:         "img",
			Protocol:     config.ProtocolHTTP,
			Capabilities: []string{config.CapabilityImage},
			Endpoints:    []string{"http://img:8000"},
		},
		{
			Name:           "llm",
			Protocol:       config.ProtocolGRPC,
			Capabilities:   []string{config.CapabilityText},
			Endpoints:      []string{"llm:9000"},
			GenerateMethod: "/gen.v1.Generator/Generate",
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, r.Len())

	img, err := r.Get("img")
	require.NoError(t, err)
	assert.IsType(t, &HTTPAdapter{}, img.Adapter())

	llm, err := r.Get("llm")
	require.NoError(t, err)
	assert.IsType(t, &GRPCAdapter{}, llm.Adapter())
}

func TestRegistry_LoadFromConfig_BadProtocol(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	err := r.LoadFromConfig([]config.BackendConfig{
		{Name: "x", Protocol: "ftp", Endpoints: []string{"x"}},
	})
	assert.Error(t, err)
}

func TestRegistry_Snapshots(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	b, _ := stubBackend("img-a")
	b.SetHealth(HealthHealthy)
	b.AcquireSlot()
	require.NoError(t, r.Add(b))

	snaps := r.Snapshots()
	require.Len(t, snaps, 1)
	assert.Equal(t, "img-a", snaps[0].Name)
	assert.Equal(t, "healthy", snaps[0].Health)
	assert.Equal(t, int64(1), snaps[0].InFlight)
	assert.True(t, snaps[0].Enabled)
}

func TestBackend_Availability(t *testing.T) {
	t.Parallel()

	b, _ := stubBackend("img-a")

	// Unknown health counts as available until the first probe lands.
	assert.True(t, b.Available())

	b.SetHealth(HealthUnhealthy)
	assert.False(t, b.Available())

	b.SetHealth(HealthHealthy)
	assert.True(t, b.Available())

	b.SetEnabled(false)
	assert.False(t, b.Available())
}

func TestBackend_HasCapability(t *testing.T) {
	t.Parallel()

	b, _ := stubBackend("both", config.CapabilityImage, config.CapabilityText)
	assert.True(t, b.HasCapability(CapabilityImage))
	assert.True(t, b.HasCapability(CapabilityText))

	img, _ := stubBackend("img")
	assert.False(t, img.HasCapability(CapabilityText))
}

var errProbeDown = errors.New("probe down")
