package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/gengw/internal/circuitbreaker"
	"github.com/vyrodovalexey/gengw/internal/config"
	"github.com/vyrodovalexey/gengw/internal/gateway/backend"
	"github.com/vyrodovalexey/gengw/internal/gateway/dispatch"
	"github.com/vyrodovalexey/gengw/internal/observability"
)

// echoAdapter returns the request payload as the artifact payload.
type echoAdapter struct {
	name string
}

func (e *echoAdapter) Name() string { return e.name }

func (e *echoAdapter) Generate(_ context.Context, req *backend.Request) (*backend.Artifact, error) {
	return &backend.Artifact{
		RequestID: req.ID,
		Backend:   e.name,
		Model:     req.Model,
		Payload:   req.Payload,
	}, nil
}

func (e *echoAdapter) Health(context.Context) error { return nil }
func (e *echoAdapter) Close() error                 { return nil }

type testEnv struct {
	server   *Server
	registry *backend.Registry
}

func newTestEnv(t *testing.T, mutate func(cfg *config.GatewayConfig), backends ...*backend.Backend) *testEnv {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Dispatch.Batch.MaxWait = config.Duration(5 * time.Millisecond)
	cfg.Dispatch.Retry.InitialBackoff = config.Duration(time.Millisecond)
	if mutate != nil {
		mutate(cfg)
	}

	registry := backend.NewRegistry()
	for _, b := range backends {
		require.NoError(t, registry.Add(b))
	}

	breakers := circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig(), observability.NopLogger())
	dispatcher := dispatch.NewRouter(registry, breakers, cfg, dispatch.WithHoldInterval(10*time.Millisecond))
	dispatcher.Start(context.Background())
	t.Cleanup(dispatcher.Stop)

	return &testEnv{
		server:   New(cfg, registry, breakers, dispatcher),
		registry: registry,
	}
}

func (e *testEnv) do(method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}

	w := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(w, req)
	return w
}

func imageBackend(name string, models ...string) *backend.Backend {
	return backend.New(config.BackendConfig{
		Name:         name,
		Protocol:     config.ProtocolHTTP,
		Capabilities: []string{config.CapabilityImage},
		Endpoints:    []string{"http://" + name + ":8000"},
		Models:       models,
	}, &echoAdapter{name: name})
}

func textBackend(name string, models ...string) *backend.Backend {
	return backend.New(config.BackendConfig{
		Name:         name,
		Protocol:     config.ProtocolHTTP,
		Capabilities: []string{config.CapabilityText},
		Endpoints:    []string{"http://" + name + ":8000"},
		Models:       models,
	}, &echoAdapter{name: name})
}

func TestServer_ImageGeneration(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil, imageBackend("sdxl", "sdxl-turbo"))

	w := env.do(http.MethodPost, "/v1/images/generations", `{"model":"sdxl-turbo","prompt":"a red fox"}`, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"model":"sdxl-turbo","prompt":"a red fox"}`, w.Body.String())
}

func TestServer_ChatCompletion(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil, textBackend("llm", "llama"))

	w := env.do(http.MethodPost, "/v1/chat/completions", `{"model":"llama","messages":[]}`, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"model":"llama","messages":[]}`, w.Body.String())
}

func TestServer_InvalidJSON(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil, imageBackend("sdxl"))

	w := env.do(http.MethodPost, "/v1/images/generations", `{not json`, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestServer_QueueFullReturns429(t *testing.T) {
	t.Parallel()

	cfg := config.DefaultConfig()
	cfg.Dispatch.Queue.Capacity = 0

	registry := backend.NewRegistry()
	breakers := circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig(), observability.NopLogger())
	dispatcher := dispatch.NewRouter(registry, breakers, cfg)
	env := &testEnv{server: New(cfg, registry, breakers, dispatcher), registry: registry}

	w := env.do(http.MethodPost, "/v1/images/generations", `{"prompt":"x"}`, nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)

	var body map[string]map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "queue_full", body["error"]["type"])
}

func TestServer_TimeoutWhenNoBackend(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)

	w := env.do(http.MethodPost, "/v1/chat/completions", `{"model":"llama","timeout_ms":60}`, nil)
	assert.Equal(t, http.StatusGatewayTimeout, w.Code)
}

func TestServer_Models(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil,
		imageBackend("sdxl", "sdxl-turbo", "sdxl-base"),
		textBackend("llm", "llama"),
	)

	w := env.do(http.MethodGet, "/v1/models", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Object string `json:"object"`
		Data   []struct {
			ID      string `json:"id"`
			OwnedBy string `json:"owned_by"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "list", body.Object)
	require.Len(t, body.Data, 3)
	assert.Equal(t, "sdxl-turbo", body.Data[0].ID)
	assert.Equal(t, "sdxl", body.Data[0].OwnedBy)
	assert.Equal(t, "llama", body.Data[2].ID)
	assert.Equal(t, "llm", body.Data[2].OwnedBy)
}

func TestServer_Health(t *testing.T) {
	t.Parallel()

	sick := textBackend("sick")
	sick.SetHealth(backend.HealthUnhealthy)
	well := textBackend("well")
	well.SetHealth(backend.HealthHealthy)

	env := newTestEnv(t, nil, sick, well)

	w := env.do(http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Status   string `json:"status"`
		Backends struct {
			Total     int `json:"total"`
			Healthy   int `json:"healthy"`
			Unhealthy int `json:"unhealthy"`
		} `json:"backends"`
		QueueDepth int `json:"queueDepth"`
		Details    []struct {
			Name         string `json:"name"`
			CircuitState string `json:"circuitState"`
		} `json:"details"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "degraded", body.Status)
	assert.Equal(t, 2, body.Backends.Total)
	assert.Equal(t, 1, body.Backends.Healthy)
	assert.Equal(t, 1, body.Backends.Unhealthy)
	require.Len(t, body.Details, 2)
	assert.Equal(t, "closed", body.Details[0].CircuitState)
}

func TestServer_MetricsEndpoint(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, func(cfg *config.GatewayConfig) {
		cfg.Observability.Metrics.Enabled = true
		cfg.Observability.Metrics.Path = "/metrics"
	})

	w := env.do(http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

func TestServer_AdminBackendLifecycle(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)

	def := `{
		"name": "sdxl",
		"protocol": "http",
		"capabilities": ["image"],
		"endpoints": ["http://sdxl:8000"],
		"models": ["sdxl-turbo"]
	}`

	w := env.do(http.MethodPost, "/admin/backends", def, nil)
	require.Equal(t, http.StatusCreated, w.Code)

	w = env.do(http.MethodPost, "/admin/backends", def, nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = env.do(http.MethodGet, "/admin/backends", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"sdxl"`)

	w = env.do(http.MethodDelete, "/admin/backends/sdxl", "", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Zero(t, env.registry.Len())

	w = env.do(http.MethodDelete, "/admin/backends/sdxl", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestServer_AdminAddRejectsIncomplete(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)

	w := env.do(http.MethodPost, "/admin/backends", `{"name":"x"}`, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestServer_APIKeyAuth(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, func(cfg *config.GatewayConfig) {
		cfg.Auth.Enabled = true
		cfg.Auth.APIKey = "secret"
	})

	w := env.do(http.MethodGet, "/v1/models", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = env.do(http.MethodGet, "/v1/models", "", map[string]string{"Authorization": "Bearer secret"})
	assert.Equal(t, http.StatusOK, w.Code)

	w = env.do(http.MethodGet, "/v1/models", "", map[string]string{"X-API-Key": "secret"})
	assert.Equal(t, http.StatusOK, w.Code)

	w = env.do(http.MethodGet, "/v1/models", "", map[string]string{"X-API-Key": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// Health stays open for probes.
	w = env.do(http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestServer_GeneratedAPIKey(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, func(cfg *config.GatewayConfig) {
		cfg.Auth.Enabled = true
	})

	require.NotEmpty(t, env.server.apiKey)

	w := env.do(http.MethodGet, "/v1/models", "", map[string]string{"X-API-Key": env.server.apiKey})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestServer_APIKeyFromEnv(t *testing.T) {
	t.Setenv("GENGW_TEST_API_KEY", "env-secret")

	env := newTestEnv(t, func(cfg *config.GatewayConfig) {
		cfg.Auth.Enabled = true
		cfg.Auth.APIKeyEnv = "GENGW_TEST_API_KEY"
	})

	w := env.do(http.MethodGet, "/v1/models", "", map[string]string{"X-API-Key": "env-secret"})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestServer_RateLimit(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, func(cfg *config.GatewayConfig) {
		cfg.RateLimit.Enabled = true
		cfg.RateLimit.RequestsPerSecond = 1
		cfg.RateLimit.Burst = 1
	})

	w := env.do(http.MethodGet, "/v1/models", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = env.do(http.MethodGet, "/v1/models", "", nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)

	// Health bypasses the limiter.
	w = env.do(http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestServer_RequestIDHeader(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)

	w := env.do(http.MethodGet, "/v1/models", "", nil)
	assert.NotEmpty(t, w.Header().Get(RequestIDHeader))

	w = env.do(http.MethodGet, "/v1/models", "", map[string]string{RequestIDHeader: "fixed-id"})
	assert.Equal(t, "fixed-id", w.Header().Get(RequestIDHeader))
}
