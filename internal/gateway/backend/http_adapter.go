package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/vyrodovalexey/gengw/internal/config"
	"github.com/vyrodovalexey/gengw/internal/observability"
)

// Generation call paths on OpenAI-compatible HTTP backends.
const (
	imageGenerationPath = "/v1/images/generations"
	textGenerationPath  = "/v1/chat/completions"
)

// HTTP client pool defaults.
const (
	defaultMaxIdleConns        = 100
	defaultMaxIdleConnsPerHost = 10
	defaultIdleConnTimeout     = 90 * time.Second
)

// HTTPAdapter dispatches generation calls to an HTTP/JSON backend.
// Endpoint rotation is internal: each call takes the next endpoint from
// an atomic cursor.
type HTTPAdapter struct {
	name       string
	endpoints  []string
	cursor     atomic.Uint64
	client     *http.Client
	timeout    time.Duration
	healthPath string
	authHeader string
	authValue  string
	logger     observability.Logger
}

// HTTPAdapterOption is a functional option for the HTTP adapter.
type HTTPAdapterOption func(*HTTPAdapter)

// WithHTTPLogger sets the adapter logger.
func WithHTTPLogger(logger observability.Logger) HTTPAdapterOption {
	return func(a *HTTPAdapter) {
		a.logger = logger
	}
}

// WithHTTPClient overrides the pooled HTTP client.
func WithHTTPClient(client *http.Client) HTTPAdapterOption {
	return func(a *HTTPAdapter) {
		a.client = client
	}
}

// NewHTTPAdapter creates an HTTP adapter for the given backend config.
func NewHTTPAdapter(cfg config.BackendConfig, opts ...HTTPAdapterOption) (*HTTPAdapter, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("backend %s: no endpoints configured", cfg.Name)
	}

	endpoints := make([]string, 0, len(cfg.Endpoints))
	for _, e := range cfg.Endpoints {
		endpoints = append(endpoints, strings.TrimRight(e, "/"))
	}

	a := &HTTPAdapter{
		name:       cfg.Name,
		endpoints:  endpoints,
		timeout:    cfg.GetTimeout(),
		healthPath: cfg.GetHealthPath(),
		logger:     observability.NopLogger(),
	}

	if err := a.configureAuth(cfg.Auth); err != nil {
		return nil, err
	}

	for _, opt := range opts {
		opt(a)
	}

	if a.client == nil {
		a.client = &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        defaultMaxIdleConns,
				MaxIdleConnsPerHost: defaultMaxIdleConnsPerHost,
				IdleConnTimeout:     defaultIdleConnTimeout,
			},
		}
	}

	return a, nil
}

// configureAuth resolves the outbound credential at construction time.
func (a *HTTPAdapter) configureAuth(auth *config.BackendAuthConfig) error {
	if auth == nil || auth.Type == "" || auth.Type == config.BackendAuthNone {
		return nil
	}

	token := auth.APIKey
	if auth.TokenEnv != "" {
		if v := os.Getenv(auth.TokenEnv); v != "" {
			token = v
		}
	}
	if token == "" {
		return fmt.Errorf("backend %s: auth credential not resolved", a.name)
	}

	switch auth.Type {
	case config.BackendAuthBearer:
		a.authHeader = "Authorization"
		a.authValue = "Bearer " + token
	case config.BackendAuthHeader:
		a.authHeader = auth.HeaderName
		a.authValue = token
	default:
		return fmt.Errorf("backend %s: unknown auth type %q", a.name, auth.Type)
	}

	return nil
}

// Name returns the backend name.
func (a *HTTPAdapter) Name() string { return a.name }

// nextEndpoint rotates through the configured endpoints.
func (a *HTTPAdapter) nextEndpoint() string {
	idx := a.cursor.Add(1) - 1
	return a.endpoints[idx%uint64(len(a.endpoints))]
}

// pathFor maps a capability to its generation path.
func pathFor(c Capability) string {
	if c == CapabilityImage {
		return imageGenerationPath
	}
	return textGenerationPath
}

// Generate performs a single generation call.
func (a *HTTPAdapter) Generate(ctx context.Context, req *Request) (*Artifact, error) {
	endpoint := a.nextEndpoint()
	url := endpoint + pathFor(req.Capability)

	callCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, url, bytes.NewReader(req.Payload))
	if err != nil {
		return nil, NewBackendError(a.name, KindProtocol, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if a.authHeader != "" {
		httpReq.Header.Set(a.authHeader, a.authValue)
	}

	start := time.Now()
	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, a.classifyTransportError(err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, NewBackendError(a.name, KindInvalidResponse, err)
	}

	if err := a.checkStatus(resp.StatusCode, body); err != nil {
		return nil, err
	}

	if !json.Valid(body) {
		return nil, NewBackendError(a.name, KindInvalidResponse,
			fmt.Errorf("response is not valid JSON"))
	}

	return &Artifact{
		RequestID: req.ID,
		Backend:   a.name,
		Model:     req.Model,
		Payload:   body,
		Duration:  time.Since(start),
	}, nil
}

// classifyTransportError maps client errors to the error taxonomy.
func (a *HTTPAdapter) classifyTransportError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return NewBackendError(a.name, KindTimeout, err)
	}
	return NewBackendError(a.name, KindUnavailable, err)
}

// checkStatus maps HTTP status codes to the error taxonomy.
func (a *HTTPAdapter) checkStatus(code int, body []byte) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusTooManyRequests || code >= 500:
		return NewBackendError(a.name, KindUnavailable,
			fmt.Errorf("status %d: %s", code, truncate(body, 256)))
	default:
		return NewBackendError(a.name, KindProtocol,
			fmt.Errorf("status %d: %s", code, truncate(body, 256)))
	}
}

// Health probes the backend health path on the next endpoint. A 401
// from an authenticated-only backend still proves the process is up, so
// it counts as healthy.
func (a *HTTPAdapter) Health(ctx context.Context) error {
	endpoint := a.nextEndpoint()
	url := endpoint + a.healthPath

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return NewBackendError(a.name, KindProtocol, err)
	}
	if a.authHeader != "" {
		httpReq.Header.Set(a.authHeader, a.authValue)
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return a.classifyTransportError(err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	if (resp.StatusCode >= 200 && resp.StatusCode < 300) ||
		resp.StatusCode == http.StatusUnauthorized {
		return nil
	}

	return NewBackendError(a.name, KindUnavailable,
		fmt.Errorf("health check status %d", resp.StatusCode))
}

// Close releases idle connections.
func (a *HTTPAdapter) Close() error {
	a.client.CloseIdleConnections()
	return nil
}

// truncate bounds error message bodies.
func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
