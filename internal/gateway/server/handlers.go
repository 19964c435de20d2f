package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vyrodovalexey/gengw/internal/config"
	"github.com/vyrodovalexey/gengw/internal/gateway/backend"
	"github.com/vyrodovalexey/gengw/internal/gateway/dispatch"
	"github.com/vyrodovalexey/gengw/internal/observability"
)

// generateEnvelope carries the routing fields of a generation request.
// The full body passes through to the backend untouched.
type generateEnvelope struct {
	Model     string `json:"model"`
	Priority  int    `json:"priority"`
	TimeoutMs int64  `json:"timeout_ms"`
}

// errorBody builds the JSON error payload.
func errorBody(message, errType string) gin.H {
	return gin.H{"error": gin.H{"message": message, "type": errType}}
}

// statusForError maps a dispatch error to an HTTP status and error type.
func statusForError(err error) (int, string) {
	switch {
	case errors.Is(err, dispatch.ErrQueueFull):
		return http.StatusTooManyRequests, "queue_full"
	case errors.Is(err, dispatch.ErrTimeout):
		return http.StatusGatewayTimeout, "timeout"
	case errors.Is(err, dispatch.ErrShuttingDown):
		return http.StatusServiceUnavailable, "shutting_down"
	case errors.Is(err, backend.ErrNoAvailableBackend):
		return http.StatusServiceUnavailable, "no_available_backend"
	}

	var be *backend.BackendError
	if errors.As(err, &be) {
		switch be.Kind {
		case backend.KindTimeout:
			return http.StatusGatewayTimeout, "backend_timeout"
		case backend.KindUnavailable:
			return http.StatusServiceUnavailable, "backend_unavailable"
		default:
			return http.StatusBadGateway, "backend_error"
		}
	}

	return http.StatusInternalServerError, "internal_error"
}

// handleGenerate admits a generation request and waits for its result.
// The request body is forwarded to the selected backend as-is.
func (s *Server) handleGenerate(capability backend.Capability) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.JSON(http.StatusBadRequest, errorBody("failed to read request body", "invalid_request"))
			return
		}

		var env generateEnvelope
		if err := json.Unmarshal(body, &env); err != nil {
			c.JSON(http.StatusBadRequest, errorBody("request body is not valid JSON", "invalid_request"))
			return
		}

		req := &backend.Request{
			ID:         observability.RequestIDFromContext(c.Request.Context()),
			Model:      env.Model,
			Capability: capability,
			Priority:   env.Priority,
			Payload:    json.RawMessage(body),
		}
		if env.TimeoutMs > 0 {
			req.Deadline = time.Now().Add(time.Duration(env.TimeoutMs) * time.Millisecond)
		}

		select {
		case res := <-s.dispatcher.Submit(c.Request.Context(), req):
			if res.Err != nil {
				status, errType := statusForError(res.Err)
				c.JSON(status, errorBody(res.Err.Error(), errType))
				return
			}
			c.Data(http.StatusOK, "application/json", res.Artifact.Payload)
		case <-c.Request.Context().Done():
			// Client gone; the dispatch finishes on its own.
			c.Abort()
		}
	}
}

// handleModels lists the models served by registered backends.
func (s *Server) handleModels(c *gin.Context) {
	type modelEntry struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		OwnedBy string `json:"owned_by"`
	}

	data := make([]modelEntry, 0)
	for _, b := range s.registry.All() {
		for _, model := range b.Models() {
			data = append(data, modelEntry{
				ID:      model,
				Object:  "model",
				OwnedBy: b.Name(),
			})
		}
	}

	c.JSON(http.StatusOK, gin.H{"object": "list", "data": data})
}

// backendStatus is a backend snapshot plus its circuit state.
type backendStatus struct {
	backend.Snapshot
	CircuitState string `json:"circuitState"`
}

// handleHealth reports aggregate gateway health.
func (s *Server) handleHealth(c *gin.Context) {
	snaps := s.registry.Snapshots()

	healthy := 0
	unhealthy := 0
	statuses := make([]backendStatus, 0, len(snaps))
	for _, snap := range snaps {
		switch snap.Health {
		case backend.HealthHealthy.String():
			healthy++
		case backend.HealthUnhealthy.String():
			unhealthy++
		}
		statuses = append(statuses, backendStatus{
			Snapshot:     snap,
			CircuitState: s.breakers.GetOrCreate(snap.Name).State().String(),
		})
	}

	status := "ok"
	if unhealthy > 0 {
		status = "degraded"
	}

	c.JSON(http.StatusOK, gin.H{
		"status": status,
		"backends": gin.H{
			"total":     len(snaps),
			"healthy":   healthy,
			"unhealthy": unhealthy,
		},
		"queueDepth": s.dispatcher.QueueDepth(),
		"details":    statuses,
	})
}

// handleListBackends returns snapshots of all registered backends.
func (s *Server) handleListBackends(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"backends": s.registry.Snapshots()})
}

// handleAddBackend registers a new backend at runtime.
func (s *Server) handleAddBackend(c *gin.Context) {
	var cfg config.BackendConfig
	if err := c.ShouldBindJSON(&cfg); err != nil {
		c.JSON(http.StatusBadRequest, errorBody("invalid backend definition", "invalid_request"))
		return
	}
	if cfg.Name == "" || cfg.Protocol == "" || len(cfg.Capabilities) == 0 || len(cfg.Endpoints) == 0 {
		c.JSON(http.StatusBadRequest, errorBody("name, protocol, capabilities, and endpoints are required", "invalid_request"))
		return
	}

	b, err := s.registry.AddFromConfig(cfg)
	if err != nil {
		if errors.Is(err, backend.ErrDuplicateName) {
			c.JSON(http.StatusConflict, errorBody(err.Error(), "duplicate_backend"))
			return
		}
		c.JSON(http.StatusBadRequest, errorBody(err.Error(), "invalid_request"))
		return
	}

	c.JSON(http.StatusCreated, gin.H{"backend": b.Snapshot()})
}

// handleRemoveBackend disables a backend, drains it, and deletes it.
func (s *Server) handleRemoveBackend(c *gin.Context) {
	name := c.Param("name")

	if err := s.registry.Remove(c.Request.Context(), name); err != nil {
		if errors.Is(err, backend.ErrBackendNotFound) {
			c.JSON(http.StatusNotFound, errorBody(err.Error(), "backend_not_found"))
			return
		}
		c.JSON(http.StatusInternalServerError, errorBody(err.Error(), "internal_error"))
		return
	}

	s.breakers.Remove(name)
	c.Status(http.StatusNoContent)
}
