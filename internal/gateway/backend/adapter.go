package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Request is a single generation request flowing through the gateway.
// Payload is the client's JSON body, passed through to the backend
// opaquely.
type Request struct {
	ID         string
	Model      string
	Capability Capability
	Priority   int
	Payload    json.RawMessage
	Deadline   time.Time
}

// Expired reports whether the request deadline has passed.
func (r *Request) Expired() bool {
	return !r.Deadline.IsZero() && time.Now().After(r.Deadline)
}

// Artifact is the opaque result of a generation call.
type Artifact struct {
	RequestID string
	Backend   string
	Model     string
	Payload   json.RawMessage
	Duration  time.Duration
}

// Adapter abstracts a backend's wire protocol. Implementations must be
// safe for concurrent use.
type Adapter interface {
	// Name returns the backend name this adapter serves.
	Name() string

	// Generate performs a single generation call.
	Generate(ctx context.Context, req *Request) (*Artifact, error)

	// Health probes the backend once.
	Health(ctx context.Context) error

	// Close releases held connections.
	Close() error
}

// BatchGenerator is implemented by adapters that can take a whole batch
// in one call. Results and errors are positional: exactly one of
// artifacts[i] and errs[i] is set for each request.
type BatchGenerator interface {
	GenerateBatch(ctx context.Context, reqs []*Request) ([]*Artifact, []error)
}

// Sentinel errors for registry and dispatch operations.
var (
	// ErrDuplicateName is returned when registering a backend whose
	// name is already taken.
	ErrDuplicateName = errors.New("backend name already registered")

	// ErrBackendNotFound is returned when a named backend does not exist.
	ErrBackendNotFound = errors.New("backend not found")

	// ErrNoAvailableBackend is returned when no backend can serve a
	// request.
	ErrNoAvailableBackend = errors.New("no available backend")
)

// ErrorKind classifies backend call failures.
type ErrorKind int

const (
	// KindUnavailable marks connection failures and backend overload.
	KindUnavailable ErrorKind = iota

	// KindTimeout marks deadline expiry on a backend call.
	KindTimeout

	// KindInvalidResponse marks syntactically invalid backend replies.
	KindInvalidResponse

	// KindProtocol marks requests the backend rejected as malformed.
	KindProtocol
)

// String returns the string representation of the kind.
func (k ErrorKind) String() string {
	switch k {
	case KindUnavailable:
		return "unavailable"
	case KindTimeout:
		return "timeout"
	case KindInvalidResponse:
		return "invalid_response"
	case KindProtocol:
		return "protocol_error"
	default:
		return "unknown"
	}
}

// BackendError is a classified failure from a backend call.
type BackendError struct {
	Backend string
	Kind    ErrorKind
	Err     error
}

// Error implements the error interface.
func (e *BackendError) Error() string {
	return fmt.Sprintf("backend %s: %s: %v", e.Backend, e.Kind, e.Err)
}

// Unwrap returns the underlying error.
func (e *BackendError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the failure may succeed on another backend.
// Protocol errors are the client's fault and are never retried.
func (e *BackendError) Retryable() bool {
	return e.Kind != KindProtocol
}

// NewBackendError creates a classified backend error.
func NewBackendError(backend string, kind ErrorKind, err error) *BackendError {
	return &BackendError{Backend: backend, Kind: kind, Err: err}
}

// IsRetryable reports whether a dispatch error warrants a failover
// attempt on a different backend.
func IsRetryable(err error) bool {
	var be *BackendError
	if errors.As(err, &be) {
		return be.Retryable()
	}
	return false
}
