package backend

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"github.com/vyrodovalexey/gengw/internal/config"
	"github.com/vyrodovalexey/gengw/internal/observability"
)

// rawCodec passes through raw bytes without unmarshaling, so generation
// payloads reach the backend untouched.
type rawCodec struct{}

// rawFrame holds raw bytes for passthrough invocation.
type rawFrame struct {
	payload []byte
}

// Marshal returns the payload bytes.
func (c *rawCodec) Marshal(v interface{}) ([]byte, error) {
	frame, ok := v.(*rawFrame)
	if !ok {
		return nil, fmt.Errorf("rawCodec: unexpected message type %T", v)
	}
	return frame.payload, nil
}

// Unmarshal stores the data in a frame.
func (c *rawCodec) Unmarshal(data []byte, v interface{}) error {
	frame, ok := v.(*rawFrame)
	if !ok {
		return fmt.Errorf("rawCodec: unexpected message type %T", v)
	}
	frame.payload = data
	return nil
}

// Name returns the codec name.
func (c *rawCodec) Name() string {
	return "proto"
}

// GRPCAdapter dispatches generation calls to a gRPC backend over a
// persistent client connection per target. Payloads are sent as raw
// bytes against the configured full method name.
type GRPCAdapter struct {
	name    string
	targets []string
	cursor  atomic.Uint64
	method  string
	service string
	timeout time.Duration
	logger  observability.Logger

	dialOpts []grpc.DialOption

	mu    sync.Mutex
	conns map[string]*grpc.ClientConn
}

// GRPCAdapterOption is a functional option for the gRPC adapter.
type GRPCAdapterOption func(*GRPCAdapter)

// WithGRPCLogger sets the adapter logger.
func WithGRPCLogger(logger observability.Logger) GRPCAdapterOption {
	return func(a *GRPCAdapter) {
		a.logger = logger
	}
}

// WithGRPCDialOptions appends extra dial options, e.g. a bufconn dialer
// in tests.
func WithGRPCDialOptions(opts ...grpc.DialOption) GRPCAdapterOption {
	return func(a *GRPCAdapter) {
		a.dialOpts = append(a.dialOpts, opts...)
	}
}

// NewGRPCAdapter creates a gRPC adapter for the given backend config.
func NewGRPCAdapter(cfg config.BackendConfig, opts ...GRPCAdapterOption) (*GRPCAdapter, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("backend %s: no endpoints configured", cfg.Name)
	}
	if cfg.GenerateMethod == "" {
		return nil, fmt.Errorf("backend %s: generateMethod is required", cfg.Name)
	}

	a := &GRPCAdapter{
		name:    cfg.Name,
		targets: append([]string(nil), cfg.Endpoints...),
		method:  cfg.GenerateMethod,
		service: cfg.GRPCService,
		timeout: cfg.GetTimeout(),
		logger:  observability.NopLogger(),
		conns:   make(map[string]*grpc.ClientConn),
	}

	for _, opt := range opts {
		opt(a)
	}

	return a, nil
}

// Name returns the backend name.
func (a *GRPCAdapter) Name() string { return a.name }

// nextTarget rotates through the configured targets.
func (a *GRPCAdapter) nextTarget() string {
	idx := a.cursor.Add(1) - 1
	return a.targets[idx%uint64(len(a.targets))]
}

// conn returns the persistent connection for a target, dialing lazily.
func (a *GRPCAdapter) conn(target string) (*grpc.ClientConn, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if cc, ok := a.conns[target]; ok {
		return cc, nil
	}

	opts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}, a.dialOpts...)

	cc, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, NewBackendError(a.name, KindUnavailable, err)
	}

	a.conns[target] = cc
	return cc, nil
}

// Generate performs a single generation call.
func (a *GRPCAdapter) Generate(ctx context.Context, req *Request) (*Artifact, error) {
	target := a.nextTarget()
	cc, err := a.conn(target)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	start := time.Now()
	out := &rawFrame{}
	err = cc.Invoke(callCtx, a.method, &rawFrame{payload: req.Payload}, out,
		grpc.ForceCodec(&rawCodec{}))
	if err != nil {
		return nil, a.classifyStatus(err)
	}

	return &Artifact{
		RequestID: req.ID,
		Backend:   a.name,
		Model:     req.Model,
		Payload:   out.payload,
		Duration:  time.Since(start),
	}, nil
}

// GenerateBatch dispatches a batch over the shared connections. Results
// are positional.
func (a *GRPCAdapter) GenerateBatch(ctx context.Context, reqs []*Request) ([]*Artifact, []error) {
	artifacts := make([]*Artifact, len(reqs))
	errs := make([]error, len(reqs))

	var wg sync.WaitGroup
	for i, req := range reqs {
		wg.Add(1)
		go func(i int, req *Request) {
			defer wg.Done()
			artifacts[i], errs[i] = a.Generate(ctx, req)
		}(i, req)
	}
	wg.Wait()

	return artifacts, errs
}

// classifyStatus maps gRPC status codes to the error taxonomy.
func (a *GRPCAdapter) classifyStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return NewBackendError(a.name, KindUnavailable, err)
	}

	switch st.Code() {
	case codes.DeadlineExceeded:
		return NewBackendError(a.name, KindTimeout, err)
	case codes.Unavailable, codes.ResourceExhausted, codes.Aborted:
		return NewBackendError(a.name, KindUnavailable, err)
	case codes.InvalidArgument, codes.Unimplemented, codes.PermissionDenied, codes.Unauthenticated:
		return NewBackendError(a.name, KindProtocol, err)
	case codes.Internal, codes.DataLoss:
		return NewBackendError(a.name, KindInvalidResponse, err)
	default:
		return NewBackendError(a.name, KindUnavailable, err)
	}
}

// Health probes the backend via the gRPC health protocol.
func (a *GRPCAdapter) Health(ctx context.Context) error {
	target := a.nextTarget()
	cc, err := a.conn(target)
	if err != nil {
		return err
	}

	resp, err := healthpb.NewHealthClient(cc).Check(ctx, &healthpb.HealthCheckRequest{
		Service: a.service,
	})
	if err != nil {
		return a.classifyStatus(err)
	}

	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return NewBackendError(a.name, KindUnavailable,
			fmt.Errorf("health status %s", resp.GetStatus()))
	}

	return nil
}

// Close tears down all persistent connections.
func (a *GRPCAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	var firstErr error
	for target, cc := range a.conns {
		if err := cc.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(a.conns, target)
	}
	return firstErr
}
