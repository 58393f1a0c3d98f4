package grpc

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	gogrpc "google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"
)

const defaultProbeTimeout = time.Second

// ErrNotServing reports a health check that answered with a status other
// than SERVING.
var ErrNotServing = errors.New("gRPC service is not serving")

// DefaultClientDialOptions returns standard dial options for in-cluster
// clients. Outbound calls carry trace context when a TracerProvider is
// registered.
func DefaultClientDialOptions() []gogrpc.DialOption {
	return []gogrpc.DialOption{
		gogrpc.WithTransportCredentials(insecure.NewCredentials()),
		gogrpc.WithStatsHandler(otelgrpc.NewClientHandler()),
	}
}

// HealthProbe checks a remote gRPC health service on demand. The underlying
// connection is lazy, so building a probe never waits for the peer.
type HealthProbe struct {
	conn    *gogrpc.ClientConn
	client  grpc_health_v1.HealthClient
	service string
	timeout time.Duration
}

// NewHealthProbe prepares a probe for service at addr. An empty service
// checks the server as a whole.
func NewHealthProbe(addr string, service string, timeout time.Duration, opts ...gogrpc.DialOption) (*HealthProbe, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, fmt.Errorf("health probe address is required")
	}
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}
	if len(opts) == 0 {
		opts = DefaultClientDialOptions()
	}
	conn, err := gogrpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("create gRPC client for %s: %w", addr, err)
	}
	return &HealthProbe{
		conn:    conn,
		client:  grpc_health_v1.NewHealthClient(conn),
		service: service,
		timeout: timeout,
	}, nil
}

// Check performs one health call bounded by the probe timeout.
func (p *HealthProbe) Check(ctx context.Context) error {
	if p == nil || p.client == nil {
		return fmt.Errorf("health probe is not configured")
	}
	callCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	response, err := p.client.Check(callCtx, &grpc_health_v1.HealthCheckRequest{Service: p.service})
	if err != nil {
		return fmt.Errorf("check gRPC health: %w", err)
	}
	if response.GetStatus() != grpc_health_v1.HealthCheckResponse_SERVING {
		return fmt.Errorf("%w: status %s", ErrNotServing, response.GetStatus().String())
	}
	return nil
}

// Wait blocks until the probed service serves or ctx ends.
func (p *HealthProbe) Wait(ctx context.Context, logf func(string, ...any)) error {
	if p == nil || p.conn == nil {
		return fmt.Errorf("health probe is not configured")
	}
	return WaitForHealth(ctx, p.conn, p.service, logf)
}

// Close releases the probe connection.
func (p *HealthProbe) Close() error {
	if p == nil || p.conn == nil {
		return nil
	}
	return p.conn.Close()
}
