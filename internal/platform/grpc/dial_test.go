package grpc

import (
	"context"
	"errors"
	"testing"
	"time"

	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"
)

func TestHealthProbeServing(t *testing.T) {
	addr, _, stop := startHealthServer(t, grpc_health_v1.HealthCheckResponse_SERVING)
	defer stop()

	probe, err := NewHealthProbe(addr, "", time.Second)
	if err != nil {
		t.Fatalf("new health probe: %v", err)
	}
	defer probe.Close()

	if err := probe.Check(context.Background()); err != nil {
		t.Fatalf("check: %v", err)
	}
}

func TestHealthProbeReportsNotServing(t *testing.T) {
	addr, _, stop := startHealthServer(t, grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	defer stop()

	probe, err := NewHealthProbe(addr, "", time.Second)
	if err != nil {
		t.Fatalf("new health probe: %v", err)
	}
	defer probe.Close()

	err = probe.Check(context.Background())
	if !errors.Is(err, ErrNotServing) {
		t.Fatalf("check error = %v, want ErrNotServing", err)
	}
}

func TestHealthProbeWaitsForTransition(t *testing.T) {
	addr, setStatus, stop := startHealthServer(t, grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	defer stop()

	probe, err := NewHealthProbe(addr, "", time.Second)
	if err != nil {
		t.Fatalf("new health probe: %v", err)
	}
	defer probe.Close()

	go func() {
		time.Sleep(200 * time.Millisecond)
		setStatus(grpc_health_v1.HealthCheckResponse_SERVING)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := probe.Wait(ctx, nil); err != nil {
		t.Fatalf("wait: %v", err)
	}
}

func TestHealthProbeRequiresAddress(t *testing.T) {
	t.Parallel()

	if _, err := NewHealthProbe("  ", "", time.Second); err == nil {
		t.Fatal("expected error for empty address")
	}
	var probe *HealthProbe
	if err := probe.Check(context.Background()); err == nil {
		t.Fatal("expected error for nil probe")
	}
	if err := probe.Close(); err != nil {
		t.Fatalf("close nil probe: %v", err)
	}
}
