package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ventushub/notifications/internal/platform/timeouts"
	notificationsdomain "github.com/ventushub/notifications/internal/services/notifications/domain"
	"github.com/ventushub/notifications/internal/services/notifications/metrics"
	notificationsqlite "github.com/ventushub/notifications/internal/services/notifications/storage/sqlite"
	"github.com/ventushub/notifications/internal/services/worker/channels"
	workerdomain "github.com/ventushub/notifications/internal/services/worker/domain"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthService is the gRPC health service name the delivery worker reports.
const HealthService = "worker.delivery"

const (
	defaultWorkerAddr          = ":8089"
	defaultWorkerDB            = "data/notifications.db"
	defaultMaintenanceInterval = 10 * time.Minute
	defaultMetricsInterval     = 5 * time.Minute
)

// RuntimeConfig controls worker startup, providers, and loop behavior.
type RuntimeConfig struct {
	Addr   string
	DBPath string

	Loop Config

	MaintenanceInterval time.Duration
	// ArchiveAfter enables auto-archiving of notifications read longer than
	// this ago. Zero disables it.
	ArchiveAfter    time.Duration
	MetricsInterval time.Duration

	// Providers left nil keep their channel unconfigured; its jobs fail
	// permanently.
	Email *channels.EmailConfig
	Push  *channels.PushConfig
	SMS   *channels.SMSConfig

	Clock func() time.Time
}

func (cfg RuntimeConfig) normalized() RuntimeConfig {
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = defaultWorkerAddr
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		cfg.DBPath = defaultWorkerDB
	}
	if cfg.MaintenanceInterval <= 0 {
		cfg.MaintenanceInterval = defaultMaintenanceInterval
	}
	if cfg.MetricsInterval <= 0 {
		cfg.MetricsInterval = defaultMetricsInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return cfg
}

// Runtime hosts the delivery loop, background maintenance and the gRPC
// health endpoint.
type Runtime struct {
	config     RuntimeConfig
	store      *notificationsqlite.Store
	service    *notificationsdomain.Service
	metrics    *metrics.Aggregator
	worker     *Worker
	listener   net.Listener
	grpcServer *grpc.Server
	health     *health.Server
}

// NewRuntime opens storage, builds the configured providers and binds the
// health listener.
func NewRuntime(ctx context.Context, cfg RuntimeConfig) (*Runtime, error) {
	cfg = cfg.normalized()
	if dir := filepath.Dir(cfg.DBPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create notifications storage dir: %w", err)
		}
	}

	rt := &Runtime{config: cfg}
	store, err := notificationsqlite.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open notifications sqlite store: %w", err)
	}
	rt.store = store

	senders, err := buildSenders(ctx, cfg, store)
	if err != nil {
		rt.Close()
		return nil, err
	}
	for channel := range senders {
		log.Printf("worker: %s provider configured", channel)
	}

	rt.service = notificationsdomain.NewService(store, notificationsdomain.Options{Clock: cfg.Clock})
	rt.metrics = metrics.NewAggregator(store, cfg.Clock)
	rt.worker = New(store, senders, rt.metrics, cfg.Loop, cfg.Clock)

	listener, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("listen on %s: %w", cfg.Addr, err)
	}
	rt.listener = listener
	rt.grpcServer = grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	rt.health = health.NewServer()
	grpc_health_v1.RegisterHealthServer(rt.grpcServer, rt.health)
	return rt, nil
}

// buildSenders returns a provider for each configured external channel.
func buildSenders(ctx context.Context, cfg RuntimeConfig, pruner channels.TokenPruner) (map[notificationsdomain.Channel]workerdomain.Sender, error) {
	senders := make(map[notificationsdomain.Channel]workerdomain.Sender, 3)
	if cfg.Email != nil {
		email, err := channels.NewEmail(*cfg.Email)
		if err != nil {
			return nil, fmt.Errorf("init email provider: %w", err)
		}
		senders[notificationsdomain.ChannelEmail] = email
	}
	if cfg.Push != nil {
		push, err := channels.NewPush(ctx, *cfg.Push, pruner)
		if err != nil {
			return nil, fmt.Errorf("init push provider: %w", err)
		}
		senders[notificationsdomain.ChannelPush] = push
	}
	if cfg.SMS != nil {
		sms, err := channels.NewSMS(*cfg.SMS)
		if err != nil {
			return nil, fmt.Errorf("init sms provider: %w", err)
		}
		senders[notificationsdomain.ChannelSMS] = sms
	}
	return senders, nil
}

// Addr returns the bound health listener address.
func (r *Runtime) Addr() string {
	if r == nil || r.listener == nil {
		return ""
	}
	return r.listener.Addr().String()
}

// Serve runs the delivery loop, maintenance, metrics and the health server
// until ctx ends or one of them fails.
func (r *Runtime) Serve(ctx context.Context) error {
	if r == nil || r.grpcServer == nil {
		return errors.New("worker runtime is not configured")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- r.grpcServer.Serve(r.listener)
	}()
	r.health.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	r.health.SetServingStatus(HealthService, grpc_health_v1.HealthCheckResponse_SERVING)
	log.Printf("worker health listening at %s", r.Addr())

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return r.worker.Run(groupCtx)
	})
	group.Go(func() error {
		return r.metrics.Run(groupCtx, r.config.MetricsInterval)
	})
	group.Go(func() error {
		r.maintenanceLoop(groupCtx)
		return nil
	})
	group.Go(func() error {
		select {
		case <-groupCtx.Done():
			return nil
		case err := <-serveErr:
			if err == nil || errors.Is(err, grpc.ErrServerStopped) {
				return errors.New("health server stopped")
			}
			return fmt.Errorf("serve health: %w", err)
		}
	})

	err := group.Wait()
	r.health.Shutdown()
	stopped := make(chan struct{})
	go func() {
		r.grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(timeouts.Shutdown):
		r.grpcServer.Stop()
	}
	return err
}

func (r *Runtime) maintenanceLoop(ctx context.Context) {
	r.maintain(ctx)
	ticker := time.NewTicker(r.config.MaintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.maintain(ctx)
		}
	}
}

// maintain deletes expired notifications and archives old read ones.
func (r *Runtime) maintain(ctx context.Context) {
	deleted, err := r.service.CleanupExpired(ctx)
	if err != nil {
		log.Printf("worker: cleanup expired notifications: %v", err)
	} else if deleted > 0 {
		log.Printf("worker: deleted %d expired notifications", deleted)
	}
	if r.config.ArchiveAfter <= 0 {
		return
	}
	archived, err := r.service.AutoArchive(ctx, r.config.ArchiveAfter)
	if err != nil {
		log.Printf("worker: auto-archive notifications: %v", err)
	} else if archived > 0 {
		log.Printf("worker: archived %d read notifications", archived)
	}
}

// Close releases the listener and storage. It is safe after a partial
// NewRuntime.
func (r *Runtime) Close() {
	if r == nil {
		return
	}
	if r.grpcServer != nil {
		r.grpcServer.Stop()
	}
	if r.listener != nil {
		// Already closed when Serve ran.
		_ = r.listener.Close()
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			log.Printf("close notifications sqlite store: %v", err)
		}
	}
}

// Run starts the worker runtime and blocks until ctx ends.
func Run(ctx context.Context, cfg RuntimeConfig) error {
	if ctx == nil {
		ctx = context.Background()
	}
	rt, err := NewRuntime(ctx, cfg)
	if err != nil {
		return fmt.Errorf("init worker runtime: %w", err)
	}
	defer rt.Close()
	return rt.Serve(ctx)
}
