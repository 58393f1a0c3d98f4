// Package server wires the notifications API process: storage, cache, trigger
// evaluation, activity ingestion, the realtime feed and the HTTP surface.
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ventushub/notifications/internal/platform/cache"
	platformgrpc "github.com/ventushub/notifications/internal/platform/grpc"
	"github.com/ventushub/notifications/internal/platform/timeouts"
	"github.com/ventushub/notifications/internal/services/notifications/activity"
	"github.com/ventushub/notifications/internal/services/notifications/api/httpapi"
	"github.com/ventushub/notifications/internal/services/notifications/domain"
	"github.com/ventushub/notifications/internal/services/notifications/metrics"
	"github.com/ventushub/notifications/internal/services/notifications/realtime"
	notificationsqlite "github.com/ventushub/notifications/internal/services/notifications/storage/sqlite"
	"github.com/ventushub/notifications/internal/services/notifications/triggers"
)

const (
	defaultHTTPAddr = ":8088"
	defaultDBPath   = "data/notifications.db"

	// WorkerHealthService is the health service name the worker registers.
	WorkerHealthService = "worker.delivery"
)

// RuntimeConfig controls the notifications process.
type RuntimeConfig struct {
	HTTPAddr  string
	DBPath    string
	JWTSecret string

	RedisAddrs    []string
	RedisPassword string
	RedisCluster  bool
	CacheTTL      time.Duration

	MaxAttempts       int
	ActivityQueueSize int
	ActivityWorkers   int
	ConditionWorkers  int
	AllowedOrigins    []string

	// WorkerHealthAddr, when set, makes readiness depend on the delivery
	// worker's gRPC health service.
	WorkerHealthAddr string

	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
	Clock             func() time.Time
}

// Server hosts the notifications HTTP process.
type Server struct {
	listener        net.Listener
	httpServer      *http.Server
	shutdownTimeout time.Duration

	store       *notificationsqlite.Store
	cache       cache.Cache
	hub         *realtime.Hub
	ingestor    *activity.Ingestor
	workerProbe *platformgrpc.HealthProbe
}

// New opens storage, builds every collaborator and binds the HTTP listener.
func New(cfg RuntimeConfig) (*Server, error) {
	cfg = cfg.normalized()
	if strings.TrimSpace(cfg.JWTSecret) == "" {
		return nil, errors.New("jwt secret is required")
	}
	if dir := filepath.Dir(cfg.DBPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create notifications storage dir: %w", err)
		}
	}

	srv := &Server{shutdownTimeout: cfg.ShutdownTimeout}
	store, err := notificationsqlite.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open notifications sqlite store: %w", err)
	}
	srv.store = store

	sharedCache, err := openCache(cfg)
	if err != nil {
		srv.Close()
		return nil, err
	}
	srv.cache = sharedCache

	if cfg.WorkerHealthAddr != "" {
		probe, err := platformgrpc.NewHealthProbe(cfg.WorkerHealthAddr, WorkerHealthService, timeouts.HealthProbe)
		if err != nil {
			srv.Close()
			return nil, fmt.Errorf("init worker health probe: %w", err)
		}
		srv.workerProbe = probe
	}

	srv.hub = realtime.NewHub(originChecker(cfg.AllowedOrigins))
	service := domain.NewService(store, domain.Options{
		Clock:       cfg.Clock,
		Cache:       sharedCache,
		CacheTTL:    cfg.CacheTTL,
		Publisher:   srv.hub,
		MaxAttempts: cfg.MaxAttempts,
	})
	evaluator := triggers.NewEvaluator(service, service, triggers.Options{
		Clock:            cfg.Clock,
		ConditionWorkers: cfg.ConditionWorkers,
	})
	srv.ingestor = activity.NewIngestor(store, evaluator, activity.Options{
		Clock:     cfg.Clock,
		QueueSize: cfg.ActivityQueueSize,
		Workers:   cfg.ActivityWorkers,
	})

	api, err := httpapi.NewServer(httpapi.Deps{
		Inbox:       service,
		Rules:       service,
		Activity:    srv.ingestor,
		Metrics:     metrics.NewAggregator(store, cfg.Clock),
		Engagements: store,
		Feed:        srv.hub,
		Ready:       srv.ready,
		Clock:       cfg.Clock,
	}, cfg.JWTSecret)
	if err != nil {
		srv.Close()
		return nil, fmt.Errorf("init http api: %w", err)
	}

	listener, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		srv.Close()
		return nil, fmt.Errorf("listen on %s: %w", cfg.HTTPAddr, err)
	}
	srv.listener = listener
	srv.httpServer = &http.Server{
		Handler:           api.Handler(),
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
	return srv, nil
}

func (cfg RuntimeConfig) normalized() RuntimeConfig {
	if strings.TrimSpace(cfg.HTTPAddr) == "" {
		cfg.HTTPAddr = defaultHTTPAddr
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		cfg.DBPath = defaultDBPath
	}
	cfg.WorkerHealthAddr = strings.TrimSpace(cfg.WorkerHealthAddr)
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = timeouts.ReadHeader
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = timeouts.Shutdown
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return cfg
}

func openCache(cfg RuntimeConfig) (cache.Cache, error) {
	if len(cfg.RedisAddrs) == 0 {
		return cache.NewMemory(cfg.Clock), nil
	}
	redisCache, err := cache.NewRedis(cfg.RedisAddrs, cfg.RedisPassword, cfg.RedisCluster)
	if err != nil {
		return nil, fmt.Errorf("init redis cache: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeouts.CacheOperation)
	defer cancel()
	if err := redisCache.Ping(ctx); err != nil {
		// Preferences fall back to storage on every cache error.
		log.Printf("redis cache unavailable at startup: %v", err)
	}
	return redisCache, nil
}

// originChecker accepts browser upgrades from the listed origins. With no
// list the websocket default applies: same host only.
func originChecker(allowed []string) func(*http.Request) bool {
	hosts := make(map[string]struct{}, len(allowed))
	for _, origin := range allowed {
		if origin = strings.TrimSpace(origin); origin != "" {
			hosts[strings.ToLower(strings.TrimSuffix(origin, "/"))] = struct{}{}
		}
	}
	if len(hosts) == 0 {
		return nil
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		parsed, err := url.Parse(origin)
		if err != nil {
			return false
		}
		_, ok := hosts[strings.ToLower(parsed.Scheme+"://"+parsed.Host)]
		return ok
	}
}

func (s *Server) ready(ctx context.Context) error {
	if err := s.store.Ping(ctx); err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	if pinger, ok := s.cache.(interface{ Ping(context.Context) error }); ok {
		if err := pinger.Ping(ctx); err != nil {
			return fmt.Errorf("cache: %w", err)
		}
	}
	if s.workerProbe != nil {
		if err := s.workerProbe.Check(ctx); err != nil {
			return fmt.Errorf("worker: %w", err)
		}
	}
	return nil
}

// Addr returns the bound listener address.
func (s *Server) Addr() string {
	if s == nil || s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Serve runs the HTTP server until ctx ends, then drains in-flight requests.
func (s *Server) Serve(ctx context.Context) error {
	if s == nil || s.httpServer == nil {
		return errors.New("notifications server is not configured")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	serveErr := make(chan error, 1)
	log.Printf("notifications server listening on %s", s.Addr())
	go func() {
		serveErr <- s.httpServer.Serve(s.listener)
	}()

	select {
	case <-ctx.Done():
		// Hijacked websocket connections are not tracked by Shutdown.
		s.hub.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		err := s.httpServer.Shutdown(shutdownCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	}
}

// Close drains the activity queue and releases storage, cache and probe
// handles. It is safe after a partial New.
func (s *Server) Close() {
	if s == nil {
		return
	}
	if s.hub != nil {
		s.hub.Close()
	}
	if s.ingestor != nil {
		s.ingestor.Close()
	}
	if s.workerProbe != nil {
		if err := s.workerProbe.Close(); err != nil {
			log.Printf("close worker health probe: %v", err)
		}
	}
	if s.cache != nil {
		if err := s.cache.Close(); err != nil {
			log.Printf("close cache: %v", err)
		}
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			log.Printf("close notifications sqlite store: %v", err)
		}
	}
}

// Run builds the server and serves until ctx ends.
func Run(ctx context.Context, cfg RuntimeConfig) error {
	srv, err := New(cfg)
	if err != nil {
		return fmt.Errorf("init notifications server: %w", err)
	}
	defer srv.Close()

	if err := srv.Serve(ctx); err != nil {
		return fmt.Errorf("serve notifications: %w", err)
	}
	return nil
}
