// Package notifications parses notifications command flags and launches the
// API server.
package notifications

import (
	"context"
	"flag"
	"fmt"
	"time"

	entrypoint "github.com/ventushub/notifications/internal/platform/cmd"
	server "github.com/ventushub/notifications/internal/services/notifications/app"
)

// Config holds notifications command configuration.
type Config struct {
	Port      int    `env:"VENTUSHUB_NOTIFICATIONS_PORT" envDefault:"8088"`
	DBPath    string `env:"VENTUSHUB_NOTIFICATIONS_DB_PATH" envDefault:"data/notifications.db"`
	JWTSecret string `env:"VENTUSHUB_NOTIFICATIONS_JWT_SECRET"`

	RedisAddrs    []string      `env:"VENTUSHUB_NOTIFICATIONS_REDIS_ADDRS" envSeparator:","`
	RedisPassword string        `env:"VENTUSHUB_NOTIFICATIONS_REDIS_PASSWORD"`
	RedisCluster  bool          `env:"VENTUSHUB_NOTIFICATIONS_REDIS_CLUSTER"`
	CacheTTL      time.Duration `env:"VENTUSHUB_NOTIFICATIONS_CACHE_TTL" envDefault:"5m"`

	MaxAttempts       int      `env:"VENTUSHUB_NOTIFICATIONS_MAX_ATTEMPTS" envDefault:"3"`
	ActivityQueueSize int      `env:"VENTUSHUB_NOTIFICATIONS_ACTIVITY_QUEUE_SIZE" envDefault:"1024"`
	ActivityWorkers   int      `env:"VENTUSHUB_NOTIFICATIONS_ACTIVITY_WORKERS" envDefault:"2"`
	ConditionWorkers  int      `env:"VENTUSHUB_NOTIFICATIONS_CONDITION_WORKERS" envDefault:"4"`
	AllowedOrigins    []string `env:"VENTUSHUB_NOTIFICATIONS_ALLOWED_ORIGINS" envSeparator:","`

	WorkerHealthAddr string `env:"VENTUSHUB_NOTIFICATIONS_WORKER_HEALTH_ADDR"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.IntVar(&cfg.Port, "port", cfg.Port, "The notifications HTTP server port")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "The notifications SQLite database path")
	fs.StringVar(&cfg.WorkerHealthAddr, "worker-health-addr", cfg.WorkerHealthAddr, "The delivery worker gRPC health address checked by readiness")
	fs.DurationVar(&cfg.CacheTTL, "cache-ttl", cfg.CacheTTL, "Preference cache entry lifetime")
	fs.IntVar(&cfg.MaxAttempts, "max-attempts", cfg.MaxAttempts, "Delivery attempts per external channel")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run starts the notifications server.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceNotifications, func(context.Context) error {
		return server.Run(ctx, cfg.runtimeConfig())
	})
}

func (cfg Config) runtimeConfig() server.RuntimeConfig {
	return server.RuntimeConfig{
		HTTPAddr:          fmt.Sprintf(":%d", cfg.Port),
		DBPath:            cfg.DBPath,
		JWTSecret:         cfg.JWTSecret,
		RedisAddrs:        cfg.RedisAddrs,
		RedisPassword:     cfg.RedisPassword,
		RedisCluster:      cfg.RedisCluster,
		CacheTTL:          cfg.CacheTTL,
		MaxAttempts:       cfg.MaxAttempts,
		ActivityQueueSize: cfg.ActivityQueueSize,
		ActivityWorkers:   cfg.ActivityWorkers,
		ConditionWorkers:  cfg.ConditionWorkers,
		AllowedOrigins:    cfg.AllowedOrigins,
		WorkerHealthAddr:  cfg.WorkerHealthAddr,
	}
}
