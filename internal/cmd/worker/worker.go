// Package worker parses worker command flags and launches the delivery
// worker runtime.
package worker

import (
	"context"
	"flag"
	"fmt"
	"strings"
	"time"

	entrypoint "github.com/ventushub/notifications/internal/platform/cmd"
	workerserver "github.com/ventushub/notifications/internal/services/worker/app"
	"github.com/ventushub/notifications/internal/services/worker/channels"
)

// Config holds worker command configuration.
type Config struct {
	Port           int           `env:"VENTUSHUB_WORKER_PORT" envDefault:"8089"`
	DBPath         string        `env:"VENTUSHUB_WORKER_DB_PATH" envDefault:"data/notifications.db"`
	Concurrency    int           `env:"VENTUSHUB_WORKER_CONCURRENCY" envDefault:"2"`
	PollInterval   time.Duration `env:"VENTUSHUB_WORKER_POLL_INTERVAL" envDefault:"2s"`
	LeaseTTL       time.Duration `env:"VENTUSHUB_WORKER_LEASE_TTL" envDefault:"2m"`
	AttemptTimeout time.Duration `env:"VENTUSHUB_WORKER_ATTEMPT_TIMEOUT" envDefault:"10s"`
	RetryBackoff   time.Duration `env:"VENTUSHUB_WORKER_RETRY_BACKOFF" envDefault:"30s"`
	RetryMaxDelay  time.Duration `env:"VENTUSHUB_WORKER_RETRY_MAX_DELAY" envDefault:"30m"`

	MaintenanceInterval time.Duration `env:"VENTUSHUB_WORKER_MAINTENANCE_INTERVAL" envDefault:"10m"`
	ArchiveAfter        time.Duration `env:"VENTUSHUB_WORKER_ARCHIVE_AFTER" envDefault:"720h"`
	MetricsInterval     time.Duration `env:"VENTUSHUB_WORKER_METRICS_INTERVAL" envDefault:"5m"`

	SMTPHost        string `env:"VENTUSHUB_WORKER_SMTP_HOST"`
	SMTPPort        int    `env:"VENTUSHUB_WORKER_SMTP_PORT" envDefault:"587"`
	SMTPUsername    string `env:"VENTUSHUB_WORKER_SMTP_USERNAME"`
	SMTPPassword    string `env:"VENTUSHUB_WORKER_SMTP_PASSWORD"`
	SMTPFrom        string `env:"VENTUSHUB_WORKER_SMTP_FROM"`
	SMTPImplicitTLS bool   `env:"VENTUSHUB_WORKER_SMTP_IMPLICIT_TLS"`

	FCMProjectID       string `env:"VENTUSHUB_WORKER_FCM_PROJECT_ID"`
	FCMCredentialsFile string `env:"VENTUSHUB_WORKER_FCM_CREDENTIALS_FILE"`

	SMSGatewayURL string        `env:"VENTUSHUB_WORKER_SMS_GATEWAY_URL"`
	SMSAPIKey     string        `env:"VENTUSHUB_WORKER_SMS_API_KEY"`
	SMSSender     string        `env:"VENTUSHUB_WORKER_SMS_SENDER" envDefault:"VentusHub"`
	SMSTimeout    time.Duration `env:"VENTUSHUB_WORKER_SMS_TIMEOUT" envDefault:"10s"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.IntVar(&cfg.Port, "port", cfg.Port, "The worker health gRPC server port")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "The notifications SQLite database path")
	fs.IntVar(&cfg.Concurrency, "concurrency", cfg.Concurrency, "Concurrent delivery attempts")
	fs.DurationVar(&cfg.PollInterval, "poll-interval", cfg.PollInterval, "Delivery queue poll interval")
	fs.DurationVar(&cfg.LeaseTTL, "lease-ttl", cfg.LeaseTTL, "Delivery job lease duration")
	fs.DurationVar(&cfg.AttemptTimeout, "attempt-timeout", cfg.AttemptTimeout, "Timeout for one provider call")
	fs.DurationVar(&cfg.RetryBackoff, "retry-backoff", cfg.RetryBackoff, "Base retry backoff delay")
	fs.DurationVar(&cfg.RetryMaxDelay, "retry-max-delay", cfg.RetryMaxDelay, "Maximum retry delay")
	fs.DurationVar(&cfg.ArchiveAfter, "archive-after", cfg.ArchiveAfter, "Archive read notifications older than this; 0 disables")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run starts the worker runtime.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceWorker, func(context.Context) error {
		return workerserver.Run(ctx, cfg.runtimeConfig())
	})
}

func (cfg Config) runtimeConfig() workerserver.RuntimeConfig {
	runtime := workerserver.RuntimeConfig{
		Addr:   fmt.Sprintf(":%d", cfg.Port),
		DBPath: cfg.DBPath,
		Loop: workerserver.Config{
			PollInterval:   cfg.PollInterval,
			LeaseTTL:       cfg.LeaseTTL,
			AttemptTimeout: cfg.AttemptTimeout,
			RetryBackoff:   cfg.RetryBackoff,
			RetryMaxDelay:  cfg.RetryMaxDelay,
			Concurrency:    cfg.Concurrency,
		},
		MaintenanceInterval: cfg.MaintenanceInterval,
		ArchiveAfter:        cfg.ArchiveAfter,
		MetricsInterval:     cfg.MetricsInterval,
	}
	if strings.TrimSpace(cfg.SMTPHost) != "" {
		runtime.Email = &channels.EmailConfig{
			Host:        cfg.SMTPHost,
			Port:        cfg.SMTPPort,
			Username:    cfg.SMTPUsername,
			Password:    cfg.SMTPPassword,
			From:        cfg.SMTPFrom,
			ImplicitTLS: cfg.SMTPImplicitTLS,
		}
	}
	if strings.TrimSpace(cfg.FCMProjectID) != "" || strings.TrimSpace(cfg.FCMCredentialsFile) != "" {
		runtime.Push = &channels.PushConfig{
			ProjectID:       cfg.FCMProjectID,
			CredentialsFile: cfg.FCMCredentialsFile,
		}
	}
	if strings.TrimSpace(cfg.SMSGatewayURL) != "" {
		runtime.SMS = &channels.SMSConfig{
			BaseURL: cfg.SMSGatewayURL,
			APIKey:  cfg.SMSAPIKey,
			Sender:  cfg.SMSSender,
			Timeout: cfg.SMSTimeout,
		}
	}
	return runtime
}
