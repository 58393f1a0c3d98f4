package worker

import (
	"flag"
	"testing"
	"time"
)

func TestParseConfigDefaults(t *testing.T) {
	fs := flag.NewFlagSet("worker", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, nil)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.Port != 8089 {
		t.Fatalf("expected default port 8089, got %d", cfg.Port)
	}
	if cfg.LeaseTTL != 2*time.Minute {
		t.Fatalf("expected default lease ttl 2m, got %v", cfg.LeaseTTL)
	}
	if cfg.RetryBackoff != 30*time.Second || cfg.RetryMaxDelay != 30*time.Minute {
		t.Fatalf("retry = %v..%v, want 30s..30m", cfg.RetryBackoff, cfg.RetryMaxDelay)
	}

	runtime := cfg.runtimeConfig()
	if runtime.Email != nil || runtime.Push != nil || runtime.SMS != nil {
		t.Fatal("expected no providers without provider settings")
	}
}

func TestParseConfigOverrides(t *testing.T) {
	t.Setenv("VENTUSHUB_WORKER_PORT", "9090")
	t.Setenv("VENTUSHUB_WORKER_SMTP_HOST", "smtp.example.com")
	t.Setenv("VENTUSHUB_WORKER_SMTP_FROM", "no-reply@ventushub.com.br")
	t.Setenv("VENTUSHUB_WORKER_SMS_GATEWAY_URL", "https://sms.example.com")

	fs := flag.NewFlagSet("worker", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, []string{"-port", "9091", "-concurrency", "4"})
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.Port != 9091 {
		t.Fatalf("expected port override 9091, got %d", cfg.Port)
	}

	runtime := cfg.runtimeConfig()
	if runtime.Addr != ":9091" {
		t.Fatalf("addr = %q, want %q", runtime.Addr, ":9091")
	}
	if runtime.Loop.Concurrency != 4 {
		t.Fatalf("concurrency = %d, want 4", runtime.Loop.Concurrency)
	}
	if runtime.Email == nil || runtime.Email.Port != 587 {
		t.Fatalf("email config = %+v, want smtp on 587", runtime.Email)
	}
	if runtime.SMS == nil || runtime.SMS.Sender != "VentusHub" {
		t.Fatalf("sms config = %+v, want default sender", runtime.SMS)
	}
	if runtime.Push != nil {
		t.Fatal("expected push to stay unconfigured")
	}
}
