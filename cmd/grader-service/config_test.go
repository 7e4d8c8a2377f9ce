package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"codegrader/internal/grader/queue"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "grader.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppConfigDefaults(t *testing.T) {
	path := writeConfig(t, `
judge0:
  baseUrl: http://judge0:2358
redis:
  addr: localhost:6379
database:
  dsn: postgres://grader@localhost/grader
`)
	cfg, err := loadAppConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Server.Addr != defaultHTTPAddr || cfg.Server.ReadTimeout != defaultReadTimeout {
		t.Fatalf("unexpected server defaults %+v", cfg.Server)
	}
	if cfg.Redis.PoolSize != 20 || cfg.Redis.DialTimeout != 5*time.Second {
		t.Fatalf("redis defaults not applied: %+v", cfg.Redis)
	}
	if cfg.Database.Driver != "postgres" || cfg.Database.MaxOpenConnections != 25 {
		t.Fatalf("database defaults not applied: %+v", cfg.Database)
	}
	if cfg.Queue.Backend != backendRedis {
		t.Fatalf("expected redis backend, got %q", cfg.Queue.Backend)
	}
	c := cfg.Queue.Concurrency
	if c.Run != 5 || c.Submission != 5 || c.Persistence != 3 {
		t.Fatalf("unexpected concurrency %+v", c)
	}
	if cfg.Grader.StatusTTL != 300*time.Second || cfg.TestCases.TTL != 4*time.Hour {
		t.Fatalf("unexpected ttl defaults %s / %s", cfg.Grader.StatusTTL, cfg.TestCases.TTL)
	}
}

func TestLoadAppConfigExpandsEnv(t *testing.T) {
	t.Setenv("GRADER_JUDGE0_KEY", "secret-key")
	t.Setenv("GRADER_REDIS_ADDR", "cache:6380")
	path := writeConfig(t, `
judge0:
  baseUrl: https://judge0.example.com
  apiKey: ${GRADER_JUDGE0_KEY}
  limits:
    compiled:
      cpu: 1s
redis:
  addr: $GRADER_REDIS_ADDR
  tls: true
queue:
  backend: Kafka
  kafka:
    brokers: ["kafka:9092"]
  options:
    database-operations:
      attempts: 8
      backoff:
        delay: 500ms
grader:
  persistRetries: 4
`)
	cfg, err := loadAppConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Judge0.APIKey != "secret-key" || cfg.Redis.Addr != "cache:6380" || !cfg.Redis.TLS {
		t.Fatalf("env not expanded: %+v %+v", cfg.Judge0, cfg.Redis)
	}
	if cfg.Queue.Backend != backendKafka || cfg.Queue.Kafka.Brokers[0] != "kafka:9092" {
		t.Fatalf("unexpected queue config %+v", cfg.Queue)
	}
	opts := cfg.Queue.Options[queue.PersistenceQueue]
	if opts.Attempts != 8 || opts.Backoff.Delay != 500*time.Millisecond {
		t.Fatalf("unexpected persistence options %+v", opts)
	}
	limits := cfg.Judge0.toClientConfig().Limits.For(54)
	if limits.CPU != time.Second || limits.Wall() != 3*time.Second {
		t.Fatalf("unexpected compiled limits %+v", limits)
	}
	if got := cfg.Judge0.toClientConfig().Limits.For(71); got.CPU != 5*time.Second {
		t.Fatalf("expected interpreted default, got %+v", got)
	}
	if cfg.Grader.PersistRetries != 4 {
		t.Fatalf("unexpected grader config %+v", cfg.Grader)
	}
}

func TestLoadAppConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "missing judge0", body: "redis:\n  addr: localhost:6379\n"},
		{name: "missing redis", body: "judge0:\n  baseUrl: http://judge0\n"},
		{name: "unknown backend", body: "judge0:\n  baseUrl: http://judge0\nredis:\n  addr: r:6379\nqueue:\n  backend: rabbit\n"},
		{name: "kafka without brokers", body: "judge0:\n  baseUrl: http://judge0\nredis:\n  addr: r:6379\nqueue:\n  backend: kafka\n"},
		{name: "malformed yaml", body: "judge0: [\n"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if _, err := loadAppConfig(writeConfig(t, tt.body)); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
	if _, err := loadAppConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
