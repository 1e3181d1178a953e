package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chronicle.yaml")
	requireNoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	requireNoError(t, err)

	if cfg.Server.Addr() != "0.0.0.0:8080" {
		t.Errorf("unexpected addr %q", cfg.Server.Addr())
	}
	if cfg.Scheduler.Tick() != time.Second {
		t.Errorf("tick = %v", cfg.Scheduler.Tick())
	}
	if cfg.Scheduler.MaxAttempts != 5 || cfg.Scheduler.Backoff() != time.Minute {
		t.Errorf("unexpected retry defaults: %d attempts, %v unit", cfg.Scheduler.MaxAttempts, cfg.Scheduler.Backoff())
	}
	if cfg.Scheduler.Cap() != 0 {
		t.Errorf("backoff should be uncapped by default, got %v", cfg.Scheduler.Cap())
	}
	if cfg.Bus.Type != "memory" {
		t.Errorf("bus.type = %q", cfg.Bus.Type)
	}
}

func TestLoad_FileAndRules(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
  host: "127.0.0.1"
database:
  type: "memory"
scheduler:
  tick_interval: "250ms"
  default_clock: "billing"
  max_backoff: "1h"
bus:
  type: "redis"
  redis:
    addr: "redis:6379"
    channel: "events"
authorization:
  rules:
    - target: "subscription.Cancel"
      expression: "'admin' in principal.roles"
    - target: "*"
      expression: "principal.id != ''"
`)

	cfg, err := Load(path)
	requireNoError(t, err)

	if cfg.Server.Addr() != "127.0.0.1:9090" {
		t.Errorf("unexpected addr %q", cfg.Server.Addr())
	}
	if cfg.Scheduler.Tick() != 250*time.Millisecond || cfg.Scheduler.DefaultClock != "billing" {
		t.Errorf("scheduler not loaded: %+v", cfg.Scheduler)
	}
	if cfg.Scheduler.Cap() != time.Hour {
		t.Errorf("max_backoff = %v", cfg.Scheduler.Cap())
	}
	rules := cfg.Authorization.RuleMap()
	if len(rules) != 2 || rules["subscription.Cancel"] != "'admin' in principal.roles" {
		t.Errorf("unexpected rules %v", rules)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
scheduler:
  worker_count: 2
`)
	t.Setenv("CHRONICLE_SCHEDULER__WORKER_COUNT", "16")
	t.Setenv("CHRONICLE_DATABASE__TYPE", "memory")

	cfg, err := Load(path)
	requireNoError(t, err)
	if cfg.Scheduler.WorkerCount != 16 {
		t.Errorf("worker_count = %d, want 16", cfg.Scheduler.WorkerCount)
	}
	if cfg.Database.Type != "memory" {
		t.Errorf("database.type = %q", cfg.Database.Type)
	}
}

func TestLoad_InvalidConfigFailsStartup(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{name: "port", body: "server:\n  port: -1\n", wantErr: "invalid server.port"},
		{name: "mode", body: "server:\n  mode: loud\n", wantErr: "invalid server.mode"},
		{name: "database type", body: "database:\n  type: sqlite\n", wantErr: "unsupported database.type"},
		{name: "tick interval", body: "scheduler:\n  tick_interval: nope\n", wantErr: "invalid scheduler.tick_interval"},
		{name: "negative backoff", body: "scheduler:\n  backoff_unit: -1m\n", wantErr: "scheduler.backoff_unit must be > 0"},
		{name: "workers", body: "scheduler:\n  worker_count: 0\n", wantErr: "scheduler.worker_count must be > 0"},
		{name: "bus type", body: "bus:\n  type: kafka\n", wantErr: "unsupported bus.type"},
		{name: "redis channel", body: "bus:\n  type: redis\n  redis:\n    channel: \"\"\n", wantErr: "bus.redis.channel is required"},
		{name: "required rules dir", body: "validation:\n  rules_dir: \"\"\n  require_rules: true\n", wantErr: "validation.rules_dir is required"},
		{name: "duplicate authorization target", body: "authorization:\n  rules:\n    - {target: \"*\", expression: \"true\"}\n    - {target: \"*\", expression: \"false\"}\n", wantErr: "duplicate target"},
		{name: "empty expression", body: "authorization:\n  rules:\n    - {target: \"*\"}\n", wantErr: "needs a target and an expression"},
		{name: "billing declines", body: "billing:\n  max_declines: 0\n", wantErr: "billing.max_declines must be > 0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err == nil || !strings.Contains(err.Error(), "failed to load config file") {
		t.Fatalf("expected file error, got %v", err)
	}
}

func requireNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatal(err)
	}
}
