package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "orchestrator.yaml")
	if err := os.WriteFile(path, []byte(strings.TrimSpace(contents)), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, `
server:
  host: 0.0.0.0
  extra: true
auth:
  token: secret
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestLoadRequiresAuthTokenOrJWTSecret(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 8090
`)
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(err.Error(), "auth.token") {
		t.Fatalf("expected auth.token error, got %v", err)
	}
}

func TestLoadValidatesFailMode(t *testing.T) {
	path := writeConfig(t, `
auth:
  token: secret
security:
  fail_mode: sideways
`)
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(err.Error(), "fail_mode") {
		t.Fatalf("expected fail_mode error, got %v", err)
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
auth:
  token: secret
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 8090 {
		t.Errorf("expected default port 8090, got %d", cfg.Server.Port)
	}
	if cfg.Server.MaxBodyBytes != 10*1024*1024 {
		t.Errorf("expected default max_body_bytes 10MiB, got %d", cfg.Server.MaxBodyBytes)
	}
	if cfg.RateLimit.RequestsPerMinute != 120 {
		t.Errorf("expected default RPM 120, got %d", cfg.RateLimit.RequestsPerMinute)
	}
	if cfg.Security.FailMode != "closed" {
		t.Errorf("expected default fail_mode closed, got %q", cfg.Security.FailMode)
	}
	if cfg.CostMonitor.HardCapTokensPerHour != 10000 {
		t.Errorf("expected default hard cap 10000, got %d", cfg.CostMonitor.HardCapTokensPerHour)
	}
}

func TestLoadExpandsEnvVars(t *testing.T) {
	t.Setenv("TEST_ORCH_TOKEN", "from-env")
	path := writeConfig(t, `
auth:
  token: ${TEST_ORCH_TOKEN}
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Auth.Token != "from-env" {
		t.Errorf("expected token from env var, got %q", cfg.Auth.Token)
	}
}

func TestEnvOverrideTakesPrecedenceOverFile(t *testing.T) {
	t.Setenv("ORCHESTRATOR_PORT", "9999")
	path := writeConfig(t, `
auth:
  token: secret
server:
  port: 1111
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 9999 {
		t.Errorf("expected env override port 9999, got %d", cfg.Server.Port)
	}
}

func TestEnvOverrideRecognizedNames(t *testing.T) {
	t.Setenv("DATA_DIR", "/tmp/orch-data")
	t.Setenv("LOG_DIR", "/tmp/orch-logs")
	t.Setenv("AUTH_TOKEN", "env-token")
	t.Setenv("RATE_LIMIT_RPM", "42")
	t.Setenv("MAX_BODY_BYTES", "2048")
	t.Setenv("POLLER_INTERVAL_MS", "5000")
	t.Setenv("PROVIDER_HEALTH_INTERVAL_MS", "15000")
	t.Setenv("FAIL_MODE", "open")

	path := writeConfig(t, `
auth:
  token: secret
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Data.Dir != "/tmp/orch-data" {
		t.Errorf("expected DATA_DIR override, got %q", cfg.Data.Dir)
	}
	if cfg.Logging.Dir != "/tmp/orch-logs" {
		t.Errorf("expected LOG_DIR override, got %q", cfg.Logging.Dir)
	}
	if cfg.Auth.Token != "env-token" {
		t.Errorf("expected AUTH_TOKEN override, got %q", cfg.Auth.Token)
	}
	if cfg.RateLimit.RequestsPerMinute != 42 {
		t.Errorf("expected RATE_LIMIT_RPM override, got %d", cfg.RateLimit.RequestsPerMinute)
	}
	if cfg.Server.MaxBodyBytes != 2048 {
		t.Errorf("expected MAX_BODY_BYTES override, got %d", cfg.Server.MaxBodyBytes)
	}
	if cfg.Poller.Interval != 5*time.Second {
		t.Errorf("expected POLLER_INTERVAL_MS override, got %v", cfg.Poller.Interval)
	}
	if cfg.Providers.HealthInterval != 15*time.Second {
		t.Errorf("expected PROVIDER_HEALTH_INTERVAL_MS override, got %v", cfg.Providers.HealthInterval)
	}
	if cfg.Security.FailMode != "open" {
		t.Errorf("expected FAIL_MODE override, got %q", cfg.Security.FailMode)
	}
}

func TestLoadRejectsMultipleDocuments(t *testing.T) {
	path := writeConfig(t, `
auth:
  token: secret
---
auth:
  token: other
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for multi-document YAML")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestLoadValidatesAgents(t *testing.T) {
	path := writeConfig(t, `
auth:
  token: secret
agents:
  - id: ""
    base_url: ""
`)
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(err.Error(), "agents[0].id") || !strings.Contains(err.Error(), "agents[0].base_url") {
		t.Fatalf("expected agents[0].id and agents[0].base_url errors, got %v", err)
	}
}

func TestLoadAppliesAgentCostMonitorDefaults(t *testing.T) {
	path := writeConfig(t, `
auth:
  token: secret
cost_monitor:
  hard_cap_tokens_per_hour: 5000
agents:
  - id: researcher
    base_url: http://localhost:9001
  - id: reviewer
    base_url: http://localhost:9002
    timeout: 90s
    cost_monitor:
      hard_cap_tokens_per_hour: 500
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(cfg.Agents) != 2 {
		t.Fatalf("expected 2 agents, got %d", len(cfg.Agents))
	}

	researcher := cfg.Agents[0]
	if researcher.CostMonitor.HardCapTokensPerHour != 5000 {
		t.Errorf("expected researcher to inherit global hard cap 5000, got %d", researcher.CostMonitor.HardCapTokensPerHour)
	}
	if researcher.Timeout != 5*time.Minute {
		t.Errorf("expected default agent timeout 5m, got %v", researcher.Timeout)
	}

	reviewer := cfg.Agents[1]
	if reviewer.CostMonitor.HardCapTokensPerHour != 500 {
		t.Errorf("expected reviewer's own hard cap 500 to be kept, got %d", reviewer.CostMonitor.HardCapTokensPerHour)
	}
	if reviewer.Timeout != 90*time.Second {
		t.Errorf("expected reviewer timeout 90s, got %v", reviewer.Timeout)
	}
}
