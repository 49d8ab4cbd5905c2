// Package config loads and validates the Orchestrator's own
// configuration: server bind address, the provider config file path,
// auth, rate limiting, body size caps, poller/health intervals, the
// Security Gate's fail mode, and Cost Monitor thresholds.
package config

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the Orchestrator's top-level configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Providers   ProvidersConfig   `yaml:"providers"`
	Auth        AuthConfig        `yaml:"auth"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit"`
	Security    SecurityConfig    `yaml:"security"`
	CostMonitor CostMonitorConfig `yaml:"cost_monitor"`
	Poller      PollerConfig      `yaml:"poller"`
	Data        DataConfig        `yaml:"data"`
	Logging     LoggingConfig     `yaml:"logging"`
	Agents      []AgentConfig     `yaml:"agents"`
}

// AgentConfig describes one statically-configured agent peer the Agent
// Supervisor forwards executeSkill calls to, and the Cost Monitor
// policy attached to it.
type AgentConfig struct {
	ID          string            `yaml:"id"`
	BaseURL     string            `yaml:"base_url"`
	Timeout     time.Duration     `yaml:"timeout"`
	CostMonitor CostMonitorConfig `yaml:"cost_monitor"`
}

// ServerConfig configures the Public API's HTTP bind.
type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	MaxBodyBytes int64         `yaml:"max_body_bytes"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// ProvidersConfig locates the hot-reloaded provider catalog file.
type ProvidersConfig struct {
	ConfigPath     string        `yaml:"config_path"`
	HealthInterval time.Duration `yaml:"health_interval"`
}

// AuthConfig configures Public API authentication.
type AuthConfig struct {
	// Token is the static X-Token bearer expected on every request except
	// /health and /metrics.
	Token string `yaml:"token"`
	// JWTSecret enables an alternative JWT bearer mode when set.
	JWTSecret string `yaml:"jwt_secret"`
}

// RateLimitConfig configures the sliding-window limiter.
type RateLimitConfig struct {
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	Enabled           bool `yaml:"enabled"`
}

// SecurityConfig configures the Security Gate.
type SecurityConfig struct {
	// FailMode is "open" or "closed".
	FailMode     string `yaml:"fail_mode"`
	ProviderName string `yaml:"provider_name"`
}

// CostMonitorConfig configures per-agent token accounting.
type CostMonitorConfig struct {
	Enabled               bool    `yaml:"enabled"`
	HardCapTokensPerHour  int64   `yaml:"hard_cap_tokens_per_hour"`
	MinimumBaselineTokens int64   `yaml:"minimum_baseline_tokens"`
	ShortWindowMinutes    int     `yaml:"short_window_minutes"`
	SpikeMultiplier       float64 `yaml:"spike_multiplier"`
	MinimumBaselineRate   float64 `yaml:"minimum_baseline_rate"`
}

// PollerConfig configures the Skill Cron Poller.
type PollerConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// DataConfig locates on-disk state (task queue records, etc).
type DataConfig struct {
	Dir string `yaml:"dir"`
}

// LoggingConfig configures slog output.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" or "text"
	Dir    string `yaml:"dir"`    // empty means stderr only
}

// Load reads path, applies environment overrides and defaults, and
// validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	decoder := yaml.NewDecoder(strings.NewReader(expanded))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("failed to parse config: expected single document")
	}

	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)

	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8090
	}
	if cfg.Server.MaxBodyBytes == 0 {
		cfg.Server.MaxBodyBytes = 10 * 1024 * 1024
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 15 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 30 * time.Second
	}

	if cfg.Providers.ConfigPath == "" {
		cfg.Providers.ConfigPath = "providers.json"
	}
	if cfg.Providers.HealthInterval == 0 {
		cfg.Providers.HealthInterval = 30 * time.Second
	}

	if cfg.RateLimit.RequestsPerMinute == 0 {
		cfg.RateLimit.RequestsPerMinute = 120
	}
	if !cfg.RateLimit.Enabled {
		cfg.RateLimit.Enabled = true
	}

	if cfg.Security.FailMode == "" {
		cfg.Security.FailMode = "closed"
	}
	if cfg.Security.ProviderName == "" {
		cfg.Security.ProviderName = "security"
	}

	if cfg.CostMonitor.HardCapTokensPerHour == 0 {
		cfg.CostMonitor.HardCapTokensPerHour = 10000
	}
	if cfg.CostMonitor.MinimumBaselineTokens == 0 {
		cfg.CostMonitor.MinimumBaselineTokens = 2000
	}
	if cfg.CostMonitor.ShortWindowMinutes == 0 {
		cfg.CostMonitor.ShortWindowMinutes = 5
	}
	if cfg.CostMonitor.SpikeMultiplier == 0 {
		cfg.CostMonitor.SpikeMultiplier = 3
	}
	if cfg.CostMonitor.MinimumBaselineRate == 0 {
		cfg.CostMonitor.MinimumBaselineRate = 1
	}

	if cfg.Poller.Interval == 0 {
		cfg.Poller.Interval = 60 * time.Second
	}

	if cfg.Data.Dir == "" {
		cfg.Data.Dir = "./data"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	for i := range cfg.Agents {
		a := &cfg.Agents[i].CostMonitor
		if !a.Enabled {
			a.Enabled = cfg.CostMonitor.Enabled
		}
		if a.HardCapTokensPerHour == 0 {
			a.HardCapTokensPerHour = cfg.CostMonitor.HardCapTokensPerHour
		}
		if a.MinimumBaselineTokens == 0 {
			a.MinimumBaselineTokens = cfg.CostMonitor.MinimumBaselineTokens
		}
		if a.ShortWindowMinutes == 0 {
			a.ShortWindowMinutes = cfg.CostMonitor.ShortWindowMinutes
		}
		if a.SpikeMultiplier == 0 {
			a.SpikeMultiplier = cfg.CostMonitor.SpikeMultiplier
		}
		if a.MinimumBaselineRate == 0 {
			a.MinimumBaselineRate = cfg.CostMonitor.MinimumBaselineRate
		}
		if cfg.Agents[i].Timeout == 0 {
			cfg.Agents[i].Timeout = 5 * time.Minute
		}
	}
}

// applyEnvOverrides honors the recognized environment variables: DATA_DIR,
// LOG_DIR, AUTH_TOKEN, RATE_LIMIT_RPM, MAX_BODY_BYTES, POLLER_INTERVAL_MS,
// PROVIDER_HEALTH_INTERVAL_MS, FAIL_MODE. A handful of additional
// ORCHESTRATOR_-prefixed variables cover fields the recognized set doesn't
// name (host/port/JWT secret/providers path); those are this binary's own
// extension and are applied before the recognized set. The two sets name
// disjoint fields, so neither overrides a value set by the other.
func applyEnvOverrides(cfg *Config) {
	if value := strings.TrimSpace(os.Getenv("ORCHESTRATOR_HOST")); value != "" {
		cfg.Server.Host = value
	}
	if value := strings.TrimSpace(os.Getenv("ORCHESTRATOR_PORT")); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			cfg.Server.Port = parsed
		}
	}
	if value := strings.TrimSpace(os.Getenv("ORCHESTRATOR_JWT_SECRET")); value != "" {
		cfg.Auth.JWTSecret = value
	}
	if value := strings.TrimSpace(os.Getenv("ORCHESTRATOR_PROVIDERS_PATH")); value != "" {
		cfg.Providers.ConfigPath = value
	}

	if value := strings.TrimSpace(os.Getenv("DATA_DIR")); value != "" {
		cfg.Data.Dir = value
	}
	if value := strings.TrimSpace(os.Getenv("LOG_DIR")); value != "" {
		cfg.Logging.Dir = value
	}
	if value := strings.TrimSpace(os.Getenv("AUTH_TOKEN")); value != "" {
		cfg.Auth.Token = value
	}
	if value := strings.TrimSpace(os.Getenv("RATE_LIMIT_RPM")); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			cfg.RateLimit.RequestsPerMinute = parsed
		}
	}
	if value := strings.TrimSpace(os.Getenv("MAX_BODY_BYTES")); value != "" {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
			cfg.Server.MaxBodyBytes = parsed
		}
	}
	if value := strings.TrimSpace(os.Getenv("POLLER_INTERVAL_MS")); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			cfg.Poller.Interval = time.Duration(parsed) * time.Millisecond
		}
	}
	if value := strings.TrimSpace(os.Getenv("PROVIDER_HEALTH_INTERVAL_MS")); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			cfg.Providers.HealthInterval = time.Duration(parsed) * time.Millisecond
		}
	}
	if value := strings.TrimSpace(os.Getenv("FAIL_MODE")); value != "" {
		cfg.Security.FailMode = value
	}
}

// ValidationError reports every config issue found, not just the first.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	return "config validation failed:\n- " + strings.Join(e.Issues, "\n- ")
}

func validateConfig(cfg *Config) error {
	var issues []string

	if cfg.Auth.Token == "" && cfg.Auth.JWTSecret == "" {
		issues = append(issues, "auth.token or auth.jwt_secret is required")
	}
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		issues = append(issues, "server.port must be between 1 and 65535")
	}
	if cfg.Server.MaxBodyBytes <= 0 {
		issues = append(issues, "server.max_body_bytes must be > 0")
	}
	if cfg.RateLimit.RequestsPerMinute <= 0 {
		issues = append(issues, "rate_limit.requests_per_minute must be > 0")
	}
	if cfg.Security.FailMode != "open" && cfg.Security.FailMode != "closed" {
		issues = append(issues, `security.fail_mode must be "open" or "closed"`)
	}
	if cfg.CostMonitor.HardCapTokensPerHour <= 0 {
		issues = append(issues, "cost_monitor.hard_cap_tokens_per_hour must be > 0")
	}
	if cfg.CostMonitor.ShortWindowMinutes <= 0 || cfg.CostMonitor.ShortWindowMinutes >= 60 {
		issues = append(issues, "cost_monitor.short_window_minutes must be between 1 and 59")
	}
	if cfg.Poller.Interval <= 0 {
		issues = append(issues, "poller.interval must be > 0")
	}
	if cfg.Providers.ConfigPath == "" {
		issues = append(issues, "providers.config_path is required")
	}
	for i, a := range cfg.Agents {
		if a.ID == "" {
			issues = append(issues, fmt.Sprintf("agents[%d].id is required", i))
		}
		if a.BaseURL == "" {
			issues = append(issues, fmt.Sprintf("agents[%d].base_url is required", i))
		}
	}

	if len(issues) > 0 {
		return &ValidationError{Issues: issues}
	}
	return nil
}
