// ABOUTME: Configuration loading and parsing for the burrow hub and agent
// ABOUTME: Supports YAML or TOML files with env var expansion, env overrides, and duration parsing

package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config represents the complete burrow configuration. The hub and the agent
// read the same file and each use only the sections they need.
type Config struct {
	Hub       HubConfig       `yaml:"hub" toml:"hub"`
	Session   SessionConfig   `yaml:"session" toml:"session"`
	Agent     AgentConfig     `yaml:"agent" toml:"agent"`
	Collector CollectorConfig `yaml:"collector" toml:"collector"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics" toml:"metrics"`
	Tracing   TracingConfig   `yaml:"tracing" toml:"tracing"`
}

// HubConfig holds the hub's HTTP surface and correlation settings
type HubConfig struct {
	HTTPAddr       string   `yaml:"http_addr" toml:"http_addr"`
	MaxAnswerBytes int64    `yaml:"max_answer_bytes" toml:"max_answer_bytes"`
	RateLimitRPM   int      `yaml:"rate_limit_rpm" toml:"rate_limit_rpm"`
	RateLimitBurst int      `yaml:"rate_limit_burst" toml:"rate_limit_burst"`
	AllowedOrigins []string `yaml:"allowed_origins" toml:"allowed_origins"`

	AnswerTimeout time.Duration `yaml:"-" toml:"-"`
	PendingTTL    time.Duration `yaml:"-" toml:"-"`
	ShutdownGrace time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	AnswerTimeoutRaw string `yaml:"answer_timeout" toml:"answer_timeout"`
	PendingTTLRaw    string `yaml:"pending_ttl" toml:"pending_ttl"`
	ShutdownGraceRaw string `yaml:"shutdown_grace" toml:"shutdown_grace"`
}

// SessionConfig holds per-connection WebSocket settings, shared by hub and agent
type SessionConfig struct {
	QueueSize      int   `yaml:"queue_size" toml:"queue_size"`
	MaxMessageSize int64 `yaml:"max_message_size" toml:"max_message_size"`

	WriteWait time.Duration `yaml:"-" toml:"-"`
	PongWait  time.Duration `yaml:"-" toml:"-"`

	WriteWaitRaw string `yaml:"write_wait" toml:"write_wait"`
	PongWaitRaw  string `yaml:"pong_wait" toml:"pong_wait"`
}

// AgentConfig holds the agent's tunnel target and reconnect policy
type AgentConfig struct {
	HubWSURL              string  `yaml:"hub_ws_url" toml:"hub_ws_url"`
	ProxyResponseURL      string  `yaml:"proxy_response_url" toml:"proxy_response_url"`
	BackoffJitter         float64 `yaml:"backoff_jitter" toml:"backoff_jitter"`
	MaxConcurrentCommands int     `yaml:"max_concurrent_commands" toml:"max_concurrent_commands"`
	CallbackAttempts      int     `yaml:"callback_attempts" toml:"callback_attempts"`

	BackoffInitial  time.Duration `yaml:"-" toml:"-"`
	BackoffMax      time.Duration `yaml:"-" toml:"-"`
	CallbackTimeout time.Duration `yaml:"-" toml:"-"`

	BackoffInitialRaw  string `yaml:"backoff_initial" toml:"backoff_initial"`
	BackoffMaxRaw      string `yaml:"backoff_max" toml:"backoff_max"`
	CallbackTimeoutRaw string `yaml:"callback_timeout" toml:"callback_timeout"`
}

// CollectorConfig holds the agent's CPU sampling and retention settings
type CollectorConfig struct {
	DatabasePath string `yaml:"database_path" toml:"database_path"`
	HistoryLimit int    `yaml:"history_limit" toml:"history_limit"`

	SampleInterval time.Duration `yaml:"-" toml:"-"`
	Retention      time.Duration `yaml:"-" toml:"-"`
	ExpireInterval time.Duration `yaml:"-" toml:"-"`

	SampleIntervalRaw string `yaml:"sample_interval" toml:"sample_interval"`
	RetentionRaw      string `yaml:"retention" toml:"retention"`
	ExpireIntervalRaw string `yaml:"expire_interval" toml:"expire_interval"`
}

// TailscaleConfig holds Tailscale tsnet configuration for the hub
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig holds Prometheus exposition configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// TracingConfig holds OpenTelemetry exporter configuration.
// An empty endpoint disables tracing.
type TracingConfig struct {
	Endpoint    string `yaml:"endpoint" toml:"endpoint"`
	Insecure    bool   `yaml:"insecure" toml:"insecure"`
	ServiceName string `yaml:"service_name" toml:"service_name"`
}

// Default returns a configuration that runs a hub and an agent on one machine.
func Default() *Config {
	return &Config{
		Hub: HubConfig{
			HTTPAddr:         "127.0.0.1:8890",
			MaxAnswerBytes:   1 << 20,
			RateLimitBurst:   10,
			AnswerTimeoutRaw: "30s",
			PendingTTLRaw:    "60s",
		},
		Session: SessionConfig{
			QueueSize:      256,
			MaxMessageSize: 64 << 10,
			WriteWaitRaw:   "10s",
			PongWaitRaw:    "60s",
		},
		Agent: AgentConfig{
			HubWSURL:              "ws://127.0.0.1:8890/ws",
			ProxyResponseURL:      "http://127.0.0.1:8890/api/proxy/response",
			BackoffJitter:         0.2,
			MaxConcurrentCommands: 4,
			CallbackAttempts:      3,
			BackoffInitialRaw:     "1s",
			BackoffMaxRaw:         "60s",
			CallbackTimeoutRaw:    "10s",
		},
		Collector: CollectorConfig{
			DatabasePath:      "./cpu_stats.db",
			HistoryLimit:      500,
			SampleIntervalRaw: "5s",
			RetentionRaw:      "24h",
			ExpireIntervalRaw: "1m",
		},
		Tailscale: TailscaleConfig{
			Hostname: "burrow",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Tracing: TracingConfig{
			ServiceName: "burrow",
		},
	}
}

// Load reads a configuration file on top of Default. An empty path skips the
// file. Environment variables in the format ${VAR_NAME} are expanded, the
// legacy HTTP_SERVER_PORT, WS_HOST, HUB_WS_URI and HUB_PROXY_RESPONSE_URI
// variables are applied, and duration strings are parsed.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := decode(path, expandEnvVars(string(data)), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	applyEnvOverrides(cfg, os.Getenv)

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	return cfg, nil
}

func decode(path, content string, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		_, err := toml.Decode(content, cfg)
		return err
	default:
		return yaml.Unmarshal([]byte(content), cfg)
	}
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// Unset variables expand to an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

// applyEnvOverrides applies the environment variables the first burrow
// deployments were configured with. They win over the file.
func applyEnvOverrides(cfg *Config, getenv func(string) string) {
	host, port, err := net.SplitHostPort(cfg.Hub.HTTPAddr)
	if err != nil {
		host, port = cfg.Hub.HTTPAddr, ""
	}
	if v := getenv("WS_HOST"); v != "" {
		host = v
	}
	if v := getenv("HTTP_SERVER_PORT"); v != "" {
		port = v
	}
	if port != "" {
		cfg.Hub.HTTPAddr = net.JoinHostPort(host, port)
	}

	if v := getenv("HUB_WS_URI"); v != "" {
		cfg.Agent.HubWSURL = v
	}
	if v := getenv("HUB_PROXY_RESPONSE_URI"); v != "" {
		cfg.Agent.ProxyResponseURL = v
	}
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"hub.answer_timeout", cfg.Hub.AnswerTimeoutRaw, &cfg.Hub.AnswerTimeout},
		{"hub.pending_ttl", cfg.Hub.PendingTTLRaw, &cfg.Hub.PendingTTL},
		{"hub.shutdown_grace", cfg.Hub.ShutdownGraceRaw, &cfg.Hub.ShutdownGrace},
		{"session.write_wait", cfg.Session.WriteWaitRaw, &cfg.Session.WriteWait},
		{"session.pong_wait", cfg.Session.PongWaitRaw, &cfg.Session.PongWait},
		{"agent.backoff_initial", cfg.Agent.BackoffInitialRaw, &cfg.Agent.BackoffInitial},
		{"agent.backoff_max", cfg.Agent.BackoffMaxRaw, &cfg.Agent.BackoffMax},
		{"agent.callback_timeout", cfg.Agent.CallbackTimeoutRaw, &cfg.Agent.CallbackTimeout},
		{"collector.sample_interval", cfg.Collector.SampleIntervalRaw, &cfg.Collector.SampleInterval},
		{"collector.retention", cfg.Collector.RetentionRaw, &cfg.Collector.Retention},
		{"collector.expire_interval", cfg.Collector.ExpireIntervalRaw, &cfg.Collector.ExpireInterval},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	if cfg.Hub.ShutdownGraceRaw == "" {
		cfg.Hub.ShutdownGrace = cfg.Hub.AnswerTimeout + 5*time.Second
	}

	return nil
}

// ValidateHub checks the fields the hub needs.
func (c *Config) ValidateHub() error {
	if c.Hub.HTTPAddr == "" && !c.Tailscale.Enabled {
		return fmt.Errorf("hub.http_addr is required (or enable tailscale)")
	}
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}
	if c.Hub.AnswerTimeout <= 0 {
		return fmt.Errorf("hub.answer_timeout must be positive")
	}
	if c.Hub.PendingTTL < c.Hub.AnswerTimeout {
		return fmt.Errorf("hub.pending_ttl (%s) must not be shorter than hub.answer_timeout (%s)",
			c.Hub.PendingTTL, c.Hub.AnswerTimeout)
	}
	if c.Hub.MaxAnswerBytes <= 0 {
		return fmt.Errorf("hub.max_answer_bytes must be positive")
	}
	if c.Hub.RateLimitRPM < 0 {
		return fmt.Errorf("hub.rate_limit_rpm must not be negative")
	}
	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path must start with /")
	}
	return c.validateSession()
}

// ValidateAgent checks the fields the agent needs.
func (c *Config) ValidateAgent() error {
	if c.Agent.HubWSURL == "" {
		return fmt.Errorf("agent.hub_ws_url is required")
	}
	if !strings.HasPrefix(c.Agent.HubWSURL, "ws://") && !strings.HasPrefix(c.Agent.HubWSURL, "wss://") {
		return fmt.Errorf("agent.hub_ws_url must be a ws:// or wss:// URL, got %q", c.Agent.HubWSURL)
	}
	if c.Agent.ProxyResponseURL == "" {
		return fmt.Errorf("agent.proxy_response_url is required")
	}
	if c.Agent.BackoffInitial <= 0 {
		return fmt.Errorf("agent.backoff_initial must be positive")
	}
	if c.Agent.BackoffMax < c.Agent.BackoffInitial {
		return fmt.Errorf("agent.backoff_max must not be shorter than agent.backoff_initial")
	}
	if c.Agent.BackoffJitter < 0 || c.Agent.BackoffJitter > 0.5 {
		return fmt.Errorf("agent.backoff_jitter must be between 0 and 0.5")
	}
	if c.Agent.MaxConcurrentCommands < 1 {
		return fmt.Errorf("agent.max_concurrent_commands must be at least 1")
	}
	if c.Collector.DatabasePath == "" {
		return fmt.Errorf("collector.database_path is required")
	}
	if c.Collector.SampleInterval <= 0 {
		return fmt.Errorf("collector.sample_interval must be positive")
	}
	if c.Collector.Retention <= 0 || c.Collector.ExpireInterval <= 0 {
		return fmt.Errorf("collector.retention and collector.expire_interval must be positive")
	}
	return c.validateSession()
}

func (c *Config) validateSession() error {
	if c.Session.QueueSize < 1 {
		return fmt.Errorf("session.queue_size must be at least 1")
	}
	if c.Session.WriteWait <= 0 || c.Session.PongWait <= 0 {
		return fmt.Errorf("session.write_wait and session.pong_wait must be positive")
	}
	return nil
}
