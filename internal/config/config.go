// ABOUTME: Configuration loading and parsing for minion-gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by Load for fields left empty.
const (
	DefaultRPCTimeout          = 30 * time.Second
	DefaultResponseWorkers     = 64
	DefaultCloudHandlerWorkers = 32
	DefaultSinkWorkers         = 16
	DefaultDedupeTTL           = 10 * time.Minute
	DefaultDedupeSize          = 10000
	DefaultKeepaliveInterval   = 30 * time.Second
	DefaultMetricsPath         = "/metrics"
)

// Config represents the complete minion-gateway configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database"`
	Auth      AuthConfig      `yaml:"auth"`
	RPC       RPCConfig       `yaml:"rpc"`
	Presence  PresenceConfig  `yaml:"presence"`
	Sink      SinkConfig      `yaml:"sink"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	GRPCAddr string `yaml:"grpc_addr"`
	HTTPAddr string `yaml:"http_addr"`
	// ServerID names this gateway in minion-info responses. Defaults to the hostname.
	ServerID string `yaml:"server_id"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Hostname  string `yaml:"hostname"`
	AuthKey   string `yaml:"auth_key"`
	StateDir  string `yaml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds authentication configuration. An empty secret disables JWT auth and
// trusts tenant-id/location metadata.
type AuthConfig struct {
	JWTSecret     string `yaml:"jwt_secret"`
	DefaultTenant string `yaml:"default_tenant"`
}

// RPCConfig holds request dispatch configuration
type RPCConfig struct {
	DefaultTimeout      time.Duration `yaml:"-"`
	KeepaliveInterval   time.Duration `yaml:"-"`
	MaxPending          int           `yaml:"max_pending"`
	ResponseWorkers     int           `yaml:"response_workers"`
	CloudHandlerWorkers int           `yaml:"cloud_handler_workers"`

	// Raw string values for YAML unmarshaling
	DefaultTimeoutRaw    string `yaml:"default_timeout"`
	KeepaliveIntervalRaw string `yaml:"keepalive_interval"`
}

// PresenceConfig holds presence publishing configuration. Publishing is off when
// RedisURL is empty.
type PresenceConfig struct {
	RedisURL string `yaml:"redis_url"`
	RedisKey string `yaml:"redis_key"`
	Buffer   int    `yaml:"buffer"`
}

// SinkConfig holds sink message handling configuration
type SinkConfig struct {
	DedupeTTL  time.Duration `yaml:"-"`
	DedupeSize int           `yaml:"dedupe_size"`
	Workers    int           `yaml:"workers"`

	DedupeTTLRaw string `yaml:"dedupe_ttl"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse parses YAML configuration content. See Load.
func Parse(data []byte) (*Config, error) {
	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	if c.Server.ServerID == "" {
		if host, err := os.Hostname(); err == nil {
			c.Server.ServerID = host
		}
	}
	if c.RPC.DefaultTimeout == 0 {
		c.RPC.DefaultTimeout = DefaultRPCTimeout
	}
	if c.RPC.KeepaliveInterval == 0 {
		c.RPC.KeepaliveInterval = DefaultKeepaliveInterval
	}
	if c.RPC.ResponseWorkers == 0 {
		c.RPC.ResponseWorkers = DefaultResponseWorkers
	}
	if c.RPC.CloudHandlerWorkers == 0 {
		c.RPC.CloudHandlerWorkers = DefaultCloudHandlerWorkers
	}
	if c.Sink.Workers == 0 {
		c.Sink.Workers = DefaultSinkWorkers
	}
	if c.Sink.DedupeTTL == 0 {
		c.Sink.DedupeTTL = DefaultDedupeTTL
	}
	if c.Sink.DedupeSize == 0 {
		c.Sink.DedupeSize = DefaultDedupeSize
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	// Server addresses are required unless Tailscale is enabled
	if !c.Tailscale.Enabled {
		if c.Server.GRPCAddr == "" {
			return fmt.Errorf("server.grpc_addr is required (or enable tailscale)")
		}
		if c.Server.HTTPAddr == "" {
			return fmt.Errorf("server.http_addr is required (or enable tailscale)")
		}
	}

	// Tailscale requires a hostname
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 bytes")
	}

	if c.RPC.DefaultTimeout < 0 {
		return fmt.Errorf("rpc.default_timeout must be positive")
	}
	if c.RPC.MaxPending < 0 {
		return fmt.Errorf("rpc.max_pending must not be negative")
	}
	if c.RPC.ResponseWorkers < 0 || c.RPC.CloudHandlerWorkers < 0 || c.Sink.Workers < 0 {
		return fmt.Errorf("worker counts must not be negative")
	}

	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.RPC.DefaultTimeoutRaw != "" {
		cfg.RPC.DefaultTimeout, err = time.ParseDuration(cfg.RPC.DefaultTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing default_timeout %q: %w", cfg.RPC.DefaultTimeoutRaw, err)
		}
	}

	if cfg.RPC.KeepaliveIntervalRaw != "" {
		cfg.RPC.KeepaliveInterval, err = time.ParseDuration(cfg.RPC.KeepaliveIntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing keepalive_interval %q: %w", cfg.RPC.KeepaliveIntervalRaw, err)
		}
	}

	if cfg.Sink.DedupeTTLRaw != "" {
		cfg.Sink.DedupeTTL, err = time.ParseDuration(cfg.Sink.DedupeTTLRaw)
		if err != nil {
			return fmt.Errorf("parsing dedupe_ttl %q: %w", cfg.Sink.DedupeTTLRaw, err)
		}
	}

	return nil
}
