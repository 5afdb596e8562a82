// ABOUTME: Configuration loading for the minion agent
// ABOUTME: Loads TOML config with environment variable expansion and duration parsing

package main

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Identity IdentityConfig `toml:"identity"`
	Gateway  GatewayConfig  `toml:"gateway"`
	Worker   WorkerConfig   `toml:"worker"`
	Logging  LoggingConfig  `toml:"logging"`
}

type IdentityConfig struct {
	SystemID string `toml:"system_id"`
	TenantID string `toml:"tenant_id"`
	Location string `toml:"location"`
}

type GatewayConfig struct {
	Address string `toml:"address"`
	Token   string `toml:"token"`
	TLS     bool   `toml:"tls"`
}

type WorkerConfig struct {
	Workers           int    `toml:"workers"`
	HeartbeatInterval string `toml:"heartbeat_interval"`
	CallTimeout       string `toml:"call_timeout"`
	MaxBackoff        string `toml:"max_backoff"`

	heartbeat   time.Duration
	callTimeout time.Duration
	maxBackoff  time.Duration
}

type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// LoadConfig reads config from the given path, expanding environment variables.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return ParseConfig(string(data))
}

// ParseConfig parses TOML content. See LoadConfig.
func ParseConfig(data string) (*Config, error) {
	expanded := expandEnvVars(data)

	var cfg Config
	if _, err := toml.Decode(expanded, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.parseDurations(); err != nil {
		return nil, err
	}
	if cfg.Identity.SystemID == "" {
		if host, err := os.Hostname(); err == nil {
			cfg.Identity.SystemID = host
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

// expandEnvVars replaces ${VAR} with environment variable values.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := strings.TrimSuffix(strings.TrimPrefix(match, "${"), "}")
		return os.Getenv(varName)
	})
}

func (c *Config) parseDurations() error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"worker.heartbeat_interval", c.Worker.HeartbeatInterval, &c.Worker.heartbeat},
		{"worker.call_timeout", c.Worker.CallTimeout, &c.Worker.callTimeout},
		{"worker.max_backoff", c.Worker.MaxBackoff, &c.Worker.maxBackoff},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must not be negative", f.name)
		}
		*f.dst = d
	}
	return nil
}

// Validate checks that required config fields are present and valid.
func (c *Config) Validate() error {
	if c.Identity.SystemID == "" {
		return fmt.Errorf("identity.system_id is required")
	}
	if c.Gateway.Address == "" {
		return fmt.Errorf("gateway.address is required")
	}
	if c.Worker.Workers < 0 {
		return fmt.Errorf("worker.workers must not be negative")
	}
	return nil
}
