// ABOUTME: Configuration loading and parsing for ward-gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete ward-gateway configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Auth      AuthConfig      `yaml:"auth"`
	Approvals ApprovalsConfig `yaml:"approvals"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
	Policy    PolicyConfig    `yaml:"policy"`
	Audit     AuditConfig     `yaml:"audit"`
	Database  DatabaseConfig  `yaml:"database"`
	Nodes     NodesConfig     `yaml:"nodes"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds listener configuration
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// AuthConfig holds connection authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
	Disabled  bool   `yaml:"disabled"` // admit anonymous connections (dev only)
}

// ApprovalsConfig holds exec approval timing configuration
type ApprovalsConfig struct {
	Timeout time.Duration `yaml:"-"`

	// Raw string value for YAML unmarshaling
	TimeoutRaw string `yaml:"timeout"`
}

// RateLimitConfig holds boundary rate limiter configuration
type RateLimitConfig struct {
	MaxRequests int           `yaml:"max_requests"`
	Capacity    int           `yaml:"capacity"`
	Window      time.Duration `yaml:"-"`

	WindowRaw string `yaml:"window"`
}

// PolicyConfig holds the signed policy file pair configuration
type PolicyConfig struct {
	Enabled       bool   `yaml:"enabled"`
	FailClosed    bool   `yaml:"fail_closed"`
	Path          string `yaml:"path"`
	SignaturePath string `yaml:"signature_path"`
	PublicKeyPath string `yaml:"public_key_path"`
}

// AuditConfig holds audit log configuration
type AuditConfig struct {
	Path string `yaml:"path"`
}

// DatabaseConfig holds node registry database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// NodesConfig holds node command policy configuration
type NodesConfig struct {
	Allowlist []string `yaml:"allowlist"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment
// variable values. If the environment variable is not set, it is replaced with
// an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.ListenAddr == "" {
		return fmt.Errorf("server.listen_addr is required")
	}

	if !c.Auth.Disabled && c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required unless auth is disabled")
	}

	if c.Audit.Path == "" {
		return fmt.Errorf("audit.path is required")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Policy.Enabled {
		if c.Policy.Path == "" {
			return fmt.Errorf("policy.path is required when policy is enabled")
		}
		if c.Policy.SignaturePath == "" {
			return fmt.Errorf("policy.signature_path is required when policy is enabled")
		}
		if c.Policy.PublicKeyPath == "" {
			return fmt.Errorf("policy.public_key_path is required when policy is enabled")
		}
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Approvals.TimeoutRaw != "" {
		cfg.Approvals.Timeout, err = time.ParseDuration(cfg.Approvals.TimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing approvals.timeout %q: %w", cfg.Approvals.TimeoutRaw, err)
		}
	}

	if cfg.RateLimit.WindowRaw != "" {
		cfg.RateLimit.Window, err = time.ParseDuration(cfg.RateLimit.WindowRaw)
		if err != nil {
			return fmt.Errorf("parsing ratelimit.window %q: %w", cfg.RateLimit.WindowRaw, err)
		}
	}

	return nil
}
