// Package config provides configuration parsing and validation for Custodia.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete node configuration.
type Config struct {
	Node        NodeConfig        `yaml:"node"`
	Inbound     []InboundConfig   `yaml:"inbound"`
	Multitenant MultitenantConfig `yaml:"multitenant"`
	Sessions    SessionsConfig    `yaml:"sessions"`
	Wallets     WalletsConfig     `yaml:"wallets"`
	Limits      LimitsConfig      `yaml:"limits"`
	Health      HealthConfig      `yaml:"health"`
}

// NodeConfig contains node identity settings.
type NodeConfig struct {
	Label     string `yaml:"label"`      // Human-readable node label
	DataDir   string `yaml:"data_dir"`   // Directory for persistent state
	LogLevel  string `yaml:"log_level"`  // debug, info, warn, error
	LogFormat string `yaml:"log_format"` // text, json
}

// InboundConfig defines an inbound message listener.
type InboundConfig struct {
	Transport string `yaml:"transport"` // http, ws
	Address   string `yaml:"address"`   // listen address
	Path      string `yaml:"path"`      // HTTP path for ws
	H2C       bool   `yaml:"h2c"`       // serve HTTP/2 cleartext (http only)
}

// MultitenantConfig defines tenant (wallet) routing behavior.
type MultitenantConfig struct {
	Enabled     bool          `yaml:"enabled"`      // route messages to tenant wallets
	Selection   string        `yaml:"selection"`    // first, only
	OpenTimeout time.Duration `yaml:"open_timeout"` // wallet store open timeout
}

// Tenant selection policies for messages that resolve to multiple wallets.
const (
	// SelectionFirst picks the first resolved wallet.
	SelectionFirst = "first"
	// SelectionOnly rejects messages that resolve to more than one wallet.
	SelectionOnly = "only"
)

// SessionsConfig defines inbound session behavior.
type SessionsConfig struct {
	ResponseTimeout   time.Duration `yaml:"response_timeout"`   // max wait for a direct response
	MaxMessageSize    string        `yaml:"max_message_size"`   // human-readable, e.g. "4MiB"
	AcceptUndelivered bool          `yaml:"accept_undelivered"` // tolerate no reply being produced
}

// WalletsConfig defines tenant wallet storage settings.
type WalletsConfig struct {
	StoragePath string `yaml:"storage_path"` // base directory for wallet stores
	StorageKey  string `yaml:"storage_key"`  // store encryption key (sensitive)
}

// LimitsConfig defines resource limits.
type LimitsConfig struct {
	MaxSessions   int     `yaml:"max_sessions"`   // concurrent inbound sessions
	MessageRate   float64 `yaml:"message_rate"`   // messages/sec per source, 0 = unlimited
	MessageBurst  int     `yaml:"message_burst"`  // burst size for the rate limiter
	MaxRecipients int     `yaml:"max_recipients"` // max recipients per envelope
}

// HealthConfig defines health check server settings.
type HealthConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Address      string        `yaml:"address"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			Label:     "custodia",
			DataDir:   "./data",
			LogLevel:  "info",
			LogFormat: "text",
		},
		Inbound: []InboundConfig{},
		Multitenant: MultitenantConfig{
			Enabled:     false,
			Selection:   SelectionFirst,
			OpenTimeout: 10 * time.Second,
		},
		Sessions: SessionsConfig{
			ResponseTimeout:   30 * time.Second,
			MaxMessageSize:    "4MiB",
			AcceptUndelivered: true,
		},
		Wallets: WalletsConfig{
			StoragePath: "./data/wallets",
		},
		Limits: LimitsConfig{
			MaxSessions:   1000,
			MessageRate:   0,
			MessageBurst:  16,
			MaxRecipients: 16,
		},
		Health: HealthConfig{
			Enabled:      false,
			Address:      ":8080",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
	}
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse parses configuration from YAML bytes.
func Parse(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := expandEnvVars(string(data))

	// Start with defaults
	cfg := Default()

	// Parse YAML
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Validate
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// envVarRegex matches ${VAR} or $VAR patterns
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces environment variable references with their values.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		// Handle default values: ${VAR:-default}
		if idx := strings.Index(name, ":-"); idx != -1 {
			varName := name[:idx]
			defaultVal := name[idx+2:]
			if val, ok := os.LookupEnv(varName); ok {
				return val
			}
			return defaultVal
		}

		// Simple lookup
		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match // Keep original if not found
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	// Validate node config
	if c.Node.DataDir == "" {
		errs = append(errs, "node.data_dir is required")
	}
	if !isValidLogLevel(c.Node.LogLevel) {
		errs = append(errs, fmt.Sprintf("invalid log_level: %s (must be debug, info, warn, or error)", c.Node.LogLevel))
	}
	if !isValidLogFormat(c.Node.LogFormat) {
		errs = append(errs, fmt.Sprintf("invalid log_format: %s (must be text or json)", c.Node.LogFormat))
	}

	// Validate inbound listeners
	for i, l := range c.Inbound {
		if err := validateInbound(l); err != nil {
			errs = append(errs, fmt.Sprintf("inbound[%d]: %v", i, err))
		}
	}

	// Validate multitenant settings
	switch c.Multitenant.Selection {
	case SelectionFirst, SelectionOnly:
	default:
		errs = append(errs, fmt.Sprintf("invalid multitenant.selection: %s (must be first or only)", c.Multitenant.Selection))
	}
	if c.Multitenant.OpenTimeout <= 0 {
		errs = append(errs, "multitenant.open_timeout must be positive")
	}

	// Validate session settings. Unbounded response waits are disallowed.
	if c.Sessions.ResponseTimeout <= 0 {
		errs = append(errs, "sessions.response_timeout must be positive")
	}
	if _, err := ParseSize(c.Sessions.MaxMessageSize); err != nil {
		errs = append(errs, fmt.Sprintf("sessions.max_message_size: %v", err))
	}

	// Validate wallets
	if c.Multitenant.Enabled && c.Wallets.StoragePath == "" {
		errs = append(errs, "wallets.storage_path is required when multitenant is enabled")
	}

	// Validate limits
	if c.Limits.MaxSessions < 1 {
		errs = append(errs, "limits.max_sessions must be positive")
	}
	if c.Limits.MessageRate < 0 {
		errs = append(errs, "limits.message_rate must not be negative")
	}
	if c.Limits.MessageRate > 0 && c.Limits.MessageBurst < 1 {
		errs = append(errs, "limits.message_burst must be positive when message_rate is set")
	}
	if c.Limits.MaxRecipients < 1 {
		errs = append(errs, "limits.max_recipients must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	default:
		return false
	}
}

func isValidLogFormat(format string) bool {
	switch format {
	case "text", "json":
		return true
	default:
		return false
	}
}

func isValidTransport(transport string) bool {
	switch transport {
	case "http", "ws":
		return true
	default:
		return false
	}
}

func validateInbound(l InboundConfig) error {
	if !isValidTransport(l.Transport) {
		return fmt.Errorf("invalid transport: %s (must be http or ws)", l.Transport)
	}
	if l.Address == "" {
		return fmt.Errorf("address is required")
	}
	if l.Transport == "ws" && l.Path == "" {
		return fmt.Errorf("path is required for ws transport")
	}
	if l.H2C && l.Transport != "http" {
		return fmt.Errorf("h2c is only supported for http transport")
	}
	return nil
}

// MaxMessageBytes returns the parsed maximum message size in bytes.
func (c *SessionsConfig) MaxMessageBytes() int64 {
	n, err := ParseSize(c.MaxMessageSize)
	if err != nil {
		return 0
	}
	return n
}

// String returns a string representation of the config (for debugging).
// WARNING: This method redacts sensitive values. Use StringUnsafe() for full output.
func (c *Config) String() string {
	redacted := c.Redacted()
	data, _ := yaml.Marshal(redacted)
	return string(data)
}

// StringUnsafe returns a string representation including sensitive values.
// Use with caution - do not log the output.
func (c *Config) StringUnsafe() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

// redactedValue is the placeholder for sensitive values.
const redactedValue = "[REDACTED]"

// Redacted returns a copy of the config with sensitive values redacted.
// This is safe to log or display to users.
func (c *Config) Redacted() *Config {
	// Create a deep copy by marshaling and unmarshaling
	data, err := yaml.Marshal(c)
	if err != nil {
		return c
	}

	redacted := &Config{}
	if err := yaml.Unmarshal(data, redacted); err != nil {
		return c
	}

	if redacted.Wallets.StorageKey != "" {
		redacted.Wallets.StorageKey = redactedValue
	}

	return redacted
}

// HasSensitiveData returns true if the config contains any sensitive data.
func (c *Config) HasSensitiveData() bool {
	return c.Wallets.StorageKey != ""
}
