// Package config provides configuration parsing and validation for emproxy.
package config

import (
	"fmt"
	"net/netip"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"github.com/emproxy/emproxy/internal/logging"
)

// Config represents the complete relay configuration.
type Config struct {
	LogLevel  string       `yaml:"log_level"`
	LogFormat string       `yaml:"log_format"`
	Tunnel    TunnelConfig `yaml:"tunnel"`
	Probe     ProbeConfig  `yaml:"probe"`
	Health    HealthConfig `yaml:"health"`
}

// TunnelConfig defines the tunnel socket, keys and timing.
type TunnelConfig struct {
	// BindAddress is the IPv4 address and port the relay listens on.
	BindAddress string `yaml:"bind_address"`

	// Base64 keys. Empty private and peer keys use the embedded defaults.
	PrivateKey    string `yaml:"private_key"`
	PeerPublicKey string `yaml:"peer_public_key"`
	PresharedKey  string `yaml:"preshared_key"`

	// KeyDir reads the private and peer keys from files written by keygen.
	// It cannot be combined with private_key or peer_public_key.
	KeyDir string `yaml:"key_dir"`

	ReadTimeout    time.Duration `yaml:"read_timeout"`
	BindRetryDelay time.Duration `yaml:"bind_retry_delay"`
	RebindInterval time.Duration `yaml:"rebind_interval"`
	BindAttempts   uint          `yaml:"bind_attempts"`
	BufferSize     ByteSize      `yaml:"buffer_size"`
	HandshakeRate  float64       `yaml:"handshake_rate"`
}

// ProbeConfig defines the readiness probe.
type ProbeConfig struct {
	BasePort uint16        `yaml:"base_port"`
	Attempts int           `yaml:"attempts"`
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
}

// HealthConfig defines health check server settings.
type HealthConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Address      string        `yaml:"address"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// ByteSize is a size written in YAML either as a number of bytes or in
// human form ("2KiB", "4 kB").
type ByteSize uint64

// UnmarshalYAML implements yaml.Unmarshaler.
func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	n, err := humanize.ParseBytes(value.Value)
	if err != nil {
		return fmt.Errorf("invalid size %q: %w", value.Value, err)
	}
	*b = ByteSize(n)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (b ByteSize) MarshalYAML() (interface{}, error) {
	return humanize.IBytes(uint64(b)), nil
}

// String returns the size in IEC units.
func (b ByteSize) String() string {
	return humanize.IBytes(uint64(b))
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		LogLevel:  "info",
		LogFormat: "text",
		Tunnel: TunnelConfig{
			BindAddress:    "127.0.0.1:51820",
			ReadTimeout:    5 * time.Millisecond,
			BindRetryDelay: 50 * time.Millisecond,
			RebindInterval: time.Second,
			BufferSize:     2048,
			HandshakeRate:  20,
		},
		Probe: ProbeConfig{
			BasePort: 3000,
			Attempts: 10,
			Interval: time.Millisecond,
			Timeout:  time.Second,
		},
		Health: HealthConfig{
			Enabled:      false,
			Address:      "127.0.0.1:9180",
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
	expanded := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// envVarRegex matches ${VAR} or $VAR patterns
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces environment variable references with their values.
// ${VAR:-default} falls back to default; unknown variables are left as is.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		if varName, defaultVal, ok := strings.Cut(name, ":-"); ok {
			if val, ok := os.LookupEnv(varName); ok {
				return val
			}
			return defaultVal
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if !logging.ValidLevel(c.LogLevel) {
		errs = append(errs, fmt.Sprintf("invalid log_level: %s (must be debug, info, warn, or error)", c.LogLevel))
	}
	if !logging.ValidFormat(c.LogFormat) {
		errs = append(errs, fmt.Sprintf("invalid log_format: %s (must be text or json)", c.LogFormat))
	}

	t := c.Tunnel
	if ap, err := netip.ParseAddrPort(t.BindAddress); err != nil || !ap.Addr().Is4() || ap.Port() == 0 {
		errs = append(errs, fmt.Sprintf("tunnel.bind_address: %q is not an IPv4 address with a non-zero port", t.BindAddress))
	}
	if t.KeyDir != "" && (t.PrivateKey != "" || t.PeerPublicKey != "") {
		errs = append(errs, "tunnel.key_dir cannot be combined with tunnel.private_key or tunnel.peer_public_key")
	}
	if t.ReadTimeout <= 0 {
		errs = append(errs, "tunnel.read_timeout must be positive")
	}
	if t.BindRetryDelay <= 0 {
		errs = append(errs, "tunnel.bind_retry_delay must be positive")
	}
	if t.RebindInterval <= 0 {
		errs = append(errs, "tunnel.rebind_interval must be positive")
	}
	if t.BufferSize < 1280 || t.BufferSize > 65535 {
		errs = append(errs, fmt.Sprintf("tunnel.buffer_size must be between 1280 B and 64 KiB, got %s", t.BufferSize))
	}
	if t.HandshakeRate < 0 {
		errs = append(errs, "tunnel.handshake_rate must not be negative")
	}

	if c.Probe.BasePort == 0 {
		errs = append(errs, "probe.base_port must be non-zero")
	}
	if c.Probe.Attempts < 0 {
		errs = append(errs, "probe.attempts must not be negative")
	}
	if c.Probe.Interval < 0 {
		errs = append(errs, "probe.interval must not be negative")
	}
	if c.Probe.Timeout <= 0 {
		errs = append(errs, "probe.timeout must be positive")
	}

	if c.Health.Enabled && c.Health.Address == "" {
		errs = append(errs, "health.address is required when enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

// String returns a string representation of the config (for debugging).
// Key material is redacted. Use StringUnsafe() for full output.
func (c *Config) String() string {
	data, _ := yaml.Marshal(c.Redacted())
	return string(data)
}

// StringUnsafe returns a string representation including private keys.
// Do not log the output.
func (c *Config) StringUnsafe() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

// redactedValue is the placeholder for sensitive values.
const redactedValue = "[REDACTED]"

// Redacted returns a copy of the config with secret keys redacted.
func (c *Config) Redacted() *Config {
	redacted := *c
	if redacted.Tunnel.PrivateKey != "" {
		redacted.Tunnel.PrivateKey = redactedValue
	}
	if redacted.Tunnel.PresharedKey != "" {
		redacted.Tunnel.PresharedKey = redactedValue
	}
	return &redacted
}

// HasSensitiveData returns true if the config overrides secret keys.
func (c *Config) HasSensitiveData() bool {
	return c.Tunnel.PrivateKey != "" || c.Tunnel.PresharedKey != ""
}
