// Package config provides configuration parsing and validation for the synapse relay.
package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultPort is the UDP port peers exchange datagrams on.
	DefaultPort = 24600

	// DefaultControlPlaneURL is the local base URL of the control plane.
	DefaultControlPlaneURL = "http://localhost:24601/synapse"
)

// Config represents the complete relay configuration.
type Config struct {
	Relay        RelayConfig        `yaml:"relay"`
	ControlPlane ControlPlaneConfig `yaml:"control_plane"`
	Forward      ForwardConfig      `yaml:"forward"`
	Dispatch     DispatchConfig     `yaml:"dispatch"`
	Health       HealthConfig       `yaml:"health"`
	Log          LogConfig          `yaml:"log"`
}

// RelayConfig contains the UDP endpoint settings.
type RelayConfig struct {
	Port            int           `yaml:"port"`
	PeerPort        int           `yaml:"peer_port"`         // 0 = same as port
	BindCooldown    time.Duration `yaml:"bind_cooldown"`     // wait after a failed bind
	MaxDatagramSize string        `yaml:"max_datagram_size"` // e.g. "64KiB"
}

// ControlPlaneConfig contains control plane endpoint settings.
type ControlPlaneConfig struct {
	BaseURL        string        `yaml:"base_url"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	PingTimeout    time.Duration `yaml:"ping_timeout"`
	ForwardTimeout time.Duration `yaml:"forward_timeout"`
}

// ForwardConfig limits datagrams relayed to the control plane.
type ForwardConfig struct {
	RateLimit   float64 `yaml:"rate_limit"` // datagrams per second, 0 = unlimited
	Burst       int     `yaml:"burst"`
	MaxInFlight int     `yaml:"max_in_flight"`
}

// DispatchConfig limits concurrent envelope dispatches.
type DispatchConfig struct {
	MaxInFlight int `yaml:"max_in_flight"`
}

// HealthConfig defines the local health/metrics server.
type HealthConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// LogConfig defines logging output.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Relay: RelayConfig{
			Port:            DefaultPort,
			BindCooldown:    60 * time.Second,
			MaxDatagramSize: "64KiB",
		},
		ControlPlane: ControlPlaneConfig{
			BaseURL:        DefaultControlPlaneURL,
			PollInterval:   1 * time.Second,
			PingTimeout:    2 * time.Second,
			ForwardTimeout: 10 * time.Second,
		},
		Forward: ForwardConfig{
			RateLimit:   0,
			Burst:       100,
			MaxInFlight: 64,
		},
		Dispatch: DispatchConfig{
			MaxInFlight: 256,
		},
		Health: HealthConfig{
			Enabled: false,
			Address: "127.0.0.1:24602",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
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

// Parse parses configuration from YAML bytes on top of the defaults.
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
// ${VAR:-default} falls back to default when VAR is unset; unknown
// references are left untouched.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		if idx := strings.Index(name, ":-"); idx != -1 {
			if val, ok := os.LookupEnv(name[:idx]); ok {
				return val
			}
			return name[idx+2:]
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

	if !isValidPort(c.Relay.Port) {
		errs = append(errs, fmt.Sprintf("relay.port must be between 1 and 65535, got %d", c.Relay.Port))
	}
	if c.Relay.PeerPort != 0 && !isValidPort(c.Relay.PeerPort) {
		errs = append(errs, fmt.Sprintf("relay.peer_port must be 0 or between 1 and 65535, got %d", c.Relay.PeerPort))
	}
	if c.Relay.BindCooldown < 0 {
		errs = append(errs, "relay.bind_cooldown must not be negative")
	}
	if size, err := humanize.ParseBytes(c.Relay.MaxDatagramSize); err != nil {
		errs = append(errs, fmt.Sprintf("relay.max_datagram_size: invalid size %q", c.Relay.MaxDatagramSize))
	} else if size < 512 || size > 64*1024 {
		errs = append(errs, "relay.max_datagram_size must be between 512B and 64KiB")
	}

	if u, err := url.Parse(c.ControlPlane.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Sprintf("control_plane.base_url: invalid URL %q", c.ControlPlane.BaseURL))
	} else if u.Scheme != "http" && u.Scheme != "https" {
		errs = append(errs, "control_plane.base_url must use http or https")
	}
	if c.ControlPlane.PollInterval <= 0 {
		errs = append(errs, "control_plane.poll_interval must be positive")
	}
	if c.ControlPlane.PingTimeout <= 0 {
		errs = append(errs, "control_plane.ping_timeout must be positive")
	}
	if c.ControlPlane.ForwardTimeout <= 0 {
		errs = append(errs, "control_plane.forward_timeout must be positive")
	}

	if c.Forward.RateLimit < 0 {
		errs = append(errs, "forward.rate_limit must not be negative")
	}
	if c.Forward.RateLimit > 0 && c.Forward.Burst < 1 {
		errs = append(errs, "forward.burst must be positive when rate_limit is set")
	}
	if c.Forward.MaxInFlight < 1 {
		errs = append(errs, "forward.max_in_flight must be positive")
	}
	if c.Dispatch.MaxInFlight < 1 {
		errs = append(errs, "dispatch.max_in_flight must be positive")
	}

	if c.Health.Enabled {
		if _, _, err := net.SplitHostPort(c.Health.Address); err != nil {
			errs = append(errs, fmt.Sprintf("health.address: invalid address %q", c.Health.Address))
		}
	}

	if !isValidLogLevel(c.Log.Level) {
		errs = append(errs, fmt.Sprintf("invalid log.level: %s (must be debug, info, warn, or error)", c.Log.Level))
	}
	if !isValidLogFormat(c.Log.Format) {
		errs = append(errs, fmt.Sprintf("invalid log.format: %s (must be text or json)", c.Log.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

// MaxDatagramBytes returns the receive buffer size in bytes.
// Call only on a validated config.
func (c *Config) MaxDatagramBytes() int {
	size, err := humanize.ParseBytes(c.Relay.MaxDatagramSize)
	if err != nil {
		return 64 * 1024
	}
	return int(size)
}

// PeerPort returns the destination port used when sending to peers.
func (c *Config) PeerPort() int {
	if c.Relay.PeerPort != 0 {
		return c.Relay.PeerPort
	}
	return c.Relay.Port
}

func isValidPort(p int) bool {
	return p > 0 && p <= 65535
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

// String renders the config as YAML.
func (c *Config) String() string {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Sprintf("<config: %v>", err)
	}
	return string(data)
}
