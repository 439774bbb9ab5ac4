package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Relay.Port != DefaultPort {
		t.Errorf("Relay.Port = %d, want %d", cfg.Relay.Port, DefaultPort)
	}
	if cfg.Relay.BindCooldown != 60*time.Second {
		t.Errorf("Relay.BindCooldown = %v, want 60s", cfg.Relay.BindCooldown)
	}
	if cfg.ControlPlane.BaseURL != DefaultControlPlaneURL {
		t.Errorf("ControlPlane.BaseURL = %s, want %s", cfg.ControlPlane.BaseURL, DefaultControlPlaneURL)
	}
	if cfg.ControlPlane.PollInterval != time.Second {
		t.Errorf("ControlPlane.PollInterval = %v, want 1s", cfg.ControlPlane.PollInterval)
	}
	if cfg.ControlPlane.ForwardTimeout <= 0 {
		t.Error("ControlPlane.ForwardTimeout should be bounded by default")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestParse_ValidConfig(t *testing.T) {
	yamlConfig := `
relay:
  port: 30000
  peer_port: 30001
  bind_cooldown: 5s
  max_datagram_size: 8KiB

control_plane:
  base_url: "http://127.0.0.1:9000/synapse"
  poll_interval: 500ms
  forward_timeout: 3s

forward:
  rate_limit: 200
  burst: 20
  max_in_flight: 8

dispatch:
  max_in_flight: 32

health:
  enabled: true
  address: "127.0.0.1:9100"

log:
  level: debug
  format: json
`

	cfg, err := Parse([]byte(yamlConfig))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if cfg.Relay.Port != 30000 {
		t.Errorf("Relay.Port = %d, want 30000", cfg.Relay.Port)
	}
	if cfg.PeerPort() != 30001 {
		t.Errorf("PeerPort() = %d, want 30001", cfg.PeerPort())
	}
	if cfg.Relay.BindCooldown != 5*time.Second {
		t.Errorf("Relay.BindCooldown = %v, want 5s", cfg.Relay.BindCooldown)
	}
	if cfg.MaxDatagramBytes() != 8192 {
		t.Errorf("MaxDatagramBytes() = %d, want 8192", cfg.MaxDatagramBytes())
	}
	if cfg.ControlPlane.PollInterval != 500*time.Millisecond {
		t.Errorf("ControlPlane.PollInterval = %v, want 500ms", cfg.ControlPlane.PollInterval)
	}
	// Unset keys keep their defaults.
	if cfg.ControlPlane.PingTimeout != 2*time.Second {
		t.Errorf("ControlPlane.PingTimeout = %v, want default 2s", cfg.ControlPlane.PingTimeout)
	}
	if cfg.Forward.RateLimit != 200 || cfg.Forward.Burst != 20 || cfg.Forward.MaxInFlight != 8 {
		t.Errorf("Forward = %+v", cfg.Forward)
	}
	if cfg.Dispatch.MaxInFlight != 32 {
		t.Errorf("Dispatch.MaxInFlight = %d, want 32", cfg.Dispatch.MaxInFlight)
	}
	if !cfg.Health.Enabled || cfg.Health.Address != "127.0.0.1:9100" {
		t.Errorf("Health = %+v", cfg.Health)
	}
	if cfg.Log.Level != "debug" || cfg.Log.Format != "json" {
		t.Errorf("Log = %+v", cfg.Log)
	}
}

func TestPeerPort_DefaultsToRelayPort(t *testing.T) {
	cfg := Default()
	cfg.Relay.Port = 4242

	if got := cfg.PeerPort(); got != 4242 {
		t.Errorf("PeerPort() = %d, want 4242", got)
	}
}

func TestParse_EnvExpansion(t *testing.T) {
	t.Setenv("SYNAPSE_TEST_PORT", "31000")

	yamlConfig := `
relay:
  port: ${SYNAPSE_TEST_PORT}
control_plane:
  base_url: ${SYNAPSE_TEST_UNSET_URL:-http://localhost:8080/synapse}
`

	cfg, err := Parse([]byte(yamlConfig))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cfg.Relay.Port != 31000 {
		t.Errorf("Relay.Port = %d, want 31000", cfg.Relay.Port)
	}
	if cfg.ControlPlane.BaseURL != "http://localhost:8080/synapse" {
		t.Errorf("ControlPlane.BaseURL = %s, want default from expansion", cfg.ControlPlane.BaseURL)
	}
}

func TestExpandEnvVars_UnknownLeftAlone(t *testing.T) {
	got := expandEnvVars("value: $SYNAPSE_DEFINITELY_NOT_SET")
	if got != "value: $SYNAPSE_DEFINITELY_NOT_SET" {
		t.Errorf("expandEnvVars() = %q", got)
	}
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"port zero", func(c *Config) { c.Relay.Port = 0 }, "relay.port"},
		{"port too large", func(c *Config) { c.Relay.Port = 70000 }, "relay.port"},
		{"bad peer port", func(c *Config) { c.Relay.PeerPort = -1 }, "relay.peer_port"},
		{"negative cooldown", func(c *Config) { c.Relay.BindCooldown = -time.Second }, "bind_cooldown"},
		{"bad size", func(c *Config) { c.Relay.MaxDatagramSize = "lots" }, "max_datagram_size"},
		{"size too large", func(c *Config) { c.Relay.MaxDatagramSize = "1MiB" }, "max_datagram_size"},
		{"bad url", func(c *Config) { c.ControlPlane.BaseURL = "localhost" }, "base_url"},
		{"bad scheme", func(c *Config) { c.ControlPlane.BaseURL = "ftp://localhost/x" }, "http or https"},
		{"zero poll", func(c *Config) { c.ControlPlane.PollInterval = 0 }, "poll_interval"},
		{"zero forward timeout", func(c *Config) { c.ControlPlane.ForwardTimeout = 0 }, "forward_timeout"},
		{"negative rate", func(c *Config) { c.Forward.RateLimit = -1 }, "rate_limit"},
		{"zero burst", func(c *Config) { c.Forward.RateLimit = 10; c.Forward.Burst = 0 }, "forward.burst"},
		{"zero forward in flight", func(c *Config) { c.Forward.MaxInFlight = 0 }, "forward.max_in_flight"},
		{"zero dispatch in flight", func(c *Config) { c.Dispatch.MaxInFlight = 0 }, "dispatch.max_in_flight"},
		{"bad health address", func(c *Config) { c.Health.Enabled = true; c.Health.Address = "nope" }, "health.address"},
		{"bad log level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)

			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate() expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	cfg := Default()
	cfg.Relay.Port = 0
	cfg.Log.Level = "loud"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() expected error")
	}
	if !strings.Contains(err.Error(), "relay.port") || !strings.Contains(err.Error(), "log.level") {
		t.Errorf("expected both errors reported, got: %v", err)
	}
}

func TestParse_InvalidYAML(t *testing.T) {
	if _, err := Parse([]byte("relay: [unclosed")); err == nil {
		t.Error("Parse() expected error for invalid YAML")
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "relay.yaml")
	if err := os.WriteFile(path, []byte("relay:\n  port: 25000\n"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Relay.Port != 25000 {
		t.Errorf("Relay.Port = %d, want 25000", cfg.Relay.Port)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Load() expected error for missing file")
	}
}

func TestString_RoundTrips(t *testing.T) {
	cfg := Default()
	cfg.Relay.Port = 26000

	parsed, err := Parse([]byte(cfg.String()))
	if err != nil {
		t.Fatalf("Parse(String()) error = %v", err)
	}
	if parsed.Relay.Port != 26000 {
		t.Errorf("Relay.Port = %d, want 26000", parsed.Relay.Port)
	}
}
