package udp

import "time"

// Config holds configuration for the UDP endpoint.
type Config struct {
	// Port is the local port to bind on all interfaces. 0 picks an
	// ephemeral port.
	Port int

	// BindCooldown is how long Bind waits before reporting a failed bind.
	BindCooldown time.Duration

	// MaxDatagramSize is the receive buffer size. Longer datagrams are
	// truncated by the kernel.
	MaxDatagramSize int
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Port:            24600,
		BindCooldown:    60 * time.Second,
		MaxDatagramSize: 64 * 1024,
	}
}
