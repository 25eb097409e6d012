package hostapi

import (
	"log/slog"
	"time"

	"github.com/ruteri/tdx-cvm-manager/metrics"
)

const (
	DefaultListenAddr  = "127.0.0.1:0"
	DefaultMaxBodySize = 128 * 1024
)

// ServerConfig contains all configuration parameters for the broker. It is
// copied into the server at construction and never modified afterwards.
type ServerConfig struct {
	// InstanceDir is the instance whose shared directory receives notifications.
	InstanceDir string

	// KeyProviderAddr is the host:port of the key provider.
	KeyProviderAddr string

	// ListenAddr is the address the broker binds. Port 0 picks a free port.
	ListenAddr string

	// MaxBodySize bounds request bodies; larger bodies are rejected before
	// the key provider is contacted.
	MaxBodySize int64

	// ProviderTimeout bounds a single key provider round trip.
	ProviderTimeout time.Duration

	ReadTimeout              time.Duration
	WriteTimeout             time.Duration
	GracefulShutdownDuration time.Duration

	Log     *slog.Logger
	Metrics *metrics.Metrics
}

func (c ServerConfig) withDefaults() ServerConfig {
	if c.ListenAddr == "" {
		c.ListenAddr = DefaultListenAddr
	}
	if c.MaxBodySize <= 0 {
		c.MaxBodySize = DefaultMaxBodySize
	}
	if c.ProviderTimeout <= 0 {
		c.ProviderTimeout = 30 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 30 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 60 * time.Second
	}
	if c.GracefulShutdownDuration <= 0 {
		c.GracefulShutdownDuration = 5 * time.Second
	}
	if c.Log == nil {
		c.Log = slog.Default()
	}
	return c
}
