package server

import (
	"time"

	"github.com/EternisAI/silo-desktop/internal/protocol"
)

const (
	DefaultPath              = "/ws"
	DefaultHandshakeTimeout  = protocol.DefaultHandshakeTimeout
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultCommandTimeout    = 30 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultMaxMalformed      = 5
	DefaultReadLimit         = 1 << 20
)

type Config struct {
	Port              int           `mapstructure:"port"`
	Path              string        `mapstructure:"path"`
	HandshakeTimeout  time.Duration `mapstructure:"handshake_timeout"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	// HeartbeatGrace is how long a connection may stay silent. Defaults to
	// two heartbeat intervals.
	HeartbeatGrace time.Duration `mapstructure:"heartbeat_grace"`
	CommandTimeout time.Duration `mapstructure:"command_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	MaxMalformed   int           `mapstructure:"max_malformed"`
	ReadLimit      int64         `mapstructure:"read_limit"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
}

func (c Config) withDefaults() Config {
	if c.Path == "" {
		c.Path = DefaultPath
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.HeartbeatGrace <= 0 {
		c.HeartbeatGrace = 2 * c.HeartbeatInterval
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = DefaultCommandTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.MaxMalformed <= 0 {
		c.MaxMalformed = DefaultMaxMalformed
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = DefaultReadLimit
	}
	return c
}
