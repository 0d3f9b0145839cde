package config

import (
	"time"

	"github.com/rickgao/chat-realtime/internal/connection"
)

// Config is the root configuration for a chatstream client.
type Config struct {
	Realtime RealtimeConfig `yaml:"realtime"`
	Database DatabaseConfig `yaml:"database"`
	Writer   WriterConfig   `yaml:"writer"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// RealtimeConfig holds the chat WebSocket endpoint and reconnect settings.
type RealtimeConfig struct {
	URL                string         `yaml:"url"`
	Token              string         `yaml:"token"`
	ReconnectBaseDelay time.Duration  `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay  time.Duration  `yaml:"reconnect_max_delay"`
	MaxAttempts        *int           `yaml:"max_attempts"` // 0 disables reconnects; nil takes the default
	HandshakeTimeout   time.Duration  `yaml:"handshake_timeout"`
	WriteTimeout       time.Duration  `yaml:"write_timeout"`
	PingInterval       *time.Duration `yaml:"ping_interval"` // 0 disables keepalive; nil takes the default
}

// DatabaseConfig holds the optional diagnostics store.
// When Enabled is false no pool is opened and diagnostics stay in memory.
type DatabaseConfig struct {
	Enabled     bool     `yaml:"enabled"`
	Diagnostics DBConfig `yaml:"diagnostics"`
}

// DBConfig holds a single database connection.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// WriterConfig holds diagnostic batch writer settings.
type WriterConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	BufferSize    int           `yaml:"buffer_size"`
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// ManagerConfig converts the realtime section into connection manager settings.
// Unset optional fields fall back to their defaults.
func (r RealtimeConfig) ManagerConfig() connection.ManagerConfig {
	maxAttempts := DefaultMaxAttempts
	if r.MaxAttempts != nil {
		maxAttempts = *r.MaxAttempts
	}
	pingInterval := DefaultPingInterval
	if r.PingInterval != nil {
		pingInterval = *r.PingInterval
	}

	return connection.ManagerConfig{
		URL: r.URL,
		Policy: connection.Policy{
			BaseDelay:   r.ReconnectBaseDelay,
			MaxDelay:    r.ReconnectMaxDelay,
			MaxAttempts: maxAttempts,
		},
		Transport: connection.TransportConfig{
			HandshakeTimeout: r.HandshakeTimeout,
			WriteTimeout:     r.WriteTimeout,
			PingInterval:     pingInterval,
		},
	}
}
