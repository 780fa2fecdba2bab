package config

import (
	"time"

	"github.com/rickgao/exchange-stream/internal/auth"
	"github.com/rickgao/exchange-stream/internal/connection"
	"github.com/rickgao/exchange-stream/internal/integrity"
	"github.com/rickgao/exchange-stream/internal/router"
)

// StreamConfig is the root configuration for a stream client instance.
type StreamConfig struct {
	Instance      InstanceConfig       `yaml:"instance"`
	Connection    ConnectionConfig     `yaml:"connection"`
	Auth          AuthConfig           `yaml:"auth"`
	Subscriptions []SubscriptionConfig `yaml:"subscriptions"`
	Integrity     IntegrityConfig      `yaml:"integrity"`
	Router        RouterConfig         `yaml:"router"`
	Archive       ArchiveConfig        `yaml:"archive"`
	Metrics       MetricsConfig        `yaml:"metrics"`
	Logging       LoggingConfig        `yaml:"logging"`
}

// InstanceConfig identifies this client.
type InstanceConfig struct {
	ID string `yaml:"id"`
	AZ string `yaml:"az"`
}

// ConnectionConfig holds connection manager settings.
type ConnectionConfig struct {
	URL               string          `yaml:"url"`
	ConnectTimeout    time.Duration   `yaml:"connect_timeout"`
	RequestTimeout    time.Duration   `yaml:"request_timeout"`
	HandshakeTimeout  time.Duration   `yaml:"handshake_timeout"`
	WriteTimeout      time.Duration   `yaml:"write_timeout"`
	ReadLimit         int64           `yaml:"read_limit"`
	OutboundCapacity  int             `yaml:"outbound_capacity"`
	FlushRate         float64         `yaml:"flush_rate"` // Messages/sec when draining the outbound queue, 0 = unpaced
	FlushBurst        int             `yaml:"flush_burst"`
	MessageBufferSize int             `yaml:"message_buffer_size"`
	Backoff           BackoffConfig   `yaml:"backoff"`
	Heartbeat         HeartbeatConfig `yaml:"heartbeat"`
}

// BackoffConfig holds reconnect backoff settings.
// MaxAttempts < 0 retries forever.
type BackoffConfig struct {
	BaseDelay   time.Duration `yaml:"base_delay"`
	Factor      float64       `yaml:"factor"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	MaxAttempts int           `yaml:"max_attempts"`
	Jitter      float64       `yaml:"jitter"`
}

// HeartbeatConfig holds ping/pong settings. A negative interval disables
// heartbeats.
type HeartbeatConfig struct {
	Interval  time.Duration `yaml:"interval"`
	Timeout   time.Duration `yaml:"timeout"`
	MaxMissed int           `yaml:"max_missed"`
}

// AuthConfig enables signed handshakes when APIKey is set.
type AuthConfig struct {
	APIKey          string `yaml:"api_key"`
	PrivateKeyPath  string `yaml:"private_key_path"`
	KeyHeader       string `yaml:"key_header"`
	TimestampHeader string `yaml:"timestamp_header"`
	SignatureHeader string `yaml:"signature_header"`
}

// SubscriptionConfig is a subscription opened at startup.
type SubscriptionConfig struct {
	Channel string         `yaml:"channel"`
	Params  map[string]any `yaml:"params"`
}

// IntegrityConfig holds integrity queue settings.
type IntegrityConfig struct {
	DrainInterval   time.Duration `yaml:"drain_interval"`
	BatchSize       int           `yaml:"batch_size"`
	OrderingWindow  time.Duration `yaml:"ordering_window"`
	DedupWindow     time.Duration `yaml:"dedup_window"`
	MaxAge          time.Duration `yaml:"max_age"`
	MaxRetries      int           `yaml:"max_retries"`
	Capacity        int           `yaml:"capacity"`
	PurgeRatio      float64       `yaml:"purge_ratio"`
	InitialSequence int64         `yaml:"initial_sequence"`
	FailedHistory   int           `yaml:"failed_history"`
}

// RouterConfig holds dispatcher stream settings.
type RouterConfig struct {
	StreamBufferSize  int `yaml:"stream_buffer_size"`
	StreamBufferLimit int `yaml:"stream_buffer_limit"`
}

// ArchiveConfig holds the optional Postgres diagnostics archive.
type ArchiveConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Database      DBConfig      `yaml:"database"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	BufferSize    int           `yaml:"buffer_size"`
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

// MetricsConfig holds the HTTP endpoint serving metrics and health.
type MetricsConfig struct {
	Port int    `yaml:"port"`
	Path string `yaml:"path"`
}

// LoggingConfig selects the slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// ManagerConfig maps the connection section onto the connection manager.
func (c ConnectionConfig) ManagerConfig() connection.ManagerConfig {
	cfg := connection.DefaultManagerConfig()
	cfg.URL = c.URL
	cfg.ConnectTimeout = c.ConnectTimeout
	cfg.RequestTimeout = c.RequestTimeout
	cfg.OutboundCapacity = c.OutboundCapacity
	cfg.FlushRate = c.FlushRate
	cfg.FlushBurst = c.FlushBurst
	cfg.MessageBufferSize = c.MessageBufferSize

	cfg.Client.HandshakeTimeout = c.HandshakeTimeout
	cfg.Client.WriteTimeout = c.WriteTimeout
	cfg.Client.ReadLimit = c.ReadLimit

	cfg.Backoff = connection.BackoffConfig{
		BaseDelay:   c.Backoff.BaseDelay,
		Factor:      c.Backoff.Factor,
		MaxDelay:    c.Backoff.MaxDelay,
		MaxAttempts: c.Backoff.MaxAttempts,
		Jitter:      c.Backoff.Jitter,
	}
	cfg.Heartbeat = connection.HeartbeatConfig{
		Interval:  c.Heartbeat.Interval,
		Timeout:   c.Heartbeat.Timeout,
		MaxMissed: c.Heartbeat.MaxMissed,
	}
	return cfg
}

// QueueConfig maps the integrity section onto the integrity queue.
func (c IntegrityConfig) QueueConfig() integrity.Config {
	return integrity.Config{
		DrainInterval:   c.DrainInterval,
		BatchSize:       c.BatchSize,
		OrderingWindow:  c.OrderingWindow,
		DedupWindow:     c.DedupWindow,
		MaxAge:          c.MaxAge,
		MaxRetries:      c.MaxRetries,
		Capacity:        c.Capacity,
		PurgeRatio:      c.PurgeRatio,
		InitialSequence: c.InitialSequence,
		FailedHistory:   c.FailedHistory,
	}
}

// DispatcherConfig maps the router section onto the dispatcher.
func (c RouterConfig) DispatcherConfig() router.RouterConfig {
	return router.RouterConfig{
		StreamBufferSize:  c.StreamBufferSize,
		StreamBufferLimit: c.StreamBufferLimit,
	}
}

// HeaderNames maps the configured header names onto the signer.
func (c AuthConfig) HeaderNames() auth.HeaderNames {
	return auth.HeaderNames{
		Key:       c.KeyHeader,
		Timestamp: c.TimestampHeader,
		Signature: c.SignatureHeader,
	}
}

// Enabled reports whether handshakes are signed.
func (c AuthConfig) Enabled() bool {
	return c.APIKey != ""
}
