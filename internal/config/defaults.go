package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultConnectTimeout    = 10 * time.Second
	DefaultRequestTimeout    = 10 * time.Second
	DefaultHandshakeTimeout  = 10 * time.Second
	DefaultWriteTimeout      = 5 * time.Second
	DefaultReadLimit         = 1 << 20
	DefaultOutboundCapacity  = 1000
	DefaultFlushBurst        = 50
	DefaultMessageBufferSize = 100000

	DefaultBackoffBaseDelay   = 1 * time.Second
	DefaultBackoffFactor      = 2.0
	DefaultBackoffMaxDelay    = 30 * time.Second
	DefaultBackoffMaxAttempts = 5
	DefaultBackoffJitter      = 0.1

	DefaultHeartbeatInterval  = 30 * time.Second
	DefaultHeartbeatTimeout   = 10 * time.Second
	DefaultHeartbeatMaxMissed = 3

	DefaultDrainInterval   = 50 * time.Millisecond
	DefaultDrainBatchSize  = 100
	DefaultOrderingWindow  = 1 * time.Second
	DefaultDedupWindow     = 5 * time.Second
	DefaultMaxAge          = 30 * time.Second
	DefaultMaxRetries      = 3
	DefaultQueueCapacity   = 1000
	DefaultPurgeRatio      = 0.1
	DefaultInitialSequence = 1
	DefaultFailedHistory   = 100

	DefaultStreamBufferSize  = 1000
	DefaultStreamBufferLimit = 100000

	DefaultDBPort            = 5432
	DefaultDBSSLMode         = "prefer"
	DefaultMaxConns          = 4
	DefaultMinConns          = 1
	DefaultArchiveBatchSize  = 500
	DefaultArchiveFlush      = 1 * time.Second
	DefaultArchiveBufferSize = 10000
	DefaultMetricsPort       = 9090
	DefaultMetricsPath       = "/metrics"
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "text"
)

func (c *StreamConfig) applyDefaults() {
	applyConnectionDefaults(&c.Connection)
	applyIntegrityDefaults(&c.Integrity)

	// Router defaults
	if c.Router.StreamBufferSize == 0 {
		c.Router.StreamBufferSize = DefaultStreamBufferSize
	}
	if c.Router.StreamBufferLimit == 0 {
		c.Router.StreamBufferLimit = DefaultStreamBufferLimit
	}

	// Archive defaults
	applyDBDefaults(&c.Archive.Database)
	if c.Archive.BatchSize == 0 {
		c.Archive.BatchSize = DefaultArchiveBatchSize
	}
	if c.Archive.FlushInterval == 0 {
		c.Archive.FlushInterval = DefaultArchiveFlush
	}
	if c.Archive.BufferSize == 0 {
		c.Archive.BufferSize = DefaultArchiveBufferSize
	}

	// Metrics defaults
	if c.Metrics.Port == 0 {
		c.Metrics.Port = DefaultMetricsPort
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}

	// Logging defaults
	if c.Logging.Level == "" {
		c.Logging.Level = DefaultLogLevel
	}
	if c.Logging.Format == "" {
		c.Logging.Format = DefaultLogFormat
	}
}

func applyConnectionDefaults(c *ConnectionConfig) {
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.ReadLimit == 0 {
		c.ReadLimit = DefaultReadLimit
	}
	if c.OutboundCapacity == 0 {
		c.OutboundCapacity = DefaultOutboundCapacity
	}
	if c.FlushBurst == 0 {
		c.FlushBurst = DefaultFlushBurst
	}
	if c.MessageBufferSize == 0 {
		c.MessageBufferSize = DefaultMessageBufferSize
	}

	// Negative jitter and max_attempts are explicit opt-outs.
	b := &c.Backoff
	if b.BaseDelay == 0 {
		b.BaseDelay = DefaultBackoffBaseDelay
	}
	if b.Factor == 0 {
		b.Factor = DefaultBackoffFactor
	}
	if b.MaxDelay == 0 {
		b.MaxDelay = DefaultBackoffMaxDelay
	}
	if b.MaxAttempts == 0 {
		b.MaxAttempts = DefaultBackoffMaxAttempts
	}
	switch {
	case b.Jitter == 0:
		b.Jitter = DefaultBackoffJitter
	case b.Jitter < 0:
		b.Jitter = 0
	}

	h := &c.Heartbeat
	if h.Interval == 0 {
		h.Interval = DefaultHeartbeatInterval
	}
	if h.Timeout == 0 {
		h.Timeout = DefaultHeartbeatTimeout
	}
	if h.MaxMissed == 0 {
		h.MaxMissed = DefaultHeartbeatMaxMissed
	}
}

func applyIntegrityDefaults(c *IntegrityConfig) {
	if c.DrainInterval == 0 {
		c.DrainInterval = DefaultDrainInterval
	}
	if c.BatchSize == 0 {
		c.BatchSize = DefaultDrainBatchSize
	}
	if c.OrderingWindow == 0 {
		c.OrderingWindow = DefaultOrderingWindow
	}
	if c.DedupWindow == 0 {
		c.DedupWindow = DefaultDedupWindow
	}
	if c.MaxAge == 0 {
		c.MaxAge = DefaultMaxAge
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.Capacity == 0 {
		c.Capacity = DefaultQueueCapacity
	}
	if c.PurgeRatio == 0 {
		c.PurgeRatio = DefaultPurgeRatio
	}
	if c.InitialSequence == 0 {
		c.InitialSequence = DefaultInitialSequence
	}
	if c.FailedHistory == 0 {
		c.FailedHistory = DefaultFailedHistory
	}
}

func applyDBDefaults(db *DBConfig) {
	if db.Port == 0 {
		db.Port = DefaultDBPort
	}
	if db.SSLMode == "" {
		db.SSLMode = DefaultDBSSLMode
	}
	if db.MaxConns == 0 {
		db.MaxConns = DefaultMaxConns
	}
	if db.MinConns == 0 {
		db.MinConns = DefaultMinConns
	}
}
