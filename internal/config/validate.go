package config

import (
	"errors"
	"fmt"
	"net/url"
)

// Validate checks that all required fields are set and values are valid.
func (c *StreamConfig) Validate() error {
	if c.Instance.ID == "" {
		return errors.New("instance.id is required")
	}

	if err := c.Connection.validate(); err != nil {
		return err
	}

	if c.Auth.Enabled() && c.Auth.PrivateKeyPath == "" {
		return errors.New("auth.private_key_path is required when auth.api_key is set")
	}

	for i, sub := range c.Subscriptions {
		if sub.Channel == "" {
			return fmt.Errorf("subscriptions[%d].channel is required", i)
		}
	}

	if err := c.Integrity.validate(); err != nil {
		return err
	}

	if c.Router.StreamBufferSize < 1 {
		return errors.New("router.stream_buffer_size must be >= 1")
	}
	if c.Router.StreamBufferLimit < 0 {
		return errors.New("router.stream_buffer_limit must be >= 0")
	}

	if c.Archive.Enabled {
		if err := c.Archive.Database.validate("archive.database"); err != nil {
			return err
		}
		if c.Archive.BatchSize < 1 {
			return errors.New("archive.batch_size must be >= 1")
		}
		if c.Archive.BufferSize < 1 {
			return errors.New("archive.buffer_size must be >= 1")
		}
	}

	if c.Metrics.Port < 1 || c.Metrics.Port > 65535 {
		return fmt.Errorf("metrics.port must be between 1 and 65535, got %d", c.Metrics.Port)
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn or error, got %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	return nil
}

func (c *ConnectionConfig) validate() error {
	if c.URL == "" {
		return errors.New("connection.url is required")
	}
	u, err := url.Parse(c.URL)
	if err != nil {
		return fmt.Errorf("connection.url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("connection.url scheme must be ws or wss, got %q", u.Scheme)
	}

	if c.OutboundCapacity < 0 {
		return errors.New("connection.outbound_capacity must be >= 0")
	}
	if c.FlushRate < 0 {
		return errors.New("connection.flush_rate must be >= 0")
	}

	if c.Backoff.BaseDelay < 0 || c.Backoff.MaxDelay < c.Backoff.BaseDelay {
		return fmt.Errorf("connection.backoff.max_delay (%v) must be >= base_delay (%v)",
			c.Backoff.MaxDelay, c.Backoff.BaseDelay)
	}
	if c.Backoff.Factor < 1 {
		return fmt.Errorf("connection.backoff.factor must be >= 1, got %v", c.Backoff.Factor)
	}
	if c.Backoff.Jitter > 1 {
		return fmt.Errorf("connection.backoff.jitter must be <= 1, got %v", c.Backoff.Jitter)
	}

	if c.Heartbeat.Interval > 0 {
		if c.Heartbeat.Timeout <= 0 {
			return errors.New("connection.heartbeat.timeout must be > 0")
		}
		if c.Heartbeat.MaxMissed < 1 {
			return errors.New("connection.heartbeat.max_missed must be >= 1")
		}
	}
	return nil
}

func (c *IntegrityConfig) validate() error {
	if c.DrainInterval <= 0 {
		return errors.New("integrity.drain_interval must be > 0")
	}
	if c.BatchSize < 1 {
		return errors.New("integrity.batch_size must be >= 1")
	}
	if c.Capacity < 1 {
		return errors.New("integrity.capacity must be >= 1")
	}
	if c.PurgeRatio <= 0 || c.PurgeRatio > 1 {
		return fmt.Errorf("integrity.purge_ratio must be in (0, 1], got %v", c.PurgeRatio)
	}
	if c.MaxRetries < 0 {
		return errors.New("integrity.max_retries must be >= 0")
	}
	if c.OrderingWindow < 0 || c.DedupWindow < 0 || c.MaxAge < 0 {
		return errors.New("integrity windows must be >= 0")
	}
	return nil
}

func (db *DBConfig) validate(prefix string) error {
	if db.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.Password == "" {
		return fmt.Errorf("%s.password is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}
