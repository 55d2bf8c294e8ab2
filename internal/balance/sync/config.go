package sync

import "time"

// Config controls queue coalescing and the worker's retry policy.
type Config struct {
	CoalesceWindow time.Duration
	QueueDepth     int

	// MaxAttempts bounds retries per item; retries are never open-ended.
	MaxAttempts  int
	RetryBackoff time.Duration
	ItemTimeout  time.Duration
}

func DefaultConfig() Config {
	return Config{
		CoalesceWindow: 50 * time.Millisecond,
		QueueDepth:     1024,
		MaxAttempts:    3,
		RetryBackoff:   200 * time.Millisecond,
		ItemTimeout:    5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.CoalesceWindow <= 0 {
		c.CoalesceWindow = defaults.CoalesceWindow
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = defaults.QueueDepth
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaults.MaxAttempts
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = defaults.RetryBackoff
	}
	if c.ItemTimeout <= 0 {
		c.ItemTimeout = defaults.ItemTimeout
	}
	return c
}
