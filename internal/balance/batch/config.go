package batch

import "time"

// Config controls the batching window and its safety valves.
type Config struct {
	// Window is how long the first request for a customer waits for
	// company before executing.
	Window time.Duration
	// Capacity executes the batch immediately once reached, bounding
	// memory growth under extreme burst.
	Capacity int
	// ExecTimeout caps one merged execution. Batches run on a background
	// context because caller contexts may end before the window closes.
	ExecTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Window:      10 * time.Millisecond,
		Capacity:    100,
		ExecTimeout: 5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.Window <= 0 {
		c.Window = defaults.Window
	}
	if c.Capacity <= 0 {
		c.Capacity = defaults.Capacity
	}
	if c.ExecTimeout <= 0 {
		c.ExecTimeout = defaults.ExecTimeout
	}
	return c
}
