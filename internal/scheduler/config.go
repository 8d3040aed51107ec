// Package scheduler provides the pending-task queue that drives depth-first
// expansion of the work tree.
package scheduler

import "time"

// Config defines the supervisor loop tuning around the queue.
type Config struct {
	// PauseInterval is how long the loop sleeps between checks while paused.
	PauseInterval time.Duration `yaml:"pause_interval"`
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() *Config {
	return &Config{
		PauseInterval: 200 * time.Millisecond,
	}
}

// GetPauseInterval returns the pause poll interval, falling back to the default.
func (c *Config) GetPauseInterval() time.Duration {
	if c == nil || c.PauseInterval <= 0 {
		return DefaultConfig().PauseInterval
	}
	return c.PauseInterval
}
