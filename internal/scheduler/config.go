package scheduler

import (
	"time"

	"github.com/fentz26/taskvault/internal/config"
)

// Config defines how a loop is paced.
type Config struct {
	// Interval returns the pause between cycles. It is read after every
	// cycle so a reloaded configuration takes effect at the next boundary.
	Interval func() time.Duration
	// Reloader, when set, is refreshed before every cycle.
	Reloader *config.Reloader
	// Delayed waits one interval before the first cycle.
	Delayed bool
}

// DefaultConfig returns a 30 second loop that starts immediately.
func DefaultConfig() *Config {
	return &Config{
		Interval: func() time.Duration { return 30 * time.Second },
	}
}

// Every returns a Config with a fixed interval.
func Every(d time.Duration) *Config {
	return &Config{Interval: func() time.Duration { return d }}
}

func (c *Config) interval() time.Duration {
	if c.Interval == nil {
		return 30 * time.Second
	}
	if d := c.Interval(); d > 0 {
		return d
	}
	return time.Second
}
