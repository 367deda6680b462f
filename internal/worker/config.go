package worker

import (
	"fmt"
	"time"
)

// Config holds the configuration for the billing event janitor.
type Config struct {
	// Interval is how often the janitor sweeps processed billing events.
	// Default: 1 hour
	Interval time.Duration

	// Retention is how long a processed event id is kept for duplicate
	// detection. It must exceed the billing provider's redelivery window or
	// a late redelivery would be applied twice.
	// Default: 90 days
	Retention time.Duration

	// SweepTimeout bounds a single sweep.
	// Default: 1 minute
	SweepTimeout time.Duration

	// ShutdownTimeout is how long Stop waits for an in-progress sweep.
	// Default: 30 seconds
	ShutdownTimeout time.Duration
}

// MinRetention is the shortest accepted retention. Stripe retries
// deliveries for up to three days.
const MinRetention = 72 * time.Hour

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() Config {
	return Config{
		Interval:        time.Hour,
		Retention:       90 * 24 * time.Hour,
		SweepTimeout:    time.Minute,
		ShutdownTimeout: 30 * time.Second,
	}
}

// Validate checks if the configuration is valid.
func (c Config) Validate() error {
	if c.Interval < time.Second {
		return fmt.Errorf("interval must be at least 1 second, got %v", c.Interval)
	}
	if c.Retention < MinRetention {
		return fmt.Errorf("retention must be at least %v, got %v", MinRetention, c.Retention)
	}
	if c.SweepTimeout < time.Second {
		return fmt.Errorf("sweep timeout must be at least 1 second, got %v", c.SweepTimeout)
	}
	if c.ShutdownTimeout < time.Second {
		return fmt.Errorf("shutdown timeout must be at least 1 second, got %v", c.ShutdownTimeout)
	}
	return nil
}
