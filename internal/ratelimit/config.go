package ratelimit

import (
	"errors"
	"fmt"
	"time"
)

// DefaultBlockDuration applies when Config.BlockDuration is zero
const DefaultBlockDuration = time.Minute

var (
	ErrInvalidConfig = errors.New("invalid rate limit config")

	// ErrTxConflict is returned by optimistic stores when every retry lost
	// the race for the same record
	ErrTxConflict = errors.New("rate limit record transaction conflict")
)

type Config struct {
	MaxRequests   int
	Window        time.Duration
	BlockDuration time.Duration
}

func (c Config) withDefaults() Config {
	if c.BlockDuration == 0 {
		c.BlockDuration = DefaultBlockDuration
	}
	return c
}

// Validate checks the limits. Window and BlockDuration are tracked in
// milliseconds, so anything below 1ms is rejected.
func (c Config) Validate() error {
	if c.MaxRequests <= 0 {
		return fmt.Errorf("%w: max requests must be positive, got %d", ErrInvalidConfig, c.MaxRequests)
	}
	if c.Window.Milliseconds() <= 0 {
		return fmt.Errorf("%w: window must be at least 1ms, got %v", ErrInvalidConfig, c.Window)
	}
	if c.BlockDuration < 0 || (c.BlockDuration > 0 && c.BlockDuration.Milliseconds() == 0) {
		return fmt.Errorf("%w: block duration must be at least 1ms, got %v", ErrInvalidConfig, c.BlockDuration)
	}
	return nil
}

// Merge returns c with every non-zero field of override applied
func (c Config) Merge(override Config) Config {
	if override.MaxRequests != 0 {
		c.MaxRequests = override.MaxRequests
	}
	if override.Window != 0 {
		c.Window = override.Window
	}
	if override.BlockDuration != 0 {
		c.BlockDuration = override.BlockDuration
	}
	return c
}
