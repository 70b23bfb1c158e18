package config

import (
	"fmt"

	"github.com/bmatcuk/doublestar/v4"
)

// Validate checks that the resolved configuration is internally consistent
// before any process is spawned with it.
func (c *Config) Validate() error {
	if c.Analyzer.Path == "" {
		return fmt.Errorf("analyzer path must not be empty")
	}
	if c.Analyzer.RequestTimeoutSecs <= 0 {
		return fmt.Errorf("analyzer request_timeout_secs must be positive, got %d", c.Analyzer.RequestTimeoutSecs)
	}
	if c.Analyzer.ShutdownGraceSecs <= 0 {
		return fmt.Errorf("analyzer shutdown_grace_secs must be positive, got %d", c.Analyzer.ShutdownGraceSecs)
	}
	if c.Check.TimeoutSecs <= 0 {
		return fmt.Errorf("check timeout_secs must be positive, got %d", c.Check.TimeoutSecs)
	}
	if c.Check.OutputCapBytes <= 0 {
		return fmt.Errorf("check output_cap must be positive, got %d", c.Check.OutputCapBytes)
	}
	if c.Logging.Verbosity < 0 || c.Logging.Verbosity > 2 {
		return fmt.Errorf("logging verbosity must be 0..2, got %d", c.Logging.Verbosity)
	}

	for _, pattern := range append(append([]string{}, c.Include...), c.Exclude...) {
		if !doublestar.ValidatePattern(pattern) {
			return fmt.Errorf("invalid glob pattern %q", pattern)
		}
	}
	return nil
}
