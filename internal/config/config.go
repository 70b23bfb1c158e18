// Package config loads the .rab.kdl project configuration and the
// environment overrides layered on top of it.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Environment variables recognized as overrides. They win over file values
// because operators set them per-invocation.
const (
	EnvAnalyzerPath = "RAB_ANALYZER_PATH"
	EnvFullAnalysis = "RAB_FULL_ANALYSIS"
	EnvLogFile      = "RAB_LOG_FILE"
)

// Project identifies the workspace.
type Project struct {
	Root string
	Name string
}

// Analyzer configures the external rust-analyzer process and the position
// resolver policy.
type Analyzer struct {
	Path                 string
	FullAnalysis         bool
	RequestTimeoutSecs   int
	ShutdownGraceSecs    int
	RequireUniqueSnippet bool
}

// Check bounds the guarded cargo check runner.
type Check struct {
	TimeoutSecs    int
	OutputCapBytes int64
	Command        []string
}

// Logging controls the diagnostic log file. Verbosity 0 is quiet, 1 normal,
// 2 debug.
type Logging struct {
	Verbosity int
	File      string
}

// Config is the full resolved configuration.
type Config struct {
	Version  int
	Project  Project
	Analyzer Analyzer
	Check    Check
	Logging  Logging

	// Include/Exclude are doublestar globs filtering check diagnostics by
	// workspace-relative path.
	Include []string
	Exclude []string
}

// DefaultConfig returns the configuration used when no .rab.kdl exists.
func DefaultConfig(root string) *Config {
	return &Config{
		Version: 1,
		Project: Project{Root: root},
		Analyzer: Analyzer{
			Path:               "rust-analyzer",
			FullAnalysis:       false,
			RequestTimeoutSecs: 30,
			ShutdownGraceSecs:  5,
		},
		Check: Check{
			TimeoutSecs:    30,
			OutputCapBytes: 1 << 20,
		},
		Logging: Logging{Verbosity: 1},
		Exclude: []string{"target/**"},
	}
}

// Load resolves configuration for a project root: file defaults, then
// .rab.kdl if present, then environment overrides, then validation.
func Load(projectRoot string) (*Config, error) {
	absRoot, err := filepath.Abs(projectRoot)
	if err != nil {
		return nil, fmt.Errorf("resolve project root: %w", err)
	}

	cfg, err := LoadKDL(absRoot)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = DefaultConfig(absRoot)
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvAnalyzerPath); v != "" {
		c.Analyzer.Path = v
	}
	if v := os.Getenv(EnvFullAnalysis); v != "" {
		c.Analyzer.FullAnalysis = parseBool(v)
	}
	if v := os.Getenv(EnvLogFile); v != "" {
		c.Logging.File = v
	}
}

// RequestTimeout returns the analyzer request budget as a duration.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.Analyzer.RequestTimeoutSecs) * time.Second
}

// ShutdownGrace returns the graceful-exit window as a duration.
func (c *Config) ShutdownGrace() time.Duration {
	return time.Duration(c.Analyzer.ShutdownGraceSecs) * time.Second
}

// CheckTimeout returns the guarded check budget as a duration.
func (c *Config) CheckTimeout() time.Duration {
	return time.Duration(c.Check.TimeoutSecs) * time.Second
}

func parseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "true" || s == "yes" || s == "1" || s == "on"
}
