// Package config defines the run configuration consumed by the pipeline.
// Values come from a JSON file merged over defaults, with CLI flags layered
// on top by the caller.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"pano-downloader/internal/layout"
)

// Output format identifiers accepted by the sink.
const (
	FormatJPEG = "jpeg"
	FormatPNG  = "png"
	FormatWebP = "webp"
)

// RunConfig holds every knob for one run. The heuristic values (retry
// counts, failure ratio, backoff) are tuning defaults rather than contracts;
// see the classifier package for the pixel thresholds.
type RunConfig struct {
	ZoomLevel int `json:"zoomLevel"`

	// Concurrency bounds. Three independent resources: pipelines,
	// connections, assembly workers. Exceeding any bound waits, never fails.
	MaxConcurrentPanoramas int `json:"maxConcurrentPanoramas"`
	MaxTotalConnections    int `json:"maxTotalConnections"`
	MaxConnectionsPerHost  int `json:"maxConnectionsPerHost"`
	WorkerPoolSize         int `json:"workerPoolSize"`

	TileRetryBudget       int     `json:"tileRetryBudget"`
	BackoffBaseMillis     int     `json:"backoffBaseMillis"`
	FailureRatioThreshold float64 `json:"failureRatioThreshold"`
	CropBlackMargin       bool    `json:"cropBlackMargin"`

	// TileURL overrides the built-in endpoint template when the provider
	// moves it.
	TileURL string `json:"tileURL,omitempty"`

	OutputDir    string `json:"outputDir"`
	OutputFormat string `json:"outputFormat"`

	// CacheDir enables the persistent tile cache when non-empty.
	CacheDir       string `json:"cacheDir,omitempty"`
	CacheMaxSizeMB int    `json:"cacheMaxSizeMB"`
}

// DefaultConfig returns the tuned defaults.
func DefaultConfig() *RunConfig {
	cwd, _ := os.Getwd()
	return &RunConfig{
		ZoomLevel:              2,
		MaxConcurrentPanoramas: 50,
		MaxTotalConnections:    100,
		MaxConnectionsPerHost:  100,
		WorkerPoolSize:         20,
		TileRetryBudget:        3,
		BackoffBaseMillis:      200,
		FailureRatioThreshold:  0.5,
		CropBlackMargin:        true,
		OutputDir:              cwd,
		OutputFormat:           FormatJPEG,
		CacheMaxSizeMB:         500,
	}
}

// Load reads a config file and merges it over the defaults. A missing file
// yields the defaults without error.
func Load(path string) (*RunConfig, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Zero values from a partial file fall back to defaults. Zoom 0 is a
	// valid level, so it survives as-is.
	defaults := DefaultConfig()
	if cfg.MaxConcurrentPanoramas == 0 {
		cfg.MaxConcurrentPanoramas = defaults.MaxConcurrentPanoramas
	}
	if cfg.MaxTotalConnections == 0 {
		cfg.MaxTotalConnections = defaults.MaxTotalConnections
	}
	if cfg.MaxConnectionsPerHost == 0 {
		cfg.MaxConnectionsPerHost = defaults.MaxConnectionsPerHost
	}
	if cfg.WorkerPoolSize == 0 {
		cfg.WorkerPoolSize = defaults.WorkerPoolSize
	}
	if cfg.TileRetryBudget == 0 {
		cfg.TileRetryBudget = defaults.TileRetryBudget
	}
	if cfg.BackoffBaseMillis == 0 {
		cfg.BackoffBaseMillis = defaults.BackoffBaseMillis
	}
	if cfg.FailureRatioThreshold == 0 {
		cfg.FailureRatioThreshold = defaults.FailureRatioThreshold
	}
	if cfg.OutputDir == "" {
		cfg.OutputDir = defaults.OutputDir
	}
	if cfg.OutputFormat == "" {
		cfg.OutputFormat = defaults.OutputFormat
	}
	if cfg.CacheMaxSizeMB == 0 {
		cfg.CacheMaxSizeMB = defaults.CacheMaxSizeMB
	}

	return cfg, nil
}

// Save writes the config as indented JSON.
func Save(cfg *RunConfig, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Validate checks the configuration. Errors here are fatal: they abort the
// run before any network activity.
func (c *RunConfig) Validate() error {
	if err := layout.ValidateZoom(c.ZoomLevel); err != nil {
		return err
	}
	if c.MaxConcurrentPanoramas < 1 {
		return fmt.Errorf("maxConcurrentPanoramas must be at least 1, got %d", c.MaxConcurrentPanoramas)
	}
	if c.MaxTotalConnections < 1 {
		return fmt.Errorf("maxTotalConnections must be at least 1, got %d", c.MaxTotalConnections)
	}
	if c.MaxConnectionsPerHost < 1 {
		return fmt.Errorf("maxConnectionsPerHost must be at least 1, got %d", c.MaxConnectionsPerHost)
	}
	if c.MaxConnectionsPerHost > c.MaxTotalConnections {
		return fmt.Errorf("maxConnectionsPerHost (%d) cannot exceed maxTotalConnections (%d)",
			c.MaxConnectionsPerHost, c.MaxTotalConnections)
	}
	if c.WorkerPoolSize < 1 {
		return fmt.Errorf("workerPoolSize must be at least 1, got %d", c.WorkerPoolSize)
	}
	if c.TileRetryBudget < 1 {
		return fmt.Errorf("tileRetryBudget must be at least 1, got %d", c.TileRetryBudget)
	}
	if c.FailureRatioThreshold < 0 || c.FailureRatioThreshold > 1 {
		return fmt.Errorf("failureRatioThreshold must be in [0,1], got %f", c.FailureRatioThreshold)
	}
	switch c.OutputFormat {
	case FormatJPEG, FormatPNG, FormatWebP:
	default:
		return fmt.Errorf("unknown output format %q (must be %s, %s, or %s)",
			c.OutputFormat, FormatJPEG, FormatPNG, FormatWebP)
	}
	return nil
}
