// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

// Package config holds the run configuration of the stream test.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config selects the device, the waveform and the ambient settings of a run.
type Config struct {
	Interface string  `yaml:"interface"`
	Path      string  `yaml:"path"`
	Function  string  `yaml:"function"`
	Device    string  `yaml:"device"`
	Interval  int     `yaml:"interval"`
	Scale     float64 `yaml:"scale"`

	// Seed fixes the random generator; zero seeds from the clock.
	Seed uint64 `yaml:"seed"`

	LogLevel    string `yaml:"logLevel"`
	MetricsAddr string `yaml:"metricsAddr"`
}

// Default returns the configuration used for anything a file or flag does
// not set.
func Default() Config {
	return Config{
		Function: "sin",
		Interval: 1000,
		Scale:    1,
		LogLevel: "info",
	}
}

// Load reads a YAML file over the defaults. Validation is left to Validate so
// command line flags can still override the file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Function == "" {
		c.Function = "sin"
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.Interface == "" {
		return errors.New("interface is required")
	}
	if !strings.HasPrefix(c.Path, "/") {
		return fmt.Errorf("path %q must start with /", c.Path)
	}
	if c.Device == "" {
		return errors.New("device is required")
	}
	if strings.ContainsAny(c.Device, "/+#") {
		return fmt.Errorf("device %q contains topic characters", c.Device)
	}
	if math.IsNaN(c.Scale) || math.IsInf(c.Scale, 0) {
		return fmt.Errorf("scale %v is not finite", c.Scale)
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	return nil
}

// Level parses LogLevel.
func (c *Config) Level() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("logLevel: %w", err)
	}
	return l, nil
}
