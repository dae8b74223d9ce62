// Package config loads the yaml configuration used by the command line
// tools to select a backend and set up an ll.Context.
package config

import (
	"errors"
	"fmt"
	"io"

	"github.com/achilleasa/raygraph/asset"
	"github.com/achilleasa/raygraph/backend"
	"github.com/achilleasa/raygraph/backend/soft"
	"github.com/achilleasa/raygraph/ll"
	"github.com/achilleasa/raygraph/log"
	"gopkg.in/yaml.v3"
)

var (
	ErrUnknownBackend = errors.New("config: unknown backend")
	ErrInvalidValue   = errors.New("config: invalid value")
)

// The only backend that ships with this module.
const SoftBackend = "soft"

type Config struct {
	Backend  string `yaml:"backend"`
	LogLevel string `yaml:"log_level"`

	Context ContextConfig `yaml:"context"`
	Soft    SoftConfig    `yaml:"soft"`
}

// Settings mapped to ll.Options.
type ContextConfig struct {
	Devices                 []int `yaml:"devices"`
	RayTypes                int   `yaml:"ray_types"`
	MaxInstancingDepth      int   `yaml:"max_instancing_depth"`
	ValidateInstancingDepth bool  `yaml:"validate_instancing_depth"`
	Parallelism             int   `yaml:"parallelism"`
}

// Settings mapped to soft.Options.
type SoftConfig struct {
	Devices      int      `yaml:"devices"`
	DeviceNames  []string `yaml:"device_names"`
	DeviceMemory []int64  `yaml:"device_memory"`
	SharedMemory int64    `yaml:"shared_memory"`
	ComputeUnits int      `yaml:"compute_units"`
	ClockMHz     int      `yaml:"clock_mhz"`
}

// Get the default configuration: a single soft device, one ray type and one
// level of instancing with depth validation enabled.
func Default() *Config {
	opts := ll.DefaultOptions()
	return &Config{
		Backend:  SoftBackend,
		LogLevel: log.Notice.String(),
		Context: ContextConfig{
			RayTypes:                opts.RayTypeCount,
			MaxInstancingDepth:      opts.MaxInstancingDepth,
			ValidateInstancingDepth: opts.ValidateInstancingDepth,
		},
		Soft: SoftConfig{
			Devices:      1,
			ComputeUnits: 1,
			ClockMHz:     1000,
		},
	}
}

// Load a configuration from a local file or http(s) URL. Missing settings
// keep their default values.
func Load(pathToConfig string) (*Config, error) {
	res, err := asset.NewResource(pathToConfig, nil)
	if err != nil {
		return nil, err
	}
	defer res.Close()

	cfg, err := Parse(res)
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", res.Path(), err)
	}
	return cfg, nil
}

// Parse a yaml configuration on top of the defaults.
func Parse(r io.Reader) (*Config, error) {
	cfg := Default()

	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Check settings for consistency.
func (c *Config) Validate() error {
	if c.Backend != SoftBackend {
		return fmt.Errorf("%w %q", ErrUnknownBackend, c.Backend)
	}
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		return err
	}

	switch {
	case c.Context.RayTypes < 1:
		return fmt.Errorf("%w: ray_types must be at least 1", ErrInvalidValue)
	case c.Context.MaxInstancingDepth < 1:
		return fmt.Errorf("%w: max_instancing_depth must be at least 1", ErrInvalidValue)
	case c.Context.Parallelism < 0:
		return fmt.Errorf("%w: parallelism must not be negative", ErrInvalidValue)
	case c.Soft.Devices < 1:
		return fmt.Errorf("%w: soft.devices must be at least 1", ErrInvalidValue)
	case len(c.Soft.DeviceMemory) > c.Soft.Devices:
		return fmt.Errorf("%w: soft.device_memory lists %d limits for %d devices", ErrInvalidValue, len(c.Soft.DeviceMemory), c.Soft.Devices)
	}

	for _, ordinal := range c.Context.Devices {
		if ordinal < 0 || ordinal >= c.Soft.Devices {
			return fmt.Errorf("%w: device ordinal %d out of range [0, %d)", ErrInvalidValue, ordinal, c.Soft.Devices)
		}
	}
	return nil
}

// The configured log level.
func (c *Config) Level() log.Level {
	level, _ := log.ParseLevel(c.LogLevel)
	return level
}

// Get the ll context options.
func (c *Config) ContextOptions() ll.Options {
	return ll.Options{
		Devices:                 c.Context.Devices,
		RayTypeCount:            c.Context.RayTypes,
		MaxInstancingDepth:      c.Context.MaxInstancingDepth,
		ValidateInstancingDepth: c.Context.ValidateInstancingDepth,
		Parallelism:             c.Context.Parallelism,
	}
}

// Get the software backend options.
func (c *Config) SoftOptions() soft.Options {
	return soft.Options{
		Devices:      c.Soft.Devices,
		DeviceNames:  c.Soft.DeviceNames,
		DeviceMemory: c.Soft.DeviceMemory,
		SharedMemory: c.Soft.SharedMemory,
		ComputeUnits: c.Soft.ComputeUnits,
		ClockMHz:     c.Soft.ClockMHz,
	}
}

// Create the configured backend.
func (c *Config) NewBackend() (backend.Backend, error) {
	if c.Backend != SoftBackend {
		return nil, fmt.Errorf("%w %q", ErrUnknownBackend, c.Backend)
	}
	b, err := soft.New(c.SoftOptions())
	if err != nil {
		return nil, err
	}
	return b, nil
}
