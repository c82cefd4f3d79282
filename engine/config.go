// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package engine

import (
	"bytes"
	"math/bits"
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/pelletier/go-toml/v2"
)

const (
	dflWaitTimeout   = 10 * time.Second
	dflHeapTextures  = 4096
	dflHeapSamplers  = 64
	dflHeapStorage   = 64
	dflHeapTLAS      = 1
	dflDescPoolSets  = 1000
	dflDriverName    = "soft"
	dflAdapterPrefer = ""
)

// Config is used to configure a Device.
// It can be loaded from TOML:
//
//	driver = "soft"
//	adapter = "discrete"
//	wait_timeout = "10s"
//	validation = true
//
//	[heap]
//	textures = 4096
//	samplers = 64
//	storage_images = 64
//	tlas = 1
//
//	[desc_pool]
//	max_sets = 1000
type Config struct {
	// Name of the driver to load. It is matched
	// case-insensitively against the names of
	// registered drivers. Empty means any driver.
	//
	// Default is "soft".
	Driver string `toml:"driver"`

	// Preferred adapter. Adapters whose names contain
	// this string are chosen over higher scoring ones,
	// as long as they are suitable.
	//
	// Default is "".
	Adapter string `toml:"adapter"`

	// Maximum duration of host waits. A wait that
	// does not complete in time is reported as device
	// loss. Zero means no timeout.
	//
	// Default is 10s.
	WaitTimeout Duration `toml:"wait_timeout"`

	// Whether driver validation messages should be
	// logged.
	//
	// Default is false.
	Validation bool `toml:"validation"`

	Heap     HeapConfig     `toml:"heap"`
	DescPool DescPoolConfig `toml:"desc_pool"`
}

// HeapConfig configures the capacities of a
// BindlessHeap. Every capacity must be a power of two.
type HeapConfig struct {
	// Default is 4096.
	Textures int `toml:"textures"`
	// Default is 64.
	Samplers int `toml:"samplers"`
	// Default is 64.
	StorageImages int `toml:"storage_images"`
	// Default is 1.
	TLAS int `toml:"tlas"`
}

// DescPoolConfig configures descriptor allocation.
type DescPoolConfig struct {
	// Maximum number of tables per pool.
	//
	// Default is 1000.
	MaxSets int `toml:"max_sets"`
}

// Duration is a time.Duration that is represented as
// a string in TOML (e.g., "250ms").
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(b []byte) error {
	x, err := time.ParseDuration(string(b))
	if err != nil {
		return errors.Wrap(err, "engine: invalid duration")
	}
	*d = Duration(x)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Driver:      dflDriverName,
		Adapter:     dflAdapterPrefer,
		WaitTimeout: Duration(dflWaitTimeout),
		Heap:        DefaultHeapConfig(),
		DescPool:    DescPoolConfig{MaxSets: dflDescPoolSets},
	}
}

// DefaultHeapConfig returns the default heap capacities.
func DefaultHeapConfig() HeapConfig {
	return HeapConfig{
		Textures:      dflHeapTextures,
		Samplers:      dflHeapSamplers,
		StorageImages: dflHeapStorage,
		TLAS:          dflHeapTLAS,
	}
}

// ParseConfig parses a TOML configuration.
// Fields not present in data are set to their defaults.
// Unknown fields are an error.
func ParseConfig(data []byte) (Config, error) {
	cfg := DefaultConfig()
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, errors.Wrap(err, "engine: parse config")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadConfig reads and parses the TOML configuration
// file at path.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrapf(err, "engine: load config %q", path)
	}
	return ParseConfig(data)
}

// Validate checks that cfg is valid.
func (cfg *Config) Validate() error {
	if cfg.WaitTimeout < 0 {
		return errors.Newf("engine: negative wait timeout %v", time.Duration(cfg.WaitTimeout))
	}
	if err := cfg.Heap.validate(); err != nil {
		return err
	}
	if cfg.DescPool.MaxSets < 1 {
		return errors.Newf("engine: invalid descriptor pool max sets %d", cfg.DescPool.MaxSets)
	}
	return nil
}

func (c *HeapConfig) validate() error {
	for _, x := range [...]struct {
		name string
		n    int
	}{
		{"textures", c.Textures},
		{"samplers", c.Samplers},
		{"storage images", c.StorageImages},
		{"tlas", c.TLAS},
	} {
		if x.n < 1 || bits.OnesCount(uint(x.n)) != 1 {
			return errors.Newf("engine: heap %s capacity %d is not a power of two", x.name, x.n)
		}
	}
	return nil
}

// timeout returns the timeout for driver.GPU.Wait.
func (cfg *Config) timeout() time.Duration {
	if cfg.WaitTimeout == 0 {
		return -1
	}
	return time.Duration(cfg.WaitTimeout)
}
