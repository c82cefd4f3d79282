// Copyright 2024 Gustavo C. Viegas. All rights reserved.

// Package soft implements package driver in pure Go.
// Recorded commands are executed on the CPU, one goroutine
// per queue, which makes it suitable for headless use and
// for testing code that sits on top of package driver.
package soft

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"

	"gviegas/rtcore/driver"
)

const driverName = "soft"

// AdapterConfig describes a simulated adapter.
type AdapterConfig struct {
	Name     string
	Type     driver.AdapterType
	Families []driver.QueueFamily
	// Nil means every extension in Extensions().
	Extensions []string
	// Nil means DefaultLimits().
	Limits *driver.Limits
	// Size of the device address space in bytes.
	// Zero means 1GiB.
	MemorySize int64
}

const dflMemorySize = 1 << 30

// Extensions returns the device extensions that this
// package implements.
func Extensions() []string {
	return []string{
		driver.ExtAccelStruct,
		driver.ExtRayTracing,
		driver.ExtDeferredHostOps,
		driver.ExtBufferAddress,
		driver.ExtTimeline,
		driver.ExtDynamicRendering,
		driver.ExtSynchronization2,
		driver.ExtDescriptorIndexed,
	}
}

// DefaultLimits returns the limits of adapters that do
// not specify their own.
func DefaultLimits() driver.Limits {
	return driver.Limits{
		MaxImage2D:          16384,
		MaxLayers:           2048,
		MaxDTexture:         1 << 20,
		MaxDSampler:         4096,
		MaxDImage:           1 << 20,
		MaxDAccel:           16,
		MaxGeometries:       1 << 24,
		MaxPrimitives:       1 << 29,
		MaxInstances:        1 << 24,
		MinScratchAlign:     128,
		AccelAlign:          256,
		NonCoherentAtomSize: 64,
	}
}

// DefaultAdapters returns the adapters of the registered
// driver: a discrete adapter with dedicated compute and
// transfer families and an integrated adapter with a
// single family.
func DefaultAdapters() []AdapterConfig {
	all := driver.QGraphics | driver.QCompute | driver.QTransfer
	return []AdapterConfig{
		{
			Name: "soft integrated",
			Type: driver.TIntegrated,
			Families: []driver.QueueFamily{
				{Caps: all, Count: 1},
			},
		},
		{
			Name: "soft discrete",
			Type: driver.TDiscrete,
			Families: []driver.QueueFamily{
				{Caps: all, Count: 1},
				{Caps: driver.QCompute | driver.QTransfer, Count: 1},
				{Caps: driver.QTransfer, Count: 1},
			},
		},
	}
}

// Driver implements driver.Driver.
type Driver struct {
	mu       sync.Mutex
	configs  []AdapterConfig
	adapters []driver.Adapter
}

// New creates a new Driver that exposes the given
// adapters. It is not registered.
func New(configs ...AdapterConfig) *Driver {
	return &Driver{configs: configs}
}

// Adapters implements driver.Driver.
func (d *Driver) Adapters() ([]driver.Adapter, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.adapters != nil {
		return d.adapters, nil
	}
	adapters := make([]driver.Adapter, 0, len(d.configs))
	for i := range d.configs {
		c := d.configs[i]
		if len(c.Families) == 0 {
			return nil, errors.Newf("soft: adapter %q has no queue families", c.Name)
		}
		info := driver.AdapterInfo{
			Name:       c.Name,
			Type:       c.Type,
			Families:   append([]driver.QueueFamily(nil), c.Families...),
			Extensions: c.Extensions,
		}
		if info.Extensions == nil {
			info.Extensions = Extensions()
		}
		if c.Limits != nil {
			info.Limits = *c.Limits
		} else {
			info.Limits = DefaultLimits()
		}
		memSize := c.MemorySize
		if memSize <= 0 {
			memSize = dflMemorySize
		}
		adapters = append(adapters, &adapter{info: info, memSize: memSize})
	}
	d.adapters = adapters
	logger().Debug("soft: adapters initialized", slog.Int("count", len(adapters)))
	return adapters, nil
}

// Name implements driver.Driver.
func (d *Driver) Name() string { return driverName }

// Close implements driver.Driver.
func (d *Driver) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.adapters = nil
}

type adapter struct {
	info    driver.AdapterInfo
	memSize int64
}

// Info implements driver.Adapter.
func (a *adapter) Info() driver.AdapterInfo { return a.info }

// Open implements driver.Adapter.
func (a *adapter) Open(desc *driver.DeviceDesc) (driver.GPU, error) {
	if len(desc.Families) == 0 {
		return nil, errors.New("soft: no queue families requested")
	}
	for i, fam := range desc.Families {
		if fam < 0 || fam >= len(a.info.Families) {
			return nil, errors.Newf("soft: invalid queue family %d", fam)
		}
		for _, x := range desc.Families[:i] {
			if x == fam {
				return nil, errors.Newf("soft: duplicate queue family %d", fam)
			}
		}
	}
	for _, ext := range desc.Extensions {
		if !a.info.HasExtension(ext) {
			return nil, errors.Wrapf(driver.ErrNoDevice, "soft: extension %q not supported", ext)
		}
	}
	return newGPU(a, desc)
}

var loggerPtr atomic.Pointer[slog.Logger]

type nopHandler struct{}

func (nopHandler) Enabled(_ context.Context, _ slog.Level) bool  { return false }
func (nopHandler) Handle(_ context.Context, _ slog.Record) error { return nil }
func (h nopHandler) WithAttrs(_ []slog.Attr) slog.Handler        { return h }
func (h nopHandler) WithGroup(_ string) slog.Handler             { return h }

func init() {
	loggerPtr.Store(slog.New(nopHandler{}))
	driver.Register(New(DefaultAdapters()...))
}

// SetLogger sets the logger used by the package.
// Validation errors of GPUs opened with
// driver.DeviceDesc.Validation are logged at
// slog.LevelWarn.
// Passing nil disables logging.
func SetLogger(l *slog.Logger) {
	if l == nil {
		l = slog.New(nopHandler{})
	}
	loggerPtr.Store(l)
}

func logger() *slog.Logger { return loggerPtr.Load() }
