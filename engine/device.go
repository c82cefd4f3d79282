// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package engine

import (
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"

	"gviegas/rtcore/driver"
	"gviegas/rtcore/engine/internal/ctxt"
)

// QueueFamilies maps each QueueClass to a queue family
// of an adapter. Classes may share a family.
type QueueFamilies [NQueue]int

// unique returns the distinct families, in class order.
func (f *QueueFamilies) unique() []int {
	s := make([]int, 0, NQueue)
outer:
	for _, x := range f {
		for _, y := range s {
			if x == y {
				continue outer
			}
		}
		s = append(s, x)
	}
	return s
}

// RequiredExtensions returns the device extensions that
// an adapter must support to be selected.
func RequiredExtensions() []string {
	return []string{
		driver.ExtAccelStruct,
		driver.ExtRayTracing,
		driver.ExtDeferredHostOps,
		driver.ExtBufferAddress,
		driver.ExtTimeline,
		driver.ExtDynamicRendering,
		driver.ExtSynchronization2,
	}
}

// findQueueFamilies maps queue classes to families,
// preferring families dedicated to compute and transfer.
// It returns false if any class cannot be mapped.
func findQueueFamilies(fams []driver.QueueFamily) (QueueFamilies, bool) {
	f := QueueFamilies{-1, -1, -1}
	has := func(i int, c driver.QueueCap) bool { return fams[i].Caps&c != 0 && fams[i].Count > 0 }
	for i := range fams {
		switch {
		case f[Graphics] < 0 && has(i, driver.QGraphics):
			f[Graphics] = i
		case f[Compute] < 0 && has(i, driver.QCompute) && !has(i, driver.QGraphics):
			f[Compute] = i
		case f[Transfer] < 0 && has(i, driver.QTransfer) && !has(i, driver.QGraphics) && !has(i, driver.QCompute):
			f[Transfer] = i
		}
	}
	for i := range fams {
		if f[Compute] < 0 && has(i, driver.QCompute) {
			f[Compute] = i
		}
		if f[Transfer] < 0 && has(i, driver.QTransfer) && !has(i, driver.QGraphics) {
			f[Transfer] = i
		}
	}
	if f[Transfer] < 0 {
		f[Transfer] = f[Compute]
	}
	if f[Compute] < 0 {
		f[Compute] = f[Graphics]
	}
	if f[Transfer] < 0 {
		f[Transfer] = f[Graphics]
	}
	for _, x := range f {
		if x < 0 {
			return f, false
		}
	}
	return f, true
}

// scoreAdapter rates the suitability of an adapter.
// Zero means that the adapter cannot be used.
func scoreAdapter(info *driver.AdapterInfo) (int, QueueFamilies) {
	fams, ok := findQueueFamilies(info.Families)
	if !ok {
		return 0, fams
	}
	for _, ext := range RequiredExtensions() {
		if !info.HasExtension(ext) {
			return 0, fams
		}
	}
	if info.Type == driver.TDiscrete {
		return 1000, fams
	}
	// Suitable but not preferred.
	return 1, fams
}

// SelectAdapter selects the most suitable adapter.
// Discrete adapters are preferred. Adapters that lack
// a required extension or a queue family for every
// QueueClass are never selected.
func SelectAdapter(adapters []driver.Adapter) (driver.Adapter, QueueFamilies, error) {
	return selectAdapter(adapters, "")
}

func selectAdapter(adapters []driver.Adapter, prefer string) (driver.Adapter, QueueFamilies, error) {
	var (
		best      driver.Adapter
		bestFams  QueueFamilies
		bestScore int
		preferred bool
	)
	prefer = strings.ToLower(prefer)
	for _, a := range adapters {
		info := a.Info()
		score, fams := scoreAdapter(&info)
		Logger().Debug("engine: adapter scored",
			slog.String("adapter", info.Name),
			slog.Int("score", score),
			slog.Any("families", fams))
		if score == 0 {
			continue
		}
		match := prefer != "" && strings.Contains(strings.ToLower(info.Name), prefer)
		switch {
		case preferred && !match:
		case match && !preferred, score > bestScore:
			best, bestFams, bestScore, preferred = a, fams, score, match
		}
	}
	if best == nil {
		return nil, QueueFamilies{}, deviceError("SelectAdapter", AnyQueue, driver.ErrNoDevice)
	}
	if prefer != "" && !preferred {
		Logger().Warn("engine: preferred adapter not available", slog.String("adapter", prefer))
	}
	return best, bestFams, nil
}

// Device is the explicit context of the engine.
// It owns the GPU, one queue and one Timeline per
// QueueClass.
type Device struct {
	cfg     Config
	drv     driver.Driver
	adapter driver.Adapter
	gpu     driver.GPU
	limits  driver.Limits
	fams    QueueFamilies
	queues  [NQueue]driver.Queue
	tls     [NQueue]*Timeline
	frame   atomic.Int32
	closed  atomic.Bool

	resMu sync.Mutex
	res   dataMap[resID, liveRes]
}

// Open loads the driver named by cfg.Driver and opens a
// Device on its most suitable adapter.
// A nil cfg means DefaultConfig().
func Open(cfg *Config) (*Device, error) {
	c := DefaultConfig()
	if cfg != nil {
		c = *cfg
	}
	drv, _, err := ctxt.LoadDriver(c.Driver)
	if err != nil {
		return nil, deviceError("Open", AnyQueue, errors.CombineErrors(driver.ErrNoDevice, err))
	}
	return OpenDriver(drv, &c)
}

// OpenDriver opens a Device on the most suitable adapter
// of drv.
// A nil cfg means DefaultConfig().
func OpenDriver(drv driver.Driver, cfg *Config) (*Device, error) {
	c := DefaultConfig()
	if cfg != nil {
		c = *cfg
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	adapters, err := drv.Adapters()
	if err != nil {
		return nil, deviceError("Open", AnyQueue, err)
	}
	adapter, fams, err := selectAdapter(adapters, c.Adapter)
	if err != nil {
		return nil, err
	}
	gpu, err := adapter.Open(&driver.DeviceDesc{
		Families:   fams.unique(),
		Extensions: RequiredExtensions(),
		Validation: c.Validation,
	})
	if err != nil {
		return nil, deviceError("Open", AnyQueue, err)
	}
	d := &Device{
		cfg:     c,
		drv:     drv,
		adapter: adapter,
		gpu:     gpu,
		limits:  gpu.Limits(),
		fams:    fams,
	}
	for i := range NQueue {
		q := QueueClass(i)
		d.queues[i] = gpu.Queue(fams[i])
		if d.tls[i], err = newTimeline(gpu); err != nil {
			d.destroyTimelines()
			gpu.Destroy()
			return nil, deviceError("Open", q, err)
		}
	}
	Logger().Info("engine: device opened",
		slog.String("driver", drv.Name()),
		slog.String("adapter", adapter.Info().Name),
		slog.Any("families", fams))
	return d, nil
}

func (d *Device) destroyTimelines() {
	for i, t := range d.tls {
		if t != nil {
			t.sem.Destroy()
			d.tls[i] = nil
		}
	}
}

// Close waits for the device to become idle and then
// destroys it. Every resource created from d must have
// been destroyed.
func (d *Device) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := d.WaitIdle()
	if err != nil {
		Logger().Warn("engine: closing device that did not become idle", slog.Any("err", err))
	}
	d.reportLeaks()
	d.destroyTimelines()
	d.gpu.Destroy()
	Logger().Info("engine: device closed")
	return err
}

// Config returns the configuration used to open d.
func (d *Device) Config() Config { return d.cfg }

// Driver returns the driver.Driver that d was opened from.
func (d *Device) Driver() driver.Driver { return d.drv }

// Adapter returns the adapter that d was opened on.
func (d *Device) Adapter() driver.Adapter { return d.adapter }

// GPU returns the driver.GPU.
func (d *Device) GPU() driver.GPU { return d.gpu }

// Limits returns GPU().Limits().
// This value is retrieved only once. It must not be
// changed by the caller.
func (d *Device) Limits() *driver.Limits { return &d.limits }

// Families returns the queue family of every class.
func (d *Device) Families() QueueFamilies { return d.fams }

// Family returns the queue family of class q, or
// driver.FamilyIgnored if q is not a valid class.
func (d *Device) Family(q QueueClass) int {
	if !q.valid() {
		return driver.FamilyIgnored
	}
	return d.fams[q]
}

// classOf returns the first queue class of family fam.
func (d *Device) classOf(fam int) (QueueClass, bool) {
	for i, f := range d.fams {
		if f == fam {
			return QueueClass(i), true
		}
	}
	return AnyQueue, false
}

// Queue returns the driver.Queue of class q, or nil if q
// is not a valid class.
// Classes that share a family share a queue.
func (d *Device) Queue(q QueueClass) driver.Queue {
	if !q.valid() {
		return nil
	}
	return d.queues[q]
}

// Timeline returns the timeline of class q, or nil if q
// is not a valid class.
func (d *Device) Timeline(q QueueClass) *Timeline {
	if !q.valid() {
		return nil
	}
	return d.tls[q]
}

// Frame returns the current frame index, in the
// interval [0, MaxFrame).
func (d *Device) Frame() int { return int(d.frame.Load()) }

// NextFrame advances the frame index and returns the
// new value.
func (d *Device) NextFrame() int {
	for {
		f := d.frame.Load()
		n := (f + 1) % MaxFrame
		if d.frame.CompareAndSwap(f, n) {
			return int(n)
		}
	}
}
