// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package engine

import (
	"log/slog"
	"math"
	"sync"

	"github.com/cockroachdb/errors"

	"gviegas/rtcore/driver"
)

// PoolRatio is the number of descriptors of a given type
// that a pool provides per table.
type PoolRatio struct {
	Type  driver.DescType
	Ratio float32
}

// DefaultPoolRatios returns the ratios used when a
// DescAllocSpec does not provide any.
func DefaultPoolRatios() []PoolRatio {
	return []PoolRatio{
		{driver.DSampler, 0.5},
		{driver.DTexture, 4},
		{driver.DImage, 1},
		{driver.DConstant, 2},
		{driver.DBuffer, 2},
		{driver.DAccel, 0.5},
	}
}

// DescAllocSpec describes a DescAllocator.
type DescAllocSpec struct {
	// Maximum number of tables per pool.
	// Zero means Config.DescPool.MaxSets.
	MaxSets int
	// Nil means DefaultPoolRatios().
	Ratios []PoolRatio
	// Whether tables may use layouts with
	// driver.DUpdateAfterBind.
	UpdateAfterBind bool
}

// DescAllocator allocates descriptor tables from a
// growing set of pools. An allocation that fails because
// the current pool is exhausted or fragmented is retried
// once on a fresh pool.
type DescAllocator struct {
	d    *Device
	desc driver.DescPoolDesc

	mu   sync.Mutex
	cur  driver.DescPool
	full []driver.DescPool
	free []driver.DescPool
}

// NewDescAllocator creates a new DescAllocator.
// A nil spec is equivalent to a zero DescAllocSpec.
func NewDescAllocator(d *Device, spec *DescAllocSpec) *DescAllocator {
	var s DescAllocSpec
	if spec != nil {
		s = *spec
	}
	if s.MaxSets <= 0 {
		s.MaxSets = d.cfg.DescPool.MaxSets
	}
	if s.Ratios == nil {
		s.Ratios = DefaultPoolRatios()
	}
	sizes := make(map[driver.DescType]int, len(s.Ratios))
	for _, r := range s.Ratios {
		sizes[r.Type] += int(math.Ceil(float64(r.Ratio) * float64(s.MaxSets)))
	}
	return &DescAllocator{
		d: d,
		desc: driver.DescPoolDesc{
			Sizes:           sizes,
			MaxSets:         s.MaxSets,
			UpdateAfterBind: s.UpdateAfterBind,
		},
	}
}

func (a *DescAllocator) grab() (driver.DescPool, error) {
	if n := len(a.free); n > 0 {
		p := a.free[n-1]
		a.free = a.free[:n-1]
		return p, nil
	}
	p, err := a.d.gpu.NewDescPool(&a.desc)
	if err != nil {
		return nil, deviceError("NewDescPool", AnyQueue, err)
	}
	Logger().Debug("engine: descriptor pool created",
		slog.Int("maxSets", a.desc.MaxSets),
		slog.Int("pools", len(a.full)+1))
	return p, nil
}

// Alloc allocates a new descriptor table.
func (a *DescAllocator) Alloc(layout driver.DescLayout) (driver.DescTable, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cur == nil {
		p, err := a.grab()
		if err != nil {
			return nil, err
		}
		a.cur = p
	}
	t, err := a.cur.Alloc(layout)
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, driver.ErrPoolExhausted) && !errors.Is(err, driver.ErrFragmentedPool) {
		return nil, deviceError("Alloc", AnyQueue, err)
	}
	a.full = append(a.full, a.cur)
	a.cur = nil
	p, err := a.grab()
	if err != nil {
		return nil, err
	}
	a.cur = p
	if t, err = p.Alloc(layout); err != nil {
		return nil, deviceError("Alloc", AnyQueue, err)
	}
	return t, nil
}

// Pools returns the number of pools created so far.
func (a *DescAllocator) Pools() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := len(a.full) + len(a.free)
	if a.cur != nil {
		n++
	}
	return n
}

// Reset frees every table allocated from a.
// The pools are kept for reuse.
func (a *DescAllocator) Reset() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cur != nil {
		a.full = append(a.full, a.cur)
		a.cur = nil
	}
	var err error
	for _, p := range a.full {
		if e := p.Reset(); e != nil {
			err = errors.CombineErrors(err, deviceError("Reset", AnyQueue, e))
			p.Destroy()
			continue
		}
		a.free = append(a.free, p)
	}
	a.full = a.full[:0]
	return err
}

// Destroy destroys every pool of a.
func (a *DescAllocator) Destroy() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cur != nil {
		a.cur.Destroy()
		a.cur = nil
	}
	for _, s := range [2][]driver.DescPool{a.full, a.free} {
		for _, p := range s {
			p.Destroy()
		}
	}
	a.full = nil
	a.free = nil
}
