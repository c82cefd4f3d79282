// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package soft

import (
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"

	"gviegas/rtcore/driver"
)

// descLayout implements driver.DescLayout.
type descLayout struct {
	bindings []driver.DescBinding
	uab      bool
}

// NewDescLayout implements driver.GPU.
func (g *gpu) NewDescLayout(bindings []driver.DescBinding) (driver.DescLayout, error) {
	if err := g.checkLost(); err != nil {
		return nil, err
	}
	l := &descLayout{bindings: append([]driver.DescBinding(nil), bindings...)}
	total := make(map[driver.DescType]int)
	for i, b := range l.bindings {
		if b.Count < 1 {
			return nil, errors.Newf("soft: binding %d has invalid count %d", b.Nr, b.Count)
		}
		for _, x := range l.bindings[:i] {
			if x.Nr == b.Nr {
				return nil, errors.Newf("soft: duplicate binding %d", b.Nr)
			}
		}
		if b.Flags&driver.DUpdateAfterBind != 0 {
			l.uab = true
		}
		total[b.Type] += b.Count
	}
	for typ, n := range total {
		var lim int
		switch typ {
		case driver.DTexture:
			lim = g.limits.MaxDTexture
		case driver.DSampler:
			lim = g.limits.MaxDSampler
		case driver.DImage:
			lim = g.limits.MaxDImage
		case driver.DAccel:
			lim = g.limits.MaxDAccel
		default:
			continue
		}
		if n > lim {
			return nil, errors.Newf("soft: %d descriptors of type %d exceed limit %d", n, typ, lim)
		}
	}
	return l, nil
}

// Bindings implements driver.DescLayout.
func (l *descLayout) Bindings() []driver.DescBinding { return l.bindings }

// Destroy implements driver.Destroyer.
func (l *descLayout) Destroy() {}

func (l *descLayout) binding(nr int) *driver.DescBinding {
	for i := range l.bindings {
		if l.bindings[i].Nr == nr {
			return &l.bindings[i]
		}
	}
	return nil
}

// descPool implements driver.DescPool.
type descPool struct {
	g    *gpu
	desc driver.DescPoolDesc
	used map[driver.DescType]int
	sets int
}

// NewDescPool implements driver.GPU.
func (g *gpu) NewDescPool(desc *driver.DescPoolDesc) (driver.DescPool, error) {
	if err := g.checkLost(); err != nil {
		return nil, err
	}
	if desc.MaxSets < 1 {
		return nil, errors.Newf("soft: invalid max sets %d", desc.MaxSets)
	}
	d := *desc
	d.Sizes = make(map[driver.DescType]int, len(desc.Sizes))
	for k, v := range desc.Sizes {
		d.Sizes[k] = v
	}
	return &descPool{g: g, desc: d, used: make(map[driver.DescType]int)}, nil
}

// Alloc implements driver.DescPool.
func (p *descPool) Alloc(layout driver.DescLayout) (driver.DescTable, error) {
	if err := p.g.checkLost(); err != nil {
		return nil, err
	}
	l, ok := layout.(*descLayout)
	if !ok {
		return nil, errors.New("soft: Alloc: invalid layout")
	}
	if l.uab && !p.desc.UpdateAfterBind {
		return nil, errors.New("soft: Alloc: update-after-bind layout requires an update-after-bind pool")
	}
	if p.sets >= p.desc.MaxSets {
		return nil, driver.ErrPoolExhausted
	}
	need := make(map[driver.DescType]int)
	for _, b := range l.bindings {
		need[b.Type] += b.Count
	}
	for typ, n := range need {
		if p.used[typ]+n > p.desc.Sizes[typ] {
			return nil, driver.ErrPoolExhausted
		}
	}
	for typ, n := range need {
		p.used[typ] += n
	}
	p.sets++
	t := &descTable{g: p.g, layout: l, entries: make(map[int][]any, len(l.bindings))}
	for _, b := range l.bindings {
		t.entries[b.Nr] = make([]any, b.Count)
	}
	return t, nil
}

// Reset implements driver.DescPool.
func (p *descPool) Reset() error {
	clear(p.used)
	p.sets = 0
	return nil
}

// Destroy implements driver.Destroyer.
func (p *descPool) Destroy() {}

// descTable implements driver.DescTable.
type descTable struct {
	g      *gpu
	layout *descLayout
	bound  atomic.Bool

	mu      sync.Mutex
	entries map[int][]any
}

// Layout implements driver.DescTable.
func (t *descTable) Layout() driver.DescLayout { return t.layout }

func (t *descTable) set(nr, start int, typ []driver.DescType, vals []any) {
	b := t.layout.binding(nr)
	var err error
	switch {
	case b == nil:
		err = errors.Newf("soft: no binding %d", nr)
	case !hasType(typ, b.Type):
		err = errors.Newf("soft: binding %d has type %d", nr, b.Type)
	case start < 0 || start+len(vals) > b.Count:
		err = errors.Newf("soft: binding %d range [%d, %d) out of bounds", nr, start, start+len(vals))
	case t.bound.Load() && b.Flags&driver.DUpdateAfterBind == 0:
		err = errors.Newf("soft: binding %d updated after bind", nr)
	}
	if err != nil {
		t.g.invalid(err)
		return
	}
	t.mu.Lock()
	copy(t.entries[nr][start:], vals)
	t.mu.Unlock()
}

func hasType(s []driver.DescType, x driver.DescType) bool {
	for _, t := range s {
		if t == x {
			return true
		}
	}
	return false
}

type bufferRange struct {
	buf       driver.Buffer
	off, size int64
}

type imageDesc struct {
	view   driver.ImageView
	layout driver.Layout
}

// SetBuffer implements driver.DescTable.
func (t *descTable) SetBuffer(nr, start int, buf []driver.Buffer, off, size []int64) {
	vals := make([]any, len(buf))
	for i := range buf {
		vals[i] = bufferRange{buf[i], off[i], size[i]}
	}
	t.set(nr, start, []driver.DescType{driver.DBuffer, driver.DConstant}, vals)
}

// SetImage implements driver.DescTable.
func (t *descTable) SetImage(nr, start int, iv []driver.ImageView, layout driver.Layout) {
	vals := make([]any, len(iv))
	for i := range iv {
		if iv[i] != nil {
			vals[i] = imageDesc{iv[i], layout}
		}
	}
	t.set(nr, start, []driver.DescType{driver.DImage, driver.DTexture}, vals)
}

// SetSampler implements driver.DescTable.
func (t *descTable) SetSampler(nr, start int, splr []driver.Sampler) {
	vals := make([]any, len(splr))
	for i := range splr {
		if splr[i] != nil {
			vals[i] = splr[i]
		}
	}
	t.set(nr, start, []driver.DescType{driver.DSampler}, vals)
}

// SetAccel implements driver.DescTable.
func (t *descTable) SetAccel(nr, start int, as []driver.AccelStruct) {
	vals := make([]any, len(as))
	for i := range as {
		if as[i] != nil {
			vals[i] = as[i]
		}
	}
	t.set(nr, start, []driver.DescType{driver.DAccel}, vals)
}

// Descriptor returns the resource written to a descriptor
// of a table created by this package, or nil if the
// descriptor was never written.
// The result is a driver.ImageView, driver.Sampler,
// driver.AccelStruct or driver.Buffer.
func Descriptor(table driver.DescTable, nr, index int) any {
	t := table.(*descTable)
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.entries[nr]
	if index < 0 || index >= len(e) {
		return nil
	}
	switch x := e[index].(type) {
	case imageDesc:
		return x.view
	case bufferRange:
		return x.buf
	default:
		return x
	}
}
