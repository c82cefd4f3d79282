// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package engine

import (
	"log/slog"
	"strconv"
	"sync"

	"github.com/cockroachdb/errors"

	"gviegas/rtcore/driver"
	"gviegas/rtcore/internal/bitvec"
)

// InvalidIndex is the bindless index returned on failure.
// It is never handed out as a valid index.
const InvalidIndex = ^uint32(0)

// SlotKind identifies a partition of a BindlessHeap.
type SlotKind int

// Slot kinds. Each one is a binding of the heap's
// descriptor table, numbered as the constant.
const (
	SlotTexture SlotKind = iota
	SlotSampler
	SlotStorageImage
	SlotTLAS

	nSlotKind int = iota
)

func (k SlotKind) String() string {
	switch k {
	case SlotTexture:
		return "texture"
	case SlotSampler:
		return "sampler"
	case SlotStorageImage:
		return "storage image"
	case SlotTLAS:
		return "tlas"
	}
	return "SlotKind(" + strconv.Itoa(int(k)) + ")"
}

func (k SlotKind) descType() driver.DescType {
	switch k {
	case SlotSampler:
		return driver.DSampler
	case SlotStorageImage:
		return driver.DImage
	case SlotTLAS:
		return driver.DAccel
	}
	return driver.DTexture
}

// partition manages the indices of one binding.
// Free indices are handed out in FIFO order, so a freed
// index is reused as late as possible.
type partition struct {
	mu   sync.Mutex
	ring []uint32
	head int
	n    int
	live bitvec.V[uint32]
}

func newPartition(capacity int) *partition {
	p := &partition{ring: make([]uint32, capacity), n: capacity}
	for i := range p.ring {
		p.ring[i] = uint32(i)
	}
	p.live.Grow((capacity + 31) / 32)
	return p
}

func (p *partition) alloc() (uint32, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.n == 0 {
		return InvalidIndex, false
	}
	i := p.ring[p.head]
	p.head = (p.head + 1) % len(p.ring)
	p.n--
	p.live.Set(int(i))
	return i, true
}

// free returns i to the free list. clear is called while
// i is still out of the list, so a concurrent alloc cannot
// observe i before clear returns.
func (p *partition) free(i uint32, clear func()) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if int64(i) >= int64(len(p.ring)) || !p.live.IsSet(int(i)) {
		return false
	}
	if clear != nil {
		clear()
	}
	p.live.Unset(int(i))
	p.ring[(p.head+p.n)%len(p.ring)] = i
	p.n++
	return true
}

// mark makes i live without taking it from the free list.
// Used for fixed slots.
func (p *partition) mark(i uint32) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if int64(i) >= int64(len(p.ring)) {
		return false
	}
	p.live.Set(int(i))
	return true
}

func (p *partition) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.live.Len() - p.live.Rem()
}

// BindlessHeap is a single descriptor table holding every
// texture, sampler, storage image and top-level
// acceleration structure that shaders access by index.
//
// Textures and samplers are registered and unregistered
// dynamically. Storage images and acceleration structures
// use fixed slots.
type BindlessHeap struct {
	d      *Device
	layout driver.DescLayout
	alloc  *DescAllocator
	table  driver.DescTable
	parts  [nSlotKind]*partition
	id     resID
}

// NewBindlessHeap creates a new BindlessHeap.
// A nil cfg means d.Config().Heap.
func NewBindlessHeap(d *Device, cfg *HeapConfig) (*BindlessHeap, error) {
	c := d.cfg.Heap
	if cfg != nil {
		c = *cfg
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	caps := [nSlotKind]int{c.Textures, c.Samplers, c.StorageImages, c.TLAS}
	bindings := make([]driver.DescBinding, nSlotKind)
	ratios := make([]PoolRatio, nSlotKind)
	for i := range nSlotKind {
		k := SlotKind(i)
		bindings[i] = driver.DescBinding{
			Nr:     i,
			Type:   k.descType(),
			Count:  caps[i],
			Stages: driver.SAllStages,
			Flags:  driver.DPartiallyBound | driver.DUpdateAfterBind,
		}
		ratios[i] = PoolRatio{k.descType(), float32(caps[i])}
	}
	layout, err := d.gpu.NewDescLayout(bindings)
	if err != nil {
		return nil, deviceError("NewDescLayout", AnyQueue, err)
	}
	alloc := NewDescAllocator(d, &DescAllocSpec{
		MaxSets:         1,
		Ratios:          ratios,
		UpdateAfterBind: true,
	})
	table, err := alloc.Alloc(layout)
	if err != nil {
		alloc.Destroy()
		layout.Destroy()
		return nil, err
	}
	h := &BindlessHeap{
		d:      d,
		layout: layout,
		alloc:  alloc,
		table:  table,
	}
	for i := range nSlotKind {
		h.parts[i] = newPartition(caps[i])
	}
	h.id = d.track("bindless heap", 0)
	Logger().Debug("engine: bindless heap created",
		slog.Int("textures", c.Textures),
		slog.Int("samplers", c.Samplers),
		slog.Int("storageImages", c.StorageImages),
		slog.Int("tlas", c.TLAS))
	return h, nil
}

func (h *BindlessHeap) register(k SlotKind) (uint32, error) {
	i, ok := h.parts[k].alloc()
	if !ok {
		Logger().Warn("engine: bindless heap is full", slog.String("kind", k.String()))
		return InvalidIndex, errors.Wrapf(ErrHeapFull, "engine: no %s slot left", k)
	}
	return i, nil
}

func (h *BindlessHeap) unregister(k SlotKind, index uint32, clear func()) error {
	if !h.parts[k].free(index, clear) {
		Logger().Warn("engine: unregister of invalid bindless index",
			slog.String("kind", k.String()),
			slog.Uint64("index", uint64(index)))
		return errors.Wrapf(ErrInvalidIndex, "engine: %s index %d", k, index)
	}
	return nil
}

// RegisterTexture writes view into a free texture slot
// and returns its index. The view must be in
// driver.LShaderRead layout when accessed.
// If no slot is free, it returns InvalidIndex and an
// error matching ErrHeapFull.
func (h *BindlessHeap) RegisterTexture(view driver.ImageView) (uint32, error) {
	i, err := h.register(SlotTexture)
	if err != nil {
		return i, err
	}
	h.table.SetImage(int(SlotTexture), int(i), []driver.ImageView{view}, driver.LShaderRead)
	return i, nil
}

// UnregisterTexture frees a texture slot.
// The descriptor must no longer be in use by the GPU.
func (h *BindlessHeap) UnregisterTexture(index uint32) error {
	return h.unregister(SlotTexture, index, func() {
		h.table.SetImage(int(SlotTexture), int(index), []driver.ImageView{nil}, driver.LShaderRead)
	})
}

// RegisterSampler writes s into a free sampler slot and
// returns its index.
// If no slot is free, it returns InvalidIndex and an
// error matching ErrHeapFull.
func (h *BindlessHeap) RegisterSampler(s driver.Sampler) (uint32, error) {
	i, err := h.register(SlotSampler)
	if err != nil {
		return i, err
	}
	h.table.SetSampler(int(SlotSampler), int(i), []driver.Sampler{s})
	return i, nil
}

// UnregisterSampler frees a sampler slot.
// The descriptor must no longer be in use by the GPU.
func (h *BindlessHeap) UnregisterSampler(index uint32) error {
	return h.unregister(SlotSampler, index, func() {
		h.table.SetSampler(int(SlotSampler), int(index), []driver.Sampler{nil})
	})
}

// UpdateStorageImage writes view into the storage image
// slot at index. The view must be in driver.LGeneral
// layout when accessed.
func (h *BindlessHeap) UpdateStorageImage(index uint32, view driver.ImageView) error {
	if !h.parts[SlotStorageImage].mark(index) {
		return errors.Wrapf(ErrInvalidIndex, "engine: storage image index %d", index)
	}
	h.table.SetImage(int(SlotStorageImage), int(index), []driver.ImageView{view}, driver.LGeneral)
	return nil
}

// UpdateTLAS writes as into the first acceleration
// structure slot.
func (h *BindlessHeap) UpdateTLAS(as *AccelStruct) error {
	if as.Kind() != TLAS {
		return errors.Newf("engine: UpdateTLAS of %s", as.Kind())
	}
	if as.Driver() == nil {
		return ErrDestroyed
	}
	h.parts[SlotTLAS].mark(0)
	h.table.SetAccel(int(SlotTLAS), 0, []driver.AccelStruct{as.Driver()})
	return nil
}

// Bind records the binding of the heap's descriptor table
// into cb.
func (h *BindlessHeap) Bind(cb driver.CmdBuffer, bp driver.BindPoint, set int) {
	cb.SetDescTable(bp, set, h.table)
}

// Layout returns the descriptor layout of the heap, for
// use in pipeline layouts.
func (h *BindlessHeap) Layout() driver.DescLayout { return h.layout }

// Table returns the descriptor table of the heap.
func (h *BindlessHeap) Table() driver.DescTable { return h.table }

// Live returns the number of live slots of kind k.
func (h *BindlessHeap) Live(k SlotKind) int { return h.parts[k].count() }

// Capacity returns the number of slots of kind k.
func (h *BindlessHeap) Capacity(k SlotKind) int { return len(h.parts[k].ring) }

// Destroy destroys h.
func (h *BindlessHeap) Destroy() {
	if h.alloc != nil {
		h.alloc.Destroy()
		h.layout.Destroy()
		h.d.untrack(h.id)
		h.alloc = nil
		h.table = nil
	}
}
