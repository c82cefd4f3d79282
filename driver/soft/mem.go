// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package soft

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/arsenal/memutils"

	"gviegas/rtcore/driver"
	"gviegas/rtcore/internal/bitvec"
)

const (
	pageSize = 4096
	// Address of the first page. Address 0 is never valid.
	addrBase = 1 << 32
	// Number of pages added to the vector at once.
	growPages = 64 * 64
)

// addrSpace manages the device address space of a GPU.
// Every buffer occupies a contiguous range of pages.
type addrSpace struct {
	mu     sync.Mutex
	pages  bitvec.V[uint64]
	owners []*buffer
	max    int
}

func newAddrSpace(size int64) *addrSpace {
	return &addrSpace{max: int(size / pageSize)}
}

// alloc reserves n pages for b.
func (m *addrSpace) alloc(b *buffer, n int) (page int, err error) {
	if n > m.max {
		return 0, driver.ErrNoDeviceMemory
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for {
		if idx, ok := m.pages.SearchRange(n); ok {
			m.pages.SetRange(idx, n)
			for i := idx; i < idx+n; i++ {
				m.owners[i] = b
			}
			return idx, nil
		}
		if m.pages.Len() >= m.max {
			return 0, driver.ErrNoDeviceMemory
		}
		nplus := max(growPages, memutils.AlignUp(n, growPages)) / 64
		m.pages.Grow(nplus)
		m.owners = append(m.owners, make([]*buffer, nplus*64)...)
	}
}

// free releases the pages reserved for b.
func (m *addrSpace) free(page, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pages.UnsetRange(page, n)
	for i := page; i < page+n; i++ {
		m.owners[i] = nil
	}
}

// resolve returns the buffer bytes in [addr, addr+size).
// The whole range must be contained in a single buffer.
func (m *addrSpace) resolve(addr uint64, size int64) ([]byte, *buffer, error) {
	if addr < addrBase || size < 0 {
		return nil, nil, errors.Newf("soft: invalid device address %#x", addr)
	}
	page := int((addr - addrBase) / pageSize)
	m.mu.Lock()
	var b *buffer
	if page < len(m.owners) {
		b = m.owners[page]
	}
	m.mu.Unlock()
	if b == nil {
		return nil, nil, errors.Newf("soft: device address %#x is not mapped", addr)
	}
	off := int64(addr - b.addr)
	if off+size > b.size {
		return nil, nil, errors.Newf("soft: device address range [%#x, %#x) out of bounds", addr, addr+uint64(size))
	}
	return b.data[off : off+size], b, nil
}

// buffer implements driver.Buffer.
type buffer struct {
	g      *gpu
	data   []byte
	size   int64
	usage  driver.Usage
	mem    driver.Memory
	mapped bool
	addr   uint64
	page   int
	npage  int

	own       ownership
	destroyed atomic.Bool
}

// ownership tracks queue family ownership of a resource.
type ownership struct {
	mu      sync.Mutex
	owner   int
	release int
}

func (o *ownership) init() {
	o.owner = driver.FamilyIgnored
	o.release = driver.FamilyIgnored
}

// transfer executes one half of an ownership transfer
// on family fam. It returns false if the transfer does
// not involve fam or if an acquire was not preceded by
// the matching release.
func (o *ownership) transfer(fam, before, after int) (acquired bool, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	switch fam {
	case before:
		o.release = after
		return false, nil
	case after:
		if o.release != after {
			return false, errors.Newf("soft: ownership acquire on family %d without prior release", after)
		}
		o.owner = after
		o.release = driver.FamilyIgnored
		return true, nil
	}
	return false, errors.Newf("soft: ownership transfer %d -> %d recorded on family %d", before, after, fam)
}

// check fails if the resource is owned by a family other
// than fam.
func (o *ownership) check(fam int) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.owner != driver.FamilyIgnored && o.owner != fam {
		return errors.Newf("soft: resource owned by family %d used on family %d", o.owner, fam)
	}
	return nil
}

// NewBuffer implements driver.GPU.
func (g *gpu) NewBuffer(desc *driver.BufferDesc) (driver.Buffer, error) {
	if err := g.checkLost(); err != nil {
		return nil, err
	}
	if desc.Size <= 0 {
		return nil, errors.Newf("soft: invalid buffer size %d", desc.Size)
	}
	seq := desc.Alloc&memutils.AllocationCreateHostAccessSequentialWrite != 0
	rnd := desc.Alloc&memutils.AllocationCreateHostAccessRandom != 0
	if seq && rnd {
		return nil, errors.New("soft: sequential write and random access are mutually exclusive")
	}
	if desc.Memory != driver.MDeviceLocal && !seq && !rnd {
		return nil, errors.New("soft: host-visible buffer requires a host access allocation flag")
	}
	b := &buffer{
		g:     g,
		size:  desc.Size,
		usage: desc.Usage,
		mem:   desc.Memory,
	}
	b.own.init()
	b.mapped = desc.Memory != driver.MDeviceLocal && desc.Alloc&memutils.AllocationCreateMapped != 0
	b.npage = memutils.AlignUp(int(desc.Size), pageSize) / pageSize
	page, err := g.mem.alloc(b, b.npage)
	if err != nil {
		return nil, err
	}
	b.page = page
	b.data = make([]byte, desc.Size)
	b.addr = addrBase + uint64(page)*pageSize
	logger().Debug("soft: buffer created",
		slog.Int64("size", b.size),
		slog.Int("memory", int(b.mem)),
		slog.Uint64("addr", b.addr))
	return b, nil
}

// Visible implements driver.Buffer.
func (b *buffer) Visible() bool { return b.mem != driver.MDeviceLocal }

// Bytes implements driver.Buffer.
func (b *buffer) Bytes() []byte {
	if !b.mapped {
		return nil
	}
	return b.data
}

// Size implements driver.Buffer.
func (b *buffer) Size() int64 { return b.size }

// Address implements driver.Buffer.
func (b *buffer) Address() uint64 {
	if b.usage&driver.UDeviceAddress == 0 {
		return 0
	}
	return b.addr
}

// Destroy implements driver.Destroyer.
func (b *buffer) Destroy() {
	if !b.destroyed.CompareAndSwap(false, true) {
		return
	}
	b.g.mem.free(b.page, b.npage)
	b.data = nil
}

// rangeOf validates and returns the buffer range
// [off, off+size).
func (b *buffer) rangeOf(off, size int64) ([]byte, error) {
	if b.destroyed.Load() {
		return nil, errors.New("soft: use of destroyed buffer")
	}
	if off < 0 || size < 0 || off+size > b.size {
		return nil, errors.Newf("soft: buffer range [%d, %d) out of bounds (size %d)", off, off+size, b.size)
	}
	return b.data[off : off+size], nil
}

// Owner returns the queue family that currently owns a
// buffer created by this package, or driver.FamilyIgnored
// if its ownership was never transferred.
func Owner(b driver.Buffer) int {
	u := b.(*buffer)
	u.own.mu.Lock()
	defer u.own.mu.Unlock()
	return u.own.owner
}
