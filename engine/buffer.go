// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package engine

import (
	"log/slog"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/arsenal/memutils"

	"gviegas/rtcore/driver"
)

// Residency describes where buffer memory lives and how
// the CPU accesses it.
type Residency int

// Residencies.
const (
	// Host-visible memory written sequentially by the CPU.
	Upload Residency = iota
	// Host-visible memory read by the CPU.
	Readback
	// Device-local memory, not accessible by the CPU.
	DeviceLocal
)

func (r Residency) String() string {
	switch r {
	case Upload:
		return "upload"
	case Readback:
		return "readback"
	case DeviceLocal:
		return "device-local"
	}
	return "Residency(?)"
}

// memory returns the driver memory type and allocation
// flags of r.
func (r Residency) memory() (driver.Memory, memutils.AllocationCreateFlags) {
	switch r {
	case Upload:
		return driver.MHostUpload, memutils.AllocationCreateMapped | memutils.AllocationCreateHostAccessSequentialWrite
	case Readback:
		return driver.MHostReadback, memutils.AllocationCreateMapped | memutils.AllocationCreateHostAccessRandom
	}
	return driver.MDeviceLocal, 0
}

// WholeSize is used in Buffer.Map to map from the offset
// to the end of the buffer.
const WholeSize int64 = -1

// BufferSpec describes a Buffer.
type BufferSpec struct {
	Size      int64
	Usage     driver.Usage
	Residency Residency
}

// Buffer is a GPU buffer of fixed size.
type Buffer struct {
	d     *Device
	buf   driver.Buffer
	size  int64
	usage driver.Usage
	res   Residency
	addr  uint64
	id    resID

	mu        sync.Mutex
	mapped    []byte
	destroyed bool
	// Queue family that owns the buffer, or
	// driver.FamilyIgnored.
	family int
}

// NewBuffer creates a new Buffer.
// Host-visible buffers are persistently mapped by the
// driver; Map only hands out ranges of that memory.
func NewBuffer(d *Device, spec *BufferSpec) (*Buffer, error) {
	if spec.Size <= 0 {
		return nil, errors.Newf("engine: invalid buffer size %d", spec.Size)
	}
	mem, alloc := spec.Residency.memory()
	buf, err := d.gpu.NewBuffer(&driver.BufferDesc{
		Size:   spec.Size,
		Usage:  spec.Usage,
		Memory: mem,
		Alloc:  alloc,
	})
	if err != nil {
		return nil, deviceError("NewBuffer", AnyQueue, err)
	}
	b := &Buffer{
		d:      d,
		buf:    buf,
		size:   spec.Size,
		usage:  spec.Usage,
		res:    spec.Residency,
		family: driver.FamilyIgnored,
	}
	if spec.Usage&driver.UDeviceAddress != 0 {
		b.addr = buf.Address()
	}
	b.id = d.track("buffer", spec.Size)
	return b, nil
}

// emptyBuffer returns a Buffer of size 0 that has no
// driver buffer.
func emptyBuffer(d *Device, usage driver.Usage, res Residency) *Buffer {
	return &Buffer{d: d, usage: usage, res: res, family: driver.FamilyIgnored}
}

// Map returns the byte range [off, off+size) of a
// host-visible buffer. If size is WholeSize, the range
// extends to the end of the buffer.
// Mapping a buffer that is already mapped logs a warning
// and unmaps it first.
func (b *Buffer) Map(size, off int64) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch {
	case b.destroyed:
		return nil, ErrDestroyed
	case b.res == DeviceLocal:
		return nil, errors.New("engine: Map of device-local buffer")
	}
	if b.mapped != nil {
		Logger().Warn("engine: Map of mapped buffer; unmapping first", slog.Int64("size", b.size))
		b.mapped = nil
	}
	if size == WholeSize {
		size = b.size - off
	}
	if off < 0 || size < 0 || off+size > b.size {
		return nil, errors.Newf("engine: Map range [%d, %d) out of bounds (size %d)", off, off+size, b.size)
	}
	if b.buf == nil {
		return []byte{}, nil
	}
	data := b.buf.Bytes()
	if data == nil {
		return nil, deviceError("Map", AnyQueue, errors.New("buffer memory not mapped"))
	}
	b.mapped = data[off : off+size : off+size]
	return b.mapped, nil
}

// Unmap invalidates the range returned by Map.
// Unmapping a buffer that is not mapped logs a warning.
func (b *Buffer) Unmap() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unmap()
}

func (b *Buffer) unmap() {
	if b.mapped == nil {
		Logger().Warn("engine: Unmap of buffer that is not mapped", slog.Int64("size", b.size))
		return
	}
	b.mapped = nil
}

// IsMapped returns whether b is mapped.
func (b *Buffer) IsMapped() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.mapped != nil
}

// Write copies data into b at offset off.
func (b *Buffer) Write(data []byte, off int64) error {
	p, err := b.Map(int64(len(data)), off)
	if err != nil {
		return err
	}
	copy(p, data)
	b.Unmap()
	return nil
}

// Read copies len(dst) bytes of b at offset off into dst.
func (b *Buffer) Read(dst []byte, off int64) error {
	p, err := b.Map(int64(len(dst)), off)
	if err != nil {
		return err
	}
	copy(dst, p)
	b.Unmap()
	return nil
}

// Address returns the device address of b, or 0 if its
// usage does not include driver.UDeviceAddress.
func (b *Buffer) Address() uint64 { return b.addr }

// Size returns the size of b in bytes.
func (b *Buffer) Size() int64 { return b.size }

// Usage returns the usage of b.
func (b *Buffer) Usage() driver.Usage { return b.usage }

// Family returns the queue family that owns b, or
// driver.FamilyIgnored if its ownership was never
// transferred.
func (b *Buffer) Family() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.family
}

func (b *Buffer) setFamily(fam int) {
	b.mu.Lock()
	b.family = fam
	b.mu.Unlock()
}

// Residency returns the residency of b.
func (b *Buffer) Residency() Residency { return b.res }

// Driver returns the driver.Buffer of b.
// It is nil if b has size 0.
func (b *Buffer) Driver() driver.Buffer { return b.buf }

// Destroy destroys b.
// Destroying a mapped buffer logs a warning.
func (b *Buffer) Destroy() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.destroyed {
		return
	}
	if b.mapped != nil {
		Logger().Warn("engine: Destroy of mapped buffer", slog.Int64("size", b.size))
		b.mapped = nil
	}
	if b.buf != nil {
		b.buf.Destroy()
		b.buf = nil
		b.d.untrack(b.id)
	}
	b.destroyed = true
}
