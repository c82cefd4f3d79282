// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package engine

import (
	"log/slog"

	"github.com/cockroachdb/errors"
	"github.com/go-gl/mathgl/mgl32"
	"github.com/vkngwrapper/arsenal/memutils"

	"gviegas/rtcore/driver"
)

// AccelKind is the kind of an AccelStruct.
type AccelKind int

// Acceleration structure kinds.
const (
	BLAS AccelKind = iota
	TLAS
)

func (k AccelKind) String() string {
	if k == TLAS {
		return "TLAS"
	}
	return "BLAS"
}

func (k AccelKind) driverType() driver.AccelType {
	if k == TLAS {
		return driver.AccelTop
	}
	return driver.AccelBottom
}

// AccelStruct is a bottom-level (BLAS) or top-level (TLAS)
// acceleration structure.
// A BLAS must outlive every TLAS that instances it.
type AccelStruct struct {
	kind AccelKind
	buf  *Buffer
	as   driver.AccelStruct
	addr uint64
}

// Kind returns the kind of a.
func (a *AccelStruct) Kind() AccelKind { return a.kind }

// Address returns the device address of a.
func (a *AccelStruct) Address() uint64 { return a.addr }

// Size returns the size of a's storage in bytes.
func (a *AccelStruct) Size() int64 { return a.buf.Size() }

// Buffer returns the buffer that backs a.
func (a *AccelStruct) Buffer() *Buffer { return a.buf }

// Driver returns the driver.AccelStruct of a.
// It is nil after Destroy.
func (a *AccelStruct) Driver() driver.AccelStruct { return a.as }

// Destroy destroys a and its backing buffer.
func (a *AccelStruct) Destroy() {
	if a.as != nil {
		a.as.Destroy()
		a.as = nil
		a.buf.Destroy()
	}
}

// Geometry describes indexed triangles for NewBLAS.
// Vertex and Index must have been created with
// driver.UDeviceAddress and driver.UAccelInput usage,
// and must be owned by the compute queue.
type Geometry struct {
	Vertex       *Buffer
	VertexStride int64
	VertexFmt    driver.VertexFmt
	VertexCount  int
	VertexOffset int64
	Index        *Buffer
	IndexOffset  int64
	IndexCount   int
	// Zero means driver.Index32.
	IndexFmt driver.IndexFmt
	Opaque   bool
}

// Instance describes an instance of a BLAS for NewTLAS.
type Instance struct {
	BLAS *AccelStruct
	// Zero means identity.
	Transform   mgl32.Mat4
	CustomIndex uint32
	// Zero means 0xff.
	Mask      uint8
	SBTOffset uint32
	// Zero means driver.InstTriangleFacingCullDisable.
	Flags driver.InstanceFlag
}

// builder tracks the resources of a build so that they
// can be released if it fails.
type builder struct {
	d       *Device
	kind    AccelKind
	cleanup []func()
}

func (b *builder) add(fn func()) { b.cleanup = append(b.cleanup, fn) }

func (b *builder) release() {
	for i := len(b.cleanup) - 1; i >= 0; i-- {
		b.cleanup[i]()
	}
	b.cleanup = nil
}

func (b *builder) fail(step BuildStep, err error) error {
	b.release()
	Logger().Warn("engine: acceleration structure build failed",
		slog.String("kind", b.kind.String()),
		slog.String("step", step.String()),
		slog.Any("err", err))
	return &BuildError{Kind: b.kind, Step: step, Err: err}
}

// storage allocates a buffer of the given size and creates
// an acceleration structure on it.
func (b *builder) storage(size int64) (*Buffer, driver.AccelStruct, error) {
	buf, err := NewBuffer(b.d, &BufferSpec{
		Size:      size,
		Usage:     driver.UAccelStorage | driver.UDeviceAddress,
		Residency: DeviceLocal,
	})
	if err != nil {
		return nil, nil, err
	}
	as, err := b.d.gpu.NewAccel(b.kind.driverType(), buf.buf, 0, size)
	if err != nil {
		buf.Destroy()
		return nil, nil, deviceError("NewAccel", AnyQueue, err)
	}
	return buf, as, nil
}

// scratch allocates a scratch buffer and returns it
// along with its first address aligned to
// Limits.MinScratchAlign.
func (b *builder) scratch(size int64) (*Buffer, uint64, error) {
	align := uint(max(b.d.limits.MinScratchAlign, 1))
	n := memutils.AlignUp(int(size), align) + int(align)
	buf, err := NewBuffer(b.d, &BufferSpec{
		Size:      int64(n),
		Usage:     driver.UShaderWrite | driver.UDeviceAddress,
		Residency: DeviceLocal,
	})
	if err != nil {
		return nil, 0, err
	}
	addr := uint64(memutils.AlignUp(int(buf.Address()), align))
	return buf, addr, nil
}

func accelBarrier() []driver.Barrier {
	return []driver.Barrier{{
		SyncBefore:   driver.SAccelBuild,
		SyncAfter:    driver.SAccelBuild | driver.SRayTracing,
		AccessBefore: driver.AAccelWrite,
		AccessAfter:  driver.AAccelRead,
	}}
}

// describe converts geoms into driver triangle geometry.
func describe(geoms []Geometry) ([]driver.GeomTriangles, error) {
	if len(geoms) == 0 {
		return nil, errors.New("engine: BLAS with no geometry")
	}
	tris := make([]driver.GeomTriangles, len(geoms))
	for i := range geoms {
		g := &geoms[i]
		switch {
		case g.Vertex == nil || g.Index == nil:
			return nil, errors.Newf("engine: geometry %d: missing vertex or index buffer", i)
		case g.Vertex.Address() == 0 || g.Index.Address() == 0:
			return nil, errors.Newf("engine: geometry %d: buffers lack driver.UDeviceAddress usage", i)
		case g.VertexCount <= 0:
			return nil, errors.Newf("engine: geometry %d: invalid vertex count %d", i, g.VertexCount)
		case g.IndexCount <= 0 || g.IndexCount%3 != 0:
			return nil, errors.Newf("engine: geometry %d: index count %d is not a positive multiple of 3", i, g.IndexCount)
		}
		stride := g.VertexStride
		if stride == 0 {
			stride = 12
			if g.VertexFmt == driver.Float32x2 {
				stride = 8
			}
		}
		ifmt := g.IndexFmt
		if ifmt == 0 {
			ifmt = driver.Index32
		}
		tris[i] = driver.GeomTriangles{
			VertexAddr:   g.Vertex.Address() + uint64(g.VertexOffset),
			VertexFmt:    g.VertexFmt,
			VertexStride: stride,
			MaxVertex:    g.VertexCount - 1,
			IndexAddr:    g.Index.Address() + uint64(g.IndexOffset),
			IndexFmt:     ifmt,
			PrimCount:    g.IndexCount / 3,
			Opaque:       g.Opaque,
		}
	}
	return tris, nil
}

// NewBLAS builds a compacted bottom-level acceleration
// structure from geoms on the compute queue.
// It blocks until the build completes.
// On failure, it returns a *BuildError.
func NewBLAS(d *Device, geoms []Geometry) (*AccelStruct, error) {
	b := &builder{d: d, kind: BLAS}
	tris, err := describe(geoms)
	if err != nil {
		return nil, b.fail(StepDescribe, err)
	}
	build := driver.AccelBuild{
		Type:      driver.AccelBottom,
		Flags:     driver.BuildFastTrace | driver.BuildAllowCompaction,
		Triangles: tris,
	}
	sizes, err := d.gpu.AccelSizes(&build)
	if err != nil {
		return nil, b.fail(StepSizes, deviceError("AccelSizes", Compute, err))
	}

	buf, as, err := b.storage(sizes.Accel)
	if err != nil {
		return nil, b.fail(StepAlloc, err)
	}
	b.add(func() { as.Destroy(); buf.Destroy() })
	scratch, scratchAddr, err := b.scratch(sizes.Scratch)
	if err != nil {
		return nil, b.fail(StepAlloc, err)
	}
	b.add(scratch.Destroy)
	query, err := d.gpu.NewQueryPool(driver.QCompactedSize, 1)
	if err != nil {
		return nil, b.fail(StepAlloc, deviceError("NewQueryPool", Compute, err))
	}
	b.add(query.Destroy)

	build.Dst = as
	build.ScratchAddr = scratchAddr
	err = d.Execute(Compute, func(cb driver.CmdBuffer) error {
		cb.ResetQuery(query, 0, 1)
		cb.BuildAccel(&build)
		cb.Barrier(accelBarrier())
		cb.WriteAccelSize(as, query, 0)
		return nil
	})
	if err != nil {
		return nil, b.fail(StepBuild, err)
	}
	res, err := query.Results(0, 1)
	if err != nil {
		return nil, b.fail(StepQuery, deviceError("Results", Compute, err))
	}
	compact := int64(res[0])
	if compact <= 0 || compact > sizes.Accel {
		return nil, b.fail(StepQuery, errors.AssertionFailedf("compacted size %d out of range (0, %d]", compact, sizes.Accel))
	}

	cbuf, cas, err := b.storage(compact)
	if err != nil {
		return nil, b.fail(StepCompact, err)
	}
	err = d.Execute(Compute, func(cb driver.CmdBuffer) error {
		cb.CopyAccel(&driver.AccelCopy{From: as, To: cas, Compact: true})
		cb.Barrier(accelBarrier())
		return nil
	})
	if err != nil {
		cas.Destroy()
		cbuf.Destroy()
		return nil, b.fail(StepCompact, err)
	}
	b.release()

	Logger().Debug("engine: BLAS built",
		slog.Int("geometries", len(geoms)),
		slog.Int64("size", sizes.Accel),
		slog.Int64("compacted", compact),
		slog.Float64("ratio", float64(compact)/float64(sizes.Accel)))
	return &AccelStruct{kind: BLAS, buf: cbuf, as: cas, addr: cas.Address()}, nil
}

// BuildBLASes builds one BLAS per mesh. It returns the
// structures and the errors of every mesh, so that meshes
// which fail to build can be skipped.
func BuildBLASes(d *Device, meshes [][]Geometry) ([]*AccelStruct, []error) {
	as := make([]*AccelStruct, len(meshes))
	errs := make([]error, len(meshes))
	for i := range meshes {
		as[i], errs[i] = NewBLAS(d, meshes[i])
	}
	return as, errs
}

// instanceRecords encodes instances as driver instance
// records.
func instanceRecords(instances []Instance) ([]byte, error) {
	data := make([]byte, len(instances)*driver.InstanceSize)
	for i := range instances {
		x := &instances[i]
		switch {
		case x.BLAS == nil:
			return nil, errors.Newf("engine: instance %d has no BLAS", i)
		case x.BLAS.Kind() != BLAS:
			return nil, errors.Newf("engine: instance %d references a %s", i, x.BLAS.Kind())
		case x.BLAS.Driver() == nil:
			return nil, errors.Wrapf(ErrDestroyed, "engine: instance %d", i)
		}
		m := x.Transform
		if m == (mgl32.Mat4{}) {
			m = mgl32.Ident4()
		}
		rec := driver.AccelInstance{
			Transform:   driver.RowMajor3x4(m),
			CustomIndex: x.CustomIndex,
			Mask:        x.Mask,
			SBTOffset:   x.SBTOffset,
			Flags:       x.Flags,
			Ref:         x.BLAS.Address(),
		}
		if rec.Mask == 0 {
			rec.Mask = 0xff
		}
		if rec.Flags == 0 {
			rec.Flags = driver.InstTriangleFacingCullDisable
		}
		rec.Encode(data[i*driver.InstanceSize:])
	}
	return data, nil
}

// NewTLAS builds a top-level acceleration structure from
// instances on the compute queue. Instance records are
// staged into a device-local buffer owned by the compute
// queue. It blocks until the build completes.
// On failure, it returns a *BuildError.
func NewTLAS(d *Device, instances []Instance) (*AccelStruct, error) {
	b := &builder{d: d, kind: TLAS}
	data, err := instanceRecords(instances)
	if err != nil {
		return nil, b.fail(StepDescribe, err)
	}
	inst, err := Stage(d, data, &StageSpec{
		Usage:    driver.UAccelInput | driver.UDeviceAddress,
		DstQueue: Compute,
	})
	if err != nil {
		return nil, b.fail(StepStage, err)
	}
	b.add(inst.Destroy)
	build := driver.AccelBuild{
		Type:  driver.AccelTop,
		Flags: driver.BuildFastTrace,
		Instances: driver.GeomInstances{
			Addr:  inst.Address(),
			Count: len(instances),
		},
	}
	sizes, err := d.gpu.AccelSizes(&build)
	if err != nil {
		return nil, b.fail(StepSizes, deviceError("AccelSizes", Compute, err))
	}

	buf, as, err := b.storage(sizes.Accel)
	if err != nil {
		return nil, b.fail(StepAlloc, err)
	}
	built := false
	b.add(func() {
		if !built {
			as.Destroy()
			buf.Destroy()
		}
	})
	scratch, scratchAddr, err := b.scratch(sizes.Scratch)
	if err != nil {
		return nil, b.fail(StepAlloc, err)
	}
	b.add(scratch.Destroy)

	build.Dst = as
	build.ScratchAddr = scratchAddr
	err = d.Execute(Compute, func(cb driver.CmdBuffer) error {
		cb.BuildAccel(&build)
		cb.Barrier(accelBarrier())
		return nil
	})
	if err != nil {
		return nil, b.fail(StepBuild, err)
	}
	built = true
	b.release()

	Logger().Debug("engine: TLAS built",
		slog.Int("instances", len(instances)),
		slog.Int64("size", sizes.Accel))
	return &AccelStruct{kind: TLAS, buf: buf, as: as, addr: as.Address()}, nil
}
