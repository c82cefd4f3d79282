// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package soft

import (
	"encoding/binary"
	"log/slog"
	"math"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/chewxy/math32"
	"github.com/cockroachdb/errors"
	"github.com/go-gl/mathgl/mgl32"
	"github.com/vkngwrapper/arsenal/memutils"

	"gviegas/rtcore/driver"
)

// Acceleration structure storage layout:
//
//	header | nodes | primitives
//
// Nodes are 32 bytes: min.xyz, a, max.xyz, b.
// Inner nodes store child indices in a and b.
// Leaf nodes store the first primitive in a and the
// primitive count, ORed with leafBit, in b.
// Bottom-level primitives are triangles (three positions,
// geometry index, primitive index, flags). Top-level
// primitives are copies of the instance records.
const (
	accelMagic   = 0x53415452
	headerSize   = 64
	nodeSize     = 32
	triSize      = 48
	scratchPrim  = 32
	leafBit      = 1 << 31
	leafMax      = 4
	triOpaqueBit = 1
)

type aabb struct {
	min, max mgl32.Vec3
}

func emptyAABB() aabb {
	inf := math32.Inf(1)
	return aabb{
		min: mgl32.Vec3{inf, inf, inf},
		max: mgl32.Vec3{-inf, -inf, -inf},
	}
}

func (b *aabb) grow(p mgl32.Vec3) {
	for i := range 3 {
		b.min[i] = math32.Min(b.min[i], p[i])
		b.max[i] = math32.Max(b.max[i], p[i])
	}
}

func (b *aabb) union(o *aabb) {
	b.grow(o.min)
	b.grow(o.max)
}

func (b *aabb) centroid() mgl32.Vec3 { return b.min.Add(b.max).Mul(0.5) }

// transform returns the bounds of b transformed by m.
func (b *aabb) transform(m mgl32.Mat4) aabb {
	t := emptyAABB()
	for i := range 8 {
		p := b.min
		if i&1 != 0 {
			p[0] = b.max[0]
		}
		if i&2 != 0 {
			p[1] = b.max[1]
		}
		if i&4 != 0 {
			p[2] = b.max[2]
		}
		t.grow(m.Mul4x1(p.Vec4(1)).Vec3())
	}
	return t
}

// accelStruct implements driver.AccelStruct.
type accelStruct struct {
	g    *gpu
	typ  driver.AccelType
	buf  *buffer
	off  int64
	size int64
	addr uint64

	mu    sync.Mutex
	built bool
	flags driver.BuildFlag
	used  int64

	destroyed atomic.Bool
}

// NewAccel implements driver.GPU.
func (g *gpu) NewAccel(typ driver.AccelType, buf driver.Buffer, off, size int64) (driver.AccelStruct, error) {
	if err := g.checkLost(); err != nil {
		return nil, err
	}
	b, ok := buf.(*buffer)
	switch {
	case !ok:
		return nil, errors.New("soft: NewAccel: invalid buffer")
	case b.usage&driver.UAccelStorage == 0:
		return nil, errors.New("soft: NewAccel: buffer lacks UAccelStorage usage")
	case off%int64(g.limits.AccelAlign) != 0:
		return nil, errors.Newf("soft: NewAccel: offset %d not aligned to %d", off, g.limits.AccelAlign)
	case size < headerSize || off < 0 || off+size > b.size:
		return nil, errors.Newf("soft: NewAccel: invalid range [%d, %d)", off, off+size)
	}
	as := &accelStruct{
		g:    g,
		typ:  typ,
		buf:  b,
		off:  off,
		size: size,
		addr: b.addr + uint64(off),
	}
	g.registerAccel(as)
	return as, nil
}

// Type implements driver.AccelStruct.
func (a *accelStruct) Type() driver.AccelType { return a.typ }

// Address implements driver.AccelStruct.
func (a *accelStruct) Address() uint64 { return a.addr }

// Size implements driver.AccelStruct.
func (a *accelStruct) Size() int64 { return a.size }

// Destroy implements driver.Destroyer.
func (a *accelStruct) Destroy() {
	if a.destroyed.CompareAndSwap(false, true) {
		a.g.unregisterAccel(a)
	}
}

// compactSize must be called with a.mu held.
func (a *accelStruct) compactSize() int64 {
	return int64(memutils.AlignUp(int(a.used), uint(a.g.limits.AccelAlign)))
}

func (a *accelStruct) storage() ([]byte, error) {
	if a.destroyed.Load() {
		return nil, errors.New("soft: use of destroyed acceleration structure")
	}
	return a.buf.rangeOf(a.off, a.size)
}

// AccelSizes implements driver.GPU.
func (g *gpu) AccelSizes(build *driver.AccelBuild) (driver.AccelSizes, error) {
	align := uint(g.limits.AccelAlign)
	switch build.Type {
	case driver.AccelBottom:
		if len(build.Triangles) == 0 {
			return driver.AccelSizes{}, errors.New("soft: bottom-level build with no geometry")
		}
		if len(build.Triangles) > g.limits.MaxGeometries {
			return driver.AccelSizes{}, errors.Newf("soft: geometry count %d exceeds limit", len(build.Triangles))
		}
		n := 0
		for i := range build.Triangles {
			t := &build.Triangles[i]
			if t.PrimCount <= 0 {
				return driver.AccelSizes{}, errors.Newf("soft: geometry %d has no primitives", i)
			}
			n += t.PrimCount
		}
		if n > g.limits.MaxPrimitives {
			return driver.AccelSizes{}, errors.Newf("soft: primitive count %d exceeds limit", n)
		}
		return driver.AccelSizes{
			Accel:   int64(memutils.AlignUp(headerSize+(2*n-1)*nodeSize+n*triSize, align)),
			Scratch: int64(memutils.AlignUp(n*scratchPrim, align)),
		}, nil
	case driver.AccelTop:
		n := build.Instances.Count
		if n < 0 || n > g.limits.MaxInstances {
			return driver.AccelSizes{}, errors.Newf("soft: invalid instance count %d", n)
		}
		return driver.AccelSizes{
			Accel:   int64(memutils.AlignUp(headerSize+max(2*n-1, 0)*nodeSize+n*driver.InstanceSize, align)),
			Scratch: int64(memutils.AlignUp(max(n, 1)*scratchPrim, align)),
		}, nil
	}
	return driver.AccelSizes{}, errors.Newf("soft: invalid acceleration structure type %d", build.Type)
}

// BuildAccel implements driver.CmdBuffer.
func (cb *cmdBuffer) BuildAccel(build *driver.AccelBuild) {
	g := cb.pool.g
	b := *build
	b.Triangles = append([]driver.GeomTriangles(nil), build.Triangles...)
	dst, ok := b.Dst.(*accelStruct)
	switch {
	case !ok:
		cb.record(nil, errors.New("soft: BuildAccel: invalid destination"))
		return
	case dst.typ != b.Type:
		cb.record(nil, errors.New("soft: BuildAccel: destination type mismatch"))
		return
	case b.ScratchAddr%uint64(g.limits.MinScratchAlign) != 0:
		cb.record(nil, errors.Newf("soft: BuildAccel: scratch address %#x not aligned to %d", b.ScratchAddr, g.limits.MinScratchAlign))
		return
	}
	sizes, err := g.AccelSizes(&b)
	if err != nil {
		cb.record(nil, err)
		return
	}
	if dst.size < sizes.Accel {
		cb.record(nil, errors.Newf("soft: BuildAccel: destination size %d less than required %d", dst.size, sizes.Accel))
		return
	}
	cb.record(func(int) error {
		if _, _, err := g.mem.resolve(b.ScratchAddr, sizes.Scratch); err != nil {
			return errors.Wrap(err, "soft: BuildAccel: scratch")
		}
		var (
			bounds []aabb
			prims  [][]byte
			err    error
		)
		if b.Type == driver.AccelBottom {
			bounds, prims, err = g.gatherTriangles(b.Triangles)
		} else {
			bounds, prims, err = g.gatherInstances(&b.Instances)
		}
		if err != nil {
			return err
		}
		dstData, err := dst.storage()
		if err != nil {
			return err
		}
		used := serialize(dstData, b.Type, b.Flags, bounds, prims)
		dst.mu.Lock()
		dst.built = true
		dst.flags = b.Flags
		dst.used = used
		dst.mu.Unlock()
		logger().Debug("soft: acceleration structure built",
			slog.Int("type", int(b.Type)),
			slog.Int("primitives", len(prims)),
			slog.Int64("used", used),
			slog.Int64("size", dst.size))
		return nil
	}, nil)
}

func vertexAt(data []byte, fmt driver.VertexFmt) (v mgl32.Vec3) {
	f := func(i int) float32 { return math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:])) }
	switch fmt {
	case driver.Float32x3:
		v = mgl32.Vec3{f(0), f(1), f(2)}
	case driver.Float32x2:
		v = mgl32.Vec3{f(0), f(1), 0}
	}
	return
}

func (g *gpu) gatherTriangles(geoms []driver.GeomTriangles) ([]aabb, [][]byte, error) {
	var bounds []aabb
	var prims [][]byte
	for gi := range geoms {
		t := &geoms[gi]
		var vsize int64
		switch t.VertexFmt {
		case driver.Float32x3:
			vsize = 12
		case driver.Float32x2:
			vsize = 8
		default:
			return nil, nil, errors.Newf("soft: unsupported vertex format %d", t.VertexFmt)
		}
		if t.IndexFmt != driver.Index16 && t.IndexFmt != driver.Index32 {
			return nil, nil, errors.Newf("soft: invalid index format %d", t.IndexFmt)
		}
		isz := int64(t.IndexFmt)
		idata, ib, err := g.mem.resolve(t.IndexAddr, int64(t.PrimCount)*3*isz)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "soft: geometry %d indices", gi)
		}
		vdata, vb, err := g.mem.resolve(t.VertexAddr, int64(t.MaxVertex)*t.VertexStride+vsize)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "soft: geometry %d vertices", gi)
		}
		if ib.usage&driver.UAccelInput == 0 || vb.usage&driver.UAccelInput == 0 {
			return nil, nil, errors.Newf("soft: geometry %d input lacks UAccelInput usage", gi)
		}
		for p := range t.PrimCount {
			rec := make([]byte, triSize)
			box := emptyAABB()
			for k := range 3 {
				var idx int64
				if isz == 2 {
					idx = int64(binary.LittleEndian.Uint16(idata[(int64(p)*3+int64(k))*2:]))
				} else {
					idx = int64(binary.LittleEndian.Uint32(idata[(int64(p)*3+int64(k))*4:]))
				}
				if idx > int64(t.MaxVertex) {
					return nil, nil, errors.Newf("soft: geometry %d index %d exceeds max vertex %d", gi, idx, t.MaxVertex)
				}
				v := vertexAt(vdata[idx*t.VertexStride:], t.VertexFmt)
				box.grow(v)
				putVec3(rec[k*12:], v)
			}
			binary.LittleEndian.PutUint32(rec[36:], uint32(gi))
			binary.LittleEndian.PutUint32(rec[40:], uint32(p))
			if t.Opaque {
				binary.LittleEndian.PutUint32(rec[44:], triOpaqueBit)
			}
			bounds = append(bounds, box)
			prims = append(prims, rec)
		}
	}
	return bounds, prims, nil
}

func (g *gpu) gatherInstances(inst *driver.GeomInstances) ([]aabb, [][]byte, error) {
	if inst.Count == 0 {
		return nil, nil, nil
	}
	data, _, err := g.mem.resolve(inst.Addr, int64(inst.Count)*driver.InstanceSize)
	if err != nil {
		return nil, nil, errors.Wrap(err, "soft: instances")
	}
	bounds := make([]aabb, inst.Count)
	prims := make([][]byte, inst.Count)
	for i := range inst.Count {
		rec := data[i*driver.InstanceSize : (i+1)*driver.InstanceSize]
		x := driver.DecodeInstance(rec)
		blas := g.accelAt(x.Ref)
		if blas == nil || blas.typ != driver.AccelBottom {
			return nil, nil, errors.Newf("soft: instance %d references unknown bottom-level structure %#x", i, x.Ref)
		}
		blas.mu.Lock()
		built := blas.built
		blas.mu.Unlock()
		if !built {
			return nil, nil, errors.Newf("soft: instance %d references unbuilt structure %#x", i, x.Ref)
		}
		st, err := blas.storage()
		if err != nil {
			return nil, nil, err
		}
		root := readBounds(st[16:])
		bounds[i] = root.transform(x.Mat4())
		prims[i] = append([]byte(nil), rec...)
	}
	return bounds, prims, nil
}

type node struct {
	box  aabb
	a, b uint32
}

// buildTree builds a BVH over the given bounds.
// It returns the nodes and the primitive order.
func buildTree(bounds []aabb) ([]node, []int) {
	order := make([]int, len(bounds))
	for i := range order {
		order[i] = i
	}
	if len(bounds) == 0 {
		return nil, order
	}
	nodes := make([]node, 0, 2*len(bounds)-1)
	var build func(start, end int) int
	build = func(start, end int) int {
		idx := len(nodes)
		nodes = append(nodes, node{})
		box := emptyAABB()
		cbox := emptyAABB()
		for _, i := range order[start:end] {
			box.union(&bounds[i])
			cbox.grow(bounds[i].centroid())
		}
		if end-start <= leafMax {
			nodes[idx] = node{box: box, a: uint32(start), b: uint32(end-start) | leafBit}
			return idx
		}
		ext := cbox.max.Sub(cbox.min)
		axis := 0
		if ext[1] > ext[axis] {
			axis = 1
		}
		if ext[2] > ext[axis] {
			axis = 2
		}
		slices.SortFunc(order[start:end], func(i, j int) int {
			ci, cj := bounds[i].centroid()[axis], bounds[j].centroid()[axis]
			switch {
			case ci < cj:
				return -1
			case ci > cj:
				return 1
			}
			return i - j
		})
		mid := (start + end) / 2
		left := build(start, mid)
		right := build(mid, end)
		nodes[idx] = node{box: box, a: uint32(left), b: uint32(right)}
		return idx
	}
	build(0, len(bounds))
	return nodes, order
}

func putVec3(b []byte, v mgl32.Vec3) {
	for i := range 3 {
		binary.LittleEndian.PutUint32(b[i*4:], math.Float32bits(v[i]))
	}
}

func readVec3(b []byte) (v mgl32.Vec3) {
	for i := range 3 {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return
}

func readBounds(b []byte) aabb {
	return aabb{min: readVec3(b), max: readVec3(b[12:])}
}

// serialize writes the structure into dst and returns the
// number of bytes used.
func serialize(dst []byte, typ driver.AccelType, flags driver.BuildFlag, bounds []aabb, prims [][]byte) int64 {
	nodes, order := buildTree(bounds)
	root := emptyAABB()
	if len(nodes) > 0 {
		root = nodes[0].box
	}
	le := binary.LittleEndian
	le.PutUint32(dst[0:], accelMagic)
	le.PutUint32(dst[4:], uint32(typ))
	le.PutUint32(dst[8:], uint32(len(nodes)))
	le.PutUint32(dst[12:], uint32(len(prims)))
	putVec3(dst[16:], root.min)
	putVec3(dst[28:], root.max)
	le.PutUint32(dst[40:], uint32(flags))
	off := headerSize
	for i := range nodes {
		n := &nodes[i]
		putVec3(dst[off:], n.box.min)
		le.PutUint32(dst[off+12:], n.a)
		putVec3(dst[off+16:], n.box.max)
		le.PutUint32(dst[off+28:], n.b)
		off += nodeSize
	}
	for _, i := range order {
		off += copy(dst[off:], prims[i])
	}
	le.PutUint64(dst[48:], uint64(off))
	return int64(off)
}

// CopyAccel implements driver.CmdBuffer.
func (cb *cmdBuffer) CopyAccel(param *driver.AccelCopy) {
	p := *param
	from, ok1 := p.From.(*accelStruct)
	to, ok2 := p.To.(*accelStruct)
	switch {
	case !ok1 || !ok2:
		cb.record(nil, errors.New("soft: CopyAccel: invalid structure"))
		return
	case from.typ != to.typ:
		cb.record(nil, errors.New("soft: CopyAccel: type mismatch"))
		return
	}
	cb.record(func(int) error {
		from.mu.Lock()
		built, used, flags := from.built, from.used, from.flags
		need := from.size
		if p.Compact {
			need = from.compactSize()
		}
		from.mu.Unlock()
		switch {
		case !built:
			return errors.New("soft: CopyAccel: source not built")
		case p.Compact && flags&driver.BuildAllowCompaction == 0:
			return errors.New("soft: CopyAccel: source not built with BuildAllowCompaction")
		case to.size < need:
			return errors.Newf("soft: CopyAccel: destination size %d less than %d", to.size, need)
		}
		src, err := from.storage()
		if err != nil {
			return err
		}
		dst, err := to.storage()
		if err != nil {
			return err
		}
		copy(dst, src[:used])
		to.mu.Lock()
		to.built = true
		to.used = used
		to.flags = flags
		to.mu.Unlock()
		return nil
	}, nil)
}

// AccelStats returns the number of nodes and primitives
// of a built acceleration structure created by this
// package.
func AccelStats(as driver.AccelStruct) (nodes, prims int, err error) {
	a := as.(*accelStruct)
	a.mu.Lock()
	built := a.built
	a.mu.Unlock()
	if !built {
		return 0, 0, errors.New("soft: acceleration structure not built")
	}
	st, err := a.storage()
	if err != nil {
		return 0, 0, err
	}
	if binary.LittleEndian.Uint32(st) != accelMagic {
		return 0, 0, errors.New("soft: corrupted acceleration structure")
	}
	return int(binary.LittleEndian.Uint32(st[8:])), int(binary.LittleEndian.Uint32(st[12:])), nil
}
