// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package driver

import (
	"encoding/binary"
	"math"

	"github.com/go-gl/mathgl/mgl32"
)

// AccelType is the type of an acceleration structure.
type AccelType int

// Acceleration structure types.
const (
	// Bottom-level structure built from triangle geometry.
	AccelBottom AccelType = iota
	// Top-level structure built from instances of
	// bottom-level structures.
	AccelTop
)

// BuildFlag is a mask of acceleration structure build
// flags.
type BuildFlag int

// Build flags.
const (
	BuildFastTrace BuildFlag = 1 << iota
	BuildFastBuild
	BuildAllowCompaction
	BuildAllowUpdate
)

// GeomTriangles describes triangle geometry for use in a
// bottom-level build.
// Vertex positions are fetched from VertexAddr, VertexStride
// bytes apart. Indices are fetched from IndexAddr, three per
// primitive. Addresses are device addresses of buffers
// created with UAccelInput usage.
type GeomTriangles struct {
	VertexAddr   uint64
	VertexFmt    VertexFmt
	VertexStride int64
	MaxVertex    int
	IndexAddr    uint64
	IndexFmt     IndexFmt
	PrimCount    int
	Opaque       bool
}

// GeomInstances describes instance geometry for use in a
// top-level build.
// Addr is the device address of Count consecutive
// instance records (see AccelInstance).
type GeomInstances struct {
	Addr  uint64
	Count int
}

// AccelBuild describes the parameters of an acceleration
// structure build.
// Triangles is used for bottom-level builds and Instances
// for top-level builds.
type AccelBuild struct {
	Type        AccelType
	Flags       BuildFlag
	Triangles   []GeomTriangles
	Instances   GeomInstances
	Dst         AccelStruct
	ScratchAddr uint64
}

// AccelSizes describes the storage requirements of an
// acceleration structure build.
type AccelSizes struct {
	Accel   int64
	Scratch int64
}

// AccelCopy describes the parameters of a command that
// copies one acceleration structure into another.
// If Compact is set, then To must be at least as large
// as the compacted size of From.
type AccelCopy struct {
	From    AccelStruct
	To      AccelStruct
	Compact bool
}

// AccelStruct is the interface that defines an
// acceleration structure.
type AccelStruct interface {
	Destroyer

	// Type returns the type of the structure.
	Type() AccelType

	// Address returns the device address of the
	// structure. It is never 0.
	Address() uint64

	// Size returns the size of the structure's storage.
	Size() int64
}

// VertexFmt describes the format of vertex positions.
type VertexFmt int

// Vertex formats.
const (
	Float32x3 VertexFmt = iota
	Float32x2
	Float16x4
)

// IndexFmt describes the format of index buffer data.
type IndexFmt int

// Index formats.
const (
	Index16 IndexFmt = 2
	Index32 IndexFmt = 4
)

// InstanceFlag is a mask of instance flags.
type InstanceFlag uint8

// Instance flags.
const (
	InstTriangleFacingCullDisable InstanceFlag = 1 << iota
	InstTriangleFlipFacing
	InstForceOpaque
	InstForceNoOpaque
)

// InstanceSize is the size in bytes of an instance record.
const InstanceSize = 64

// AccelInstance is an instance record of a top-level
// acceleration structure.
// Transform is a row-major 3x4 affine transform.
// CustomIndex and SBTOffset are 24-bit values.
// Ref is the device address of a bottom-level structure.
type AccelInstance struct {
	Transform   [3][4]float32
	CustomIndex uint32
	Mask        uint8
	SBTOffset   uint32
	Flags       InstanceFlag
	Ref         uint64
}

// RowMajor3x4 returns the top three rows of m.
// m is column-major, so this is the transpose of its
// storage order.
func RowMajor3x4(m mgl32.Mat4) (t [3][4]float32) {
	for r := range 3 {
		for c := range 4 {
			t[r][c] = m.At(r, c)
		}
	}
	return
}

// Mat4 returns the instance transform as a column-major
// 4x4 matrix.
func (x *AccelInstance) Mat4() mgl32.Mat4 {
	m := mgl32.Ident4()
	for r := range 3 {
		for c := range 4 {
			m.Set(r, c, x.Transform[r][c])
		}
	}
	return m
}

// Encode writes the instance record into b, which must
// have at least InstanceSize bytes.
func (x *AccelInstance) Encode(b []byte) {
	_ = b[InstanceSize-1]
	for r := range 3 {
		for c := range 4 {
			binary.LittleEndian.PutUint32(b[(r*4+c)*4:], math.Float32bits(x.Transform[r][c]))
		}
	}
	binary.LittleEndian.PutUint32(b[48:], x.CustomIndex&0xffffff|uint32(x.Mask)<<24)
	binary.LittleEndian.PutUint32(b[52:], x.SBTOffset&0xffffff|uint32(x.Flags)<<24)
	binary.LittleEndian.PutUint64(b[56:], x.Ref)
}

// DecodeInstance reads an instance record from b, which
// must have at least InstanceSize bytes.
func DecodeInstance(b []byte) (x AccelInstance) {
	_ = b[InstanceSize-1]
	for r := range 3 {
		for c := range 4 {
			x.Transform[r][c] = math.Float32frombits(binary.LittleEndian.Uint32(b[(r*4+c)*4:]))
		}
	}
	u := binary.LittleEndian.Uint32(b[48:])
	x.CustomIndex = u & 0xffffff
	x.Mask = uint8(u >> 24)
	u = binary.LittleEndian.Uint32(b[52:])
	x.SBTOffset = u & 0xffffff
	x.Flags = InstanceFlag(u >> 24)
	x.Ref = binary.LittleEndian.Uint64(b[56:])
	return
}
