// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package driver

import (
	"time"

	"github.com/vkngwrapper/arsenal/memutils"
)

// GPU is the main interface to an underlying driver
// implementation (i.e., a logical device).
// It is used to create other types and to execute commands.
// A GPU is obtained from a call to Adapter.Open.
type GPU interface {
	Destroyer

	// Adapter returns the Adapter that created the GPU.
	Adapter() Adapter

	// Queue returns the queue created for the given
	// family, or nil if the GPU was not created with
	// such a family.
	Queue(family int) Queue

	// NewSemaphore creates a new semaphore.
	// Timeline semaphores start with the initial value.
	// Binary semaphores ignore it and start unsignaled.
	NewSemaphore(timeline bool, initial uint64) (Semaphore, error)

	// Wait blocks until every timeline semaphore in ops
	// reaches its respective value.
	// A negative timeout means no timeout. If the wait
	// times out, it returns ErrTimeout.
	Wait(ops []SemaphoreOp, timeout time.Duration) error

	// WaitIdle blocks until every queue is idle.
	WaitIdle() error

	// NewCmdPool creates a new command pool for the given
	// queue family.
	NewCmdPool(family int) (CmdPool, error)

	// NewBuffer creates a new buffer.
	NewBuffer(desc *BufferDesc) (Buffer, error)

	// NewImage creates a new image.
	NewImage(desc *ImageDesc) (Image, error)

	// NewSampler creates a new sampler.
	NewSampler(spln *Sampling) (Sampler, error)

	// AccelSizes computes the sizes required to build an
	// acceleration structure.
	// Only the Type, Flags, Triangles and Instances fields
	// of build are considered. Device addresses need not
	// be valid.
	AccelSizes(build *AccelBuild) (AccelSizes, error)

	// NewAccel creates a new acceleration structure that
	// uses the given buffer range as storage.
	// The buffer must have been created with UAccelStorage
	// usage. The offset must be aligned to 256 bytes.
	NewAccel(typ AccelType, buf Buffer, off, size int64) (AccelStruct, error)

	// NewQueryPool creates a new query pool.
	NewQueryPool(typ QueryType, count int) (QueryPool, error)

	// NewDescLayout creates a new descriptor layout.
	NewDescLayout(bindings []DescBinding) (DescLayout, error)

	// NewDescPool creates a new descriptor pool.
	NewDescPool(desc *DescPoolDesc) (DescPool, error)

	// Limits returns the implementation limits.
	// They are immutable for the lifetime of the GPU.
	Limits() Limits
}

// Destroyer is the interface that wraps the Destroy method.
// Types that implement this interface may allocate external
// memory that is not managed by Go's GC, so calling Destroy
// is necessary to free such resources.
type Destroyer interface {
	Destroy()
}

// Queue is the interface that defines a GPU queue.
// Submissions to a queue start execution in submission
// order and complete in submission order.
// There is no implicit ordering between different queues.
type Queue interface {
	// Family returns the queue family index.
	Family() int

	// Submit submits a batch of work for execution.
	// It does not wait for the work to complete.
	// Command buffers in sub cannot be reset until the
	// signal operations of their submission complete.
	Submit(sub []Submission) error
}

// Submission describes a unit of queue work.
// Execution of Cmd waits for every operation in Wait.
// Operations in Signal are performed after Cmd completes.
type Submission struct {
	Wait   []SemaphoreOp
	Cmd    []CmdBuffer
	Signal []SemaphoreOp
}

// SemaphoreOp describes a wait or signal operation.
// Value is ignored for binary semaphores.
type SemaphoreOp struct {
	Sem   Semaphore
	Value uint64
	Sync  Sync
}

// Semaphore is the interface that defines a GPU
// synchronization primitive.
type Semaphore interface {
	Destroyer

	// Timeline returns whether the semaphore is a timeline
	// semaphore.
	Timeline() bool

	// Value returns the current value of a timeline
	// semaphore. Binary semaphores return 1 when signaled
	// and 0 otherwise.
	Value() (uint64, error)

	// Signal signals a timeline semaphore from the host.
	// The value must be greater than the current value.
	Signal(value uint64) error
}

// CmdPool is the interface that defines a command pool.
// Command buffers are allocated from pools and reset
// together with them.
type CmdPool interface {
	Destroyer

	// Family returns the queue family of the pool.
	Family() int

	// NewCmdBuffer allocates a new command buffer.
	NewCmdBuffer() (CmdBuffer, error)

	// Reset resets every command buffer allocated from
	// the pool. None of them can be pending execution.
	Reset() error
}

// CmdBuffer is the interface that defines a command buffer.
// Commands are recorded into command buffers and later
// submitted to a queue for execution.
//
// First, call Begin to prepare the command buffer for
// recording. Then record any number of commands.
// Finally, call End and, if it succeeds, Queue.Submit.
// Invalid commands are reported by End.
type CmdBuffer interface {
	// Begin prepares the command buffer for recording.
	Begin() error

	// End ends command recording and prepares the
	// command buffer for execution.
	End() error

	// IsRecording returns whether the command buffer is
	// between Begin and End calls.
	IsRecording() bool

	// CopyBuffer copies data between buffers.
	CopyBuffer(param *BufferCopy)

	// CopyBufToImg copies data from a buffer to an image.
	// The image must be in the LCopyDst layout.
	CopyBufToImg(param *BufImgCopy)

	// CopyImgToBuf copies data from an image to a buffer.
	// The image must be in the LCopySrc layout.
	CopyImgToBuf(param *BufImgCopy)

	// Fill fills the buffer range [off, off+size) with
	// copies of value.
	Fill(buf Buffer, off int64, value byte, size int64)

	// Barrier inserts a number of global barriers in the
	// command buffer.
	Barrier(b []Barrier)

	// BufferBarrier inserts a number of buffer barriers
	// in the command buffer. They are used to transfer
	// queue family ownership of buffer ranges.
	BufferBarrier(b []BufferBarrier)

	// Transition inserts a number of image layout
	// transitions in the command buffer.
	Transition(t []Transition)

	// ResetQuery resets a range of queries.
	ResetQuery(pool QueryPool, first, count int)

	// BuildAccel builds an acceleration structure.
	BuildAccel(build *AccelBuild)

	// WriteAccelSize writes the compacted size of an
	// acceleration structure into a query.
	// The structure must have been built with
	// BuildAllowCompaction.
	WriteAccelSize(as AccelStruct, pool QueryPool, query int)

	// CopyAccel copies an acceleration structure.
	CopyAccel(param *AccelCopy)

	// SetDescTable binds a descriptor table.
	SetDescTable(bp BindPoint, set int, table DescTable)
}

// BufferCopy describes the parameters of a copy command
// that copies data from one buffer to another.
type BufferCopy struct {
	From    Buffer
	FromOff int64
	To      Buffer
	ToOff   int64
	Size    int64
}

// BufImgCopy describes the parameters of a copy command
// that copies data between a buffer and an image.
type BufImgCopy struct {
	Buf    Buffer
	BufOff int64
	// Stride specifies the addressing of image data
	// in the buffer. It is given in pixels.
	// Stride[0] refers to the row length and Stride[1]
	// refers to the image height.
	Stride [2]int64
	Img    Image
	ImgOff Off3D
	Layer  int
	Level  int
	Size   Dim3D
}

// Sync is the type of a synchronization scope.
type Sync int

// Synchronization scopes.
const (
	SVertexInput Sync = 1 << iota
	SVertexShading
	SFragmentShading
	SComputeShading
	SRayTracing
	SAccelBuild
	SColorOutput
	SCopy
	SHost
	SAll
	SNone Sync = 0
)

// Access is the type of a memory access scope.
type Access int

// Memory access scopes.
const (
	AVertexBufRead Access = 1 << iota
	AIndexBufRead
	AColorRead
	AColorWrite
	ACopyRead
	ACopyWrite
	AShaderRead
	AShaderWrite
	AAccelRead
	AAccelWrite
	AHostRead
	AHostWrite
	AAnyRead
	AAnyWrite
	ANone Access = 0
)

// Layout is the type of an image layout.
type Layout int

// Image layouts.
const (
	LUndefined Layout = iota
	LGeneral
	LColorTarget
	LCopySrc
	LCopyDst
	LShaderRead
	LPresent
)

// Barrier represents a synchronization barrier.
type Barrier struct {
	SyncBefore   Sync
	SyncAfter    Sync
	AccessBefore Access
	AccessAfter  Access
}

// BufferBarrier represents a barrier on a buffer range.
// If FamilyBefore and FamilyAfter differ, the barrier
// transfers ownership of the range. Such transfers must
// be recorded twice: once in a command buffer of the
// releasing family and once in a command buffer of the
// acquiring family.
type BufferBarrier struct {
	Barrier

	Buf          Buffer
	Off          int64
	Size         int64
	FamilyBefore int
	FamilyAfter  int
}

// Transition represents a layout transition on a
// whole image.
// Ownership transfer rules are the same as those of
// BufferBarrier.
type Transition struct {
	Barrier

	LayoutBefore Layout
	LayoutAfter  Layout
	Img          Image
	FamilyBefore int
	FamilyAfter  int
}

// Usage is a mask indicating valid uses for a resource.
type Usage int

// Usage flags for Buffer and Image.
const (
	// The resource can be read in shaders.
	UShaderRead Usage = 1 << iota
	// The resource can be written in shaders.
	UShaderWrite
	// The resource can provide constant data for shaders.
	// Valid only for Buffer.
	UShaderConst
	// The resource can be sampled in shaders.
	// Valid only for Image.
	UShaderSample
	// The resource can provide vertex data.
	// Valid only for Buffer.
	UVertexData
	// The resource can provide index data.
	// Valid only for Buffer.
	UIndexData
	// The resource can be used as render target.
	// Valid only for Image.
	URenderTarget
	// The resource can be the source of copy commands.
	UCopySrc
	// The resource can be the destination of copy commands.
	UCopyDst
	// The buffer's device address can be queried.
	// Valid only for Buffer.
	UDeviceAddress
	// The buffer can back acceleration structures.
	// Valid only for Buffer.
	UAccelStorage
	// The buffer can provide read-only input for
	// acceleration structure builds.
	// Valid only for Buffer.
	UAccelInput
	// The resource can be used for any purpose.
	UGeneric Usage = 1<<iota - 1
)

// Memory is the type of memory that backs a buffer.
type Memory int

// Memory types.
const (
	// Device-local memory, not accessible by the CPU.
	MDeviceLocal Memory = iota
	// Host-visible memory written by the CPU.
	MHostUpload
	// Host-visible memory read by the CPU.
	MHostReadback
)

// BufferDesc describes a buffer.
// Alloc provides allocation hints. Host-visible buffers
// are only persistently mapped if Alloc includes
// memutils.AllocationCreateMapped.
type BufferDesc struct {
	Size   int64
	Usage  Usage
	Memory Memory
	Alloc  memutils.AllocationCreateFlags
}

// Buffer is the interface that defines a GPU buffer.
// The size of the buffer is fixed. When a larger buffer
// is necessary, a new one must be created and the data
// must be copied explicitly.
type Buffer interface {
	Destroyer

	// Visible returns whether the buffer is host visible.
	// Non-visible memory cannot be accessed by the CPU.
	Visible() bool

	// Bytes returns a slice of length Size referring to
	// the underlying data. If the buffer is not mapped,
	// it returns nil instead.
	// The slice is valid for the lifetime of the buffer.
	Bytes() []byte

	// Size returns the size of the buffer in bytes.
	Size() int64

	// Address returns the device address of the buffer.
	// It returns 0 if the buffer was not created with
	// UDeviceAddress usage.
	Address() uint64
}

// PixelFmt describes the format of a pixel.
type PixelFmt int

// Pixel formats.
const (
	// Color, 8-bit channels.
	RGBA8un PixelFmt = iota
	RGBA8sRGB
	BGRA8un
	BGRA8sRGB
	RG8un
	R8un
	// Color, 16-bit channels.
	RGBA16f
	RG16f
	R16f
	// Color, 32-bit channels.
	RGBA32f
	RG32f
	R32f
)

// Size returns the size in bytes of a single pixel.
func (f PixelFmt) Size() int {
	switch f {
	case RGBA8un, RGBA8sRGB, BGRA8un, BGRA8sRGB, RG16f, R32f:
		return 4
	case RG8un, R16f:
		return 2
	case R8un:
		return 1
	case RGBA16f, RG32f:
		return 8
	case RGBA32f:
		return 16
	}
	return 0
}

// Dim3D is a three-dimensional size.
type Dim3D struct {
	Width, Height, Depth int
}

// Off3D is a three-dimensional offset.
type Off3D struct {
	X, Y, Z int
}

// ImageDesc describes an image.
type ImageDesc struct {
	Format  PixelFmt
	Size    Dim3D
	Layers  int
	Levels  int
	Samples int
	Usage   Usage
}

// Image is the interface that defines a GPU image.
// Direct access to image memory is not provided, so copying
// data from the CPU to an image resource requires the use
// of a staging buffer.
type Image interface {
	Destroyer

	// Format returns the pixel format of the image.
	Format() PixelFmt

	// Size returns the size of the image.
	Size() Dim3D

	// NewView creates a new image view.
	// All views created from a given image must be
	// destroyed before the image itself is destroyed.
	NewView(typ ViewType, layer, layers, level, levels int) (ImageView, error)
}

// ViewType is the type of a resource view.
type ViewType int

// View types.
const (
	IView2D ViewType = iota
	IView2DArray
	IView3D
	IViewCube
)

// ImageView is the interface that defines a typed view of
// an Image resource.
type ImageView interface {
	Destroyer

	// Image returns the image of the view.
	Image() Image
}

// Filter is the type of sampler filters.
type Filter int

// Filters.
const (
	FNearest Filter = iota
	FLinear
	// FNoMipmap forces mip level 0 to be used.
	// It is only valid as the mip filter of a sampler.
	FNoMipmap
)

// AddrMode is the type of sampler address modes.
type AddrMode int

// Address modes.
const (
	AWrap AddrMode = iota
	AMirror
	AClamp
	ABorder
)

// BorderColor is the type of sampler border colors.
type BorderColor int

// Border colors.
const (
	BTransparentBlack BorderColor = iota
	BOpaqueBlack
	BOpaqueWhite
)

// Sampler is the interface that defines an image sampler.
type Sampler interface {
	Destroyer
}

// Sampling describes image sampler state.
type Sampling struct {
	Min      Filter
	Mag      Filter
	Mipmap   Filter
	AddrU    AddrMode
	AddrV    AddrMode
	AddrW    AddrMode
	MaxAniso int
	Border   BorderColor
	MinLOD   float32
	MaxLOD   float32
}

// QueryType is the type of queries in a query pool.
type QueryType int

// Query types.
const (
	// Compacted size of acceleration structures.
	QCompactedSize QueryType = iota
)

// QueryPool is the interface that defines a pool of
// queries.
type QueryPool interface {
	Destroyer

	// Count returns the number of queries in the pool.
	Count() int

	// Results returns the results of a range of queries.
	// If any of them is not available, it returns
	// ErrNotReady.
	Results(first, count int) ([]uint64, error)
}

// Stage is a mask of programmable stages.
type Stage int

// Stages.
const (
	SVertex Stage = 1 << iota
	SFragment
	SCompute
	SRayGen
	SMiss
	SClosestHit
	SAnyHit
	SAllStages Stage = 1<<iota - 1
)

// DescType is the type of a descriptor.
type DescType int

// Descriptor types.
const (
	// Read/write buffer.
	DBuffer DescType = iota
	// Read/write image.
	DImage
	// Constant buffer.
	DConstant
	// Sampled texture.
	DTexture
	// Texture sampler.
	DSampler
	// Top-level acceleration structure.
	DAccel
)

// DescFlag is a mask of descriptor binding flags.
type DescFlag int

// Descriptor binding flags.
const (
	// Descriptors need not be valid unless used.
	DPartiallyBound DescFlag = 1 << iota
	// Descriptors can be updated after the table is
	// bound, as long as they are not in use.
	DUpdateAfterBind
)

// DescBinding describes a binding in a descriptor layout.
type DescBinding struct {
	Nr     int
	Type   DescType
	Count  int
	Stages Stage
	Flags  DescFlag
}

// DescLayout is the interface that defines the layout of
// a descriptor table.
type DescLayout interface {
	Destroyer

	// Bindings returns the layout's bindings.
	// It must not be modified by the caller.
	Bindings() []DescBinding
}

// DescPoolDesc describes a descriptor pool.
// Sizes holds the total number of descriptors of each
// type that the pool can provide.
// If UpdateAfterBind is set, then tables allocated from
// the pool can use layouts with DUpdateAfterBind.
type DescPoolDesc struct {
	Sizes           map[DescType]int
	MaxSets         int
	UpdateAfterBind bool
}

// DescPool is the interface that defines a pool of
// descriptor tables.
type DescPool interface {
	Destroyer

	// Alloc allocates a new descriptor table.
	// It returns ErrPoolExhausted or ErrFragmentedPool
	// if the pool cannot satisfy the allocation.
	Alloc(layout DescLayout) (DescTable, error)

	// Reset frees every table allocated from the pool.
	Reset() error
}

// DescTable is the interface that defines a set of
// descriptors laid out according to a DescLayout.
// Tables are freed by their pool.
type DescTable interface {
	// Layout returns the layout of the table.
	Layout() DescLayout

	// SetBuffer updates buffer ranges of a DBuffer or
	// DConstant binding, starting at the given element.
	SetBuffer(nr, start int, buf []Buffer, off, size []int64)

	// SetImage updates image views of a DImage or
	// DTexture binding. The views must be in the given
	// layout when accessed.
	SetImage(nr, start int, iv []ImageView, layout Layout)

	// SetSampler updates samplers of a DSampler binding.
	SetSampler(nr, start int, splr []Sampler)

	// SetAccel updates acceleration structures of a
	// DAccel binding.
	SetAccel(nr, start int, as []AccelStruct)
}

// BindPoint identifies the kind of pipeline that a
// descriptor table is bound to.
type BindPoint int

// Bind points.
const (
	BindGraphics BindPoint = iota
	BindCompute
	BindRayTracing
)

// Limits describes implementation limits.
// These may vary across drivers and devices.
type Limits struct {
	// Maximum width and height of 2D images.
	MaxImage2D int
	// Maximum number of layers in an image.
	MaxLayers int

	// Maximum number of texture descriptors in a
	// descriptor table.
	MaxDTexture int
	// Maximum number of sampler descriptors in a
	// descriptor table.
	MaxDSampler int
	// Maximum number of image descriptors in a
	// descriptor table.
	MaxDImage int
	// Maximum number of acceleration structure
	// descriptors in a descriptor table.
	MaxDAccel int

	// Maximum number of geometries in a bottom-level
	// acceleration structure.
	MaxGeometries int
	// Maximum number of primitives in a bottom-level
	// acceleration structure.
	MaxPrimitives int
	// Maximum number of instances in a top-level
	// acceleration structure.
	MaxInstances int
	// Minimum alignment of scratch buffer addresses.
	MinScratchAlign int
	// Required alignment of acceleration structure
	// storage offsets.
	AccelAlign int

	// Alignment of buffer offsets and sizes used
	// when mapping host memory.
	NonCoherentAtomSize int
}
