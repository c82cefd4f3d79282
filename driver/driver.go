// Copyright 2024 Gustavo C. Viegas. All rights reserved.

// Package driver defines a set of interfaces encompassing
// the GPU functionality needed by a ray tracing renderer.
// It is designed to allow explicit, timeline-synchronized
// APIs to be implemented in a mostly straightforward manner.
package driver

import (
	"log"
	"sync"

	"github.com/cockroachdb/errors"
)

// Driver is the interface that provides methods for
// enumerating the adapters of an underlying implementation.
type Driver interface {
	// Adapters returns the physical devices available to
	// the driver. It initializes the driver if necessary.
	// Further calls with the same receiver must return
	// the same Adapters, in the same order.
	Adapters() ([]Adapter, error)

	// Name returns the name of the driver.
	// It must not cause the driver to be initialized.
	Name() string

	// Close deinitializes the driver.
	// Every GPU opened from the driver's adapters must be
	// destroyed before calling Close.
	// Closing a driver that is not initialized has no
	// effect.
	Close()
}

// Adapter is the interface that defines a physical device.
// It is used to query device properties and to create a
// logical device (GPU).
type Adapter interface {
	// Info returns the properties of the adapter.
	Info() AdapterInfo

	// Open creates a new logical device.
	// Every family in desc.Families must be a valid index
	// into Info().Families and must be unique. Every
	// extension in desc.Extensions must be supported.
	Open(desc *DeviceDesc) (GPU, error)
}

// AdapterType is the type of a physical device.
type AdapterType int

// Adapter types.
const (
	TOther AdapterType = iota
	TIntegrated
	TDiscrete
	TVirtual
	TCPU
)

// QueueCap is a mask of queue family capabilities.
type QueueCap int

// Queue capabilities.
const (
	QGraphics QueueCap = 1 << iota
	QCompute
	QTransfer
)

// QueueFamily describes a family of queues.
type QueueFamily struct {
	Caps  QueueCap
	Count int
}

// AdapterInfo describes an adapter.
type AdapterInfo struct {
	Name       string
	Type       AdapterType
	Families   []QueueFamily
	Extensions []string
	Limits     Limits
}

// HasExtension returns whether the adapter supports the
// named extension.
func (a *AdapterInfo) HasExtension(name string) bool {
	for _, x := range a.Extensions {
		if x == name {
			return true
		}
	}
	return false
}

// Device extensions.
const (
	ExtAccelStruct       = "accel_struct"
	ExtRayTracing        = "ray_tracing_pipeline"
	ExtDeferredHostOps   = "deferred_host_operations"
	ExtBufferAddress     = "buffer_device_address"
	ExtTimeline          = "timeline_semaphore"
	ExtDynamicRendering  = "dynamic_rendering"
	ExtSynchronization2  = "synchronization2"
	ExtDescriptorIndexed = "descriptor_indexing"
)

// DeviceDesc describes the logical device created by
// Adapter.Open.
type DeviceDesc struct {
	// Queue family indices. One queue is created for
	// each family.
	Families   []int
	Extensions []string
	// Whether the implementation should report invalid
	// usage (e.g., through validation layers).
	Validation bool
}

// FamilyIgnored is used in ownership transfers to mean
// that no queue family transfer takes place.
const FamilyIgnored = -1

// ErrNotInstalled means that a platform-specific library
// required for the driver to work is not present in the
// system.
var ErrNotInstalled = errors.New("driver: missing required library")

// ErrNoDevice means that no suitable device could be
// found.
var ErrNoDevice = errors.New("driver: no suitable device found")

// ErrNoHostMemory means that host memory could not be
// allocated.
var ErrNoHostMemory = errors.New("driver: out of host memory")

// ErrNoDeviceMemory means that device memory could not
// be allocated.
var ErrNoDeviceMemory = errors.New("driver: out of device memory")

// ErrDeviceLost means that the logical device was lost.
// Every object created from the GPU must be destroyed.
var ErrDeviceLost = errors.New("driver: device lost")

// ErrTimeout means that a wait operation did not complete
// within the given timeout.
var ErrTimeout = errors.New("driver: timeout")

// ErrNotReady means that a query result is not available.
var ErrNotReady = errors.New("driver: not ready")

// ErrFragmentedPool means that a descriptor pool allocation
// failed due to fragmentation. Allocating from a new pool
// may succeed.
var ErrFragmentedPool = errors.New("driver: fragmented descriptor pool")

// ErrPoolExhausted means that a descriptor pool has no
// space left for the allocation. Allocating from a new
// pool may succeed.
var ErrPoolExhausted = errors.New("driver: descriptor pool exhausted")

// ErrFatal means that the driver is in an unrecoverable
// state. Upon encountering such an error, the application
// must destroy everything that it created using the
// driver's GPU and then call the Close method.
var ErrFatal = errors.New("driver: fatal error")

// Drivers returns the registered Drivers.
// Client code imports specific driver packages, and then
// call this function. Drivers that do not register
// themselves on init will not be considered for selection.
func Drivers() []Driver {
	mu.Lock()
	defer mu.Unlock()
	drv := make([]Driver, len(drivers))
	copy(drv, drivers)
	return drv
}

// Register registers a Driver.
// Driver implementations are expected to call Register
// exactly once, from an init function.
// If a driver with the same name has already been
// registered, it will be replaced by drv.
func Register(drv Driver) {
	mu.Lock()
	defer mu.Unlock()
	for i := range drivers {
		if drivers[i].Name() == drv.Name() {
			drivers[i] = drv
			log.Printf("[!] driver '%s' replaced", drv.Name())
			return
		}
	}
	drivers = append(drivers, drv)
	log.Printf("driver '%s' registered", drv.Name())
}

// Variables used for driver registration.
var (
	mu      sync.Mutex
	drivers []Driver = make([]Driver, 0, 1)
)
