// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package engine

import (
	"fmt"

	"github.com/cockroachdb/errors"

	"gviegas/rtcore/driver"
)

// ErrDevice is matched by every *DeviceError.
var ErrDevice = errors.New("engine: device error")

// ErrDeviceLost is matched by errors caused by the loss of
// the device, including waits that did not complete within
// Config.WaitTimeout.
var ErrDeviceLost = driver.ErrDeviceLost

// ErrInvalidIndex means that a bindless index is not live.
var ErrInvalidIndex = errors.New("engine: invalid bindless index")

// ErrHeapFull means that every slot of a BindlessHeap
// partition is in use.
var ErrHeapFull = errors.New("engine: bindless heap is full")

// ErrDestroyed means that a resource was used after
// Destroy.
var ErrDestroyed = errors.New("engine: use of destroyed resource")

// DeviceError is the error returned when an operation
// of the driver fails. Such errors are usually not
// recoverable.
type DeviceError struct {
	Op    string
	Queue QueueClass
	Err   error
}

func (e *DeviceError) Error() string {
	if e.Queue == AnyQueue {
		return fmt.Sprintf("engine: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("engine: %s (%s queue): %v", e.Op, e.Queue, e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }

// Is reports whether target is ErrDevice, or whether it
// is ErrDeviceLost and e was caused by a timeout.
func (e *DeviceError) Is(target error) bool {
	switch target {
	case ErrDevice:
		return true
	case ErrDeviceLost:
		return errors.Is(e.Err, driver.ErrTimeout)
	}
	return false
}

// deviceError wraps err in a *DeviceError.
func deviceError(op string, q QueueClass, err error) error {
	if err == nil {
		return nil
	}
	var de *DeviceError
	if errors.As(err, &de) {
		return err
	}
	return &DeviceError{Op: op, Queue: q, Err: err}
}

// BuildStep identifies the step of an acceleration
// structure build that failed.
type BuildStep int

// Build steps.
const (
	StepDescribe BuildStep = iota
	StepSizes
	StepAlloc
	StepStage
	StepBuild
	StepQuery
	StepCompact
)

func (s BuildStep) String() string {
	switch s {
	case StepDescribe:
		return "describe"
	case StepSizes:
		return "sizes"
	case StepAlloc:
		return "alloc"
	case StepStage:
		return "stage"
	case StepBuild:
		return "build"
	case StepQuery:
		return "query"
	case StepCompact:
		return "compact"
	}
	return fmt.Sprintf("BuildStep(%d)", int(s))
}

// BuildError is the error returned when the build of an
// acceleration structure fails. Resources created by the
// failed build are released before it is returned.
type BuildError struct {
	Kind AccelKind
	Step BuildStep
	Err  error
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("engine: %s build failed at %s step: %v", e.Kind, e.Step, e.Err)
}

func (e *BuildError) Unwrap() error { return e.Err }
