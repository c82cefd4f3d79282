// Copyright 2024 Gustavo C. Viegas. All rights reserved.

// Package engine implements the resource and synchronization
// core of a ray tracing renderer.
//
// A Device owns the GPU, one queue and one timeline per
// QueueClass. Every submission signals the timeline of its
// queue, and every host or cross-queue wait is expressed as
// a wait on a timeline value. Resources (Buffer, Image,
// AccelStruct) and the BindlessHeap are created from a
// Device and must be destroyed before it is closed.
package engine

import (
	"strconv"
)

// The maximum number of frames in flight.
const MaxFrame = 3

// QueueClass identifies one of the queues of a Device.
type QueueClass int

// Queue classes.
const (
	Graphics QueueClass = iota
	Compute
	Transfer

	// Number of queue classes.
	NQueue int = iota
)

// AnyQueue is used in errors that do not refer to a
// specific queue.
const AnyQueue QueueClass = -1

func (q QueueClass) String() string {
	switch q {
	case Graphics:
		return "graphics"
	case Compute:
		return "compute"
	case Transfer:
		return "transfer"
	case AnyQueue:
		return "any"
	}
	return "QueueClass(" + strconv.Itoa(int(q)) + ")"
}

func (q QueueClass) valid() bool { return q >= 0 && int(q) < NQueue }
