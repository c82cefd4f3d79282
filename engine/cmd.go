// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package engine

import (
	"log/slog"

	"github.com/cockroachdb/errors"

	"gviegas/rtcore/driver"
)

// CommandRing is a ring of MaxFrame command buffers of
// a single queue. The active slot is the Device's frame
// index, so every ring advances on Device.NextFrame.
// Each slot remembers the timeline value of its last
// submission, and recording into a slot first waits for
// that value.
type CommandRing struct {
	d     *Device
	q     QueueClass
	slots [MaxFrame]ringSlot
	// Slot of the last Record.
	cur int
	id  resID
}

type ringSlot struct {
	pool driver.CmdPool
	cb   driver.CmdBuffer
	// Timeline value of the last submission.
	last uint64
	// Whether cb holds commands ready to submit.
	ready bool
}

// NewCommandRing creates a new CommandRing for the queue
// of class q.
func NewCommandRing(d *Device, q QueueClass) (*CommandRing, error) {
	if !q.valid() {
		return nil, errors.AssertionFailedf("engine: invalid queue class %d", q)
	}
	r := &CommandRing{d: d, q: q}
	for i := range r.slots {
		pool, err := d.gpu.NewCmdPool(d.fams[q])
		if err != nil {
			r.destroy()
			return nil, deviceError("NewCmdPool", q, err)
		}
		r.slots[i].pool = pool
		if r.slots[i].cb, err = pool.NewCmdBuffer(); err != nil {
			r.destroy()
			return nil, deviceError("NewCmdBuffer", q, err)
		}
	}
	r.id = d.track("command ring", 0)
	return r, nil
}

// Queue returns the queue class of r.
func (r *CommandRing) Queue() QueueClass { return r.q }

// Slot returns the index of the active slot.
// It is the same as Device.Frame.
func (r *CommandRing) Slot() int { return r.d.Frame() }

// Record records fn into the command buffer of the active
// slot. It waits for the slot's previous submission to
// complete and resets the slot before recording.
// fn must not call Begin or End.
// If fn fails, the command buffer is ended, left
// unsubmitted and the error is returned.
func (r *CommandRing) Record(fn func(cb driver.CmdBuffer) error) (driver.CmdBuffer, error) {
	r.cur = r.d.Frame()
	s := &r.slots[r.cur]
	if err := r.d.WaitTimeline(r.q, s.last); err != nil {
		return nil, err
	}
	s.ready = false
	if err := s.pool.Reset(); err != nil {
		return nil, deviceError("Reset", r.q, err)
	}
	if err := s.cb.Begin(); err != nil {
		return nil, deviceError("Begin", r.q, err)
	}
	if err := fn(s.cb); err != nil {
		s.cb.End()
		return nil, err
	}
	if err := s.cb.End(); err != nil {
		return nil, deviceError("End", r.q, err)
	}
	s.ready = true
	return s.cb, nil
}

// Submit submits the command buffer recorded by the last
// call to Record with Device.Submit.
// Record must have succeeded since the last call.
// The slot changes only when the frame advances.
func (r *CommandRing) Submit(wait, signal []driver.SemaphoreOp) (driver.SemaphoreOp, error) {
	s := &r.slots[r.cur]
	if !s.ready {
		return driver.SemaphoreOp{}, errors.New("engine: CommandRing.Submit: nothing recorded")
	}
	op, err := r.d.Submit(r.q, s.cb, wait, signal)
	if err != nil {
		return driver.SemaphoreOp{}, err
	}
	s.last = op.Value
	s.ready = false
	return op, nil
}

// Destroy waits for the queue to become idle and then
// destroys r.
func (r *CommandRing) Destroy() {
	if err := r.d.SyncTimeline(r.q); err != nil {
		Logger().Warn("engine: destroying command ring of unsynchronized queue", slog.Any("err", err))
	}
	if r.slots[0].pool != nil {
		r.d.untrack(r.id)
	}
	r.destroy()
}

func (r *CommandRing) destroy() {
	for i := range r.slots {
		if r.slots[i].pool != nil {
			r.slots[i].pool.Destroy()
		}
		r.slots[i] = ringSlot{}
	}
}
