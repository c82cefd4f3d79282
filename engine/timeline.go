// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package engine

import (
	"log/slog"
	"sync"

	"github.com/cockroachdb/errors"

	"gviegas/rtcore/driver"
)

// Timeline is the timeline semaphore of a queue.
// Every submission to the queue signals the next value
// of the timeline, so values are never reused and a
// wait on a value returns only after the submission
// that signals it completed.
type Timeline struct {
	sem driver.Semaphore

	// Serializes submissions so that the values reach
	// the queue in increasing order.
	mu    sync.Mutex
	value uint64
}

func newTimeline(gpu driver.GPU) (*Timeline, error) {
	sem, err := gpu.NewSemaphore(true, 0)
	if err != nil {
		return nil, err
	}
	return &Timeline{sem: sem}, nil
}

// Semaphore returns the underlying driver.Semaphore.
func (t *Timeline) Semaphore() driver.Semaphore { return t.sem }

// Submitted returns the last value submitted for
// signaling. It is 0 if nothing was submitted.
func (t *Timeline) Submitted() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.value
}

// Completed returns the current value of the semaphore.
func (t *Timeline) Completed() (uint64, error) { return t.sem.Value() }

// Submit submits cb to the queue of class q.
// Execution waits for every operation in wait. The
// signal operations are performed after cb completes,
// along with the signal of the next value of the queue's
// timeline, which is returned. The returned operation can
// be used in the wait list of submissions to other queues.
// cb may be nil, in which case only the semaphore
// operations take place.
// Binary semaphores are accepted in both lists.
func (d *Device) Submit(q QueueClass, cb driver.CmdBuffer, wait, signal []driver.SemaphoreOp) (driver.SemaphoreOp, error) {
	if !q.valid() {
		return driver.SemaphoreOp{}, errors.AssertionFailedf("engine: invalid queue class %d", q)
	}
	t := d.tls[q]
	t.mu.Lock()
	defer t.mu.Unlock()
	op := driver.SemaphoreOp{Sem: t.sem, Value: t.value + 1, Sync: driver.SAll}
	sig := make([]driver.SemaphoreOp, 0, len(signal)+1)
	sig = append(sig, signal...)
	sig = append(sig, op)
	var cmd []driver.CmdBuffer
	if cb != nil {
		cmd = []driver.CmdBuffer{cb}
	}
	if err := d.queues[q].Submit([]driver.Submission{{Wait: wait, Cmd: cmd, Signal: sig}}); err != nil {
		return driver.SemaphoreOp{}, deviceError("Submit", q, err)
	}
	t.value = op.Value
	return op, nil
}

// WaitTimeline blocks until the timeline of class q
// reaches value.
func (d *Device) WaitTimeline(q QueueClass, value uint64) error {
	if !q.valid() {
		return errors.AssertionFailedf("engine: invalid queue class %d", q)
	}
	if value == 0 {
		return nil
	}
	err := d.gpu.Wait([]driver.SemaphoreOp{{Sem: d.tls[q].sem, Value: value}}, d.cfg.timeout())
	if err != nil {
		err = deviceError("WaitTimeline", q, err)
		Logger().Error("engine: timeline wait failed",
			slog.String("queue", q.String()),
			slog.Uint64("value", value),
			slog.Any("err", err))
	}
	return err
}

// SyncTimeline blocks until every submission to the
// queue of class q completed.
func (d *Device) SyncTimeline(q QueueClass) error {
	if !q.valid() {
		return errors.AssertionFailedf("engine: invalid queue class %d", q)
	}
	return d.WaitTimeline(q, d.tls[q].Submitted())
}

// WaitIdle blocks until the device is idle.
func (d *Device) WaitIdle() error {
	for i := range NQueue {
		if err := d.SyncTimeline(QueueClass(i)); err != nil {
			return err
		}
	}
	return deviceError("WaitIdle", AnyQueue, d.gpu.WaitIdle())
}

// transient is a single-use command buffer.
type transient struct {
	q    QueueClass
	pool driver.CmdPool
	op   driver.SemaphoreOp
}

// submitOnce records fn into a transient command buffer
// and submits it to the queue of class q. The caller must
// call finish on the result.
func (d *Device) submitOnce(q QueueClass, wait []driver.SemaphoreOp, fn func(cb driver.CmdBuffer) error) (*transient, error) {
	if !q.valid() {
		return nil, errors.AssertionFailedf("engine: invalid queue class %d", q)
	}
	pool, err := d.gpu.NewCmdPool(d.fams[q])
	if err != nil {
		return nil, deviceError("NewCmdPool", q, err)
	}
	cb, err := pool.NewCmdBuffer()
	if err != nil {
		pool.Destroy()
		return nil, deviceError("NewCmdBuffer", q, err)
	}
	if err = cb.Begin(); err != nil {
		pool.Destroy()
		return nil, deviceError("Begin", q, err)
	}
	if err = fn(cb); err != nil {
		cb.End()
		pool.Destroy()
		return nil, err
	}
	if err = cb.End(); err != nil {
		pool.Destroy()
		return nil, deviceError("End", q, err)
	}
	op, err := d.Submit(q, cb, wait, nil)
	if err != nil {
		pool.Destroy()
		return nil, err
	}
	return &transient{q: q, pool: pool, op: op}, nil
}

// finish waits for every transient and destroys it.
// Pools are not destroyed if the wait fails, since
// their command buffers may still be pending.
func (d *Device) finish(ts ...*transient) (err error) {
	for _, t := range ts {
		if t == nil {
			continue
		}
		if e := d.WaitTimeline(t.q, t.op.Value); e != nil {
			err = errors.CombineErrors(err, e)
			continue
		}
		t.pool.Destroy()
	}
	return
}

// Execute records fn into a transient command buffer,
// submits it to the queue of class q and blocks until
// execution completes. fn must not call Begin or End.
// If fn returns an error, nothing is submitted.
func (d *Device) Execute(q QueueClass, fn func(cb driver.CmdBuffer) error) error {
	t, err := d.submitOnce(q, nil, fn)
	if err != nil {
		return err
	}
	return d.finish(t)
}
