// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package engine

import (
	"log/slog"

	"github.com/cockroachdb/errors"

	"gviegas/rtcore/driver"
)

// StageSpec describes the destination of Stage.
type StageSpec struct {
	// Usage of the destination buffer.
	// driver.UCopyDst is always added.
	Usage driver.Usage
	// Queue that will use the destination buffer.
	// Ownership is transferred from the transfer queue
	// to this one.
	DstQueue QueueClass
}

// transferBarriers returns the release and acquire
// halves of a transfer of buf from family from to family
// to. The release half takes the source scope of b and
// the acquire half its destination scope.
func transferBarriers(buf driver.Buffer, size int64, from, to int, b driver.Barrier) (rel, acq driver.BufferBarrier) {
	rel = driver.BufferBarrier{
		Barrier: driver.Barrier{
			SyncBefore:   b.SyncBefore,
			SyncAfter:    driver.SNone,
			AccessBefore: b.AccessBefore,
			AccessAfter:  driver.ANone,
		},
		Buf:          buf,
		Size:         size,
		FamilyBefore: from,
		FamilyAfter:  to,
	}
	acq = rel
	acq.Barrier = driver.Barrier{
		SyncBefore:   driver.SNone,
		SyncAfter:    b.SyncAfter,
		AccessBefore: driver.ANone,
		AccessAfter:  b.AccessAfter,
	}
	return
}

// ownershipBarriers returns the barriers that make the
// result of a copy into buf visible to family to. The
// acquire half is nil if no transfer is needed.
func ownershipBarriers(buf driver.Buffer, size int64, from, to int) (rel, acq []driver.BufferBarrier) {
	b := driver.Barrier{
		SyncBefore:   driver.SCopy,
		SyncAfter:    driver.SAll,
		AccessBefore: driver.ACopyWrite,
		AccessAfter:  driver.AAnyRead,
	}
	if from == to {
		return []driver.BufferBarrier{{
			Barrier:      b,
			Buf:          buf,
			Size:         size,
			FamilyBefore: driver.FamilyIgnored,
			FamilyAfter:  driver.FamilyIgnored,
		}}, nil
	}
	r, a := transferBarriers(buf, size, from, to, b)
	return []driver.BufferBarrier{r}, []driver.BufferBarrier{a}
}

// Stage creates a device-local buffer containing data.
// The copy is executed on the transfer queue, and the
// ownership of the new buffer is then transferred to
// spec.DstQueue. The acquire half of the transfer waits
// on the transfer queue's timeline.
// It blocks until the buffer is ready for use.
// Staging zero bytes yields an empty Buffer.
func Stage(d *Device, data []byte, spec *StageSpec) (*Buffer, error) {
	usage := spec.Usage | driver.UCopyDst
	if len(data) == 0 {
		return emptyBuffer(d, usage, DeviceLocal), nil
	}
	if !spec.DstQueue.valid() {
		return nil, errors.AssertionFailedf("engine: invalid queue class %d", spec.DstQueue)
	}
	size := int64(len(data))
	stg, err := NewBuffer(d, &BufferSpec{
		Size:      size,
		Usage:     driver.UCopySrc,
		Residency: Upload,
	})
	if err != nil {
		return nil, err
	}
	defer stg.Destroy()
	if err = stg.Write(data, 0); err != nil {
		return nil, err
	}
	dst, err := NewBuffer(d, &BufferSpec{
		Size:      size,
		Usage:     usage,
		Residency: DeviceLocal,
	})
	if err != nil {
		return nil, err
	}
	if err = d.copyBuffer(stg, dst, 0, size, Transfer, spec.DstQueue); err != nil {
		dst.Destroy()
		return nil, err
	}
	Logger().Debug("engine: buffer staged",
		slog.Int64("size", size),
		slog.String("queue", spec.DstQueue.String()))
	return dst, nil
}

// copyBuffer copies size bytes of src into dst on the
// queue of class q and transfers the ownership of dst
// to the queue of class dstQueue. It blocks until the
// copy completes.
func (d *Device) copyBuffer(src, dst *Buffer, off, size int64, q, dstQueue QueueClass) error {
	rel, acq := ownershipBarriers(dst.buf, size, d.fams[q], d.fams[dstQueue])
	t1, err := d.submitOnce(q, nil, func(cb driver.CmdBuffer) error {
		cb.CopyBuffer(&driver.BufferCopy{
			From:    src.buf,
			FromOff: off,
			To:      dst.buf,
			Size:    size,
		})
		cb.BufferBarrier(rel)
		return nil
	})
	if err != nil {
		return err
	}
	if acq == nil {
		return d.finish(t1)
	}
	t2, err := d.submitOnce(dstQueue, []driver.SemaphoreOp{t1.op}, func(cb driver.CmdBuffer) error {
		cb.BufferBarrier(acq)
		return nil
	})
	if err != nil {
		return errors.CombineErrors(err, d.finish(t1))
	}
	if err = d.finish(t2, t1); err != nil {
		return err
	}
	dst.setFamily(d.fams[dstQueue])
	return nil
}

// borrow transfers the ownership of buf from its owning
// family to the queue of class q, executes fn there and
// transfers the ownership back. Every acquire waits on
// the timeline value of the matching release.
// It blocks until the owner reacquires buf.
func (d *Device) borrow(buf *Buffer, q QueueClass, fn func(cb driver.CmdBuffer)) error {
	owner := buf.Family()
	oq, ok := d.classOf(owner)
	if !ok {
		return errors.AssertionFailedf("engine: buffer owned by unknown family %d", owner)
	}
	scope := driver.Barrier{
		SyncBefore:   driver.SAll,
		SyncAfter:    driver.SAll,
		AccessBefore: driver.AAnyWrite,
		AccessAfter:  driver.AAnyRead | driver.AAnyWrite,
	}
	rel, acq := transferBarriers(buf.buf, buf.size, owner, d.fams[q], scope)
	back, reacq := transferBarriers(buf.buf, buf.size, d.fams[q], owner, scope)

	t1, err := d.submitOnce(oq, nil, func(cb driver.CmdBuffer) error {
		cb.BufferBarrier([]driver.BufferBarrier{rel})
		return nil
	})
	if err != nil {
		return err
	}
	t2, err := d.submitOnce(q, []driver.SemaphoreOp{t1.op}, func(cb driver.CmdBuffer) error {
		cb.BufferBarrier([]driver.BufferBarrier{acq})
		fn(cb)
		cb.BufferBarrier([]driver.BufferBarrier{back})
		return nil
	})
	if err != nil {
		return errors.CombineErrors(err, d.finish(t1))
	}
	t3, err := d.submitOnce(oq, []driver.SemaphoreOp{t2.op}, func(cb driver.CmdBuffer) error {
		cb.BufferBarrier([]driver.BufferBarrier{reacq})
		return nil
	})
	if err != nil {
		buf.setFamily(d.fams[q])
		return errors.CombineErrors(err, d.finish(t2, t1))
	}
	return d.finish(t3, t2, t1)
}

// Download copies size bytes of src, starting at off,
// into a new byte slice. src must have been created with
// driver.UCopySrc usage.
// The copy runs on the transfer queue. If src is owned by
// another family, it is borrowed from the owner for the
// duration of the copy and then given back.
// It blocks until the copy completes.
func Download(d *Device, src *Buffer, off, size int64) ([]byte, error) {
	if size == 0 {
		return []byte{}, nil
	}
	if off < 0 || size < 0 || off+size > src.size {
		return nil, errors.Newf("engine: Download range [%d, %d) out of bounds (size %d)", off, off+size, src.size)
	}
	if src.usage&driver.UCopySrc == 0 {
		return nil, errors.New("engine: Download source lacks driver.UCopySrc usage")
	}
	dl, err := NewBuffer(d, &BufferSpec{
		Size:      size,
		Usage:     driver.UCopyDst,
		Residency: Readback,
	})
	if err != nil {
		return nil, err
	}
	defer dl.Destroy()
	read := func(cb driver.CmdBuffer) {
		cb.CopyBuffer(&driver.BufferCopy{
			From:    src.buf,
			FromOff: off,
			To:      dl.buf,
			Size:    size,
		})
		cb.Barrier([]driver.Barrier{{
			SyncBefore:   driver.SCopy,
			SyncAfter:    driver.SHost,
			AccessBefore: driver.ACopyWrite,
			AccessAfter:  driver.AHostRead,
		}})
	}
	if owner := src.Family(); owner == driver.FamilyIgnored || owner == d.fams[Transfer] {
		err = d.Execute(Transfer, func(cb driver.CmdBuffer) error {
			read(cb)
			return nil
		})
	} else {
		err = d.borrow(src, Transfer, read)
	}
	if err != nil {
		return nil, err
	}
	data := make([]byte, size)
	if err = dl.Read(data, 0); err != nil {
		return nil, err
	}
	return data, nil
}
