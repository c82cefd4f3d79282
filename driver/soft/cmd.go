// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package soft

import (
	"sync/atomic"

	"github.com/cockroachdb/errors"

	"gviegas/rtcore/driver"
)

// cmdPool implements driver.CmdPool.
type cmdPool struct {
	g    *gpu
	fam  int
	bufs []*cmdBuffer
}

// NewCmdPool implements driver.GPU.
func (g *gpu) NewCmdPool(family int) (driver.CmdPool, error) {
	if err := g.checkLost(); err != nil {
		return nil, err
	}
	if _, ok := g.queues[family]; !ok {
		return nil, errors.Newf("soft: no queue for family %d", family)
	}
	return &cmdPool{g: g, fam: family}, nil
}

// Family implements driver.CmdPool.
func (p *cmdPool) Family() int { return p.fam }

// NewCmdBuffer implements driver.CmdPool.
func (p *cmdPool) NewCmdBuffer() (driver.CmdBuffer, error) {
	cb := &cmdBuffer{pool: p}
	p.bufs = append(p.bufs, cb)
	return cb, nil
}

// Reset implements driver.CmdPool.
func (p *cmdPool) Reset() error {
	for _, cb := range p.bufs {
		if cb.pending.Load() != 0 {
			return errors.New("soft: command pool reset while a command buffer is pending")
		}
	}
	for _, cb := range p.bufs {
		cb.reset()
	}
	return nil
}

// Destroy implements driver.Destroyer.
func (p *cmdPool) Destroy() {
	for _, cb := range p.bufs {
		if cb.pending.Load() != 0 {
			p.g.invalid(errors.New("soft: command pool destroyed while a command buffer is pending"))
			break
		}
	}
	p.bufs = nil
}

// command is a recorded command. It is executed on the
// queue goroutine of the given family.
type command func(fam int) error

// cmdBuffer implements driver.CmdBuffer.
type cmdBuffer struct {
	pool      *cmdPool
	recording bool
	cmds      []command
	err       error
	barriers  int
	pending   atomic.Int32
}

func (cb *cmdBuffer) reset() {
	cb.recording = false
	cb.cmds = cb.cmds[:0]
	cb.err = nil
	cb.barriers = 0
}

// Begin implements driver.CmdBuffer.
func (cb *cmdBuffer) Begin() error {
	switch {
	case cb.recording:
		return errors.New("soft: command buffer already recording")
	case cb.pending.Load() != 0:
		return errors.New("soft: command buffer is pending execution")
	}
	cb.reset()
	cb.recording = true
	return nil
}

// End implements driver.CmdBuffer.
func (cb *cmdBuffer) End() error {
	if !cb.recording {
		return errors.New("soft: command buffer not recording")
	}
	cb.recording = false
	return cb.err
}

// IsRecording implements driver.CmdBuffer.
func (cb *cmdBuffer) IsRecording() bool { return cb.recording }

// record appends c to the command buffer, or records
// err if it is not nil.
func (cb *cmdBuffer) record(c command, err error) {
	switch {
	case cb.err != nil:
	case !cb.recording:
		cb.err = errors.New("soft: command recorded outside Begin/End")
	case err != nil:
		cb.err = err
	default:
		cb.cmds = append(cb.cmds, c)
	}
}

func (cb *cmdBuffer) execute(fam int) {
	for _, c := range cb.cmds {
		if err := c(fam); err != nil {
			cb.pool.g.invalid(err)
		}
	}
}

// CopyBuffer implements driver.CmdBuffer.
func (cb *cmdBuffer) CopyBuffer(param *driver.BufferCopy) {
	p := *param
	from, ok1 := p.From.(*buffer)
	to, ok2 := p.To.(*buffer)
	switch {
	case !ok1 || !ok2:
		cb.record(nil, errors.New("soft: CopyBuffer: invalid buffer"))
		return
	case from.usage&driver.UCopySrc == 0:
		cb.record(nil, errors.New("soft: CopyBuffer: source lacks UCopySrc usage"))
		return
	case to.usage&driver.UCopyDst == 0:
		cb.record(nil, errors.New("soft: CopyBuffer: destination lacks UCopyDst usage"))
		return
	}
	cb.record(func(fam int) error {
		if err := errors.CombineErrors(from.own.check(fam), to.own.check(fam)); err != nil {
			return err
		}
		src, err := from.rangeOf(p.FromOff, p.Size)
		if err != nil {
			return err
		}
		dst, err := to.rangeOf(p.ToOff, p.Size)
		if err != nil {
			return err
		}
		copy(dst, src)
		return nil
	}, nil)
}

// imgRows calls fn for every row of the copy region,
// passing the image and buffer offsets of the row.
func imgRows(p *driver.BufImgCopy, img *image, fn func(imgOff, bufOff, n int64)) error {
	ps := int64(img.desc.Format.Size())
	w, h := int64(img.desc.Size.Width), int64(img.desc.Size.Height)
	x, y := int64(p.ImgOff.X), int64(p.ImgOff.Y)
	cw, ch := int64(p.Size.Width), int64(p.Size.Height)
	if p.Layer != 0 || p.Level != 0 || p.ImgOff.Z != 0 || p.Size.Depth > 1 {
		return errors.New("soft: only layer 0, level 0 of 2D images can be copied")
	}
	if x < 0 || y < 0 || x+cw > w || y+ch > h {
		return errors.New("soft: image copy region out of bounds")
	}
	rowLen := p.Stride[0]
	if rowLen == 0 {
		rowLen = cw
	}
	for r := int64(0); r < ch; r++ {
		fn(((y+r)*w+x)*ps, p.BufOff+r*rowLen*ps, cw*ps)
	}
	return nil
}

// CopyBufToImg implements driver.CmdBuffer.
func (cb *cmdBuffer) CopyBufToImg(param *driver.BufImgCopy) {
	p := *param
	buf, ok1 := p.Buf.(*buffer)
	img, ok2 := p.Img.(*image)
	if !ok1 || !ok2 {
		cb.record(nil, errors.New("soft: CopyBufToImg: invalid resource"))
		return
	}
	cb.record(func(fam int) error {
		if err := errors.CombineErrors(buf.own.check(fam), img.own.check(fam)); err != nil {
			return err
		}
		if err := img.checkLayout(driver.LCopyDst, driver.LGeneral); err != nil {
			return err
		}
		var err error
		e := imgRows(&p, img, func(imgOff, bufOff, n int64) {
			if err != nil {
				return
			}
			var src []byte
			if src, err = buf.rangeOf(bufOff, n); err == nil {
				copy(img.data[imgOff:imgOff+n], src)
			}
		})
		return errors.CombineErrors(e, err)
	}, nil)
}

// CopyImgToBuf implements driver.CmdBuffer.
func (cb *cmdBuffer) CopyImgToBuf(param *driver.BufImgCopy) {
	p := *param
	buf, ok1 := p.Buf.(*buffer)
	img, ok2 := p.Img.(*image)
	if !ok1 || !ok2 {
		cb.record(nil, errors.New("soft: CopyImgToBuf: invalid resource"))
		return
	}
	cb.record(func(fam int) error {
		if err := errors.CombineErrors(buf.own.check(fam), img.own.check(fam)); err != nil {
			return err
		}
		if err := img.checkLayout(driver.LCopySrc, driver.LGeneral); err != nil {
			return err
		}
		var err error
		e := imgRows(&p, img, func(imgOff, bufOff, n int64) {
			if err != nil {
				return
			}
			var dst []byte
			if dst, err = buf.rangeOf(bufOff, n); err == nil {
				copy(dst, img.data[imgOff:imgOff+n])
			}
		})
		return errors.CombineErrors(e, err)
	}, nil)
}

// Fill implements driver.CmdBuffer.
func (cb *cmdBuffer) Fill(buf driver.Buffer, off int64, value byte, size int64) {
	b, ok := buf.(*buffer)
	if !ok {
		cb.record(nil, errors.New("soft: Fill: invalid buffer"))
		return
	}
	cb.record(func(fam int) error {
		if err := b.own.check(fam); err != nil {
			return err
		}
		dst, err := b.rangeOf(off, size)
		if err != nil {
			return err
		}
		for i := range dst {
			dst[i] = value
		}
		return nil
	}, nil)
}

// Barrier implements driver.CmdBuffer.
// Commands execute sequentially, so global barriers only
// need to be counted.
func (cb *cmdBuffer) Barrier(b []driver.Barrier) {
	cb.barriers += len(b)
	cb.record(func(int) error { return nil }, nil)
}

// BufferBarrier implements driver.CmdBuffer.
func (cb *cmdBuffer) BufferBarrier(b []driver.BufferBarrier) {
	cb.barriers += len(b)
	bs := append([]driver.BufferBarrier(nil), b...)
	for i := range bs {
		if _, ok := bs[i].Buf.(*buffer); !ok {
			cb.record(nil, errors.New("soft: BufferBarrier: invalid buffer"))
			return
		}
	}
	cb.record(func(fam int) error {
		var errs error
		for i := range bs {
			x := &bs[i]
			if x.FamilyBefore == x.FamilyAfter || x.FamilyBefore == driver.FamilyIgnored || x.FamilyAfter == driver.FamilyIgnored {
				continue
			}
			_, err := x.Buf.(*buffer).own.transfer(fam, x.FamilyBefore, x.FamilyAfter)
			errs = errors.CombineErrors(errs, err)
		}
		return errs
	}, nil)
}

// Transition implements driver.CmdBuffer.
func (cb *cmdBuffer) Transition(t []driver.Transition) {
	cb.barriers += len(t)
	ts := append([]driver.Transition(nil), t...)
	for i := range ts {
		if _, ok := ts[i].Img.(*image); !ok {
			cb.record(nil, errors.New("soft: Transition: invalid image"))
			return
		}
	}
	cb.record(func(fam int) error {
		var errs error
		for i := range ts {
			errs = errors.CombineErrors(errs, ts[i].Img.(*image).transition(fam, &ts[i]))
		}
		return errs
	}, nil)
}

// SetDescTable implements driver.CmdBuffer.
func (cb *cmdBuffer) SetDescTable(bp driver.BindPoint, set int, table driver.DescTable) {
	t, ok := table.(*descTable)
	if !ok {
		cb.record(nil, errors.New("soft: SetDescTable: invalid table"))
		return
	}
	if set < 0 {
		cb.record(nil, errors.Newf("soft: SetDescTable: invalid set %d", set))
		return
	}
	cb.record(func(int) error {
		t.bound.Store(true)
		return nil
	}, nil)
}

// Barriers returns the number of barriers recorded in a
// command buffer created by this package since its last
// Begin call.
func Barriers(cb driver.CmdBuffer) int { return cb.(*cmdBuffer).barriers }
