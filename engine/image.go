// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package engine

import (
	"sync"

	"github.com/cockroachdb/errors"

	"gviegas/rtcore/driver"
)

// ImageSpec describes an Image.
type ImageSpec struct {
	Format driver.PixelFmt
	Width  int
	Height int
	Usage  driver.Usage
}

// Image is a 2D image with a single level and layer.
// It tracks its current layout and owning queue family,
// so that redundant transitions are not recorded.
type Image struct {
	d     *Device
	img   driver.Image
	view  driver.ImageView
	owned bool
	spec  ImageSpec
	id    resID

	mu     sync.Mutex
	layout driver.Layout
	family int
	// Transition whose acquire half was not recorded yet.
	pending *driver.Transition
}

// NewImage creates a new Image.
func NewImage(d *Device, spec *ImageSpec) (*Image, error) {
	img, err := d.gpu.NewImage(&driver.ImageDesc{
		Format:  spec.Format,
		Size:    driver.Dim3D{Width: spec.Width, Height: spec.Height, Depth: 1},
		Layers:  1,
		Levels:  1,
		Samples: 1,
		Usage:   spec.Usage,
	})
	if err != nil {
		return nil, deviceError("NewImage", AnyQueue, err)
	}
	i, err := WrapImage(d, img, spec)
	if err != nil {
		img.Destroy()
		return nil, err
	}
	i.owned = true
	return i, nil
}

// WrapImage creates an Image from an existing
// driver.Image (e.g., a swapchain image). The Image does
// not own img: Destroy only destroys the view.
// If spec is nil, it is derived from img.
func WrapImage(d *Device, img driver.Image, spec *ImageSpec) (*Image, error) {
	var s ImageSpec
	if spec != nil {
		s = *spec
	} else {
		sz := img.Size()
		s = ImageSpec{Format: img.Format(), Width: sz.Width, Height: sz.Height}
	}
	view, err := img.NewView(driver.IView2D, 0, 1, 0, 1)
	if err != nil {
		return nil, deviceError("NewView", AnyQueue, err)
	}
	return &Image{
		d:      d,
		img:    img,
		view:   view,
		spec:   s,
		id:     d.track("image", int64(s.Width*s.Height*s.Format.Size())),
		layout: driver.LUndefined,
		family: driver.FamilyIgnored,
	}, nil
}

// LayoutTransition describes a call to
// Image.TransitionLayout.
type LayoutTransition struct {
	Layout driver.Layout
	// Queue family that owns the image after the
	// transition. driver.FamilyIgnored keeps the
	// current owner.
	Family       int
	SyncBefore   driver.Sync
	SyncAfter    driver.Sync
	AccessBefore driver.Access
	AccessAfter  driver.Access
}

// TransitionLayout records a layout transition into cb.
// It returns false, recording nothing, if the image is
// already in t.Layout and owned by t.Family.
//
// A transition that changes the owning family must be
// recorded twice: first into a command buffer of the
// releasing queue and then, with the same t, into a
// command buffer of the acquiring queue. The acquiring
// submission must wait on the releasing one.
//
// A transition out of driver.LUndefined discards the
// image contents and ignores t.SyncBefore and
// t.AccessBefore.
func (i *Image) TransitionLayout(cb driver.CmdBuffer, t *LayoutTransition) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if p := i.pending; p != nil {
		if p.LayoutAfter == t.Layout && p.FamilyAfter == t.Family {
			acq := *p
			acq.Barrier = driver.Barrier{
				SyncBefore:   driver.SNone,
				SyncAfter:    t.SyncAfter,
				AccessBefore: driver.ANone,
				AccessAfter:  t.AccessAfter,
			}
			cb.Transition([]driver.Transition{acq})
			i.pending = nil
			return true
		}
		// Abandoned transfer; the image stays with the
		// releasing family.
		Logger().Warn("engine: image ownership transfer was not acquired")
		i.layout = p.LayoutBefore
		i.family = p.FamilyBefore
		i.pending = nil
	}
	fam := t.Family
	if fam == driver.FamilyIgnored {
		fam = i.family
	}
	if t.Layout == i.layout && fam == i.family {
		return false
	}
	x := driver.Transition{
		Barrier: driver.Barrier{
			SyncBefore:   t.SyncBefore,
			SyncAfter:    t.SyncAfter,
			AccessBefore: t.AccessBefore,
			AccessAfter:  t.AccessAfter,
		},
		LayoutBefore: i.layout,
		LayoutAfter:  t.Layout,
		Img:          i.img,
		FamilyBefore: driver.FamilyIgnored,
		FamilyAfter:  driver.FamilyIgnored,
	}
	if i.layout == driver.LUndefined {
		x.SyncBefore = driver.SNone
		x.AccessBefore = driver.ANone
	}
	transfer := i.family != driver.FamilyIgnored && fam != i.family
	if transfer {
		x.FamilyBefore = i.family
		x.FamilyAfter = fam
		x.SyncAfter = driver.SNone
		x.AccessAfter = driver.ANone
		p := x
		i.pending = &p
	}
	cb.Transition([]driver.Transition{x})
	i.layout = t.Layout
	i.family = fam
	return true
}

// Upload copies data into the image on the transfer queue
// and leaves it in driver.LShaderRead layout, owned by
// the queue of class dstQueue. The image must have been
// created with driver.UCopyDst usage, and data must hold
// exactly Width*Height pixels.
// If another family owns the image, it is released on
// that family's queue before the copy.
// It blocks until the copy completes.
func (i *Image) Upload(data []byte, dstQueue QueueClass) error {
	d := i.d
	want := i.spec.Width * i.spec.Height * i.spec.Format.Size()
	if len(data) != want {
		return errors.Newf("engine: Image.Upload: have %d bytes, want %d", len(data), want)
	}
	if !dstQueue.valid() {
		return errors.AssertionFailedf("engine: invalid queue class %d", dstQueue)
	}
	stg, err := NewBuffer(d, &BufferSpec{
		Size:      int64(len(data)),
		Usage:     driver.UCopySrc,
		Residency: Upload,
	})
	if err != nil {
		return err
	}
	defer stg.Destroy()
	if err = stg.Write(data, 0); err != nil {
		return err
	}
	toCopy := LayoutTransition{
		Layout:       driver.LCopyDst,
		Family:       d.fams[Transfer],
		SyncBefore:   driver.SAll,
		SyncAfter:    driver.SCopy,
		AccessBefore: driver.AAnyRead,
		AccessAfter:  driver.ACopyWrite,
	}
	final := LayoutTransition{
		Layout:       driver.LShaderRead,
		Family:       d.fams[dstQueue],
		SyncBefore:   driver.SCopy,
		SyncAfter:    driver.SAll,
		AccessBefore: driver.ACopyWrite,
		AccessAfter:  driver.AShaderRead,
	}
	// An image owned by another family is released on the
	// owner's queue first.
	var (
		t0   *transient
		wait []driver.SemaphoreOp
	)
	if owner := i.owner(); owner != driver.FamilyIgnored && owner != d.fams[Transfer] {
		oq, ok := d.classOf(owner)
		if !ok {
			return errors.AssertionFailedf("engine: image owned by unknown family %d", owner)
		}
		t0, err = d.submitOnce(oq, nil, func(cb driver.CmdBuffer) error {
			i.TransitionLayout(cb, &toCopy)
			return nil
		})
		if err != nil {
			return err
		}
		wait = []driver.SemaphoreOp{t0.op}
	}
	t1, err := d.submitOnce(Transfer, wait, func(cb driver.CmdBuffer) error {
		i.TransitionLayout(cb, &toCopy)
		cb.CopyBufToImg(&driver.BufImgCopy{
			Buf:  stg.buf,
			Img:  i.img,
			Size: driver.Dim3D{Width: i.spec.Width, Height: i.spec.Height, Depth: 1},
		})
		i.TransitionLayout(cb, &final)
		return nil
	})
	if err != nil {
		return errors.CombineErrors(err, d.finish(t0))
	}
	if !i.isPending() {
		return d.finish(t1, t0)
	}
	t2, err := d.submitOnce(dstQueue, []driver.SemaphoreOp{t1.op}, func(cb driver.CmdBuffer) error {
		i.TransitionLayout(cb, &final)
		return nil
	})
	if err != nil {
		return errors.CombineErrors(err, d.finish(t1, t0))
	}
	return d.finish(t2, t1, t0)
}

// owner returns the family that owns the image once the
// recorded commands execute. A transfer that was released
// but not acquired leaves the image with the releasing
// family.
func (i *Image) owner() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.pending != nil {
		return i.pending.FamilyBefore
	}
	return i.family
}

func (i *Image) isPending() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.pending != nil
}

// View returns the 2D view of the image.
func (i *Image) View() driver.ImageView { return i.view }

// Driver returns the driver.Image.
func (i *Image) Driver() driver.Image { return i.img }

// Extent returns the width and height of the image.
func (i *Image) Extent() (width, height int) { return i.spec.Width, i.spec.Height }

// Format returns the pixel format of the image.
func (i *Image) Format() driver.PixelFmt { return i.spec.Format }

// Layout returns the layout that the image is in after
// every recorded transition executes.
func (i *Image) Layout() driver.Layout {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.layout
}

// Family returns the queue family that owns the image
// after every recorded transition executes, or
// driver.FamilyIgnored if it was never transitioned.
func (i *Image) Family() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.family
}

// Destroy destroys the image view and, if the image is
// owned, the image itself.
func (i *Image) Destroy() {
	if i.view != nil {
		i.view.Destroy()
		i.view = nil
		i.d.untrack(i.id)
	}
	if i.owned && i.img != nil {
		i.img.Destroy()
	}
	i.img = nil
}
