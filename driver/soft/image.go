// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package soft

import (
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"

	"gviegas/rtcore/driver"
)

// image implements driver.Image.
// Only the first layer and level have storage.
type image struct {
	g     *gpu
	desc  driver.ImageDesc
	data  []byte
	views atomic.Int32

	mu     sync.Mutex
	layout driver.Layout
	own    ownership
}

// NewImage implements driver.GPU.
func (g *gpu) NewImage(desc *driver.ImageDesc) (driver.Image, error) {
	if err := g.checkLost(); err != nil {
		return nil, err
	}
	ps := desc.Format.Size()
	switch {
	case ps == 0:
		return nil, errors.Newf("soft: invalid pixel format %d", desc.Format)
	case desc.Size.Width <= 0 || desc.Size.Height <= 0:
		return nil, errors.Newf("soft: invalid image size %v", desc.Size)
	case desc.Size.Width > g.limits.MaxImage2D || desc.Size.Height > g.limits.MaxImage2D:
		return nil, errors.Newf("soft: image size %v exceeds limit %d", desc.Size, g.limits.MaxImage2D)
	case desc.Layers > g.limits.MaxLayers:
		return nil, errors.Newf("soft: image layers %d exceeds limit %d", desc.Layers, g.limits.MaxLayers)
	}
	d := *desc
	d.Size.Depth = max(d.Size.Depth, 1)
	d.Layers = max(d.Layers, 1)
	d.Levels = max(d.Levels, 1)
	d.Samples = max(d.Samples, 1)
	img := &image{
		g:    g,
		desc: d,
		data: make([]byte, d.Size.Width*d.Size.Height*d.Size.Depth*ps),
	}
	img.own.init()
	return img, nil
}

// Format implements driver.Image.
func (img *image) Format() driver.PixelFmt { return img.desc.Format }

// Size implements driver.Image.
func (img *image) Size() driver.Dim3D { return img.desc.Size }

// NewView implements driver.Image.
func (img *image) NewView(typ driver.ViewType, layer, layers, level, levels int) (driver.ImageView, error) {
	if layer < 0 || layers < 1 || layer+layers > img.desc.Layers {
		return nil, errors.Newf("soft: invalid view layers [%d, %d)", layer, layer+layers)
	}
	if level < 0 || levels < 1 || level+levels > img.desc.Levels {
		return nil, errors.Newf("soft: invalid view levels [%d, %d)", level, level+levels)
	}
	if typ == driver.IView3D && img.desc.Size.Depth == 1 {
		return nil, errors.New("soft: 3D view of 2D image")
	}
	img.views.Add(1)
	return &imageView{img: img, typ: typ}, nil
}

// Destroy implements driver.Destroyer.
func (img *image) Destroy() {
	if n := img.views.Load(); n != 0 {
		img.g.invalid(errors.Newf("soft: image destroyed with %d live views", n))
	}
	img.data = nil
}

// transition executes a layout transition on family fam.
func (img *image) transition(fam int, t *driver.Transition) error {
	if t.FamilyBefore != t.FamilyAfter && t.FamilyBefore != driver.FamilyIgnored && t.FamilyAfter != driver.FamilyIgnored {
		acquired, err := img.own.transfer(fam, t.FamilyBefore, t.FamilyAfter)
		if err != nil || !acquired {
			return err
		}
	}
	img.mu.Lock()
	defer img.mu.Unlock()
	if t.LayoutBefore != driver.LUndefined && t.LayoutBefore != img.layout {
		return errors.Newf("soft: layout transition from %d, but image is in layout %d", t.LayoutBefore, img.layout)
	}
	img.layout = t.LayoutAfter
	return nil
}

func (img *image) checkLayout(want ...driver.Layout) error {
	img.mu.Lock()
	defer img.mu.Unlock()
	for _, l := range want {
		if img.layout == l {
			return nil
		}
	}
	return errors.Newf("soft: image in layout %d, want one of %v", img.layout, want)
}

// ImageLayout returns the current layout of an image
// created by this package.
func ImageLayout(img driver.Image) driver.Layout {
	u := img.(*image)
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.layout
}

// imageView implements driver.ImageView.
type imageView struct {
	img       *image
	typ       driver.ViewType
	destroyed atomic.Bool
}

// Image implements driver.ImageView.
func (v *imageView) Image() driver.Image { return v.img }

// Destroy implements driver.Destroyer.
func (v *imageView) Destroy() {
	if v.destroyed.CompareAndSwap(false, true) {
		v.img.views.Add(-1)
	}
}

// sampler implements driver.Sampler.
type sampler struct {
	spln driver.Sampling
}

// NewSampler implements driver.GPU.
func (g *gpu) NewSampler(spln *driver.Sampling) (driver.Sampler, error) {
	if err := g.checkLost(); err != nil {
		return nil, err
	}
	if spln.MaxAniso < 1 || spln.MaxAniso > 16 {
		return nil, errors.Newf("soft: invalid max anisotropy %d", spln.MaxAniso)
	}
	if spln.MaxLOD < spln.MinLOD {
		return nil, errors.New("soft: max LOD less than min LOD")
	}
	return &sampler{spln: *spln}, nil
}

// Destroy implements driver.Destroyer.
func (s *sampler) Destroy() {}
