// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package engine

import (
	"github.com/cockroachdb/errors"

	"gviegas/rtcore/driver"
)

// TextureSpec describes a Texture.
type TextureSpec struct {
	Format driver.PixelFmt
	Width  int
	Height int
	// Nil means DefaultSamplerSpec().
	Sampler *SamplerSpec
	// Queue that samples the texture.
	Queue QueueClass
}

// Texture is a sampled image registered in a
// BindlessHeap along with its sampler.
type Texture struct {
	heap   *BindlessHeap
	img    *Image
	splr   driver.Sampler
	texIdx uint32
	splIdx uint32
}

// NewTexture creates an image from spec, uploads data
// into it and registers both the image and a new sampler
// in heap. It blocks until the upload completes.
func NewTexture(d *Device, heap *BindlessHeap, data []byte, spec *TextureSpec) (*Texture, error) {
	img, err := NewImage(d, &ImageSpec{
		Format: spec.Format,
		Width:  spec.Width,
		Height: spec.Height,
		Usage:  driver.UShaderSample | driver.UCopyDst,
	})
	if err != nil {
		return nil, err
	}
	if err = img.Upload(data, spec.Queue); err != nil {
		img.Destroy()
		return nil, err
	}
	splr, err := NewSampler(d, spec.Sampler)
	if err != nil {
		img.Destroy()
		return nil, err
	}
	t := &Texture{heap: heap, img: img, splr: splr, texIdx: InvalidIndex, splIdx: InvalidIndex}
	if t.texIdx, err = heap.RegisterTexture(img.View()); err != nil {
		t.Destroy()
		return nil, err
	}
	if t.splIdx, err = heap.RegisterSampler(splr); err != nil {
		t.Destroy()
		return nil, err
	}
	return t, nil
}

// Index returns the bindless index of the texture.
func (t *Texture) Index() uint32 { return t.texIdx }

// SamplerIndex returns the bindless index of the
// texture's sampler.
func (t *Texture) SamplerIndex() uint32 { return t.splIdx }

// Image returns the image of the texture.
func (t *Texture) Image() *Image { return t.img }

// Sampler returns the sampler of the texture.
func (t *Texture) Sampler() driver.Sampler { return t.splr }

// Destroy unregisters the texture from its heap and
// destroys it.
func (t *Texture) Destroy() error {
	var err error
	if t.texIdx != InvalidIndex {
		err = t.heap.UnregisterTexture(t.texIdx)
		t.texIdx = InvalidIndex
	}
	if t.splIdx != InvalidIndex {
		err = errors.CombineErrors(err, t.heap.UnregisterSampler(t.splIdx))
		t.splIdx = InvalidIndex
	}
	if t.splr != nil {
		t.splr.Destroy()
		t.splr = nil
	}
	if t.img != nil {
		t.img.Destroy()
		t.img = nil
	}
	return err
}
