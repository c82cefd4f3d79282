// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gviegas/rtcore/driver"
	"gviegas/rtcore/driver/soft"
)

func TestTexture(t *testing.T) {
	d := openDevice(t, nil)
	h := newTestHeap(t, d, &HeapConfig{Textures: 2, Samplers: 2, StorageImages: 1, TLAS: 1})
	live := d.LiveResources()
	data := randomBytes(8*8*4, 3)

	tex, err := NewTexture(d, h, data, &TextureSpec{Format: driver.RGBA8un, Width: 8, Height: 8, Queue: Graphics})
	require.NoError(t, err)
	require.NotEqual(t, InvalidIndex, tex.Index())
	require.NotEqual(t, InvalidIndex, tex.SamplerIndex())
	assert.Same(t, tex.Image().View(), soft.Descriptor(h.Table(), int(SlotTexture), int(tex.Index())))
	assert.Equal(t, tex.Sampler(), soft.Descriptor(h.Table(), int(SlotSampler), int(tex.SamplerIndex())))
	assert.Equal(t, driver.LShaderRead, tex.Image().Layout())
	assert.Equal(t, d.Family(Graphics), tex.Image().Family())
	assert.Equal(t, 1, h.Live(SlotTexture))
	assert.Equal(t, 1, h.Live(SlotSampler))
	requireValid(t, d)

	require.NoError(t, tex.Destroy())
	assert.NoError(t, tex.Destroy())
	assert.Zero(t, h.Live(SlotTexture))
	assert.Zero(t, h.Live(SlotSampler))
	assert.Equal(t, live, d.LiveResources())
}

func TestTextureHeapFull(t *testing.T) {
	d := openDevice(t, nil)
	h := newTestHeap(t, d, &HeapConfig{Textures: 1, Samplers: 1, StorageImages: 1, TLAS: 1})
	live := d.LiveResources()
	spec := TextureSpec{Format: driver.R8un, Width: 2, Height: 2, Queue: Compute}

	tex, err := NewTexture(d, h, make([]byte, 4), &spec)
	require.NoError(t, err)
	defer tex.Destroy()
	_, err = NewTexture(d, h, make([]byte, 4), &spec)
	assert.ErrorIs(t, err, ErrHeapFull)
	assert.Equal(t, 1, h.Live(SlotTexture))
	assert.Equal(t, live+1, d.LiveResources(), "a failed texture must not leak its image")

	_, err = NewTexture(d, h, make([]byte, 3), &spec)
	assert.Error(t, err)
}
