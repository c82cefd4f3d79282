// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package engine

import (
	"log/slog"
	"sync"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"gviegas/rtcore/driver"
	"gviegas/rtcore/driver/soft"
)

func newTestHeap(t *testing.T, d *Device, cfg *HeapConfig) *BindlessHeap {
	t.Helper()
	h, err := NewBindlessHeap(d, cfg)
	require.NoError(t, err)
	t.Cleanup(h.Destroy)
	return h
}

func TestPartition(t *testing.T) {
	p := newPartition(4)
	for want := range uint32(4) {
		i, ok := p.alloc()
		require.True(t, ok)
		assert.Equal(t, want, i)
	}
	_, ok := p.alloc()
	assert.False(t, ok)
	assert.Equal(t, 4, p.count())

	cleared := -1
	require.True(t, p.free(2, func() {
		assert.True(t, p.live.IsSet(2), "index freed before clear")
		cleared = 2
	}))
	assert.Equal(t, 2, cleared)
	require.True(t, p.free(0, nil))
	assert.False(t, p.free(2, nil), "double free")
	assert.False(t, p.free(4, nil), "out of range")
	assert.False(t, p.free(InvalidIndex, nil))
	assert.Equal(t, 2, p.count())

	// FIFO order.
	i, _ := p.alloc()
	assert.Equal(t, uint32(2), i)
	i, _ = p.alloc()
	assert.Equal(t, uint32(0), i)
	assert.Equal(t, 4, p.count())

	q := newPartition(1)
	assert.True(t, q.mark(0))
	assert.False(t, q.mark(1))
	assert.Equal(t, 1, q.count())
}

func TestBindlessHeap(t *testing.T) {
	d := openDevice(t, nil)
	cfg := HeapConfig{Textures: 8, Samplers: 4, StorageImages: 2, TLAS: 1}
	h := newTestHeap(t, d, &cfg)
	assert.Equal(t, 8, h.Capacity(SlotTexture))
	assert.Equal(t, 4, h.Capacity(SlotSampler))
	assert.Equal(t, 2, h.Capacity(SlotStorageImage))
	assert.Equal(t, 1, h.Capacity(SlotTLAS))
	require.Len(t, h.Layout().Bindings(), 4)
	for i, b := range h.Layout().Bindings() {
		assert.Equal(t, i, b.Nr)
		assert.Equal(t, driver.DPartiallyBound|driver.DUpdateAfterBind, b.Flags)
	}

	img := newTestImage(t, d, 1, 1)
	seen := make(map[uint32]bool)
	for range 8 {
		i, err := h.RegisterTexture(img.View())
		require.NoError(t, err)
		require.False(t, seen[i], "index %d handed out twice", i)
		seen[i] = true
		assert.Same(t, img.View(), soft.Descriptor(h.Table(), int(SlotTexture), int(i)))
	}
	assert.Equal(t, 8, h.Live(SlotTexture))

	log := captureLog(t)
	i, err := h.RegisterTexture(img.View())
	assert.ErrorIs(t, err, ErrHeapFull)
	assert.Equal(t, InvalidIndex, i)
	assert.Contains(t, log.messages(slog.LevelWarn), "engine: bindless heap is full")

	require.NoError(t, h.UnregisterTexture(3))
	assert.Nil(t, soft.Descriptor(h.Table(), int(SlotTexture), 3))
	require.NoError(t, h.UnregisterTexture(5))
	require.NoError(t, h.UnregisterTexture(1))
	assert.Equal(t, 5, h.Live(SlotTexture))
	for _, want := range [...]uint32{3, 5, 1} {
		i, err := h.RegisterTexture(img.View())
		require.NoError(t, err)
		assert.Equal(t, want, i, "freed indices must be reused in FIFO order")
	}

	for _, idx := range [...]uint32{8, 100, InvalidIndex} {
		assert.ErrorIs(t, h.UnregisterTexture(idx), ErrInvalidIndex)
	}
	require.NoError(t, h.UnregisterTexture(7))
	assert.ErrorIs(t, h.UnregisterTexture(7), ErrInvalidIndex, "double unregister")
	assert.Contains(t, log.messages(slog.LevelWarn), "engine: unregister of invalid bindless index")
	requireValid(t, d)
}

func TestBindlessSamplers(t *testing.T) {
	d := openDevice(t, nil)
	h := newTestHeap(t, d, &HeapConfig{Textures: 1, Samplers: 2, StorageImages: 1, TLAS: 1})
	s, err := NewSampler(d, nil)
	require.NoError(t, err)
	defer s.Destroy()

	a, err := h.RegisterSampler(s)
	require.NoError(t, err)
	b, err := h.RegisterSampler(s)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
	assert.Equal(t, s, soft.Descriptor(h.Table(), int(SlotSampler), int(b)))
	_, err = h.RegisterSampler(s)
	assert.ErrorIs(t, err, ErrHeapFull)

	require.NoError(t, h.UnregisterSampler(a))
	assert.Nil(t, soft.Descriptor(h.Table(), int(SlotSampler), int(a)))
	assert.ErrorIs(t, h.UnregisterSampler(a), ErrInvalidIndex)
	assert.Equal(t, 1, h.Live(SlotSampler))
}

func TestBindlessStorageImage(t *testing.T) {
	d := openDevice(t, nil)
	h := newTestHeap(t, d, &HeapConfig{Textures: 1, Samplers: 1, StorageImages: 2, TLAS: 1})
	img := newTestImage(t, d, 2, 2)
	require.NoError(t, h.UpdateStorageImage(1, img.View()))
	assert.Same(t, img.View(), soft.Descriptor(h.Table(), int(SlotStorageImage), 1))
	assert.Equal(t, 1, h.Live(SlotStorageImage))
	require.NoError(t, h.UpdateStorageImage(1, img.View()))
	assert.Equal(t, 1, h.Live(SlotStorageImage))
	assert.ErrorIs(t, h.UpdateStorageImage(2, img.View()), ErrInvalidIndex)
}

func TestBindlessConcurrent(t *testing.T) {
	d := openDevice(t, nil)
	h := newTestHeap(t, d, nil)
	img := newTestImage(t, d, 1, 1)
	capacity := h.Capacity(SlotTexture)
	const workers = 16
	per := capacity / workers

	var (
		mu      sync.Mutex
		indices = make(map[uint32]int)
	)
	var g errgroup.Group
	for range workers {
		g.Go(func() error {
			for range per {
				i, err := h.RegisterTexture(img.View())
				if err != nil {
					return err
				}
				mu.Lock()
				indices[i]++
				mu.Unlock()
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	require.Len(t, indices, capacity, "every registration must yield a distinct index")
	assert.Equal(t, capacity, h.Live(SlotTexture))
	_, err := h.RegisterTexture(img.View())
	assert.ErrorIs(t, err, ErrHeapFull)

	keys := make(chan uint32, capacity)
	for i := range indices {
		keys <- i
	}
	close(keys)
	var g2 errgroup.Group
	for range workers {
		g2.Go(func() error {
			for i := range keys {
				if err := h.UnregisterTexture(i); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g2.Wait())
	assert.Zero(t, h.Live(SlotTexture))
}

func TestBindlessReuse(t *testing.T) {
	d := openDevice(t, nil)
	h := newTestHeap(t, d, &HeapConfig{Textures: 1, Samplers: 1, StorageImages: 1, TLAS: 1})
	img := newTestImage(t, d, 1, 1)
	for range 500 {
		i, err := h.RegisterTexture(img.View())
		require.NoError(t, err)
		var (
			g   errgroup.Group
			got uint32
		)
		g.Go(func() error { return h.UnregisterTexture(i) })
		g.Go(func() error {
			for {
				j, err := h.RegisterTexture(img.View())
				if err == nil {
					got = j
					return nil
				}
				if !errors.Is(err, ErrHeapFull) {
					return err
				}
			}
		})
		require.NoError(t, g.Wait())
		if have := soft.Descriptor(h.Table(), int(SlotTexture), int(got)); have != img.View() {
			t.Fatalf("live texture %d descriptor:\nhave %v\nwant %v", got, have, img.View())
		}
		require.NoError(t, h.UnregisterTexture(got))
		assert.Nil(t, soft.Descriptor(h.Table(), int(SlotTexture), int(got)))
	}
}

func TestBindlessBind(t *testing.T) {
	d := openDevice(t, nil)
	h := newTestHeap(t, d, &HeapConfig{Textures: 4, Samplers: 1, StorageImages: 1, TLAS: 1})
	img := newTestImage(t, d, 1, 1)
	require.NoError(t, d.Execute(Graphics, func(cb driver.CmdBuffer) error {
		h.Bind(cb, driver.BindRayTracing, 0)
		return nil
	}))
	// Updates after bind are allowed.
	i, err := h.RegisterTexture(img.View())
	require.NoError(t, err)
	require.NoError(t, h.UnregisterTexture(i))
	requireValid(t, d)
}

func TestNewBindlessHeap(t *testing.T) {
	d := openDevice(t, nil)
	_, err := NewBindlessHeap(d, &HeapConfig{Textures: 3, Samplers: 1, StorageImages: 1, TLAS: 1})
	assert.Error(t, err)
	assert.Zero(t, d.LiveResources())

	h, err := NewBindlessHeap(d, nil)
	require.NoError(t, err)
	assert.Equal(t, d.Config().Heap.Textures, h.Capacity(SlotTexture))
	assert.Equal(t, 1, d.LiveResources())
	h.Destroy()
	h.Destroy()
	assert.Zero(t, d.LiveResources())
}

func TestSlotKind(t *testing.T) {
	for k, want := range map[SlotKind]string{
		SlotTexture:      "texture",
		SlotSampler:      "sampler",
		SlotStorageImage: "storage image",
		SlotTLAS:         "tlas",
		SlotKind(9):      "SlotKind(9)",
	} {
		assert.Equal(t, want, k.String())
	}
}
