// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package engine

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gviegas/rtcore/driver"
)

func TestBuffer(t *testing.T) {
	d := openDevice(t, nil)
	for _, res := range [...]Residency{Upload, Readback, DeviceLocal} {
		buf, err := NewBuffer(d, &BufferSpec{
			Size:      1000,
			Usage:     driver.UCopySrc | driver.UDeviceAddress,
			Residency: res,
		})
		require.NoError(t, err, "NewBuffer(%v)", res)
		assert.Equal(t, int64(1000), buf.Size())
		assert.Equal(t, res, buf.Residency())
		assert.Equal(t, driver.UCopySrc|driver.UDeviceAddress, buf.Usage())
		assert.NotZero(t, buf.Address())
		assert.Equal(t, buf.Driver().Address(), buf.Address())
		assert.Equal(t, res != DeviceLocal, buf.Driver().Visible())
		buf.Destroy()
		buf.Destroy()
	}
	assert.Zero(t, d.LiveResources())

	buf, err := NewBuffer(d, &BufferSpec{Size: 16, Usage: driver.UCopySrc, Residency: Upload})
	require.NoError(t, err)
	defer buf.Destroy()
	assert.Zero(t, buf.Address(), "Address without driver.UDeviceAddress")
}

func TestBufferMap(t *testing.T) {
	d := openDevice(t, nil)
	buf, err := NewBuffer(d, &BufferSpec{Size: 512, Usage: driver.UCopySrc, Residency: Upload})
	require.NoError(t, err)
	defer buf.Destroy()

	p, err := buf.Map(WholeSize, 256)
	require.NoError(t, err)
	require.Len(t, p, 256)
	require.True(t, buf.IsMapped())
	for i := range p {
		p[i] = byte(i)
	}
	buf.Unmap()
	require.False(t, buf.IsMapped())

	q := make([]byte, 256)
	require.NoError(t, buf.Read(q, 256))
	assert.Equal(t, p, q)

	require.NoError(t, buf.Write([]byte("rtcore"), 10))
	require.NoError(t, buf.Read(q[:6], 10))
	assert.Equal(t, "rtcore", string(q[:6]))

	p, err = buf.Map(0, 512)
	require.NoError(t, err)
	assert.Empty(t, p)
	buf.Unmap()

	for _, x := range [...]struct{ size, off int64 }{
		{1, 512},
		{513, 0},
		{WholeSize, 513},
		{-2, 0},
		{1, -1},
	} {
		_, err := buf.Map(x.size, x.off)
		assert.Error(t, err, "Map(%d, %d)", x.size, x.off)
	}
}

func TestBufferMapTwice(t *testing.T) {
	d := openDevice(t, nil)
	log := captureLog(t)
	buf, err := NewBuffer(d, &BufferSpec{Size: 64, Usage: driver.UCopySrc, Residency: Readback})
	require.NoError(t, err)

	_, err = buf.Map(32, 0)
	require.NoError(t, err)
	p, err := buf.Map(32, 32)
	require.NoError(t, err, "mapping twice must not fail")
	assert.Len(t, p, 32)
	assert.Equal(t, []string{"engine: Map of mapped buffer; unmapping first"}, log.messages(slog.LevelWarn))

	buf.Unmap()
	buf.Unmap()
	assert.Contains(t, log.messages(slog.LevelWarn), "engine: Unmap of buffer that is not mapped")

	_, err = buf.Map(WholeSize, 0)
	require.NoError(t, err)
	buf.Destroy()
	assert.Contains(t, log.messages(slog.LevelWarn), "engine: Destroy of mapped buffer")
	_, err = buf.Map(WholeSize, 0)
	assert.ErrorIs(t, err, ErrDestroyed)
}

func TestBufferDeviceLocal(t *testing.T) {
	d := openDevice(t, nil)
	buf, err := NewBuffer(d, &BufferSpec{Size: 64, Usage: driver.UCopyDst, Residency: DeviceLocal})
	require.NoError(t, err)
	defer buf.Destroy()
	_, err = buf.Map(WholeSize, 0)
	assert.Error(t, err)
	assert.Error(t, buf.Write([]byte{1}, 0))
	assert.False(t, buf.IsMapped())
}

func TestBufferInvalid(t *testing.T) {
	d := openDevice(t, nil)
	for _, n := range [...]int64{0, -1} {
		_, err := NewBuffer(d, &BufferSpec{Size: n, Residency: Upload})
		assert.Error(t, err, "NewBuffer(size %d)", n)
	}
	_, err := NewBuffer(d, &BufferSpec{Size: 2 << 30, Residency: DeviceLocal})
	assert.ErrorIs(t, err, driver.ErrNoDeviceMemory)
	assert.ErrorIs(t, err, ErrDevice)
	assert.Zero(t, d.LiveResources())
}

func TestEmptyBuffer(t *testing.T) {
	d := openDevice(t, nil)
	buf := emptyBuffer(d, driver.UCopyDst, DeviceLocal)
	assert.Zero(t, buf.Size())
	assert.Nil(t, buf.Driver())
	buf = emptyBuffer(d, driver.UCopySrc, Upload)
	p, err := buf.Map(WholeSize, 0)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(p, []byte{}))
	buf.Destroy()
}
