// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package engine

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gviegas/rtcore/driver"
	"gviegas/rtcore/driver/soft"
)

func randomBytes(n int, seed uint64) []byte {
	r := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	p := make([]byte, n)
	for i := range p {
		p[i] = byte(r.Uint32())
	}
	return p
}

func TestStage(t *testing.T) {
	d := openDevice(t, nil)
	for _, n := range [...]int{1, 3, 4096, 3<<20 + 5} {
		for i := range NQueue {
			q := QueueClass(i)
			data := randomBytes(n, uint64(n*NQueue+i))
			buf, err := Stage(d, data, &StageSpec{Usage: driver.UCopySrc, DstQueue: q})
			require.NoError(t, err, "Stage(%d bytes, %v)", n, q)
			assert.Equal(t, int64(n), buf.Size())
			assert.Equal(t, DeviceLocal, buf.Residency())
			assert.Equal(t, driver.UCopySrc|driver.UCopyDst, buf.Usage())

			want := driver.FamilyIgnored
			if q != Transfer {
				want = d.Family(q)
			}
			assert.Equal(t, want, soft.Owner(buf.Driver()), "owner of buffer staged for %v", q)
			assert.Equal(t, want, buf.Family())

			// A buffer owned by another family is borrowed
			// from its queue and given back.
			submitted := d.Timeline(q).Submitted()
			have, err := Download(d, buf, 0, int64(n))
			require.NoError(t, err)
			if !assert.Equal(t, data, have) {
				t.FailNow()
			}
			if q != Transfer {
				assert.Equal(t, submitted+2, d.Timeline(q).Submitted(), "owner submissions during Download")
			}
			assert.Equal(t, want, soft.Owner(buf.Driver()), "owner after Download")
			assert.Equal(t, want, buf.Family())
			if n > 1 {
				have, err = Download(d, buf, 1, int64(n-1))
				require.NoError(t, err)
				assert.Equal(t, data[1:], have)
				assert.Equal(t, want, soft.Owner(buf.Driver()))
			}
			buf.Destroy()
		}
	}
	requireValid(t, d)
	assert.Zero(t, d.LiveResources(), "staging buffers must be destroyed")
}

func TestStageSharedFamily(t *testing.T) {
	d := openDevice(t, nil, soft.DefaultAdapters()[0])
	data := randomBytes(1000, 1)
	buf, err := Stage(d, data, &StageSpec{Usage: driver.UCopySrc, DstQueue: Graphics})
	require.NoError(t, err)
	defer buf.Destroy()
	assert.Equal(t, driver.FamilyIgnored, soft.Owner(buf.Driver()), "no transfer between queues of the same family")
	have, err := Download(d, buf, 0, buf.Size())
	require.NoError(t, err)
	assert.Equal(t, data, have)
	requireValid(t, d)
}

func TestStageEmpty(t *testing.T) {
	d := openDevice(t, nil)
	var submitted [NQueue]uint64
	for i := range NQueue {
		submitted[i] = d.Timeline(QueueClass(i)).Submitted()
	}
	for _, data := range [...][]byte{nil, {}} {
		buf, err := Stage(d, data, &StageSpec{Usage: driver.UVertexData, DstQueue: Graphics})
		require.NoError(t, err)
		assert.Zero(t, buf.Size())
		assert.Nil(t, buf.Driver())
		assert.Zero(t, buf.Address())
		have, err := Download(d, buf, 0, 0)
		require.NoError(t, err)
		assert.Empty(t, have)
		buf.Destroy()
	}
	for i := range NQueue {
		assert.Equal(t, submitted[i], d.Timeline(QueueClass(i)).Submitted(), "empty Stage must not submit")
	}
	assert.Zero(t, d.LiveResources())
}

func TestDownloadInvalid(t *testing.T) {
	d := openDevice(t, nil)
	buf, err := Stage(d, []byte{1, 2, 3}, &StageSpec{DstQueue: Compute})
	require.NoError(t, err)
	defer buf.Destroy()
	_, err = Download(d, buf, 0, 3)
	assert.Error(t, err, "Download without driver.UCopySrc")

	src, err := Stage(d, []byte{1, 2, 3}, &StageSpec{Usage: driver.UCopySrc, DstQueue: Compute})
	require.NoError(t, err)
	defer src.Destroy()
	_, err = Download(d, src, 2, 2)
	assert.Error(t, err)
	_, err = Download(d, src, -1, 1)
	assert.Error(t, err)
}
