// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package engine

import (
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gviegas/rtcore/driver"
	"gviegas/rtcore/driver/soft"
)

// newGate creates a timeline semaphore that the test
// signals from the host.
func newGate(t *testing.T, d *Device) driver.Semaphore {
	t.Helper()
	sem, err := d.GPU().NewSemaphore(true, 0)
	require.NoError(t, err)
	return sem
}

func TestTimelineMonotonic(t *testing.T) {
	d := openDevice(t, nil)
	const n = 10
	for i := range NQueue {
		q := QueueClass(i)
		tl := d.Timeline(q)
		for j := uint64(1); j <= n; j++ {
			op, err := d.Submit(q, nil, nil, nil)
			require.NoError(t, err)
			assert.Equal(t, j, op.Value)
			assert.Same(t, tl.Semaphore(), op.Sem)
			assert.Equal(t, j, tl.Submitted())
		}
		require.NoError(t, d.SyncTimeline(q))
		v, err := tl.Completed()
		require.NoError(t, err)
		assert.Equal(t, uint64(n), v)
	}
	require.NoError(t, d.WaitIdle())
}

func TestCrossQueueWait(t *testing.T) {
	d := openDevice(t, nil)
	gate := newGate(t, d)
	defer gate.Destroy()

	op1, err := d.Submit(Transfer, nil, []driver.SemaphoreOp{{Sem: gate, Value: 1, Sync: driver.SAll}}, nil)
	require.NoError(t, err)
	op2, err := d.Submit(Compute, nil, []driver.SemaphoreOp{op1}, nil)
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	for _, q := range [...]QueueClass{Transfer, Compute} {
		v, err := d.Timeline(q).Completed()
		require.NoError(t, err)
		assert.Zero(t, v, "%v timeline advanced before its wait was satisfied", q)
	}

	require.NoError(t, gate.Signal(1))
	require.NoError(t, d.WaitTimeline(Compute, op2.Value))
	v, err := d.Timeline(Transfer).Completed()
	require.NoError(t, err)
	assert.Equal(t, op1.Value, v)
}

func TestWaitTimeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.WaitTimeout = Duration(20 * time.Millisecond)
	d := openDevice(t, &cfg)
	gate := newGate(t, d)
	defer gate.Destroy()

	_, err := d.Submit(Transfer, nil, []driver.SemaphoreOp{{Sem: gate, Value: 1, Sync: driver.SAll}}, nil)
	require.NoError(t, err)
	err = d.SyncTimeline(Transfer)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDevice)
	assert.ErrorIs(t, err, ErrDeviceLost)
	assert.ErrorIs(t, err, driver.ErrTimeout)
	var de *DeviceError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, "WaitTimeline", de.Op)
	assert.Equal(t, Transfer, de.Queue)

	require.NoError(t, gate.Signal(1))
	assert.NoError(t, d.SyncTimeline(Transfer))
}

func TestDeviceLost(t *testing.T) {
	d := openDevice(t, nil)
	_, err := d.Submit(Graphics, nil, nil, nil)
	require.NoError(t, err)
	require.NoError(t, d.SyncTimeline(Graphics))

	soft.Lose(d.GPU())
	_, err = d.Submit(Graphics, nil, nil, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDeviceLost)
	assert.ErrorIs(t, err, ErrDevice)
	assert.Equal(t, uint64(1), d.Timeline(Graphics).Submitted(), "failed submissions must not consume timeline values")

	assert.ErrorIs(t, d.Close(), ErrDeviceLost)
}

func TestSubmitInvalidQueue(t *testing.T) {
	d := openDevice(t, nil)
	_, err := d.Submit(QueueClass(NQueue), nil, nil, nil)
	assert.Error(t, err)
	_, err = d.Submit(AnyQueue, nil, nil, nil)
	assert.Error(t, err)

	for _, q := range [...]QueueClass{AnyQueue, QueueClass(NQueue), QueueClass(42)} {
		assert.Error(t, d.WaitTimeline(q, 1), "WaitTimeline(%d)", q)
		assert.Error(t, d.SyncTimeline(q), "SyncTimeline(%d)", q)
		assert.Error(t, d.Execute(q, func(driver.CmdBuffer) error { return nil }), "Execute(%d)", q)
		assert.Equal(t, driver.FamilyIgnored, d.Family(q))
		assert.Nil(t, d.Queue(q))
		assert.Nil(t, d.Timeline(q))
	}
	requireValid(t, d)
}

func TestExecute(t *testing.T) {
	d := openDevice(t, nil)
	buf, err := NewBuffer(d, &BufferSpec{Size: 64, Usage: driver.UCopyDst, Residency: Readback})
	require.NoError(t, err)
	defer buf.Destroy()

	require.NoError(t, d.Execute(Compute, func(cb driver.CmdBuffer) error {
		require.True(t, cb.IsRecording())
		cb.Fill(buf.Driver(), 16, 0xab, 32)
		return nil
	}))
	p := make([]byte, 64)
	require.NoError(t, buf.Read(p, 0))
	for i, b := range p {
		want := byte(0)
		if i >= 16 && i < 48 {
			want = 0xab
		}
		if b != want {
			t.Fatalf("Execute: byte %d:\nhave %#x\nwant %#x", i, b, want)
		}
	}
	requireValid(t, d)

	before := d.Timeline(Compute).Submitted()
	errFn := errors.New("record failed")
	err = d.Execute(Compute, func(driver.CmdBuffer) error { return errFn })
	assert.ErrorIs(t, err, errFn)
	assert.Equal(t, before, d.Timeline(Compute).Submitted(), "nothing must be submitted when fn fails")
}
