// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package engine

import (
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gviegas/rtcore/driver"
)

func TestCommandRing(t *testing.T) {
	d := openDevice(t, nil)
	buf, err := NewBuffer(d, &BufferSpec{Size: 4, Usage: driver.UCopyDst, Residency: Readback})
	require.NoError(t, err)
	defer buf.Destroy()
	r, err := NewCommandRing(d, Graphics)
	require.NoError(t, err)
	assert.Equal(t, Graphics, r.Queue())
	assert.Equal(t, 2, d.LiveResources())

	for i := range 3 * MaxFrame {
		if s := r.Slot(); s != i%MaxFrame {
			t.Fatalf("CommandRing.Slot:\nhave %d\nwant %d", s, i%MaxFrame)
		}
		cb, err := r.Record(func(cb driver.CmdBuffer) error {
			cb.Fill(buf.Driver(), 0, byte(i), 4)
			return nil
		})
		require.NoError(t, err)
		require.False(t, cb.IsRecording())
		op, err := r.Submit(nil, nil)
		require.NoError(t, err)
		assert.Equal(t, uint64(i+1), op.Value)
		d.NextFrame()
	}
	require.NoError(t, d.SyncTimeline(Graphics))
	p := make([]byte, 4)
	require.NoError(t, buf.Read(p, 0))
	last := byte(3*MaxFrame - 1)
	assert.Equal(t, []byte{last, last, last, last}, p)
	requireValid(t, d)

	r.Destroy()
	assert.Equal(t, 1, d.LiveResources())
}

func TestCommandRingRecordError(t *testing.T) {
	d := openDevice(t, nil)
	r, err := NewCommandRing(d, Compute)
	require.NoError(t, err)
	defer r.Destroy()

	errFn := errors.New("record failed")
	_, err = r.Record(func(driver.CmdBuffer) error { return errFn })
	assert.ErrorIs(t, err, errFn)
	_, err = r.Submit(nil, nil)
	assert.Error(t, err, "Submit after a failed Record must fail")
	assert.Zero(t, r.Slot())
	assert.Zero(t, d.Timeline(Compute).Submitted())

	// The slot is usable again.
	_, err = r.Record(func(driver.CmdBuffer) error { return nil })
	require.NoError(t, err)
	_, err = r.Submit(nil, nil)
	require.NoError(t, err)
	assert.Zero(t, r.Slot(), "Submit must not advance the frame")
	d.NextFrame()
	assert.Equal(t, 1, r.Slot())
}

func TestCommandRingWaitsForSlot(t *testing.T) {
	cfg := DefaultConfig()
	cfg.WaitTimeout = Duration(20 * time.Millisecond)
	d := openDevice(t, &cfg)
	gate := newGate(t, d)
	defer gate.Destroy()
	r, err := NewCommandRing(d, Transfer)
	require.NoError(t, err)
	defer r.Destroy()

	nop := func(driver.CmdBuffer) error { return nil }
	wait := []driver.SemaphoreOp{{Sem: gate, Value: 1, Sync: driver.SAll}}
	for range MaxFrame {
		_, err = r.Record(nop)
		require.NoError(t, err)
		_, err = r.Submit(wait, nil)
		require.NoError(t, err)
		d.NextFrame()
	}
	// Slot 0 is still pending.
	_, err = r.Record(nop)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDeviceLost)

	require.NoError(t, gate.Signal(1))
	_, err = r.Record(nop)
	require.NoError(t, err)
	op, err := r.Submit(nil, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(MaxFrame+1), op.Value)
}

func TestCommandRingFrame(t *testing.T) {
	d := openDevice(t, nil)
	gfx, err := NewCommandRing(d, Graphics)
	require.NoError(t, err)
	defer gfx.Destroy()
	cpt, err := NewCommandRing(d, Compute)
	require.NoError(t, err)
	defer cpt.Destroy()

	nop := func(driver.CmdBuffer) error { return nil }
	for i := range 2 * MaxFrame {
		want := i % MaxFrame
		for _, r := range [...]*CommandRing{gfx, cpt} {
			if s := r.Slot(); s != want {
				t.Fatalf("CommandRing.Slot (%s):\nhave %d\nwant %d", r.Queue(), s, want)
			}
			cb, err := r.Record(nop)
			require.NoError(t, err)
			require.Same(t, r.slots[want].cb, cb)
		}
		// The frame may advance between Record and Submit.
		d.NextFrame()
		for _, r := range [...]*CommandRing{gfx, cpt} {
			_, err = r.Submit(nil, nil)
			require.NoError(t, err)
			assert.NotZero(t, r.slots[want].last)
		}
	}
	require.NoError(t, d.WaitIdle())
	requireValid(t, d)
}

func TestCommandRingInvalid(t *testing.T) {
	d := openDevice(t, nil)
	_, err := NewCommandRing(d, QueueClass(42))
	assert.Error(t, err)
	assert.Zero(t, d.LiveResources())
}
