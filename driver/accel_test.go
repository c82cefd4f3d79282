// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package driver

import (
	"testing"

	"github.com/go-gl/mathgl/mgl32"
)

func TestRowMajor3x4(t *testing.T) {
	m := mgl32.Translate3D(1, 2, 3).Mul4(mgl32.Scale3D(4, 5, 6))
	have := RowMajor3x4(m)
	want := [3][4]float32{
		{4, 0, 0, 1},
		{0, 5, 0, 2},
		{0, 0, 6, 3},
	}
	if have != want {
		t.Fatalf("RowMajor3x4:\nhave %v\nwant %v", have, want)
	}
	x := AccelInstance{Transform: have}
	if m2 := x.Mat4(); m2 != m {
		t.Fatalf("AccelInstance.Mat4:\nhave %v\nwant %v", m2, m)
	}
}

func TestInstanceEncode(t *testing.T) {
	x := AccelInstance{
		Transform:   RowMajor3x4(mgl32.Translate3D(-1, 0.5, 10)),
		CustomIndex: 0x123456,
		Mask:        0xf0,
		SBTOffset:   7,
		Flags:       InstTriangleFacingCullDisable | InstForceOpaque,
		Ref:         0x1_0000_2000,
	}
	var b [InstanceSize]byte
	x.Encode(b[:])
	if b[51] != 0xf0 {
		t.Fatalf("AccelInstance.Encode: mask byte:\nhave %#x\nwant 0xf0", b[51])
	}
	if b[55] != byte(x.Flags) {
		t.Fatalf("AccelInstance.Encode: flags byte:\nhave %#x\nwant %#x", b[55], x.Flags)
	}
	if y := DecodeInstance(b[:]); y != x {
		t.Fatalf("DecodeInstance:\nhave %+v\nwant %+v", y, x)
	}
}

func TestInstanceEncodeMask24(t *testing.T) {
	x := AccelInstance{
		CustomIndex: 0xab_cdef01,
		Mask:        0x01,
		SBTOffset:   0xff_000002,
		Flags:       InstForceNoOpaque,
	}
	var b [InstanceSize]byte
	x.Encode(b[:])
	y := DecodeInstance(b[:])
	if y.CustomIndex != 0xcdef01 || y.Mask != 0x01 {
		t.Fatalf("DecodeInstance: custom index/mask:\nhave %#x/%#x\nwant 0xcdef01/0x1", y.CustomIndex, y.Mask)
	}
	if y.SBTOffset != 2 || y.Flags != InstForceNoOpaque {
		t.Fatalf("DecodeInstance: SBT offset/flags:\nhave %#x/%#x\nwant 0x2/%#x", y.SBTOffset, y.Flags, InstForceNoOpaque)
	}
}
