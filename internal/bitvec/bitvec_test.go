// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package bitvec

import (
	"testing"
)

func TestZero(t *testing.T) {
	var v16 V[uint16]
	if n := v16.Len(); n != 0 {
		t.Fatalf("v16.Len:\nhave %d\nwant 0", n)
	}
	if n := v16.Rem(); n != 0 {
		t.Fatalf("v16.Rem:\nhave %d\nwant 0", n)
	}
	if _, ok := v16.Search(); ok {
		t.Fatal("v16.Search: unexpected success on empty vector")
	}
	if _, ok := v16.SearchRange(2); ok {
		t.Fatal("v16.SearchRange: unexpected success on empty vector")
	}
}

func TestGrow(t *testing.T) {
	var v32 V[uint32]
	for _, x := range [...]struct {
		nplus, wantLen int
	}{
		{1, 32},
		{2, 96},
		{0, 96},
		{16, 608},
		{-1, 608},
		{99, 3776},
	} {
		if n, i := v32.Len(), v32.Grow(x.nplus); n != i {
			t.Fatalf("v32.Grow:\nhave %d\nwant %d", i, n)
		}
		if n := v32.Len(); n != x.wantLen {
			t.Fatalf("v32.Grow: Len:\nhave %d\nwant %d", n, x.wantLen)
		}
		if n := v32.Rem(); n != x.wantLen {
			t.Fatalf("v32.Grow: Rem:\nhave %d\nwant %d", n, x.wantLen)
		}
	}
}

// checkRem checks that v.Rem() matches the state of v.s.
func checkRem[T Uint](v *V[T], t *testing.T) {
	t.Helper()
	want := v.Len()
	for i := range v.Len() {
		if v.IsSet(i) {
			want--
		}
	}
	if r := v.Rem(); r != want {
		t.Fatalf("v.Rem:\nhave %d\nwant %d", r, want)
	}
}

func TestSetUnset(t *testing.T) {
	var v8 V[uint8]
	v8.Grow(3)
	for _, i := range [...]int{6, 1, 10, 21, 21, 0} {
		v8.Set(i)
		if !v8.IsSet(i) {
			t.Fatalf("v8.IsSet(%d):\nhave false\nwant true", i)
		}
	}
	checkRem(&v8, t)
	if v8.s[0] != 0x43 || v8.s[1] != 0x04 || v8.s[2] != 0x20 {
		t.Fatalf("v8.s:\nhave %#x\nwant [0x43 0x4 0x20]", v8.s)
	}
	v8.Unset(6)
	v8.Unset(23)
	if v8.IsSet(6) {
		t.Fatal("v8.IsSet(6):\nhave true\nwant false")
	}
	checkRem(&v8, t)
	v8.SetRange(8, 8)
	if v8.s[1] != 0xff {
		t.Fatalf("v8.SetRange: s[1]:\nhave %#x\nwant 0xff", v8.s[1])
	}
	v8.UnsetRange(4, 8)
	if v8.s[0] != 0x03 || v8.s[1] != 0xf0 {
		t.Fatalf("v8.UnsetRange: s:\nhave %#x", v8.s)
	}
	checkRem(&v8, t)
}

func TestSearch(t *testing.T) {
	var v64 V[uint64]
	v64.Grow(2)
	for i := range 100 {
		index, ok := v64.Search()
		if !ok || index != i {
			t.Fatalf("v64.Search:\nhave %d, %t\nwant %d, true", index, ok, i)
		}
		v64.Set(index)
	}
	v64.Unset(42)
	v64.Unset(7)
	if index, _ := v64.Search(); index != 7 {
		t.Fatalf("v64.Search:\nhave %d\nwant 7", index)
	}
	for range v64.Rem() {
		i, _ := v64.Search()
		v64.Set(i)
	}
	if _, ok := v64.Search(); ok {
		t.Fatal("v64.Search: unexpected success on full vector")
	}
}

func TestSearchRange(t *testing.T) {
	var v16 V[uint16]
	v16.Grow(4)
	for _, x := range [...]struct {
		set   []int
		n     int
		index int
		ok    bool
	}{
		{nil, 64, 0, true},
		{nil, 65, 0, false},
		{[]int{0}, 3, 1, true},
		{[]int{3}, 3, 4, true},
		{[]int{4, 20}, 16, 21, true},
		{[]int{40}, 23, 41, true},
		{[]int{50}, 24, 0, false},
		{nil, 15, 5, true},
	} {
		for _, i := range x.set {
			v16.Set(i)
		}
		index, ok := v16.SearchRange(x.n)
		if ok != x.ok || (ok && index != x.index) {
			t.Fatalf("v16.SearchRange(%d):\nhave %d, %t\nwant %d, %t", x.n, index, ok, x.index, x.ok)
		}
		if ok {
			for i := index; i < index+x.n; i++ {
				if v16.IsSet(i) {
					t.Fatalf("v16.SearchRange(%d): bit %d is set", x.n, i)
				}
			}
		}
	}
}
