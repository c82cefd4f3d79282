// Copyright 2024 Gustavo C. Viegas. All rights reserved.

// Package bitvec defines a bit vector type useful for
// resource management (e.g., page allocators and live
// slot tracking).
package bitvec

import (
	"math/bits"
	"unsafe"
)

// Uint represents the granularity of a bit vector.
type Uint interface {
	~uint8 | ~uint16 | ~uint32 | ~uint64
}

// V is a growable bit vector with custom granularity.
// The zero value is an empty vector.
type V[T Uint] struct {
	s   []T
	rem int
}

func nbit[T Uint]() int { return int(unsafe.Sizeof(T(0))) * 8 }

// Len returns the number of bits in the vector.
func (v *V[T]) Len() int { return len(v.s) * nbit[T]() }

// Rem returns the number of unset bits in the vector.
func (v *V[_]) Rem() int { return v.rem }

// Grow appends nplus Uints worth of unset bits to the
// vector. It returns the index of the first new bit.
func (v *V[T]) Grow(nplus int) (index int) {
	index = v.Len()
	if nplus > 0 {
		v.rem += nplus * nbit[T]()
		v.s = append(v.s, make([]T, nplus)...)
	}
	return
}

// Set sets a given bit.
func (v *V[T]) Set(index int) {
	n := nbit[T]()
	b := T(1) << (index % n)
	if v.s[index/n]&b == 0 {
		v.s[index/n] |= b
		v.rem--
	}
}

// Unset unsets a given bit.
func (v *V[T]) Unset(index int) {
	n := nbit[T]()
	b := T(1) << (index % n)
	if v.s[index/n]&b != 0 {
		v.s[index/n] &^= b
		v.rem++
	}
}

// IsSet checks whether a given bit is set.
func (v *V[T]) IsSet(index int) bool {
	n := nbit[T]()
	return v.s[index/n]&(T(1)<<(index%n)) != 0
}

// SetRange sets the bits in [index, index+n).
func (v *V[T]) SetRange(index, n int) {
	for i := index; i < index+n; i++ {
		v.Set(i)
	}
}

// UnsetRange unsets the bits in [index, index+n).
func (v *V[T]) UnsetRange(index, n int) {
	for i := index; i < index+n; i++ {
		v.Unset(i)
	}
}

// Search attempts to locate an unset bit in the vector.
// It fails only when v.Rem() == 0.
func (v *V[T]) Search() (index int, ok bool) {
	if v.rem == 0 {
		return
	}
	for i, x := range v.s {
		if x == ^T(0) {
			continue
		}
		return i*nbit[T]() + bits.TrailingZeros64(uint64(^x)), true
	}
	return
}

// SearchRange attempts to locate a contiguous range of n
// unset bits. If ok is true, then every bit in the range
// [index, index+n) is unset.
func (v *V[T]) SearchRange(n int) (index int, ok bool) {
	if n <= 1 {
		return v.Search()
	}
	if v.rem < n {
		return
	}
	nb := nbit[T]()
	cnt := 0
	for i, x := range v.s {
		switch x {
		case ^T(0):
			cnt = 0
			continue
		case 0:
			if cnt == 0 {
				index = i * nb
			}
			cnt += nb
			if cnt >= n {
				return index, true
			}
			continue
		}
		for b := range nb {
			if x&(T(1)<<b) != 0 {
				cnt = 0
				continue
			}
			if cnt == 0 {
				index = i*nb + b
			}
			cnt++
			if cnt >= n {
				return index, true
			}
		}
	}
	return 0, false
}
