// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package soft

import (
	"encoding/binary"

	"github.com/chewxy/math32"
	"github.com/cockroachdb/errors"
	"github.com/go-gl/mathgl/mgl32"

	"gviegas/rtcore/driver"
)

// Hit describes the closest intersection found by Trace.
type Hit struct {
	T           float32
	Geometry    uint32
	Primitive   uint32
	CustomIndex uint32
}

type ray struct {
	orig, dir, inv mgl32.Vec3
}

func newRay(orig, dir mgl32.Vec3) ray {
	return ray{orig: orig, dir: dir, inv: mgl32.Vec3{1 / dir[0], 1 / dir[1], 1 / dir[2]}}
}

// slab returns whether the ray hits b within (0, tmax).
func (r *ray) slab(b *aabb, tmax float32) bool {
	t0, t1 := float32(0), tmax
	for i := range 3 {
		near := (b.min[i] - r.orig[i]) * r.inv[i]
		far := (b.max[i] - r.orig[i]) * r.inv[i]
		if near > far {
			near, far = far, near
		}
		t0 = math32.Max(t0, near)
		t1 = math32.Min(t1, far)
		if t0 > t1 {
			return false
		}
	}
	return true
}

// triangle intersects the ray with a triangle
// (Möller-Trumbore).
func (r *ray) triangle(v0, v1, v2 mgl32.Vec3) (float32, bool) {
	const eps = 1e-7
	e1 := v1.Sub(v0)
	e2 := v2.Sub(v0)
	p := r.dir.Cross(e2)
	det := e1.Dot(p)
	if math32.Abs(det) < eps {
		return 0, false
	}
	inv := 1 / det
	s := r.orig.Sub(v0)
	u := s.Dot(p) * inv
	if u < 0 || u > 1 {
		return 0, false
	}
	q := s.Cross(e1)
	v := r.dir.Dot(q) * inv
	if v < 0 || u+v > 1 {
		return 0, false
	}
	t := e2.Dot(q) * inv
	return t, t > eps
}

// traverse walks the BVH stored in st, calling leaf for
// every primitive record of every leaf hit by the ray.
func traverse(st []byte, r *ray, tmax *float32, primSize int, leaf func(rec []byte, i int)) {
	le := binary.LittleEndian
	nnode := int(le.Uint32(st[8:]))
	if nnode == 0 {
		return
	}
	prims := headerSize + nnode*nodeSize
	stack := []uint32{0}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		off := headerSize + int(n)*nodeSize
		box := aabb{min: readVec3(st[off:]), max: readVec3(st[off+16:])}
		if !r.slab(&box, *tmax) {
			continue
		}
		a, b := le.Uint32(st[off+12:]), le.Uint32(st[off+28:])
		if b&leafBit == 0 {
			stack = append(stack, a, b)
			continue
		}
		for i := int(a); i < int(a)+int(b&^leafBit); i++ {
			leaf(st[prims+i*primSize:prims+(i+1)*primSize], i)
		}
	}
}

func (a *accelStruct) traceBottom(r *ray, hit *Hit) (bool, error) {
	st, err := a.storage()
	if err != nil {
		return false, err
	}
	found := false
	traverse(st, r, &hit.T, triSize, func(rec []byte, _ int) {
		t, ok := r.triangle(readVec3(rec), readVec3(rec[12:]), readVec3(rec[24:]))
		if ok && t < hit.T {
			hit.T = t
			hit.Geometry = binary.LittleEndian.Uint32(rec[36:])
			hit.Primitive = binary.LittleEndian.Uint32(rec[40:])
			found = true
		}
	})
	return found, nil
}

// Trace finds the closest intersection of a ray with a
// built acceleration structure created by this package.
// Top-level structures are traced through the
// bottom-level structures that their instances reference.
func Trace(as driver.AccelStruct, orig, dir mgl32.Vec3) (hit Hit, ok bool, err error) {
	a := as.(*accelStruct)
	a.mu.Lock()
	built := a.built
	a.mu.Unlock()
	if !built {
		return Hit{}, false, errors.New("soft: trace of unbuilt acceleration structure")
	}
	hit.T = math32.Inf(1)
	r := newRay(orig, dir)
	if a.typ == driver.AccelBottom {
		ok, err = a.traceBottom(&r, &hit)
		return
	}
	st, err := a.storage()
	if err != nil {
		return Hit{}, false, err
	}
	traverse(st, &r, &hit.T, driver.InstanceSize, func(rec []byte, i int) {
		if err != nil {
			return
		}
		x := driver.DecodeInstance(rec)
		blas := a.g.accelAt(x.Ref)
		if blas == nil {
			err = errors.Newf("soft: instance %d references destroyed structure", i)
			return
		}
		inv := x.Mat4().Inv()
		lr := newRay(inv.Mul4x1(orig.Vec4(1)).Vec3(), inv.Mul4x1(dir.Vec4(0)).Vec3())
		var h Hit
		h.T = hit.T
		found, e := blas.traceBottom(&lr, &h)
		if e != nil {
			err = e
			return
		}
		if found {
			hit = h
			hit.CustomIndex = x.CustomIndex
			ok = true
		}
	})
	return
}
