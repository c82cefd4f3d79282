// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package soft

import (
	"sync"

	"github.com/cockroachdb/errors"

	"gviegas/rtcore/driver"
)

// queryPool implements driver.QueryPool.
type queryPool struct {
	typ driver.QueryType

	mu    sync.Mutex
	res   []uint64
	avail []bool
}

// NewQueryPool implements driver.GPU.
func (g *gpu) NewQueryPool(typ driver.QueryType, count int) (driver.QueryPool, error) {
	if err := g.checkLost(); err != nil {
		return nil, err
	}
	if typ != driver.QCompactedSize {
		return nil, errors.Newf("soft: unsupported query type %d", typ)
	}
	if count < 1 {
		return nil, errors.Newf("soft: invalid query count %d", count)
	}
	return &queryPool{
		typ:   typ,
		res:   make([]uint64, count),
		avail: make([]bool, count),
	}, nil
}

// Count implements driver.QueryPool.
func (p *queryPool) Count() int { return len(p.res) }

// Results implements driver.QueryPool.
func (p *queryPool) Results(first, count int) ([]uint64, error) {
	if first < 0 || count < 0 || first+count > len(p.res) {
		return nil, errors.Newf("soft: query range [%d, %d) out of bounds", first, first+count)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ok := range p.avail[first : first+count] {
		if !ok {
			return nil, driver.ErrNotReady
		}
	}
	return append([]uint64(nil), p.res[first:first+count]...), nil
}

// Destroy implements driver.Destroyer.
func (p *queryPool) Destroy() {}

func (p *queryPool) checkRange(first, count int) error {
	if first < 0 || count < 0 || first+count > len(p.res) {
		return errors.Newf("soft: query range [%d, %d) out of bounds", first, first+count)
	}
	return nil
}

// ResetQuery implements driver.CmdBuffer.
func (cb *cmdBuffer) ResetQuery(pool driver.QueryPool, first, count int) {
	p, ok := pool.(*queryPool)
	if !ok {
		cb.record(nil, errors.New("soft: ResetQuery: invalid query pool"))
		return
	}
	cb.record(func(int) error {
		p.mu.Lock()
		defer p.mu.Unlock()
		for i := first; i < first+count; i++ {
			p.avail[i] = false
			p.res[i] = 0
		}
		return nil
	}, p.checkRange(first, count))
}

// WriteAccelSize implements driver.CmdBuffer.
func (cb *cmdBuffer) WriteAccelSize(as driver.AccelStruct, pool driver.QueryPool, query int) {
	a, ok1 := as.(*accelStruct)
	p, ok2 := pool.(*queryPool)
	if !ok1 || !ok2 {
		cb.record(nil, errors.New("soft: WriteAccelSize: invalid argument"))
		return
	}
	cb.record(func(int) error {
		a.mu.Lock()
		built, compact, flags := a.built, a.compactSize(), a.flags
		a.mu.Unlock()
		switch {
		case !built:
			return errors.New("soft: WriteAccelSize: structure not built")
		case flags&driver.BuildAllowCompaction == 0:
			return errors.New("soft: WriteAccelSize: structure not built with BuildAllowCompaction")
		}
		p.mu.Lock()
		defer p.mu.Unlock()
		p.res[query] = uint64(compact)
		p.avail[query] = true
		return nil
	}, p.checkRange(query, 1))
}
