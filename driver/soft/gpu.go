// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package soft

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"

	"gviegas/rtcore/driver"
)

// gpu implements driver.GPU.
type gpu struct {
	adapter  *adapter
	limits   driver.Limits
	queues   map[int]*queue
	mem      *addrSpace
	validate bool

	lost     atomic.Bool
	lostc    chan struct{}
	lostOnce sync.Once

	mu     sync.Mutex
	accels map[uint64]*accelStruct
	verrs  []error

	destroyed atomic.Bool
}

func newGPU(a *adapter, desc *driver.DeviceDesc) (*gpu, error) {
	g := &gpu{
		adapter:  a,
		limits:   a.info.Limits,
		queues:   make(map[int]*queue, len(desc.Families)),
		mem:      newAddrSpace(a.memSize),
		validate: desc.Validation,
		lostc:    make(chan struct{}),
		accels:   make(map[uint64]*accelStruct),
	}
	for _, fam := range desc.Families {
		g.queues[fam] = newQueue(g, fam)
	}
	logger().Info("soft: device opened", slog.String("adapter", a.info.Name), slog.Any("families", desc.Families))
	return g, nil
}

// Adapter implements driver.GPU.
func (g *gpu) Adapter() driver.Adapter { return g.adapter }

// Queue implements driver.GPU.
func (g *gpu) Queue(family int) driver.Queue {
	if q, ok := g.queues[family]; ok {
		return q
	}
	return nil
}

// Wait implements driver.GPU.
func (g *gpu) Wait(ops []driver.SemaphoreOp, timeout time.Duration) error {
	var deadline <-chan time.Time
	if timeout >= 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		deadline = t.C
	}
	for _, op := range ops {
		s, ok := op.Sem.(*semaphore)
		if !ok || !s.timeline {
			return errors.New("soft: host wait on non-timeline semaphore")
		}
		if err := s.wait(op.Value, deadline); err != nil {
			return err
		}
	}
	return nil
}

// WaitIdle implements driver.GPU.
func (g *gpu) WaitIdle() error {
	for _, q := range g.queues {
		if err := q.waitIdle(); err != nil {
			return err
		}
	}
	return nil
}

// Limits implements driver.GPU.
func (g *gpu) Limits() driver.Limits { return g.limits }

// Destroy implements driver.Destroyer.
func (g *gpu) Destroy() {
	if !g.destroyed.CompareAndSwap(false, true) {
		return
	}
	for _, q := range g.queues {
		q.stop()
	}
	logger().Info("soft: device destroyed", slog.String("adapter", g.adapter.info.Name))
}

// lose marks the device as lost. Every pending and
// future wait fails with driver.ErrDeviceLost.
func (g *gpu) lose() {
	g.lostOnce.Do(func() {
		g.lost.Store(true)
		close(g.lostc)
		logger().Warn("soft: device lost", slog.String("adapter", g.adapter.info.Name))
	})
}

func (g *gpu) checkLost() error {
	if g.lost.Load() {
		return driver.ErrDeviceLost
	}
	return nil
}

// invalid records a validation error that happened during
// command execution. It is logged only if the GPU was
// opened with validation enabled.
func (g *gpu) invalid(err error) {
	g.mu.Lock()
	g.verrs = append(g.verrs, err)
	g.mu.Unlock()
	if g.validate {
		logger().Warn("soft: validation", slog.Any("err", err))
	}
}

func (g *gpu) registerAccel(as *accelStruct) {
	g.mu.Lock()
	g.accels[as.addr] = as
	g.mu.Unlock()
}

func (g *gpu) unregisterAccel(as *accelStruct) {
	g.mu.Lock()
	if g.accels[as.addr] == as {
		delete(g.accels, as.addr)
	}
	g.mu.Unlock()
}

func (g *gpu) accelAt(addr uint64) *accelStruct {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.accels[addr]
}

// Lose simulates the loss of a GPU created by this
// package.
func Lose(g driver.GPU) { g.(*gpu).lose() }

// ValidationErrors returns the validation errors that
// a GPU created by this package found while executing
// commands.
func ValidationErrors(g driver.GPU) []error {
	u := g.(*gpu)
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]error(nil), u.verrs...)
}
