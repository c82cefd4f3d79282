// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package soft

import (
	"sync"

	"github.com/cockroachdb/errors"

	"gviegas/rtcore/driver"
)

// queue implements driver.Queue.
// Submissions are executed in order by a single goroutine.
type queue struct {
	g   *gpu
	fam int

	mu      sync.Mutex
	cond    *sync.Cond
	work    []*driver.Submission
	pending int
	done    bool
}

func newQueue(g *gpu, fam int) *queue {
	q := &queue{g: g, fam: fam}
	q.cond = sync.NewCond(&q.mu)
	go q.run()
	return q
}

// Family implements driver.Queue.
func (q *queue) Family() int { return q.fam }

// Submit implements driver.Queue.
func (q *queue) Submit(sub []driver.Submission) error {
	if err := q.g.checkLost(); err != nil {
		return err
	}
	for i := range sub {
		for _, ops := range [2][]driver.SemaphoreOp{sub[i].Wait, sub[i].Signal} {
			for _, op := range ops {
				if _, ok := op.Sem.(*semaphore); !ok {
					return errors.New("soft: submission with foreign semaphore")
				}
			}
		}
		for _, c := range sub[i].Cmd {
			cb, ok := c.(*cmdBuffer)
			switch {
			case !ok:
				return errors.New("soft: submission with foreign command buffer")
			case cb.pool.fam != q.fam:
				return errors.Newf("soft: command buffer of family %d submitted to family %d", cb.pool.fam, q.fam)
			case cb.recording:
				return errors.New("soft: command buffer submitted while recording")
			case cb.err != nil:
				return errors.Wrap(cb.err, "soft: command buffer submitted after failed recording")
			}
		}
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.done {
		return errors.New("soft: submission to destroyed device")
	}
	for i := range sub {
		s := sub[i]
		for _, c := range s.Cmd {
			c.(*cmdBuffer).pending.Add(1)
		}
		q.work = append(q.work, &s)
		q.pending++
	}
	q.cond.Broadcast()
	return nil
}

func (q *queue) run() {
	for {
		q.mu.Lock()
		for len(q.work) == 0 && !q.done {
			q.cond.Wait()
		}
		if len(q.work) == 0 {
			q.mu.Unlock()
			return
		}
		s := q.work[0]
		q.work[0] = nil
		q.work = q.work[1:]
		q.mu.Unlock()

		q.execute(s)

		q.mu.Lock()
		q.pending--
		q.cond.Broadcast()
		q.mu.Unlock()
	}
}

// execute runs a submission. Command buffers stop being
// pending before the signal operations, so that a wait on
// any of the signaled values allows them to be reset.
func (q *queue) execute(s *driver.Submission) {
	complete := func() {
		for _, c := range s.Cmd {
			c.(*cmdBuffer).pending.Add(-1)
		}
	}
	for _, op := range s.Wait {
		if err := op.Sem.(*semaphore).wait(op.Value, nil); err != nil {
			complete()
			return
		}
	}
	if q.g.lost.Load() {
		complete()
		return
	}
	for _, c := range s.Cmd {
		c.(*cmdBuffer).execute(q.fam)
	}
	complete()
	for _, op := range s.Signal {
		op.Sem.(*semaphore).signal(op.Value)
	}
}

// waitIdle blocks until every submission completed or
// the device is lost.
func (q *queue) waitIdle() error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-q.g.lostc:
			q.mu.Lock()
			q.cond.Broadcast()
			q.mu.Unlock()
		case <-stop:
		}
	}()
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.pending > 0 {
		if q.g.lost.Load() {
			return driver.ErrDeviceLost
		}
		q.cond.Wait()
	}
	return q.g.checkLost()
}

func (q *queue) stop() {
	q.mu.Lock()
	q.done = true
	q.cond.Broadcast()
	q.mu.Unlock()
}
