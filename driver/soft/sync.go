// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package soft

import (
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"gviegas/rtcore/driver"
)

// semaphore implements driver.Semaphore.
// Waiters block on ch, which is closed and replaced
// whenever the value changes.
type semaphore struct {
	g        *gpu
	timeline bool

	mu  sync.Mutex
	val uint64
	ch  chan struct{}
}

// NewSemaphore implements driver.GPU.
func (g *gpu) NewSemaphore(timeline bool, initial uint64) (driver.Semaphore, error) {
	if err := g.checkLost(); err != nil {
		return nil, err
	}
	s := &semaphore{
		g:        g,
		timeline: timeline,
		ch:       make(chan struct{}),
	}
	if timeline {
		s.val = initial
	}
	return s, nil
}

// Timeline implements driver.Semaphore.
func (s *semaphore) Timeline() bool { return s.timeline }

// Value implements driver.Semaphore.
func (s *semaphore) Value() (uint64, error) {
	if err := s.g.checkLost(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.val, nil
}

// Signal implements driver.Semaphore.
func (s *semaphore) Signal(value uint64) error {
	if !s.timeline {
		return errors.New("soft: host signal of binary semaphore")
	}
	if err := s.g.checkLost(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if value <= s.val {
		return errors.Newf("soft: semaphore value must increase (have %d, signal %d)", s.val, value)
	}
	s.set(value)
	return nil
}

// signal is the device-side signal operation.
func (s *semaphore) signal(value uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case !s.timeline:
		if s.val != 0 {
			s.g.invalid(errors.New("soft: binary semaphore signaled twice"))
		}
		s.set(1)
	case value > s.val:
		s.set(value)
	default:
		s.g.invalid(errors.Newf("soft: semaphore value must increase (have %d, signal %d)", s.val, value))
	}
}

// set must be called with s.mu held.
func (s *semaphore) set(value uint64) {
	s.val = value
	close(s.ch)
	s.ch = make(chan struct{})
}

// wait blocks until the semaphore reaches value.
// Binary semaphores are reset to the unsignaled state
// when the wait completes.
// A nil deadline means no timeout.
func (s *semaphore) wait(value uint64, deadline <-chan time.Time) error {
	for {
		s.mu.Lock()
		if s.timeline && s.val >= value {
			s.mu.Unlock()
			return nil
		}
		if !s.timeline && s.val != 0 {
			s.val = 0
			s.mu.Unlock()
			return nil
		}
		ch := s.ch
		s.mu.Unlock()
		select {
		case <-ch:
		case <-deadline:
			return driver.ErrTimeout
		case <-s.g.lostc:
			return driver.ErrDeviceLost
		}
	}
}

// Destroy implements driver.Destroyer.
func (s *semaphore) Destroy() {}
