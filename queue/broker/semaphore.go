// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package broker

import (
	"context"
	"sync"
	"time"

	"github.com/juju/clock"
)

// semaphore is a counting semaphore whose number of permits can change
// while permits are held. Shrinking it below the number of held permits
// blocks acquisitions until enough permits have been released.
type semaphore struct {
	mu      sync.Mutex
	size    int
	held    int
	changed chan struct{}
}

func newSemaphore() *semaphore {
	return &semaphore{
		changed: make(chan struct{}),
	}
}

func (s *semaphore) resize(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	grew := n > s.size
	s.size = max(n, 0)
	if grew {
		s.notifyLocked()
	}
}

// tryAcquire waits at most timeout for a permit. It reports false if no
// permit became available in time.
func (s *semaphore) tryAcquire(ctx context.Context, clk clock.Clock, timeout time.Duration) (bool, error) {
	timer := clk.NewTimer(timeout)
	defer timer.Stop()

	for {
		s.mu.Lock()
		if s.held < s.size {
			s.held++
			s.mu.Unlock()
			return true, nil
		}
		changed := s.changed
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-timer.Chan():
			return false, nil
		case <-changed:
		}
	}
}

func (s *semaphore) release() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.held--
	s.notifyLocked()
}

func (s *semaphore) stats() (size int, held int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.size, s.held
}

func (s *semaphore) notifyLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}
