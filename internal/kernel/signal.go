package kernel

import (
	"context"
	"sync"
)

// parker is implemented by kernels that need to know when a thread blocks in a
// kernel primitive. Methods are called with the signal mutex held.
type parker interface {
	tracks(ctx context.Context) bool
	park()
	unpark()
}

// Signal is a binary semaphore. Give on a signal that is already raised is a
// no-op; waiters are woken one at a time in FIFO order.
type Signal struct {
	mu      *sync.Mutex
	parker  parker
	onFree  func()
	given   bool
	deleted bool
	waiters []*signalWaiter
}

type signalWaiter struct {
	ch      chan struct{}
	err     error
	counted bool
}

func newSignal(mu *sync.Mutex, p parker, onFree func()) *Signal {
	return &Signal{mu: mu, parker: p, onFree: onFree}
}

// Give raises the signal, handing it directly to the oldest waiter if any.
func (s *Signal) Give() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deleted {
		return ErrDeleted
	}
	if len(s.waiters) > 0 {
		w := s.waiters[0]
		s.waiters = s.waiters[1:]
		s.wakeLocked(w, nil)
		return nil
	}
	s.given = true
	return nil
}

// Take blocks until the signal is raised, the signal is deleted, or ctx ends.
func (s *Signal) Take(ctx context.Context) error {
	s.mu.Lock()
	if s.deleted {
		s.mu.Unlock()
		return ErrDeleted
	}
	if s.given {
		s.given = false
		s.mu.Unlock()
		return nil
	}
	w := &signalWaiter{ch: make(chan struct{})}
	if s.parker != nil && s.parker.tracks(ctx) {
		w.counted = true
		s.parker.park()
	}
	s.waiters = append(s.waiters, w)
	s.mu.Unlock()

	select {
	case <-w.ch:
		return w.err
	case <-ctx.Done():
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i, other := range s.waiters {
		if other == w {
			s.waiters = append(s.waiters[:i], s.waiters[i+1:]...)
			if w.counted {
				s.parker.unpark()
			}
			return ctx.Err()
		}
	}
	// Handed off concurrently with cancellation.
	return w.err
}

// Pending reports whether the signal is raised and not yet taken.
func (s *Signal) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.given
}

// Delete releases the signal. Blocked waiters return ErrDeleted.
func (s *Signal) Delete() {
	s.mu.Lock()
	if s.deleted {
		s.mu.Unlock()
		return
	}
	s.deleted = true
	s.given = false
	for _, w := range s.waiters {
		s.wakeLocked(w, ErrDeleted)
	}
	s.waiters = nil
	onFree := s.onFree
	s.mu.Unlock()
	if onFree != nil {
		onFree()
	}
}

func (s *Signal) wakeLocked(w *signalWaiter, err error) {
	w.err = err
	if w.counted {
		s.parker.unpark()
	}
	close(w.ch)
}
