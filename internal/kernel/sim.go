package kernel

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Sim is a Kernel with a virtual tick counter.
//
// Time only moves when Step or Advance is called. Before each tick Sim waits
// until every thread it spawned is parked in a kernel primitive (a signal, a
// delay) or has returned. Sleepers that become due on a tick are woken one at a
// time, highest priority first, and Sim waits for the system to settle after
// each wakeup. A thread that blocks on anything else (a plain channel, a mutex
// held across Step) stalls Step.
type Sim struct {
	base time.Duration

	mu         sync.Mutex
	idle       *sync.Cond
	tick       uint64
	live       int
	parked     int
	seq        uint64
	sleepers   []*sleeper
	maxSignals int
	signals    int
}

type sleeper struct {
	target   uint64
	priority int
	seq      uint64
	counted  bool
	ch       chan struct{}
}

// NewSim creates a simulated kernel. base is reported by BaseTick and
// defaults to 1ms.
func NewSim(base time.Duration) *Sim {
	if base <= 0 {
		base = time.Millisecond
	}
	s := &Sim{base: base}
	s.idle = sync.NewCond(&s.mu)
	return s
}

// LimitSignals caps the number of live signals. Zero means unlimited.
func (s *Sim) LimitSignals(n int) {
	s.mu.Lock()
	s.maxSignals = n
	s.mu.Unlock()
}

func (s *Sim) BaseTick() time.Duration { return s.base }

func (s *Sim) TickCount() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tick
}

func (s *Sim) DelayUntil(ctx context.Context, lastWake *uint64, increment uint64) error {
	target := *lastWake + increment
	*lastWake = target
	return s.sleepUntil(ctx, target)
}

func (s *Sim) Delay(ctx context.Context, ticks uint64) error {
	return s.sleepUntil(ctx, s.TickCount()+ticks)
}

func (s *Sim) sleepUntil(ctx context.Context, target uint64) error {
	s.mu.Lock()
	if target <= s.tick {
		s.mu.Unlock()
		return ctx.Err()
	}
	sl := &sleeper{target: target, ch: make(chan struct{})}
	if t := CurrentThread(ctx); t != nil && t.owner == s {
		sl.priority = t.priority
		sl.counted = true
		s.park()
	}
	s.seq++
	sl.seq = s.seq
	s.sleepers = append(s.sleepers, sl)
	s.mu.Unlock()

	select {
	case <-sl.ch:
		return nil
	case <-ctx.Done():
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i, other := range s.sleepers {
		if other == sl {
			s.sleepers = append(s.sleepers[:i], s.sleepers[i+1:]...)
			if sl.counted {
				s.unpark()
			}
			return ctx.Err()
		}
	}
	return nil
}

func (s *Sim) NewSignal() (*Signal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.maxSignals > 0 && s.signals >= s.maxSignals {
		return nil, fmt.Errorf("%w: signal limit %d reached", ErrNoResources, s.maxSignals)
	}
	s.signals++
	return newSignal(&s.mu, s, func() {
		s.mu.Lock()
		s.signals--
		s.mu.Unlock()
	}), nil
}

// Signals returns the number of live signals.
func (s *Sim) Signals() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.signals
}

func (s *Sim) Spawn(ctx context.Context, name string, priority int, fn func(context.Context)) (*Thread, error) {
	if !validPriority(priority) {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPriority, priority)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	t := newThread(name, priority, s)
	s.mu.Lock()
	s.live++
	s.mu.Unlock()
	go func() {
		defer func() {
			s.mu.Lock()
			s.live--
			s.idle.Broadcast()
			s.mu.Unlock()
			close(t.done)
		}()
		fn(withThread(ctx, t))
	}()
	return t, nil
}

// Step advances the virtual clock by one tick. It must not be called from a
// thread spawned by s.
func (s *Sim) Step() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.waitIdleLocked()
	s.tick++
	for _, sl := range s.popDueLocked() {
		if sl.counted {
			s.unpark()
		}
		close(sl.ch)
		s.waitIdleLocked()
	}
}

// Advance calls Step n times.
func (s *Sim) Advance(n uint64) {
	for i := uint64(0); i < n; i++ {
		s.Step()
	}
}

// Settle blocks until every spawned thread is parked or has returned.
func (s *Sim) Settle() {
	s.mu.Lock()
	s.waitIdleLocked()
	s.mu.Unlock()
}

func (s *Sim) popDueLocked() []*sleeper {
	var due, rest []*sleeper
	for _, sl := range s.sleepers {
		if sl.target <= s.tick {
			due = append(due, sl)
		} else {
			rest = append(rest, sl)
		}
	}
	s.sleepers = rest
	sort.SliceStable(due, func(i, j int) bool {
		if due[i].priority != due[j].priority {
			return due[i].priority > due[j].priority
		}
		return due[i].seq < due[j].seq
	})
	return due
}

func (s *Sim) waitIdleLocked() {
	for s.parked < s.live {
		s.idle.Wait()
	}
}

// parker, called with s.mu held.

func (s *Sim) tracks(ctx context.Context) bool {
	t := CurrentThread(ctx)
	return t != nil && t.owner == s
}

func (s *Sim) park() {
	s.parked++
	s.idle.Broadcast()
}

func (s *Sim) unpark() {
	s.parked--
}
