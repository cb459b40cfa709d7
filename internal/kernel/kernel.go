// Package kernel describes the multitasking kernel that TMAN rides on and
// provides two implementations of it.
//
// RealTime maps kernel ticks onto the wall clock and threads onto goroutines.
// Sim keeps a virtual tick counter that only moves when Step is called; it
// wakes sleepers in priority order and waits for every thread to park before
// moving on, which makes scheduling behaviour reproducible in tests.
package kernel

import (
	"context"
	"errors"
	"time"
)

const (
	// IdlePriority is the lowest thread priority.
	IdlePriority = 0
	// MaxPriority is the highest thread priority.
	MaxPriority = 31
)

var (
	// ErrDeleted is returned by signal operations after Delete.
	ErrDeleted = errors.New("kernel: signal deleted")
	// ErrNoResources is returned when the kernel cannot allocate an object.
	ErrNoResources = errors.New("kernel: no resources")
	// ErrInvalidPriority is returned by Spawn for priorities outside [IdlePriority, MaxPriority].
	ErrInvalidPriority = errors.New("kernel: invalid priority")
)

// Kernel is the set of primitives TMAN consumes.
type Kernel interface {
	// BaseTick is the duration of one kernel tick.
	BaseTick() time.Duration
	// TickCount returns the monotonic kernel tick counter.
	TickCount() uint64
	// DelayUntil blocks until tick *lastWake+increment and stores that tick
	// back into *lastWake, so periodic callers do not accumulate drift.
	DelayUntil(ctx context.Context, lastWake *uint64, increment uint64) error
	// Delay blocks for the given number of ticks.
	Delay(ctx context.Context, ticks uint64) error
	// NewSignal allocates a binary signal.
	NewSignal() (*Signal, error)
	// Spawn starts fn on a new thread with the given priority.
	Spawn(ctx context.Context, name string, priority int, fn func(context.Context)) (*Thread, error)
}

// Thread is a handle to a spawned kernel thread.
type Thread struct {
	name     string
	priority int
	owner    any
	done     chan struct{}
}

func newThread(name string, priority int, owner any) *Thread {
	return &Thread{name: name, priority: priority, owner: owner, done: make(chan struct{})}
}

// Name returns the thread name given to Spawn.
func (t *Thread) Name() string { return t.name }

// Priority returns the thread priority.
func (t *Thread) Priority() int { return t.priority }

// Done is closed when the thread function returns.
func (t *Thread) Done() <-chan struct{} { return t.done }

type threadKey struct{}

func withThread(ctx context.Context, t *Thread) context.Context {
	return context.WithValue(ctx, threadKey{}, t)
}

// CurrentThread returns the thread running ctx, or nil outside a kernel thread.
func CurrentThread(ctx context.Context) *Thread {
	if ctx == nil {
		return nil
	}
	t, _ := ctx.Value(threadKey{}).(*Thread)
	return t
}

func validPriority(p int) bool {
	return p >= IdlePriority && p <= MaxPriority
}
