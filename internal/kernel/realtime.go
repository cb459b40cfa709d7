package kernel

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// RealTime is a Kernel backed by the wall clock. Ticks are counted from the
// moment the kernel is created. Priorities are recorded but not enforced: the
// Go scheduler runs every runnable goroutine.
type RealTime struct {
	base       time.Duration
	epoch      time.Time
	maxSignals int64
	signals    atomic.Int64
	wg         sync.WaitGroup
}

// RealTimeOption configures a RealTime kernel.
type RealTimeOption func(*RealTime)

// WithSignalLimit caps the number of live signals. Zero means unlimited.
func WithSignalLimit(n int) RealTimeOption {
	return func(k *RealTime) { k.maxSignals = int64(n) }
}

// NewRealTime creates a wall-clock kernel. base defaults to 1ms.
func NewRealTime(base time.Duration, opts ...RealTimeOption) *RealTime {
	if base <= 0 {
		base = time.Millisecond
	}
	k := &RealTime{base: base, epoch: time.Now()}
	for _, opt := range opts {
		if opt != nil {
			opt(k)
		}
	}
	return k
}

func (k *RealTime) BaseTick() time.Duration { return k.base }

func (k *RealTime) TickCount() uint64 {
	return uint64(time.Since(k.epoch) / k.base)
}

func (k *RealTime) DelayUntil(ctx context.Context, lastWake *uint64, increment uint64) error {
	target := *lastWake + increment
	*lastWake = target
	return sleepUntil(ctx, k.epoch.Add(time.Duration(target)*k.base))
}

func (k *RealTime) Delay(ctx context.Context, ticks uint64) error {
	return sleepUntil(ctx, time.Now().Add(time.Duration(ticks)*k.base))
}

func (k *RealTime) NewSignal() (*Signal, error) {
	if k.maxSignals > 0 {
		if n := k.signals.Add(1); n > k.maxSignals {
			k.signals.Add(-1)
			return nil, fmt.Errorf("%w: signal limit %d reached", ErrNoResources, k.maxSignals)
		}
	} else {
		k.signals.Add(1)
	}
	return newSignal(new(sync.Mutex), nil, func() { k.signals.Add(-1) }), nil
}

// Signals returns the number of live signals.
func (k *RealTime) Signals() int {
	return int(k.signals.Load())
}

func (k *RealTime) Spawn(ctx context.Context, name string, priority int, fn func(context.Context)) (*Thread, error) {
	if !validPriority(priority) {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPriority, priority)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	t := newThread(name, priority, k)
	k.wg.Add(1)
	go func() {
		defer k.wg.Done()
		defer close(t.done)
		fn(withThread(ctx, t))
	}()
	return t, nil
}

// Wait blocks until every spawned thread has returned.
func (k *RealTime) Wait() {
	k.wg.Wait()
}

func sleepUntil(ctx context.Context, wake time.Time) error {
	d := time.Until(wake)
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
