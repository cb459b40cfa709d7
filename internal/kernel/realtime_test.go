package kernel

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRealTime_DelayUntilAdvancesLastWake(t *testing.T) {
	k := NewRealTime(time.Millisecond)
	last := k.TickCount()
	start := last
	for i := 0; i < 3; i++ {
		if err := k.DelayUntil(context.Background(), &last, 5); err != nil {
			t.Fatalf("delay until: %v", err)
		}
	}
	if last != start+15 {
		t.Fatalf("lastWake = %d, want %d", last, start+15)
	}
	if now := k.TickCount(); now < start+15 {
		t.Fatalf("tick count = %d, want >= %d", now, start+15)
	}
}

func TestRealTime_DelayHonoursContext(t *testing.T) {
	k := NewRealTime(time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := k.Delay(ctx, 10_000); !errors.Is(err, context.Canceled) {
		t.Fatalf("delay = %v, want context.Canceled", err)
	}
}

func TestRealTime_SignalLimit(t *testing.T) {
	k := NewRealTime(time.Millisecond, WithSignalLimit(1))
	s, err := k.NewSignal()
	if err != nil {
		t.Fatalf("new signal: %v", err)
	}
	if _, err := k.NewSignal(); !errors.Is(err, ErrNoResources) {
		t.Fatalf("second signal = %v, want ErrNoResources", err)
	}
	s.Delete()
	if k.Signals() != 0 {
		t.Fatalf("live signals = %d, want 0", k.Signals())
	}
}

func TestRealTime_SpawnAndWait(t *testing.T) {
	k := NewRealTime(time.Millisecond)
	sig, _ := k.NewSignal()
	defer sig.Delete()

	th, err := k.Spawn(context.Background(), "taker", 2, func(ctx context.Context) {
		_ = sig.Take(ctx)
	})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	_ = sig.Give()
	select {
	case <-th.Done():
	case <-time.After(time.Second):
		t.Fatal("thread did not finish after give")
	}
	k.Wait()
}
