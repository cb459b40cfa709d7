package workload

import (
	"errors"
	"testing"

	"github.com/basket/go-tman/internal/config"
	"github.com/basket/go-tman/internal/tman"
)

func simConfig(tasks ...config.TaskConfig) config.Config {
	return config.Config{TickIntervalMS: 10, BaseTickMS: 1, MaxTasks: 30, Tasks: tasks}
}

func TestSimulate_Deterministic(t *testing.T) {
	cfg := simConfig(
		config.TaskConfig{Name: "fast", Period: 1, Deadline: 1, Priority: 2},
		// 25 kernel ticks is two and a half frames against a one-frame deadline.
		config.TaskConfig{Name: "slow", Period: 2, Deadline: 1, Priority: 1, WorkTicks: 25},
	)

	first, err := Simulate(cfg, 20)
	if err != nil {
		t.Fatalf("Simulate: %v", err)
	}
	if len(first) != 2 {
		t.Fatalf("stats = %+v", first)
	}
	fast, slow := first[0], first[1]
	if fast.Activations != 20 || fast.DeadlineMisses != 0 {
		t.Fatalf("fast = %+v, want 20 activations and no misses", fast)
	}
	if slow.DeadlineMisses == 0 || slow.Activations == 0 {
		t.Fatalf("slow = %+v, want misses", slow)
	}

	again, err := Simulate(cfg, 20)
	if err != nil {
		t.Fatalf("Simulate: %v", err)
	}
	for i := range first {
		if first[i] != again[i] {
			t.Fatalf("run %d differs: %+v vs %+v", i, first[i], again[i])
		}
	}
}

func TestSimulate_RejectsBadSchedule(t *testing.T) {
	cfg := simConfig(
		config.TaskConfig{Name: "a", Period: 1, Precedence: "b", Priority: 1},
		config.TaskConfig{Name: "b", Period: 1, Precedence: "a", Priority: 1},
	)
	if _, err := Simulate(cfg, 5); !errors.Is(err, tman.ErrInvalidArgument) {
		t.Fatalf("err = %v, want ErrInvalidArgument", err)
	}

	cfg = simConfig()
	cfg.TickIntervalMS = 15
	cfg.BaseTickMS = 10
	if _, err := Simulate(cfg, 5); !errors.Is(err, tman.ErrTickRateMismatch) {
		t.Fatalf("err = %v, want ErrTickRateMismatch", err)
	}
}
