package workload

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/basket/go-tman/internal/config"
	"github.com/basket/go-tman/internal/kernel"
	"github.com/basket/go-tman/internal/tman"
)

// Simulate runs the configured tasks for frames framework ticks on a
// simulated kernel and returns the final stats. The result is deterministic,
// so it previews deadline misses without waiting on the wall clock.
func Simulate(cfg config.Config, frames uint64) ([]tman.TaskStats, error) {
	discard := slog.New(slog.NewTextHandler(io.Discard, nil))
	k := kernel.NewSim(cfg.BaseTick())
	m, err := tman.New(k, tman.Config{
		TickInterval:   cfg.TickInterval(),
		MaxTasks:       cfg.MaxTasks,
		Watchdog:       cfg.Watchdog,
		OnDeadlineMiss: tman.MissHandlerFunc(func(string) {}),
		Logger:         discard,
	})
	if err != nil {
		return nil, err
	}
	tasks := cfg.Tasks
	if len(tasks) == 0 {
		tasks = config.DemoTasks()
	}
	if err := Register(m, tasks); err != nil {
		_ = m.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		_ = m.Close()
		k.Settle()
	}()
	if err := m.Start(ctx); err != nil {
		return nil, err
	}
	runner := NewRunner(k, nil, nil, discard)
	for _, tc := range tasks {
		if _, err := m.Spawn(ctx, tc.Name, tc.Priority, runner.Job(FromConfig(tc))); err != nil {
			return nil, fmt.Errorf("spawn %q: %w", tc.Name, err)
		}
	}
	k.Advance(frames * m.TicksPerFrame())
	return m.Snapshot(), nil
}
