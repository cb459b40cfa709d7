package tman

import (
	"context"
	"errors"
	"fmt"

	"github.com/basket/go-tman/internal/kernel"
)

// WaitForNextPeriod is called by a worker at the top of every instance. It
// checks the deadline of the previous instance, blocks until the task is
// released by the regulator (periodic tasks) and until its predecessor has
// completed its current instance, then records the activation.
//
// Any error is fatal to the calling worker loop.
func (m *Manager) WaitForNextPeriod(ctx context.Context, name string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if managerState(m.state.Load()) == stateClosed {
		return ErrClosed
	}
	m.mu.RLock()
	e, ok := m.reg.lookup(name)
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, name)
	}

	attrs, pred := m.checkDeadline(e)
	defer func() {
		e.mu.Lock()
		e.waiting = false
		e.mu.Unlock()
	}()

	if m.enableStats {
		st := e.stats()
		m.logger.Info("task stats",
			"task", name,
			"activations", st.Activations,
			"deadline_misses", st.DeadlineMisses,
			"predecessor", attrs.Predecessor,
		)
	}

	if attrs.Period != 0 {
		if err := e.release.Take(ctx); err != nil {
			return m.waitError(name, "release", err)
		}
	}
	if pred != nil {
		if err := pred.completion.Take(ctx); err != nil {
			return m.waitError(name, "predecessor "+pred.name, err)
		}
	}

	e.mu.Lock()
	tick := m.tick.Load()
	e.lastTick = tick
	e.activations++
	e.first = false
	e.overrun = false
	activations := e.activations
	e.mu.Unlock()

	m.observer.TaskActivated(name, tick, activations)
	// The activation is committed. A Close racing in here deletes the
	// completion signal; the next call reports ErrClosed.
	if err := e.completion.Give(); err != nil && !errors.Is(err, kernel.ErrDeleted) {
		return m.waitError(name, "completion", err)
	}
	return nil
}

func (m *Manager) waitError(name, what string, err error) error {
	if errors.Is(err, kernel.ErrDeleted) {
		return fmt.Errorf("%w: task %q waiting on %s", ErrClosed, name, what)
	}
	return fmt.Errorf("task %q waiting on %s: %w", name, what, err)
}
