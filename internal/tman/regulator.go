package tman

import "context"

// regulate is the body of the regulator thread. It wakes on every framework
// tick boundary, measured from the tick it started on, and sweeps the registry.
func (m *Manager) regulate(ctx context.Context) {
	lastWake := m.kernel.TickCount()
	for {
		if err := m.kernel.DelayUntil(ctx, &lastWake, m.ticksPerFrame); err != nil {
			return
		}
		if ctx.Err() != nil {
			return
		}
		m.sweep()
	}
}

// sweep releases every task due on the current tick and advances the tick
// counter. The counter moves before any release is raised, so a released
// worker always observes the tick that follows its release, as it would
// under a regulator running at the highest priority. sweep never blocks.
func (m *Manager) sweep() {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tick := m.tick.Load()
	var due, overrun []*entry
	m.reg.each(func(e *entry) {
		e.mu.Lock()
		defer e.mu.Unlock()
		if e.attributed && e.attrs.releasedAt(tick) {
			due = append(due, e)
		}
		if m.watchdog && e.attrs.Deadline > 0 && !e.first && !e.waiting && !e.overrun &&
			e.lastTick+uint64(e.attrs.Deadline) < tick {
			e.overrun = true
			overrun = append(overrun, e)
		}
	})
	m.tick.Store(tick + 1)

	for _, e := range overrun {
		m.observer.DeadlineOverrun(e.name, tick)
	}
	for _, e := range due {
		if err := e.release.Give(); err != nil {
			m.logger.Error("release failed", "task", e.name, "tick", tick, "error", err)
			continue
		}
		m.observer.TaskReleased(e.name, tick)
	}
	m.observer.TickAdvanced(tick + 1)
}
