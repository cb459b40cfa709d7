package tman

import "fmt"

// TaskStats is a point-in-time view of one task.
type TaskStats struct {
	Name               string     `json:"name"`
	Attributes         Attributes `json:"attributes"`
	Attributed         bool       `json:"attributed"`
	Activations        uint64     `json:"activations"`
	DeadlineMisses     uint64     `json:"deadline_misses"`
	LastActivationTick uint64     `json:"last_activation_tick"`
	Activated          bool       `json:"activated"`
}

// checkDeadline evaluates the previous instance of e against its deadline,
// marks e as waiting, and returns the attributes the rest of the call uses.
// The miss handler and observer run after e.mu is released.
func (m *Manager) checkDeadline(e *entry) (Attributes, *entry) {
	e.mu.Lock()
	attrs, pred := e.attrs, e.pred
	now := m.tick.Load()
	missed := false
	if !e.first && attrs.Deadline > 0 && e.lastTick+uint64(attrs.Deadline) < now {
		e.misses++
		missed = true
	}
	misses := e.misses
	e.waiting = true
	e.mu.Unlock()

	if missed {
		m.onMiss.DeadlineMissed(e.name)
		m.observer.DeadlineMissed(e.name, now, misses)
	}
	return attrs, pred
}

// Stats returns the activation and deadline-miss counters of name. It does
// not modify any counter.
func (m *Manager) Stats(name string) (TaskStats, error) {
	m.mu.RLock()
	e, ok := m.reg.lookup(name)
	m.mu.RUnlock()
	if !ok {
		return TaskStats{}, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return e.stats(), nil
}

// Snapshot returns the stats of every task in registration order.
func (m *Manager) Snapshot() []TaskStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]TaskStats, 0, m.reg.len())
	m.reg.each(func(e *entry) {
		out = append(out, e.stats())
	})
	return out
}
