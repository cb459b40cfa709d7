package tman

import (
	"fmt"
	"strings"
	"sync"

	"github.com/basket/go-tman/internal/kernel"
)

// Attributes are the timing attributes of a task, in framework ticks.
type Attributes struct {
	// Period between releases. Zero marks an aperiodic task that is only
	// released through its predecessor.
	Period int `json:"period"`
	// Phase is the tick of the first release.
	Phase int `json:"phase"`
	// Deadline is the maximum number of ticks between an activation and the
	// next call to WaitForNextPeriod. Zero disables the check.
	Deadline int `json:"deadline"`
	// Predecessor names a task whose completion gates each activation.
	Predecessor string `json:"predecessor,omitempty"`
}

func (a Attributes) validate() error {
	if a.Period < 0 {
		return fmt.Errorf("%w: negative period %d", ErrInvalidArgument, a.Period)
	}
	if a.Phase < 0 {
		return fmt.Errorf("%w: negative phase %d", ErrInvalidArgument, a.Phase)
	}
	if a.Deadline < 0 {
		return fmt.Errorf("%w: negative deadline %d", ErrInvalidArgument, a.Deadline)
	}
	return nil
}

// releasedAt reports whether a periodic task is released on tick.
func (a Attributes) releasedAt(tick uint64) bool {
	if a.Period == 0 {
		return false
	}
	phase := uint64(a.Phase)
	if tick == phase {
		return true
	}
	return tick > phase && (tick-phase)%uint64(a.Period) == 0
}

type entry struct {
	name       string
	release    *kernel.Signal
	completion *kernel.Signal

	mu          sync.Mutex
	attrs       Attributes
	attributed  bool
	pred        *entry
	activations uint64
	lastTick    uint64
	misses      uint64
	first       bool // no activation granted yet
	waiting     bool // inside WaitForNextPeriod
	overrun     bool // watchdog already reported the current instance
}

func (e *entry) snapshot() (Attributes, *entry) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.attrs, e.pred
}

func (e *entry) stats() TaskStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return TaskStats{
		Name:               e.name,
		Attributes:         e.attrs,
		Attributed:         e.attributed,
		Activations:        e.activations,
		DeadlineMisses:     e.misses,
		LastActivationTick: e.lastTick,
		Activated:          !e.first,
	}
}

// registry is the fixed-capacity task table. Entries keep insertion order.
type registry struct {
	capacity int
	entries  []*entry
	byName   map[string]*entry
}

func newRegistry(capacity int) *registry {
	return &registry{
		capacity: capacity,
		entries:  make([]*entry, 0, capacity),
		byName:   make(map[string]*entry, capacity),
	}
}

func (r *registry) lookup(name string) (*entry, bool) {
	e, ok := r.byName[name]
	return e, ok
}

// add allocates the slot and both signals for name. On a signal failure the
// already created signal is deleted before returning.
func (r *registry) add(k kernel.Kernel, name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: empty task name", ErrInvalidArgument)
	}
	if _, exists := r.byName[name]; exists {
		return fmt.Errorf("%w: %q", ErrAlreadyExists, name)
	}
	if len(r.entries) >= r.capacity {
		return fmt.Errorf("%w: registry full (%d tasks)", ErrNoResources, r.capacity)
	}
	release, err := k.NewSignal()
	if err != nil {
		return fmt.Errorf("%w: release signal for %q: %v", ErrNoResources, name, err)
	}
	completion, err := k.NewSignal()
	if err != nil {
		release.Delete()
		return fmt.Errorf("%w: completion signal for %q: %v", ErrNoResources, name, err)
	}
	e := &entry{name: name, release: release, completion: completion, first: true}
	r.entries = append(r.entries, e)
	r.byName[name] = e
	return nil
}

func (r *registry) setAttributes(name string, attrs Attributes) error {
	e, ok := r.lookup(name)
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	if attrs.Predecessor == name {
		return fmt.Errorf("%w: task %q cannot precede itself", ErrInvalidArgument, name)
	}
	var pred *entry
	if attrs.Predecessor != "" {
		pred, ok = r.lookup(attrs.Predecessor)
		if !ok {
			return fmt.Errorf("%w: predecessor %q of %q", ErrNotFound, attrs.Predecessor, name)
		}
	}
	if err := attrs.validate(); err != nil {
		return err
	}
	if cycle := r.precedenceCycle(e, pred); cycle != nil {
		return fmt.Errorf("%w: precedence cycle %s", ErrInvalidArgument, strings.Join(cycle, " -> "))
	}
	if other := r.dependentOf(pred, e); other != nil {
		return fmt.Errorf("%w: %q already follows %q", ErrInvalidArgument, other.name, pred.name)
	}

	e.mu.Lock()
	e.attrs = attrs
	e.attributed = true
	e.pred = pred
	e.mu.Unlock()
	return nil
}

// precedenceCycle walks the predecessor chain starting at pred and returns the
// cycle path if it leads back to e.
func (r *registry) precedenceCycle(e, pred *entry) []string {
	path := []string{e.name}
	seen := map[*entry]bool{e: true}
	for cur := pred; cur != nil; {
		path = append(path, cur.name)
		if cur == e {
			return path
		}
		if seen[cur] {
			// A cycle that does not involve e cannot exist: every edge was
			// checked when it was added.
			return nil
		}
		seen[cur] = true
		_, next := cur.snapshot()
		cur = next
	}
	return nil
}

// dependentOf returns the task other than e whose predecessor is pred. A
// completion signal is binary, so it can gate only one dependent.
func (r *registry) dependentOf(pred, e *entry) *entry {
	if pred == nil {
		return nil
	}
	for _, o := range r.entries {
		if o == e {
			continue
		}
		if _, p := o.snapshot(); p == pred {
			return o
		}
	}
	return nil
}

func (r *registry) each(fn func(*entry)) {
	for _, e := range r.entries {
		fn(e)
	}
}

func (r *registry) len() int {
	return len(r.entries)
}
