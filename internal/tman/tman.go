// Package tman is a periodic task manager layered on a priority-scheduled
// kernel. Tasks are registered by name with a period, phase, deadline and an
// optional predecessor; a regulator thread releases them on framework tick
// boundaries and WaitForNextPeriod blocks each worker until its next release.
//
// Typical use:
//
//	m, err := tman.New(k, tman.Config{TickInterval: 100 * time.Millisecond})
//	m.AddTask("a")
//	m.RegisterAttributes("a", tman.Attributes{Period: 1, Deadline: 1})
//	m.Spawn(ctx, "a", 1, job)
//	m.Start(ctx)
//	defer m.Close()
package tman

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/go-tman/internal/kernel"
)

// DefaultMaxTasks is the registry capacity used when Config.MaxTasks is zero.
const DefaultMaxTasks = 30

type managerState int32

const (
	stateInitialized managerState = iota
	stateRunning
	stateClosed
)

// Config holds the Init parameters of a Manager.
type Config struct {
	// TickInterval is the framework tick. It must be a positive multiple of
	// the kernel base tick.
	TickInterval time.Duration
	// EnableStats logs a stats line for a task on every WaitForNextPeriod.
	EnableStats bool
	// OnDeadlineMiss is called for every detected miss. Defaults to a warning
	// on Logger.
	OnDeadlineMiss MissHandler
	// MaxTasks bounds the registry. Defaults to DefaultMaxTasks.
	MaxTasks int
	// RegulatorPriority defaults to kernel.MaxPriority.
	RegulatorPriority int
	// Watchdog reports deadline overruns from the regulator as they happen,
	// in addition to the miss check done at the next WaitForNextPeriod.
	Watchdog bool
	Observer Observer
	Logger   *slog.Logger
}

// Manager owns the task registry and the regulator thread.
type Manager struct {
	kernel        kernel.Kernel
	ticksPerFrame uint64
	enableStats   bool
	watchdog      bool
	regPriority   int
	onMiss        MissHandler
	observer      Observer
	logger        *slog.Logger

	state atomic.Int32 // managerState
	tick  atomic.Uint64

	mu  sync.RWMutex
	reg *registry

	cancel    context.CancelFunc
	regulator *kernel.Thread
}

// New validates cfg against k and returns an idle Manager. The regulator does
// not run until Start.
func New(k kernel.Kernel, cfg Config) (*Manager, error) {
	if k == nil {
		return nil, fmt.Errorf("%w: nil kernel", ErrInvalidArgument)
	}
	if cfg.TickInterval <= 0 {
		return nil, fmt.Errorf("%w: tick interval %s", ErrInvalidArgument, cfg.TickInterval)
	}
	base := k.BaseTick()
	if base <= 0 || cfg.TickInterval%base != 0 {
		return nil, fmt.Errorf("%w: %s is not a multiple of %s", ErrTickRateMismatch, cfg.TickInterval, base)
	}
	if cfg.MaxTasks < 0 {
		return nil, fmt.Errorf("%w: max tasks %d", ErrInvalidArgument, cfg.MaxTasks)
	}
	maxTasks := cfg.MaxTasks
	if maxTasks == 0 {
		maxTasks = DefaultMaxTasks
	}
	regPriority := cfg.RegulatorPriority
	if regPriority == 0 {
		regPriority = kernel.MaxPriority
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	observer := cfg.Observer
	if observer == nil {
		observer = NopObserver{}
	}
	onMiss := cfg.OnDeadlineMiss
	if onMiss == nil {
		onMiss = MissHandlerFunc(func(name string) {
			logger.Warn("task missed a deadline", "task", name)
		})
	}
	return &Manager{
		kernel:        k,
		ticksPerFrame: uint64(cfg.TickInterval / base),
		enableStats:   cfg.EnableStats,
		watchdog:      cfg.Watchdog,
		regPriority:   regPriority,
		onMiss:        onMiss,
		observer:      observer,
		logger:        logger,
		reg:           newRegistry(maxTasks),
	}, nil
}

// Kernel returns the kernel the manager runs on.
func (m *Manager) Kernel() kernel.Kernel { return m.kernel }

// TicksPerFrame is the number of kernel ticks in one framework tick.
func (m *Manager) TicksPerFrame() uint64 { return m.ticksPerFrame }

// CurrentTick returns the framework tick counter: the number of regulator
// sweeps completed so far.
func (m *Manager) CurrentTick() uint64 { return m.tick.Load() }

// AddTask registers name and allocates its release and completion signals.
func (m *Manager) AddTask(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkRegistrable(); err != nil {
		return err
	}
	if err := m.reg.add(m.kernel, name); err != nil {
		return err
	}
	m.logger.Debug("task added", "task", name)
	return nil
}

// RegisterAttributes sets or replaces the timing attributes of name.
func (m *Manager) RegisterAttributes(name string, attrs Attributes) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkRegistrable(); err != nil {
		return err
	}
	if err := m.reg.setAttributes(name, attrs); err != nil {
		return err
	}
	m.logger.Debug("task attributes registered",
		"task", name,
		"period", attrs.Period,
		"phase", attrs.Phase,
		"deadline", attrs.Deadline,
		"predecessor", attrs.Predecessor,
	)
	return nil
}

func (m *Manager) checkRegistrable() error {
	switch managerState(m.state.Load()) {
	case stateRunning:
		return ErrRegistrySealed
	case stateClosed:
		return ErrClosed
	}
	return nil
}

// Start spawns the regulator thread and seals the registry.
func (m *Manager) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	switch managerState(m.state.Load()) {
	case stateRunning:
		return ErrAlreadyStarted
	case stateClosed:
		return ErrClosed
	}
	regCtx, cancel := context.WithCancel(ctx)
	th, err := m.kernel.Spawn(regCtx, "tman-regulator", m.regPriority, m.regulate)
	if err != nil {
		cancel()
		return fmt.Errorf("%w: spawn regulator: %v", ErrNoResources, err)
	}
	m.cancel = cancel
	m.regulator = th
	m.state.Store(int32(stateRunning))
	m.logger.Info("tman started",
		"tasks", m.reg.len(),
		"ticks_per_frame", m.ticksPerFrame,
		"regulator_priority", m.regPriority,
	)
	return nil
}

// Close stops the regulator and deletes every task signal. Workers blocked in
// WaitForNextPeriod return ErrClosed. Close does not wait for workers.
func (m *Manager) Close() error {
	prev := managerState(m.state.Swap(int32(stateClosed)))
	if prev == stateClosed {
		return ErrClosed
	}
	m.mu.RLock()
	cancel, regulator := m.cancel, m.regulator
	m.mu.RUnlock()
	if cancel != nil {
		cancel()
		<-regulator.Done()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.reg.each(func(e *entry) {
		e.release.Delete()
		e.completion.Delete()
	})
	m.logger.Info("tman closed", "tick", m.tick.Load())
	return nil
}

// Job is the body of one task instance.
type Job func(ctx context.Context) error

// Spawn starts a kernel thread that loops WaitForNextPeriod then job until
// either returns an error or ctx ends.
func (m *Manager) Spawn(ctx context.Context, name string, priority int, job Job) (*kernel.Thread, error) {
	if job == nil {
		return nil, fmt.Errorf("%w: nil job for %q", ErrInvalidArgument, name)
	}
	m.mu.RLock()
	_, ok := m.reg.lookup(name)
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return m.kernel.Spawn(ctx, name, priority, func(ctx context.Context) {
		for {
			if err := m.WaitForNextPeriod(ctx, name); err != nil {
				m.logger.Debug("worker stopped", "task", name, "error", err)
				return
			}
			if err := job(ctx); err != nil {
				m.logger.Error("worker job failed", "task", name, "error", err)
				return
			}
		}
	})
}
