package bus

// Scheduling topics. Subscribe to "task." or "deadline." for a family.
const (
	TopicTickAdvanced    = "tick.advanced"
	TopicTaskReleased    = "task.released"
	TopicTaskActivated   = "task.activated"
	TopicDeadlineMissed  = "deadline.missed"
	TopicDeadlineOverrun = "deadline.overrun"
	TopicConfigReloaded  = "config.reloaded"
)

// TickEvent is published after every regulator sweep.
type TickEvent struct {
	Tick uint64 `json:"tick"`
}

// TaskEvent is published when a task is released or activated.
// Activations is zero for releases.
type TaskEvent struct {
	Task        string `json:"task"`
	Tick        uint64 `json:"tick"`
	Activations uint64 `json:"activations,omitempty"`
}

// DeadlineEvent is published for a detected miss or a watchdog overrun.
// Misses is the running miss count and is zero for overruns.
type DeadlineEvent struct {
	Task   string `json:"task"`
	Tick   uint64 `json:"tick"`
	Misses uint64 `json:"misses,omitempty"`
}

// ConfigReloadedEvent is published when the config file changes on disk.
type ConfigReloadedEvent struct {
	Fingerprint string `json:"fingerprint"`
	Applied     bool   `json:"applied"`
	Reason      string `json:"reason,omitempty"`
}

// Observer publishes task manager events on a Bus. It satisfies tman.Observer.
type Observer struct {
	bus   *Bus
	ticks bool
}

// NewObserver returns an observer that publishes on b. Tick events are only
// published when withTicks is set.
func NewObserver(b *Bus, withTicks bool) *Observer {
	return &Observer{bus: b, ticks: withTicks}
}

func (o *Observer) TickAdvanced(tick uint64) {
	if o.ticks {
		o.bus.Publish(TopicTickAdvanced, TickEvent{Tick: tick})
	}
}

func (o *Observer) TaskReleased(name string, tick uint64) {
	o.bus.Publish(TopicTaskReleased, TaskEvent{Task: name, Tick: tick})
}

func (o *Observer) TaskActivated(name string, tick, activations uint64) {
	o.bus.Publish(TopicTaskActivated, TaskEvent{Task: name, Tick: tick, Activations: activations})
}

func (o *Observer) DeadlineMissed(name string, tick, misses uint64) {
	o.bus.Publish(TopicDeadlineMissed, DeadlineEvent{Task: name, Tick: tick, Misses: misses})
}

func (o *Observer) DeadlineOverrun(name string, tick uint64) {
	o.bus.Publish(TopicDeadlineOverrun, DeadlineEvent{Task: name, Tick: tick})
}
