package tman

// Observer receives scheduling events. Methods are called synchronously from
// the regulator sweep or from the worker inside WaitForNextPeriod, so they must
// not block.
type Observer interface {
	TickAdvanced(tick uint64)
	TaskReleased(name string, tick uint64)
	TaskActivated(name string, tick uint64, activations uint64)
	DeadlineMissed(name string, tick uint64, misses uint64)
	DeadlineOverrun(name string, tick uint64)
}

// MissHandler is invoked with the task name for every detected deadline miss.
// It runs on the missing task's thread and must not block.
type MissHandler interface {
	DeadlineMissed(name string)
}

// MissHandlerFunc adapts a function to MissHandler.
type MissHandlerFunc func(name string)

func (f MissHandlerFunc) DeadlineMissed(name string) { f(name) }

// NopObserver ignores every event.
type NopObserver struct{}

func (NopObserver) TickAdvanced(uint64)                   {}
func (NopObserver) TaskReleased(string, uint64)           {}
func (NopObserver) TaskActivated(string, uint64, uint64)  {}
func (NopObserver) DeadlineMissed(string, uint64, uint64) {}
func (NopObserver) DeadlineOverrun(string, uint64)        {}

// Observers fans events out to every non-nil observer in order.
func Observers(obs ...Observer) Observer {
	var out multiObserver
	for _, o := range obs {
		if o != nil {
			out = append(out, o)
		}
	}
	switch len(out) {
	case 0:
		return NopObserver{}
	case 1:
		return out[0]
	}
	return out
}

type multiObserver []Observer

func (m multiObserver) TickAdvanced(tick uint64) {
	for _, o := range m {
		o.TickAdvanced(tick)
	}
}

func (m multiObserver) TaskReleased(name string, tick uint64) {
	for _, o := range m {
		o.TaskReleased(name, tick)
	}
}

func (m multiObserver) TaskActivated(name string, tick, activations uint64) {
	for _, o := range m {
		o.TaskActivated(name, tick, activations)
	}
}

func (m multiObserver) DeadlineMissed(name string, tick, misses uint64) {
	for _, o := range m {
		o.DeadlineMissed(name, tick, misses)
	}
}

func (m multiObserver) DeadlineOverrun(name string, tick uint64) {
	for _, o := range m {
		o.DeadlineOverrun(name, tick)
	}
}
