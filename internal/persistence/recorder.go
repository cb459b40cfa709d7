package persistence

import (
	"context"
	"log/slog"

	"github.com/basket/go-tman/internal/bus"
)

// Recorder writes deadline events from the bus into the history of one run.
type Recorder struct {
	store  *Store
	runID  string
	logger *slog.Logger
}

func NewRecorder(store *Store, runID string, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: store, runID: runID, logger: logger}
}

// Run consumes sub until ctx ends or the subscription is closed. Write
// failures are logged and do not stop the recorder.
func (r *Recorder) Run(ctx context.Context, sub *bus.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			r.handle(ctx, ev)
		}
	}
}

func (r *Recorder) handle(ctx context.Context, ev bus.Event) {
	payload, ok := ev.Payload.(bus.DeadlineEvent)
	if !ok {
		return
	}
	var kind string
	switch ev.Topic {
	case bus.TopicDeadlineMissed:
		kind = KindMiss
	case bus.TopicDeadlineOverrun:
		kind = KindOverrun
	default:
		return
	}
	rec := DeadlineEvent{Task: payload.Task, Kind: kind, Tick: payload.Tick, Misses: payload.Misses}
	if err := r.store.RecordDeadlineEvent(ctx, r.runID, rec); err != nil {
		r.logger.Error("record deadline event failed", "run_id", r.runID, "task", payload.Task, "error", err)
	}
}
