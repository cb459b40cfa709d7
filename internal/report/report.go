// Package report periodically logs and persists task manager statistics on a
// cron schedule.
package report

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/go-tman/internal/tman"
)

// parser accepts standard 5-field expressions and descriptors such as
// "@every 10s" or "@hourly".
var parser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// Source is the part of tman.Manager a report reads.
type Source interface {
	Snapshot() []tman.TaskStats
	CurrentTick() uint64
}

// Sink persists a snapshot. *persistence.Store satisfies it.
type Sink interface {
	RecordSnapshot(ctx context.Context, runID string, tick uint64, stats []tman.TaskStats) error
}

// Config holds the dependencies for the Reporter.
type Config struct {
	Source Source
	Sink   Sink // optional
	RunID  string
	Spec   string
	Logger *slog.Logger
}

// Summary totals one report.
type Summary struct {
	Tick        uint64
	Tasks       int
	Activations uint64
	Misses      uint64
}

// Reporter fires Report on a cron schedule.
type Reporter struct {
	source Source
	sink   Sink
	runID  string
	spec   string
	sched  cronlib.Schedule
	logger *slog.Logger

	mu      sync.Mutex
	cron    *cronlib.Cron
	reports int
}

// New validates cfg.Spec and returns an idle Reporter.
func New(cfg Config) (*Reporter, error) {
	if cfg.Source == nil {
		return nil, fmt.Errorf("report: nil source")
	}
	sched, err := parser.Parse(cfg.Spec)
	if err != nil {
		return nil, fmt.Errorf("report: parse schedule %q: %w", cfg.Spec, err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Reporter{
		source: cfg.Source,
		sink:   cfg.Sink,
		runID:  cfg.RunID,
		spec:   cfg.Spec,
		sched:  sched,
		logger: logger,
	}, nil
}

// Start runs the schedule in the background until Stop or ctx ends.
func (r *Reporter) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cron != nil {
		return
	}
	c := cronlib.New(cronlib.WithParser(parser))
	c.Schedule(r.sched, cronlib.FuncJob(func() {
		if _, err := r.Report(ctx); err != nil {
			r.logger.Error("report failed", "error", err)
		}
	}))
	c.Start()
	r.cron = c
	r.logger.Info("reporter started", "schedule", r.spec, "next_report_at", r.sched.Next(time.Now()))

	go func() {
		<-ctx.Done()
		r.Stop()
	}()
}

// Stop halts the schedule and waits for a running report to finish.
func (r *Reporter) Stop() {
	r.mu.Lock()
	c := r.cron
	r.cron = nil
	r.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
	r.logger.Info("reporter stopped")
}

// Reports returns how many reports have been produced.
func (r *Reporter) Reports() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reports
}

// Report logs one line per task and a summary, then persists the snapshot
// when a sink is configured.
func (r *Reporter) Report(ctx context.Context) (Summary, error) {
	tick := r.source.CurrentTick()
	stats := r.source.Snapshot()

	sum := Summary{Tick: tick, Tasks: len(stats)}
	for _, st := range stats {
		sum.Activations += st.Activations
		sum.Misses += st.DeadlineMisses
		r.logger.Info("task report",
			"task", st.Name,
			"activations", st.Activations,
			"deadline_misses", st.DeadlineMisses,
			"last_activation_tick", st.LastActivationTick,
		)
	}
	r.logger.Info("tman report",
		"run_id", r.runID,
		"tick", tick,
		"tasks", sum.Tasks,
		"activations", sum.Activations,
		"deadline_misses", sum.Misses,
	)

	r.mu.Lock()
	r.reports++
	r.mu.Unlock()

	if r.sink == nil {
		return sum, nil
	}
	if err := r.sink.RecordSnapshot(ctx, r.runID, tick, stats); err != nil {
		return sum, fmt.Errorf("persist snapshot: %w", err)
	}
	return sum, nil
}

// NextRunTime parses spec and returns the next firing after the given time.
func NextRunTime(spec string, after time.Time) (time.Time, error) {
	sched, err := parser.Parse(spec)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
