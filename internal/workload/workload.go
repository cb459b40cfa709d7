// Package workload provides the demo job bodies the CLI schedules. A job
// stands in for real work by occupying its thread for a number of kernel
// ticks; every Nth instance can be made to overrun.
package workload

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/go-tman/internal/config"
	"github.com/basket/go-tman/internal/kernel"
	"github.com/basket/go-tman/internal/otel"
	"github.com/basket/go-tman/internal/tman"
)

// Spec is the simulated cost of one task's instances.
type Spec struct {
	Task         string
	WorkTicks    uint64
	OverrunEvery uint64
	OverrunTicks uint64
}

// FromConfig converts a task entry of the config file.
func FromConfig(tc config.TaskConfig) Spec {
	return Spec{
		Task:         tc.Name,
		WorkTicks:    uint64(tc.WorkTicks),
		OverrunEvery: uint64(tc.OverrunEvery),
		OverrunTicks: uint64(tc.OverrunTicks),
	}
}

// Attributes converts the scheduling fields of a task entry.
func Attributes(tc config.TaskConfig) tman.Attributes {
	return tman.Attributes{
		Period:      tc.Period,
		Phase:       tc.Phase,
		Deadline:    tc.Deadline,
		Predecessor: tc.Precedence,
	}
}

// Register adds every task to m, then attributes them, so a task may name a
// predecessor declared after it.
func Register(m *tman.Manager, tasks []config.TaskConfig) error {
	for _, tc := range tasks {
		if err := m.AddTask(tc.Name); err != nil {
			return fmt.Errorf("add task %q: %w", tc.Name, err)
		}
	}
	for _, tc := range tasks {
		if err := m.RegisterAttributes(tc.Name, Attributes(tc)); err != nil {
			return fmt.Errorf("attributes of task %q: %w", tc.Name, err)
		}
	}
	return nil
}

// cost returns the ticks instance n (1-based) occupies.
func (s Spec) cost(n uint64) uint64 {
	if s.OverrunEvery > 0 && n%s.OverrunEvery == 0 {
		return s.WorkTicks + s.OverrunTicks
	}
	return s.WorkTicks
}

// Runner builds jobs on a kernel.
type Runner struct {
	kernel  kernel.Kernel
	tracer  trace.Tracer
	metrics *otel.Metrics
	logger  *slog.Logger
}

// NewRunner returns a Runner. tracer and metrics may be nil.
func NewRunner(k kernel.Kernel, tracer trace.Tracer, metrics *otel.Metrics, logger *slog.Logger) *Runner {
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(otel.ScopeName)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{kernel: k, tracer: tracer, metrics: metrics, logger: logger}
}

// Job returns the body for spec. The returned job keeps an instance counter
// and must only run on one worker thread.
func (r *Runner) Job(spec Spec) tman.Job {
	var instance uint64
	return func(ctx context.Context) error {
		instance++
		start := r.kernel.TickCount()
		r.logger.Debug("task instance", "task", spec.Task, "instance", instance, "kernel_tick", start)

		ctx, span := otel.StartSpan(ctx, r.tracer, "tman.job",
			otel.AttrTask.String(spec.Task),
			otel.AttrActivation.Int64(int64(instance)),
		)
		defer span.End()

		ticks := spec.cost(instance)
		if ticks > 0 {
			if err := r.kernel.Delay(ctx, ticks); err != nil {
				span.RecordError(err)
				return err
			}
		}

		elapsed := time.Duration(r.kernel.TickCount()-start) * r.kernel.BaseTick()
		span.SetAttributes(attribute.Int64("tman.job.ticks", int64(ticks)))
		if r.metrics != nil {
			r.metrics.JobDuration.Record(ctx, elapsed.Seconds(),
				metric.WithAttributes(otel.AttrTask.String(spec.Task)))
		}
		return nil
	}
}
