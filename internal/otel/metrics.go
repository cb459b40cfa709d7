package otel

import (
	"context"

	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the TMAN metric instruments.
type Metrics struct {
	Ticks           metric.Int64Counter
	Releases        metric.Int64Counter
	Activations     metric.Int64Counter
	DeadlineMisses  metric.Int64Counter
	Overruns        metric.Int64Counter
	JobDuration     metric.Float64Histogram
	RequestDuration metric.Float64Histogram
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.Ticks, err = meter.Int64Counter("tman.ticks",
		metric.WithDescription("Framework ticks swept by the regulator"),
	)
	if err != nil {
		return nil, err
	}

	m.Releases, err = meter.Int64Counter("tman.task.releases",
		metric.WithDescription("Task releases raised by the regulator"),
	)
	if err != nil {
		return nil, err
	}

	m.Activations, err = meter.Int64Counter("tman.task.activations",
		metric.WithDescription("Task instances granted"),
	)
	if err != nil {
		return nil, err
	}

	m.DeadlineMisses, err = meter.Int64Counter("tman.deadline.misses",
		metric.WithDescription("Deadline misses detected at the next period wait"),
	)
	if err != nil {
		return nil, err
	}

	m.Overruns, err = meter.Int64Counter("tman.deadline.overruns",
		metric.WithDescription("Running instances past their deadline, seen by the watchdog"),
	)
	if err != nil {
		return nil, err
	}

	m.JobDuration, err = meter.Float64Histogram("tman.job.duration",
		metric.WithDescription("Job body duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.RequestDuration, err = meter.Float64Histogram("tman.gateway.request.duration",
		metric.WithDescription("Gateway request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// Observer records scheduling events on m. It satisfies tman.Observer.
type Observer struct {
	m *Metrics
}

// NewObserver returns an observer that feeds m.
func NewObserver(m *Metrics) *Observer {
	return &Observer{m: m}
}

func (o *Observer) TickAdvanced(uint64) {
	o.m.Ticks.Add(context.Background(), 1)
}

func (o *Observer) TaskReleased(name string, _ uint64) {
	o.m.Releases.Add(context.Background(), 1, metric.WithAttributes(AttrTask.String(name)))
}

func (o *Observer) TaskActivated(name string, _, _ uint64) {
	o.m.Activations.Add(context.Background(), 1, metric.WithAttributes(AttrTask.String(name)))
}

func (o *Observer) DeadlineMissed(name string, _, _ uint64) {
	o.m.DeadlineMisses.Add(context.Background(), 1, metric.WithAttributes(AttrTask.String(name)))
}

func (o *Observer) DeadlineOverrun(name string, _ uint64) {
	o.m.Overruns.Add(context.Background(), 1, metric.WithAttributes(AttrTask.String(name)))
}
