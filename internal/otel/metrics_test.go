package otel

import (
	"context"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/basket/go-tman/internal/tman"
)

var _ tman.Observer = (*Observer)(nil)

func TestNewMetrics_NoopMeter(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics with noop: %v", err)
	}
	// Recording on noop instruments must not panic.
	o := NewObserver(m)
	o.TickAdvanced(1)
	o.DeadlineMissed("a", 1, 1)
}

func sumByTask(t *testing.T, rm metricdata.ResourceMetrics, name string) map[string]int64 {
	t.Helper()
	out := make(map[string]int64)
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			if md.Name != name {
				continue
			}
			sum, ok := md.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("%s: data is %T, want Sum[int64]", name, md.Data)
			}
			for _, dp := range sum.DataPoints {
				task, _ := dp.Attributes.Value(AttrTask)
				out[task.AsString()] += dp.Value
			}
		}
	}
	return out
}

func TestObserver_RecordsSchedulingEvents(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	p, err := Init(context.Background(), Config{Enabled: true, Exporter: "none"}, WithMetricReader(reader))
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	o := NewObserver(m)
	o.TickAdvanced(1)
	o.TickAdvanced(2)
	o.TaskReleased("a", 0)
	o.TaskReleased("b", 0)
	o.TaskActivated("a", 1, 1)
	o.DeadlineMissed("b", 7, 1)
	o.DeadlineMissed("b", 9, 2)
	o.DeadlineOverrun("b", 6)

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if got := sumByTask(t, rm, "tman.ticks")[""]; got != 2 {
		t.Fatalf("tman.ticks = %d, want 2", got)
	}
	releases := sumByTask(t, rm, "tman.task.releases")
	if releases["a"] != 1 || releases["b"] != 1 {
		t.Fatalf("releases = %v", releases)
	}
	if got := sumByTask(t, rm, "tman.deadline.misses")["b"]; got != 2 {
		t.Fatalf("misses for b = %d, want 2", got)
	}
	if got := sumByTask(t, rm, "tman.deadline.overruns")["b"]; got != 1 {
		t.Fatalf("overruns for b = %d, want 1", got)
	}
}
