package report_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/basket/go-tman/internal/persistence"
	"github.com/basket/go-tman/internal/report"
	"github.com/basket/go-tman/internal/tman"
)

// waitFor polls check until it returns true or the deadline elapses.
func waitFor(t *testing.T, deadline time.Duration, check func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

type fakeSource struct {
	mu    sync.Mutex
	tick  uint64
	stats []tman.TaskStats
}

func (f *fakeSource) Snapshot() []tman.TaskStats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]tman.TaskStats(nil), f.stats...)
}

func (f *fakeSource) CurrentTick() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tick
}

type failingSink struct{}

func (failingSink) RecordSnapshot(context.Context, string, uint64, []tman.TaskStats) error {
	return errors.New("disk full")
}

func newSource() *fakeSource {
	return &fakeSource{
		tick: 12,
		stats: []tman.TaskStats{
			{Name: "a", Activations: 6, LastActivationTick: 11},
			{Name: "b", Activations: 5, DeadlineMisses: 2, LastActivationTick: 11},
		},
	}
}

func TestNew_RejectsBadSchedule(t *testing.T) {
	if _, err := report.New(report.Config{Source: newSource(), Spec: "every now and then"}); err == nil {
		t.Fatal("expected parse error")
	}
	if _, err := report.New(report.Config{Spec: "@every 1s"}); err == nil {
		t.Fatal("expected error for nil source")
	}
}

func TestReport_SummarizesAndPersists(t *testing.T) {
	store, err := persistence.Open(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()
	ctx := context.Background()
	runID, _ := store.StartRun(ctx, "cfg", 100, 2)

	r, err := report.New(report.Config{Source: newSource(), Sink: store, RunID: runID, Spec: "@every 10s"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	sum, err := r.Report(ctx)
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if sum.Tick != 12 || sum.Tasks != 2 || sum.Activations != 11 || sum.Misses != 2 {
		t.Fatalf("summary = %+v", sum)
	}
	tick, stats, err := store.LatestSnapshot(ctx, runID)
	if err != nil || tick != 12 || len(stats) != 2 {
		t.Fatalf("persisted tick=%d stats=%v err=%v", tick, stats, err)
	}
}

func TestReport_SinkError(t *testing.T) {
	r, err := report.New(report.Config{Source: newSource(), Sink: failingSink{}, Spec: "@hourly"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := r.Report(context.Background()); err == nil {
		t.Fatal("expected sink error")
	}
	if r.Reports() != 1 {
		t.Fatalf("reports = %d, want 1", r.Reports())
	}
}

func TestReporter_FiresOnSchedule(t *testing.T) {
	r, err := report.New(report.Config{Source: newSource(), Spec: "@every 1s"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)
	defer r.Stop()

	waitFor(t, 3*time.Second, func() bool { return r.Reports() >= 1 })
}

func TestNextRunTime(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 2, 0, 0, time.UTC)
	next, err := report.NextRunTime("*/5 * * * *", base)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if want := time.Date(2026, 3, 1, 10, 5, 0, 0, time.UTC); !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}
	next, err = report.NextRunTime("@every 10s", base)
	if err != nil || !next.Equal(base.Add(10*time.Second)) {
		t.Fatalf("next = %v err = %v", next, err)
	}
	if _, err := report.NextRunTime("not a spec", base); err == nil {
		t.Fatal("expected parse error")
	}
}
