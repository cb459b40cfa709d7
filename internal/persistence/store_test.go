package persistence_test

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/go-tman/internal/bus"
	"github.com/basket/go-tman/internal/persistence"
	"github.com/basket/go-tman/internal/tman"
)

func openTestStore(t *testing.T) (*persistence.Store, string) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "history.db")
	store, err := persistence.Open(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store, dbPath
}

func queryOneString(t *testing.T, db *sql.DB, q string) string {
	t.Helper()
	var out string
	if err := db.QueryRow(q).Scan(&out); err != nil {
		t.Fatalf("query %q: %v", q, err)
	}
	return out
}

func TestStore_OpenConfiguresWALAndSchema(t *testing.T) {
	store, _ := openTestStore(t)
	db := store.DB()

	if journal := queryOneString(t, db, "PRAGMA journal_mode;"); journal != "wal" {
		t.Fatalf("expected journal_mode=wal, got %q", journal)
	}
	var foreignKeys int
	if err := db.QueryRow("PRAGMA foreign_keys;").Scan(&foreignKeys); err != nil {
		t.Fatalf("pragma foreign_keys: %v", err)
	}
	if foreignKeys != 1 {
		t.Fatalf("expected foreign_keys=1, got %d", foreignKeys)
	}
	for _, table := range []string{"runs", "task_stats", "deadline_events", "schema_migrations"} {
		name := queryOneString(t, db, "SELECT name FROM sqlite_master WHERE type='table' AND name='"+table+"';")
		if name != table {
			t.Fatalf("missing table %s", table)
		}
	}
}

func TestStore_ReopenKeepsSchema(t *testing.T) {
	store, path := openTestStore(t)
	if _, err := store.StartRun(context.Background(), "cfg-1", 100, 2); err != nil {
		t.Fatalf("start run: %v", err)
	}
	_ = store.Close()

	again, err := persistence.Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer again.Close()
	runs, err := again.ListRuns(context.Background(), 10)
	if err != nil || len(runs) != 1 {
		t.Fatalf("runs = %v, err = %v", runs, err)
	}
}

func TestStore_RunLifecycle(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	id, err := store.StartRun(ctx, "cfg-abc", 100, 4)
	if err != nil {
		t.Fatalf("start run: %v", err)
	}
	run, err := store.GetRun(ctx, id)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.EndedAt != nil || run.ConfigFingerprint != "cfg-abc" || run.TaskCount != 4 {
		t.Fatalf("run = %+v", run)
	}

	if err := store.FinishRun(ctx, id, 42); err != nil {
		t.Fatalf("finish run: %v", err)
	}
	run, _ = store.GetRun(ctx, id)
	if run.EndedAt == nil || run.FinalTick != 42 {
		t.Fatalf("finished run = %+v", run)
	}

	if err := store.FinishRun(ctx, "missing", 1); !errors.Is(err, persistence.ErrRunNotFound) {
		t.Fatalf("finish unknown: err = %v", err)
	}
	if _, err := store.GetRun(ctx, "missing"); !errors.Is(err, persistence.ErrRunNotFound) {
		t.Fatalf("get unknown: err = %v", err)
	}
}

func TestStore_SnapshotRoundTrip(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	id, _ := store.StartRun(ctx, "cfg", 100, 2)

	first := []tman.TaskStats{
		{Name: "a", Attributes: tman.Attributes{Period: 2, Deadline: 2}, Activations: 1, LastActivationTick: 1},
		{Name: "b", Attributes: tman.Attributes{Period: 2, Deadline: 2, Predecessor: "a"}, Activations: 1, LastActivationTick: 1},
	}
	later := []tman.TaskStats{
		{Name: "a", Attributes: tman.Attributes{Period: 2, Deadline: 2}, Activations: 3, LastActivationTick: 5},
		{Name: "b", Attributes: tman.Attributes{Period: 2, Deadline: 2, Predecessor: "a"}, Activations: 3, DeadlineMisses: 1, LastActivationTick: 5},
	}
	if err := store.RecordSnapshot(ctx, id, 2, first); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := store.RecordSnapshot(ctx, id, 6, later); err != nil {
		t.Fatalf("record: %v", err)
	}

	tick, got, err := store.LatestSnapshot(ctx, id)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if tick != 6 || len(got) != 2 {
		t.Fatalf("tick = %d, stats = %+v", tick, got)
	}
	if got[1].Name != "b" || got[1].DeadlineMisses != 1 || got[1].Attributes.Predecessor != "a" || !got[1].Activated {
		t.Fatalf("b = %+v", got[1])
	}

	empty, _ := store.StartRun(ctx, "cfg", 100, 0)
	if tick, got, err := store.LatestSnapshot(ctx, empty); err != nil || tick != 0 || got != nil {
		t.Fatalf("empty run: tick=%d stats=%v err=%v", tick, got, err)
	}
}

func TestStore_DeadlineEvents(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	id, _ := store.StartRun(ctx, "cfg", 100, 1)

	if err := store.RecordDeadlineEvent(ctx, id, persistence.DeadlineEvent{Task: "c", Kind: "late"}); err == nil {
		t.Fatal("expected error for unknown kind")
	}
	for _, ev := range []persistence.DeadlineEvent{
		{Task: "c", Kind: persistence.KindOverrun, Tick: 6},
		{Task: "c", Kind: persistence.KindMiss, Tick: 7, Misses: 1},
	} {
		if err := store.RecordDeadlineEvent(ctx, id, ev); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	events, err := store.ListDeadlineEvents(ctx, id, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(events) != 2 || events[0].Kind != persistence.KindOverrun || events[1].Misses != 1 {
		t.Fatalf("events = %+v", events)
	}
}

func TestStore_PruneRunsCascades(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	old, _ := store.StartRun(ctx, "cfg", 100, 1)
	_ = store.FinishRun(ctx, old, 3)
	_ = store.RecordDeadlineEvent(ctx, old, persistence.DeadlineEvent{Task: "a", Kind: persistence.KindMiss, Tick: 2, Misses: 1})
	live, _ := store.StartRun(ctx, "cfg", 100, 1)

	backdated := time.Now().UTC().AddDate(0, 0, -30)
	if _, err := store.DB().Exec(`UPDATE runs SET started_at = ?;`, backdated); err != nil {
		t.Fatalf("backdate: %v", err)
	}

	n, err := store.PruneRuns(ctx, 7)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if n != 1 {
		t.Fatalf("pruned %d runs, want 1 (unfinished runs are kept)", n)
	}
	if _, err := store.GetRun(ctx, live); err != nil {
		t.Fatalf("live run pruned: %v", err)
	}
	var events int
	_ = store.DB().QueryRow(`SELECT COUNT(*) FROM deadline_events;`).Scan(&events)
	if events != 0 {
		t.Fatalf("deadline events not cascaded: %d left", events)
	}
}

func TestRecorder_PersistsDeadlineEvents(t *testing.T) {
	store, _ := openTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	id, _ := store.StartRun(ctx, "cfg", 100, 1)

	b := bus.New()
	sub := b.Subscribe("deadline.")
	done := make(chan struct{})
	go func() {
		defer close(done)
		persistence.NewRecorder(store, id, nil).Run(ctx, sub)
	}()

	obs := bus.NewObserver(b, false)
	obs.DeadlineOverrun("c", 6)
	obs.DeadlineMissed("c", 7, 1)
	obs.TaskActivated("c", 7, 2)

	deadline := time.Now().Add(3 * time.Second)
	for {
		events, err := store.ListDeadlineEvents(context.Background(), id, 0)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(events) == 2 {
			if events[0].Kind != persistence.KindOverrun || events[1].Kind != persistence.KindMiss {
				t.Fatalf("events = %+v", events)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out; events = %+v", events)
		}
		time.Sleep(10 * time.Millisecond)
	}

	b.Unsubscribe(sub)
	<-done
}
