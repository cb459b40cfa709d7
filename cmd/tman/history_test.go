package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/go-tman/internal/persistence"
	"github.com/basket/go-tman/internal/tman"
)

// seedHistory records one finished run with a snapshot and a miss.
func seedHistory(t *testing.T, home string) string {
	t.Helper()
	ctx := context.Background()
	store, err := persistence.Open(filepath.Join(home, "history.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	runID, err := store.StartRun(ctx, "cfg-test", 100, 1)
	if err != nil {
		t.Fatalf("start run: %v", err)
	}
	stats := []tman.TaskStats{{
		Name:               "a",
		Attributes:         tman.Attributes{Period: 1, Deadline: 1},
		Activations:        7,
		DeadlineMisses:     2,
		LastActivationTick: 7,
	}}
	if err := store.RecordSnapshot(ctx, runID, 8, stats); err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if err := store.RecordDeadlineEvent(ctx, runID, persistence.DeadlineEvent{
		Task: "a", Kind: persistence.KindMiss, Tick: 5, Misses: 1,
	}); err != nil {
		t.Fatalf("deadline event: %v", err)
	}
	if err := store.FinishRun(ctx, runID, 8); err != nil {
		t.Fatalf("finish run: %v", err)
	}
	return runID
}

func TestRunHistoryCommand_ListsRuns(t *testing.T) {
	home := writeTestHome(t, "")
	runID := seedHistory(t, home)

	var out bytes.Buffer
	if code := runHistoryCommand(context.Background(), nil, &out); code != 0 {
		t.Fatalf("got exit code %d, want 0", code)
	}
	if !strings.Contains(out.String(), runID) {
		t.Fatalf("run %s not listed:\n%s", runID, out.String())
	}
}

func TestRunHistoryCommand_JSON(t *testing.T) {
	home := writeTestHome(t, "")
	runID := seedHistory(t, home)

	var out bytes.Buffer
	if code := runHistoryCommand(context.Background(), []string{"-json"}, &out); code != 0 {
		t.Fatalf("got exit code %d, want 0", code)
	}
	var runs []persistence.Run
	if err := json.Unmarshal(out.Bytes(), &runs); err != nil {
		t.Fatalf("decode: %v\n%s", err, out.String())
	}
	if len(runs) != 1 || runs[0].ID != runID || runs[0].FinalTick != 8 || runs[0].EndedAt == nil {
		t.Fatalf("runs = %+v", runs)
	}
}

func TestRunHistoryCommand_RunDetail(t *testing.T) {
	home := writeTestHome(t, "")
	runID := seedHistory(t, home)

	var out bytes.Buffer
	if code := runHistoryCommand(context.Background(), []string{"-run", runID, "-json"}, &out); code != 0 {
		t.Fatalf("got exit code %d, want 0", code)
	}
	var detail runDetail
	if err := json.Unmarshal(out.Bytes(), &detail); err != nil {
		t.Fatalf("decode: %v\n%s", err, out.String())
	}
	if detail.Tick != 8 || len(detail.Tasks) != 1 || detail.Tasks[0].DeadlineMisses != 2 {
		t.Fatalf("snapshot = %+v", detail)
	}
	if len(detail.Events) != 1 || detail.Events[0].Kind != persistence.KindMiss {
		t.Fatalf("events = %+v", detail.Events)
	}

	out.Reset()
	if code := runHistoryCommand(context.Background(), []string{"-run", runID}, &out); code != 0 {
		t.Fatalf("got exit code %d, want 0", code)
	}
	if !strings.Contains(out.String(), "Snapshot at tick 8") || !strings.Contains(out.String(), "Deadline events:") {
		t.Fatalf("unexpected text output:\n%s", out.String())
	}
}

func TestRunHistoryCommand_UnknownRun(t *testing.T) {
	writeTestHome(t, "")
	var out bytes.Buffer
	if code := runHistoryCommand(context.Background(), []string{"-run", "nope"}, &out); code != 1 {
		t.Fatalf("got exit code %d, want 1", code)
	}
}

func TestRunHistoryCommand_Empty(t *testing.T) {
	writeTestHome(t, "")
	var out bytes.Buffer
	if code := runHistoryCommand(context.Background(), nil, &out); code != 0 {
		t.Fatalf("got exit code %d, want 0", code)
	}
	if !strings.Contains(out.String(), "no runs recorded") {
		t.Fatalf("output = %q", out.String())
	}
}

func TestRunHistoryCommand_BadArgs(t *testing.T) {
	var out bytes.Buffer
	if code := runHistoryCommand(context.Background(), []string{"-limit", "0"}, &out); code != 2 {
		t.Fatalf("got exit code %d, want 2", code)
	}
}
