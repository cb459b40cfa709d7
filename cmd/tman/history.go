package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/basket/go-tman/internal/config"
	"github.com/basket/go-tman/internal/persistence"
	"github.com/basket/go-tman/internal/tman"
)

type runDetail struct {
	Run    persistence.Run             `json:"run"`
	Tick   uint64                      `json:"snapshot_tick"`
	Tasks  []tman.TaskStats            `json:"tasks"`
	Events []persistence.DeadlineEvent `json:"deadline_events"`
}

func runHistoryCommand(ctx context.Context, args []string, out io.Writer) int {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	configPath := fs.String("config", "", "config file (default: $TMAN_HOME/tman.yaml)")
	limit := fs.Int("limit", 10, "number of runs to list")
	runID := fs.String("run", "", "show the last snapshot and deadline events of one run")
	jsonOutput := fs.Bool("json", false, "print JSON")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if fs.NArg() != 0 || *limit <= 0 {
		fmt.Fprintln(os.Stderr, "usage: tman history [-config file] [-limit n] [-run id] [-json]")
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return 1
	}
	if cfg.HistoryDB == "" {
		fmt.Fprintln(os.Stderr, "run history is disabled (history_db is empty)")
		return 1
	}
	store, err := persistence.Open(cfg.HistoryDB)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open history: %v\n", err)
		return 1
	}
	defer store.Close()

	if *runID != "" {
		return printRunDetail(ctx, store, *runID, *jsonOutput, out)
	}

	runs, err := store.ListRuns(ctx, *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "list runs: %v\n", err)
		return 1
	}
	if *jsonOutput {
		if runs == nil {
			runs = []persistence.Run{}
		}
		return encodeJSON(out, runs)
	}
	if len(runs) == 0 {
		fmt.Fprintln(out, "no runs recorded")
		return 0
	}
	fmt.Fprintf(out, "%-36s  %-20s  %6s  %5s  %10s  %s\n", "RUN", "STARTED", "TICK", "TASKS", "FINAL TICK", "DURATION")
	for _, r := range runs {
		duration := "running"
		if r.EndedAt != nil {
			duration = r.EndedAt.Sub(r.StartedAt).Truncate(time.Second).String()
		}
		fmt.Fprintf(out, "%-36s  %-20s  %4dms  %5d  %10d  %s\n",
			r.ID, r.StartedAt.Local().Format("2006-01-02 15:04:05"), r.TickIntervalMS, r.TaskCount, r.FinalTick, duration)
	}
	return 0
}

func printRunDetail(ctx context.Context, store *persistence.Store, runID string, jsonOutput bool, out io.Writer) int {
	run, err := store.GetRun(ctx, runID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	tick, stats, err := store.LatestSnapshot(ctx, runID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "snapshot: %v\n", err)
		return 1
	}
	events, err := store.ListDeadlineEvents(ctx, runID, 20)
	if err != nil {
		fmt.Fprintf(os.Stderr, "deadline events: %v\n", err)
		return 1
	}
	if jsonOutput {
		return encodeJSON(out, runDetail{Run: run, Tick: tick, Tasks: stats, Events: events})
	}

	fmt.Fprintf(out, "Run %s (config %s)\n", run.ID, run.ConfigFingerprint)
	if len(stats) == 0 {
		fmt.Fprintln(out, "no snapshot recorded")
	} else {
		fmt.Fprintf(out, "Snapshot at tick %d:\n", tick)
		fmt.Fprintf(out, "  %-12s %11s %7s %9s\n", "TASK", "ACTIVATIONS", "MISSES", "LAST TICK")
		for _, st := range stats {
			fmt.Fprintf(out, "  %-12s %11d %7d %9d\n", st.Name, st.Activations, st.DeadlineMisses, st.LastActivationTick)
		}
	}
	if len(events) > 0 {
		fmt.Fprintln(out, "Deadline events:")
		for _, ev := range events {
			fmt.Fprintf(out, "  tick %-8d %-8s %s\n", ev.Tick, ev.Kind, ev.Task)
		}
	}
	return 0
}

func encodeJSON(out io.Writer, v any) int {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "Error encoding json: %v\n", err)
		return 1
	}
	return 0
}
