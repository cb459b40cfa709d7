package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/basket/go-tman/internal/config"
	"github.com/basket/go-tman/internal/doctor"
	"github.com/basket/go-tman/internal/workload"
)

func runValidateCommand(_ context.Context, args []string, out io.Writer) int {
	fs := flag.NewFlagSet("validate", flag.ContinueOnError)
	configPath := fs.String("config", "", "config file (default: $TMAN_HOME/tman.yaml)")
	simulate := fs.Uint64("simulate", 0, "also run the schedule for this many ticks on a simulated clock")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if fs.NArg() != 0 {
		fmt.Fprintln(os.Stderr, "usage: tman validate [-config file] [-simulate ticks]")
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return 1
	}

	failed := false
	for _, r := range doctor.Validate(&cfg) {
		fmt.Fprintf(out, "%-8s %-9s %s\n", r.Status, r.Name, r.Message)
		if r.Status == doctor.StatusFail {
			failed = true
		}
	}
	if failed {
		return 1
	}
	if *simulate == 0 {
		return 0
	}

	stats, err := workload.Simulate(cfg, *simulate)
	if err != nil {
		fmt.Fprintf(os.Stderr, "simulate: %v\n", err)
		return 1
	}
	fmt.Fprintf(out, "\nAfter %d ticks:\n", *simulate)
	fmt.Fprintf(out, "%-12s %11s %7s %9s\n", "TASK", "ACTIVATIONS", "MISSES", "LAST TICK")
	for _, st := range stats {
		fmt.Fprintf(out, "%-12s %11d %7d %9d\n", st.Name, st.Activations, st.DeadlineMisses, st.LastActivationTick)
	}
	return 0
}
