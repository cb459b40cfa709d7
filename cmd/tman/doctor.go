package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/basket/go-tman/internal/config"
	"github.com/basket/go-tman/internal/doctor"
)

func runDoctorCommand(ctx context.Context, args []string, out io.Writer) int {
	jsonOutput := false
	for _, arg := range args {
		if arg == "-json" || arg == "--json" {
			jsonOutput = true
		}
	}

	var cfgPtr *config.Config
	cfg, err := config.Load("")
	if err != nil {
		// Keep going: the Config check reports why.
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
	} else {
		cfgPtr = &cfg
	}

	diag := doctor.Run(ctx, cfgPtr, Version)

	if jsonOutput {
		if code := encodeJSON(out, diag); code != 0 {
			return code
		}
		if diag.Failed() {
			return 1
		}
		return 0
	}

	fmt.Fprintf(out, "TMAN Doctor Report (%s)\n", diag.Timestamp.Format(time.RFC3339))
	fmt.Fprintf(out, "System: %s/%s (%s)\n", diag.System.OS, diag.System.Arch, diag.System.Go)
	fmt.Fprintln(out, "---")

	for _, res := range diag.Results {
		fmt.Fprintf(out, "%s %-12s: %s\n", statusIcon(res.Status), res.Name, res.Message)
		if res.Detail != "" {
			fmt.Fprintf(out, "    %s\n", res.Detail)
		}
	}

	if diag.Failed() {
		return 1
	}
	return 0
}

func statusIcon(status string) string {
	switch status {
	case doctor.StatusFail:
		return "❌"
	case doctor.StatusWarn:
		return "⚠️ "
	case doctor.StatusSkip:
		return "⏩"
	default:
		return "✅"
	}
}
