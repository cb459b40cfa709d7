// Command tman runs a set of periodic tasks under the tick regulator and
// reports their activations and deadline misses.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

  %s [run] [options]          Run the configured tasks (default command)
  %s validate [options]       Check the config and the precedence graph
  %s history [options]        List recorded runs
  %s status                   Query a running instance through its gateway
  %s doctor [-json]           Run diagnostic checks
  %s help                     Show this message

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  TMAN_HOME               Data directory (default: ~/.tman)
  TMAN_NO_TUI             Set to 1 to disable the dashboard
  TMAN_TICK_INTERVAL_MS   Override tick_interval_ms (see tman.yaml for the rest)

EXAMPLES:
  Run the demo tasks:     %s
  Run for ten seconds:    %s run -for 10s
  Preview 50 ticks:       %s validate -simulate 50
  Show recent runs:       %s history -limit 5
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0])
}

func main() {
	showVersion := flag.Bool("version", false, "print the version and exit")
	flag.Usage = printUsage
	flag.Parse()

	if *showVersion {
		fmt.Println(Version)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	os.Exit(dispatch(ctx, flag.Args()))
}

// dispatch runs the subcommand named by args[0] and returns the exit code.
func dispatch(ctx context.Context, args []string) int {
	cmd := "run"
	if len(args) > 0 {
		cmd = strings.ToLower(strings.TrimSpace(args[0]))
		args = args[1:]
	}
	switch cmd {
	case "help", "-h", "--help":
		printUsage()
		return 0
	case "run":
		return runRunCommand(ctx, args)
	case "validate":
		return runValidateCommand(ctx, args, os.Stdout)
	case "history":
		return runHistoryCommand(ctx, args, os.Stdout)
	case "status":
		return runStatusCommand(ctx, args)
	case "doctor":
		return runDoctorCommand(ctx, args, os.Stdout)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", cmd)
		printUsage()
		return 2
	}
}

// fatalStartup logs a structured startup failure and returns the exit code.
// Before the logger exists the record is written to stderr by hand so the
// shape stays the same as the JSON log.
func fatalStartup(logger *slog.Logger, reasonCode string, err error) int {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
		return 1
	}
	writeStartupFailure(os.Stderr, reasonCode, message)
	return 1
}

func writeStartupFailure(w io.Writer, reasonCode, message string) {
	fmt.Fprintf(w,
		`{"timestamp":"%s","level":"ERROR","component":"tman","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
		time.Now().UTC().Format(time.RFC3339Nano),
		reasonCode,
		message,
	)
}
