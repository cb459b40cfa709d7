// Package doctor runs environment checks for tman.
package doctor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/basket/go-tman/internal/config"
	"github.com/basket/go-tman/internal/kernel"
	"github.com/basket/go-tman/internal/persistence"
	"github.com/basket/go-tman/internal/tman"
	"github.com/basket/go-tman/internal/workload"
)

const (
	StatusPass = "PASS"
	StatusFail = "FAIL"
	StatusWarn = "WARN"
	StatusSkip = "SKIP"
)

// timerSamples is the number of base-tick sleeps used to estimate jitter.
const timerSamples = 10

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == StatusFail {
			return true
		}
	}
	return false
}

// Run executes all diagnostic checks. cfg may be nil when loading failed.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkSchedule,
		checkTimer,
		checkDatabase,
		checkPermissions,
		checkGateway,
	}
	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}
	return d
}

// Validate runs only the config and schedule checks. It touches neither the
// clock, the database nor the network.
func Validate(cfg *config.Config) []CheckResult {
	ctx := context.Background()
	return []CheckResult{checkConfig(ctx, cfg), checkSchedule(ctx, cfg)}
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: "Configuration not loaded"}
	}
	if cfg.Path == "" {
		return CheckResult{Name: "Config", Status: StatusWarn, Message: "No config file, using defaults",
			Detail: fmt.Sprintf("create %s to configure tasks", config.DefaultPath())}
	}
	return CheckResult{Name: "Config", Status: StatusPass, Message: fmt.Sprintf("Loaded from %s", cfg.Path),
		Detail: cfg.Fingerprint()}
}

// checkSchedule registers the configured tasks on a simulated kernel, which
// catches precedence cycles and capacity problems without starting anything.
func checkSchedule(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Schedule", Status: StatusSkip, Message: "Config missing"}
	}
	tasks := cfg.Tasks
	if len(tasks) == 0 {
		tasks = config.DemoTasks()
	}
	m, err := tman.New(kernel.NewSim(cfg.BaseTick()), tman.Config{
		TickInterval: cfg.TickInterval(),
		MaxTasks:     cfg.MaxTasks,
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		return CheckResult{Name: "Schedule", Status: StatusFail, Message: err.Error()}
	}
	defer func() { _ = m.Close() }()
	if err := workload.Register(m, tasks); err != nil {
		return CheckResult{Name: "Schedule", Status: StatusFail, Message: err.Error()}
	}
	return CheckResult{Name: "Schedule", Status: StatusPass,
		Message: fmt.Sprintf("%d tasks, %d kernel ticks per frame", len(tasks), m.TicksPerFrame())}
}

// checkTimer sleeps a few base ticks on the wall-clock kernel and warns when
// the average oversleep exceeds half a base tick.
func checkTimer(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Timer", Status: StatusSkip, Message: "Config missing"}
	}
	base := cfg.BaseTick()
	k := kernel.NewRealTime(base)
	start := time.Now()
	if err := k.Delay(ctx, timerSamples); err != nil {
		return CheckResult{Name: "Timer", Status: StatusFail, Message: fmt.Sprintf("Delay failed: %v", err)}
	}
	elapsed := time.Since(start)
	over := (elapsed - timerSamples*base) / timerSamples
	detail := fmt.Sprintf("base_tick=%s, average_oversleep=%s", base, over)
	if over > base/2 {
		return CheckResult{Name: "Timer", Status: StatusWarn, Message: "Timer oversleeps the base tick", Detail: detail}
	}
	return CheckResult{Name: "Timer", Status: StatusPass, Message: "Timer resolution fits the base tick", Detail: detail}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: StatusSkip, Message: "Config missing"}
	}
	if cfg.HistoryDB == "" {
		return CheckResult{Name: "Database", Status: StatusSkip, Message: "Run history disabled"}
	}
	store, err := persistence.Open(cfg.HistoryDB)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Connection failed: %v", err)}
	}
	defer store.Close()

	runs, err := store.ListRuns(ctx, 1)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Query failed: %v", err)}
	}
	msg := "Connection and schema valid"
	if len(runs) == 1 {
		msg += fmt.Sprintf(", last run %s", runs[0].ID)
	}
	return CheckResult{Name: "Database", Status: StatusPass, Message: msg}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: StatusSkip, Message: "Config missing"}
	}
	dir := cfg.LogDir
	if dir == "" {
		dir = cfg.HomeDir
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return CheckResult{Name: "Permissions", Status: StatusFail, Message: fmt.Sprintf("Log dir unavailable: %v", err)}
	}
	testFile := filepath.Join(dir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: StatusFail, Message: fmt.Sprintf("Log dir unwritable: %v", err)}
	}
	_ = os.Remove(testFile)
	return CheckResult{Name: "Permissions", Status: StatusPass, Message: "Log directory writable", Detail: dir}
}

func checkGateway(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Gateway", Status: StatusSkip, Message: "Config missing"}
	}
	if !cfg.Gateway.Enabled {
		return CheckResult{Name: "Gateway", Status: StatusSkip, Message: "Gateway disabled"}
	}
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", cfg.Gateway.BindAddr)
	if err != nil {
		if isAddrInUse(err) {
			return CheckResult{Name: "Gateway", Status: StatusWarn,
				Message: fmt.Sprintf("%s already in use", cfg.Gateway.BindAddr),
				Detail:  "another tman may be running; try `tman status`"}
		}
		return CheckResult{Name: "Gateway", Status: StatusFail, Message: fmt.Sprintf("Cannot bind %s: %v", cfg.Gateway.BindAddr, err)}
	}
	_ = ln.Close()

	if cfg.Gateway.AuthToken == "" {
		host, _, _ := net.SplitHostPort(cfg.Gateway.BindAddr)
		if ip := net.ParseIP(host); host != "localhost" && (ip == nil || !ip.IsLoopback()) {
			return CheckResult{Name: "Gateway", Status: StatusWarn,
				Message: "No auth token on a non-loopback bind",
				Detail:  "set gateway.auth_token or TMAN_GATEWAY_AUTH_TOKEN"}
		}
	}
	return CheckResult{Name: "Gateway", Status: StatusPass, Message: fmt.Sprintf("%s available", cfg.Gateway.BindAddr)}
}

func isAddrInUse(err error) bool {
	var opErr *net.OpError
	if !errors.As(err, &opErr) {
		return false
	}
	var sysErr *os.SyscallError
	if !errors.As(opErr.Err, &sysErr) {
		return false
	}
	return sysErr.Err == syscall.EADDRINUSE
}
