package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/basket/go-tman/internal/bus"
	"github.com/basket/go-tman/internal/channels"
	"github.com/basket/go-tman/internal/config"
	"github.com/basket/go-tman/internal/gateway"
	"github.com/basket/go-tman/internal/kernel"
	tmanotel "github.com/basket/go-tman/internal/otel"
	"github.com/basket/go-tman/internal/persistence"
	"github.com/basket/go-tman/internal/report"
	"github.com/basket/go-tman/internal/telemetry"
	"github.com/basket/go-tman/internal/tman"
	"github.com/basket/go-tman/internal/tui"
	"github.com/basket/go-tman/internal/workload"
)

const (
	shutdownTimeout = 5 * time.Second
	historyKeepDays = 30
)

type runOptions struct {
	configPath string
	runFor     time.Duration
	noTUI      bool
}

func parseRunArgs(args []string) (runOptions, error) {
	var opts runOptions
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.StringVar(&opts.configPath, "config", "", "config file (default: $TMAN_HOME/tman.yaml)")
	fs.DurationVar(&opts.runFor, "for", 0, "stop after this long (overrides run_for)")
	fs.BoolVar(&opts.noTUI, "no-tui", false, "log to stderr instead of showing the dashboard")
	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	if fs.NArg() != 0 {
		return opts, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	if opts.runFor < 0 {
		return opts, errors.New("-for must not be negative")
	}
	return opts, nil
}

func runRunCommand(ctx context.Context, args []string) int {
	opts, err := parseRunArgs(args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return fatalStartup(nil, "E_CONFIG_LOAD", err)
	}
	if opts.runFor > 0 {
		cfg.RunFor = opts.runFor
	}

	interactive := !opts.noTUI && os.Getenv("TMAN_NO_TUI") == "" && isatty.IsTerminal(os.Stdout.Fd())

	// File-only logs while the dashboard owns the terminal.
	logger, closer, err := telemetry.NewLogger(cfg.LogDir, cfg.LogLevel, interactive)
	if err != nil {
		return fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "path", cfg.Path, "fingerprint", cfg.Fingerprint())

	if err := run(ctx, cfg, interactive, logger); err != nil {
		var se *startupError
		if errors.As(err, &se) {
			return fatalStartup(logger, se.code, se.err)
		}
		logger.Error("run failed", "error", err)
		return 1
	}
	return 0
}

type startupError struct {
	code string
	err  error
}

func (e *startupError) Error() string { return e.code + ": " + e.err.Error() }

func (e *startupError) Unwrap() error { return e.err }

func startupFailure(code string, err error) error {
	return &startupError{code: code, err: err}
}

// run wires every component around one Manager and blocks until ctx ends,
// run_for expires or the dashboard quits.
func run(ctx context.Context, cfg config.Config, interactive bool, logger *slog.Logger) error {
	provider, err := tmanotel.Init(ctx, cfg.OTel)
	if err != nil {
		return startupFailure("E_OTEL_INIT", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := provider.Shutdown(sctx); err != nil {
			logger.Warn("otel shutdown failed", "error", err)
		}
	}()
	metrics, err := tmanotel.NewMetrics(provider.Meter)
	if err != nil {
		return startupFailure("E_OTEL_INIT", err)
	}

	events := bus.New()
	k := kernel.NewRealTime(cfg.BaseTick())
	m, err := tman.New(k, tman.Config{
		TickInterval: cfg.TickInterval(),
		EnableStats:  cfg.EnableStats,
		MaxTasks:     cfg.MaxTasks,
		Watchdog:     cfg.Watchdog,
		Observer: tman.Observers(
			tmanotel.NewObserver(metrics),
			// Tick events only matter to gateway clients.
			bus.NewObserver(events, cfg.Gateway.Enabled),
		),
		Logger: logger,
	})
	if err != nil {
		return startupFailure("E_MANAGER_INIT", err)
	}
	if err := workload.Register(m, cfg.Tasks); err != nil {
		_ = m.Close()
		return startupFailure("E_TASK_REGISTER", err)
	}
	logger.Info("startup phase", "phase", "tasks_registered", "tasks", len(cfg.Tasks),
		"tick_interval", cfg.TickInterval(), "ticks_per_frame", m.TicksPerFrame())

	var (
		store *persistence.Store
		runID string
		sink  report.Sink
	)
	if cfg.HistoryDB != "" {
		store, err = persistence.Open(cfg.HistoryDB)
		if err != nil {
			_ = m.Close()
			return startupFailure("E_HISTORY_OPEN", err)
		}
		defer store.Close()
		if n, err := store.PruneRuns(ctx, historyKeepDays); err != nil {
			logger.Warn("prune run history failed", "error", err)
		} else if n > 0 {
			logger.Info("pruned run history", "runs", n)
		}
		runID, err = store.StartRun(ctx, cfg.Fingerprint(), cfg.TickIntervalMS, len(cfg.Tasks))
		if err != nil {
			_ = m.Close()
			return startupFailure("E_HISTORY_OPEN", err)
		}
		sink = store
		logger = logger.With("run_id", runID)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if cfg.RunFor > 0 {
		runCtx, cancel = context.WithTimeout(runCtx, cfg.RunFor)
		defer cancel()
	}

	if store != nil {
		sub := events.Subscribe("deadline.")
		defer events.Unsubscribe(sub)
		go persistence.NewRecorder(store, runID, logger).Run(runCtx, sub)
	}

	reporter, err := report.New(report.Config{
		Source: m,
		Sink:   sink,
		RunID:  runID,
		Spec:   cfg.ReportCron,
		Logger: logger,
	})
	if err != nil {
		_ = m.Close()
		return startupFailure("E_REPORT_INIT", err)
	}

	var httpSrv *http.Server
	if cfg.Gateway.Enabled {
		httpSrv, err = startGateway(runCtx, cfg, m, store, events, runID, provider, metrics, logger)
		if err != nil {
			_ = m.Close()
			return startupFailure("E_GATEWAY_BIND", err)
		}
	}

	if cfg.Path != "" {
		watchConfig(runCtx, cfg, events, logger)
	}

	if err := m.Start(runCtx); err != nil {
		_ = m.Close()
		return startupFailure("E_MANAGER_START", err)
	}
	runner := workload.NewRunner(k, provider.Tracer, metrics, logger)
	for _, tc := range cfg.Tasks {
		if _, err := m.Spawn(runCtx, tc.Name, tc.Priority, runner.Job(workload.FromConfig(tc))); err != nil {
			cancel()
			_ = m.Close()
			k.Wait()
			return startupFailure("E_TASK_SPAWN", err)
		}
	}
	reporter.Start(runCtx)
	if cfg.Telegram.Enabled() {
		tg := channels.NewTelegramChannel(channels.TelegramConfig{
			Token:         cfg.Telegram.Token,
			AllowedIDs:    cfg.Telegram.AllowedIDs,
			AlertInterval: cfg.Telegram.AlertInterval,
			Source:        m,
			Bus:           events,
			Logger:        logger,
		})
		go func() {
			if err := tg.Start(runCtx); err != nil {
				logger.Error("telegram channel exited", "error", err)
			}
		}()
	}
	started := time.Now()
	logger.Info("startup phase", "phase", "running", "run_for", cfg.RunFor)

	if interactive {
		feed := mergeSubscriptions(runCtx, events, "deadline.", "config.")
		err := tui.Run(runCtx, func() tui.Snapshot {
			return tui.Snapshot{
				RunID:        runID,
				Tick:         m.CurrentTick(),
				TickInterval: cfg.TickInterval(),
				Tasks:        m.Snapshot(),
				Uptime:       time.Since(started),
			}
		}, feed)
		if err != nil && runCtx.Err() == nil {
			logger.Error("dashboard exited", "error", err)
		}
	} else {
		<-runCtx.Done()
	}

	// Shutdown: stop the schedule, release every worker, then write the
	// final report so the snapshot covers the whole run.
	cancel()
	reporter.Stop()
	if err := m.Close(); err != nil {
		logger.Warn("manager close", "error", err)
	}
	k.Wait()

	final, err := reporter.Report(context.Background())
	if err != nil {
		logger.Error("final report failed", "error", err)
	}
	if store != nil {
		if err := store.FinishRun(context.Background(), runID, m.CurrentTick()); err != nil {
			logger.Error("finish run failed", "error", err)
		}
	}
	if httpSrv != nil {
		sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer scancel()
		if err := httpSrv.Shutdown(sctx); err != nil {
			logger.Warn("gateway shutdown", "error", err)
		}
	}
	logger.Info("shutdown complete", "final_tick", final.Tick, "activations", final.Activations,
		"deadline_misses", final.Misses, "uptime", time.Since(started).Truncate(time.Millisecond))
	return nil
}

func startGateway(ctx context.Context, cfg config.Config, m *tman.Manager, store *persistence.Store,
	events *bus.Bus, runID string, provider *tmanotel.Provider, metrics *tmanotel.Metrics, logger *slog.Logger,
) (*http.Server, error) {
	gcfg := gateway.Config{
		Source:            m,
		Bus:               events,
		RunID:             runID,
		AuthToken:         cfg.Gateway.AuthToken,
		RequestsPerMinute: cfg.Gateway.RequestsPerMinute,
		Burst:             cfg.Gateway.Burst,
		Tracer:            provider.Tracer,
		Metrics:           metrics,
		Logger:            logger,
	}
	if store != nil {
		gcfg.History = store
	}
	srv := gateway.New(gcfg)
	srv.StartEviction(ctx)

	ln, err := net.Listen("tcp", cfg.Gateway.BindAddr)
	if err != nil {
		return nil, err
	}
	httpSrv := &http.Server{
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("gateway serve failed", "error", err)
		}
	}()
	if cfg.Gateway.AuthToken == "" {
		logger.Warn("gateway running without an auth token", "bind_addr", ln.Addr().String())
	}
	logger.Info("gateway listening", "bind_addr", ln.Addr().String())
	return httpSrv, nil
}

// watchConfig reports config file edits. The registry is sealed while the
// manager runs, so a change to the schedule only takes effect on restart.
func watchConfig(ctx context.Context, cfg config.Config, events *bus.Bus, logger *slog.Logger) {
	w := config.NewWatcher(cfg.Path, logger)
	if err := w.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable", "path", cfg.Path, "error", err)
		return
	}
	current := cfg.Fingerprint()
	go func() {
		for ev := range w.Events() {
			events.Publish(bus.TopicConfigReloaded, reloadEvent(current, ev))
		}
	}()
}

func reloadEvent(current string, ev config.ReloadEvent) bus.ConfigReloadedEvent {
	if ev.Err != nil {
		return bus.ConfigReloadedEvent{Reason: ev.Err.Error()}
	}
	fp := ev.Cfg.Fingerprint()
	if fp == current {
		return bus.ConfigReloadedEvent{Fingerprint: fp, Applied: true}
	}
	return bus.ConfigReloadedEvent{Fingerprint: fp, Reason: "schedule changed, restart to apply"}
}

// mergeSubscriptions fans the given topic families into one channel that
// closes once ctx ends.
func mergeSubscriptions(ctx context.Context, b *bus.Bus, prefixes ...string) <-chan bus.Event {
	out := make(chan bus.Event, 64)
	var wg sync.WaitGroup
	for _, p := range prefixes {
		sub := b.Subscribe(p)
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer b.Unsubscribe(sub)
			for {
				select {
				case <-ctx.Done():
					return
				case ev, ok := <-sub.Ch():
					if !ok {
						return
					}
					select {
					case out <- ev:
					case <-ctx.Done():
						return
					}
				}
			}
		}()
	}
	go func() {
		wg.Wait()
		close(out)
	}()
	return out
}
