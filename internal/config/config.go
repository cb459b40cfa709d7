// Package config loads tman.yaml: defaults, then the file, then TMAN_*
// environment overrides, then normalization and validation.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/go-tman/internal/otel"
)

// FileName is the default config file name inside the home directory.
const FileName = "tman.yaml"

// TaskConfig describes one task and its demo workload.
type TaskConfig struct {
	Name       string `yaml:"name" json:"name"`
	Period     int    `yaml:"period" json:"period"`
	Phase      int    `yaml:"phase" json:"phase"`
	Deadline   int    `yaml:"deadline" json:"deadline"`
	Precedence string `yaml:"precedence" json:"precedence,omitempty"`
	Priority   int    `yaml:"priority" json:"priority"`

	// WorkTicks is the simulated execution time of one instance in kernel ticks.
	WorkTicks int `yaml:"work_ticks" json:"work_ticks"`
	// Every OverrunEvery-th instance runs OverrunTicks longer. Zero disables.
	OverrunEvery int `yaml:"overrun_every" json:"overrun_every,omitempty"`
	OverrunTicks int `yaml:"overrun_ticks" json:"overrun_ticks,omitempty"`
}

type GatewayConfig struct {
	Enabled   bool   `yaml:"enabled" json:"enabled"`
	BindAddr  string `yaml:"bind_addr" json:"bind_addr"`
	AuthToken string `yaml:"auth_token" json:"-"`

	// RequestsPerMinute caps each client. Zero disables rate limiting.
	RequestsPerMinute int `yaml:"requests_per_minute" json:"requests_per_minute"`
	Burst             int `yaml:"burst" json:"burst"`
}

// TelegramConfig enables deadline alerts and a /stats command in Telegram.
// The channel stays off while Token is empty.
type TelegramConfig struct {
	Token      string  `yaml:"token" json:"-"`
	AllowedIDs []int64 `yaml:"allowed_ids" json:"allowed_ids"`
	// AlertInterval is the minimum time between two alerts for one task.
	AlertInterval time.Duration `yaml:"alert_interval" json:"alert_interval"`
}

// Enabled reports whether a bot token is configured.
func (t TelegramConfig) Enabled() bool { return strings.TrimSpace(t.Token) != "" }

type Config struct {
	// Path is the file the config was read from. Empty when defaults were used.
	Path    string `yaml:"-"`
	HomeDir string `yaml:"-"`

	TickIntervalMS int           `yaml:"tick_interval_ms"`
	BaseTickMS     int           `yaml:"base_tick_ms"`
	EnableStats    bool          `yaml:"enable_stats"`
	Watchdog       bool          `yaml:"watchdog"`
	MaxTasks       int           `yaml:"max_tasks"`
	LogLevel       string        `yaml:"log_level"`
	LogDir         string        `yaml:"log_dir"`
	RunFor         time.Duration `yaml:"run_for"`
	ReportCron     string        `yaml:"report_cron"`
	HistoryDB      string        `yaml:"history_db"`

	Gateway  GatewayConfig  `yaml:"gateway"`
	Telegram TelegramConfig `yaml:"telegram"`
	OTel     otel.Config    `yaml:"otel"`
	Tasks    []TaskConfig   `yaml:"tasks"`
}

// TickInterval is the framework tick as a duration.
func (c Config) TickInterval() time.Duration {
	return time.Duration(c.TickIntervalMS) * time.Millisecond
}

// BaseTick is the kernel tick as a duration.
func (c Config) BaseTick() time.Duration {
	return time.Duration(c.BaseTickMS) * time.Millisecond
}

// Fingerprint returns a stable hash of the scheduling-relevant settings.
// Two configs with the same fingerprint produce the same schedule.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "tick=%d|base=%d|stats=%t|watchdog=%t|max=%d",
		c.TickIntervalMS, c.BaseTickMS, c.EnableStats, c.Watchdog, c.MaxTasks)
	for _, t := range c.Tasks {
		fmt.Fprintf(h, "|%s:%d:%d:%d:%s:%d:%d:%d:%d",
			t.Name, t.Period, t.Phase, t.Deadline, t.Precedence, t.Priority,
			t.WorkTicks, t.OverrunEvery, t.OverrunTicks)
	}
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

// DemoTasks is the four-task set used when no tasks are configured: a, b, c
// and d every tick with staggered phases, b running after a.
func DemoTasks() []TaskConfig {
	return []TaskConfig{
		{Name: "a", Period: 1, Phase: 0, Deadline: 1, Priority: 1, WorkTicks: 20},
		{Name: "b", Period: 1, Phase: 4, Deadline: 20, Precedence: "a", Priority: 1, WorkTicks: 20},
		{Name: "c", Period: 1, Phase: 8, Deadline: 20, Priority: 1, WorkTicks: 20},
		{Name: "d", Period: 1, Phase: 12, Deadline: 20, Priority: 1, WorkTicks: 20},
	}
}

func defaultConfig(home string) Config {
	return Config{
		HomeDir:        home,
		TickIntervalMS: 100,
		BaseTickMS:     1,
		MaxTasks:       30,
		LogLevel:       "info",
		LogDir:         filepath.Join(home, "logs"),
		ReportCron:     "@every 10s",
		HistoryDB:      filepath.Join(home, "history.db"),
		Gateway:        GatewayConfig{BindAddr: "127.0.0.1:18790"},
		OTel:           otel.Config{Exporter: "stdout", ServiceName: "tman"},
	}
}

// HomeDir is $TMAN_HOME or ~/.tman.
func HomeDir() string {
	if override := os.Getenv("TMAN_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".tman")
}

// DefaultPath is the config file inside HomeDir.
func DefaultPath() string {
	return filepath.Join(HomeDir(), FileName)
}

// Load reads the config at path, or DefaultPath when path is empty. A missing
// default file yields the defaults with the demo task set; a missing explicit
// path is an error.
func Load(path string) (Config, error) {
	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}
	cfg := defaultConfig(HomeDir())

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		cfg.Path = path
		if err := Parse(data, &cfg); err != nil {
			return cfg, fmt.Errorf("%s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return cfg, fmt.Errorf("read config: %w", err)
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return cfg, err
	}
	normalize(&cfg)
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Parse checks data against the config schema and decodes it over cfg.
func Parse(data []byte, cfg *Config) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parse yaml: %w", err)
	}
	doc, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("convert yaml: %w", err)
	}
	if err := validateSchema(doc); err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	return nil
}

func normalize(cfg *Config) {
	if cfg.TickIntervalMS <= 0 {
		cfg.TickIntervalMS = 100
	}
	if cfg.BaseTickMS <= 0 {
		cfg.BaseTickMS = 1
	}
	if cfg.MaxTasks <= 0 {
		cfg.MaxTasks = 30
	}
	if strings.TrimSpace(cfg.LogLevel) == "" {
		cfg.LogLevel = "info"
	}
	cfg.HistoryDB = expandHome(cfg.HistoryDB)
	cfg.LogDir = expandHome(cfg.LogDir)
	if cfg.Telegram.AlertInterval <= 0 {
		cfg.Telegram.AlertInterval = time.Minute
	}
	if len(cfg.Tasks) == 0 {
		cfg.Tasks = DemoTasks()
	}
	for i := range cfg.Tasks {
		if cfg.Tasks[i].Priority == 0 {
			cfg.Tasks[i].Priority = 1
		}
	}
}

// Validate checks the semantic rules the schema cannot express. A task can
// be the precedence of at most one other task. Precedence cycles are left to
// the task registry, which rejects them on registration.
func Validate(cfg Config) error {
	if cfg.TickIntervalMS%cfg.BaseTickMS != 0 {
		return fmt.Errorf("tick_interval_ms (%d) must be a multiple of base_tick_ms (%d)", cfg.TickIntervalMS, cfg.BaseTickMS)
	}
	if len(cfg.Tasks) > cfg.MaxTasks {
		return fmt.Errorf("%d tasks configured, max_tasks is %d", len(cfg.Tasks), cfg.MaxTasks)
	}
	names := make(map[string]bool, len(cfg.Tasks))
	for _, t := range cfg.Tasks {
		if names[t.Name] {
			return fmt.Errorf("duplicate task %q", t.Name)
		}
		names[t.Name] = true
	}
	followers := make(map[string]string, len(cfg.Tasks))
	for _, t := range cfg.Tasks {
		if t.Precedence == "" {
			continue
		}
		if t.Precedence == t.Name {
			return fmt.Errorf("task %q cannot precede itself", t.Name)
		}
		if !names[t.Precedence] {
			return fmt.Errorf("task %q: unknown precedence %q", t.Name, t.Precedence)
		}
		if other, ok := followers[t.Precedence]; ok {
			return fmt.Errorf("task %q: %q already follows %q", t.Name, other, t.Precedence)
		}
		followers[t.Precedence] = t.Name
	}
	if cfg.Gateway.Enabled && strings.TrimSpace(cfg.Gateway.BindAddr) == "" {
		return errors.New("gateway.bind_addr is required when the gateway is enabled")
	}
	if cfg.Telegram.Enabled() && len(cfg.Telegram.AllowedIDs) == 0 {
		return errors.New("telegram.allowed_ids is required when telegram.token is set")
	}
	return nil
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}

func applyEnvOverrides(cfg *Config) error {
	ints := map[string]*int{
		"TMAN_TICK_INTERVAL_MS": &cfg.TickIntervalMS,
		"TMAN_BASE_TICK_MS":     &cfg.BaseTickMS,
		"TMAN_MAX_TASKS":        &cfg.MaxTasks,
	}
	for env, dst := range ints {
		if raw := os.Getenv(env); raw != "" {
			v, err := strconv.Atoi(raw)
			if err != nil {
				return fmt.Errorf("%s: %w", env, err)
			}
			*dst = v
		}
	}
	bools := map[string]*bool{
		"TMAN_ENABLE_STATS":    &cfg.EnableStats,
		"TMAN_WATCHDOG":        &cfg.Watchdog,
		"TMAN_GATEWAY_ENABLED": &cfg.Gateway.Enabled,
		"TMAN_OTEL_ENABLED":    &cfg.OTel.Enabled,
	}
	for env, dst := range bools {
		if raw := os.Getenv(env); raw != "" {
			v, err := strconv.ParseBool(raw)
			if err != nil {
				return fmt.Errorf("%s: %w", env, err)
			}
			*dst = v
		}
	}
	if raw := os.Getenv("TMAN_RUN_FOR"); raw != "" {
		v, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("TMAN_RUN_FOR: %w", err)
		}
		cfg.RunFor = v
	}
	strs := map[string]*string{
		"TMAN_LOG_LEVEL":          &cfg.LogLevel,
		"TMAN_HISTORY_DB":         &cfg.HistoryDB,
		"TMAN_REPORT_CRON":        &cfg.ReportCron,
		"TMAN_GATEWAY_BIND_ADDR":  &cfg.Gateway.BindAddr,
		"TMAN_GATEWAY_AUTH_TOKEN": &cfg.Gateway.AuthToken,
		"TMAN_TELEGRAM_TOKEN":     &cfg.Telegram.Token,
		"TMAN_OTEL_EXPORTER":      &cfg.OTel.Exporter,
		"TMAN_OTEL_ENDPOINT":      &cfg.OTel.Endpoint,
	}
	for env, dst := range strs {
		if raw := os.Getenv(env); raw != "" {
			*dst = raw
		}
	}
	return nil
}
