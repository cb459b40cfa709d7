package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/go-tman/internal/bus"
	"github.com/basket/go-tman/internal/config"
)

// writeTestHome points TMAN_HOME at a temp dir holding the given tman.yaml.
func writeTestHome(t *testing.T, yaml string) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("TMAN_HOME", home)
	if yaml != "" {
		if err := os.WriteFile(filepath.Join(home, config.FileName), []byte(yaml), 0o644); err != nil {
			t.Fatalf("write config: %v", err)
		}
	}
	return home
}

func TestDispatch_UnknownCommand(t *testing.T) {
	if code := dispatch(context.Background(), []string{"frobnicate"}); code != 2 {
		t.Fatalf("got exit code %d, want 2", code)
	}
}

func TestDispatch_Help(t *testing.T) {
	if code := dispatch(context.Background(), []string{"HELP"}); code != 0 {
		t.Fatalf("got exit code %d, want 0", code)
	}
}

func TestParseRunArgs(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		want    runOptions
		wantErr bool
	}{
		{name: "defaults", args: nil, want: runOptions{}},
		{
			name: "all flags",
			args: []string{"-config", "x.yaml", "-for", "3s", "-no-tui"},
			want: runOptions{configPath: "x.yaml", runFor: 3 * time.Second, noTUI: true},
		},
		{name: "negative duration", args: []string{"-for", "-1s"}, wantErr: true},
		{name: "positional", args: []string{"extra"}, wantErr: true},
		{name: "unknown flag", args: []string{"-bogus"}, wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := parseRunArgs(tc.args)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Fatalf("got %+v, want %+v", got, tc.want)
			}
		})
	}
}

func TestReloadEvent(t *testing.T) {
	cfg := config.Config{TickIntervalMS: 100, BaseTickMS: 1, MaxTasks: 30, Tasks: config.DemoTasks()}
	current := cfg.Fingerprint()

	ev := reloadEvent(current, config.ReloadEvent{Cfg: cfg})
	if !ev.Applied || ev.Fingerprint != current {
		t.Fatalf("same schedule: %+v", ev)
	}

	changed := cfg
	changed.TickIntervalMS = 50
	ev = reloadEvent(current, config.ReloadEvent{Cfg: changed})
	if ev.Applied || ev.Reason == "" || ev.Fingerprint == current {
		t.Fatalf("changed schedule: %+v", ev)
	}

	ev = reloadEvent(current, config.ReloadEvent{Err: errors.New("bad yaml")})
	if ev.Applied || ev.Reason != "bad yaml" {
		t.Fatalf("reload error: %+v", ev)
	}
}

func TestMergeSubscriptions(t *testing.T) {
	b := bus.New()
	ctx, cancel := context.WithCancel(context.Background())
	out := mergeSubscriptions(ctx, b, "deadline.", "config.")

	b.Publish(bus.TopicTaskActivated, bus.TaskEvent{Task: "a"})
	b.Publish(bus.TopicDeadlineMissed, bus.DeadlineEvent{Task: "a", Tick: 3, Misses: 1})
	b.Publish(bus.TopicConfigReloaded, bus.ConfigReloadedEvent{Applied: true})

	seen := map[string]bool{}
	for len(seen) < 2 {
		select {
		case ev := <-out:
			seen[ev.Topic] = true
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out, seen %v", seen)
		}
	}
	if !seen[bus.TopicDeadlineMissed] || !seen[bus.TopicConfigReloaded] || seen[bus.TopicTaskActivated] {
		t.Fatalf("unexpected topics %v", seen)
	}

	cancel()
	select {
	case _, ok := <-out:
		if ok {
			t.Fatal("expected no further events")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("merged channel not closed after cancel")
	}
	if n := b.SubscriberCount(); n != 0 {
		t.Fatalf("expected subscriptions released, got %d", n)
	}
}

func TestWriteStartupFailure(t *testing.T) {
	var buf bytes.Buffer
	writeStartupFailure(&buf, "config_invalid", `bad "value"`)

	line := strings.TrimSpace(buf.String())
	var rec map[string]string
	if err := json.Unmarshal([]byte(line), &rec); err != nil {
		t.Fatalf("not json: %v\n%s", err, line)
	}
	if rec["reason_code"] != "config_invalid" || rec["error"] != `bad "value"` || rec["level"] != "ERROR" {
		t.Fatalf("record = %v", rec)
	}
}
