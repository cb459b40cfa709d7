package main

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/basket/go-tman/internal/doctor"
)

func TestRunDoctorCommand_TextOutput(t *testing.T) {
	writeTestHome(t, "tick_interval_ms: 100\n")

	var out bytes.Buffer
	code := runDoctorCommand(context.Background(), nil, &out)
	// The timer check depends on the machine, so only a parse error is wrong.
	if code == 2 {
		t.Fatalf("unexpected exit code 2")
	}
	if !strings.Contains(out.String(), "TMAN Doctor Report") || !strings.Contains(out.String(), "Schedule") {
		t.Fatalf("unexpected output:\n%s", out.String())
	}
}

func TestRunDoctorCommand_JSONOutput(t *testing.T) {
	writeTestHome(t, "tick_interval_ms: 100\n")

	for _, flag := range []string{"-json", "--json"} {
		var out bytes.Buffer
		runDoctorCommand(context.Background(), []string{flag}, &out)

		var diag doctor.Diagnosis
		if err := json.Unmarshal(out.Bytes(), &diag); err != nil {
			t.Fatalf("%s: decode: %v\n%s", flag, err, out.String())
		}
		if len(diag.Results) != 6 || diag.System.Version != Version {
			t.Fatalf("%s: diagnosis = %+v", flag, diag)
		}
	}
}

func TestRunDoctorCommand_BrokenConfig(t *testing.T) {
	writeTestHome(t, "tick_interval_ms: 15\nbase_tick_ms: 10\n")

	var out bytes.Buffer
	if code := runDoctorCommand(context.Background(), nil, &out); code != 1 {
		t.Fatalf("got exit code %d, want 1 for an unloadable config", code)
	}
	if !strings.Contains(out.String(), "Configuration not loaded") {
		t.Fatalf("unexpected output:\n%s", out.String())
	}
}

func TestStatusIcon(t *testing.T) {
	if statusIcon(doctor.StatusPass) != "✅" || statusIcon(doctor.StatusFail) != "❌" {
		t.Fatal("unexpected icons")
	}
}
