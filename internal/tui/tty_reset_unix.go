//go:build !windows

package tui

import (
	"os"
	"os/exec"

	"github.com/mattn/go-isatty"
)

// bestEffortResetTTY restores cooked mode if the program exits without
// tearing the terminal down, e.g. when ctx is cancelled mid-render.
func bestEffortResetTTY() {
	if !isatty.IsTerminal(os.Stdin.Fd()) {
		return
	}
	// Use /dev/tty so a redirected stdin does not matter.
	_ = exec.Command("sh", "-c", "stty sane < /dev/tty >/dev/null 2>&1 || true").Run()
}
