package recorder

import (
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
)

// KillOrphans terminates leftover encoder processes from a previous run,
// identified by the TapeDeck_ output-file marker in their command line.
// Best effort: any failure is logged and swallowed.
func KillOrphans() {
	out, err := exec.Command("pgrep", "-f", "ffmpeg.*TapeDeck_").Output()
	if err != nil {
		// pgrep exits 1 when nothing matches.
		slog.Debug("Orphan encoder scan found nothing", "error", err)
		return
	}

	for _, field := range strings.Fields(string(out)) {
		pid, err := strconv.Atoi(field)
		if err != nil {
			continue
		}
		slog.Warn("Killing orphaned encoder process", "pid", pid)
		if err := syscall.Kill(pid, syscall.SIGKILL); err != nil {
			slog.Debug("Failed to kill orphan", "pid", pid, "error", err)
		}
	}
}
