package engineproc

import (
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/statabridge/server/internal/procutil"
)

// breakSignal is the cooperative interrupt the Engine's embedded break
// hook observes between commands (spec §4.1: "break() sets a flag that
// the Engine's embedded break hook observes").
const breakSignal = syscall.SIGINT

// terminate sends SIGINT and waits up to grace for exit before escalating
// to SIGKILL, mirroring the reference process-management convention of
// cooperative-then-forceful shutdown.
func terminate(cmd *exec.Cmd, grace time.Duration) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	pid := cmd.Process.Pid
	_ = cmd.Process.Signal(breakSignal)

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if !procutil.PIDAlive(pid) {
			return
		}
		time.Sleep(25 * time.Millisecond)
	}
	_ = cmd.Process.Kill()
	_, _ = cmd.Process.Wait()
}

// truncateFile empties path, creating it if absent, without touching an
// open writer (there is none between runs: the log is only held open for
// the duration of a single command).
func truncateFile(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	return f.Close()
}
