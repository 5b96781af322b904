//go:build unix

package sandbox

import (
	"os/exec"
	"syscall"
)

// isolate runs the child in its own process group so a timeout or
// cancellation kills renderer subprocesses as well.
func isolate(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
