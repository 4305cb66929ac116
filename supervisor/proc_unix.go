//go:build unix

package supervisor

import (
	"os/exec"
	"syscall"
)

// setProcessGroup runs c in its own process group and makes cancellation send SIGTERM to the
// whole group, so children of the command are stopped too.
func setProcessGroup(c *exec.Cmd) {
	c.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	c.Cancel = func() error {
		if c.Process == nil {
			return nil
		}
		return syscall.Kill(-c.Process.Pid, syscall.SIGTERM)
	}
}

// killGroup sends SIGKILL to what is left of the process group of c.
func killGroup(c *exec.Cmd) {
	_ = syscall.Kill(-c.Process.Pid, syscall.SIGKILL)
}
