//go:build !windows

package executor

import (
	"os/exec"
	"syscall"
)

// setProcGroup places the child in its own process group so the whole
// tree can be killed as one unit.
func setProcGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// killProcGroup kills the child's process group.
func killProcGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
}
