//go:build unix

package run

import (
	"os"
	"os/exec"
	"syscall"
	"time"
)

func shellCommand() (string, string) {
	return "/bin/sh", "-c"
}

// configureGroup places the child in its own process group so signals
// reach everything the task spawns, not just the direct child.
func configureGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// terminateGroup sends SIGTERM to the child's process group, then SIGKILL
// if the group has not exited within the grace period. done closes when
// the direct child has been reaped.
func terminateGroup(p *os.Process, done <-chan struct{}) {
	if p == nil {
		return
	}
	_ = syscall.Kill(-p.Pid, syscall.SIGTERM)
	select {
	case <-done:
	case <-time.After(killGrace):
		_ = syscall.Kill(-p.Pid, syscall.SIGKILL)
	}
}
