//go:build windows

package run

import (
	"os"
	"os/exec"
)

func shellCommand() (string, string) {
	return "cmd", "/C"
}

// configureGroup is a no-op on Windows; process groups as used on unix
// have no direct equivalent here.
func configureGroup(cmd *exec.Cmd) {}

// terminateGroup kills the direct child. Grandchild reaping on Windows
// would need job objects, which the runner does not use.
func terminateGroup(p *os.Process, done <-chan struct{}) {
	if p == nil {
		return
	}
	_ = p.Kill()
	<-done
}
