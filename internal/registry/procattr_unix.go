//go:build !windows

package registry

import (
	"os/exec"
	"syscall"
)

// configureSysProcAttr puts the child in its own process group so the
// whole group can be signalled at once.
func configureSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// killGroup force-kills the process group rooted at pid.
func killGroup(pid int) {
	_ = syscall.Kill(-pid, syscall.SIGKILL)
}

func processExists(pid int) bool {
	return syscall.Kill(pid, 0) == nil
}
