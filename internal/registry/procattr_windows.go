//go:build windows

package registry

import (
	"os"
	"os/exec"
	"syscall"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

const createNewProcessGroup = 0x00000200

// configureSysProcAttr starts the child in its own process group.
func configureSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: createNewProcessGroup}
}

// killGroup terminates the process. There is no kill(-pgid) equivalent
// here; descendants of the handle are left to the workload's own
// teardown.
func killGroup(pid int) {
	if p, err := os.FindProcess(pid); err == nil {
		_ = p.Kill()
	}
}

func processExists(pid int) bool {
	ok, err := gopsproc.PidExists(int32(pid))
	return err == nil && ok
}
