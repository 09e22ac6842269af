//go:build !windows

package agent

import (
	"fmt"
	"log/slog"

	"github.com/loykin/powercycle/internal/shell"
)

// killServerProcesses kills every server process on the host,
// unconditionally.
func killServerProcesses() (int, string) {
	return shell.Run("pkill -9 mongod")
}

// internalCrash reboots the host through the kernel's sysrq trigger. This
// simulates a console boot and needs root, so it goes through sudo in a
// subshell rather than writing the proc files natively. On success the
// host dies underneath us and this function never returns; surviving it
// means the crash did not happen.
func internalCrash() (int, string) {
	const sudo = "/usr/bin/sudo"
	cmds := fmt.Sprintf(`echo "Server crashing now" | %[1]s wall ; echo 1 | %[1]s tee /proc/sys/kernel/sysrq ; echo b | %[1]s tee /proc/sysrq-trigger`, sudo)
	ret, output := shell.Run(cmds)
	slog.Debug("crash command returned", "code", ret, "output", output)
	return 1, "crash did not occur"
}
