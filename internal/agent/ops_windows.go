//go:build windows

package agent

import (
	"log/slog"

	"github.com/loykin/powercycle/internal/shell"
)

// killServerProcesses kills every server process on the host,
// unconditionally.
func killServerProcesses() (int, string) {
	return shell.Run("taskkill /f /im mongod.exe")
}

// internalCrash forces a bugcheck through notmyfault, which must be on
// PATH. A successful crash never returns.
func internalCrash() (int, string) {
	ret, output := shell.Run("notmyfault.exe -accepteula crash 1")
	slog.Debug("crash command returned", "code", ret, "output", output)
	return 1, "crash did not occur"
}
