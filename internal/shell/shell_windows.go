//go:build windows

package shell

import "os/exec"

// shellCommand runs script through the system shell.
func shellCommand(script string) *exec.Cmd {
	// #nosec G204
	return exec.Command("cmd", "/c", script)
}

// trueCommand always succeeds.
func trueCommand() *exec.Cmd {
	return exec.Command("cmd", "/c", "rem")
}
