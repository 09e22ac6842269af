// Package shell executes one-shot commands and reports their exit code and
// combined output. Both the agent operations and the transport layer shell
// out through here.
package shell

import (
	"errors"
	"log/slog"
	"os/exec"
	"strings"
)

// Run executes cmdStr and returns its exit code and combined output.
// Commands containing shell metacharacters go through the platform shell;
// plain commands are exec'd directly.
func Run(cmdStr string) (int, string) {
	cmd := Build(cmdStr)
	return runCmd(cmd)
}

// RunArgs executes name with args directly, without shell interpretation.
func RunArgs(name string, args ...string) (int, string) {
	// #nosec G204
	return runCmd(exec.Command(name, args...))
}

// Build constructs an *exec.Cmd for cmdStr, avoiding a shell unless
// metacharacters are present.
func Build(cmdStr string) *exec.Cmd {
	cmdStr = strings.TrimSpace(cmdStr)
	if cmdStr == "" {
		return trueCommand()
	}
	if strings.ContainsAny(cmdStr, "|&;<>*?`$\"'(){}[]~") {
		return shellCommand(cmdStr)
	}
	parts := strings.Fields(cmdStr)
	var args []string
	if len(parts) > 1 {
		args = parts[1:]
	}
	// #nosec G204
	return exec.Command(parts[0], args...)
}

func runCmd(cmd *exec.Cmd) (int, string) {
	slog.Debug("executing", "cmd", strings.Join(cmd.Args, " "))
	out, err := cmd.CombinedOutput()
	output := string(out)
	if err == nil {
		return 0, output
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode(), output
	}
	// The command never ran (binary missing, permissions).
	return 1, err.Error()
}
