package agent

import (
	"fmt"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/loykin/powercycle/internal/shell"
)

const rsyncMaxAttempts = 5

// rsync copies srcDir to destDir with deletion, excluding excludeFiles.
// The command is retried on the sporadic "No medium found" failure seen on
// some hosts; every other failure is returned as-is.
func rsync(srcDir, destDir string, excludeFiles []string) (int, string) {
	if _, err := exec.LookPath("rsync"); err != nil {
		return 1, "no rsync exists on the host, not rsync'ing"
	}
	var excludes strings.Builder
	for _, f := range excludeFiles {
		fmt.Fprintf(&excludes, " --exclude '%s'", f)
	}
	slog.Info("rsync'ing data", "src", srcDir, "dest", destDir, "excluding", excludeFiles)

	cmd := fmt.Sprintf("rsync -va --delete --quiet%s %s %s", excludes.String(), srcDir, destDir)
	var (
		ret    int
		output string
	)
	for attempt := 1; attempt <= rsyncMaxAttempts; attempt++ {
		ret, output = shell.Run(cmd)
		if ret == 0 || !strings.Contains(output, "No medium found") {
			break
		}
		slog.Warn("rsync command failed", "attempt", attempt, "of", rsyncMaxAttempts,
			"code", ret, "output", output)
		_, diag := shell.Run(fmt.Sprintf("ls -ld %s; df", srcDir))
		slog.Info("mount point diagnostics", "output", diag)
	}
	return ret, output
}
