// Package workload drives the external test runner: collection validation
// runs in the foreground, CRUD and FSM clients run as detached background
// processes through the registry. Each invocation gets its own suite
// config, generated by overlaying run-specific variables onto a base
// config file.
package workload

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/loykin/powercycle/internal/logger"
	"github.com/loykin/powercycle/internal/registry"
	"github.com/loykin/powercycle/internal/shell"
)

// TestData is the variable set injected into a generated suite config.
type TestData map[string]interface{}

// WriteSuiteConfig reads the base suite config, replaces its executor
// shell options with evalStr and testData, and writes the result to
// newFile.
func WriteSuiteConfig(baseFile, newFile string, testData TestData, evalStr string) error {
	raw, err := os.ReadFile(baseFile)
	if err != nil {
		return err
	}
	var cfg map[string]interface{}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return fmt.Errorf("parse %s: %w", baseFile, err)
	}
	cfg["executor"] = map[string]interface{}{
		"config": map[string]interface{}{
			"shell_options": map[string]interface{}{
				"eval":        evalStr,
				"global_vars": map[string]interface{}{"TestData": testData},
			},
		},
	}
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(newFile, out, 0o600)
}

const (
	runRetries   = 5
	runRetryWait = 5 * time.Second
)

// Runner invokes the external test runner.
type Runner struct {
	Reg        *registry.Registry
	WorkDir    string // repo root the runner is invoked from
	RunnerPath string // runner entry point
	ShellPath  string // shell binary handed to the runner
	LogDir     string // directory for background client logs
}

func (r *Runner) command(hostPort, testScript, suiteFile string, repeat int) string {
	return fmt.Sprintf("cd %s; %s run --mongo %s --suites %s"+
		" --shellConnString mongodb://%s --continueOnFailure --repeat %d %s",
		r.WorkDir, r.RunnerPath, r.ShellPath, suiteFile, hostPort, repeat, testScript)
}

// Run executes one runner invocation in the foreground, retrying a bounded
// number of times with a fixed sleep. Validation runs go through here.
func (r *Runner) Run(hostPort, testScript, suiteFile string) (int, string) {
	cmd := r.command(hostPort, testScript, suiteFile, 1)
	var (
		ret    int
		output string
	)
	for attempt := 0; ; attempt++ {
		ret, output = shell.Run(cmd)
		if ret == 0 || attempt >= runRetries {
			break
		}
		time.Sleep(runRetryWait)
	}
	return ret, output
}

// Start launches one runner invocation in the background via the registry.
// Its exit code is never part of pass/fail; the log is advisory.
func (r *Runner) Start(hostPort, testScript, suiteFile string, repeat int, logName string) error {
	cmd := r.command(hostPort, testScript, suiteFile, repeat)
	w := logger.ClientWriter(r.LogDir, logName)
	if _, err := r.Reg.Start(cmd, w); err != nil {
		return err
	}
	slog.Debug("started workload client", "log", logName)
	return nil
}
