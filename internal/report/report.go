// Package report owns the artifacts automation reads after a run: a JSON
// status report with a single result entry, and a YAML exit file carrying
// the final exit code plus any transport-failure detail. Both are written
// from the exit handler regardless of which exit path was taken.
package report

import (
	"encoding/json"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Result is the single test entry of the JSON report.
type Result struct {
	Status   string `json:"status"`
	TestFile string `json:"test_file"`
	ExitCode int    `json:"exit_code"`
	Start    int64  `json:"start"`
	End      int64  `json:"end"`
	Elapsed  int64  `json:"elapsed"`
}

// Report is the JSON status document.
type Report struct {
	Failures int      `json:"failures"`
	Results  []Result `json:"results"`
}

// New creates a report pre-populated as failing; Finalize flips it on
// success. Starting pessimistic means a hard kill still leaves a truthful
// artifact behind.
func New(taskName string) *Report {
	now := time.Now().Unix()
	return &Report{
		Failures: 1,
		Results: []Result{{
			Status:   "fail",
			TestFile: taskName,
			ExitCode: 1,
			Start:    now,
			End:      now,
		}},
	}
}

// Finalize stamps the end time and outcome and writes the report to path.
func (r *Report) Finalize(path string, success bool) {
	res := &r.Results[0]
	res.End = time.Now().Unix()
	res.Elapsed = res.End - res.Start
	if success {
		r.Failures = 0
		res.Status = "pass"
		res.ExitCode = 0
	} else {
		r.Failures = 1
		res.Status = "fail"
		res.ExitCode = 1
	}
	data, err := json.Marshal(r)
	if err != nil {
		slog.Warn("cannot marshal report", "error", err)
		return
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		slog.Warn("cannot write report file", "path", path, "error", err)
	}
}

// Exit is the YAML exit artifact.
type Exit struct {
	ExitCode   int    `yaml:"exit_code"`
	SSHFailure string `yaml:"ssh_failure,omitempty"`
}

// Write saves the exit file to path.
func (e Exit) Write(path string) {
	data, err := yaml.Marshal(e)
	if err != nil {
		slog.Warn("cannot marshal exit file", "error", err)
		return
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		slog.Warn("cannot write exit file", "path", path, "error", err)
	}
}
