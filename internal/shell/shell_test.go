//go:build !windows

package shell

import (
	"strings"
	"testing"
)

func TestRunExitCodes(t *testing.T) {
	cases := []struct {
		name     string
		cmd      string
		wantCode int
		wantOut  string
	}{
		{name: "success", cmd: "true", wantCode: 0},
		{name: "failure", cmd: "false", wantCode: 1},
		{name: "specific code", cmd: "sh -c 'exit 7'", wantCode: 7},
		{name: "output captured", cmd: "echo hello", wantCode: 0, wantOut: "hello"},
		{name: "shell pipeline", cmd: "echo one two | wc -w", wantCode: 0, wantOut: "2"},
		{name: "empty command", cmd: "", wantCode: 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			code, out := Run(tc.cmd)
			if code != tc.wantCode {
				t.Fatalf("Run(%q) code = %d, want %d (output %q)", tc.cmd, code, tc.wantCode, out)
			}
			if tc.wantOut != "" && !strings.Contains(out, tc.wantOut) {
				t.Fatalf("Run(%q) output = %q, want substring %q", tc.cmd, out, tc.wantOut)
			}
		})
	}
}

func TestRunMissingBinary(t *testing.T) {
	code, out := Run("definitely-not-a-command-xyz")
	if code == 0 {
		t.Fatalf("expected non-zero code, got 0 (output %q)", out)
	}
}

func TestRunArgs(t *testing.T) {
	code, out := RunArgs("echo", "a", "b")
	if code != 0 || !strings.Contains(out, "a b") {
		t.Fatalf("RunArgs = %d %q", code, out)
	}
}

func TestBuildShellDetection(t *testing.T) {
	if got := Build("ls -l").Path; strings.HasSuffix(got, "/sh") {
		t.Fatalf("plain command should not use a shell, got %s", got)
	}
	if got := Build("ls | wc -l").Path; got != "/bin/sh" {
		t.Fatalf("pipeline should use /bin/sh, got %s", got)
	}
}
