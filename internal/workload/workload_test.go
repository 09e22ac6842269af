package workload

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

const baseSuite = `
test_kind: js_test
selector:
  roots:
    - jstests/hooks/*.js
executor:
  config:
    shell_options:
      nodb: ""
`

func TestWriteSuiteConfigOverlay(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "base.yml")
	out := filepath.Join(dir, "suite.yml")
	require.NoError(t, os.WriteFile(base, []byte(baseSuite), 0o600))

	td := TestData{
		"dbName":         "power",
		"collectionName": "cycle-3",
	}
	require.NoError(t, WriteSuiteConfig(base, out, td, "load('set_concerns.js');"))

	raw, err := os.ReadFile(out)
	require.NoError(t, err)
	var cfg map[string]interface{}
	require.NoError(t, yaml.Unmarshal(raw, &cfg))

	// Untouched sections survive the overlay.
	require.Equal(t, "js_test", cfg["test_kind"])
	require.Contains(t, cfg, "selector")

	shellOpts := cfg["executor"].(map[string]interface{})["config"].(map[string]interface{})["shell_options"].(map[string]interface{})
	require.Equal(t, "load('set_concerns.js');", shellOpts["eval"])
	gv := shellOpts["global_vars"].(map[string]interface{})["TestData"].(map[string]interface{})
	require.Equal(t, "power", gv["dbName"])
	require.Equal(t, "cycle-3", gv["collectionName"])
}

func TestWriteSuiteConfigMissingBase(t *testing.T) {
	err := WriteSuiteConfig(filepath.Join(t.TempDir(), "missing.yml"), "out.yml", TestData{}, "")
	require.Error(t, err)
}

func TestRunnerCommand(t *testing.T) {
	r := &Runner{
		WorkDir:    "/repo",
		RunnerPath: "buildscripts/resmoke.py",
		ShellPath:  "dist-test/bin/mongo",
	}
	cmd := r.command("localhost:20000", "jstests/core/crud_api.js", "tmp/suite.yml", 100)
	require.Equal(t,
		"cd /repo; buildscripts/resmoke.py run --mongo dist-test/bin/mongo"+
			" --suites tmp/suite.yml --shellConnString mongodb://localhost:20000"+
			" --continueOnFailure --repeat 100 jstests/core/crud_api.js",
		cmd)
}
