package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Task describes one powercycle task: how many loops to run, how to crash
// the host, and how the mongod under test is configured. A task file may
// define several named tasks; the CLI selects one by name.
type Task struct {
	Name             string `toml:"name" mapstructure:"name"`
	CrashMethod      string `toml:"crash_method" mapstructure:"crash_method"` // "kill" or "internal"
	TestLoops        int    `toml:"test_loops" mapstructure:"test_loops"`
	SeedDocNum       int    `toml:"seed_doc_num" mapstructure:"seed_doc_num"`
	FCV              string `toml:"fcv" mapstructure:"fcv"`
	WriteConcern     string `toml:"write_concern" mapstructure:"write_concern"` // YAML fragment, e.g. "{w: majority}"
	ReadConcernLevel string `toml:"read_concern_level" mapstructure:"read_concern_level"`
	MongodOptions    string `toml:"mongod_options" mapstructure:"mongod_options"`
	ReplSet          string `toml:"repl_set" mapstructure:"repl_set"`
	NumCrudClients   int    `toml:"num_crud_clients" mapstructure:"num_crud_clients"`
	NumFsmClients    int    `toml:"num_fsm_clients" mapstructure:"num_fsm_clients"`
}

// FileConfig is the top-level task file structure.
type FileConfig struct {
	Tasks []Task `toml:"tasks" mapstructure:"tasks"`
}

// Load reads the task file at path and returns the task named name.
func Load(path, name string) (Task, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if strings.HasSuffix(path, ".toml") {
		v.SetConfigType("toml")
	}
	if err := v.ReadInConfig(); err != nil {
		return Task{}, err
	}
	var fc FileConfig
	if err := v.Unmarshal(&fc); err != nil {
		return Task{}, err
	}
	for _, t := range fc.Tasks {
		if t.Name == name {
			return withDefaults(t), nil
		}
	}
	return Task{}, fmt.Errorf("task %q not found in %s", name, path)
}

func withDefaults(t Task) Task {
	if t.CrashMethod == "" {
		t.CrashMethod = "internal"
	}
	if t.TestLoops <= 0 {
		t.TestLoops = 10
	}
	if t.SeedDocNum <= 0 {
		t.SeedDocNum = DefaultSeedDocNum
	}
	if t.NumCrudClients <= 0 {
		t.NumCrudClients = NumCrudClients
	}
	if t.NumFsmClients <= 0 {
		t.NumFsmClients = NumFsmClients
	}
	return t
}

// Validate rejects option combinations the harness cannot test with.
func (t Task) Validate() error {
	switch t.CrashMethod {
	case "kill", "internal":
	default:
		return fmt.Errorf("unsupported crash method %q", t.CrashMethod)
	}
	// Canary durability depends on journaling; a nojournal server cannot
	// prove anything about the crash.
	if strings.Contains(t.MongodOptions, "nojournal") {
		return fmt.Errorf("cannot validate canary documents with --nojournal")
	}
	return nil
}

// Harness-wide constants. Ports, paths and the database namespace are fixed
// so that controller and agent agree without further negotiation.
const (
	DBName         = "power"
	CollectionName = "cycle"

	StandardPort = 20000
	SecretPort   = 20001

	RemoteDir = "/log/powercycle"
	DBPath    = "/data/db"
	LogPath   = "/log/powercycle/mongod.log"
	LockFile  = "mongod.lock"

	BackupPathBefore = "/data/backup/beforerecovery"
	BackupPathAfter  = "/data/backup/afterrecovery"

	// Crash is delayed by CrashWaitTime plus up to CrashWaitJitter so the
	// workload clients get a chance to build up dirty state.
	CrashWaitTime   = 30 * time.Second
	CrashWaitJitter = 10

	NumCrudClients    = 20
	NumFsmClients     = 20
	DefaultSeedDocNum = 10000

	ReportJSONFile = "report.json"
	ExitYAMLFile   = "powercycle_exit.yml"

	// The default options follow any user-specified ones; ssh honors the
	// first occurrence of each parameter.
	DefaultSSHConnectionOptions = "-o ServerAliveCountMax=10 -o ServerAliveInterval=6" +
		" -o StrictHostKeyChecking=no -o ConnectTimeout=30 -o ConnectionAttempts=20"

	// Test runner inputs, relative to the repository root the runner is
	// invoked from.
	RunnerEntry               = "buildscripts/resmoke.py"
	MongoShellPath            = "dist-test/bin/mongo"
	BaseSuiteConfig           = "buildscripts/resmokeconfig/suites/with_external_server.yml"
	CrudClientScript          = "jstests/core/crud_api.js"
	FsmClientScript           = "jstests/libs/fsm_serial_client.js"
	SetConcernScript          = "jstests/libs/override_methods/set_read_and_write_concerns.js"
	ValidateCollectionsScript = "jstests/hooks/run_validate_collections.js"

	OneHour = time.Hour
)

// RsyncExcludeFiles are never copied into backups: the diagnostic data is
// large and the lock file is owned by the running server.
var RsyncExcludeFiles = []string{"diagnostic.data", "mongod.lock"}
