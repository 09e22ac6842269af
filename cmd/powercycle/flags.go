package main

// RunFlags holds every flag of the run command. The controller passes the
// task flags through to the agent invocation unchanged; the agent-side
// flags (--remoteOperation, --mongodHost, --mongodPort, --rsyncDest) are
// set per dispatch.
type RunFlags struct {
	TaskName string
	TaskFile string

	SSHUserHost   string
	SSHConnection string
	RemoteBinary  string
	RootDir       string

	LogLevel string
	LogFile  string

	MetricsAddr string
	HistoryDB   string

	// Agent side.
	MongodHost       string
	MongodPort       int
	RsyncDest        []string
	RemoteOperations []string
}
