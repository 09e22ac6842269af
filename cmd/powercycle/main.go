package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildRoot() *cobra.Command {
	runFlags := &RunFlags{}

	root := createRootCommand()
	root.AddCommand(createRunCommand(runFlags))
	return root
}

func createRootCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "powercycle",
		Short: "Crash-recovery test harness for mongod",
		Long: `Powercycle repeatedly crashes a mongod host under load and verifies
that journaled writes survive recovery.

The controller drives a remote host over ssh; the same binary re-invoked
with --remoteOperation acts as the agent on the host under test.

Examples:
  powercycle run --sshUserHost=ec2-user@10.0.0.5 --taskName=kill --taskFile=powercycle.toml
  powercycle run --taskName=kill --taskFile=powercycle.toml --remoteOperation noop`,
	}
}

func createRunCommand(runFlags *RunFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the crash-recovery loop, or one agent operation batch",
		Long: `Run the crash-recovery loop against a remote host.

With --remoteOperation the command instead executes the named operations
locally, in order, stopping at the first failure. Additional positional
arguments extend the operation list.

Examples:
  powercycle run --sshUserHost=ec2-user@10.0.0.5 --taskName=crash --taskFile=powercycle.toml
  powercycle run --taskName=crash --taskFile=powercycle.toml --remoteOperation kill_mongod stop_mongod`,
		Run: func(cmd *cobra.Command, args []string) {
			runFlags.RemoteOperations = append(runFlags.RemoteOperations, args...)
			os.Exit(run(*runFlags))
		},
	}

	cmd.Flags().StringVar(&runFlags.TaskName, "taskName", "", "task to run (required)")
	cmd.Flags().StringVar(&runFlags.TaskFile, "taskFile", "", "path to the task TOML file (required)")
	cmd.Flags().StringVar(&runFlags.SSHUserHost, "sshUserHost", "", "remote host as [user@]host")
	cmd.Flags().StringVar(&runFlags.SSHConnection, "sshConnection", "", "extra ssh connection options")
	cmd.Flags().StringVar(&runFlags.RemoteBinary, "remoteBinary", "", "path of this binary on the remote host")
	cmd.Flags().StringVar(&runFlags.RootDir, "rootDir", "", "server install root on the host under test")
	cmd.Flags().StringVar(&runFlags.LogLevel, "logLevel", "info", "log level (debug, info, warn, error)")
	cmd.Flags().StringVar(&runFlags.LogFile, "logFile", "", "log to this file instead of stderr")
	cmd.Flags().StringVar(&runFlags.MetricsAddr, "metricsAddr", "", "serve Prometheus metrics on this address")
	cmd.Flags().StringVar(&runFlags.HistoryDB, "historyDB", "", "record per-iteration history in this SQLite file")
	cmd.Flags().StringVar(&runFlags.MongodHost, "mongodHost", "", "mongod host (agent side)")
	cmd.Flags().IntVar(&runFlags.MongodPort, "mongodPort", 0, "mongod port (agent side)")
	cmd.Flags().StringSliceVar(&runFlags.RsyncDest, "rsyncDest", nil, "rsync destination pair: current path, renamed-to path")
	cmd.Flags().StringSliceVar(&runFlags.RemoteOperations, "remoteOperation", nil, "execute these operations locally, in order")

	if err := cmd.MarkFlagRequired("taskName"); err != nil {
		panic(err)
	}
	if err := cmd.MarkFlagRequired("taskFile"); err != nil {
		panic(err)
	}

	return cmd
}
