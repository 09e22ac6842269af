// Package powercycle is a crash-recovery harness: a controller drives a
// database server on a remote host over ssh, crashes the host (or just the
// server process) under load, and verifies that journaled writes survive
// recovery. The same binary re-invoked with --remoteOperation acts as the
// agent on the host under test.
package powercycle

import (
	"context"

	"github.com/loykin/powercycle/internal/agent"
	"github.com/loykin/powercycle/internal/config"
	"github.com/loykin/powercycle/internal/history"
	"github.com/loykin/powercycle/internal/loop"
	"github.com/loykin/powercycle/internal/registry"
	"github.com/loykin/powercycle/internal/remote"
	"github.com/loykin/powercycle/internal/workload"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Task = config.Task

type Outcome = loop.Outcome

type Result = loop.Result

const (
	Success    = loop.Success
	Failure    = loop.Failure
	SSHFailure = loop.SSHFailure
)

type Registry = registry.Registry

type Transport = remote.Transport

type DispatchParams = remote.Params

type Runner = loop.Runner

type WorkloadRunner = workload.Runner

type History = history.DB

type Agent = agent.Handler

type AgentConfig = agent.Config

// LoadTask reads the task named name from the task file at path.
func LoadTask(path, name string) (Task, error) { return config.Load(path, name) }

// NewRegistry creates the process/temp-file registry shared by everything
// that spawns local resources.
func NewRegistry() *Registry { return registry.New() }

// NewTransport builds the ssh transport to the host under test, probing
// reachability with bounded retries.
func NewTransport(invocationPrefix, userHost, connOptions, sshOptions string) *Transport {
	return remote.NewTransport(invocationPrefix, userHost, connOptions, sshOptions)
}

// NewRunner wires the controller-side crash/recovery loop.
func NewRunner(task Task, t *Transport, reg *Registry, wl *WorkloadRunner, hist *History, mongodHost string) *Runner {
	return loop.New(task, t, reg, wl, hist, mongodHost)
}

// NewAgent builds the agent-side operation handler.
func NewAgent(cfg AgentConfig) *Agent { return agent.New(cfg) }

// OpenHistory opens the advisory iteration-history sink at path.
func OpenHistory(ctx context.Context, path string) (*History, error) {
	return history.Open(ctx, path)
}
