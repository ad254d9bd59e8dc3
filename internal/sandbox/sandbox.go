// Package sandbox defines the execution environment contract for
// runbook action commands, plus the Docker-backed implementation.
//
// The engine treats the isolation technology as a black box behind the
// three-method Provisioner interface, which allows test doubles that
// simulate provisioning failure, timeout, and success without a real
// container runtime.
package sandbox

import (
	"context"
	"time"

	"github.com/decisionfirst/runbookd/internal/model"
)

// Handle identifies one provisioned execution environment.
type Handle struct {
	ContainerID string
}

// CommandResult is the outcome of executing a single command inside a
// provisioned environment.
type CommandResult struct {
	ExitCode *int          `json:"exit_code"` // nil when TimedOut
	TimedOut bool          `json:"timed_out"`
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	Duration time.Duration `json:"-"`
}

// Provisioner acquires, drives, and releases isolated command-execution
// environments.
type Provisioner interface {
	// Provision creates an environment from spec and returns its handle.
	Provision(ctx context.Context, spec model.ExecutionEnvironment) (Handle, error)

	// Execute runs one command inside the environment, bounded by timeout.
	// A timeout is reported via CommandResult.TimedOut, not an error;
	// errors indicate the environment itself failed.
	Execute(ctx context.Context, h Handle, command string, timeout time.Duration) (CommandResult, error)

	// Release destroys the environment. Idempotent.
	Release(ctx context.Context, h Handle) error
}
