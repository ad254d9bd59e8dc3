package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/decisionfirst/runbookd/internal/model"
	"github.com/decisionfirst/runbookd/internal/sandbox"
)

func runnerCommands(cmds ...string) []model.Command {
	out := make([]model.Command, len(cmds))
	for i, c := range cmds {
		out[i] = model.Command{Command: c}
	}
	return out
}

func TestRunnerAllSucceed(t *testing.T) {
	prov := &fakeProvisioner{}
	r := NewRunner(prov, testLogger())

	outcome, err := r.Run(context.Background(), sandbox.Handle{ContainerID: "c"}, runnerCommands("a", "b", "c"))
	require.NoError(t, err)

	assert.True(t, outcome.Succeeded())
	assert.Equal(t, -1, outcome.FailedIndex)
	assert.Len(t, outcome.Results, 3)
	assert.Equal(t, []string{"a", "b", "c"}, prov.executedCommands())
}

func TestRunnerStopsAtFirstFailure(t *testing.T) {
	prov := &fakeProvisioner{}
	prov.exec = func(_ context.Context, command string) (sandbox.CommandResult, error) {
		if command == "b" {
			return exitResult(2), nil
		}
		return okResult(), nil
	}
	r := NewRunner(prov, testLogger())

	outcome, err := r.Run(context.Background(), sandbox.Handle{}, runnerCommands("a", "b", "c"))
	require.NoError(t, err)

	assert.False(t, outcome.Succeeded())
	assert.Equal(t, 1, outcome.FailedIndex)
	assert.Len(t, outcome.Results, 2, "results hold only the commands that were started")
	assert.Equal(t, []string{"a", "b"}, prov.executedCommands())
	assert.Contains(t, outcome.FailureDetail, "unexpected code 2")
}

func TestRunnerTimeoutIsFatal(t *testing.T) {
	prov := &fakeProvisioner{}
	prov.exec = func(_ context.Context, command string) (sandbox.CommandResult, error) {
		if command == "slow" {
			return sandbox.CommandResult{TimedOut: true}, nil
		}
		return okResult(), nil
	}
	r := NewRunner(prov, testLogger())

	outcome, err := r.Run(context.Background(), sandbox.Handle{}, runnerCommands("fast", "slow", "never"))
	require.NoError(t, err)

	assert.Equal(t, 1, outcome.FailedIndex)
	assert.Equal(t, []string{"fast", "slow"}, prov.executedCommands())
	assert.Contains(t, outcome.FailureDetail, "timed out")
}

func TestRunnerExpectedExitCodes(t *testing.T) {
	prov := &fakeProvisioner{}
	prov.exec = func(_ context.Context, _ string) (sandbox.CommandResult, error) {
		return exitResult(1), nil
	}
	r := NewRunner(prov, testLogger())

	// grep exits 1 on no match; the runbook author declared that fine.
	cmds := []model.Command{{Command: "grep -q ERROR /var/log/app.log", ExpectedExitCodes: []int{0, 1}}}
	outcome, err := r.Run(context.Background(), sandbox.Handle{}, cmds)
	require.NoError(t, err)
	assert.True(t, outcome.Succeeded())
}

func TestRunnerInfraErrorPropagates(t *testing.T) {
	prov := &fakeProvisioner{}
	infraErr := errors.New("exec attach failed")
	prov.exec = func(_ context.Context, command string) (sandbox.CommandResult, error) {
		if command == "b" {
			return sandbox.CommandResult{}, infraErr
		}
		return okResult(), nil
	}
	r := NewRunner(prov, testLogger())

	outcome, err := r.Run(context.Background(), sandbox.Handle{}, runnerCommands("a", "b"))
	require.ErrorIs(t, err, infraErr)
	assert.Len(t, outcome.Results, 1, "the failed attach produces no result entry")
}

func TestRunnerHonorsCancellation(t *testing.T) {
	prov := &fakeProvisioner{}
	ctx, cancel := context.WithCancel(context.Background())
	prov.exec = func(_ context.Context, _ string) (sandbox.CommandResult, error) {
		cancel() // cancel between commands
		return okResult(), nil
	}
	r := NewRunner(prov, testLogger())

	_, err := r.Run(ctx, sandbox.Handle{}, runnerCommands("a", "b"))
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []string{"a"}, prov.executedCommands())
}

func TestCommandDefaults(t *testing.T) {
	assert.Equal(t, 300*time.Second, model.Command{}.Timeout())
	assert.Equal(t, 5*time.Second, model.Command{TimeoutSeconds: 5}.Timeout())
	assert.True(t, model.Command{}.Expects(0))
	assert.False(t, model.Command{}.Expects(1))
}
