package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/decisionfirst/runbookd/internal/model"
	"github.com/decisionfirst/runbookd/internal/sandbox"
	"github.com/decisionfirst/runbookd/internal/telemetry"
)

// RunOutcome is the result of executing one action node's command list.
type RunOutcome struct {
	// Results holds one entry per command that was started, in order.
	// On failure this is a strict prefix of the command list: commands
	// after the failing one never run.
	Results []sandbox.CommandResult

	// FailedIndex is the index of the failing command, or -1 if every
	// command succeeded.
	FailedIndex int

	// FailureDetail is a human-readable description of the failure.
	FailureDetail string
}

// Succeeded reports whether the whole action completed successfully.
func (o RunOutcome) Succeeded() bool { return o.FailedIndex < 0 }

// Runner executes an action node's commands sequentially inside a
// provisioned environment. Commands run in list order — later commands
// may depend on earlier side effects — and the runner stops at the
// first failure. A timeout is fatal to the action.
type Runner struct {
	prov   sandbox.Provisioner
	logger *slog.Logger

	commandDuration metric.Float64Histogram
}

// NewRunner creates a command runner over the given provisioner.
func NewRunner(prov sandbox.Provisioner, logger *slog.Logger) *Runner {
	meter := telemetry.Meter("runbookd/engine")
	cmdDur, _ := meter.Float64Histogram("runbookd.command.duration",
		metric.WithDescription("Wall time of individual sandbox commands (ms)"),
		metric.WithUnit("ms"),
	)
	return &Runner{
		prov:            prov,
		logger:          logger.With("component", "runner"),
		commandDuration: cmdDur,
	}
}

// Run executes commands fail-fast. The returned error is reserved for
// infrastructure failures (environment unreachable, caller cancellation);
// command-level failures are reported through the outcome.
func (r *Runner) Run(ctx context.Context, h sandbox.Handle, commands []model.Command) (RunOutcome, error) {
	outcome := RunOutcome{
		Results:     make([]sandbox.CommandResult, 0, len(commands)),
		FailedIndex: -1,
	}

	for i, cmd := range commands {
		if err := ctx.Err(); err != nil {
			return outcome, err
		}

		start := time.Now()
		res, err := r.prov.Execute(ctx, h, cmd.Command, cmd.Timeout())
		if err != nil {
			return outcome, err
		}

		outcome.Results = append(outcome.Results, res)
		r.recordDuration(ctx, res, time.Since(start))

		if res.TimedOut {
			outcome.FailedIndex = i
			outcome.FailureDetail = fmt.Sprintf("command %d timed out after %s", i, cmd.Timeout())
			r.logger.Warn("command timed out", "index", i, "timeout", cmd.Timeout())
			return outcome, nil
		}
		if res.ExitCode == nil || !cmd.Expects(*res.ExitCode) {
			outcome.FailedIndex = i
			code := -1
			if res.ExitCode != nil {
				code = *res.ExitCode
			}
			outcome.FailureDetail = fmt.Sprintf("command %d exited with unexpected code %d", i, code)
			r.logger.Warn("command failed",
				"index", i,
				"exit_code", code,
				"expected", cmd.ExpectedExitCodes)
			return outcome, nil
		}
	}

	return outcome, nil
}

func (r *Runner) recordDuration(ctx context.Context, res sandbox.CommandResult, elapsed time.Duration) {
	status := "ok"
	if res.TimedOut {
		status = "timeout"
	} else if res.ExitCode != nil && *res.ExitCode != 0 {
		status = "nonzero_exit"
	}
	r.commandDuration.Record(ctx, float64(elapsed.Milliseconds()),
		metric.WithAttributes(attribute.String("status", status)))
}
