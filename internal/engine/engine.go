// Package engine implements the runbook execution engine: the state
// machine that walks a runbook's decision tree across a live session,
// coordinates sandboxed command execution, and records every transition
// in the session timeline.
//
// Each façade call is a single atomic state-machine step. A call either
// fully applies its transition — including environment provisioning or
// release and event recording — or fails and leaves the session exactly
// as it was. Per-session transitions are serialized: a concurrent call
// against the same session is rejected with ErrConcurrencyConflict.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/semaphore"

	"github.com/decisionfirst/runbookd/internal/model"
	"github.com/decisionfirst/runbookd/internal/sandbox"
	"github.com/decisionfirst/runbookd/internal/telemetry"
	"github.com/decisionfirst/runbookd/internal/timeline"
	"github.com/decisionfirst/runbookd/internal/tree"
)

// Store is the persistence the engine depends on. Implemented by
// *storage.DB; faked in tests.
type Store interface {
	GetRunbook(ctx context.Context, id uuid.UUID) (model.Runbook, error)
	GetRunbookVersion(ctx context.Context, id uuid.UUID, version int) (model.Runbook, error)
	GetSession(ctx context.Context, id uuid.UUID) (model.Session, error)
	CreateSession(ctx context.Context, s model.Session, events ...model.TimelineEvent) (model.Session, error)
	ApplyTransition(ctx context.Context, s model.Session, events []model.TimelineEvent) error
}

// Engine is the top-level façade composing the session state machine,
// command runner, environment provisioner, and timeline recorder.
type Engine struct {
	store  Store
	rec    timeline.Recorder
	prov   sandbox.Provisioner
	runner *Runner
	locks  *sessionLocks
	logger *slog.Logger

	// execSem caps concurrently executing actions across all sessions,
	// bounding sandbox resource consumption.
	execSem *semaphore.Weighted

	transitions    metric.Int64Counter
	actionDuration metric.Float64Histogram
}

// New creates an Engine. maxConcurrentActions bounds how many action
// executions may run at once across all sessions.
func New(store Store, rec timeline.Recorder, prov sandbox.Provisioner, logger *slog.Logger, maxConcurrentActions int64) *Engine {
	if maxConcurrentActions <= 0 {
		maxConcurrentActions = 8
	}
	meter := telemetry.Meter("runbookd/engine")
	transitions, _ := meter.Int64Counter("runbookd.session.transitions",
		metric.WithDescription("Session state-machine transitions by operation and outcome"),
	)
	actionDur, _ := meter.Float64Histogram("runbookd.action.duration",
		metric.WithDescription("Wall time of action node executions (ms)"),
		metric.WithUnit("ms"),
	)
	return &Engine{
		store:          store,
		rec:            rec,
		prov:           prov,
		runner:         NewRunner(prov, logger),
		locks:          newSessionLocks(),
		logger:         logger.With("component", "engine"),
		execSem:        semaphore.NewWeighted(maxConcurrentActions),
		transitions:    transitions,
		actionDuration: actionDur,
	}
}

// StartSession provisions an execution environment for the runbook's
// latest version and creates an active session positioned at the tree
// root. If session creation fails after provisioning, the environment
// is released before returning.
func (e *Engine) StartSession(ctx context.Context, runbookID, userID uuid.UUID) (model.Session, error) {
	rb, err := e.store.GetRunbook(ctx, runbookID)
	if err != nil {
		return model.Session{}, err
	}

	// The tree was validated at authoring time; re-check so a session
	// can never start against a corrupted document.
	if err := tree.Validate(rb.DecisionTree); err != nil {
		return model.Session{}, err
	}

	handle, err := e.prov.Provision(ctx, rb.ExecutionEnvironment)
	if err != nil {
		e.count(ctx, "start_session", "provision_error")
		return model.Session{}, &ProvisionError{Err: err}
	}

	s := model.Session{
		RunbookID:      rb.ID,
		RunbookVersion: rb.Version,
		UserID:         userID,
		Status:         model.SessionActive,
		CurrentNodeID:  rb.DecisionTree.RootNodeID,
		ExecutionPath:  []string{rb.DecisionTree.RootNodeID},
		ContainerID:    handle.ContainerID,
	}

	started := newEvent(userID, model.EventSessionStarted, model.SessionStartedPayload{
		RunbookID:      rb.ID,
		RunbookTitle:   rb.Title,
		RunbookVersion: rb.Version,
		RootNodeID:     rb.DecisionTree.RootNodeID,
		ContainerID:    handle.ContainerID,
	})

	s, err = e.store.CreateSession(ctx, s, started)
	if err != nil {
		if relErr := e.prov.Release(context.WithoutCancel(ctx), handle); relErr != nil {
			e.logger.Warn("failed to release environment after session create failure",
				"container_id", handle.ContainerID, "error", relErr)
		}
		e.count(ctx, "start_session", "error")
		return model.Session{}, err
	}

	e.count(ctx, "start_session", "ok")
	e.logger.Info("session started",
		"session_id", s.ID,
		"runbook_id", rb.ID,
		"runbook_version", rb.Version,
		"user_id", userID)
	return s, nil
}

// SubmitDecision applies an operator's choice at the current decision
// node. The next node is always resolved through the tree's own option
// list — a caller can never supply an arbitrary jump target.
func (e *Engine) SubmitDecision(ctx context.Context, sessionID uuid.UUID, optionIndex int, userID uuid.UUID) (model.Session, error) {
	_, release, err := e.locks.acquire(ctx, sessionID)
	if err != nil {
		return model.Session{}, err
	}
	defer release()

	s, rb, err := e.loadActive(ctx, sessionID)
	if err != nil {
		return model.Session{}, err
	}

	dn, ok := rb.DecisionTree.Node(s.CurrentNodeID).(model.DecisionNode)
	if !ok {
		return model.Session{}, ErrNotDecisionNode
	}
	if optionIndex < 0 || optionIndex >= len(dn.Options) {
		return model.Session{}, fmt.Errorf("%w: index %d, node %q has %d options",
			ErrInvalidChoice, optionIndex, dn.ID, len(dn.Options))
	}

	opt := dn.Options[optionIndex]
	s.CurrentNodeID = opt.NextNodeID
	s.ExecutionPath = append(s.ExecutionPath, opt.NextNodeID)

	event := sessionEvent(s.ID, userID, model.EventDecisionMade, model.DecisionMadePayload{
		NodeID:            dn.ID,
		Question:          dn.Question,
		OptionIndex:       optionIndex,
		OptionDescription: opt.Description,
		NextNodeID:        opt.NextNodeID,
	})

	if err := e.store.ApplyTransition(ctx, s, []model.TimelineEvent{event}); err != nil {
		e.count(ctx, "submit_decision", "error")
		return model.Session{}, err
	}

	e.count(ctx, "submit_decision", "ok")
	return s, nil
}

// ExecuteCurrentAction runs the current action node's commands inside
// the session's environment. All commands succeeding advances (or
// completes) the session; any failure or timeout transitions it to
// failed and releases the environment. Abort interrupts a command in
// progress.
func (e *Engine) ExecuteCurrentAction(ctx context.Context, sessionID, userID uuid.UUID) (model.Session, error) {
	opCtx, release, err := e.locks.acquire(ctx, sessionID)
	if err != nil {
		return model.Session{}, err
	}
	defer release()

	s, rb, err := e.loadActive(ctx, sessionID)
	if err != nil {
		return model.Session{}, err
	}

	an, ok := rb.DecisionTree.Node(s.CurrentNodeID).(model.ActionNode)
	if !ok {
		return model.Session{}, ErrNotActionNode
	}

	if err := e.execSem.Acquire(opCtx, 1); err != nil {
		return model.Session{}, fmt.Errorf("engine: acquire execution slot: %w", err)
	}
	defer e.execSem.Release(1)

	start := time.Now()
	outcome, runErr := e.runner.Run(opCtx, sandbox.Handle{ContainerID: s.ContainerID}, an.Commands)
	e.actionDuration.Record(ctx, float64(time.Since(start).Milliseconds()))

	events := commandEvents(s, userID, an, outcome.Results)

	switch {
	case runErr == nil && outcome.Succeeded():
		return e.finishAction(ctx, s, an, userID, events)

	case runErr == nil:
		// A command failed or timed out: the whole action fails.
		return e.failSession(ctx, s, userID, events, an, outcome.FailureDetail)

	case errors.Is(runErr, context.Canceled) && ctx.Err() == nil:
		// Canceled via Abort while the caller is still connected: the
		// forced-cancellation path. Fail the session on the caller's
		// still-live context.
		return e.failSession(ctx, s, userID, events, an, "aborted while executing")

	case errors.Is(runErr, context.Canceled):
		// The caller disconnected mid-execution. The in-flight command
		// was canceled with it; leave the session untouched so the
		// operator can re-drive or abort it from a fresh request.
		return model.Session{}, ctx.Err()

	default:
		// Infrastructure failure: the environment is no longer usable,
		// so the session cannot be left active.
		detail := fmt.Sprintf("execution environment failed: %v", runErr)
		if _, failErr := e.failSession(context.WithoutCancel(ctx), s, userID, events, an, detail); failErr != nil {
			e.logger.Error("failed to fail session after environment error",
				"session_id", s.ID, "error", failErr)
		}
		e.count(ctx, "execute_action", "environment_error")
		return model.Session{}, &ProvisionError{Err: runErr}
	}
}

// Pause suspends an active session. The environment is kept alive for
// resume. Pausing an already-paused session is a no-op returning the
// unchanged session, never a duplicate session_paused event.
func (e *Engine) Pause(ctx context.Context, sessionID, userID uuid.UUID) (model.Session, error) {
	_, release, err := e.locks.acquire(ctx, sessionID)
	if err != nil {
		return model.Session{}, err
	}
	defer release()

	s, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return model.Session{}, err
	}
	if s.Status == model.SessionPaused {
		return s, nil
	}
	if s.Status.Terminal() {
		return model.Session{}, ErrSessionTerminated
	}

	s.Status = model.SessionPaused
	event := sessionEvent(s.ID, userID, model.EventSessionPaused, model.SessionPausedPayload{NodeID: s.CurrentNodeID})
	if err := e.store.ApplyTransition(ctx, s, []model.TimelineEvent{event}); err != nil {
		return model.Session{}, err
	}
	e.count(ctx, "pause", "ok")
	return s, nil
}

// Resume restores a paused session to active at the same current node.
func (e *Engine) Resume(ctx context.Context, sessionID, userID uuid.UUID) (model.Session, error) {
	_, release, err := e.locks.acquire(ctx, sessionID)
	if err != nil {
		return model.Session{}, err
	}
	defer release()

	s, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return model.Session{}, err
	}
	if s.Status == model.SessionActive {
		return s, nil
	}
	if s.Status.Terminal() {
		return model.Session{}, ErrSessionTerminated
	}
	if s.Status != model.SessionPaused {
		return model.Session{}, ErrSessionNotPaused
	}

	s.Status = model.SessionActive
	event := sessionEvent(s.ID, userID, model.EventSessionResumed, model.SessionResumedPayload{NodeID: s.CurrentNodeID})
	if err := e.store.ApplyTransition(ctx, s, []model.TimelineEvent{event}); err != nil {
		return model.Session{}, err
	}
	e.count(ctx, "resume", "ok")
	return s, nil
}

// Abort terminates a session into failed and releases its environment.
// Accepted even while a command is executing: the in-flight operation
// is cancelled and Abort waits for it to settle before returning the
// final session state.
func (e *Engine) Abort(ctx context.Context, sessionID, userID uuid.UUID) (model.Session, error) {
	if done := e.locks.interrupt(sessionID); done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return model.Session{}, ctx.Err()
		}
	}

	_, release, err := e.locks.acquire(ctx, sessionID)
	if err != nil {
		return model.Session{}, err
	}
	defer release()

	s, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return model.Session{}, err
	}
	if s.Status == model.SessionFailed {
		// Already failed — possibly by the operation this abort
		// interrupted. The abort has achieved its goal.
		return s, nil
	}
	if s.Status == model.SessionCompleted {
		return model.Session{}, ErrSessionTerminated
	}

	e.releaseEnvironment(ctx, &s)
	s.Status = model.SessionFailed
	event := sessionEvent(s.ID, userID, model.EventSessionFailed, model.SessionFailedPayload{
		NodeID: s.CurrentNodeID,
		Reason: "aborted by operator",
	})
	if err := e.store.ApplyTransition(ctx, s, []model.TimelineEvent{event}); err != nil {
		return model.Session{}, err
	}
	e.count(ctx, "abort", "ok")
	e.logger.Info("session aborted", "session_id", s.ID, "user_id", userID)
	return s, nil
}

// Session returns the current state of one session.
func (e *Engine) Session(ctx context.Context, sessionID uuid.UUID) (model.Session, error) {
	return e.store.GetSession(ctx, sessionID)
}

// Timeline returns a session's full audit trail, oldest first.
func (e *Engine) Timeline(ctx context.Context, sessionID uuid.UUID) ([]model.TimelineEvent, error) {
	return e.rec.ListForSession(ctx, sessionID)
}

// Annotate appends a free-form operator note to the session's timeline,
// stamped with the node the session is at. A note is a pure audit
// record: it never changes session state, so it is accepted in any
// state, including on completed and failed sessions during review.
func (e *Engine) Annotate(ctx context.Context, sessionID, userID uuid.UUID, note string) (model.TimelineEvent, error) {
	s, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return model.TimelineEvent{}, err
	}

	event := sessionEvent(s.ID, userID, model.EventNoteAdded, model.NoteAddedPayload{
		NodeID: s.CurrentNodeID,
		Note:   note,
	})
	if err := e.rec.Record(ctx, event); err != nil {
		e.count(ctx, "annotate", "error")
		return model.TimelineEvent{}, err
	}
	e.count(ctx, "annotate", "ok")
	return event, nil
}

// finishAction applies the success path of an action execution:
// advance to next_node_id, or complete the session when the node is
// terminal.
func (e *Engine) finishAction(ctx context.Context, s model.Session, an model.ActionNode, userID uuid.UUID, events []model.TimelineEvent) (model.Session, error) {
	events = append(events, sessionEvent(s.ID, userID, model.EventActionExecuted, model.ActionExecutedPayload{
		NodeID:      an.ID,
		Title:       an.Title,
		Success:     true,
		CommandsRun: len(an.Commands),
	}))

	if an.NextNodeID != nil {
		s.CurrentNodeID = *an.NextNodeID
		s.ExecutionPath = append(s.ExecutionPath, *an.NextNodeID)
	} else {
		now := time.Now().UTC()
		s.Status = model.SessionCompleted
		s.CompletedAt = &now
		e.releaseEnvironment(ctx, &s)
		events = append(events, sessionEvent(s.ID, userID, model.EventSessionCompleted, model.SessionCompletedPayload{
			NodeID:     an.ID,
			PathLength: len(s.ExecutionPath),
		}))
	}

	if err := e.store.ApplyTransition(ctx, s, events); err != nil {
		e.count(ctx, "execute_action", "error")
		return model.Session{}, err
	}

	e.count(ctx, "execute_action", "ok")
	if s.Status == model.SessionCompleted {
		e.logger.Info("session completed", "session_id", s.ID, "path_length", len(s.ExecutionPath))
	}
	return s, nil
}

// failSession applies the failure path: the session transitions to
// failed, the environment is released, and the failure is recorded on
// the timeline. The failed status is the durable error record.
func (e *Engine) failSession(ctx context.Context, s model.Session, userID uuid.UUID, events []model.TimelineEvent, an model.ActionNode, detail string) (model.Session, error) {
	events = append(events,
		sessionEvent(s.ID, userID, model.EventActionExecuted, model.ActionExecutedPayload{
			NodeID:        an.ID,
			Title:         an.Title,
			Success:       false,
			CommandsRun:   len(events),
			FailureDetail: detail,
		}),
		sessionEvent(s.ID, userID, model.EventSessionFailed, model.SessionFailedPayload{
			NodeID: s.CurrentNodeID,
			Reason: detail,
		}),
	)

	e.releaseEnvironment(ctx, &s)
	s.Status = model.SessionFailed

	if err := e.store.ApplyTransition(ctx, s, events); err != nil {
		e.count(ctx, "execute_action", "error")
		return model.Session{}, err
	}

	e.count(ctx, "execute_action", "failed")
	e.logger.Warn("session failed", "session_id", s.ID, "detail", detail)
	return s, nil
}

// loadActive loads a session plus its pinned runbook version and
// enforces the active-status guard shared by decide and execute.
func (e *Engine) loadActive(ctx context.Context, sessionID uuid.UUID) (model.Session, model.Runbook, error) {
	s, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return model.Session{}, model.Runbook{}, err
	}
	if s.Status.Terminal() {
		return model.Session{}, model.Runbook{}, ErrSessionTerminated
	}
	if s.Status != model.SessionActive {
		return model.Session{}, model.Runbook{}, ErrSessionNotActive
	}

	rb, err := e.store.GetRunbookVersion(ctx, s.RunbookID, s.RunbookVersion)
	if err != nil {
		return model.Session{}, model.Runbook{}, err
	}
	return s, rb, nil
}

// releaseEnvironment releases the session's sandbox, if any, logging
// rather than failing on release errors: the container has a bounded
// lifetime and will exit on its own.
func (e *Engine) releaseEnvironment(ctx context.Context, s *model.Session) {
	if s.ContainerID == "" {
		return
	}
	if err := e.prov.Release(context.WithoutCancel(ctx), sandbox.Handle{ContainerID: s.ContainerID}); err != nil {
		e.logger.Warn("failed to release environment", "session_id", s.ID, "container_id", s.ContainerID, "error", err)
	}
	s.ContainerID = ""
}

func (e *Engine) count(ctx context.Context, op, status string) {
	e.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", op),
		attribute.String("status", status),
	))
}

// commandEvents builds one command_run event per started command.
func commandEvents(s model.Session, userID uuid.UUID, an model.ActionNode, results []sandbox.CommandResult) []model.TimelineEvent {
	events := make([]model.TimelineEvent, 0, len(results)+2)
	for i, res := range results {
		events = append(events, sessionEvent(s.ID, userID, model.EventCommandRun, model.CommandRunPayload{
			NodeID:     an.ID,
			Command:    an.Commands[i].Command,
			ExitCode:   res.ExitCode,
			TimedOut:   res.TimedOut,
			Stdout:     res.Stdout,
			Stderr:     res.Stderr,
			DurationMs: res.Duration.Milliseconds(),
		}))
	}
	return events
}

func sessionEvent(sessionID, userID uuid.UUID, typ model.EventType, payload any) model.TimelineEvent {
	return model.TimelineEvent{
		ID:        uuid.New(),
		SessionID: sessionID,
		EventType: typ,
		Timestamp: time.Now().UTC(),
		UserID:    userID,
		Data:      payload,
	}
}

// newEvent builds an event before the session id is known; the storage
// layer stamps the session id when the session row is created.
func newEvent(userID uuid.UUID, typ model.EventType, payload any) model.TimelineEvent {
	return model.TimelineEvent{
		ID:        uuid.New(),
		EventType: typ,
		Timestamp: time.Now().UTC(),
		UserID:    userID,
		Data:      payload,
	}
}
