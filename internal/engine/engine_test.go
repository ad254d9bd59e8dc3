package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/decisionfirst/runbookd/internal/model"
	"github.com/decisionfirst/runbookd/internal/sandbox"
)

// fakeStore is an in-memory Store mirroring the transition semantics of
// the Postgres layer: a transition persists the session and its events
// together.
type fakeStore struct {
	mu       sync.Mutex
	runbooks map[uuid.UUID]map[int]model.Runbook // id -> version -> runbook
	latest   map[uuid.UUID]int
	sessions map[uuid.UUID]model.Session
	events   map[uuid.UUID][]model.TimelineEvent

	createErr     error
	transitionErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		runbooks: make(map[uuid.UUID]map[int]model.Runbook),
		latest:   make(map[uuid.UUID]int),
		sessions: make(map[uuid.UUID]model.Session),
		events:   make(map[uuid.UUID][]model.TimelineEvent),
	}
}

func (f *fakeStore) putRunbook(rb model.Runbook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.runbooks[rb.ID] == nil {
		f.runbooks[rb.ID] = make(map[int]model.Runbook)
	}
	f.runbooks[rb.ID][rb.Version] = rb
	if rb.Version > f.latest[rb.ID] {
		f.latest[rb.ID] = rb.Version
	}
}

func (f *fakeStore) GetRunbook(_ context.Context, id uuid.UUID) (model.Runbook, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	versions, ok := f.runbooks[id]
	if !ok {
		return model.Runbook{}, errors.New("runbook not found")
	}
	return versions[f.latest[id]], nil
}

func (f *fakeStore) GetRunbookVersion(_ context.Context, id uuid.UUID, version int) (model.Runbook, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rb, ok := f.runbooks[id][version]
	if !ok {
		return model.Runbook{}, fmt.Errorf("runbook %s version %d not found", id, version)
	}
	return rb, nil
}

func (f *fakeStore) GetSession(_ context.Context, id uuid.UUID) (model.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return model.Session{}, errors.New("session not found")
	}
	return s, nil
}

func (f *fakeStore) CreateSession(_ context.Context, s model.Session, events ...model.TimelineEvent) (model.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return model.Session{}, f.createErr
	}
	s.ID = uuid.New()
	s.CreatedAt = time.Now().UTC()
	s.UpdatedAt = s.CreatedAt
	f.sessions[s.ID] = s
	for _, ev := range events {
		ev.SessionID = s.ID
		f.events[s.ID] = append(f.events[s.ID], ev)
	}
	return s, nil
}

func (f *fakeStore) ApplyTransition(_ context.Context, s model.Session, events []model.TimelineEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.transitionErr != nil {
		return f.transitionErr
	}
	s.UpdatedAt = time.Now().UTC()
	f.sessions[s.ID] = s
	f.events[s.ID] = append(f.events[s.ID], events...)
	return nil
}

func (f *fakeStore) eventTypes(sessionID uuid.UUID) []model.EventType {
	f.mu.Lock()
	defer f.mu.Unlock()
	types := make([]model.EventType, 0, len(f.events[sessionID]))
	for _, ev := range f.events[sessionID] {
		types = append(types, ev.EventType)
	}
	return types
}

// fakeProvisioner simulates an execution environment. The exec hook, if
// set, is consulted per command; otherwise every command exits 0.
type fakeProvisioner struct {
	mu        sync.Mutex
	provErr   error
	exec      func(ctx context.Context, command string) (sandbox.CommandResult, error)
	released  []string
	executed  []string
	provCount int
}

func (f *fakeProvisioner) Provision(_ context.Context, _ model.ExecutionEnvironment) (sandbox.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.provErr != nil {
		return sandbox.Handle{}, f.provErr
	}
	f.provCount++
	return sandbox.Handle{ContainerID: fmt.Sprintf("ctr-%d", f.provCount)}, nil
}

func (f *fakeProvisioner) Execute(ctx context.Context, _ sandbox.Handle, command string, _ time.Duration) (sandbox.CommandResult, error) {
	f.mu.Lock()
	f.executed = append(f.executed, command)
	exec := f.exec
	f.mu.Unlock()
	if exec != nil {
		return exec(ctx, command)
	}
	return okResult(), nil
}

func (f *fakeProvisioner) Release(_ context.Context, h sandbox.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, h.ContainerID)
	return nil
}

func (f *fakeProvisioner) executedCommands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.executed...)
}

func (f *fakeProvisioner) releasedContainers() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.released...)
}

func okResult() sandbox.CommandResult {
	code := 0
	return sandbox.CommandResult{ExitCode: &code, Stdout: "ok"}
}

func exitResult(code int) sandbox.CommandResult {
	return sandbox.CommandResult{ExitCode: &code, Stderr: "boom"}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testRunbook builds the canonical test tree:
//
//	root (decision) --opt0--> fix (action, 2 commands) --> done (action, terminal)
//	                \-opt1--> done
func testRunbook() model.Runbook {
	next := "done"
	return model.Runbook{
		ID:       uuid.New(),
		Title:    "disk full",
		Severity: model.SeverityHigh,
		Version:  1,
		ExecutionEnvironment: model.ExecutionEnvironment{
			Name:      "diag",
			BaseImage: "alpine:3.20",
		},
		DecisionTree: model.DecisionTree{
			RootNodeID: "root",
			Nodes: map[string]model.Node{
				"root": model.DecisionNode{
					ID:       "root",
					Question: "Is the disk above 90%?",
					Options: []model.DecisionOption{
						{Description: "yes, clean up", NextNodeID: "fix"},
						{Description: "no, just verify", NextNodeID: "done"},
					},
				},
				"fix": model.ActionNode{
					ID:    "fix",
					Title: "clean old logs",
					Commands: []model.Command{
						{Command: "rm -rf /var/log/old"},
						{Command: "df -h"},
					},
					NextNodeID: &next,
				},
				"done": model.ActionNode{
					ID:       "done",
					Title:    "verify",
					Commands: []model.Command{{Command: "df -h"}},
				},
			},
		},
	}
}

func newTestEngine(store *fakeStore, prov *fakeProvisioner) *Engine {
	return New(store, fakeRecorder{store: store}, prov, testLogger(), 4)
}

// fakeRecorder reads the timeline back out of the fake store.
type fakeRecorder struct {
	store *fakeStore
}

func (r fakeRecorder) Record(_ context.Context, ev model.TimelineEvent) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	r.store.events[ev.SessionID] = append(r.store.events[ev.SessionID], ev)
	return nil
}

func (r fakeRecorder) ListForSession(_ context.Context, sessionID uuid.UUID) ([]model.TimelineEvent, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	return append([]model.TimelineEvent(nil), r.store.events[sessionID]...), nil
}

func startTestSession(t *testing.T, eng *Engine, store *fakeStore, userID uuid.UUID) (model.Session, model.Runbook) {
	t.Helper()
	rb := testRunbook()
	store.putRunbook(rb)
	s, err := eng.StartSession(context.Background(), rb.ID, userID)
	require.NoError(t, err)
	return s, rb
}

func TestStartSession(t *testing.T) {
	store := newFakeStore()
	prov := &fakeProvisioner{}
	eng := newTestEngine(store, prov)
	userID := uuid.New()

	s, rb := startTestSession(t, eng, store, userID)

	assert.Equal(t, model.SessionActive, s.Status)
	assert.Equal(t, rb.ID, s.RunbookID)
	assert.Equal(t, 1, s.RunbookVersion)
	assert.Equal(t, "root", s.CurrentNodeID)
	assert.Equal(t, []string{"root"}, s.ExecutionPath)
	assert.Equal(t, "ctr-1", s.ContainerID)
	assert.Equal(t, []model.EventType{model.EventSessionStarted}, store.eventTypes(s.ID))
}

func TestStartSessionProvisionFailure(t *testing.T) {
	store := newFakeStore()
	prov := &fakeProvisioner{provErr: errors.New("docker daemon unreachable")}
	eng := newTestEngine(store, prov)

	rb := testRunbook()
	store.putRunbook(rb)

	_, err := eng.StartSession(context.Background(), rb.ID, uuid.New())
	var provErr *ProvisionError
	require.ErrorAs(t, err, &provErr)
	assert.Empty(t, store.sessions, "no session row should exist after a provisioning failure")
}

func TestStartSessionReleasesEnvironmentOnCreateFailure(t *testing.T) {
	store := newFakeStore()
	store.createErr = errors.New("insert failed")
	prov := &fakeProvisioner{}
	eng := newTestEngine(store, prov)

	rb := testRunbook()
	store.putRunbook(rb)

	_, err := eng.StartSession(context.Background(), rb.ID, uuid.New())
	require.Error(t, err)
	assert.Equal(t, []string{"ctr-1"}, prov.releasedContainers())
}

func TestStartSessionRejectsCorruptTree(t *testing.T) {
	store := newFakeStore()
	eng := newTestEngine(store, &fakeProvisioner{})

	rb := testRunbook()
	rb.DecisionTree.RootNodeID = "missing"
	store.putRunbook(rb)

	_, err := eng.StartSession(context.Background(), rb.ID, uuid.New())
	require.Error(t, err)
	assert.Empty(t, store.sessions)
}

func TestSubmitDecision(t *testing.T) {
	store := newFakeStore()
	eng := newTestEngine(store, &fakeProvisioner{})
	userID := uuid.New()
	s, _ := startTestSession(t, eng, store, userID)

	s, err := eng.SubmitDecision(context.Background(), s.ID, 0, userID)
	require.NoError(t, err)

	assert.Equal(t, "fix", s.CurrentNodeID)
	assert.Equal(t, []string{"root", "fix"}, s.ExecutionPath)
	assert.Equal(t, model.SessionActive, s.Status)
	assert.Equal(t,
		[]model.EventType{model.EventSessionStarted, model.EventDecisionMade},
		store.eventTypes(s.ID))
}

func TestSubmitDecisionInvalidIndex(t *testing.T) {
	store := newFakeStore()
	eng := newTestEngine(store, &fakeProvisioner{})
	userID := uuid.New()
	s, _ := startTestSession(t, eng, store, userID)

	for _, idx := range []int{-1, 2, 99} {
		_, err := eng.SubmitDecision(context.Background(), s.ID, idx, userID)
		assert.ErrorIs(t, err, ErrInvalidChoice, "index %d", idx)
	}

	// The session is untouched by rejected decisions.
	got, err := eng.Session(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"root"}, got.ExecutionPath)
}

func TestSubmitDecisionAtActionNode(t *testing.T) {
	store := newFakeStore()
	eng := newTestEngine(store, &fakeProvisioner{})
	userID := uuid.New()
	s, _ := startTestSession(t, eng, store, userID)

	s, err := eng.SubmitDecision(context.Background(), s.ID, 0, userID)
	require.NoError(t, err)
	require.Equal(t, "fix", s.CurrentNodeID)

	_, err = eng.SubmitDecision(context.Background(), s.ID, 0, userID)
	assert.ErrorIs(t, err, ErrNotDecisionNode)
}

func TestSubmitDecisionUsesPinnedVersion(t *testing.T) {
	store := newFakeStore()
	eng := newTestEngine(store, &fakeProvisioner{})
	userID := uuid.New()
	s, rb := startTestSession(t, eng, store, userID)

	// Publish a new version whose root option 0 points elsewhere. The
	// running session must keep following version 1.
	v2 := rb
	v2.Version = 2
	v2.DecisionTree = model.DecisionTree{
		RootNodeID: "root",
		Nodes: map[string]model.Node{
			"root": model.DecisionNode{
				ID:       "root",
				Question: "changed",
				Options:  []model.DecisionOption{{Description: "go", NextNodeID: "other"}},
			},
			"other": model.ActionNode{ID: "other", Title: "other", Commands: []model.Command{{Command: "true"}}},
		},
	}
	store.putRunbook(v2)

	s, err := eng.SubmitDecision(context.Background(), s.ID, 0, userID)
	require.NoError(t, err)
	assert.Equal(t, "fix", s.CurrentNodeID, "session must follow the version it started with")
}

func TestExecuteActionAdvances(t *testing.T) {
	store := newFakeStore()
	prov := &fakeProvisioner{}
	eng := newTestEngine(store, prov)
	userID := uuid.New()
	s, _ := startTestSession(t, eng, store, userID)

	s, err := eng.SubmitDecision(context.Background(), s.ID, 0, userID)
	require.NoError(t, err)

	s, err = eng.ExecuteCurrentAction(context.Background(), s.ID, userID)
	require.NoError(t, err)

	assert.Equal(t, model.SessionActive, s.Status)
	assert.Equal(t, "done", s.CurrentNodeID)
	assert.Equal(t, []string{"root", "fix", "done"}, s.ExecutionPath)
	assert.Equal(t, []string{"rm -rf /var/log/old", "df -h"}, prov.executedCommands())
	assert.Empty(t, prov.releasedContainers(), "environment stays alive mid-session")
	assert.Equal(t,
		[]model.EventType{
			model.EventSessionStarted,
			model.EventDecisionMade,
			model.EventCommandRun,
			model.EventCommandRun,
			model.EventActionExecuted,
		},
		store.eventTypes(s.ID))
}

func TestExecuteTerminalActionCompletes(t *testing.T) {
	store := newFakeStore()
	prov := &fakeProvisioner{}
	eng := newTestEngine(store, prov)
	userID := uuid.New()
	s, _ := startTestSession(t, eng, store, userID)

	s, err := eng.SubmitDecision(context.Background(), s.ID, 1, userID) // straight to "done"
	require.NoError(t, err)

	s, err = eng.ExecuteCurrentAction(context.Background(), s.ID, userID)
	require.NoError(t, err)

	assert.Equal(t, model.SessionCompleted, s.Status)
	require.NotNil(t, s.CompletedAt)
	assert.Empty(t, s.ContainerID)
	assert.Equal(t, []string{"ctr-1"}, prov.releasedContainers())
	types := store.eventTypes(s.ID)
	assert.Equal(t, model.EventSessionCompleted, types[len(types)-1])

	// A terminated session accepts no further transitions.
	_, err = eng.ExecuteCurrentAction(context.Background(), s.ID, userID)
	assert.ErrorIs(t, err, ErrSessionTerminated)
	_, err = eng.SubmitDecision(context.Background(), s.ID, 0, userID)
	assert.ErrorIs(t, err, ErrSessionTerminated)
	_, err = eng.Abort(context.Background(), s.ID, userID)
	assert.ErrorIs(t, err, ErrSessionTerminated)
}

func TestExecuteEmptyTerminalAction(t *testing.T) {
	store := newFakeStore()
	prov := &fakeProvisioner{}
	eng := newTestEngine(store, prov)
	userID := uuid.New()

	rb := testRunbook()
	rb.DecisionTree.Nodes["done"] = model.ActionNode{ID: "done", Title: "confirm"}
	store.putRunbook(rb)

	s, err := eng.StartSession(context.Background(), rb.ID, userID)
	require.NoError(t, err)
	s, err = eng.SubmitDecision(context.Background(), s.ID, 1, userID)
	require.NoError(t, err)

	// A terminal action with no commands completes the session
	// immediately: no command runs, nothing fails.
	s, err = eng.ExecuteCurrentAction(context.Background(), s.ID, userID)
	require.NoError(t, err)

	assert.Equal(t, model.SessionCompleted, s.Status)
	assert.Empty(t, prov.executedCommands())
	assert.Equal(t,
		[]model.EventType{
			model.EventSessionStarted,
			model.EventDecisionMade,
			model.EventActionExecuted,
			model.EventSessionCompleted,
		},
		store.eventTypes(s.ID))
}

func TestExecuteActionFailFast(t *testing.T) {
	store := newFakeStore()
	prov := &fakeProvisioner{}
	prov.exec = func(_ context.Context, command string) (sandbox.CommandResult, error) {
		if command == "rm -rf /var/log/old" {
			return exitResult(1), nil
		}
		return okResult(), nil
	}
	eng := newTestEngine(store, prov)
	userID := uuid.New()
	s, _ := startTestSession(t, eng, store, userID)

	s, err := eng.SubmitDecision(context.Background(), s.ID, 0, userID)
	require.NoError(t, err)

	s, err = eng.ExecuteCurrentAction(context.Background(), s.ID, userID)
	require.NoError(t, err, "a command failure is recorded in the session, not returned")

	assert.Equal(t, model.SessionFailed, s.Status)
	assert.Equal(t, []string{"rm -rf /var/log/old"}, prov.executedCommands(),
		"commands after the failing one must not run")
	assert.Equal(t, []string{"ctr-1"}, prov.releasedContainers())
	types := store.eventTypes(s.ID)
	assert.Equal(t, model.EventSessionFailed, types[len(types)-1])
}

func TestExecuteActionTimeoutFailsSession(t *testing.T) {
	store := newFakeStore()
	prov := &fakeProvisioner{}
	prov.exec = func(_ context.Context, _ string) (sandbox.CommandResult, error) {
		return sandbox.CommandResult{TimedOut: true}, nil
	}
	eng := newTestEngine(store, prov)
	userID := uuid.New()
	s, _ := startTestSession(t, eng, store, userID)

	s, err := eng.SubmitDecision(context.Background(), s.ID, 0, userID)
	require.NoError(t, err)

	s, err = eng.ExecuteCurrentAction(context.Background(), s.ID, userID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionFailed, s.Status)
	assert.Len(t, prov.executedCommands(), 1)
}

func TestExecuteActionInfraFailure(t *testing.T) {
	store := newFakeStore()
	prov := &fakeProvisioner{}
	prov.exec = func(_ context.Context, _ string) (sandbox.CommandResult, error) {
		return sandbox.CommandResult{}, errors.New("container vanished")
	}
	eng := newTestEngine(store, prov)
	userID := uuid.New()
	s, _ := startTestSession(t, eng, store, userID)

	s, err := eng.SubmitDecision(context.Background(), s.ID, 0, userID)
	require.NoError(t, err)

	_, err = eng.ExecuteCurrentAction(context.Background(), s.ID, userID)
	var provErr *ProvisionError
	require.ErrorAs(t, err, &provErr)

	got, err := eng.Session(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionFailed, got.Status,
		"a session must never stay active without a usable environment")
}

func TestExecuteAtDecisionNode(t *testing.T) {
	store := newFakeStore()
	eng := newTestEngine(store, &fakeProvisioner{})
	userID := uuid.New()
	s, _ := startTestSession(t, eng, store, userID)

	_, err := eng.ExecuteCurrentAction(context.Background(), s.ID, userID)
	assert.ErrorIs(t, err, ErrNotActionNode)
}

func TestPauseAndResume(t *testing.T) {
	store := newFakeStore()
	prov := &fakeProvisioner{}
	eng := newTestEngine(store, prov)
	userID := uuid.New()
	s, _ := startTestSession(t, eng, store, userID)

	s, err := eng.Pause(context.Background(), s.ID, userID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionPaused, s.Status)
	assert.Empty(t, prov.releasedContainers(), "pause keeps the environment alive")

	// A paused session rejects decide and execute.
	_, err = eng.SubmitDecision(context.Background(), s.ID, 0, userID)
	assert.ErrorIs(t, err, ErrSessionNotActive)
	_, err = eng.ExecuteCurrentAction(context.Background(), s.ID, userID)
	assert.ErrorIs(t, err, ErrSessionNotActive)

	// Pausing again is a no-op, not a duplicate event.
	s, err = eng.Pause(context.Background(), s.ID, userID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionPaused, s.Status)
	assert.Equal(t,
		[]model.EventType{model.EventSessionStarted, model.EventSessionPaused},
		store.eventTypes(s.ID))

	s, err = eng.Resume(context.Background(), s.ID, userID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionActive, s.Status)
	assert.Equal(t, "root", s.CurrentNodeID, "resume restores the same position")

	// Resuming an active session is likewise a no-op.
	s, err = eng.Resume(context.Background(), s.ID, userID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionActive, s.Status)
}

func TestPauseTerminalSession(t *testing.T) {
	store := newFakeStore()
	eng := newTestEngine(store, &fakeProvisioner{})
	userID := uuid.New()
	s, _ := startTestSession(t, eng, store, userID)

	_, err := eng.Abort(context.Background(), s.ID, userID)
	require.NoError(t, err)

	_, err = eng.Pause(context.Background(), s.ID, userID)
	assert.ErrorIs(t, err, ErrSessionTerminated)
	_, err = eng.Resume(context.Background(), s.ID, userID)
	assert.ErrorIs(t, err, ErrSessionTerminated)
}

func TestAbort(t *testing.T) {
	store := newFakeStore()
	prov := &fakeProvisioner{}
	eng := newTestEngine(store, prov)
	userID := uuid.New()
	s, _ := startTestSession(t, eng, store, userID)

	s, err := eng.Abort(context.Background(), s.ID, userID)
	require.NoError(t, err)

	assert.Equal(t, model.SessionFailed, s.Status)
	assert.Empty(t, s.ContainerID)
	assert.Equal(t, []string{"ctr-1"}, prov.releasedContainers())
	types := store.eventTypes(s.ID)
	assert.Equal(t, model.EventSessionFailed, types[len(types)-1])

	// Aborting an already-failed session reports success idempotently.
	s, err = eng.Abort(context.Background(), s.ID, userID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionFailed, s.Status)
}

func TestAbortInterruptsRunningAction(t *testing.T) {
	store := newFakeStore()
	prov := &fakeProvisioner{}
	running := make(chan struct{})
	prov.exec = func(ctx context.Context, _ string) (sandbox.CommandResult, error) {
		close(running)
		<-ctx.Done()
		return sandbox.CommandResult{}, ctx.Err()
	}
	eng := newTestEngine(store, prov)
	userID := uuid.New()
	s, _ := startTestSession(t, eng, store, userID)

	s, err := eng.SubmitDecision(context.Background(), s.ID, 0, userID)
	require.NoError(t, err)

	execDone := make(chan model.Session, 1)
	go func() {
		got, _ := eng.ExecuteCurrentAction(context.Background(), s.ID, userID)
		execDone <- got
	}()

	select {
	case <-running:
	case <-time.After(5 * time.Second):
		t.Fatal("execute never reached the sandbox")
	}

	aborted, err := eng.Abort(context.Background(), s.ID, userID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionFailed, aborted.Status)

	select {
	case got := <-execDone:
		assert.Equal(t, model.SessionFailed, got.Status)
	case <-time.After(5 * time.Second):
		t.Fatal("interrupted execute never returned")
	}
}

func TestAnnotate(t *testing.T) {
	store := newFakeStore()
	prov := &fakeProvisioner{}
	eng := newTestEngine(store, prov)
	userID := uuid.New()
	s, _ := startTestSession(t, eng, store, userID)

	ev, err := eng.Annotate(context.Background(), s.ID, userID, "disk was at 97%, proceeding with cleanup")
	require.NoError(t, err)
	assert.Equal(t, model.EventNoteAdded, ev.EventType)
	payload, ok := ev.Data.(model.NoteAddedPayload)
	require.True(t, ok)
	assert.Equal(t, "root", payload.NodeID)
	assert.Equal(t,
		[]model.EventType{model.EventSessionStarted, model.EventNoteAdded},
		store.eventTypes(s.ID))

	// Notes stay available on terminal sessions for post-incident review.
	_, err = eng.Abort(context.Background(), s.ID, userID)
	require.NoError(t, err)
	_, err = eng.Annotate(context.Background(), s.ID, userID, "root cause: log rotation misconfigured")
	require.NoError(t, err)

	_, err = eng.Annotate(context.Background(), uuid.New(), userID, "orphan note")
	assert.Error(t, err)
}

func TestExecuteCallerDisconnectLeavesSessionActive(t *testing.T) {
	store := newFakeStore()
	prov := &fakeProvisioner{}
	running := make(chan struct{})
	prov.exec = func(ctx context.Context, _ string) (sandbox.CommandResult, error) {
		close(running)
		<-ctx.Done()
		return sandbox.CommandResult{}, ctx.Err()
	}
	eng := newTestEngine(store, prov)
	userID := uuid.New()
	s, _ := startTestSession(t, eng, store, userID)

	s, err := eng.SubmitDecision(context.Background(), s.ID, 0, userID)
	require.NoError(t, err)

	callerCtx, cancel := context.WithCancel(context.Background())
	execDone := make(chan error, 1)
	go func() {
		_, err := eng.ExecuteCurrentAction(callerCtx, s.ID, userID)
		execDone <- err
	}()

	select {
	case <-running:
	case <-time.After(5 * time.Second):
		t.Fatal("execute never reached the sandbox")
	}

	cancel()

	select {
	case err := <-execDone:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("disconnected execute never returned")
	}

	// The session survives the disconnect at the same node, with no
	// failure recorded, and can still be driven from a new request.
	got, err := store.GetSession(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionActive, got.Status)
	assert.Equal(t, s.CurrentNodeID, got.CurrentNodeID)
	assert.NotContains(t, store.eventTypes(s.ID), model.EventSessionFailed)

	_, err = eng.Pause(context.Background(), s.ID, userID)
	require.NoError(t, err)
}

func TestConcurrentTransitionRejected(t *testing.T) {
	store := newFakeStore()
	prov := &fakeProvisioner{}
	running := make(chan struct{})
	unblock := make(chan struct{})
	var once sync.Once
	prov.exec = func(ctx context.Context, _ string) (sandbox.CommandResult, error) {
		once.Do(func() { close(running) })
		select {
		case <-unblock:
		case <-ctx.Done():
		}
		return okResult(), nil
	}
	eng := newTestEngine(store, prov)
	userID := uuid.New()
	s, _ := startTestSession(t, eng, store, userID)

	s, err := eng.SubmitDecision(context.Background(), s.ID, 0, userID)
	require.NoError(t, err)

	execDone := make(chan struct{})
	go func() {
		defer close(execDone)
		_, _ = eng.ExecuteCurrentAction(context.Background(), s.ID, userID)
	}()

	select {
	case <-running:
	case <-time.After(5 * time.Second):
		t.Fatal("execute never started")
	}

	_, err = eng.SubmitDecision(context.Background(), s.ID, 0, userID)
	assert.ErrorIs(t, err, ErrConcurrencyConflict)
	_, err = eng.Pause(context.Background(), s.ID, userID)
	assert.ErrorIs(t, err, ErrConcurrencyConflict)

	close(unblock)
	select {
	case <-execDone:
	case <-time.After(5 * time.Second):
		t.Fatal("execute never finished")
	}
}
