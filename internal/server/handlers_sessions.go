package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/decisionfirst/runbookd/internal/authz"
	"github.com/decisionfirst/runbookd/internal/engine"
	"github.com/decisionfirst/runbookd/internal/model"
	"github.com/decisionfirst/runbookd/internal/storage"
)

// HandleStartSession handles POST /v1/sessions (editor+).
func (h *Handlers) HandleStartSession(w http.ResponseWriter, r *http.Request) {
	var req model.StartSessionRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.RunbookID == uuid.Nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "runbook_id is required")
		return
	}

	claims := ClaimsFromContext(r.Context())
	s, err := h.engine.StartSession(r.Context(), req.RunbookID, authz.CallerID(claims))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, s)
}

// HandleGetSession handles GET /v1/sessions/{session_id}.
func (h *Handlers) HandleGetSession(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "session_id")
	if !ok {
		return
	}
	s, err := h.engine.Session(r.Context(), id)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, s)
}

// HandleListSessions handles GET /v1/sessions. An optional user_id
// query parameter filters to one operator's sessions.
func (h *Handlers) HandleListSessions(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)

	var userFilter *uuid.UUID
	if v := r.URL.Query().Get("user_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeBadRequest, "invalid user_id")
			return
		}
		userFilter = &id
	}

	sessions, total, err := h.db.ListSessions(r.Context(), userFilter, limit, offset)
	if err != nil {
		h.writeInternalError(w, r, "failed to list sessions", err)
		return
	}
	writeList(w, r, sessions, total, limit, offset)
}

// HandleSubmitDecision handles POST /v1/sessions/{session_id}/decision.
func (h *Handlers) HandleSubmitDecision(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "session_id")
	if !ok {
		return
	}
	var req model.SubmitDecisionRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	callerID, ok := h.requireSessionControl(w, r, id)
	if !ok {
		return
	}

	s, err := h.engine.SubmitDecision(r.Context(), id, req.OptionIndex, callerID)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, s)
}

// HandleExecuteAction handles POST /v1/sessions/{session_id}/execute.
// Blocks until the action's commands finish, fail, or are aborted.
func (h *Handlers) HandleExecuteAction(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "session_id")
	if !ok {
		return
	}
	callerID, ok := h.requireSessionControl(w, r, id)
	if !ok {
		return
	}

	s, err := h.engine.ExecuteCurrentAction(r.Context(), id, callerID)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, s)
}

// HandlePauseSession handles POST /v1/sessions/{session_id}/pause.
func (h *Handlers) HandlePauseSession(w http.ResponseWriter, r *http.Request) {
	h.sessionControl(w, r, h.engine.Pause)
}

// HandleResumeSession handles POST /v1/sessions/{session_id}/resume.
func (h *Handlers) HandleResumeSession(w http.ResponseWriter, r *http.Request) {
	h.sessionControl(w, r, h.engine.Resume)
}

// HandleAbortSession handles POST /v1/sessions/{session_id}/abort.
func (h *Handlers) HandleAbortSession(w http.ResponseWriter, r *http.Request) {
	h.sessionControl(w, r, h.engine.Abort)
}

func (h *Handlers) sessionControl(w http.ResponseWriter, r *http.Request, op func(context.Context, uuid.UUID, uuid.UUID) (model.Session, error)) {
	id, ok := pathUUID(w, r, "session_id")
	if !ok {
		return
	}
	callerID, ok := h.requireSessionControl(w, r, id)
	if !ok {
		return
	}

	s, err := op(r.Context(), id, callerID)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, s)
}

// HandleAnnotateSession handles POST /v1/sessions/{session_id}/annotate:
// appends a free-form operator note to the session timeline.
func (h *Handlers) HandleAnnotateSession(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "session_id")
	if !ok {
		return
	}
	var req model.AnnotateSessionRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.Note) == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeValidation, "note is required")
		return
	}

	callerID, ok := h.requireSessionControl(w, r, id)
	if !ok {
		return
	}

	ev, err := h.engine.Annotate(r.Context(), id, callerID, req.Note)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, ev)
}

// HandleSessionTimeline handles GET /v1/sessions/{session_id}/timeline.
func (h *Handlers) HandleSessionTimeline(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "session_id")
	if !ok {
		return
	}

	// Confirm the session exists so an empty timeline and a bad id are
	// distinguishable.
	if _, err := h.engine.Session(r.Context(), id); err != nil {
		h.writeEngineError(w, r, err)
		return
	}

	events, err := h.engine.Timeline(r.Context(), id)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, events)
}

// requireSessionControl loads the session and enforces that the caller
// may drive it: the operator who started it, or an admin.
func (h *Handlers) requireSessionControl(w http.ResponseWriter, r *http.Request, sessionID uuid.UUID) (uuid.UUID, bool) {
	claims := ClaimsFromContext(r.Context())
	s, err := h.engine.Session(r.Context(), sessionID)
	if err != nil {
		h.writeEngineError(w, r, err)
		return uuid.Nil, false
	}
	if !authz.CanControlSession(claims, s) {
		writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "session belongs to another operator")
		return uuid.Nil, false
	}
	return authz.CallerID(claims), true
}

// writeEngineError maps engine and storage sentinel errors onto HTTP
// statuses and stable error codes.
func (h *Handlers) writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	var provErr *engine.ProvisionError
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "not found")
	case errors.Is(err, engine.ErrInvalidChoice):
		writeError(w, r, http.StatusUnprocessableEntity, model.ErrCodeInvalidChoice, err.Error())
	case errors.Is(err, engine.ErrSessionTerminated):
		writeError(w, r, http.StatusConflict, model.ErrCodeSessionTerminated, "session has already completed or failed")
	case errors.Is(err, engine.ErrSessionNotActive):
		writeError(w, r, http.StatusConflict, model.ErrCodeSessionTerminated, "session is not active")
	case errors.Is(err, engine.ErrSessionNotPaused):
		writeError(w, r, http.StatusConflict, model.ErrCodeSessionTerminated, "session is not paused")
	case errors.Is(err, engine.ErrConcurrencyConflict):
		writeError(w, r, http.StatusConflict, model.ErrCodeConcurrencyConflict, "another operation is in progress for this session")
	case errors.Is(err, engine.ErrNotDecisionNode):
		writeError(w, r, http.StatusConflict, model.ErrCodeValidation, "current node is not a decision node")
	case errors.Is(err, engine.ErrNotActionNode):
		writeError(w, r, http.StatusConflict, model.ErrCodeValidation, "current node is not an action node")
	case errors.As(err, &provErr):
		h.logger.Error("environment provisioning failure", "error", err, "request_id", RequestIDFromContext(r.Context()))
		writeError(w, r, http.StatusBadGateway, model.ErrCodeProvisionFailed, "execution environment failure")
	default:
		h.writeInternalError(w, r, "operation failed", err)
	}
}
