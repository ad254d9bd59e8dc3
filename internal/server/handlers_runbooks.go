package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/decisionfirst/runbookd/internal/authz"
	"github.com/decisionfirst/runbookd/internal/model"
	"github.com/decisionfirst/runbookd/internal/storage"
	"github.com/decisionfirst/runbookd/internal/tree"
)

// runbookInput is the authoring payload for create and update. The
// server owns id, version, owner, and timestamps.
type runbookInput struct {
	Title                string                     `json:"title"`
	Description          string                     `json:"description"`
	Severity             model.SeverityLevel        `json:"severity"`
	ExecutionEnvironment model.ExecutionEnvironment `json:"execution_environment"`
	DecisionTree         model.DecisionTree         `json:"decision_tree"`
	Tags                 []string                   `json:"tags"`
}

// validateInput runs field-level checks and full decision-tree
// validation, writing a 422 listing every structural defect at once.
func (h *Handlers) validateInput(w http.ResponseWriter, r *http.Request, rb model.Runbook) bool {
	if err := model.ValidateRunbookInput(rb); err != nil {
		writeError(w, r, http.StatusUnprocessableEntity, model.ErrCodeValidation, err.Error())
		return false
	}
	if err := tree.Validate(rb.DecisionTree); err != nil {
		writeError(w, r, http.StatusUnprocessableEntity, model.ErrCodeValidation, err.Error())
		return false
	}
	return true
}

// HandleCreateRunbook handles POST /v1/runbooks (editor+).
func (h *Handlers) HandleCreateRunbook(w http.ResponseWriter, r *http.Request) {
	var in runbookInput
	if err := decodeJSON(w, r, &in, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	claims := ClaimsFromContext(r.Context())
	rb := model.Runbook{
		Title:                in.Title,
		Description:          in.Description,
		OwnerID:              authz.CallerID(claims),
		Severity:             in.Severity,
		ExecutionEnvironment: in.ExecutionEnvironment,
		DecisionTree:         in.DecisionTree,
		Tags:                 in.Tags,
	}
	rb.ExecutionEnvironment.ApplyDefaults()

	if !h.validateInput(w, r, rb) {
		return
	}

	created, err := h.db.CreateRunbook(r.Context(), rb)
	if err != nil {
		h.writeInternalError(w, r, "failed to create runbook", err)
		return
	}

	h.logger.Info("runbook created", "runbook_id", created.ID, "title", created.Title, "owner", created.OwnerID)
	writeJSON(w, r, http.StatusCreated, created)
}

// HandleUpdateRunbook handles PUT /v1/runbooks/{runbook_id} (editor+).
// Publishes a new immutable version; live sessions keep the version
// they started with.
func (h *Handlers) HandleUpdateRunbook(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "runbook_id")
	if !ok {
		return
	}

	var in runbookInput
	if err := decodeJSON(w, r, &in, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	existing, err := h.db.GetRunbook(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "runbook not found")
			return
		}
		h.writeInternalError(w, r, "failed to load runbook", err)
		return
	}

	claims := ClaimsFromContext(r.Context())
	rb := model.Runbook{
		ID:                   existing.ID,
		Title:                in.Title,
		Description:          in.Description,
		OwnerID:              authz.CallerID(claims),
		Severity:             in.Severity,
		ExecutionEnvironment: in.ExecutionEnvironment,
		DecisionTree:         in.DecisionTree,
		Tags:                 in.Tags,
	}
	rb.ExecutionEnvironment.ApplyDefaults()

	if !h.validateInput(w, r, rb) {
		return
	}

	updated, err := h.db.InsertRunbookVersion(r.Context(), rb)
	if err != nil {
		h.writeInternalError(w, r, "failed to publish runbook version", err)
		return
	}

	h.logger.Info("runbook version published", "runbook_id", updated.ID, "version", updated.Version)
	writeJSON(w, r, http.StatusOK, updated)
}

// HandleGetRunbook handles GET /v1/runbooks/{runbook_id}, returning
// the latest version.
func (h *Handlers) HandleGetRunbook(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "runbook_id")
	if !ok {
		return
	}

	rb, err := h.db.GetRunbook(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "runbook not found")
			return
		}
		h.writeInternalError(w, r, "failed to load runbook", err)
		return
	}
	writeJSON(w, r, http.StatusOK, rb)
}

// HandleGetRunbookVersion handles GET /v1/runbooks/{runbook_id}/versions/{version}.
func (h *Handlers) HandleGetRunbookVersion(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "runbook_id")
	if !ok {
		return
	}
	version, err := strconv.Atoi(r.PathValue("version"))
	if err != nil || version < 1 {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeBadRequest, "invalid version")
		return
	}

	rb, err := h.db.GetRunbookVersion(r.Context(), id, version)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "runbook version not found")
			return
		}
		h.writeInternalError(w, r, "failed to load runbook version", err)
		return
	}
	writeJSON(w, r, http.StatusOK, rb)
}

// HandleListRunbooks handles GET /v1/runbooks, returning the latest
// version of each runbook.
func (h *Handlers) HandleListRunbooks(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)
	runbooks, total, err := h.db.ListRunbooks(r.Context(), limit, offset)
	if err != nil {
		h.writeInternalError(w, r, "failed to list runbooks", err)
		return
	}
	writeList(w, r, runbooks, total, limit, offset)
}

// HandleDeleteRunbook handles DELETE /v1/runbooks/{runbook_id} (editor+).
// Runbooks with recorded sessions are retained for audit and cannot be
// deleted.
func (h *Handlers) HandleDeleteRunbook(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "runbook_id")
	if !ok {
		return
	}

	if err := h.db.DeleteRunbook(r.Context(), id); err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "runbook not found")
		case errors.Is(err, storage.ErrRunbookInUse):
			writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "runbook has recorded sessions and cannot be deleted")
		default:
			h.writeInternalError(w, r, "failed to delete runbook", err)
		}
		return
	}

	h.logger.Info("runbook deleted", "runbook_id", id)
	w.WriteHeader(http.StatusNoContent)
}

// HandleValidateRunbook handles POST /v1/runbooks/validate (editor+):
// a dry-run structural check that reports every defect without
// persisting anything.
func (h *Handlers) HandleValidateRunbook(w http.ResponseWriter, r *http.Request) {
	var in struct {
		DecisionTree model.DecisionTree `json:"decision_tree"`
	}
	if err := decodeJSON(w, r, &in, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	verrs := tree.Errors(tree.Validate(in.DecisionTree))
	out := struct {
		Valid  bool                  `json:"valid"`
		Errors []tree.ValidationError `json:"errors"`
	}{
		Valid:  len(verrs) == 0,
		Errors: verrs,
	}
	writeJSON(w, r, http.StatusOK, out)
}
