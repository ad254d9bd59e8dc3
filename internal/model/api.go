package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Field length limits for runbook authoring input. These bound what a
// caller can push into Postgres TEXT columns and timeline payloads.
const (
	MaxTitleLen       = 200
	MaxDescriptionLen = 8 * 1024
	MaxCommandLen     = 4 * 1024
	MaxTagLen         = 64
	MaxTags           = 32
	MaxNodes          = 500
)

// ValidateRunbookInput checks authoring-time field limits. Structural
// decision-tree integrity is checked separately by the tree validator.
func ValidateRunbookInput(r Runbook) error {
	if r.Title == "" {
		return fmt.Errorf("title is required")
	}
	if len(r.Title) > MaxTitleLen {
		return fmt.Errorf("title exceeds maximum length of %d characters", MaxTitleLen)
	}
	if len(r.Description) > MaxDescriptionLen {
		return fmt.Errorf("description exceeds maximum length of %d bytes", MaxDescriptionLen)
	}
	if !ValidSeverity(r.Severity) {
		return fmt.Errorf("severity must be one of low, medium, high, critical (got %q)", r.Severity)
	}
	if r.ExecutionEnvironment.BaseImage == "" {
		return fmt.Errorf("execution_environment.base_image is required")
	}
	if len(r.DecisionTree.Nodes) == 0 {
		return fmt.Errorf("decision_tree must contain at least one node")
	}
	if len(r.DecisionTree.Nodes) > MaxNodes {
		return fmt.Errorf("decision_tree exceeds maximum of %d nodes", MaxNodes)
	}
	if len(r.Tags) > MaxTags {
		return fmt.Errorf("too many tags (maximum %d)", MaxTags)
	}
	for i, tag := range r.Tags {
		if len(tag) > MaxTagLen {
			return fmt.Errorf("tags[%d] exceeds maximum length of %d characters", i, MaxTagLen)
		}
	}
	for id, node := range r.DecisionTree.Nodes {
		if an, ok := node.(ActionNode); ok {
			for j, cmd := range an.Commands {
				if cmd.Command == "" {
					return fmt.Errorf("node %q commands[%d] is empty", id, j)
				}
				if len(cmd.Command) > MaxCommandLen {
					return fmt.Errorf("node %q commands[%d] exceeds maximum length of %d bytes", id, j, MaxCommandLen)
				}
			}
		}
	}
	return nil
}

// AuthTokenRequest is the body of POST /auth/token.
type AuthTokenRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// AuthRefreshRequest is the body of POST /auth/refresh.
type AuthRefreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// AuthTokenResponse carries a freshly issued token pair.
type AuthTokenResponse struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	TokenType    string    `json:"token_type"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// CreateUserRequest is the body of POST /v1/users (admin only).
type CreateUserRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
	Role     Role   `json:"role"`
}

// StartSessionRequest is the body of POST /v1/sessions.
type StartSessionRequest struct {
	RunbookID uuid.UUID `json:"runbook_id"`
}

// SubmitDecisionRequest is the body of POST /v1/sessions/{id}/decision.
type SubmitDecisionRequest struct {
	OptionIndex int `json:"option_index"`
}

// AnnotateSessionRequest is the body of POST /v1/sessions/{id}/annotate.
type AnnotateSessionRequest struct {
	Note string `json:"note"`
}

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// ListResponse is the standard envelope for paginated list endpoints.
type ListResponse struct {
	Data    any          `json:"data"`
	Total   int          `json:"total"`
	HasMore bool         `json:"has_more"`
	Limit   int          `json:"limit"`
	Offset  int          `json:"offset"`
	Meta    ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ErrorDetail carries a machine-readable code and human-readable message.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ResponseMeta is attached to every response for correlation.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// Error codes used in API error responses.
const (
	ErrCodeUnauthorized        = "unauthorized"
	ErrCodeForbidden           = "forbidden"
	ErrCodeNotFound            = "not_found"
	ErrCodeValidation          = "validation_error"
	ErrCodeInvalidChoice       = "invalid_choice"
	ErrCodeSessionTerminated   = "session_terminated"
	ErrCodeConcurrencyConflict = "concurrency_conflict"
	ErrCodeConflict            = "conflict"
	ErrCodeProvisionFailed     = "environment_provision_failed"
	ErrCodeBadRequest          = "bad_request"
	ErrCodeInternal            = "internal_error"
	ErrCodeRateLimited         = "rate_limited"
)
