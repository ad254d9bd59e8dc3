// Package authz centralizes authorization rules.
//
// This package exists to share access-control logic between the HTTP server
// and the MCP server without creating a circular dependency (both import this
// package; neither imports the other).
//
// The rules are role-tier based: viewers observe runbooks, sessions, and
// timelines; editors additionally author runbooks and run sessions; admins
// additionally manage users. Control over a live session (decide, execute,
// pause, resume, abort) belongs to the operator who started it, or an admin.
package authz

import (
	"log/slog"

	"github.com/google/uuid"

	"github.com/decisionfirst/runbookd/internal/auth"
	"github.com/decisionfirst/runbookd/internal/model"
)

// CanAuthorRunbooks reports whether the caller may create, update, or
// delete runbooks.
func CanAuthorRunbooks(claims *auth.Claims) bool {
	return model.RoleAtLeast(claims.Role, model.RoleEditor)
}

// CanExecuteRunbooks reports whether the caller may start sessions.
func CanExecuteRunbooks(claims *auth.Claims) bool {
	return model.RoleAtLeast(claims.Role, model.RoleEditor)
}

// CanManageUsers reports whether the caller may create or modify accounts.
func CanManageUsers(claims *auth.Claims) bool {
	return model.RoleAtLeast(claims.Role, model.RoleAdmin)
}

// CanControlSession reports whether the caller may drive the given
// session. Admins may take over any session, which matters when the
// operator who started one goes off shift mid-incident.
func CanControlSession(claims *auth.Claims, s model.Session) bool {
	if model.RoleAtLeast(claims.Role, model.RoleAdmin) {
		return true
	}
	if !model.RoleAtLeast(claims.Role, model.RoleEditor) {
		return false
	}
	return CallerID(claims) == s.UserID
}

// CallerID extracts the caller's user id from validated claims. The
// subject was verified to be a UUID at token validation; a failure here
// means a forged or corrupted token and resolves to the nil UUID, which
// matches no user.
func CallerID(claims *auth.Claims) uuid.UUID {
	id, err := uuid.Parse(claims.Subject)
	if err != nil {
		slog.Warn("authz: malformed JWT subject",
			"error", err,
			"username", claims.Username,
			"role", claims.Role)
		return uuid.Nil
	}
	return id
}
