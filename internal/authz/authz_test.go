package authz_test

import (
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/decisionfirst/runbookd/internal/auth"
	"github.com/decisionfirst/runbookd/internal/authz"
	"github.com/decisionfirst/runbookd/internal/model"
)

func claimsFor(userID uuid.UUID, role model.Role) *auth.Claims {
	return &auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: userID.String()},
		Username:         "test-user",
		Role:             role,
	}
}

func TestRoleTiers(t *testing.T) {
	id := uuid.New()

	viewer := claimsFor(id, model.RoleViewer)
	editor := claimsFor(id, model.RoleEditor)
	admin := claimsFor(id, model.RoleAdmin)

	assert.False(t, authz.CanAuthorRunbooks(viewer))
	assert.True(t, authz.CanAuthorRunbooks(editor))
	assert.True(t, authz.CanAuthorRunbooks(admin))

	assert.False(t, authz.CanExecuteRunbooks(viewer))
	assert.True(t, authz.CanExecuteRunbooks(editor))
	assert.True(t, authz.CanExecuteRunbooks(admin))

	assert.False(t, authz.CanManageUsers(viewer))
	assert.False(t, authz.CanManageUsers(editor))
	assert.True(t, authz.CanManageUsers(admin))
}

func TestCanControlSession(t *testing.T) {
	owner := uuid.New()
	other := uuid.New()
	session := model.Session{ID: uuid.New(), UserID: owner, Status: model.SessionActive}

	t.Run("owner controls own session", func(t *testing.T) {
		assert.True(t, authz.CanControlSession(claimsFor(owner, model.RoleEditor), session))
	})

	t.Run("other editor cannot control it", func(t *testing.T) {
		assert.False(t, authz.CanControlSession(claimsFor(other, model.RoleEditor), session))
	})

	t.Run("admin can take over any session", func(t *testing.T) {
		assert.True(t, authz.CanControlSession(claimsFor(other, model.RoleAdmin), session))
	})

	t.Run("viewer cannot control even an owned session", func(t *testing.T) {
		assert.False(t, authz.CanControlSession(claimsFor(owner, model.RoleViewer), session))
	})
}

func TestCallerID(t *testing.T) {
	id := uuid.New()
	assert.Equal(t, id, authz.CallerID(claimsFor(id, model.RoleEditor)))

	malformed := &auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "not-a-uuid"},
		Username:         "forged",
		Role:             model.RoleAdmin,
	}
	assert.Equal(t, uuid.Nil, authz.CallerID(malformed))
}
