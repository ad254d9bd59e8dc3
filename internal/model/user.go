package model

import (
	"time"

	"github.com/google/uuid"
)

// Role is a user's permission tier.
type Role string

const (
	RoleViewer Role = "viewer"
	RoleEditor Role = "editor"
	RoleAdmin  Role = "admin"
)

// roleRank orders roles for RoleAtLeast comparisons.
var roleRank = map[Role]int{
	RoleViewer: 0,
	RoleEditor: 1,
	RoleAdmin:  2,
}

// ValidRole reports whether r is a known role.
func ValidRole(r Role) bool {
	_, ok := roleRank[r]
	return ok
}

// RoleAtLeast reports whether have grants at least the permissions of want.
func RoleAtLeast(have, want Role) bool {
	return roleRank[have] >= roleRank[want]
}

// User is an operator account. Viewers observe sessions; editors and
// admins author and execute runbooks.
type User struct {
	ID           uuid.UUID  `json:"id"`
	Username     string     `json:"username"`
	Email        string     `json:"email"`
	PasswordHash string     `json:"-"`
	Role         Role       `json:"role"`
	IsActive     bool       `json:"is_active"`
	LastLogin    *time.Time `json:"last_login,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}
