package repositories

import (
	"context"

	"github.com/asakaida/gatekeeper/internal/entities"
)

// UserRepository defines the interface for user data access
type UserRepository interface {
	// Create stores a new user; an empty ID is generated
	Create(ctx context.Context, user *entities.User) error

	// GetWithRoles retrieves a user with its roles and their rules eager-loaded,
	// roles in assignment order and rules in declaration order
	GetWithRoles(ctx context.Context, userID string) (*entities.User, error)

	// SetAdmin changes the administrator flag of a user
	SetAdmin(ctx context.Context, userID string, isAdmin bool) error

	// Delete removes a user and its role assignments
	Delete(ctx context.Context, userID string) error

	// AssignRole adds a role to a user (no-op when already assigned)
	AssignRole(ctx context.Context, userID, roleID string) error

	// RevokeRole removes a role from a user
	RevokeRole(ctx context.Context, userID, roleID string) error
}
