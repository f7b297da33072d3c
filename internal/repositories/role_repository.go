package repositories

import (
	"context"

	"github.com/asakaida/gatekeeper/internal/entities"
)

// RoleRepository defines the interface for role data access.
// Mutations return the IDs of the users whose effective rules changed.
type RoleRepository interface {
	// Create stores a new role without permissions; an empty ID is generated
	Create(ctx context.Context, role *entities.Role) error

	// Get retrieves a role with its rules in declaration order
	Get(ctx context.Context, roleID string) (*entities.Role, error)

	// Delete removes a role and returns its former members
	Delete(ctx context.Context, roleID string) ([]string, error)

	// SetPermissions replaces the ordered permission list of a role
	// and returns its members
	SetPermissions(ctx context.Context, roleID string, permissionIDs []string) ([]string, error)

	// ListMemberIDs returns the users holding a role
	ListMemberIDs(ctx context.Context, roleID string) ([]string, error)
}
