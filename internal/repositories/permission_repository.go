package repositories

import (
	"context"

	"github.com/asakaida/gatekeeper/internal/entities"
)

// PermissionRepository defines the interface for permission rule data access.
// Mutations return the IDs of the users whose effective rules changed.
type PermissionRepository interface {
	// Create stores a new rule and sets its ID
	Create(ctx context.Context, rule *entities.Rule) error

	// Get retrieves a rule by ID
	Get(ctx context.Context, permissionID string) (*entities.Rule, error)

	// Update replaces a rule and returns the members of every role containing it
	Update(ctx context.Context, rule *entities.Rule) ([]string, error)

	// Delete removes a rule and returns the members of every role that contained it
	Delete(ctx context.Context, permissionID string) ([]string, error)

	// ListRoleIDs returns the roles containing a rule
	ListRoleIDs(ctx context.Context, permissionID string) ([]string, error)

	// ListAffectedUserIDs returns the members of every role containing a rule
	ListAffectedUserIDs(ctx context.Context, permissionID string) ([]string, error)
}
