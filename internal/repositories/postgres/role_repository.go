package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/asakaida/gatekeeper/internal/entities"
	"github.com/asakaida/gatekeeper/internal/repositories"
)

const roleMembersQuery = "SELECT user_id FROM user_roles WHERE role_id = $1 ORDER BY user_id"

// PostgresRoleRepository implements RoleRepository using PostgreSQL
type PostgresRoleRepository struct {
	db *sql.DB
}

// NewPostgresRoleRepository creates a new PostgreSQL role repository
func NewPostgresRoleRepository(db *sql.DB) repositories.RoleRepository {
	return &PostgresRoleRepository{db: db}
}

// Create stores a new role. Rules are attached separately with SetPermissions.
func (r *PostgresRoleRepository) Create(ctx context.Context, role *entities.Role) error {
	if err := role.Validate(); err != nil {
		return fmt.Errorf("invalid role: %w", err)
	}
	if role.ID == "" {
		role.ID = uuid.NewString()
	}

	query := `
		INSERT INTO roles (id, name, description, created_at)
		VALUES ($1, $2, $3, $4)
	`
	now := time.Now()
	_, err := r.db.ExecContext(ctx, query, role.ID, role.Name, role.Description, now)
	if err != nil {
		if isPQError(err, uniqueViolation) {
			return fmt.Errorf("role %s: %w", role.Name, repositories.ErrConflict)
		}
		return fmt.Errorf("failed to create role: %w", err)
	}
	role.CreatedAt = now

	return nil
}

// Get retrieves a role with its rules in declaration order
func (r *PostgresRoleRepository) Get(ctx context.Context, roleID string) (*entities.Role, error) {
	var role entities.Role
	err := r.db.QueryRowContext(ctx,
		"SELECT id, name, description, created_at FROM roles WHERE id = $1", roleID,
	).Scan(&role.ID, &role.Name, &role.Description, &role.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("role %s: %w", roleID, repositories.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get role: %w", err)
	}

	query := `
		SELECT p.id, p.action, p.subject, p.fields, p.conditions, p.inverted, p.reason
		FROM role_permissions rp
		JOIN permissions p ON p.id = rp.permission_id
		WHERE rp.role_id = $1
		ORDER BY rp.position
	`
	rows, err := r.db.QueryContext(ctx, query, roleID)
	if err != nil {
		return nil, fmt.Errorf("failed to get role permissions: %w", err)
	}
	defer rows.Close()

	role.Rules = []entities.Rule{}
	for rows.Next() {
		var (
			rule       entities.Rule
			fields     pq.StringArray
			conditions []byte
		)
		if err := rows.Scan(&rule.ID, &rule.Action, &rule.Subject, &fields, &conditions, &rule.Inverted, &rule.Reason); err != nil {
			return nil, fmt.Errorf("failed to scan permission: %w", err)
		}
		rule.Fields = fieldsFromArray(fields)
		if rule.Conditions, err = unmarshalConditions(conditions); err != nil {
			return nil, err
		}
		role.Rules = append(role.Rules, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating permissions: %w", err)
	}

	return &role, nil
}

// Delete removes a role and notifies its former members
func (r *PostgresRoleRepository) Delete(ctx context.Context, roleID string) ([]string, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Members must be read before the cascade removes user_roles rows
	members, err := queryStrings(ctx, tx, roleMembersQuery, roleID)
	if err != nil {
		return nil, fmt.Errorf("failed to list role members: %w", err)
	}

	result, err := tx.ExecContext(ctx, "DELETE FROM roles WHERE id = $1", roleID)
	if err != nil {
		return nil, fmt.Errorf("failed to delete role: %w", err)
	}
	if err := expectOneRow(result, fmt.Errorf("role %s: %w", roleID, repositories.ErrNotFound)); err != nil {
		return nil, err
	}

	if err := notifyInvalidated(ctx, tx, members); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return members, nil
}

// SetPermissions replaces the ordered permission list of a role and notifies its members
func (r *PostgresRoleRepository) SetPermissions(ctx context.Context, roleID string, permissionIDs []string) ([]string, error) {
	seen := make(map[string]bool, len(permissionIDs))
	for _, id := range permissionIDs {
		if seen[id] {
			return nil, fmt.Errorf("duplicate permission %s", id)
		}
		seen[id] = true
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var exists bool
	err = tx.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM roles WHERE id = $1)", roleID).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("failed to check role: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("role %s: %w", roleID, repositories.ErrNotFound)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM role_permissions WHERE role_id = $1", roleID); err != nil {
		return nil, fmt.Errorf("failed to clear role permissions: %w", err)
	}

	for position, permissionID := range permissionIDs {
		_, err := tx.ExecContext(ctx,
			"INSERT INTO role_permissions (role_id, permission_id, position) VALUES ($1, $2, $3)",
			roleID, permissionID, position,
		)
		if err != nil {
			if isPQError(err, foreignKeyViolation) {
				return nil, fmt.Errorf("permission %s: %w", permissionID, repositories.ErrNotFound)
			}
			return nil, fmt.Errorf("failed to add role permission: %w", err)
		}
	}

	members, err := queryStrings(ctx, tx, roleMembersQuery, roleID)
	if err != nil {
		return nil, fmt.Errorf("failed to list role members: %w", err)
	}
	if err := notifyInvalidated(ctx, tx, members); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return members, nil
}

// ListMemberIDs returns the users holding a role
func (r *PostgresRoleRepository) ListMemberIDs(ctx context.Context, roleID string) ([]string, error) {
	ids, err := queryStrings(ctx, r.db, roleMembersQuery, roleID)
	if err != nil {
		return nil, fmt.Errorf("failed to list role members: %w", err)
	}
	return ids, nil
}
