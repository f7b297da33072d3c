package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/asakaida/gatekeeper/internal/entities"
	"github.com/asakaida/gatekeeper/internal/repositories"
)

const permissionColumns = "id, action, subject, fields, conditions, inverted, reason"

const affectedUsersQuery = `
	SELECT DISTINCT ur.user_id
	FROM user_roles ur
	JOIN role_permissions rp ON rp.role_id = ur.role_id
	WHERE rp.permission_id = $1
	ORDER BY ur.user_id
`

// PostgresPermissionRepository implements PermissionRepository using PostgreSQL
type PostgresPermissionRepository struct {
	db *sql.DB
}

// NewPostgresPermissionRepository creates a new PostgreSQL permission repository
func NewPostgresPermissionRepository(db *sql.DB) repositories.PermissionRepository {
	return &PostgresPermissionRepository{db: db}
}

// Create stores a new permission rule
func (r *PostgresPermissionRepository) Create(ctx context.Context, rule *entities.Rule) error {
	if err := rule.Validate(); err != nil {
		return fmt.Errorf("invalid rule: %w", err)
	}
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}

	conditions, err := marshalConditions(rule.Conditions)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO permissions (id, action, subject, fields, conditions, inverted, reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err = r.db.ExecContext(ctx, query,
		rule.ID, rule.Action, rule.Subject, pq.Array(rule.Fields), conditions, rule.Inverted, rule.Reason,
	)
	if err != nil {
		if isPQError(err, uniqueViolation) {
			return fmt.Errorf("permission %s: %w", rule.ID, repositories.ErrConflict)
		}
		return fmt.Errorf("failed to create permission: %w", err)
	}

	return nil
}

// Get retrieves a permission rule by ID
func (r *PostgresPermissionRepository) Get(ctx context.Context, permissionID string) (*entities.Rule, error) {
	query := "SELECT " + permissionColumns + " FROM permissions WHERE id = $1"

	var (
		rule       entities.Rule
		fields     pq.StringArray
		conditions []byte
	)
	err := r.db.QueryRowContext(ctx, query, permissionID).Scan(
		&rule.ID, &rule.Action, &rule.Subject, &fields, &conditions, &rule.Inverted, &rule.Reason,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("permission %s: %w", permissionID, repositories.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get permission: %w", err)
	}

	rule.Fields = fieldsFromArray(fields)
	if rule.Conditions, err = unmarshalConditions(conditions); err != nil {
		return nil, err
	}

	return &rule, nil
}

// Update replaces a permission rule and notifies the affected users
func (r *PostgresPermissionRepository) Update(ctx context.Context, rule *entities.Rule) ([]string, error) {
	if rule.ID == "" {
		return nil, fmt.Errorf("invalid rule: ID is required")
	}
	if err := rule.Validate(); err != nil {
		return nil, fmt.Errorf("invalid rule: %w", err)
	}

	conditions, err := marshalConditions(rule.Conditions)
	if err != nil {
		return nil, err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
		UPDATE permissions
		SET action = $2, subject = $3, fields = $4, conditions = $5, inverted = $6, reason = $7, updated_at = NOW()
		WHERE id = $1
	`
	result, err := tx.ExecContext(ctx, query,
		rule.ID, rule.Action, rule.Subject, pq.Array(rule.Fields), conditions, rule.Inverted, rule.Reason,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update permission: %w", err)
	}
	if err := expectOneRow(result, fmt.Errorf("permission %s: %w", rule.ID, repositories.ErrNotFound)); err != nil {
		return nil, err
	}

	affected, err := queryStrings(ctx, tx, affectedUsersQuery, rule.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list affected users: %w", err)
	}
	if err := notifyInvalidated(ctx, tx, affected); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return affected, nil
}

// Delete removes a permission rule from every role and notifies the affected users
func (r *PostgresPermissionRepository) Delete(ctx context.Context, permissionID string) ([]string, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Members must be read before the cascade removes role_permissions rows
	affected, err := queryStrings(ctx, tx, affectedUsersQuery, permissionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list affected users: %w", err)
	}

	result, err := tx.ExecContext(ctx, "DELETE FROM permissions WHERE id = $1", permissionID)
	if err != nil {
		return nil, fmt.Errorf("failed to delete permission: %w", err)
	}
	if err := expectOneRow(result, fmt.Errorf("permission %s: %w", permissionID, repositories.ErrNotFound)); err != nil {
		return nil, err
	}

	if err := notifyInvalidated(ctx, tx, affected); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return affected, nil
}

// ListRoleIDs returns the roles containing a permission rule
func (r *PostgresPermissionRepository) ListRoleIDs(ctx context.Context, permissionID string) ([]string, error) {
	ids, err := queryStrings(ctx, r.db,
		"SELECT role_id FROM role_permissions WHERE permission_id = $1 ORDER BY role_id", permissionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list roles: %w", err)
	}
	return ids, nil
}

// ListAffectedUserIDs returns the members of every role containing a permission rule
func (r *PostgresPermissionRepository) ListAffectedUserIDs(ctx context.Context, permissionID string) ([]string, error) {
	ids, err := queryStrings(ctx, r.db, affectedUsersQuery, permissionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list affected users: %w", err)
	}
	return ids, nil
}

func marshalConditions(conditions entities.Conditions) (interface{}, error) {
	if len(conditions) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(conditions)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal conditions: %w", err)
	}
	return data, nil
}

func unmarshalConditions(data []byte) (entities.Conditions, error) {
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}
	var conditions entities.Conditions
	if err := json.Unmarshal(data, &conditions); err != nil {
		return nil, fmt.Errorf("failed to unmarshal conditions: %w", err)
	}
	return conditions, nil
}

func fieldsFromArray(fields pq.StringArray) []string {
	if len(fields) == 0 {
		return nil
	}
	return []string(fields)
}
