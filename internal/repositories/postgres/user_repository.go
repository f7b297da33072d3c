package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/asakaida/gatekeeper/internal/entities"
	"github.com/asakaida/gatekeeper/internal/repositories"
)

// PostgresUserRepository implements UserRepository using PostgreSQL
type PostgresUserRepository struct {
	db *sql.DB
}

// NewPostgresUserRepository creates a new PostgreSQL user repository
func NewPostgresUserRepository(db *sql.DB) repositories.UserRepository {
	return &PostgresUserRepository{db: db}
}

// Create stores a new user
func (r *PostgresUserRepository) Create(ctx context.Context, user *entities.User) error {
	if user.ID == "" {
		user.ID = uuid.NewString()
	}

	attributes := user.Attributes
	if attributes == nil {
		attributes = map[string]interface{}{}
	}
	attrJSON, err := json.Marshal(attributes)
	if err != nil {
		return fmt.Errorf("failed to marshal attributes: %w", err)
	}

	query := `
		INSERT INTO users (id, email, is_admin, attributes, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	now := time.Now()
	if _, err := r.db.ExecContext(ctx, query, user.ID, user.Email, user.IsAdmin, attrJSON, now); err != nil {
		if isPQError(err, uniqueViolation) {
			return fmt.Errorf("user %s: %w", user.ID, repositories.ErrConflict)
		}
		return fmt.Errorf("failed to create user: %w", err)
	}
	user.CreatedAt = now

	return nil
}

// GetWithRoles retrieves a user with roles in assignment order and each
// role's rules in declaration order
func (r *PostgresUserRepository) GetWithRoles(ctx context.Context, userID string) (*entities.User, error) {
	var (
		user     entities.User
		attrJSON []byte
	)
	err := r.db.QueryRowContext(ctx,
		"SELECT id, email, is_admin, attributes, created_at FROM users WHERE id = $1", userID,
	).Scan(&user.ID, &user.Email, &user.IsAdmin, &attrJSON, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("user %s: %w", userID, repositories.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	if len(attrJSON) > 0 {
		if err := json.Unmarshal(attrJSON, &user.Attributes); err != nil {
			return nil, fmt.Errorf("failed to unmarshal attributes: %w", err)
		}
	}

	query := `
		SELECT r.id, r.name, r.description, r.created_at,
			p.id, p.action, p.subject, p.fields, p.conditions, p.inverted, p.reason
		FROM user_roles ur
		JOIN roles r ON r.id = ur.role_id
		LEFT JOIN role_permissions rp ON rp.role_id = r.id
		LEFT JOIN permissions p ON p.id = rp.permission_id
		WHERE ur.user_id = $1
		ORDER BY ur.assigned_at, r.id, rp.position
	`
	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get user roles: %w", err)
	}
	defer rows.Close()

	user.Roles = []*entities.Role{}
	var current *entities.Role
	for rows.Next() {
		var (
			role       entities.Role
			permID     sql.NullString
			action     sql.NullString
			subject    sql.NullString
			fields     pq.StringArray
			conditions []byte
			inverted   sql.NullBool
			reason     sql.NullString
		)
		err := rows.Scan(
			&role.ID, &role.Name, &role.Description, &role.CreatedAt,
			&permID, &action, &subject, &fields, &conditions, &inverted, &reason,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user role: %w", err)
		}

		if current == nil || current.ID != role.ID {
			role.Rules = []entities.Rule{}
			current = &role
			user.Roles = append(user.Roles, current)
		}

		// A role without permissions yields a single row of NULLs
		if !permID.Valid {
			continue
		}
		rule := entities.Rule{
			ID:       permID.String,
			Action:   action.String,
			Subject:  subject.String,
			Fields:   fieldsFromArray(fields),
			Inverted: inverted.Bool,
			Reason:   reason.String,
		}
		if rule.Conditions, err = unmarshalConditions(conditions); err != nil {
			return nil, err
		}
		current.Rules = append(current.Rules, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating user roles: %w", err)
	}

	return &user, nil
}

// SetAdmin changes the administrator flag of a user and notifies it
func (r *PostgresUserRepository) SetAdmin(ctx context.Context, userID string, isAdmin bool) error {
	return r.mutate(ctx, userID, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, "UPDATE users SET is_admin = $2 WHERE id = $1", userID, isAdmin)
		if err != nil {
			return fmt.Errorf("failed to update user: %w", err)
		}
		return expectOneRow(result, fmt.Errorf("user %s: %w", userID, repositories.ErrNotFound))
	})
}

// Delete removes a user and its role assignments
func (r *PostgresUserRepository) Delete(ctx context.Context, userID string) error {
	return r.mutate(ctx, userID, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, "DELETE FROM users WHERE id = $1", userID)
		if err != nil {
			return fmt.Errorf("failed to delete user: %w", err)
		}
		return expectOneRow(result, fmt.Errorf("user %s: %w", userID, repositories.ErrNotFound))
	})
}

// AssignRole adds a role to a user
func (r *PostgresUserRepository) AssignRole(ctx context.Context, userID, roleID string) error {
	return r.mutate(ctx, userID, func(tx *sql.Tx) error {
		query := `
			INSERT INTO user_roles (user_id, role_id, assigned_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (user_id, role_id) DO NOTHING
		`
		if _, err := tx.ExecContext(ctx, query, userID, roleID, time.Now()); err != nil {
			if isPQError(err, foreignKeyViolation) {
				return fmt.Errorf("user %s or role %s: %w", userID, roleID, repositories.ErrNotFound)
			}
			return fmt.Errorf("failed to assign role: %w", err)
		}
		return nil
	})
}

// RevokeRole removes a role from a user
func (r *PostgresUserRepository) RevokeRole(ctx context.Context, userID, roleID string) error {
	return r.mutate(ctx, userID, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM user_roles WHERE user_id = $1 AND role_id = $2", userID, roleID,
		); err != nil {
			return fmt.Errorf("failed to revoke role: %w", err)
		}
		return nil
	})
}

// mutate runs fn in a transaction that also notifies userID's invalidation
func (r *PostgresUserRepository) mutate(ctx context.Context, userID string, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := notifyInvalidated(ctx, tx, []string{userID}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}
