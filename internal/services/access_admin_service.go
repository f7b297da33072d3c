package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/asakaida/gatekeeper/internal/entities"
	"github.com/asakaida/gatekeeper/internal/repositories"
	"github.com/asakaida/gatekeeper/internal/services/authorization"
)

// ErrInvalidArgument is returned for requests that fail validation
var ErrInvalidArgument = errors.New("invalid argument")

// AccessAdminServiceInterface defines the interface for rule store administration
type AccessAdminServiceInterface interface {
	CreateUser(ctx context.Context, user *entities.User) error
	SetAdmin(ctx context.Context, userID string, isAdmin bool) error
	DeleteUser(ctx context.Context, userID string) error
	AssignRole(ctx context.Context, userID, roleID string) error
	RevokeRole(ctx context.Context, userID, roleID string) error
	CreateRole(ctx context.Context, role *entities.Role) error
	GetRole(ctx context.Context, roleID string) (*entities.Role, error)
	DeleteRole(ctx context.Context, roleID string) error
	SetRolePermissions(ctx context.Context, roleID string, permissionIDs []string) error
	CreatePermission(ctx context.Context, rule *entities.Rule) error
	GetPermission(ctx context.Context, permissionID string) (*entities.Rule, error)
	UpdatePermission(ctx context.Context, rule *entities.Rule) error
	DeletePermission(ctx context.Context, permissionID string) error
}

// AccessAdminService mutates the rule store and drops the cached abilities of
// every affected user before returning
type AccessAdminService struct {
	users       repositories.UserRepository
	roles       repositories.RoleRepository
	permissions repositories.PermissionRepository
	invalidator authorization.Invalidator
	logger      logrus.FieldLogger
}

// NewAccessAdminService creates a new AccessAdminService
func NewAccessAdminService(
	users repositories.UserRepository,
	roles repositories.RoleRepository,
	permissions repositories.PermissionRepository,
	invalidator authorization.Invalidator,
	logger logrus.FieldLogger,
) *AccessAdminService {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &AccessAdminService{
		users:       users,
		roles:       roles,
		permissions: permissions,
		invalidator: invalidator,
		logger:      logger,
	}
}

// CreateUser stores a new user. A new user has no cached ability.
func (s *AccessAdminService) CreateUser(ctx context.Context, user *entities.User) error {
	if user == nil {
		return fmt.Errorf("%w: user is required", ErrInvalidArgument)
	}
	if err := s.users.Create(ctx, user); err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

// SetAdmin changes the administrator flag of a user
func (s *AccessAdminService) SetAdmin(ctx context.Context, userID string, isAdmin bool) error {
	if userID == "" {
		return fmt.Errorf("%w: user ID is required", ErrInvalidArgument)
	}
	if err := s.users.SetAdmin(ctx, userID, isAdmin); err != nil {
		return fmt.Errorf("failed to set admin flag: %w", err)
	}
	return s.invalidate(ctx, "set_admin", userID)
}

// DeleteUser removes a user
func (s *AccessAdminService) DeleteUser(ctx context.Context, userID string) error {
	if userID == "" {
		return fmt.Errorf("%w: user ID is required", ErrInvalidArgument)
	}
	if err := s.users.Delete(ctx, userID); err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}
	return s.invalidate(ctx, "delete_user", userID)
}

// AssignRole grants a role to a user
func (s *AccessAdminService) AssignRole(ctx context.Context, userID, roleID string) error {
	if userID == "" || roleID == "" {
		return fmt.Errorf("%w: user ID and role ID are required", ErrInvalidArgument)
	}
	if err := s.users.AssignRole(ctx, userID, roleID); err != nil {
		return fmt.Errorf("failed to assign role: %w", err)
	}
	return s.invalidate(ctx, "assign_role", userID)
}

// RevokeRole removes a role from a user
func (s *AccessAdminService) RevokeRole(ctx context.Context, userID, roleID string) error {
	if userID == "" || roleID == "" {
		return fmt.Errorf("%w: user ID and role ID are required", ErrInvalidArgument)
	}
	if err := s.users.RevokeRole(ctx, userID, roleID); err != nil {
		return fmt.Errorf("failed to revoke role: %w", err)
	}
	return s.invalidate(ctx, "revoke_role", userID)
}

// CreateRole stores a new, empty role
func (s *AccessAdminService) CreateRole(ctx context.Context, role *entities.Role) error {
	if role == nil {
		return fmt.Errorf("%w: role is required", ErrInvalidArgument)
	}
	if err := role.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	if err := s.roles.Create(ctx, role); err != nil {
		return fmt.Errorf("failed to create role: %w", err)
	}
	return nil
}

// GetRole retrieves a role with its rules
func (s *AccessAdminService) GetRole(ctx context.Context, roleID string) (*entities.Role, error) {
	if roleID == "" {
		return nil, fmt.Errorf("%w: role ID is required", ErrInvalidArgument)
	}
	role, err := s.roles.Get(ctx, roleID)
	if err != nil {
		return nil, fmt.Errorf("failed to get role: %w", err)
	}
	return role, nil
}

// DeleteRole removes a role; its former members are invalidated
func (s *AccessAdminService) DeleteRole(ctx context.Context, roleID string) error {
	if roleID == "" {
		return fmt.Errorf("%w: role ID is required", ErrInvalidArgument)
	}
	members, err := s.roles.Delete(ctx, roleID)
	if err != nil {
		return fmt.Errorf("failed to delete role: %w", err)
	}
	return s.invalidate(ctx, "delete_role", members...)
}

// SetRolePermissions replaces the ordered rule list of a role
func (s *AccessAdminService) SetRolePermissions(ctx context.Context, roleID string, permissionIDs []string) error {
	if roleID == "" {
		return fmt.Errorf("%w: role ID is required", ErrInvalidArgument)
	}
	members, err := s.roles.SetPermissions(ctx, roleID, permissionIDs)
	if err != nil {
		return fmt.Errorf("failed to set role permissions: %w", err)
	}
	return s.invalidate(ctx, "set_role_permissions", members...)
}

// CreatePermission stores a new rule. It belongs to no role yet.
func (s *AccessAdminService) CreatePermission(ctx context.Context, rule *entities.Rule) error {
	if rule == nil {
		return fmt.Errorf("%w: rule is required", ErrInvalidArgument)
	}
	if err := rule.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	if err := s.permissions.Create(ctx, rule); err != nil {
		return fmt.Errorf("failed to create permission: %w", err)
	}
	return nil
}

// GetPermission retrieves a rule
func (s *AccessAdminService) GetPermission(ctx context.Context, permissionID string) (*entities.Rule, error) {
	if permissionID == "" {
		return nil, fmt.Errorf("%w: permission ID is required", ErrInvalidArgument)
	}
	rule, err := s.permissions.Get(ctx, permissionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get permission: %w", err)
	}
	return rule, nil
}

// UpdatePermission replaces a rule; members of every role containing it are invalidated
func (s *AccessAdminService) UpdatePermission(ctx context.Context, rule *entities.Rule) error {
	if rule == nil || rule.ID == "" {
		return fmt.Errorf("%w: permission ID is required", ErrInvalidArgument)
	}
	if err := rule.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	affected, err := s.permissions.Update(ctx, rule)
	if err != nil {
		return fmt.Errorf("failed to update permission: %w", err)
	}
	return s.invalidate(ctx, "update_permission", affected...)
}

// DeletePermission removes a rule; members of every role that contained it are invalidated
func (s *AccessAdminService) DeletePermission(ctx context.Context, permissionID string) error {
	if permissionID == "" {
		return fmt.Errorf("%w: permission ID is required", ErrInvalidArgument)
	}
	affected, err := s.permissions.Delete(ctx, permissionID)
	if err != nil {
		return fmt.Errorf("failed to delete permission: %w", err)
	}
	return s.invalidate(ctx, "delete_permission", affected...)
}

// invalidate drops the cached abilities of userIDs. The mutation is already
// committed, so a failure is reported but not rolled back.
func (s *AccessAdminService) invalidate(ctx context.Context, mutation string, userIDs ...string) error {
	if len(userIDs) == 0 {
		return nil
	}
	log := s.logger.WithFields(logrus.Fields{"mutation": mutation, "users": len(userIDs)})
	if err := s.invalidator.InvalidateMany(ctx, userIDs); err != nil {
		log.WithError(err).Error("ability invalidation failed after rule store change")
		return fmt.Errorf("rule store updated but cache invalidation failed: %w", err)
	}
	log.Debug("invalidated abilities")
	return nil
}
