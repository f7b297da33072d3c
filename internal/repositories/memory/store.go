package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/asakaida/gatekeeper/internal/entities"
	"github.com/asakaida/gatekeeper/internal/repositories"
)

// Store is an in-memory rule store implementing the user, role and permission
// repositories. It is intended for tests and local development wiring.
type Store struct {
	mu sync.RWMutex

	users       map[string]*userRecord
	roles       map[string]*roleRecord
	roleNames   map[string]string
	permissions map[string]entities.Rule
}

type userRecord struct {
	user    entities.User
	roleIDs []string // assignment order
}

type roleRecord struct {
	role          entities.Role
	permissionIDs []string // declaration order
}

// NewStore creates an empty store
func NewStore() *Store {
	return &Store{
		users:       make(map[string]*userRecord),
		roles:       make(map[string]*roleRecord),
		roleNames:   make(map[string]string),
		permissions: make(map[string]entities.Rule),
	}
}

// Users returns the store's UserRepository view
func (s *Store) Users() repositories.UserRepository { return userRepository{s} }

// Roles returns the store's RoleRepository view
func (s *Store) Roles() repositories.RoleRepository { return roleRepository{s} }

// Permissions returns the store's PermissionRepository view
func (s *Store) Permissions() repositories.PermissionRepository { return permissionRepository{s} }

// rulesOf returns a role's rules in declaration order. Caller holds s.mu.
func (s *Store) rulesOf(record *roleRecord) []entities.Rule {
	rules := make([]entities.Rule, 0, len(record.permissionIDs))
	for _, id := range record.permissionIDs {
		if rule, ok := s.permissions[id]; ok {
			rules = append(rules, rule.Clone())
		}
	}
	return rules
}

// membersOf returns the sorted IDs of users holding roleID. Caller holds s.mu.
func (s *Store) membersOf(roleID string) []string {
	members := []string{}
	for id, record := range s.users {
		for _, rid := range record.roleIDs {
			if rid == roleID {
				members = append(members, id)
				break
			}
		}
	}
	sort.Strings(members)
	return members
}

// rolesContaining returns the sorted IDs of roles containing permissionID. Caller holds s.mu.
func (s *Store) rolesContaining(permissionID string) []string {
	roleIDs := []string{}
	for id, record := range s.roles {
		for _, pid := range record.permissionIDs {
			if pid == permissionID {
				roleIDs = append(roleIDs, id)
				break
			}
		}
	}
	sort.Strings(roleIDs)
	return roleIDs
}

// affectedBy returns the sorted members of every role containing permissionID. Caller holds s.mu.
func (s *Store) affectedBy(permissionID string) []string {
	seen := make(map[string]bool)
	affected := []string{}
	for _, roleID := range s.rolesContaining(permissionID) {
		for _, userID := range s.membersOf(roleID) {
			if !seen[userID] {
				seen[userID] = true
				affected = append(affected, userID)
			}
		}
	}
	sort.Strings(affected)
	return affected
}

type userRepository struct{ s *Store }

func (r userRepository) Create(ctx context.Context, user *entities.User) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	if _, ok := r.s.users[user.ID]; ok {
		return fmt.Errorf("user %s: %w", user.ID, repositories.ErrConflict)
	}

	user.CreatedAt = time.Now()
	stored := *user
	stored.Roles = nil
	stored.Attributes = entities.Conditions(user.Attributes).Clone()
	r.s.users[user.ID] = &userRecord{user: stored}
	return nil
}

func (r userRepository) GetWithRoles(ctx context.Context, userID string) (*entities.User, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	record, ok := r.s.users[userID]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", userID, repositories.ErrNotFound)
	}

	user := record.user
	user.Attributes = entities.Conditions(record.user.Attributes).Clone()
	user.Roles = make([]*entities.Role, 0, len(record.roleIDs))
	for _, roleID := range record.roleIDs {
		roleRec, ok := r.s.roles[roleID]
		if !ok {
			continue
		}
		role := roleRec.role
		role.Rules = r.s.rulesOf(roleRec)
		user.Roles = append(user.Roles, &role)
	}
	return &user, nil
}

func (r userRepository) SetAdmin(ctx context.Context, userID string, isAdmin bool) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	record, ok := r.s.users[userID]
	if !ok {
		return fmt.Errorf("user %s: %w", userID, repositories.ErrNotFound)
	}
	record.user.IsAdmin = isAdmin
	return nil
}

func (r userRepository) Delete(ctx context.Context, userID string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, ok := r.s.users[userID]; !ok {
		return fmt.Errorf("user %s: %w", userID, repositories.ErrNotFound)
	}
	delete(r.s.users, userID)
	return nil
}

func (r userRepository) AssignRole(ctx context.Context, userID, roleID string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	record, ok := r.s.users[userID]
	if !ok {
		return fmt.Errorf("user %s: %w", userID, repositories.ErrNotFound)
	}
	if _, ok := r.s.roles[roleID]; !ok {
		return fmt.Errorf("role %s: %w", roleID, repositories.ErrNotFound)
	}
	for _, id := range record.roleIDs {
		if id == roleID {
			return nil
		}
	}
	record.roleIDs = append(record.roleIDs, roleID)
	return nil
}

func (r userRepository) RevokeRole(ctx context.Context, userID, roleID string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	record, ok := r.s.users[userID]
	if !ok {
		return fmt.Errorf("user %s: %w", userID, repositories.ErrNotFound)
	}
	record.roleIDs = without(record.roleIDs, roleID)
	return nil
}

type roleRepository struct{ s *Store }

func (r roleRepository) Create(ctx context.Context, role *entities.Role) error {
	if err := role.Validate(); err != nil {
		return fmt.Errorf("invalid role: %w", err)
	}

	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, ok := r.s.roleNames[role.Name]; ok {
		return fmt.Errorf("role %s: %w", role.Name, repositories.ErrConflict)
	}
	if role.ID == "" {
		role.ID = uuid.NewString()
	}
	if _, ok := r.s.roles[role.ID]; ok {
		return fmt.Errorf("role %s: %w", role.ID, repositories.ErrConflict)
	}

	role.CreatedAt = time.Now()
	stored := *role
	stored.Rules = nil
	r.s.roles[role.ID] = &roleRecord{role: stored}
	r.s.roleNames[role.Name] = role.ID
	return nil
}

func (r roleRepository) Get(ctx context.Context, roleID string) (*entities.Role, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	record, ok := r.s.roles[roleID]
	if !ok {
		return nil, fmt.Errorf("role %s: %w", roleID, repositories.ErrNotFound)
	}
	role := record.role
	role.Rules = r.s.rulesOf(record)
	return &role, nil
}

func (r roleRepository) Delete(ctx context.Context, roleID string) ([]string, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	record, ok := r.s.roles[roleID]
	if !ok {
		return nil, fmt.Errorf("role %s: %w", roleID, repositories.ErrNotFound)
	}

	members := r.s.membersOf(roleID)
	for _, userID := range members {
		u := r.s.users[userID]
		u.roleIDs = without(u.roleIDs, roleID)
	}
	delete(r.s.roleNames, record.role.Name)
	delete(r.s.roles, roleID)
	return members, nil
}

func (r roleRepository) SetPermissions(ctx context.Context, roleID string, permissionIDs []string) ([]string, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	record, ok := r.s.roles[roleID]
	if !ok {
		return nil, fmt.Errorf("role %s: %w", roleID, repositories.ErrNotFound)
	}

	seen := make(map[string]bool, len(permissionIDs))
	for _, id := range permissionIDs {
		if seen[id] {
			return nil, fmt.Errorf("duplicate permission %s", id)
		}
		seen[id] = true
		if _, ok := r.s.permissions[id]; !ok {
			return nil, fmt.Errorf("permission %s: %w", id, repositories.ErrNotFound)
		}
	}

	record.permissionIDs = append([]string(nil), permissionIDs...)
	return r.s.membersOf(roleID), nil
}

func (r roleRepository) ListMemberIDs(ctx context.Context, roleID string) ([]string, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	return r.s.membersOf(roleID), nil
}

type permissionRepository struct{ s *Store }

func (r permissionRepository) Create(ctx context.Context, rule *entities.Rule) error {
	if err := rule.Validate(); err != nil {
		return fmt.Errorf("invalid rule: %w", err)
	}

	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	if _, ok := r.s.permissions[rule.ID]; ok {
		return fmt.Errorf("permission %s: %w", rule.ID, repositories.ErrConflict)
	}
	r.s.permissions[rule.ID] = rule.Clone()
	return nil
}

func (r permissionRepository) Get(ctx context.Context, permissionID string) (*entities.Rule, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	rule, ok := r.s.permissions[permissionID]
	if !ok {
		return nil, fmt.Errorf("permission %s: %w", permissionID, repositories.ErrNotFound)
	}
	clone := rule.Clone()
	return &clone, nil
}

func (r permissionRepository) Update(ctx context.Context, rule *entities.Rule) ([]string, error) {
	if rule.ID == "" {
		return nil, fmt.Errorf("invalid rule: ID is required")
	}
	if err := rule.Validate(); err != nil {
		return nil, fmt.Errorf("invalid rule: %w", err)
	}

	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, ok := r.s.permissions[rule.ID]; !ok {
		return nil, fmt.Errorf("permission %s: %w", rule.ID, repositories.ErrNotFound)
	}
	r.s.permissions[rule.ID] = rule.Clone()
	return r.s.affectedBy(rule.ID), nil
}

func (r permissionRepository) Delete(ctx context.Context, permissionID string) ([]string, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, ok := r.s.permissions[permissionID]; !ok {
		return nil, fmt.Errorf("permission %s: %w", permissionID, repositories.ErrNotFound)
	}

	affected := r.s.affectedBy(permissionID)
	for _, roleID := range r.s.rolesContaining(permissionID) {
		record := r.s.roles[roleID]
		record.permissionIDs = without(record.permissionIDs, permissionID)
	}
	delete(r.s.permissions, permissionID)
	return affected, nil
}

func (r permissionRepository) ListRoleIDs(ctx context.Context, permissionID string) ([]string, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	return r.s.rolesContaining(permissionID), nil
}

func (r permissionRepository) ListAffectedUserIDs(ctx context.Context, permissionID string) ([]string, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	return r.s.affectedBy(permissionID), nil
}

func without(ids []string, id string) []string {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
