package memory

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/asakaida/gatekeeper/internal/entities"
	"github.com/asakaida/gatekeeper/internal/repositories"
)

type fixture struct {
	store  *Store
	editor *entities.Role
	read   *entities.Rule
	deny   *entities.Rule
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	s := NewStore()

	f := &fixture{
		store:  s,
		editor: &entities.Role{Name: "editor"},
		read:   &entities.Rule{Action: "read", Subject: "Article"},
		deny:   &entities.Rule{Action: "read", Subject: "Article", Fields: []string{"content"}, Inverted: true},
	}
	for _, r := range []*entities.Rule{f.read, f.deny} {
		if err := s.Permissions().Create(ctx, r); err != nil {
			t.Fatalf("Create permission failed: %v", err)
		}
	}
	if err := s.Roles().Create(ctx, f.editor); err != nil {
		t.Fatalf("Create role failed: %v", err)
	}
	if _, err := s.Roles().SetPermissions(ctx, f.editor.ID, []string{f.deny.ID, f.read.ID}); err != nil {
		t.Fatalf("SetPermissions failed: %v", err)
	}
	for _, id := range []string{"bob", "alice"} {
		if err := s.Users().Create(ctx, &entities.User{ID: id}); err != nil {
			t.Fatalf("Create user failed: %v", err)
		}
		if err := s.Users().AssignRole(ctx, id, f.editor.ID); err != nil {
			t.Fatalf("AssignRole failed: %v", err)
		}
	}
	return f
}

func TestStore_GetWithRoles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	user, err := f.store.Users().GetWithRoles(ctx, "alice")
	if err != nil {
		t.Fatalf("GetWithRoles failed: %v", err)
	}
	if len(user.Roles) != 1 {
		t.Fatalf("expected 1 role, got %d", len(user.Roles))
	}
	rules := user.Roles[0].Rules
	if len(rules) != 2 || rules[0].ID != f.deny.ID || rules[1].ID != f.read.ID {
		t.Errorf("rules not in declaration order: %+v", rules)
	}

	// Returned rules are copies
	rules[0].Fields[0] = "mutated"
	again, _ := f.store.Users().GetWithRoles(ctx, "alice")
	if again.Roles[0].Rules[0].Fields[0] != "content" {
		t.Error("store must not share rule slices with callers")
	}

	if _, err := f.store.Users().GetWithRoles(ctx, "missing"); !errors.Is(err, repositories.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestStore_AffectedUsers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name string
		run  func() ([]string, error)
		want []string
	}{
		{
			name: "role members are sorted",
			run:  func() ([]string, error) { return f.store.Roles().ListMemberIDs(ctx, f.editor.ID) },
			want: []string{"alice", "bob"},
		},
		{
			name: "permission reaches members of containing roles",
			run:  func() ([]string, error) { return f.store.Permissions().ListAffectedUserIDs(ctx, f.read.ID) },
			want: []string{"alice", "bob"},
		},
		{
			name: "roles containing a permission",
			run:  func() ([]string, error) { return f.store.Permissions().ListRoleIDs(ctx, f.read.ID) },
			want: []string{f.editor.ID},
		},
		{
			name: "update returns affected users",
			run: func() ([]string, error) {
				updated := &entities.Rule{ID: f.read.ID, Action: "read", Subject: "Article", Fields: []string{"title"}}
				return f.store.Permissions().Update(ctx, updated)
			},
			want: []string{"alice", "bob"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.run()
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestStore_DeletePermission(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	affected, err := f.store.Permissions().Delete(ctx, f.deny.ID)
	if err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if !reflect.DeepEqual(affected, []string{"alice", "bob"}) {
		t.Errorf("unexpected affected users %v", affected)
	}

	role, err := f.store.Roles().Get(ctx, f.editor.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if len(role.Rules) != 1 || role.Rules[0].ID != f.read.ID {
		t.Errorf("permission must be removed from role: %+v", role.Rules)
	}
}

func TestStore_DeleteRole(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	members, err := f.store.Roles().Delete(ctx, f.editor.ID)
	if err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if !reflect.DeepEqual(members, []string{"alice", "bob"}) {
		t.Errorf("unexpected members %v", members)
	}

	user, _ := f.store.Users().GetWithRoles(ctx, "bob")
	if len(user.Roles) != 0 {
		t.Errorf("role must be unassigned, got %+v", user.Roles)
	}

	// The name becomes available again
	if err := f.store.Roles().Create(ctx, &entities.Role{Name: "editor"}); err != nil {
		t.Errorf("expected name to be reusable, got %v", err)
	}
}

func TestStore_Errors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name string
		err  error
		want error
	}{
		{
			name: "duplicate role name",
			err:  f.store.Roles().Create(ctx, &entities.Role{Name: "editor"}),
			want: repositories.ErrConflict,
		},
		{
			name: "duplicate user",
			err:  f.store.Users().Create(ctx, &entities.User{ID: "alice"}),
			want: repositories.ErrConflict,
		},
		{
			name: "assign unknown role",
			err:  f.store.Users().AssignRole(ctx, "alice", "missing"),
			want: repositories.ErrNotFound,
		},
		{
			name: "set admin on unknown user",
			err:  f.store.Users().SetAdmin(ctx, "missing", true),
			want: repositories.ErrNotFound,
		},
		{
			name: "delete unknown permission",
			err: func() error {
				_, err := f.store.Permissions().Delete(ctx, "missing")
				return err
			}(),
			want: repositories.ErrNotFound,
		},
		{
			name: "set unknown permission",
			err: func() error {
				_, err := f.store.Roles().SetPermissions(ctx, f.editor.ID, []string{"missing"})
				return err
			}(),
			want: repositories.ErrNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !errors.Is(tt.err, tt.want) {
				t.Errorf("got %v, want %v", tt.err, tt.want)
			}
		})
	}
}

func TestStore_AssignRoleIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.store.Users().AssignRole(ctx, "alice", f.editor.ID); err != nil {
		t.Fatalf("AssignRole failed: %v", err)
	}
	user, _ := f.store.Users().GetWithRoles(ctx, "alice")
	if len(user.Roles) != 1 {
		t.Errorf("expected a single assignment, got %d", len(user.Roles))
	}

	if err := f.store.Users().RevokeRole(ctx, "alice", f.editor.ID); err != nil {
		t.Fatalf("RevokeRole failed: %v", err)
	}
	user, _ = f.store.Users().GetWithRoles(ctx, "alice")
	if len(user.Roles) != 0 {
		t.Errorf("expected no roles after revoke, got %d", len(user.Roles))
	}
}
