package handlers

import (
	"context"
	"testing"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestAdminHandler_RoleLifecycle(t *testing.T) {
	s := newTestServer(t)

	role := s.mustCall(t, AdminServiceName, "CreateRole", map[string]interface{}{"name": "editor", "description": "edits articles"})
	rule := s.mustCall(t, AdminServiceName, "CreatePermission", map[string]interface{}{
		"action": "update", "subject": "Article", "fields": []interface{}{"title", "summary"},
	})
	if rule["id"] == "" || rule["id"] == nil {
		t.Fatalf("expected a generated permission id, got %v", rule)
	}

	s.mustCall(t, AdminServiceName, "SetRolePermissions", map[string]interface{}{
		"role_id": role["id"], "permission_ids": []interface{}{rule["id"]},
	})

	got := s.mustCall(t, AdminServiceName, "GetRole", map[string]interface{}{"role_id": role["id"]})
	if got["name"] != "editor" || got["description"] != "edits articles" {
		t.Errorf("unexpected role %v", got)
	}
	rules := got["rules"].([]interface{})
	if len(rules) != 1 || rules[0].(map[string]interface{})["id"] != rule["id"] {
		t.Errorf("unexpected rules %v", rules)
	}

	fetched := s.mustCall(t, AdminServiceName, "GetPermission", map[string]interface{}{"permission_id": rule["id"]})
	if len(fetched["fields"].([]interface{})) != 2 {
		t.Errorf("unexpected permission %v", fetched)
	}

	s.mustCall(t, AdminServiceName, "DeletePermission", map[string]interface{}{"permission_id": rule["id"]})
	s.mustCall(t, AdminServiceName, "DeleteRole", map[string]interface{}{"role_id": role["id"]})

	_, err := s.call(context.Background(), AdminServiceName, "GetRole", map[string]interface{}{"role_id": role["id"]})
	if status.Code(err) != codes.NotFound {
		t.Errorf("expected NotFound after delete, got %v", err)
	}
}

func TestAdminHandler_UserLifecycle(t *testing.T) {
	s := newTestServer(t)

	s.mustCall(t, AdminServiceName, "CreateUser", map[string]interface{}{
		"id": "alice", "email": "alice@example.com", "attributes": map[string]interface{}{"team": "news"},
	})
	s.grantRole(t, "alice", "team-reader", map[string]interface{}{
		"action": "read", "subject": "Article", "conditions": map[string]interface{}{"summary": "${user.team}"},
	})

	can := map[string]interface{}{
		"user_id": "alice", "action": "read", "subject": "Article",
		"object": map[string]interface{}{"summary": "news"},
	}
	if resp := s.mustCall(t, AccessServiceName, "Can", can); resp["allowed"] != true {
		t.Errorf("expected attribute condition to match, got %v", resp)
	}

	s.mustCall(t, AdminServiceName, "DeleteUser", map[string]interface{}{"user_id": "alice"})
	_, err := s.call(context.Background(), AccessServiceName, "Can", can)
	if status.Code(err) != codes.NotFound {
		t.Errorf("expected NotFound for a deleted user, got %v", err)
	}
}

func TestAdminHandler_RevokeRole(t *testing.T) {
	s := newTestServer(t)
	s.mustCall(t, AdminServiceName, "CreateUser", map[string]interface{}{"id": "alice"})
	s.grantRole(t, "alice", "reader", map[string]interface{}{"action": "read", "subject": "File"})

	can := map[string]interface{}{"user_id": "alice", "action": "read", "subject": "File"}
	if resp := s.mustCall(t, AccessServiceName, "Can", can); resp["allowed"] != true {
		t.Fatal("expected read to be allowed")
	}

	role := s.mustCall(t, AdminServiceName, "CreateRole", map[string]interface{}{"name": "unused"})
	s.mustCall(t, AdminServiceName, "RevokeRole", map[string]interface{}{"user_id": "alice", "role_id": role["id"]})
	if resp := s.mustCall(t, AccessServiceName, "Can", can); resp["allowed"] != true {
		t.Error("revoking an unrelated role must keep the grant")
	}
}

func TestAdminHandler_Errors(t *testing.T) {
	s := newTestServer(t)
	s.mustCall(t, AdminServiceName, "CreateRole", map[string]interface{}{"name": "editor"})
	s.mustCall(t, AdminServiceName, "CreateUser", map[string]interface{}{"id": "alice"})

	tests := []struct {
		name   string
		method string
		req    map[string]interface{}
		code   codes.Code
	}{
		{"異常系: duplicate role name", "CreateRole", map[string]interface{}{"name": "editor"}, codes.AlreadyExists},
		{"異常系: duplicate user", "CreateUser", map[string]interface{}{"id": "alice"}, codes.AlreadyExists},
		{"異常系: role without name", "CreateRole", map[string]interface{}{}, codes.InvalidArgument},
		{"異常系: user without id", "CreateUser", map[string]interface{}{}, codes.InvalidArgument},
		{"異常系: unknown role", "GetRole", map[string]interface{}{"role_id": "missing"}, codes.NotFound},
		{"異常系: assign unknown role", "AssignRole", map[string]interface{}{"user_id": "alice", "role_id": "missing"}, codes.NotFound},
		{"異常系: rule without action", "CreatePermission", map[string]interface{}{"subject": "Article"}, codes.InvalidArgument},
		{"異常系: rule with unsupported operator", "CreatePermission", map[string]interface{}{
			"action": "read", "subject": "Article",
			"conditions": map[string]interface{}{"title": map[string]interface{}{"$regex": "x"}},
		}, codes.InvalidArgument},
		{"異常系: fields is not a list", "CreatePermission", map[string]interface{}{"action": "read", "subject": "Article", "fields": "title"}, codes.InvalidArgument},
		{"異常系: update without id", "UpdatePermission", map[string]interface{}{"action": "read", "subject": "Article"}, codes.InvalidArgument},
		{"異常系: permission ids contain a number", "SetRolePermissions", map[string]interface{}{"role_id": "r", "permission_ids": []interface{}{1}}, codes.InvalidArgument},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.call(context.Background(), AdminServiceName, tt.method, tt.req)
			if status.Code(err) != tt.code {
				t.Errorf("code = %v, want %v (err: %v)", status.Code(err), tt.code, err)
			}
		})
	}
}
