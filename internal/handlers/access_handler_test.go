package handlers

import (
	"context"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

func TestAccessHandler_Can(t *testing.T) {
	s := newTestServer(t)
	s.mustCall(t, AdminServiceName, "CreateUser", map[string]interface{}{"id": "alice"})
	s.mustCall(t, AdminServiceName, "CreateUser", map[string]interface{}{"id": "bob"})
	s.grantRole(t, "alice", "author",
		map[string]interface{}{"action": "read", "subject": "Article"},
		map[string]interface{}{"action": "update", "subject": "Article", "conditions": map[string]interface{}{"author_id": "${user.id}"}},
		map[string]interface{}{"action": "read", "subject": "Article", "fields": []interface{}{"content"}, "inverted": true, "reason": "content is paid"},
	)

	tests := []struct {
		name       string
		req        map[string]interface{}
		wantAllow  bool
		wantReason string
	}{
		{
			name:      "正常系: granted action",
			req:       map[string]interface{}{"user_id": "alice", "action": "read", "subject": "Article"},
			wantAllow: true,
		},
		{
			name:       "正常系: denied field carries the denial reason",
			req:        map[string]interface{}{"user_id": "alice", "action": "read", "subject": "Article", "field": "content"},
			wantAllow:  false,
			wantReason: "content is paid",
		},
		{
			name: "正常系: condition matches the object",
			req: map[string]interface{}{"user_id": "alice", "action": "update", "subject": "Article",
				"object": map[string]interface{}{"author_id": "alice"}},
			wantAllow: true,
		},
		{
			name: "正常系: condition rejects another author's object",
			req: map[string]interface{}{"user_id": "alice", "action": "update", "subject": "Article",
				"object": map[string]interface{}{"author_id": "carol"}},
			wantAllow: false,
		},
		{
			name:      "正常系: user without roles",
			req:       map[string]interface{}{"user_id": "bob", "action": "read", "subject": "Article"},
			wantAllow: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := s.mustCall(t, AccessServiceName, "Can", tt.req)
			if resp["allowed"] != tt.wantAllow {
				t.Errorf("allowed = %v, want %v", resp["allowed"], tt.wantAllow)
			}
			if resp["reason"] != tt.wantReason {
				t.Errorf("reason = %q, want %q", resp["reason"], tt.wantReason)
			}
		})
	}
}

func TestAccessHandler_Can_Errors(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name string
		req  map[string]interface{}
		code codes.Code
	}{
		{"異常系: missing user_id", map[string]interface{}{"action": "read", "subject": "Article"}, codes.InvalidArgument},
		{"異常系: missing action", map[string]interface{}{"user_id": "alice", "subject": "Article"}, codes.InvalidArgument},
		{"異常系: object is not an object", map[string]interface{}{"user_id": "alice", "action": "read", "subject": "Article", "object": "x"}, codes.InvalidArgument},
		{"異常系: unknown user", map[string]interface{}{"user_id": "ghost", "action": "read", "subject": "Article"}, codes.NotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.call(context.Background(), AccessServiceName, "Can", tt.req)
			if status.Code(err) != tt.code {
				t.Errorf("code = %v, want %v (err: %v)", status.Code(err), tt.code, err)
			}
		})
	}
}

func TestAccessHandler_MutationsAreVisibleImmediately(t *testing.T) {
	s := newTestServer(t)
	s.mustCall(t, AdminServiceName, "CreateUser", map[string]interface{}{"id": "alice"})
	ids := s.grantRole(t, "alice", "reader", map[string]interface{}{"action": "read", "subject": "Article"})

	can := map[string]interface{}{"user_id": "alice", "action": "read", "subject": "Article"}
	if resp := s.mustCall(t, AccessServiceName, "Can", can); resp["allowed"] != true {
		t.Fatalf("expected read to be allowed before the change")
	}

	// Turning the grant into a denial must not be masked by the cached ability
	s.mustCall(t, AdminServiceName, "UpdatePermission", map[string]interface{}{
		"id": ids[0], "action": "read", "subject": "Article", "inverted": true,
	})
	if resp := s.mustCall(t, AccessServiceName, "Can", can); resp["allowed"] != false {
		t.Errorf("expected read to be denied after the update")
	}

	s.mustCall(t, AdminServiceName, "SetAdmin", map[string]interface{}{"user_id": "alice", "is_admin": true})
	if resp := s.mustCall(t, AccessServiceName, "Can", can); resp["allowed"] != true {
		t.Errorf("expected an admin to be allowed")
	}
}

func TestAccessHandler_RulesFor(t *testing.T) {
	s := newTestServer(t)
	s.mustCall(t, AdminServiceName, "CreateUser", map[string]interface{}{"id": "alice"})
	s.grantRole(t, "alice", "editor",
		map[string]interface{}{"action": "read", "subject": "Article", "fields": []interface{}{"title"}},
		map[string]interface{}{"action": "read", "subject": "File"},
		map[string]interface{}{"action": "manage", "subject": "Article", "conditions": map[string]interface{}{"author_id": "${user.id}"}},
	)

	resp := s.mustCall(t, AccessServiceName, "RulesFor", map[string]interface{}{
		"user_id": "alice", "action": "read", "subject": "Article",
	})
	rules, ok := resp["rules"].([]interface{})
	if !ok || len(rules) != 2 {
		t.Fatalf("expected 2 rules, got %v", resp["rules"])
	}

	manage := rules[1].(map[string]interface{})
	conditions := manage["conditions"].(map[string]interface{})
	if conditions["author_id"] != "alice" {
		t.Errorf("expected interpolated condition, got %v", conditions)
	}
}

func TestAccessHandler_Invalidate(t *testing.T) {
	s := newTestServer(t)

	resp := s.mustCall(t, AccessServiceName, "Invalidate", map[string]interface{}{"user_id": "alice"})
	if len(resp) != 0 {
		t.Errorf("expected empty response, got %v", resp)
	}

	_, err := s.call(context.Background(), AccessServiceName, "Invalidate", map[string]interface{}{})
	if status.Code(err) != codes.InvalidArgument {
		t.Errorf("expected InvalidArgument, got %v", err)
	}
}

func TestAccessHandler_Find(t *testing.T) {
	s := newTestServer(t)
	s.mustCall(t, AdminServiceName, "CreateUser", map[string]interface{}{"id": "alice"})
	s.grantRole(t, "alice", "reader",
		map[string]interface{}{"action": "read", "subject": "Article", "fields": []interface{}{"id", "title"},
			"conditions": map[string]interface{}{"status": "published"}},
	)

	s.mock.ExpectQuery(regexp.QuoteMeta(`SELECT COUNT(*) FROM "articles" AS "article" WHERE ("article"."status" = $1)`)).
		WithArgs("published").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(1)))
	s.mock.ExpectQuery(regexp.QuoteMeta(`SELECT "article"."id" AS "article.id", "article"."title" AS "article.title" FROM "articles" AS "article"`)).
		WithArgs("published").
		WillReturnRows(sqlmock.NewRows([]string{"article.id", "article.title"}).AddRow("a1", "Hello"))

	resp, err := s.call(withUser("alice"), AccessServiceName, "Find", map[string]interface{}{
		"subject": "Article",
		"limit":   10,
	})
	if err != nil {
		t.Fatalf("Find failed: %v", err)
	}

	if resp["total"] != float64(1) {
		t.Errorf("total = %v, want 1", resp["total"])
	}
	items := resp["items"].([]interface{})
	if len(items) != 1 {
		t.Fatalf("expected 1 item, got %d", len(items))
	}
	item := items[0].(map[string]interface{})
	if item["title"] != "Hello" {
		t.Errorf("unexpected item %v", item)
	}
	if err := s.mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestAccessHandler_Find_Errors(t *testing.T) {
	s := newTestServer(t)
	s.mustCall(t, AdminServiceName, "CreateUser", map[string]interface{}{"id": "alice"})

	tests := []struct {
		name string
		ctx  context.Context
		req  map[string]interface{}
		code codes.Code
	}{
		{"異常系: missing user metadata", context.Background(), map[string]interface{}{"subject": "Article"}, codes.Unauthenticated},
		{"異常系: unknown subject", withUser("alice"), map[string]interface{}{"subject": "Invoice"}, codes.InvalidArgument},
		{"異常系: negative limit", withUser("alice"), map[string]interface{}{"subject": "Article", "limit": -1}, codes.InvalidArgument},
		{"異常系: unknown relation", withUser("alice"), map[string]interface{}{"subject": "Article", "joins": []interface{}{"editor"}}, codes.InvalidArgument},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.call(tt.ctx, AccessServiceName, "Find", tt.req)
			if status.Code(err) != tt.code {
				t.Errorf("code = %v, want %v (err: %v)", status.Code(err), tt.code, err)
			}
		})
	}
}

func TestFindRequestFromStruct(t *testing.T) {
	req, err := structpb.NewStruct(map[string]interface{}{
		"subject": "File",
		"action":  "read",
		"joins": []interface{}{
			"article",
			map[string]interface{}{"parent": "article", "relation": "author"},
		},
		"fields":   map[string]interface{}{"file": []interface{}{"id", "name"}},
		"where":    map[string]interface{}{"bucket": "public"},
		"order_by": []interface{}{map[string]interface{}{"column": "name", "desc": true}},
		"limit":    20,
		"offset":   40,
	})
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}

	got, err := findRequestFromStruct(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(got.Joins) != 2 || got.Joins[0].Relation != "article" || got.Joins[1].Parent != "article" {
		t.Errorf("unexpected joins %+v", got.Joins)
	}
	if len(got.Fields["file"]) != 2 {
		t.Errorf("unexpected fields %+v", got.Fields)
	}
	if got.Where["bucket"] != "public" {
		t.Errorf("unexpected where %+v", got.Where)
	}
	if len(got.OrderBy) != 1 || !got.OrderBy[0].Desc || got.OrderBy[0].Column != "name" {
		t.Errorf("unexpected order %+v", got.OrderBy)
	}
	if got.Limit != 20 || got.Offset != 40 {
		t.Errorf("unexpected paging %d/%d", got.Limit, got.Offset)
	}
}
