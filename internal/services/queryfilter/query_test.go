package queryfilter

import (
	"errors"
	"reflect"
	"strings"
	"testing"

	sq "github.com/Masterminds/squirrel"

	"github.com/asakaida/gatekeeper/internal/entities"
)

func testRegistry(t *testing.T) *entities.Registry {
	t.Helper()
	registry, err := entities.DefaultRegistry()
	if err != nil {
		t.Fatalf("failed to build registry: %v", err)
	}
	return registry
}

func TestNewQuery(t *testing.T) {
	registry := testRegistry(t)

	tests := []struct {
		name    string
		subject string
		alias   string
		wantErr bool
	}{
		{name: "正常系: article", subject: "Article", alias: "a"},
		{name: "異常系: unknown subject", subject: "Invoice", alias: "i", wantErr: true},
		{name: "異常系: invalid alias", subject: "Article", alias: "a; DROP TABLE users", wantErr: true},
		{name: "異常系: empty alias", subject: "Article", alias: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, err := NewQuery(registry, tt.subject, tt.alias)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				if !errors.Is(err, ErrInvalidQuery) {
					t.Errorf("expected ErrInvalidQuery, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if q.RootAlias() != tt.alias || q.RootMetadata().Subject != tt.subject {
				t.Errorf("unexpected root %s/%s", q.RootAlias(), q.RootMetadata().Subject)
			}
			if len(q.Selected()) != len(q.RootMetadata().Columns) {
				t.Errorf("expected all columns selected, got %d", len(q.Selected()))
			}
		})
	}
}

func TestQuery_ToSQL(t *testing.T) {
	registry := testRegistry(t)
	q, err := NewQuery(registry, "User", "u")
	if err != nil {
		t.Fatalf("NewQuery() error = %v", err)
	}

	sql, args, err := q.ToSQL()
	if err != nil {
		t.Fatalf("ToSQL() error = %v", err)
	}
	expected := `SELECT "u"."id" AS "u.id", "u"."email" AS "u.email", "u"."is_admin" AS "u.is_admin", "u"."created_at" AS "u.created_at" FROM "users" AS "u"`
	if sql != expected {
		t.Errorf("ToSQL() =\n%s\nexpected\n%s", sql, expected)
	}
	if len(args) != 0 {
		t.Errorf("expected no args, got %v", args)
	}
}

func TestQuery_LeftJoin(t *testing.T) {
	registry := testRegistry(t)
	q, _ := NewQuery(registry, "File", "f")

	if err := q.LeftJoin("f", "article", "art"); err != nil {
		t.Fatalf("LeftJoin() error = %v", err)
	}
	if err := q.LeftJoin("art", "author", "author"); err != nil {
		t.Fatalf("nested LeftJoin() error = %v", err)
	}

	joins := q.Joins()
	if len(joins) != 2 {
		t.Fatalf("expected 2 joins, got %d", len(joins))
	}
	if joins[1].ParentAlias != "art" || joins[1].Metadata.Subject != "User" {
		t.Errorf("unexpected nested join %+v", joins[1])
	}

	sql, _, err := q.ToSQL()
	if err != nil {
		t.Fatalf("ToSQL() error = %v", err)
	}
	for _, want := range []string{
		`FROM "files" AS "f"`,
		`LEFT JOIN "articles" AS "art" ON "art"."id" = "f"."article_id"`,
		`LEFT JOIN "users" AS "author" ON "author"."id" = "art"."author_id"`,
		`"author"."email" AS "author.email"`,
	} {
		if !strings.Contains(sql, want) {
			t.Errorf("SQL %q does not contain %q", sql, want)
		}
	}

	errorCases := []struct {
		name                    string
		parent, relation, alias string
	}{
		{"unknown parent", "zzz", "owner", "o"},
		{"unknown relation", "f", "comments", "c"},
		{"duplicate alias", "f", "owner", "art"},
		{"invalid alias", "f", "owner", "o-o"},
	}
	for _, tt := range errorCases {
		t.Run(tt.name, func(t *testing.T) {
			if err := q.LeftJoin(tt.parent, tt.relation, tt.alias); !errors.Is(err, ErrInvalidQuery) {
				t.Errorf("expected ErrInvalidQuery, got %v", err)
			}
		})
	}
}

func TestQuery_SelectManagement(t *testing.T) {
	registry := testRegistry(t)
	q, _ := NewQuery(registry, "Article", "a")

	q.ClearSelect()
	q.AddSelect("a", "title", "id", "title", "nonexistent")
	q.AddSelect("ghost", "id")

	expected := []SelectedColumn{{Alias: "a", Column: "title"}, {Alias: "a", Column: "id"}}
	if got := q.Selected(); !reflect.DeepEqual(got, expected) {
		t.Errorf("Selected() = %v, expected %v", got, expected)
	}

	q.ClearSelect()
	if _, _, err := q.ToSQL(); !errors.Is(err, ErrInvalidQuery) {
		t.Errorf("expected ErrInvalidQuery for empty select, got %v", err)
	}
}

func TestQuery_WhereOrderPaging(t *testing.T) {
	registry := testRegistry(t)
	q, _ := NewQuery(registry, "Article", "a")
	q.ClearSelect()
	q.AddSelect("a", "id")

	if err := q.WhereEq("a", "status", "published"); err != nil {
		t.Fatalf("WhereEq() error = %v", err)
	}
	if err := q.WhereEq("a", "status; --", "x"); !errors.Is(err, ErrInvalidQuery) {
		t.Errorf("expected ErrInvalidQuery for unknown column, got %v", err)
	}
	if err := q.OrderBy("a", "created_at", true); err != nil {
		t.Fatalf("OrderBy() error = %v", err)
	}
	q.SetPermissionScope(sq.Eq{`"a"."author_id"`: "u1"})
	q.Limit(10).Offset(20)

	sql, args, err := q.ToSQL()
	if err != nil {
		t.Fatalf("ToSQL() error = %v", err)
	}
	expected := `SELECT "a"."id" AS "a.id" FROM "articles" AS "a" WHERE "a"."status" = $1 AND "a"."author_id" = $2 ORDER BY "a"."created_at" DESC LIMIT 10 OFFSET 20`
	if sql != expected {
		t.Errorf("ToSQL() =\n%s\nexpected\n%s", sql, expected)
	}
	if !reflect.DeepEqual(args, []interface{}{"published", "u1"}) {
		t.Errorf("unexpected args %v", args)
	}

	countSQL, countArgs, err := q.CountSQL()
	if err != nil {
		t.Fatalf("CountSQL() error = %v", err)
	}
	expectedCount := `SELECT COUNT(*) FROM "articles" AS "a" WHERE "a"."status" = $1 AND "a"."author_id" = $2`
	if countSQL != expectedCount {
		t.Errorf("CountSQL() =\n%s\nexpected\n%s", countSQL, expectedCount)
	}
	if len(countArgs) != 2 {
		t.Errorf("unexpected count args %v", countArgs)
	}
}

func TestQuery_SetPermissionScopeReplaces(t *testing.T) {
	registry := testRegistry(t)
	q, _ := NewQuery(registry, "Article", "a")

	q.SetPermissionScope(denyAll)
	q.SetPermissionScope(sq.Eq{`"a"."status"`: "published"})

	sql, _, _ := q.ToSQL()
	if strings.Contains(sql, "1 = 0") {
		t.Errorf("previous scope leaked into %q", sql)
	}
	if strings.Count(sql, "WHERE") != 1 {
		t.Errorf("expected a single WHERE in %q", sql)
	}
}
