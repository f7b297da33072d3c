package redaction

import (
	"context"
	"errors"
	"io"
	"reflect"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/asakaida/gatekeeper/internal/entities"
	"github.com/asakaida/gatekeeper/internal/services/authorization"
)

// stubAbilities is a mock implementation of authorization.AbilityProvider
type stubAbilities struct {
	users map[string]*entities.User
	err   error
}

func (s *stubAbilities) GetAbility(ctx context.Context, userID string) (*authorization.Ability, error) {
	if s.err != nil {
		return nil, s.err
	}
	return authorization.NewCompiler(nil).Compile(s.users[userID]), nil
}

func newTestRedactor(t *testing.T, rules ...entities.Rule) (*Redactor, *stubAbilities) {
	t.Helper()
	registry, err := entities.DefaultRegistry()
	if err != nil {
		t.Fatalf("failed to build registry: %v", err)
	}
	abilities := &stubAbilities{users: map[string]*entities.User{
		"u1": {ID: "u1", Roles: []*entities.Role{{Name: "reader", Rules: rules}}},
	}}
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return NewRedactor(abilities, registry, logger), abilities
}

func TestRedactor_Shapes(t *testing.T) {
	redactor, _ := newTestRedactor(t,
		entities.Rule{Action: "read", Subject: "Article", Fields: []string{"id", "title"}},
	)

	tests := []struct {
		name     string
		payload  interface{}
		expected interface{}
	}{
		{
			name:     "single object",
			payload:  map[string]interface{}{"id": "a1", "title": "Hello", "content": "secret"},
			expected: map[string]interface{}{"id": "a1", "title": "Hello"},
		},
		{
			name: "array",
			payload: []interface{}{
				map[string]interface{}{"id": "a1", "content": "x"},
				map[string]interface{}{"id": "a2", "title": "T", "status": "draft"},
			},
			expected: []interface{}{
				map[string]interface{}{"id": "a1"},
				map[string]interface{}{"id": "a2", "title": "T"},
			},
		},
		{
			name: "paginated envelope",
			payload: map[string]interface{}{
				"items": []interface{}{
					map[string]interface{}{"id": "a1", "title": "T", "content": "x"},
				},
				"total": float64(1),
			},
			expected: map[string]interface{}{
				"items": []interface{}{
					map[string]interface{}{"id": "a1", "title": "T"},
				},
				"total": float64(1),
			},
		},
		{
			name:     "scalar is untouched",
			payload:  "just a string",
			expected: "just a string",
		},
		{
			name:     "nil",
			payload:  nil,
			expected: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := redactor.Redact(context.Background(), "u1", "Article", tt.payload)
			if err != nil {
				t.Fatalf("Redact() error = %v", err)
			}
			if !reflect.DeepEqual(got, tt.expected) {
				t.Errorf("Redact() = %#v, expected %#v", got, tt.expected)
			}
		})
	}
}

func TestRedactor_DoesNotMutateInput(t *testing.T) {
	redactor, _ := newTestRedactor(t, entities.Rule{Action: "read", Subject: "Article", Fields: []string{"id"}})

	input := map[string]interface{}{"id": "a1", "content": "x"}
	if _, err := redactor.Redact(context.Background(), "u1", "Article", input); err != nil {
		t.Fatalf("Redact() error = %v", err)
	}
	if _, ok := input["content"]; !ok {
		t.Error("input must not be modified")
	}
}

type articleDTO struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

func TestRedactor_NormalizesStructs(t *testing.T) {
	redactor, _ := newTestRedactor(t,
		entities.Rule{Action: "read", Subject: "Article"},
		entities.Rule{Action: "read", Subject: "Article", Fields: []string{"content"}, Inverted: true},
	)

	got, err := redactor.Redact(context.Background(), "u1", "Article", []articleDTO{
		{ID: "a1", Title: "T", Content: "secret"},
	})
	if err != nil {
		t.Fatalf("Redact() error = %v", err)
	}

	list, ok := got.([]interface{})
	if !ok || len(list) != 1 {
		t.Fatalf("unexpected result %#v", got)
	}
	obj := list[0].(map[string]interface{})
	if _, ok := obj["content"]; ok {
		t.Error("content must be removed")
	}
	if obj["title"] != "T" || obj["id"] != "a1" {
		t.Errorf("unexpected object %v", obj)
	}
	if _, ok := obj["created_at"]; !ok {
		t.Error("created_at must be kept")
	}
}

func TestRedactor_NestedRelations(t *testing.T) {
	author := map[string]interface{}{"id": "u9", "email": "u9@example.com"}

	tests := []struct {
		name     string
		rules    []entities.Rule
		author   interface{}
		expected map[string]interface{}
	}{
		{
			name: "relation outside the permitted fields is removed",
			rules: []entities.Rule{
				{Action: "read", Subject: "Article", Fields: []string{"id", "title"}},
				{Action: "read", Subject: "User"},
			},
			author:   author,
			expected: map[string]interface{}{"id": "a1", "title": "T"},
		},
		{
			name: "permitted relation is redacted as its target subject",
			rules: []entities.Rule{
				{Action: "read", Subject: "Article", Fields: []string{"id", "title", "author"}},
				{Action: "read", Subject: "User", Fields: []string{"id"}},
			},
			author: author,
			expected: map[string]interface{}{
				"id":     "a1",
				"title":  "T",
				"author": map[string]interface{}{"id": "u9"},
			},
		},
		{
			name: "unrestricted parent keeps a nil relation",
			rules: []entities.Rule{
				{Action: "read", Subject: "Article"},
			},
			author:   nil,
			expected: map[string]interface{}{"id": "a1", "title": "T", "author": nil},
		},
		{
			name: "denied relation field is removed",
			rules: []entities.Rule{
				{Action: "read", Subject: "Article"},
				{Action: "read", Subject: "User"},
				{Action: "read", Subject: "Article", Fields: []string{"author"}, Inverted: true},
			},
			author:   author,
			expected: map[string]interface{}{"id": "a1", "title": "T"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			redactor, _ := newTestRedactor(t, tt.rules...)
			got, err := redactor.RedactMap(context.Background(), "u1", "Article", map[string]interface{}{
				"id":     "a1",
				"title":  "T",
				"author": tt.author,
			})
			if err != nil {
				t.Fatalf("RedactMap() error = %v", err)
			}
			if !reflect.DeepEqual(got, tt.expected) {
				t.Errorf("RedactMap() = %v, expected %v", got, tt.expected)
			}
		})
	}
}

func TestRedactor_NoPermissionRemovesEverything(t *testing.T) {
	redactor, _ := newTestRedactor(t)

	got, err := redactor.RedactMap(context.Background(), "u1", "Article", map[string]interface{}{"id": "a1", "title": "T"})
	if err != nil {
		t.Fatalf("RedactMap() error = %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected empty object, got %v", got)
	}
}

func TestRedactor_AbilityError(t *testing.T) {
	redactor, abilities := newTestRedactor(t, entities.Rule{Action: "read", Subject: "Article"})
	abilities.err = errors.New("rule store unavailable")

	if _, err := redactor.Redact(context.Background(), "u1", "Article", map[string]interface{}{"id": "a1"}); err == nil {
		t.Error("expected error")
	}
}
