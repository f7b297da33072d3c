package entities

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode"
)

// Reference subjects of the content domain
const (
	SubjectUser       = "User"
	SubjectRole       = "Role"
	SubjectPermission = "Permission"
	SubjectArticle    = "Article"
	SubjectFile       = "File"
)

var identifierPattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// IsValidIdentifier reports whether s may be used as a table, alias or column name
func IsValidIdentifier(s string) bool {
	return identifierPattern.MatchString(s)
}

// Relation describes how a related entity is joined
// Example: Article.author joins users ON users.id = articles.author_id
type Relation struct {
	Name         string // Property name on the owning entity (e.g., "author")
	Target       string // Subject of the related entity (e.g., "User")
	SourceColumn string // Column on the owning entity (e.g., "author_id")
	TargetColumn string // Column on the related entity (e.g., "id")
}

// EntityMetadata is the static description of a subject's storage
type EntityMetadata struct {
	Subject    string      // Subject type used by rules (e.g., "Article")
	Table      string      // Table name (e.g., "articles")
	PrimaryKey string      // Primary key column (e.g., "id")
	Columns    []string    // All selectable columns, primary key included
	Relations  []*Relation // Joinable relations
}

// HasColumn reports whether the entity has the given column
func (e *EntityMetadata) HasColumn(name string) bool {
	for _, c := range e.Columns {
		if c == name {
			return true
		}
	}
	return false
}

// ColumnFor resolves a condition field to a column. Column names resolve to
// themselves; camelCase property names resolve to their snake_case column
// (e.g., "authorId" to "author_id").
func (e *EntityMetadata) ColumnFor(name string) (string, bool) {
	if e.HasColumn(name) {
		return name, true
	}
	if col := snakeCase(name); col != name && e.HasColumn(col) {
		return col, true
	}
	return "", false
}

func snakeCase(s string) string {
	var b strings.Builder
	for i, r := range s {
		if unicode.IsUpper(r) {
			if i > 0 {
				b.WriteByte('_')
			}
			r = unicode.ToLower(r)
		}
		b.WriteRune(r)
	}
	return b.String()
}

// GetRelation returns the relation definition by name
func (e *EntityMetadata) GetRelation(name string) *Relation {
	for _, r := range e.Relations {
		if r.Name == name {
			return r
		}
	}
	return nil
}

// Validate checks the metadata's identifiers and primary key
func (e *EntityMetadata) Validate() error {
	if e.Subject == "" {
		return fmt.Errorf("subject is required")
	}
	if !IsValidIdentifier(e.Table) {
		return fmt.Errorf("entity %s: invalid table name %q", e.Subject, e.Table)
	}
	if !IsValidIdentifier(e.PrimaryKey) {
		return fmt.Errorf("entity %s: invalid primary key %q", e.Subject, e.PrimaryKey)
	}
	if !e.HasColumn(e.PrimaryKey) {
		return fmt.Errorf("entity %s: primary key %s is not a column", e.Subject, e.PrimaryKey)
	}
	for _, c := range e.Columns {
		if !IsValidIdentifier(c) {
			return fmt.Errorf("entity %s: invalid column name %q", e.Subject, c)
		}
	}
	for _, r := range e.Relations {
		if !IsValidIdentifier(r.Name) {
			return fmt.Errorf("entity %s: invalid relation name %q", e.Subject, r.Name)
		}
		if !e.HasColumn(r.SourceColumn) {
			return fmt.Errorf("entity %s: relation %s uses unknown column %s", e.Subject, r.Name, r.SourceColumn)
		}
		if !IsValidIdentifier(r.TargetColumn) {
			return fmt.Errorf("entity %s: relation %s has invalid target column %q", e.Subject, r.Name, r.TargetColumn)
		}
	}
	return nil
}

// Registry maps subjects to their metadata.
// It is populated once at startup and read-only afterwards.
type Registry struct {
	entities map[string]*EntityMetadata
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{entities: make(map[string]*EntityMetadata)}
}

// Register adds entity metadata to the registry
func (r *Registry) Register(meta *EntityMetadata) error {
	if meta == nil {
		return fmt.Errorf("metadata is nil")
	}
	if err := meta.Validate(); err != nil {
		return err
	}
	if _, exists := r.entities[meta.Subject]; exists {
		return fmt.Errorf("subject %s already registered", meta.Subject)
	}
	r.entities[meta.Subject] = meta
	return nil
}

// Get returns the metadata for a subject, or nil
func (r *Registry) Get(subject string) *EntityMetadata {
	return r.entities[subject]
}

// Subjects returns all registered subjects in sorted order
func (r *Registry) Subjects() []string {
	subjects := make([]string, 0, len(r.entities))
	for s := range r.entities {
		subjects = append(subjects, s)
	}
	sort.Strings(subjects)
	return subjects
}

// Validate checks that every relation points at a registered subject
// whose target column exists
func (r *Registry) Validate() error {
	for _, subject := range r.Subjects() {
		meta := r.entities[subject]
		for _, rel := range meta.Relations {
			target := r.entities[rel.Target]
			if target == nil {
				return fmt.Errorf("entity %s: relation %s targets unknown subject %s", subject, rel.Name, rel.Target)
			}
			if !target.HasColumn(rel.TargetColumn) {
				return fmt.Errorf("entity %s: relation %s targets unknown column %s.%s", subject, rel.Name, rel.Target, rel.TargetColumn)
			}
		}
	}
	return nil
}

// DefaultRegistry returns the registry of the reference content domain
func DefaultRegistry() (*Registry, error) {
	registry := NewRegistry()
	defs := []*EntityMetadata{
		{
			Subject:    SubjectUser,
			Table:      "users",
			PrimaryKey: "id",
			Columns:    []string{"id", "email", "is_admin", "created_at"},
		},
		{
			Subject:    SubjectRole,
			Table:      "roles",
			PrimaryKey: "id",
			Columns:    []string{"id", "name", "description", "created_at"},
		},
		{
			Subject:    SubjectPermission,
			Table:      "permissions",
			PrimaryKey: "id",
			Columns:    []string{"id", "action", "subject", "fields", "conditions", "inverted", "reason"},
		},
		{
			Subject:    SubjectArticle,
			Table:      "articles",
			PrimaryKey: "id",
			Columns:    []string{"id", "title", "summary", "content", "status", "author_id", "created_at", "updated_at"},
			Relations: []*Relation{
				{Name: "author", Target: SubjectUser, SourceColumn: "author_id", TargetColumn: "id"},
			},
		},
		{
			Subject:    SubjectFile,
			Table:      "files",
			PrimaryKey: "id",
			Columns:    []string{"id", "name", "bucket", "size", "mime_type", "owner_id", "article_id", "created_at"},
			Relations: []*Relation{
				{Name: "owner", Target: SubjectUser, SourceColumn: "owner_id", TargetColumn: "id"},
				{Name: "article", Target: SubjectArticle, SourceColumn: "article_id", TargetColumn: "id"},
			},
		},
	}

	for _, def := range defs {
		if err := registry.Register(def); err != nil {
			return nil, fmt.Errorf("failed to register %s: %w", def.Subject, err)
		}
	}
	if err := registry.Validate(); err != nil {
		return nil, err
	}
	return registry, nil
}
