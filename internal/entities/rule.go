package entities

import (
	"fmt"
	"strings"
)

// Well-known actions. Any other verb is a custom action.
const (
	ActionCreate      = "create"
	ActionRead        = "read"
	ActionUpdate      = "update"
	ActionDelete      = "delete"
	ActionSuperModify = "super-modify"

	// ActionManage matches every action.
	ActionManage = "manage"
)

// SubjectAll matches every subject.
const SubjectAll = "all"

// FieldWildcard in a rule's field list means "all fields".
const FieldWildcard = "*"

// Rule represents a single grant or denial statement
// Example: {action: read, subject: Article, fields: [title], conditions: {authorId: "${user.id}"}}
type Rule struct {
	ID         string     `json:"id,omitempty"`         // Persisted permission ID (empty for synthetic rules)
	Action     string     `json:"action"`               // Action verb (e.g., "read", "manage")
	Subject    string     `json:"subject"`              // Subject type (e.g., "Article", "all")
	Fields     []string   `json:"fields,omitempty"`     // Field restriction (nil or ["*"] = all fields)
	Conditions Conditions `json:"conditions,omitempty"` // Row-level predicate
	Inverted   bool       `json:"inverted,omitempty"`   // true = "cannot"
	Reason     string     `json:"reason,omitempty"`     // Diagnostic only
}

// Validate checks if the rule is valid
func (r *Rule) Validate() error {
	if strings.TrimSpace(r.Action) == "" {
		return fmt.Errorf("action is required")
	}
	if strings.TrimSpace(r.Subject) == "" {
		return fmt.Errorf("subject is required")
	}
	for i, f := range r.Fields {
		if f == "" {
			return fmt.Errorf("field at index %d is empty", i)
		}
	}
	if len(r.Conditions) > 0 {
		if _, err := r.Conditions.Parse(); err != nil {
			return fmt.Errorf("invalid conditions: %w", err)
		}
	}
	return nil
}

// MatchesAction reports whether the rule applies to the given action
func (r *Rule) MatchesAction(action string) bool {
	return r.Action == action || r.Action == ActionManage
}

// MatchesSubject reports whether the rule applies to the given subject type
func (r *Rule) MatchesSubject(subject string) bool {
	return r.Subject == subject || r.Subject == SubjectAll
}

// HasFieldRestriction reports whether the rule is limited to specific fields
func (r *Rule) HasFieldRestriction() bool {
	if len(r.Fields) == 0 {
		return false
	}
	for _, f := range r.Fields {
		if f == FieldWildcard {
			return false
		}
	}
	return true
}

// CoversField reports whether the rule applies to the given field.
// An empty field means "the subject as a whole".
func (r *Rule) CoversField(field string) bool {
	if !r.HasFieldRestriction() {
		return true
	}
	if field == "" {
		return false
	}
	for _, f := range r.Fields {
		if f == field {
			return true
		}
	}
	return false
}

// HasConditions reports whether the rule carries a row-level predicate
func (r *Rule) HasConditions() bool {
	return len(r.Conditions) > 0
}

// String returns a string representation of the rule
// Format: [not ]action:subject[fields]
func (r *Rule) String() string {
	prefix := ""
	if r.Inverted {
		prefix = "not "
	}
	if r.HasFieldRestriction() {
		return fmt.Sprintf("%s%s:%s[%s]", prefix, r.Action, r.Subject, strings.Join(r.Fields, ","))
	}
	return fmt.Sprintf("%s%s:%s", prefix, r.Action, r.Subject)
}

// Clone returns a deep copy of the rule
func (r *Rule) Clone() Rule {
	c := *r
	if r.Fields != nil {
		c.Fields = append([]string(nil), r.Fields...)
	}
	if r.Conditions != nil {
		c.Conditions = r.Conditions.Clone()
	}
	return c
}
