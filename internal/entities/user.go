package entities

import (
	"fmt"
	"time"
)

// User represents a principal whose ability is compiled from its roles
type User struct {
	ID         string                 // User ID
	Email      string                 // Optional, available to conditions as ${user.email}
	IsAdmin    bool                   // Short-circuits to "manage all"
	Attributes map[string]interface{} // Extra properties available to conditions as ${user.<name>}
	Roles      []*Role                // Eager-loaded roles in assignment order
	CreatedAt  time.Time
}

// Validate checks if the user is valid
func (u *User) Validate() error {
	if u.ID == "" {
		return fmt.Errorf("user ID is required")
	}
	return nil
}

// Role represents a named collection of permission rules
type Role struct {
	ID          string // Role ID
	Name        string // Role name (e.g., "editor")
	Description string
	Rules       []Rule // Permission rules in declaration order
	CreatedAt   time.Time
}

// Validate checks if the role is valid
func (r *Role) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("role name is required")
	}
	for i := range r.Rules {
		if err := r.Rules[i].Validate(); err != nil {
			return fmt.Errorf("rule %d: %w", i, err)
		}
	}
	return nil
}
