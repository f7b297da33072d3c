package authorization

import (
	"github.com/asakaida/gatekeeper/internal/entities"
)

// Ability is the compiled rule set of one user.
// It is immutable after construction and safe for concurrent use.
type Ability struct {
	rules  []entities.Rule
	engine *CELEngine
}

// newAbility copies the given rules into a new Ability.
func newAbility(rules []entities.Rule, engine *CELEngine) *Ability {
	copied := make([]entities.Rule, len(rules))
	for i := range rules {
		copied[i] = rules[i].Clone()
	}
	return &Ability{rules: copied, engine: engine}
}

// Rules returns a copy of the raw rules in declaration order.
// This is the representation stored in the ability cache.
func (a *Ability) Rules() []entities.Rule {
	out := make([]entities.Rule, len(a.rules))
	for i := range a.rules {
		out[i] = a.rules[i].Clone()
	}
	return out
}

// RulesFor returns all rules whose action matches action (or manage) and whose
// subject matches subject (or all), in declaration order.
func (a *Ability) RulesFor(action, subject string) []entities.Rule {
	var out []entities.Rule
	for i := range a.rules {
		r := &a.rules[i]
		if r.MatchesAction(action) && r.MatchesSubject(subject) {
			out = append(out, r.Clone())
		}
	}
	return out
}

// Can reports whether action is allowed on subject, optionally narrowed to one field.
//
// Denials win over grants regardless of declaration order. A denial only vetoes
// at type level when it carries no conditions; conditional denials are applied
// per row by the query filter and by CanOn.
//
// Without a field, any matching grant counts (a field-restricted grant still
// gives access to part of the subject), and only denials without a field
// restriction veto.
func (a *Ability) Can(action, subject string, field ...string) bool {
	r := a.RelevantRuleFor(action, subject, fieldArg(field))
	return r != nil && !r.Inverted
}

// Cannot is the negation of Can.
func (a *Ability) Cannot(action, subject string, field ...string) bool {
	return !a.Can(action, subject, field...)
}

// RelevantRuleFor returns the rule that decides Can for the given arguments:
// the first vetoing denial if one exists, otherwise the first covering grant.
// Returns nil when nothing applies.
func (a *Ability) RelevantRuleFor(action, subject, field string) *entities.Rule {
	var grant *entities.Rule
	for i := range a.rules {
		r := &a.rules[i]
		if !r.MatchesAction(action) || !r.MatchesSubject(subject) {
			continue
		}
		if r.Inverted {
			if !r.HasConditions() && r.CoversField(field) {
				c := r.Clone()
				return &c
			}
			continue
		}
		if grant == nil && (field == "" || r.CoversField(field)) {
			grant = r
		}
	}
	if grant == nil {
		return nil
	}
	c := grant.Clone()
	return &c
}

// PermittedFields returns the subset of columns for which action is allowed,
// preserving the order of columns.
func (a *Ability) PermittedFields(action, subject string, columns []string) []string {
	out := make([]string, 0, len(columns))
	for _, col := range columns {
		if a.Can(action, subject, col) {
			out = append(out, col)
		}
	}
	return out
}

// CanOn reports whether action is allowed on a concrete object of subject,
// evaluating rule conditions against the object's attributes.
// Conditions that cannot be evaluated never grant and always deny.
func (a *Ability) CanOn(action, subject string, object map[string]interface{}, field ...string) bool {
	f := fieldArg(field)
	granted := false
	for i := range a.rules {
		r := &a.rules[i]
		if !r.MatchesAction(action) || !r.MatchesSubject(subject) {
			continue
		}
		if r.Inverted {
			if !r.CoversField(f) {
				continue
			}
			if matched, err := a.matches(r, object); err != nil || matched {
				return false
			}
			continue
		}
		if granted || (f != "" && !r.CoversField(f)) {
			continue
		}
		if matched, err := a.matches(r, object); err == nil && matched {
			granted = true
		}
	}
	return granted
}

func (a *Ability) matches(r *entities.Rule, object map[string]interface{}) (bool, error) {
	if !r.HasConditions() {
		return true, nil
	}
	if a.engine == nil {
		return false, errNoEngine
	}
	return a.engine.MatchConditions(r.Conditions, object)
}

func fieldArg(field []string) string {
	if len(field) == 0 {
		return ""
	}
	return field[0]
}
