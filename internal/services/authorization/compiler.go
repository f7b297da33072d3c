package authorization

import (
	"fmt"

	"github.com/asakaida/gatekeeper/internal/entities"
)

// Compiler turns users and raw rule lists into Abilities
type Compiler struct {
	engine *CELEngine
}

// NewCompiler creates a new Compiler.
// engine may be nil, in which case conditional rules never match in CanOn.
func NewCompiler(engine *CELEngine) *Compiler {
	return &Compiler{engine: engine}
}

// AdminRule is the single rule granted to administrators
func AdminRule() entities.Rule {
	return entities.Rule{
		Action:  entities.ActionManage,
		Subject: entities.SubjectAll,
		Reason:  "administrator",
	}
}

// Compile builds the Ability of a user.
// Administrators get a single "manage all" grant. Everyone else gets the rules
// of all their roles in declaration order, with ${user.*} placeholders resolved.
// A user with no roles gets an Ability that grants nothing.
func (c *Compiler) Compile(user *entities.User) *Ability {
	if user == nil {
		return newAbility(nil, c.engine)
	}
	if user.IsAdmin {
		return newAbility([]entities.Rule{AdminRule()}, c.engine)
	}

	var rules []entities.Rule
	for _, role := range user.Roles {
		if role == nil {
			continue
		}
		for i := range role.Rules {
			r := role.Rules[i].Clone()
			r.Conditions = r.Conditions.Interpolate(user)
			rules = append(rules, r)
		}
	}
	return newAbility(rules, c.engine)
}

// FromRules rebuilds an Ability from a raw rule list, typically read back from
// the ability cache. Every rule is validated.
func (c *Compiler) FromRules(rules []entities.Rule) (*Ability, error) {
	for i := range rules {
		if err := rules[i].Validate(); err != nil {
			return nil, fmt.Errorf("rule %d (%s): %w", i, rules[i].String(), err)
		}
	}
	return newAbility(rules, c.engine), nil
}
