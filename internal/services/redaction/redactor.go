package redaction

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/asakaida/gatekeeper/internal/entities"
	"github.com/asakaida/gatekeeper/internal/services/authorization"
)

// ItemsKey is the key of the item list in paginated envelopes
const ItemsKey = "items"

// Redactor removes fields a user may not read from materialized payloads.
// It is a second line of defense behind the query filter.
type Redactor struct {
	abilities authorization.AbilityProvider
	registry  *entities.Registry
	logger    logrus.FieldLogger
}

// NewRedactor creates a new Redactor.
// When registry is set, values under relation keys are redacted as objects of
// the relation's target subject.
func NewRedactor(abilities authorization.AbilityProvider, registry *entities.Registry, logger logrus.FieldLogger) *Redactor {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Redactor{abilities: abilities, registry: registry, logger: logger}
}

// Redact returns payload without the keys userID cannot read on subject.
// Objects, arrays and {"items": [...]} envelopes are handled; any other value
// is first normalized through JSON.
func (r *Redactor) Redact(ctx context.Context, userID, subject string, payload interface{}) (interface{}, error) {
	ability, err := r.abilities.GetAbility(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve ability: %w", err)
	}

	normalized, err := normalize(payload)
	if err != nil {
		return nil, err
	}

	removed := 0
	out := r.redactValue(ability, subject, normalized, true, &removed)
	if removed > 0 {
		r.logger.WithFields(logrus.Fields{
			"user_id": userID,
			"subject": subject,
			"removed": removed,
		}).Debug("redacted response fields")
	}
	return out, nil
}

// RedactMap is Redact for a single object
func (r *Redactor) RedactMap(ctx context.Context, userID, subject string, object map[string]interface{}) (map[string]interface{}, error) {
	out, err := r.Redact(ctx, userID, subject, object)
	if err != nil {
		return nil, err
	}
	m, _ := out.(map[string]interface{})
	return m, nil
}

func (r *Redactor) redactValue(ability *authorization.Ability, subject string, value interface{}, top bool, removed *int) interface{} {
	switch v := value.(type) {
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			out[i] = r.redactValue(ability, subject, item, false, removed)
		}
		return out
	case map[string]interface{}:
		if items, ok := v[ItemsKey].([]interface{}); ok && top {
			out := make(map[string]interface{}, len(v))
			for k, val := range v {
				out[k] = val
			}
			out[ItemsKey] = r.redactValue(ability, subject, items, false, removed)
			return out
		}
		return r.redactObject(ability, subject, v, removed)
	default:
		return v
	}
}

func (r *Redactor) redactObject(ability *authorization.Ability, subject string, object map[string]interface{}, removed *int) map[string]interface{} {
	var meta *entities.EntityMetadata
	if r.registry != nil {
		meta = r.registry.Get(subject)
	}

	out := make(map[string]interface{}, len(object))
	for key, val := range object {
		// A relation key is a field of the parent first
		if ability.Cannot(entities.ActionRead, subject, key) {
			*removed++
			continue
		}
		if meta != nil {
			if rel := meta.GetRelation(key); rel != nil {
				if nested, ok := val.(map[string]interface{}); ok {
					out[key] = r.redactObject(ability, rel.Target, nested, removed)
					continue
				}
			}
		}
		out[key] = val
	}
	return out
}

// normalize converts payload into plain maps and slices
func normalize(payload interface{}) (interface{}, error) {
	switch payload.(type) {
	case nil, map[string]interface{}, []interface{}:
		return payload, nil
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to normalize payload: %w", err)
	}
	var out interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to normalize payload: %w", err)
	}
	return out, nil
}
