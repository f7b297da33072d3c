package queryfilter

import (
	"context"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/sirupsen/logrus"

	"github.com/asakaida/gatekeeper/internal/entities"
	"github.com/asakaida/gatekeeper/internal/services/authorization"
)

// ErrInvalidQuery is returned when the query handle itself is unusable
var ErrInvalidQuery = errors.New("invalid query")

// Filter outcomes reported to the recorder
const (
	OutcomeApplied = "applied"
	OutcomeDenied  = "denied"
	OutcomeFailed  = "failed"
)

// FilterRecorder receives filter outcomes (implemented by the metrics exporter)
type FilterRecorder interface {
	RecordFilterOutcome(subject, outcome string)
}

// Filter rewrites queries so they only return what a user may see
type Filter struct {
	abilities authorization.AbilityProvider
	logger    logrus.FieldLogger
	recorder  FilterRecorder
}

// Option configures a Filter
type Option func(*Filter)

// WithLogger sets the logger
func WithLogger(logger logrus.FieldLogger) Option {
	return func(f *Filter) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// WithRecorder attaches a metrics recorder
func WithRecorder(recorder FilterRecorder) Option {
	return func(f *Filter) {
		f.recorder = recorder
	}
}

// NewFilter creates a new Filter
func NewFilter(abilities authorization.AbilityProvider, opts ...Option) *Filter {
	f := &Filter{
		abilities: abilities,
		logger:    logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Apply restricts q to the columns and rows userID may access with action.
//
// wanted optionally narrows the selected columns per alias. Primary keys of
// the root and of every join are always selected.
//
// Lack of permission is not an error: q is rewritten to return no rows.
// Only an unusable handle (no root alias or metadata) returns ErrInvalidQuery;
// every other failure is logged and also rewrites q to return no rows.
// Applying the same filter twice yields the same query.
func (f *Filter) Apply(ctx context.Context, q QueryHandle, userID, action string, wanted map[string][]string) (err error) {
	alias := q.RootAlias()
	meta := q.RootMetadata()
	if alias == "" || meta == nil {
		return fmt.Errorf("%w: query has no root alias or metadata", ErrInvalidQuery)
	}

	log := f.logger.WithFields(logrus.Fields{
		"user_id": userID,
		"action":  action,
		"subject": meta.Subject,
	})

	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Error("query filter panicked, denying all rows")
			f.deny(q, alias, meta, OutcomeFailed)
			err = nil
		}
	}()

	ability, err := f.abilities.GetAbility(ctx, userID)
	if err != nil {
		log.WithError(err).Error("failed to resolve ability, denying all rows")
		f.deny(q, alias, meta, OutcomeFailed)
		return nil
	}

	if !hasGrant(ability.RulesFor(action, meta.Subject)) || ability.Cannot(action, meta.Subject) {
		log.Debug("no applicable grant, denying all rows")
		f.deny(q, alias, meta, OutcomeDenied)
		return nil
	}

	if col, hidden := hiddenReference(ability, action, q); hidden {
		log.WithField("column", col.Label()).Debug("query depends on a column outside the permitted fields, denying all rows")
		f.deny(q, alias, meta, OutcomeDenied)
		return nil
	}

	q.ClearSelect()
	q.AddSelect(alias, allowedColumns(ability, action, meta, wanted, alias)...)
	for _, j := range q.Joins() {
		if j.Metadata == nil || j.Alias == "" {
			log.WithField("alias", j.Alias).Error("join without metadata, denying all rows")
			f.deny(q, alias, meta, OutcomeFailed)
			return nil
		}
		q.AddSelect(j.Alias, allowedColumns(ability, action, j.Metadata, wanted, j.Alias)...)
	}

	q.SetPermissionScope(rowScope(alias, meta, ability.RulesFor(action, meta.Subject), log))

	f.record(meta.Subject, OutcomeApplied)
	return nil
}

func (f *Filter) deny(q QueryHandle, alias string, meta *entities.EntityMetadata, outcome string) {
	q.ClearSelect()
	q.AddSelect(alias, meta.PrimaryKey)
	q.SetPermissionScope(denyAll)
	f.record(meta.Subject, outcome)
}

func (f *Filter) record(subject, outcome string) {
	if f.recorder != nil {
		f.recorder.RecordFilterOutcome(subject, outcome)
	}
}

func hasGrant(rules []entities.Rule) bool {
	for i := range rules {
		if !rules[i].Inverted {
			return true
		}
	}
	return false
}

// hiddenReference returns the first column referenced by caller predicates or
// ordering that the user may not read.
func hiddenReference(ability *authorization.Ability, action string, q QueryHandle) (SelectedColumn, bool) {
	refs := q.Referenced()
	if len(refs) == 0 {
		return SelectedColumn{}, false
	}

	subjects := map[string]*entities.EntityMetadata{q.RootAlias(): q.RootMetadata()}
	for _, j := range q.Joins() {
		subjects[j.Alias] = j.Metadata
	}

	for _, ref := range refs {
		meta := subjects[ref.Alias]
		if meta == nil {
			return ref, true
		}
		if ref.Column == meta.PrimaryKey {
			continue
		}
		if !ability.Can(action, meta.Subject, ref.Column) {
			return ref, true
		}
	}
	return SelectedColumn{}, false
}

// allowedColumns returns the permitted columns of meta, narrowed by the wanted
// list of alias when present, with the primary key always included.
// Column order follows the metadata.
func allowedColumns(ability *authorization.Ability, action string, meta *entities.EntityMetadata, wanted map[string][]string, alias string) []string {
	permitted := ability.PermittedFields(action, meta.Subject, meta.Columns)

	var want map[string]bool
	if list, ok := wanted[alias]; ok {
		want = make(map[string]bool, len(list))
		for _, name := range list {
			want[name] = true
		}
	}

	allowed := make(map[string]bool, len(permitted)+1)
	for _, col := range permitted {
		if want == nil || want[col] {
			allowed[col] = true
		}
	}
	allowed[meta.PrimaryKey] = true

	out := make([]string, 0, len(allowed))
	for _, col := range meta.Columns {
		if allowed[col] {
			out = append(out, col)
		}
	}
	return out
}

// rowScope builds the row predicate for the root entity.
//
// Grants are OR-ed; a grant without conditions (or whose conditions all
// vanish) makes the grant side unrestricted. A grant whose conditions cannot
// be translated is skipped. Conditional denials without a field restriction
// are AND-ed as NOT (...); one that cannot be translated denies every row.
func rowScope(alias string, meta *entities.EntityMetadata, rules []entities.Rule, log logrus.FieldLogger) sq.Sqlizer {
	var (
		grants       sq.Or
		unrestricted bool
		usable       bool
		denials      sq.And
	)

	for i := range rules {
		r := &rules[i]

		if r.Inverted {
			if !r.HasConditions() || r.HasFieldRestriction() {
				continue
			}
			pred, err := TranslateConditions(alias, meta, r.Conditions)
			if err != nil {
				log.WithError(err).WithField("rule", r.String()).Warn("untranslatable denial, denying all rows")
				return denyAll
			}
			if pred == nil {
				return denyAll
			}
			denials = append(denials, notExpr{pred: pred})
			continue
		}

		if !r.HasConditions() {
			unrestricted = true
			usable = true
			continue
		}
		pred, err := TranslateConditions(alias, meta, r.Conditions)
		if err != nil {
			log.WithError(err).WithField("rule", r.String()).Warn("skipping untranslatable grant")
			continue
		}
		usable = true
		if pred == nil {
			unrestricted = true
			continue
		}
		grants = append(grants, pred)
	}

	if !usable {
		return denyAll
	}

	var parts sq.And
	if !unrestricted {
		parts = append(parts, grants)
	}
	parts = append(parts, denials...)

	switch len(parts) {
	case 0:
		return nil
	case 1:
		return parts[0]
	default:
		return parts
	}
}
