package queryfilter

import (
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"github.com/asakaida/gatekeeper/internal/entities"
)

// JoinAttribute describes one joined entity of a query
type JoinAttribute struct {
	Alias       string                   // Alias of the joined table (e.g., "author")
	ParentAlias string                   // Alias the join hangs off (root or another join)
	Relation    *entities.Relation       // Relation followed from the parent
	Metadata    *entities.EntityMetadata // Metadata of the joined entity
}

// QueryHandle is the surface the Filter needs from a data query
type QueryHandle interface {
	RootAlias() string
	RootMetadata() *entities.EntityMetadata
	Joins() []JoinAttribute
	ClearSelect()
	AddSelect(alias string, columns ...string)
	// Referenced returns the columns caller predicates and ordering depend on
	Referenced() []SelectedColumn
	// SetPermissionScope replaces any previously set permission predicate
	SetPermissionScope(pred sq.Sqlizer)
}

// SelectedColumn is one column of the result set
type SelectedColumn struct {
	Alias  string
	Column string
}

// Label returns the result column label ("alias.column")
func (c SelectedColumn) Label() string {
	return c.Alias + "." + c.Column
}

type orderTerm struct {
	column string
	desc   bool
}

// Query is a composable SELECT over a registered subject and its relations.
// Every identifier it renders is validated against the registry; values are
// always bound as $n parameters.
type Query struct {
	registry *entities.Registry
	root     *entities.EntityMetadata
	alias    string
	aliases  map[string]*entities.EntityMetadata
	joins    []JoinAttribute
	selects  []SelectedColumn
	refs     []SelectedColumn
	where    []sq.Sqlizer
	scope    sq.Sqlizer
	orderBy  []orderTerm
	limit    *uint64
	offset   *uint64
}

// NewQuery creates a query over subject, selecting all of its columns
func NewQuery(registry *entities.Registry, subject, alias string) (*Query, error) {
	meta := registry.Get(subject)
	if meta == nil {
		return nil, fmt.Errorf("%w: unknown subject %q", ErrInvalidQuery, subject)
	}
	if !entities.IsValidIdentifier(alias) {
		return nil, fmt.Errorf("%w: invalid alias %q", ErrInvalidQuery, alias)
	}

	q := &Query{
		registry: registry,
		root:     meta,
		alias:    alias,
		aliases:  map[string]*entities.EntityMetadata{alias: meta},
	}
	q.AddSelect(alias, meta.Columns...)
	return q, nil
}

// LeftJoin joins relation of parentAlias under alias, selecting all of its columns
func (q *Query) LeftJoin(parentAlias, relation, alias string) error {
	parent, ok := q.aliases[parentAlias]
	if !ok {
		return fmt.Errorf("%w: unknown parent alias %q", ErrInvalidQuery, parentAlias)
	}
	if !entities.IsValidIdentifier(alias) {
		return fmt.Errorf("%w: invalid alias %q", ErrInvalidQuery, alias)
	}
	if _, exists := q.aliases[alias]; exists {
		return fmt.Errorf("%w: alias %q already in use", ErrInvalidQuery, alias)
	}
	rel := parent.GetRelation(relation)
	if rel == nil {
		return fmt.Errorf("%w: %s has no relation %q", ErrInvalidQuery, parent.Subject, relation)
	}
	target := q.registry.Get(rel.Target)
	if target == nil {
		return fmt.Errorf("%w: relation %s targets unknown subject %q", ErrInvalidQuery, relation, rel.Target)
	}

	q.aliases[alias] = target
	q.joins = append(q.joins, JoinAttribute{
		Alias:       alias,
		ParentAlias: parentAlias,
		Relation:    rel,
		Metadata:    target,
	})
	q.AddSelect(alias, target.Columns...)
	return nil
}

// RootAlias returns the alias of the root entity
func (q *Query) RootAlias() string {
	return q.alias
}

// RootMetadata returns the metadata of the root entity
func (q *Query) RootMetadata() *entities.EntityMetadata {
	return q.root
}

// Joins returns the joined entities in join order
func (q *Query) Joins() []JoinAttribute {
	return append([]JoinAttribute(nil), q.joins...)
}

// ClearSelect removes every selected column
func (q *Query) ClearSelect() {
	q.selects = nil
}

// AddSelect selects columns of alias. Unknown aliases or columns and
// duplicates are ignored.
func (q *Query) AddSelect(alias string, columns ...string) {
	meta, ok := q.aliases[alias]
	if !ok {
		return
	}
	for _, col := range columns {
		if !meta.HasColumn(col) || q.isSelected(alias, col) {
			continue
		}
		q.selects = append(q.selects, SelectedColumn{Alias: alias, Column: col})
	}
}

func (q *Query) isSelected(alias, column string) bool {
	for _, s := range q.selects {
		if s.Alias == alias && s.Column == column {
			return true
		}
	}
	return false
}

// Selected returns the selected columns in result order
func (q *Query) Selected() []SelectedColumn {
	return append([]SelectedColumn(nil), q.selects...)
}

// SetPermissionScope replaces the permission predicate
func (q *Query) SetPermissionScope(pred sq.Sqlizer) {
	q.scope = pred
}

// Referenced returns the columns used by WhereEq and OrderBy
func (q *Query) Referenced() []SelectedColumn {
	return append([]SelectedColumn(nil), q.refs...)
}

// Where adds a caller predicate. Predicates are combined with AND.
// Columns inside pred are not tracked by Referenced.
func (q *Query) Where(pred sq.Sqlizer) *Query {
	q.where = append(q.where, pred)
	return q
}

// WhereEq adds an equality predicate on a known column of alias
func (q *Query) WhereEq(alias, column string, value interface{}) error {
	col, err := q.column(alias, column)
	if err != nil {
		return err
	}
	q.where = append(q.where, sq.Eq{col: value})
	q.refs = append(q.refs, SelectedColumn{Alias: alias, Column: column})
	return nil
}

// OrderBy appends an ORDER BY term on a known column of alias
func (q *Query) OrderBy(alias, column string, desc bool) error {
	col, err := q.column(alias, column)
	if err != nil {
		return err
	}
	q.orderBy = append(q.orderBy, orderTerm{column: col, desc: desc})
	q.refs = append(q.refs, SelectedColumn{Alias: alias, Column: column})
	return nil
}

// Limit sets the LIMIT
func (q *Query) Limit(n uint64) *Query {
	q.limit = &n
	return q
}

// Offset sets the OFFSET
func (q *Query) Offset(n uint64) *Query {
	q.offset = &n
	return q
}

// Column returns the quoted, validated reference to alias.column
func (q *Query) column(alias, column string) (string, error) {
	meta, ok := q.aliases[alias]
	if !ok {
		return "", fmt.Errorf("%w: unknown alias %q", ErrInvalidQuery, alias)
	}
	if !meta.HasColumn(column) {
		return "", fmt.Errorf("%w: %s has no column %q", ErrInvalidQuery, meta.Subject, column)
	}
	return QuoteColumn(alias, column), nil
}

// ToSQL renders the SELECT statement
func (q *Query) ToSQL() (string, []interface{}, error) {
	if len(q.selects) == 0 {
		return "", nil, fmt.Errorf("%w: no columns selected", ErrInvalidQuery)
	}

	columns := make([]string, len(q.selects))
	for i, s := range q.selects {
		columns[i] = fmt.Sprintf("%s AS %s", QuoteColumn(s.Alias, s.Column), quoteIdent(s.Label()))
	}

	builder := q.base(sq.StatementBuilder.PlaceholderFormat(sq.Dollar).Select(columns...))
	for _, o := range q.orderBy {
		if o.desc {
			builder = builder.OrderBy(o.column + " DESC")
		} else {
			builder = builder.OrderBy(o.column + " ASC")
		}
	}
	if q.limit != nil {
		builder = builder.Limit(*q.limit)
	}
	if q.offset != nil {
		builder = builder.Offset(*q.offset)
	}
	return builder.ToSql()
}

// CountSQL renders a COUNT(*) over the same rows, ignoring ordering and paging
func (q *Query) CountSQL() (string, []interface{}, error) {
	return q.base(sq.StatementBuilder.PlaceholderFormat(sq.Dollar).Select("COUNT(*)")).ToSql()
}

func (q *Query) base(builder sq.SelectBuilder) sq.SelectBuilder {
	builder = builder.From(fmt.Sprintf("%s AS %s", quoteIdent(q.root.Table), quoteIdent(q.alias)))
	for _, j := range q.joins {
		builder = builder.LeftJoin(fmt.Sprintf("%s AS %s ON %s = %s",
			quoteIdent(j.Metadata.Table),
			quoteIdent(j.Alias),
			QuoteColumn(j.Alias, j.Relation.TargetColumn),
			QuoteColumn(j.ParentAlias, j.Relation.SourceColumn),
		))
	}
	for _, w := range q.where {
		builder = builder.Where(w)
	}
	if q.scope != nil {
		builder = builder.Where(q.scope)
	}
	return builder
}

// QuoteColumn renders "alias"."column". Callers must pass validated identifiers.
func QuoteColumn(alias, column string) string {
	return quoteIdent(alias) + "." + quoteIdent(column)
}

func quoteIdent(s string) string {
	return `"` + s + `"`
}
