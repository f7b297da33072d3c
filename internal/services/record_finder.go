package services

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/asakaida/gatekeeper/internal/entities"
	"github.com/asakaida/gatekeeper/internal/services/queryfilter"
)

// Paging limits for Find
const (
	DefaultFindLimit = 50
	MaxFindLimit     = 1000
)

// JoinSpec requests a relation to be joined. The relation name is used as alias
// and as the key of the nested object in each item.
type JoinSpec struct {
	Parent   string // alias of the parent entity; empty means the root
	Relation string
}

// OrderSpec orders the result by a column of an alias
type OrderSpec struct {
	Alias  string // empty means the root
	Column string
	Desc   bool
}

// FindRequest describes a permission-filtered read
type FindRequest struct {
	UserID  string
	Subject string
	Action  string                 // defaults to "read"
	Joins   []JoinSpec             // in join order; a parent must be joined before its children
	Fields  map[string][]string    // requested columns per alias; absent alias means all permitted
	Where   map[string]interface{} // equality predicates on root columns
	OrderBy []OrderSpec            // defaults to the root primary key
	Limit   uint64                 // defaults to DefaultFindLimit
	Offset  uint64
}

// FindResult is a page of records
type FindResult struct {
	Items []map[string]interface{}
	Total int64
}

// Envelope returns the result in the paginated {"items", "total"} shape
func (r *FindResult) Envelope() map[string]interface{} {
	items := make([]interface{}, len(r.Items))
	for i, item := range r.Items {
		items[i] = item
	}
	return map[string]interface{}{"items": items, "total": r.Total}
}

// RecordFinderInterface defines the interface for permission-filtered reads
type RecordFinderInterface interface {
	Find(ctx context.Context, req *FindRequest) (*FindResult, error)
}

// RecordFinder runs permission-filtered queries against the registered tables
type RecordFinder struct {
	db       *sql.DB
	registry *entities.Registry
	filter   *queryfilter.Filter
}

// NewRecordFinder creates a new RecordFinder
func NewRecordFinder(db *sql.DB, registry *entities.Registry, filter *queryfilter.Filter) *RecordFinder {
	return &RecordFinder{db: db, registry: registry, filter: filter}
}

// RootAlias returns the alias the root entity of subject is queried under
func RootAlias(subject string) string {
	return strings.ToLower(subject)
}

// Find builds the query described by req, restricts it to what the user may
// see and returns the matching page. Rows the user may not see are simply absent.
func (f *RecordFinder) Find(ctx context.Context, req *FindRequest) (*FindResult, error) {
	if req == nil || req.UserID == "" {
		return nil, fmt.Errorf("%w: user ID is required", ErrInvalidArgument)
	}
	action := req.Action
	if action == "" {
		action = entities.ActionRead
	}

	q, err := f.buildQuery(req)
	if err != nil {
		return nil, err
	}

	if err := f.filter.Apply(ctx, q, req.UserID, action, req.Fields); err != nil {
		return nil, err
	}

	var total int64
	countSQL, countArgs, err := q.CountSQL()
	if err != nil {
		return nil, fmt.Errorf("failed to build count query: %w", err)
	}
	if err := f.db.QueryRowContext(ctx, countSQL, countArgs...).Scan(&total); err != nil {
		return nil, fmt.Errorf("failed to count records: %w", err)
	}

	selectSQL, args, err := q.ToSQL()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}
	rows, err := f.db.QueryContext(ctx, selectSQL, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	items, err := scanItems(rows, q)
	if err != nil {
		return nil, err
	}

	return &FindResult{Items: items, Total: total}, nil
}

func (f *RecordFinder) buildQuery(req *FindRequest) (*queryfilter.Query, error) {
	root := RootAlias(req.Subject)
	q, err := queryfilter.NewQuery(f.registry, req.Subject, root)
	if err != nil {
		return nil, err
	}

	for _, j := range req.Joins {
		parent := j.Parent
		if parent == "" {
			parent = root
		}
		if err := q.LeftJoin(parent, j.Relation, j.Relation); err != nil {
			return nil, err
		}
	}

	columns := make([]string, 0, len(req.Where))
	for column := range req.Where {
		columns = append(columns, column)
	}
	sort.Strings(columns)
	for _, column := range columns {
		if err := q.WhereEq(root, column, req.Where[column]); err != nil {
			return nil, err
		}
	}

	orderBy := req.OrderBy
	if len(orderBy) == 0 {
		orderBy = []OrderSpec{{Alias: root, Column: q.RootMetadata().PrimaryKey}}
	}
	for _, o := range orderBy {
		alias := o.Alias
		if alias == "" {
			alias = root
		}
		if err := q.OrderBy(alias, o.Column, o.Desc); err != nil {
			return nil, err
		}
	}

	limit := req.Limit
	if limit == 0 {
		limit = DefaultFindLimit
	}
	if limit > MaxFindLimit {
		limit = MaxFindLimit
	}
	q.Limit(limit)
	if req.Offset > 0 {
		q.Offset(req.Offset)
	}

	return q, nil
}

// scanItems reads rows into nested objects: root columns at the top level and
// each join under its alias inside its parent. A join that matched no row is nil.
func scanItems(rows *sql.Rows, q *queryfilter.Query) ([]map[string]interface{}, error) {
	selected := q.Selected()
	parents := make(map[string]string)
	for _, j := range q.Joins() {
		parents[j.Alias] = j.ParentAlias
	}

	items := []map[string]interface{}{}
	for rows.Next() {
		values := make([]interface{}, len(selected))
		dest := make([]interface{}, len(selected))
		for i := range values {
			dest[i] = &values[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}

		objects := map[string]map[string]interface{}{q.RootAlias(): {}}
		matched := map[string]bool{}
		for i, col := range selected {
			obj, ok := objects[col.Alias]
			if !ok {
				obj = map[string]interface{}{}
				objects[col.Alias] = obj
			}
			v := normalizeValue(values[i])
			if v != nil {
				matched[col.Alias] = true
			}
			obj[col.Column] = v
		}

		// Attach children in join order so parents exist before their children
		for _, j := range q.Joins() {
			parent, ok := objects[parents[j.Alias]]
			if !ok || parent == nil {
				continue
			}
			if !matched[j.Alias] {
				parent[j.Alias] = nil
				objects[j.Alias] = nil
				continue
			}
			parent[j.Alias] = objects[j.Alias]
		}

		items = append(items, objects[q.RootAlias()])
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating records: %w", err)
	}

	return items, nil
}

// normalizeValue converts driver values into JSON/structpb friendly ones
func normalizeValue(v interface{}) interface{} {
	switch val := v.(type) {
	case []byte:
		return string(val)
	case time.Time:
		return val.UTC().Format(time.RFC3339Nano)
	default:
		return val
	}
}
