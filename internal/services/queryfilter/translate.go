package queryfilter

import (
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"github.com/asakaida/gatekeeper/internal/entities"
)

// denyAll is the unsatisfiable predicate used for empty results
var denyAll = sq.Expr("1 = 0")

// notExpr negates a predicate
type notExpr struct {
	pred sq.Sqlizer
}

func (n notExpr) ToSql() (string, []interface{}, error) {
	sql, args, err := n.pred.ToSql()
	if err != nil {
		return "", nil, err
	}
	return "NOT (" + sql + ")", args, nil
}

// TranslateConditions turns rule conditions into a predicate on alias.
// Clauses within one rule are combined with AND. An empty $in contributes no
// clause; a rule left without clauses matches every row and yields nil.
// Every field must be a valid identifier naming a column of meta, either
// directly or as its camelCase property.
func TranslateConditions(alias string, meta *entities.EntityMetadata, conditions entities.Conditions) (sq.Sqlizer, error) {
	parsed, err := conditions.Parse()
	if err != nil {
		return nil, err
	}

	clauses := make(sq.And, 0, len(parsed))
	for _, c := range parsed {
		if !entities.IsValidIdentifier(c.Field) {
			return nil, fmt.Errorf("invalid condition field %q", c.Field)
		}
		column, ok := meta.ColumnFor(c.Field)
		if !ok {
			return nil, fmt.Errorf("%s has no column or property %q", meta.Subject, c.Field)
		}
		col := QuoteColumn(alias, column)

		switch c.Operator {
		case entities.OpEq:
			clauses = append(clauses, sq.Eq{col: c.Value})
		case entities.OpNe:
			clauses = append(clauses, sq.NotEq{col: c.Value})
		case entities.OpGt:
			clauses = append(clauses, sq.Gt{col: c.Value})
		case entities.OpGte:
			clauses = append(clauses, sq.GtOrEq{col: c.Value})
		case entities.OpLt:
			clauses = append(clauses, sq.Lt{col: c.Value})
		case entities.OpLte:
			clauses = append(clauses, sq.LtOrEq{col: c.Value})
		case entities.OpIn:
			list, _ := c.Value.([]interface{})
			if len(list) == 0 {
				continue
			}
			clauses = append(clauses, sq.Eq{col: list})
		default:
			return nil, fmt.Errorf("unsupported operator %s", c.Operator)
		}
	}

	switch len(clauses) {
	case 0:
		return nil, nil
	case 1:
		return clauses[0], nil
	default:
		return clauses, nil
	}
}
