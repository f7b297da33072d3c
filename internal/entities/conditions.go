package entities

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
)

// Operator is a comparison operator inside a condition object
type Operator string

const (
	OpEq  Operator = "$eq"
	OpNe  Operator = "$ne"
	OpGt  Operator = "$gt"
	OpGte Operator = "$gte"
	OpLt  Operator = "$lt"
	OpLte Operator = "$lte"
	OpIn  Operator = "$in"
)

var knownOperators = map[Operator]bool{
	OpEq: true, OpNe: true, OpGt: true, OpGte: true, OpLt: true, OpLte: true, OpIn: true,
}

// Conditions is a row-level predicate attached to a rule.
// Keys are field names; values are literals or operator objects:
//
//	{"status": "published"}
//	{"status": {"$in": ["a", "b"]}, "views": {"$gte": 10}}
type Conditions map[string]interface{}

// Condition is one parsed (field, operator, value) triple.
// Value is []interface{} for OpIn and a scalar (possibly nil) otherwise.
type Condition struct {
	Field    string
	Operator Operator
	Value    interface{}
}

// Parse flattens the conditions into a deterministic list of triples,
// ordered by field name and then operator.
func (c Conditions) Parse() ([]Condition, error) {
	fields := make([]string, 0, len(c))
	for field := range c {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	result := make([]Condition, 0, len(c))
	for _, field := range fields {
		if strings.TrimSpace(field) == "" {
			return nil, fmt.Errorf("condition field name is empty")
		}
		value := c[field]

		if ops, ok := value.(map[string]interface{}); ok {
			parsed, err := parseOperatorObject(field, ops)
			if err != nil {
				return nil, err
			}
			result = append(result, parsed...)
			continue
		}

		if list, ok := toList(value); ok {
			// A bare list is shorthand for $in
			result = append(result, Condition{Field: field, Operator: OpIn, Value: list})
			continue
		}

		result = append(result, Condition{Field: field, Operator: OpEq, Value: value})
	}

	return result, nil
}

func parseOperatorObject(field string, ops map[string]interface{}) ([]Condition, error) {
	if len(ops) == 0 {
		return nil, fmt.Errorf("condition on %s has an empty operator object", field)
	}

	names := make([]string, 0, len(ops))
	for name := range ops {
		names = append(names, name)
	}
	sort.Strings(names)

	result := make([]Condition, 0, len(ops))
	for _, name := range names {
		op := Operator(name)
		if !knownOperators[op] {
			return nil, fmt.Errorf("unknown operator %s on field %s", name, field)
		}
		value := ops[name]

		if op == OpIn {
			list, ok := toList(value)
			if !ok {
				return nil, fmt.Errorf("operator $in on field %s requires an array, got %T", field, value)
			}
			result = append(result, Condition{Field: field, Operator: OpIn, Value: list})
			continue
		}

		if _, isList := toList(value); isList {
			return nil, fmt.Errorf("operator %s on field %s does not accept an array", name, field)
		}
		if _, isMap := value.(map[string]interface{}); isMap {
			return nil, fmt.Errorf("operator %s on field %s does not accept an object", name, field)
		}
		if value == nil && op != OpEq && op != OpNe {
			return nil, fmt.Errorf("operator %s on field %s does not accept null", name, field)
		}
		result = append(result, Condition{Field: field, Operator: op, Value: value})
	}
	return result, nil
}

// toList converts any slice or array value (except []byte) to []interface{}
func toList(value interface{}) ([]interface{}, bool) {
	if value == nil {
		return nil, false
	}
	if list, ok := value.([]interface{}); ok {
		return list, true
	}
	rv := reflect.ValueOf(value)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	if rv.Type().Elem().Kind() == reflect.Uint8 {
		return nil, false
	}
	list := make([]interface{}, rv.Len())
	for i := 0; i < rv.Len(); i++ {
		list[i] = rv.Index(i).Interface()
	}
	return list, true
}

// Clone returns a deep copy of the conditions
func (c Conditions) Clone() Conditions {
	if c == nil {
		return nil
	}
	out := make(Conditions, len(c))
	for k, v := range c {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		m := make(map[string]interface{}, len(val))
		for k, inner := range val {
			m[k] = cloneValue(inner)
		}
		return m
	case []interface{}:
		list := make([]interface{}, len(val))
		for i, inner := range val {
			list[i] = cloneValue(inner)
		}
		return list
	default:
		return val
	}
}

// Interpolate returns a copy of the conditions with every string value of the
// exact form "${user.<name>}" replaced by the matching user property.
// Unresolvable placeholders are left untouched so they never match real data.
func (c Conditions) Interpolate(user *User) Conditions {
	if c == nil {
		return nil
	}
	out := make(Conditions, len(c))
	for k, v := range c {
		out[k] = interpolateValue(v, user)
	}
	return out
}

func interpolateValue(v interface{}, user *User) interface{} {
	switch val := v.(type) {
	case string:
		if resolved, ok := resolvePlaceholder(val, user); ok {
			return resolved
		}
		return val
	case map[string]interface{}:
		m := make(map[string]interface{}, len(val))
		for k, inner := range val {
			m[k] = interpolateValue(inner, user)
		}
		return m
	case []interface{}:
		list := make([]interface{}, len(val))
		for i, inner := range val {
			list[i] = interpolateValue(inner, user)
		}
		return list
	default:
		return val
	}
}

func resolvePlaceholder(s string, user *User) (interface{}, bool) {
	if user == nil || !strings.HasPrefix(s, "${user.") || !strings.HasSuffix(s, "}") {
		return nil, false
	}
	name := strings.TrimSuffix(strings.TrimPrefix(s, "${user."), "}")
	switch name {
	case "id":
		return user.ID, true
	case "email":
		if user.Email == "" {
			return nil, false
		}
		return user.Email, true
	}
	value, ok := user.Attributes[name]
	return value, ok
}
