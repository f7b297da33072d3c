package authorization

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/asakaida/gatekeeper/internal/entities"
)

var errNoEngine = errors.New("no CEL engine configured")

// CELEngine evaluates rule conditions against concrete objects
type CELEngine struct {
	env      *cel.Env
	programs sync.Map // expression -> cel.Program
}

// EvaluationContext contains the context data for CEL evaluation
type EvaluationContext struct {
	Resource map[string]interface{} // Object attributes (e.g., resource.status, resource.author_id)
	Params   map[string]interface{} // Bound condition values (e.g., params.p0)
}

// NewCELEngine creates a new CEL engine with predefined declarations
func NewCELEngine() (*CELEngine, error) {
	env, err := cel.NewEnv(
		cel.Variable("resource", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("params", cel.MapType(cel.StringType, cel.DynType)),
		// Rows decoded from JSON carry doubles while literals may be ints
		cel.CrossTypeNumericComparisons(true),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &CELEngine{env: env}, nil
}

// Evaluate evaluates a CEL expression with the given context
func (e *CELEngine) Evaluate(expression string, context *EvaluationContext) (bool, error) {
	program, err := e.program(expression)
	if err != nil {
		return false, err
	}

	vars := map[string]interface{}{
		"resource": map[string]interface{}{},
		"params":   map[string]interface{}{},
	}
	if context != nil && context.Resource != nil {
		vars["resource"] = context.Resource
	}
	if context != nil && context.Params != nil {
		vars["params"] = context.Params
	}

	result, _, err := program.Eval(vars)
	if err != nil {
		return false, fmt.Errorf("failed to evaluate CEL expression: %w", err)
	}

	boolResult, ok := result.Value().(bool)
	if !ok {
		return false, fmt.Errorf("CEL expression did not evaluate to boolean, got: %T", result.Value())
	}

	return boolResult, nil
}

// ValidateExpression validates a CEL expression without evaluating it
func (e *CELEngine) ValidateExpression(expression string) error {
	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return fmt.Errorf("invalid CEL expression: %w", issues.Err())
	}

	if ast.OutputType() != cel.BoolType {
		return fmt.Errorf("CEL expression must return boolean, got: %s", ast.OutputType())
	}

	return nil
}

// MatchConditions reports whether object satisfies every condition
func (e *CELEngine) MatchConditions(conditions entities.Conditions, object map[string]interface{}) (bool, error) {
	expression, params, err := ConditionsToExpression(conditions)
	if err != nil {
		return false, err
	}
	return e.Evaluate(expression, &EvaluationContext{Resource: object, Params: params})
}

// program returns a compiled program, compiling and memoizing it on first use
func (e *CELEngine) program(expression string) (cel.Program, error) {
	if p, ok := e.programs.Load(expression); ok {
		return p.(cel.Program), nil
	}

	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile CEL expression: %w", issues.Err())
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL program: %w", err)
	}

	e.programs.Store(expression, program)
	return program, nil
}

// ConditionsToExpression translates conditions into a CEL expression over
// `resource`, with every value bound through `params`.
// A missing attribute behaves like SQL NULL: it only satisfies `null` equality
// and `$ne`. An empty `$in` contributes no clause.
func ConditionsToExpression(conditions entities.Conditions) (string, map[string]interface{}, error) {
	parsed, err := conditions.Parse()
	if err != nil {
		return "", nil, err
	}

	clauses := make([]string, 0, len(parsed))
	params := make(map[string]interface{}, len(parsed))
	for i, c := range parsed {
		if !entities.IsValidIdentifier(c.Field) {
			return "", nil, fmt.Errorf("invalid condition field %q", c.Field)
		}

		key := strconv.Quote(c.Field)
		present := key + " in resource"
		attr := "resource[" + key + "]"
		param := fmt.Sprintf("params.p%d", i)

		var clause string
		switch c.Operator {
		case entities.OpEq:
			if c.Value == nil {
				clause = fmt.Sprintf("(!(%s) || %s == null)", present, attr)
			} else {
				clause = fmt.Sprintf("(%s && %s == %s)", present, attr, param)
			}
		case entities.OpNe:
			if c.Value == nil {
				clause = fmt.Sprintf("(%s && %s != null)", present, attr)
			} else {
				clause = fmt.Sprintf("(!(%s) || %s != %s)", present, attr, param)
			}
		case entities.OpGt:
			clause = fmt.Sprintf("(%s && %s > %s)", present, attr, param)
		case entities.OpGte:
			clause = fmt.Sprintf("(%s && %s >= %s)", present, attr, param)
		case entities.OpLt:
			clause = fmt.Sprintf("(%s && %s < %s)", present, attr, param)
		case entities.OpLte:
			clause = fmt.Sprintf("(%s && %s <= %s)", present, attr, param)
		case entities.OpIn:
			if list, _ := c.Value.([]interface{}); len(list) == 0 {
				continue
			}
			clause = fmt.Sprintf("(%s && %s in %s)", present, attr, param)
		default:
			return "", nil, fmt.Errorf("unsupported operator %s", c.Operator)
		}

		if c.Value != nil {
			params[fmt.Sprintf("p%d", i)] = c.Value
		}
		clauses = append(clauses, clause)
	}

	if len(clauses) == 0 {
		return "true", params, nil
	}
	return strings.Join(clauses, " && "), params, nil
}
