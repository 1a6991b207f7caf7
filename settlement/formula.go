package settlement

import (
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/shopspring/decimal"
)

// Evaluator runs rule expressions (amount formulas and recipient selectors)
// in a sandboxed CEL environment. Expressions see a single variable, `data`,
// holding the workflow data map; no host code is reachable.
type Evaluator struct {
	env *cel.Env
}

// NewEvaluator builds the shared expression environment.
func NewEvaluator() (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("data", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("expression environment setup failed: %w", err)
	}
	return &Evaluator{env: env}, nil
}

// Check compiles an expression without evaluating it, for rule validation.
func (e *Evaluator) Check(expr string) error {
	_, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return fmt.Errorf("expression does not compile: %w", issues.Err())
	}
	return nil
}

func (e *Evaluator) eval(expr string, data map[string]interface{}) (interface{}, error) {
	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("expression does not compile: %w", issues.Err())
	}
	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("expression planning failed: %w", err)
	}
	out, _, err := program.Eval(map[string]interface{}{"data": data})
	if err != nil {
		return nil, fmt.Errorf("expression evaluation failed: %w", err)
	}
	return out.Value(), nil
}

// EvaluateAmount runs an amount formula against workflow data. The result
// must be numeric and non-negative; it is rounded to two decimal places.
func (e *Evaluator) EvaluateAmount(expr string, data map[string]interface{}) (decimal.Decimal, error) {
	value, err := e.eval(expr, data)
	if err != nil {
		return decimal.Zero, err
	}

	var amount decimal.Decimal
	switch n := value.(type) {
	case int64:
		amount = decimal.NewFromInt(n)
	case uint64:
		amount = decimal.NewFromUint64(n)
	case float64:
		amount = decimal.NewFromFloat(n)
	case string:
		amount, err = decimal.NewFromString(n)
		if err != nil {
			return decimal.Zero, fmt.Errorf("formula produced non-numeric string %q", n)
		}
	default:
		return decimal.Zero, fmt.Errorf("formula produced non-numeric result %T", value)
	}

	if amount.IsNegative() {
		return decimal.Zero, fmt.Errorf("formula produced negative amount %s", amount)
	}
	return amount.Round(2), nil
}

// EvaluateSelector runs a recipient selector against workflow data and
// renders the result as a recipient id.
func (e *Evaluator) EvaluateSelector(expr string, data map[string]interface{}) (string, error) {
	value, err := e.eval(expr, data)
	if err != nil {
		return "", err
	}
	recipient := fmt.Sprintf("%v", value)
	if recipient == "" {
		return "", fmt.Errorf("selector produced empty recipient")
	}
	return recipient, nil
}
