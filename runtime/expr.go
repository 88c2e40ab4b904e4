package runtime

import (
	"encoding/base64"
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/trducng/theflow/runtime/field"
)

const ExprType = "theflow.Expr"

// Expr evaluates an expr-lang expression. Extra values set on it are visible
// to the expression by name, and extra components can be run with
// call("name", args...). The call's own input is available as args and
// kwargs.
//
//	sum, _ := runtime.New("theflow.Expr", map[string]any{
//		"expression": `call("double", kwargs.x) + offset`,
//		"double":     doubler,
//		"offset":     1,
//	})
type Expr struct {
	Base
}

func init() {
	MustRegister(Type{
		Name: ExprType,
		New:  func() Component { return &Expr{} },
		Schema: field.NewSchema(ExprType).
			Param("expression", field.Help("expr-lang source")).
			AllowExtra().
			MustBuild(),
	})
}

var exprFunctions = []expr.Option{
	expr.Function("base64_encode", func(params ...any) (any, error) {
		s, _ := params[0].(string)
		return base64.StdEncoding.EncodeToString([]byte(s)), nil
	}),
	expr.Function("base64_decode", func(params ...any) (any, error) {
		s, _ := params[0].(string)
		decoded, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return "", err
		}
		return string(decoded), nil
	}),
}

func (e *Expr) Run(exec *Execution, in Input) (any, error) {
	source, err := Value[string](e, "expression")
	if err != nil {
		return nil, err
	}

	kwargs := in.Kwargs
	if kwargs == nil {
		kwargs = map[string]any{}
	}
	args := in.Args
	if args == nil {
		args = []any{}
	}
	env := map[string]any{
		"null":   nil,
		"args":   args,
		"kwargs": kwargs,
	}
	for name, v := range e.Extra() {
		if _, isNode := v.(Component); isNode {
			continue
		}
		env[name] = v
	}

	callFn := expr.Function("call", func(params ...any) (any, error) {
		if len(params) == 0 {
			return nil, fmt.Errorf("call() expects a node name")
		}
		slot, ok := params[0].(string)
		if !ok {
			return nil, fmt.Errorf("call() expects a string node name, got %T", params[0])
		}
		return exec.Call(slot, params[1:]...)
	})
	definedFn := expr.Function("defined", func(params ...any) (any, error) {
		name, ok := params[0].(string)
		if !ok {
			return false, fmt.Errorf("defined() expects string argument, got %T", params[0])
		}
		if _, exists := kwargs[name]; exists {
			return true, nil
		}
		_, exists := env[name]
		return exists, nil
	}, new(func(string) bool))

	// NOTE: expr.Env MUST come before AllowUndefinedVariables for it to work
	opts := []expr.Option{
		expr.Env(env),
		expr.AllowUndefinedVariables(),
		callFn,
		definedFn,
	}
	opts = append(opts, exprFunctions...)

	program, err := expr.Compile(source, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to compile expression: %w", err)
	}
	return expr.Run(program, env)
}
