package reactive

import (
	"fmt"

	exprlang "github.com/expr-lang/expr"
	exprvm "github.com/expr-lang/expr/vm"
)

const engineExpr = "expr"

// exprEvaluator runs expressions with github.com/expr-lang/expr. Top-level
// tree keys are undeclared at compile time, so unknown names evaluate to nil
// instead of failing the compile.
type exprEvaluator struct {
	cfg engineConfig
}

// NewExprEvaluator constructs the default expression engine.
func NewExprEvaluator(opts ...EngineOption) Evaluator {
	return &exprEvaluator{cfg: newEngineConfig(opts)}
}

func (e *exprEvaluator) engineName() string { return engineExpr }

func (e *exprEvaluator) Evaluate(ctx RuleContext, expression string) (any, error) {
	rule, err := e.Compile(expression)
	if err != nil {
		return nil, err
	}
	return rule.Evaluate(ctx)
}

func (e *exprEvaluator) Compile(expression string) (CompiledRule, error) {
	if expression == "" {
		return nil, emptyExpression(engineExpr)
	}
	cacheKey := engineExpr + ":" + expression
	if cached, ok := e.cfg.cached(cacheKey); ok {
		if program, ok := cached.(*exprvm.Program); ok {
			return &exprRule{evaluator: e, program: program, expression: expression}, nil
		}
	}

	// get and has are declared with their real signatures so calls type
	// check; the run-time environment supplies closures over the tree.
	declared := map[string]any{
		"get": func(string) any { return nil },
		"has": func(string) bool { return false },
	}
	options := []exprlang.Option{
		exprlang.Env(declared),
		exprlang.AllowUndefinedVariables(),
	}
	if registry := e.cfg.registry; registry != nil {
		for _, name := range registry.Names() {
			name := name
			options = append(options, exprlang.Function(name, func(args ...any) (any, error) {
				return registry.Call(name, args...)
			}))
		}
		options = append(options, exprlang.Function("call", func(args ...any) (any, error) {
			if len(args) == 0 {
				return nil, fmt.Errorf("call requires a function name")
			}
			name, ok := args[0].(string)
			if !ok {
				return nil, fmt.Errorf("call name must be a string, got %T", args[0])
			}
			return registry.Call(name, args[1:]...)
		}))
	}
	program, err := exprlang.Compile(expression, options...)
	if err != nil {
		return nil, wrapEvaluationError(engineExpr, expression, "", err)
	}
	e.cfg.store(cacheKey, program)
	return &exprRule{evaluator: e, program: program, expression: expression}, nil
}

type exprRule struct {
	evaluator  *exprEvaluator
	program    *exprvm.Program
	expression string
}

func (r *exprRule) Evaluate(ctx RuleContext) (any, error) {
	ctx = ctx.normalize()
	env := stateBindings(ctx)
	for name, fn := range pathFunctions(ctx.tree()) {
		env[name] = fn
	}
	result, err := exprlang.Run(r.program, env)
	if err != nil {
		return nil, wrapEvaluationError(engineExpr, r.expression, ctx.label(), err)
	}
	return result, nil
}
