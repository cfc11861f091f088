//go:build js_eval

package reactive

import (
	"errors"
	"fmt"
	"time"

	"github.com/dop251/goja"
)

const engineJS = "js"

// jsEvaluator runs expressions with goja. Every evaluation gets a fresh
// runtime, so expressions cannot leak globals into each other.
type jsEvaluator struct {
	cfg engineConfig
}

// NewJSEvaluator constructs an Evaluator backed by goja.
func NewJSEvaluator(opts ...EngineOption) Evaluator {
	return &jsEvaluator{cfg: newEngineConfig(opts)}
}

func (e *jsEvaluator) engineName() string { return engineJS }

func (e *jsEvaluator) Evaluate(ctx RuleContext, expression string) (any, error) {
	rule, err := e.Compile(expression)
	if err != nil {
		return nil, err
	}
	return rule.Evaluate(ctx)
}

func (e *jsEvaluator) Compile(expression string) (CompiledRule, error) {
	if expression == "" {
		return nil, emptyExpression(engineJS)
	}
	cacheKey := engineJS + ":" + expression
	if cached, ok := e.cfg.cached(cacheKey); ok {
		if program, ok := cached.(*goja.Program); ok {
			return &jsRule{evaluator: e, program: program, expression: expression}, nil
		}
	}
	source := fmt.Sprintf("(function(){ return (%s); })()", expression)
	program, err := goja.Compile(engineJS, source, true)
	if err != nil {
		return nil, wrapEvaluationError(engineJS, expression, "", err)
	}
	e.cfg.store(cacheKey, program)
	return &jsRule{evaluator: e, program: program, expression: expression}, nil
}

type jsRule struct {
	evaluator  *jsEvaluator
	program    *goja.Program
	expression string
}

func (r *jsRule) Evaluate(ctx RuleContext) (any, error) {
	ctx = ctx.normalize()
	vm := goja.New()
	bind := func(values map[string]any) error {
		for name, value := range values {
			if err := vm.Set(name, value); err != nil {
				return fmt.Errorf("bind %s: %w", name, err)
			}
		}
		return nil
	}
	if err := errors.Join(
		bind(stateBindings(ctx)),
		bind(pathFunctions(ctx.tree())),
		bind(registryFunctions(r.evaluator.cfg.registry)),
	); err != nil {
		return nil, wrapEvaluationError(engineJS, r.expression, ctx.label(), err)
	}

	if timeout := r.evaluator.cfg.timeout; timeout > 0 {
		timer := time.AfterFunc(timeout, func() {
			vm.Interrupt(ErrEvaluationTimeout)
		})
		defer timer.Stop()
	}
	value, err := vm.RunProgram(r.program)
	if err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			err = fmt.Errorf("%w after %s", ErrEvaluationTimeout, r.evaluator.cfg.timeout)
		}
		return nil, wrapEvaluationError(engineJS, r.expression, ctx.label(), err)
	}
	return value.Export(), nil
}
