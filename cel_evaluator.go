package reactive

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	celgo "github.com/google/cel-go/cel"
	functions "github.com/google/cel-go/common/functions"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
)

const engineCEL = "cel"

// celEvaluator runs expressions with cel-go. CEL declares every variable up
// front, so a program is checked against the set of top-level keys present
// in the tree and recompiled when that set changes. Tree paths read with
// plain selection ("ui.theme") and CEL's has() macro tests presence.
type celEvaluator struct {
	cfg engineConfig

	parseOnce sync.Once
	parseEnv  *celgo.Env
	parseErr  error
}

// NewCELEvaluator constructs an Evaluator backed by cel-go.
func NewCELEvaluator(opts ...EngineOption) Evaluator {
	return &celEvaluator{cfg: newEngineConfig(opts)}
}

func (e *celEvaluator) engineName() string { return engineCEL }

func (e *celEvaluator) Evaluate(ctx RuleContext, expression string) (any, error) {
	rule, err := e.Compile(expression)
	if err != nil {
		return nil, err
	}
	return rule.Evaluate(ctx)
}

// Compile reports syntax errors immediately. Type checking waits for the
// first evaluation, when the tree's keys are known.
func (e *celEvaluator) Compile(expression string) (CompiledRule, error) {
	if expression == "" {
		return nil, emptyExpression(engineCEL)
	}
	e.parseOnce.Do(func() {
		e.parseEnv, e.parseErr = celgo.NewEnv()
	})
	if e.parseErr != nil {
		return nil, wrapEvaluatorError(engineCEL, e.parseErr)
	}
	if _, issues := e.parseEnv.Parse(expression); issues != nil && issues.Err() != nil {
		return nil, wrapEvaluationError(engineCEL, expression, "", issues.Err())
	}
	return &celRule{evaluator: e, expression: expression, programs: map[string]celgo.Program{}}, nil
}

type celRule struct {
	evaluator  *celEvaluator
	expression string

	mu       sync.Mutex
	programs map[string]celgo.Program
}

func (r *celRule) Evaluate(ctx RuleContext) (any, error) {
	ctx = ctx.normalize()
	bindings := stateBindings(ctx)
	for name := range bindings {
		if !celIdentifier(name) {
			delete(bindings, name)
		}
	}
	program, err := r.program(bindings)
	if err != nil {
		return nil, wrapEvaluationError(engineCEL, r.expression, ctx.label(), err)
	}
	out, _, err := program.Eval(bindings)
	if err != nil {
		return nil, wrapEvaluationError(engineCEL, r.expression, ctx.label(), err)
	}
	return out.Value(), nil
}

// program returns the checked program for the variable set in bindings.
func (r *celRule) program(bindings map[string]any) (celgo.Program, error) {
	names := make([]string, 0, len(bindings))
	for name := range bindings {
		names = append(names, name)
	}
	sort.Strings(names)
	variant := strings.Join(names, ",")
	cacheKey := engineCEL + ":" + variant + "\x00" + r.expression

	r.mu.Lock()
	defer r.mu.Unlock()
	if program, ok := r.programs[variant]; ok {
		return program, nil
	}
	if cached, ok := r.evaluator.cfg.cached(cacheKey); ok {
		if program, ok := cached.(celgo.Program); ok {
			r.programs[variant] = program
			return program, nil
		}
	}

	env, err := r.evaluator.env(names)
	if err != nil {
		return nil, err
	}
	checked, issues := env.Compile(r.expression)
	if issues != nil && issues.Err() != nil {
		return nil, issues.Err()
	}
	program, err := env.Program(checked)
	if err != nil {
		return nil, err
	}
	r.programs[variant] = program
	r.evaluator.cfg.store(cacheKey, program)
	return program, nil
}

func (e *celEvaluator) env(names []string) (*celgo.Env, error) {
	opts := make([]celgo.EnvOption, 0, len(names)+1)
	for _, name := range names {
		switch name {
		case "now":
			opts = append(opts, celgo.Variable(name, celgo.TimestampType))
		case "key":
			opts = append(opts, celgo.Variable(name, celgo.StringType))
		default:
			opts = append(opts, celgo.Variable(name, celgo.DynType))
		}
	}
	if e.cfg.registry != nil {
		// CEL has no variadic functions, so call gets one overload per arity.
		overloads := make([]celgo.FunctionOpt, 0, maxCELCallArgs+1)
		params := []*celgo.Type{celgo.StringType}
		for arity := 0; arity <= maxCELCallArgs; arity++ {
			overloads = append(overloads, celgo.Overload(
				fmt.Sprintf("call_string_%d", arity),
				append([]*celgo.Type(nil), params...),
				celgo.DynType,
				celgo.FunctionBinding(e.callBinding()),
			))
			params = append(params, celgo.DynType)
		}
		opts = append(opts, celgo.Function("call", overloads...))
	}
	return celgo.NewEnv(opts...)
}

// maxCELCallArgs bounds the arguments call(name, ...) accepts in CEL.
const maxCELCallArgs = 6

func (e *celEvaluator) callBinding() functions.FunctionOp {
	return func(values ...ref.Val) ref.Val {
		if len(values) == 0 {
			return types.NewErr("call requires a function name")
		}
		name, ok := values[0].Value().(string)
		if !ok {
			return types.NewErr("call name must be a string, got %T", values[0].Value())
		}
		args := make([]any, 0, len(values)-1)
		for _, value := range values[1:] {
			args = append(args, value.Value())
		}
		result, err := e.cfg.registry.Call(name, args...)
		if err != nil {
			return types.NewErr("%s", err.Error())
		}
		if result == nil {
			return types.NullValue
		}
		return types.DefaultTypeAdapter.NativeToValue(result)
	}
}

// celIdentifier reports whether a tree key can be declared as a CEL
// variable. Other keys stay reachable through state["..."].
func celIdentifier(name string) bool {
	if name == "" {
		return false
	}
	for i, r := range name {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	switch name {
	case "true", "false", "null", "in", "as", "break", "const", "continue", "else",
		"for", "function", "if", "import", "let", "loop", "package", "namespace",
		"return", "var", "void", "while":
		return false
	}
	return true
}
