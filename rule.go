package reactive

import (
	"sync"
	"time"
)

// RuleContext carries the inputs of an expression evaluation. Snapshot is
// the state tree: its top-level keys are bound as variables and the whole
// tree is also reachable as "state".
type RuleContext struct {
	Snapshot any
	Now      *time.Time
	Args     map[string]any
	Metadata map[string]any
	// Key names the computed value being evaluated. It is bound as "key" and
	// used in error reports.
	Key string
}

func (ctx RuleContext) normalize() RuleContext {
	if ctx.Now == nil {
		now := time.Now()
		ctx.Now = &now
	}
	if ctx.Args == nil {
		ctx.Args = map[string]any{}
	}
	if ctx.Metadata == nil {
		ctx.Metadata = map[string]any{}
	}
	return ctx
}

func (ctx RuleContext) tree() map[string]any {
	if tree, ok := ctx.Snapshot.(map[string]any); ok && tree != nil {
		return tree
	}
	return map[string]any{}
}

func (ctx RuleContext) label() string {
	if ctx.Key != "" {
		return ctx.Key
	}
	return "unknown"
}

// Evaluator executes expressions against a rule context.
type Evaluator interface {
	Evaluate(ctx RuleContext, expr string) (any, error)
	Compile(expr string) (CompiledRule, error)
}

// CompiledRule is a reusable expression program.
type CompiledRule interface {
	Evaluate(ctx RuleContext) (any, error)
}

// namedEngine is implemented by the built-in evaluators.
type namedEngine interface {
	engineName() string
}

// EngineName reports the expression engine backing e.
func EngineName(e Evaluator) string {
	if e == nil {
		return "unknown"
	}
	if named, ok := e.(namedEngine); ok {
		return named.engineName()
	}
	return "custom"
}

// ProgramCache stores compiled expression programs. Engines prefix their keys
// so one cache can be shared between them.
type ProgramCache interface {
	Get(key string) (any, bool)
	Set(key string, value any)
}

// NewProgramCache returns an unbounded in-memory ProgramCache safe for
// concurrent use.
func NewProgramCache() ProgramCache {
	return &memoryProgramCache{}
}

type memoryProgramCache struct {
	programs sync.Map
}

func (c *memoryProgramCache) Get(key string) (any, bool) {
	return c.programs.Load(key)
}

func (c *memoryProgramCache) Set(key string, value any) {
	c.programs.Store(key, value)
}

// EngineOption configures any of the built-in evaluators.
type EngineOption func(*engineConfig)

type engineConfig struct {
	cache    ProgramCache
	registry *FunctionRegistry
	timeout  time.Duration
}

// EngineCache shares compiled programs through cache.
func EngineCache(cache ProgramCache) EngineOption {
	return func(cfg *engineConfig) {
		cfg.cache = cache
	}
}

// EngineFunctions exposes the functions of registry to expressions. The
// registry is copied, so later registrations are not seen.
func EngineFunctions(registry *FunctionRegistry) EngineOption {
	return func(cfg *engineConfig) {
		cfg.registry = registry.Clone()
	}
}

// EngineTimeout bounds a single evaluation. Only the js engine can interrupt
// a running program; the others ignore it.
func EngineTimeout(timeout time.Duration) EngineOption {
	return func(cfg *engineConfig) {
		cfg.timeout = timeout
	}
}

func newEngineConfig(opts []EngineOption) engineConfig {
	cfg := engineConfig{}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	return cfg
}

func (cfg engineConfig) cached(key string) (any, bool) {
	if cfg.cache == nil {
		return nil, false
	}
	return cfg.cache.Get(key)
}

func (cfg engineConfig) store(key string, program any) {
	if cfg.cache != nil {
		cfg.cache.Set(key, program)
	}
}

// stateBindings returns the variables every engine exposes: the top-level
// keys of the tree, "state", "now", "args", "metadata" and "key". Tree keys
// that collide with a reserved name stay reachable through "state".
func stateBindings(ctx RuleContext) map[string]any {
	tree := ctx.tree()
	bindings := make(map[string]any, len(tree)+5)
	for key, value := range tree {
		if !reservedBinding(key) {
			bindings[key] = value
		}
	}
	bindings["state"] = tree
	bindings["now"] = *ctx.Now
	bindings["args"] = ctx.Args
	bindings["metadata"] = ctx.Metadata
	bindings["key"] = ctx.Key
	return bindings
}

// pathFunctions returns get(path) and has(path) bound to tree, for engines
// that resolve functions at run time.
func pathFunctions(tree map[string]any) map[string]any {
	return map[string]any{
		"get": func(path string) any {
			value, _ := GetPath(tree, path)
			return value
		},
		"has": func(path string) bool {
			_, ok := GetPath(tree, path)
			return ok
		},
	}
}

// registryFunctions adapts every registered function plus the generic
// call(name, args...) entry point.
func registryFunctions(registry *FunctionRegistry) map[string]any {
	if registry == nil {
		return nil
	}
	out := map[string]any{
		"call": func(name string, arguments ...any) (any, error) {
			return registry.Call(name, arguments...)
		},
	}
	for _, name := range registry.Names() {
		name := name
		out[name] = func(arguments ...any) (any, error) {
			return registry.Call(name, arguments...)
		}
	}
	return out
}

// reservedBinding reports whether key collides with a name the engines bind
// themselves.
func reservedBinding(key string) bool {
	switch key {
	case "now", "args", "metadata", "state", "key", "call", "get", "has":
		return true
	default:
		return false
	}
}
