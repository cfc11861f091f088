package reactive

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

var (
	// ErrCircularDependency indicates a computed value was requested while it
	// was already being computed.
	ErrCircularDependency = errors.New("reactive: circular computed dependency")
	// ErrUnknownComputed indicates a computed key that was never registered.
	ErrUnknownComputed = errors.New("reactive: unknown computed value")
)

// ComputeFunc derives a value from the full state tree. The tree must be
// treated as read-only.
type ComputeFunc func(tree map[string]any) (any, error)

// ComputedInfo describes a registered computed value.
type ComputedInfo struct {
	Key          string
	Dependencies []string
	Valid        bool
	Value        any
	LastError    error
	Computations uint64
	Engine       string
	Expr         string
}

// ComputedGraph holds derived values that are recomputed lazily after any of
// their dependency paths change.
//
// The in-progress guard that detects cycles assumes a single logical
// goroutine reads computed values, matching the store contract.
type ComputedGraph struct {
	store *Store

	mu      sync.Mutex
	entries map[string]*computedEntry

	evaluator Evaluator
	registry  *FunctionRegistry
	cache     ProgramCache
	logger    Logger
	observer  ComputeObserver

	resetOff Unsubscribe
}

type computedEntry struct {
	key        string
	fn         ComputeFunc
	deps       []string
	value      any
	valid      bool
	inProgress bool
	cycle      bool
	epoch      uint64
	lastErr    error
	count      uint64
	engine     string
	expr       string
	unsubs     []Unsubscribe
}

// ComputedOption configures a ComputedGraph.
type ComputedOption func(*ComputedGraph)

// WithEvaluator sets the expression engine used by AddExpression. The
// default is the expr engine.
func WithEvaluator(evaluator Evaluator) ComputedOption {
	return func(g *ComputedGraph) {
		g.evaluator = evaluator
	}
}

// WithFunctionRegistry exposes custom functions to expressions.
func WithFunctionRegistry(registry *FunctionRegistry) ComputedOption {
	return func(g *ComputedGraph) {
		if registry == nil {
			return
		}
		g.registry = registry.Clone()
	}
}

// WithCustomFunction registers fn under name for expressions.
func WithCustomFunction(name string, fn Function) ComputedOption {
	return func(g *ComputedGraph) {
		if g.registry == nil {
			g.registry = NewFunctionRegistry()
		}
		_ = g.registry.Register(name, fn)
	}
}

// WithProgramCache shares compiled programs between graphs.
func WithProgramCache(cache ProgramCache) ComputedOption {
	return func(g *ComputedGraph) {
		g.cache = cache
	}
}

// WithComputedLogger sets the diagnostics logger.
func WithComputedLogger(logger Logger) ComputedOption {
	return func(g *ComputedGraph) {
		g.logger = logger
	}
}

// WithComputeObserver receives an event for every recomputation.
func WithComputeObserver(observer ComputeObserver) ComputedOption {
	return func(g *ComputedGraph) {
		g.observer = observer
	}
}

// NewComputedGraph constructs a graph bound to store.
func NewComputedGraph(store *Store, opts ...ComputedOption) *ComputedGraph {
	g := &ComputedGraph{
		store:   store,
		entries: map[string]*computedEntry{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	if g.logger == nil && store != nil {
		g.logger = store.logger
	}
	g.logger = loggerOrNop(g.logger)
	if g.observer == nil {
		g.observer = noopComputeObserver{}
	}
	if store != nil {
		g.resetOff = store.OnReset(g.afterReset)
	}
	return g
}

// AddComputed registers key as fn over the given dependency paths and returns
// a function that removes it. Registering an existing key replaces it.
func (g *ComputedGraph) AddComputed(key string, fn ComputeFunc, deps ...string) (func(), error) {
	return g.add(&computedEntry{key: key, fn: fn, deps: deps, engine: "func"})
}

// AddExpression registers key as an expression evaluated against the tree.
// Top-level keys are bound as variables, so "ui.theme == 'dark'" reads the
// ui.theme path.
func (g *ComputedGraph) AddExpression(key, expression string, deps ...string) (func(), error) {
	evaluator := g.resolveEvaluator()
	rule, err := evaluator.Compile(expression)
	if err != nil {
		return nil, wrapEvaluationError(EngineName(evaluator), expression, key, err)
	}
	fn := func(tree map[string]any) (any, error) {
		return rule.Evaluate(RuleContext{Snapshot: tree, Key: key})
	}
	return g.add(&computedEntry{key: key, fn: fn, deps: deps, engine: EngineName(evaluator), expr: expression})
}

func (g *ComputedGraph) add(entry *computedEntry) (func(), error) {
	entry.key = strings.TrimSpace(entry.key)
	if entry.key == "" {
		return nil, fmt.Errorf("reactive: computed key must not be empty")
	}
	if entry.fn == nil {
		return nil, fmt.Errorf("reactive: computed %q has no compute function", entry.key)
	}
	entry.deps = append([]string(nil), entry.deps...)

	g.RemoveComputed(entry.key)

	unsubs := g.watch(entry)
	g.mu.Lock()
	entry.unsubs = unsubs
	g.entries[entry.key] = entry
	g.mu.Unlock()

	key := entry.key
	return func() {
		g.mu.Lock()
		current := g.entries[key]
		g.mu.Unlock()
		if current == entry {
			g.RemoveComputed(key)
		}
	}, nil
}

// watch subscribes entry to its dependencies.
func (g *ComputedGraph) watch(entry *computedEntry) []Unsubscribe {
	if g.store == nil {
		return nil
	}
	var unsubs []Unsubscribe
	for _, dep := range entry.deps {
		unsubs = append(unsubs, g.store.Subscribe(dep, func(any, any, string) {
			g.invalidate(entry)
		}))
	}
	// A write that replaces a mapping containing a dependency notifies the
	// mapping's ancestors only, so watch the root for those as well.
	unsubs = append(unsubs, g.store.Subscribe("", func(_ any, _ any, changed string) {
		for _, dep := range entry.deps {
			if dep != changed && IsWithin(dep, changed) {
				g.invalidate(entry)
				return
			}
		}
	}))
	return unsubs
}

// afterReset handles the silent store resets. A full reset drops every store
// listener, so each entry is subscribed again; a subtree reset invalidates
// the entries depending on that subtree.
func (g *ComputedGraph) afterReset(path string) {
	g.mu.Lock()
	entries := make([]*computedEntry, 0, len(g.entries))
	for _, entry := range g.entries {
		entries = append(entries, entry)
	}
	g.mu.Unlock()

	for _, entry := range entries {
		if path == "" {
			unsubs := g.watch(entry)
			g.mu.Lock()
			if g.entries[entry.key] == entry {
				entry.unsubs = unsubs
				unsubs = nil
			}
			g.mu.Unlock()
			for _, unsub := range unsubs {
				unsub()
			}
			g.invalidate(entry)
			continue
		}
		for _, dep := range entry.deps {
			if IsWithin(dep, path) || IsWithin(path, dep) {
				g.invalidate(entry)
				break
			}
		}
	}
}

func (g *ComputedGraph) invalidate(entry *computedEntry) {
	g.mu.Lock()
	entry.valid = false
	entry.epoch++
	g.mu.Unlock()
}

// Invalidate marks key stale so the next read recomputes it.
func (g *ComputedGraph) Invalidate(key string) bool {
	g.mu.Lock()
	entry := g.entries[key]
	g.mu.Unlock()
	if entry == nil {
		return false
	}
	g.invalidate(entry)
	return true
}

// GetComputed returns the cached value of key, recomputing it first when it
// is stale or last failed. A key requested while it is already being computed
// yields ErrCircularDependency.
func (g *ComputedGraph) GetComputed(key string) (any, error) {
	g.mu.Lock()
	entry := g.entries[key]
	if entry == nil {
		g.mu.Unlock()
		return nil, fmt.Errorf("%w: %q", ErrUnknownComputed, key)
	}
	if entry.inProgress {
		entry.cycle = true
		entry.valid = false
		g.mu.Unlock()
		g.logger.Warn("computed cycle detected", "key", key)
		return nil, fmt.Errorf("%w: %q", ErrCircularDependency, key)
	}
	if entry.valid && entry.lastErr == nil {
		value := entry.value
		g.mu.Unlock()
		return value, nil
	}
	entry.inProgress = true
	entry.cycle = false
	epoch := entry.epoch
	fn := entry.fn
	g.mu.Unlock()

	var tree map[string]any
	if g.store != nil {
		tree, _ = g.store.Get("").(map[string]any)
	}
	start := time.Now()
	value, err := runCompute(fn, tree)
	duration := time.Since(start)

	g.mu.Lock()
	entry.inProgress = false
	if entry.cycle {
		entry.cycle = false
		if err == nil || !errors.Is(err, ErrCircularDependency) {
			err = errors.Join(fmt.Errorf("%w: %q", ErrCircularDependency, key), err)
		}
	}
	entry.count++
	if err != nil {
		entry.lastErr = err
		entry.valid = false
		entry.value = nil
	} else {
		entry.lastErr = nil
		entry.value = value
		entry.valid = entry.epoch == epoch
	}
	engine, expr := entry.engine, entry.expr
	g.mu.Unlock()

	g.observer.ObserveCompute(ComputeEvent{Key: key, Engine: engine, Expr: expr, Duration: duration, Err: err})
	if err != nil {
		g.logger.Warn("computed value failed", "key", key, "error", err)
		return nil, err
	}
	return value, nil
}

func runCompute(fn ComputeFunc, tree map[string]any) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			value = nil
			err = fmt.Errorf("reactive: compute panicked: %v", r)
		}
	}()
	return fn(tree)
}

// RemoveComputed unsubscribes every dependency listener of key and discards
// it. Removing an unknown key is a logged no-op.
func (g *ComputedGraph) RemoveComputed(key string) bool {
	g.mu.Lock()
	entry := g.entries[key]
	delete(g.entries, key)
	var unsubs []Unsubscribe
	if entry != nil {
		unsubs = entry.unsubs
		entry.unsubs = nil
	}
	g.mu.Unlock()
	if entry == nil {
		g.logger.Debug("computed value not registered", "key", key)
		return false
	}
	for _, unsub := range unsubs {
		unsub()
	}
	return true
}

// RecomputeAll invalidates and eagerly recomputes every computed value,
// returning the joined failures.
func (g *ComputedGraph) RecomputeAll() error {
	keys := g.Keys()
	g.mu.Lock()
	for _, key := range keys {
		if entry := g.entries[key]; entry != nil {
			entry.valid = false
			entry.epoch++
		}
	}
	g.mu.Unlock()

	var errs []error
	for _, key := range keys {
		if _, err := g.GetComputed(key); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Keys lists registered computed keys in sorted order.
func (g *ComputedGraph) Keys() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	keys := make([]string, 0, len(g.entries))
	for key := range g.entries {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Describe reports the state of key.
func (g *ComputedGraph) Describe(key string) (ComputedInfo, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	entry := g.entries[key]
	if entry == nil {
		return ComputedInfo{}, false
	}
	return ComputedInfo{
		Key:          entry.key,
		Dependencies: append([]string(nil), entry.deps...),
		Valid:        entry.valid,
		Value:        entry.value,
		LastError:    entry.lastErr,
		Computations: entry.count,
		Engine:       entry.engine,
		Expr:         entry.expr,
	}, true
}

// ComputeCount reports how many times key has been computed.
func (g *ComputedGraph) ComputeCount(key string) uint64 {
	info, _ := g.Describe(key)
	return info.Computations
}

// Close removes every computed value and stops following store resets.
func (g *ComputedGraph) Close() {
	if g.resetOff != nil {
		g.resetOff()
	}
	for _, key := range g.Keys() {
		g.RemoveComputed(key)
	}
}

func (g *ComputedGraph) resolveEvaluator() Evaluator {
	if g.evaluator != nil {
		return g.evaluator
	}
	g.evaluator = NewExprEvaluator(EngineCache(g.cache), EngineFunctions(g.registry))
	return g.evaluator
}
