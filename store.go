package reactive

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/goliatone/go-reactive/layering"
)

// SourceUnknown labels writes that did not declare where they came from.
const SourceUnknown = "unknown"

// Listener receives change notifications. For the exact path value is the new
// leaf value; for an ancestor path value is the ancestor's current value,
// while oldValue and path always describe the leaf that changed.
type Listener func(value, oldValue any, path string)

// Unsubscribe removes a listener. Calling it more than once is a no-op.
type Unsubscribe func()

// SetResult reports the outcome of Store.Apply.
type SetResult struct {
	Path     string
	Value    any
	OldValue any
	// Applied is false when the write was vetoed or failed.
	Applied bool
	// Vetoed is true when a beforeSet middleware halted the write.
	Vetoed  bool
	Changed bool
	// Context is the beforeSet context as seen by the last handler.
	Context Context
	Err     error
}

// Store is a path-addressed state tree with change notification, a bounded
// change history and a middleware pipeline around every mutation.
//
// Values returned by Get are live references into the tree and must be
// treated as read-only; use Snapshot for a private deep copy. Listeners and
// middleware run outside the store locks, so they may write back into the
// store.
type Store struct {
	mu       sync.RWMutex
	tree     map[string]any
	defaults map[string]any
	layers   *DefaultsStack
	strict   bool

	history  *History
	pipeline *Pipeline
	logger   Logger
	now      func() time.Time

	lmu        sync.Mutex
	listeners  map[string][]*listenerEntry
	singletons map[string]*singletonEntry
	resetHooks map[uint64]func(path string)
	nextID     uint64
}

type listenerEntry struct {
	id       uint64
	listener Listener
}

type singletonEntry struct {
	path   string
	id     uint64
	cancel Unsubscribe
}

// StoreOption configures a Store.
type StoreOption func(*storeConfig)

type storeConfig struct {
	defaults        map[string]any
	layers          *DefaultsStack
	historyCapacity int
	pipeline        *Pipeline
	logger          Logger
	now             func() time.Time
	strict          bool
}

// WithDefaults seeds the tree and defines the shape Reset restores.
func WithDefaults(defaults map[string]any) StoreOption {
	return func(cfg *storeConfig) {
		cfg.defaults = defaults
	}
}

// WithDefaultsStack seeds the tree from the merged layers and keeps the stack
// so Trace can report which layer supplied a default. It replaces
// WithDefaults.
func WithDefaultsStack(stack *DefaultsStack) StoreOption {
	return func(cfg *storeConfig) {
		cfg.layers = stack
		cfg.defaults = stack.Merge()
	}
}

// WithHistoryCapacity bounds the change history.
func WithHistoryCapacity(capacity int) StoreOption {
	return func(cfg *storeConfig) {
		cfg.historyCapacity = capacity
	}
}

// WithPipeline attaches an existing middleware pipeline.
func WithPipeline(pipeline *Pipeline) StoreOption {
	return func(cfg *storeConfig) {
		cfg.pipeline = pipeline
	}
}

// WithLogger sets the diagnostics logger.
func WithLogger(logger Logger) StoreOption {
	return func(cfg *storeConfig) {
		cfg.logger = logger
	}
}

// WithClock overrides the clock used to stamp change records.
func WithClock(now func() time.Time) StoreOption {
	return func(cfg *storeConfig) {
		cfg.now = now
	}
}

// WithStrictPaths makes writes fail with ErrPathConflict instead of replacing
// a non-mapping intermediate node.
func WithStrictPaths() StoreOption {
	return func(cfg *storeConfig) {
		cfg.strict = true
	}
}

// NewStore constructs a store seeded with a deep copy of its defaults.
func NewStore(opts ...StoreOption) *Store {
	cfg := storeConfig{}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	logger := loggerOrNop(cfg.logger)
	pipeline := cfg.pipeline
	if pipeline == nil {
		pipeline = NewPipeline(WithPipelineLogger(logger))
	}
	now := cfg.now
	if now == nil {
		now = time.Now
	}
	defaults := layering.Clone(cfg.defaults)
	if defaults == nil {
		defaults = map[string]any{}
	}
	return &Store{
		tree:       layering.Clone(defaults),
		defaults:   defaults,
		layers:     cfg.layers,
		strict:     cfg.strict,
		history:    NewHistory(cfg.historyCapacity),
		pipeline:   pipeline,
		logger:     logger,
		now:        now,
		listeners:  map[string][]*listenerEntry{},
		singletons: map[string]*singletonEntry{},
		resetHooks: map[uint64]func(string){},
	}
}

// SetOption configures a single write.
type SetOption func(*setConfig)

type setConfig struct {
	merge  bool
	silent bool
	source string
	ctx    context.Context
}

// WithMerge shallow-merges a mapping value over an existing mapping.
func WithMerge() SetOption {
	return func(cfg *setConfig) {
		cfg.merge = true
	}
}

// WithSilent applies the write without notifying listeners.
func WithSilent() SetOption {
	return func(cfg *setConfig) {
		cfg.silent = true
	}
}

// WithSource records where the write came from.
func WithSource(source string) SetOption {
	return func(cfg *setConfig) {
		cfg.source = source
	}
}

// WithContext threads ctx through the middleware of this write.
func WithContext(ctx context.Context) SetOption {
	return func(cfg *setConfig) {
		cfg.ctx = ctx
	}
}

// Pipeline returns the middleware pipeline wrapped around the store.
func (s *Store) Pipeline() *Pipeline {
	return s.pipeline
}

// Use registers middleware on the store pipeline.
func (s *Store) Use(m Middleware, opts ...MiddlewareOption) error {
	return s.pipeline.Use(m, opts...)
}

// Get returns the value at path, or nil when absent. The empty path returns
// the root mapping.
func (s *Store) Get(path string) any {
	value, _ := s.Lookup(path)
	return value
}

// Lookup returns the value at path and whether it exists. beforeGet and
// afterGet middleware run around the read; a halted beforeGet hides the value.
func (s *Store) Lookup(path string) (any, bool) {
	ctx := context.Background()
	if s.pipeline.Has(PhaseBeforeGet) {
		out, ok := s.pipeline.Execute(ctx, PhaseBeforeGet, Context{Path: path})
		if !ok {
			return nil, false
		}
		path = out.Path
	}

	value, found := s.read(path)

	if s.pipeline.Has(PhaseAfterGet) {
		out, _ := s.pipeline.Execute(ctx, PhaseAfterGet, Context{Path: path, Value: value, Changed: found})
		value = out.Value
	}
	return value, found
}

// Snapshot returns a deep copy of the value at path that is safe to hand to
// another goroutine.
func (s *Store) Snapshot(path string) any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := GetPath(s.tree, path)
	if !ok {
		return nil
	}
	return layering.Clone(value)
}

// LookupSnapshot is Snapshot that also reports whether path exists.
func (s *Store) LookupSnapshot(path string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := GetPath(s.tree, path)
	if !ok {
		return nil, false
	}
	return layering.Clone(value), true
}

// Tree returns a deep copy of the whole tree.
func (s *Store) Tree() map[string]any {
	tree, _ := s.Snapshot("").(map[string]any)
	if tree == nil {
		return map[string]any{}
	}
	return tree
}

func (s *Store) read(path string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return GetPath(s.tree, path)
}

// Set writes value at path and reports whether the write was applied. A
// false return means the write was vetoed by middleware or rejected before
// mutation.
func (s *Store) Set(path string, value any, opts ...SetOption) bool {
	return s.Apply(path, value, opts...).Applied
}

// Apply writes value at path and returns a detailed result.
func (s *Store) Apply(path string, value any, opts ...SetOption) SetResult {
	cfg := setConfig{source: SourceUnknown}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	ctx := cfg.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	if cfg.source == "" {
		cfg.source = SourceUnknown
	}

	result := SetResult{Path: path, Value: value}
	if len(SplitPath(path)) == 0 {
		result.Err = ErrEmptyPath
		s.reportError(ctx, PhaseBeforeSet, Context{Path: path, Value: value, Source: cfg.source}, result.Err)
		return result
	}

	old, _ := s.read(path)
	in := Context{
		Path:     path,
		Value:    value,
		OldValue: old,
		Source:   cfg.source,
		Merge:    cfg.merge,
		Silent:   cfg.silent,
	}
	result.Context = in
	if s.pipeline.Has(PhaseBeforeSet) {
		out, ok := s.pipeline.Execute(ctx, PhaseBeforeSet, in)
		result.Context = out
		if !ok {
			result.Vetoed = true
			result.OldValue = old
			s.logger.Debug("state write vetoed", "path", path, "source", cfg.source)
			return result
		}
		value = out.Value
		cfg.merge = out.Merge
		cfg.silent = out.Silent
		if out.Source != "" {
			cfg.source = out.Source
		}
	}

	s.mu.Lock()
	old, _ = GetPath(s.tree, path)
	next := value
	if cfg.merge {
		oldMap, oldIsMap := old.(map[string]any)
		newMap, newIsMap := value.(map[string]any)
		if oldIsMap && newIsMap {
			next = layering.MergeShallow(oldMap, newMap)
		}
	}
	var err error
	if s.strict {
		err = SetPathStrict(s.tree, path, next)
	} else {
		err = SetPath(s.tree, path, next)
	}
	if err != nil {
		s.mu.Unlock()
		result.Err = err
		result.OldValue = old
		s.reportError(ctx, PhaseBeforeSet, in, err)
		return result
	}
	changed := !SameValue(old, next)
	timestamp := s.now()
	// committed is a private copy for readers that run after the lock is
	// released; next stays live in the tree.
	var committed any
	if changed || s.pipeline.Has(PhaseAfterSet) {
		committed = layering.Clone(next)
	}
	if changed {
		s.history.Push(ChangeRecord{
			Path:      path,
			OldValue:  old,
			NewValue:  committed,
			Source:    cfg.source,
			Timestamp: timestamp.UnixMilli(),
		})
	}
	s.mu.Unlock()

	result.Applied = true
	result.Changed = changed
	result.Value = next
	result.OldValue = old

	if changed && !cfg.silent {
		s.notify(path, next, old)
	}

	s.logger.Debug("state set", "path", path, "source", cfg.source, "changed", changed, "silent", cfg.silent, "merge", cfg.merge)

	if s.pipeline.Has(PhaseAfterSet) {
		after := result.Context
		after.Path = path
		after.Value = committed
		after.OldValue = old
		after.Source = cfg.source
		after.Merge = cfg.merge
		after.Silent = cfg.silent
		after.Changed = changed
		s.pipeline.Execute(ctx, PhaseAfterSet, after)
	}
	return result
}

// Delete removes the node at path, notifying listeners like a write of nil.
// Deletes cannot be vetoed: beforeSet does not run, but afterSet does, with
// Deleted set, so publishing and persistence middleware see the removal.
func (s *Store) Delete(path string, opts ...SetOption) bool {
	cfg := setConfig{source: SourceUnknown}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	ctx := cfg.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	if cfg.source == "" {
		cfg.source = SourceUnknown
	}
	s.mu.Lock()
	old, _ := GetPath(s.tree, path)
	removed := DeletePath(s.tree, path)
	if removed {
		s.history.Push(ChangeRecord{Path: path, OldValue: old, Source: cfg.source, Timestamp: s.now().UnixMilli()})
	}
	s.mu.Unlock()
	if !removed {
		return false
	}
	if !cfg.silent {
		s.notify(path, nil, old)
	}
	if s.pipeline.Has(PhaseAfterSet) {
		s.pipeline.Execute(ctx, PhaseAfterSet, Context{
			Path:     path,
			OldValue: old,
			Source:   cfg.source,
			Silent:   cfg.silent,
			Changed:  true,
			Deleted:  true,
		})
	}
	return true
}

// Subscribe registers listener for changes at path and below.
func (s *Store) Subscribe(path string, listener Listener) Unsubscribe {
	if listener == nil {
		return func() {}
	}
	ctx := context.Background()
	if s.pipeline.Has(PhaseOnSubscribe) {
		if _, ok := s.pipeline.Execute(ctx, PhaseOnSubscribe, Context{Path: path}); !ok {
			return func() {}
		}
	}

	s.lmu.Lock()
	s.nextID++
	entry := &listenerEntry{id: s.nextID, listener: listener}
	s.listeners[path] = append(s.listeners[path], entry)
	s.lmu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			if s.removeListener(path, entry.id) && s.pipeline.Has(PhaseOnUnsubscribe) {
				s.pipeline.Execute(ctx, PhaseOnUnsubscribe, Context{Path: path})
			}
		})
	}
}

// SubscribeSingleton keeps at most one live subscription per id. Registering
// again with the same id removes the previous subscription first.
func (s *Store) SubscribeSingleton(path, id string, listener Listener) Unsubscribe {
	s.lmu.Lock()
	previous := s.singletons[id]
	delete(s.singletons, id)
	s.lmu.Unlock()
	if previous != nil {
		previous.cancel()
	}

	cancel := s.Subscribe(path, listener)

	s.lmu.Lock()
	s.nextID++
	entry := &singletonEntry{path: path, id: s.nextID, cancel: cancel}
	s.singletons[id] = entry
	s.lmu.Unlock()

	return func() {
		s.lmu.Lock()
		if current, ok := s.singletons[id]; ok && current.id == entry.id {
			delete(s.singletons, id)
		}
		s.lmu.Unlock()
		cancel()
	}
}

// ListenerCount reports the number of listeners registered at exactly path.
func (s *Store) ListenerCount(path string) int {
	s.lmu.Lock()
	defer s.lmu.Unlock()
	return len(s.listeners[path])
}

// ListenerPaths lists every path holding at least one listener.
func (s *Store) ListenerPaths() []string {
	s.lmu.Lock()
	defer s.lmu.Unlock()
	out := make([]string, 0, len(s.listeners))
	for path := range s.listeners {
		out = append(out, path)
	}
	sort.Strings(out)
	return out
}

// History returns the retained change records, oldest first.
func (s *Store) History() []ChangeRecord {
	return s.history.Records()
}

// HistoryJSON serialises the retained change records.
func (s *Store) HistoryJSON() ([]byte, error) {
	return s.history.ToJSON()
}

// Reset restores the subtree at path to its default shape without notifying
// listeners. An empty path restores the whole tree and also clears the change
// history and every listener. Reset hooks run afterwards in both cases.
func (s *Store) Reset(path string) {
	if len(SplitPath(path)) == 0 {
		path = ""
		s.mu.Lock()
		s.tree = layering.Clone(s.defaults)
		s.mu.Unlock()
		s.history.Clear()

		s.lmu.Lock()
		s.listeners = map[string][]*listenerEntry{}
		s.singletons = map[string]*singletonEntry{}
		s.lmu.Unlock()
	} else {
		s.mu.Lock()
		if value, ok := GetPath(s.defaults, path); ok {
			_ = SetPath(s.tree, path, layering.Clone(value))
		} else {
			DeletePath(s.tree, path)
		}
		s.mu.Unlock()
	}
	s.logger.Debug("state reset", "path", path)

	s.lmu.Lock()
	keys := make([]uint64, 0, len(s.resetHooks))
	for key := range s.resetHooks {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	hooks := make([]func(string), 0, len(keys))
	for _, key := range keys {
		hooks = append(hooks, s.resetHooks[key])
	}
	s.lmu.Unlock()
	for _, hook := range hooks {
		hook(path)
	}
}

// OnReset registers fn to run after every Reset with the reset path, empty
// for a full reset. Reset hooks are not listeners and survive a full reset.
func (s *Store) OnReset(fn func(path string)) Unsubscribe {
	if fn == nil {
		return func() {}
	}
	s.lmu.Lock()
	s.nextID++
	key := s.nextID
	s.resetHooks[key] = fn
	s.lmu.Unlock()
	return func() {
		s.lmu.Lock()
		delete(s.resetHooks, key)
		s.lmu.Unlock()
	}
}

// Defaults returns a deep copy of the default tree.
func (s *Store) Defaults() map[string]any {
	return layering.Clone(s.defaults)
}

// Trace reports the live value at path and the default layers that
// contribute to it. Stores built without WithDefaultsStack report a single
// "defaults" layer.
func (s *Store) Trace(path string) Trace {
	stack := s.layers
	if stack == nil {
		stack = &DefaultsStack{layers: []DefaultsLayer{{Scope: Scope{Name: "defaults"}, Tree: s.defaults}}}
	}
	trace := stack.Trace(path)

	s.mu.RLock()
	value, found := GetPath(s.tree, path)
	if found {
		trace.Value = layering.Clone(value)
	}
	s.mu.RUnlock()

	if effective, ok := trace.Effective(); ok {
		trace.Modified = !found || !reflect.DeepEqual(effective.Value, trace.Value)
	} else {
		trace.Modified = found
	}
	return trace
}

func (s *Store) removeListener(path string, id uint64) bool {
	s.lmu.Lock()
	defer s.lmu.Unlock()
	entries := s.listeners[path]
	for i, entry := range entries {
		if entry.id != id {
			continue
		}
		remaining := make([]*listenerEntry, 0, len(entries)-1)
		remaining = append(remaining, entries[:i]...)
		remaining = append(remaining, entries[i+1:]...)
		if len(remaining) == 0 {
			delete(s.listeners, path)
		} else {
			s.listeners[path] = remaining
		}
		return true
	}
	return false
}

func (s *Store) listenersAt(path string) []*listenerEntry {
	s.lmu.Lock()
	defer s.lmu.Unlock()
	entries := s.listeners[path]
	if len(entries) == 0 {
		return nil
	}
	out := make([]*listenerEntry, len(entries))
	copy(out, entries)
	return out
}

// notify fires the exact path first, then every ancestor from nearest to the
// root, each with the ancestor's current value.
func (s *Store) notify(path string, value, oldValue any) {
	for _, entry := range s.listenersAt(path) {
		s.invoke(entry, value, oldValue, path)
	}
	ancestors := append(Ancestors(path), "")
	for _, ancestor := range ancestors {
		entries := s.listenersAt(ancestor)
		if len(entries) == 0 {
			continue
		}
		current, _ := s.read(ancestor)
		for _, entry := range entries {
			s.invoke(entry, current, oldValue, path)
		}
	}
}

func (s *Store) invoke(entry *listenerEntry, value, oldValue any, path string) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("state listener panicked", "path", path, "panic", fmt.Sprint(r))
		}
	}()
	entry.listener(value, oldValue, path)
}

func (s *Store) reportError(ctx context.Context, phase Phase, in Context, err error) {
	s.logger.Warn("state write rejected", "path", in.Path, "error", err)
	in.Err = err
	in.FailedPhase = phase
	s.pipeline.Execute(ctx, PhaseOnError, in)
}
