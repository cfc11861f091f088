package reactive

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"
)

type notification struct {
	value    any
	oldValue any
	path     string
}

func newUIStore(opts ...StoreOption) *Store {
	defaults := WithDefaults(map[string]any{
		"ui": map[string]any{
			"theme":     "system",
			"activeTab": "summary",
			"sidebar":   map[string]any{"open": true},
		},
	})
	return NewStore(append([]StoreOption{defaults}, opts...)...)
}

func TestStoreThemeScenario(t *testing.T) {
	store := newUIStore()
	var leaf, parent []notification
	store.Subscribe("ui.theme", func(value, old any, path string) {
		leaf = append(leaf, notification{value, old, path})
	})
	store.Subscribe("ui", func(value, old any, path string) {
		parent = append(parent, notification{value, old, path})
	})

	if !store.Set("ui.theme", "dark", WithSource("test")) {
		t.Fatalf("expected write applied")
	}

	if len(leaf) != 1 || leaf[0] != (notification{"dark", "system", "ui.theme"}) {
		t.Fatalf("unexpected leaf notifications %+v", leaf)
	}
	if len(parent) != 1 {
		t.Fatalf("expected one ancestor notification, got %d", len(parent))
	}
	ui, ok := parent[0].value.(map[string]any)
	if !ok || ui["theme"] != "dark" || ui["activeTab"] != "summary" {
		t.Fatalf("expected full ui mapping, got %v", parent[0].value)
	}
	if parent[0].path != "ui.theme" {
		t.Fatalf("expected changed path forwarded to ancestor, got %q", parent[0].path)
	}
	if got := store.Get("ui.theme"); got != "dark" {
		t.Fatalf("expected dark, got %v", got)
	}
	history := store.History()
	if len(history) != 1 || history[0].Source != "test" || history[0].OldValue != "system" {
		t.Fatalf("unexpected history %+v", history)
	}
}

func TestStoreAncestorNotificationAndSiblingIsolation(t *testing.T) {
	store := NewStore()
	var onA, onAX int
	var aValue any
	store.Subscribe("a", func(value, _ any, _ string) {
		onA++
		aValue = value
	})
	store.Subscribe("a.x", func(any, any, string) { onAX++ })

	store.Set("a.b.c", 5)

	if onA != 1 {
		t.Fatalf("expected a listener once, got %d", onA)
	}
	if !reflect.DeepEqual(aValue, map[string]any{"b": map[string]any{"c": 5}}) {
		t.Fatalf("expected current value of a, got %v", aValue)
	}
	if onAX != 0 {
		t.Fatalf("expected sibling listener untouched, got %d", onAX)
	}
}

func TestStoreNotifiesExactPathBeforeAncestors(t *testing.T) {
	store := NewStore()
	var order []string
	store.Subscribe("", func(any, any, string) { order = append(order, "root") })
	store.Subscribe("a", func(any, any, string) { order = append(order, "a") })
	store.Subscribe("a.b", func(any, any, string) { order = append(order, "a.b") })
	store.Subscribe("a.b.c", func(any, any, string) { order = append(order, "a.b.c:1") })
	store.Subscribe("a.b.c", func(any, any, string) { order = append(order, "a.b.c:2") })

	store.Set("a.b.c", 1)

	want := []string{"a.b.c:1", "a.b.c:2", "a.b", "a", "root"}
	if !reflect.DeepEqual(order, want) {
		t.Fatalf("expected %v, got %v", want, order)
	}
}

func TestStoreListenerIsolation(t *testing.T) {
	store := NewStore()
	var second, ancestor int
	store.Subscribe("a.b", func(any, any, string) { panic("listener failure") })
	store.Subscribe("a.b", func(any, any, string) { second++ })
	store.Subscribe("a", func(any, any, string) { ancestor++ })

	if !store.Set("a.b", 1) {
		t.Fatalf("expected write applied despite listener panic")
	}
	if second != 1 || ancestor != 1 {
		t.Fatalf("expected remaining listeners invoked, got second=%d ancestor=%d", second, ancestor)
	}
	if store.Get("a.b") != 1 {
		t.Fatalf("expected mutation to survive listener failure")
	}
}

func TestStoreUnchangedValueIsNoop(t *testing.T) {
	store := newUIStore()
	calls := 0
	store.Subscribe("ui.theme", func(any, any, string) { calls++ })

	result := store.Apply("ui.theme", "system")
	if !result.Applied || result.Changed {
		t.Fatalf("expected applied unchanged write, got %+v", result)
	}
	if calls != 0 || len(store.History()) != 0 {
		t.Fatalf("expected no notification and no history, got calls=%d history=%d", calls, len(store.History()))
	}
}

func TestStoreMergeSemantics(t *testing.T) {
	store := NewStore()
	store.Set("p", map[string]any{"y": 2})
	store.Set("p", map[string]any{"x": 1}, WithMerge())
	if got := store.Get("p"); !reflect.DeepEqual(got, map[string]any{"x": 1, "y": 2}) {
		t.Fatalf("expected merged mapping, got %v", got)
	}

	store.Set("p", map[string]any{"x": 1})
	if got := store.Get("p"); !reflect.DeepEqual(got, map[string]any{"x": 1}) {
		t.Fatalf("expected replaced mapping, got %v", got)
	}

	store.Set("p", []any{1}, WithMerge())
	if got := store.Get("p"); !reflect.DeepEqual(got, []any{1}) {
		t.Fatalf("expected sequences to replace even with merge, got %v", got)
	}
}

func TestStoreSilentWrite(t *testing.T) {
	store := newUIStore()
	calls := 0
	store.Subscribe("ui", func(any, any, string) { calls++ })

	result := store.Apply("ui.theme", "dark", WithSilent())
	if !result.Changed || calls != 0 {
		t.Fatalf("expected silent change without notification, got changed=%v calls=%d", result.Changed, calls)
	}
	if len(store.History()) != 1 {
		t.Fatalf("expected silent change recorded in history")
	}
}

type vetoTheme struct{}

func (vetoTheme) Name() string { return "veto-theme" }

func (vetoTheme) BeforeSet(_ context.Context, in Context) (Context, error) {
	if in.Path == "ui.theme" && in.Value == "neon" {
		return in, ErrHalt
	}
	return in, nil
}

type failingBeforeSet struct{}

func (failingBeforeSet) Name() string { return "failing" }

func (failingBeforeSet) BeforeSet(_ context.Context, in Context) (Context, error) {
	return in, errors.New("metrics sink unavailable")
}

func TestStoreMiddlewareVeto(t *testing.T) {
	store := newUIStore()
	if err := store.Use(vetoTheme{}); err != nil {
		t.Fatalf("use: %v", err)
	}
	calls := 0
	store.Subscribe("ui.theme", func(any, any, string) { calls++ })

	result := store.Apply("ui.theme", "neon")
	if result.Applied || !result.Vetoed {
		t.Fatalf("expected vetoed write, got %+v", result)
	}
	if store.Get("ui.theme") != "system" {
		t.Fatalf("expected pre-write value, got %v", store.Get("ui.theme"))
	}
	if calls != 0 || len(store.History()) != 0 {
		t.Fatalf("expected no side effects from vetoed write")
	}
}

func TestStoreThrowingMiddlewareDoesNotVeto(t *testing.T) {
	store := newUIStore()
	if err := store.Use(failingBeforeSet{}); err != nil {
		t.Fatalf("use: %v", err)
	}
	if !store.Set("ui.theme", "dark") {
		t.Fatalf("expected non-halting failure to let the write through")
	}
	if store.Get("ui.theme") != "dark" {
		t.Fatalf("expected dark, got %v", store.Get("ui.theme"))
	}
}

type afterSetRecorder struct {
	contexts []Context
	store    *Store
}

func (r *afterSetRecorder) Name() string { return "after" }

func (r *afterSetRecorder) AfterSet(_ context.Context, in Context) (Context, error) {
	r.contexts = append(r.contexts, in)
	if in.Path == "a" && r.store != nil {
		r.store.Set("derived", in.Value)
	}
	return in, nil
}

func TestStoreAfterSetRunsAfterNotificationAndAllowsReentrantWrites(t *testing.T) {
	store := NewStore()
	recorder := &afterSetRecorder{store: store}
	if err := store.Use(recorder); err != nil {
		t.Fatalf("use: %v", err)
	}
	notified := false
	store.Subscribe("a", func(any, any, string) {
		notified = true
		if len(recorder.contexts) != 0 {
			t.Fatalf("expected listener before afterSet")
		}
	})

	store.Set("a", 1, WithSource("test"))

	if !notified {
		t.Fatalf("expected listener invoked")
	}
	if len(recorder.contexts) != 2 {
		t.Fatalf("expected afterSet for a and derived, got %d", len(recorder.contexts))
	}
	first := recorder.contexts[0]
	if first.Path != "a" || !first.Changed || first.Source != "test" {
		t.Fatalf("unexpected afterSet context %+v", first)
	}
	if store.Get("derived") != 1 {
		t.Fatalf("expected reentrant write applied")
	}
}

func TestStoreUnsubscribeIsIdempotentAndPrunes(t *testing.T) {
	store := NewStore()
	calls := 0
	unsubscribe := store.Subscribe("a", func(any, any, string) { calls++ })
	other := store.Subscribe("a", func(any, any, string) {})

	unsubscribe()
	unsubscribe()
	if store.ListenerCount("a") != 1 {
		t.Fatalf("expected one listener left, got %d", store.ListenerCount("a"))
	}
	other()
	if store.ListenerCount("a") != 0 || len(store.ListenerPaths()) != 0 {
		t.Fatalf("expected path entry removed, got %v", store.ListenerPaths())
	}
	store.Set("a", 1)
	if calls != 0 {
		t.Fatalf("expected removed listener not to fire")
	}
}

func TestStoreSubscribeSingleton(t *testing.T) {
	store := NewStore()
	first, second := 0, 0
	store.SubscribeSingleton("a", "chart", func(any, any, string) { first++ })
	cancel := store.SubscribeSingleton("a", "chart", func(any, any, string) { second++ })

	store.Set("a", 1)
	if first != 0 || second != 1 {
		t.Fatalf("expected only latest singleton to fire, got first=%d second=%d", first, second)
	}
	if store.ListenerCount("a") != 1 {
		t.Fatalf("expected one live listener, got %d", store.ListenerCount("a"))
	}
	cancel()
	cancel()
	if store.ListenerCount("a") != 0 {
		t.Fatalf("expected singleton removed")
	}
}

func TestStoreReset(t *testing.T) {
	store := newUIStore()
	store.Subscribe("ui", func(any, any, string) {})
	store.Set("ui.theme", "dark")
	store.Set("ui.sidebar.open", false)
	store.Set("scratch.value", 1)

	calls := 0
	store.Subscribe("ui.sidebar", func(any, any, string) { calls++ })
	store.Reset("ui.sidebar")
	if store.Get("ui.sidebar.open") != true || calls != 0 {
		t.Fatalf("expected silent subtree reset, got %v calls=%d", store.Get("ui.sidebar.open"), calls)
	}
	if store.Get("ui.theme") != "dark" {
		t.Fatalf("expected unrelated paths untouched")
	}
	store.Reset("scratch")
	if _, ok := store.Lookup("scratch"); ok {
		t.Fatalf("expected path without defaults removed")
	}

	store.Reset("")
	if store.Get("ui.theme") != "system" {
		t.Fatalf("expected defaults restored")
	}
	if len(store.History()) != 0 || len(store.ListenerPaths()) != 0 {
		t.Fatalf("expected history and listeners cleared")
	}

	store.Set("ui.sidebar.open", false)
	if defaults := store.Defaults(); defaults["ui"].(map[string]any)["sidebar"].(map[string]any)["open"] != true {
		t.Fatalf("expected defaults isolated from live tree")
	}
}

func TestStoreStrictPaths(t *testing.T) {
	store := NewStore(WithStrictPaths(), WithDefaults(map[string]any{"a": "string"}))
	result := store.Apply("a.b", 1)
	if result.Applied || !errors.Is(result.Err, ErrPathConflict) {
		t.Fatalf("expected strict path conflict, got %+v", result)
	}
	if store.Get("a") != "string" {
		t.Fatalf("expected value untouched")
	}

	lenient := NewStore(WithDefaults(map[string]any{"a": "string"}))
	if !lenient.Set("a.b", 1) {
		t.Fatalf("expected lenient store to overwrite")
	}
	if !reflect.DeepEqual(lenient.Get("a"), map[string]any{"b": 1}) {
		t.Fatalf("expected auto-vivified mapping, got %v", lenient.Get("a"))
	}
}

func TestStoreRejectsEmptyPath(t *testing.T) {
	store := NewStore()
	result := store.Apply("", 1)
	if result.Applied || !errors.Is(result.Err, ErrEmptyPath) {
		t.Fatalf("expected ErrEmptyPath, got %+v", result)
	}
}

func TestStoreHistoryCapacityAndClock(t *testing.T) {
	stamp := time.UnixMilli(1700000000000)
	store := NewStore(WithHistoryCapacity(2), WithClock(func() time.Time { return stamp }))
	for i := 0; i < 4; i++ {
		store.Set("n", i)
	}
	history := store.History()
	if len(history) != 2 || history[1].NewValue != 3 || history[0].Timestamp != stamp.UnixMilli() {
		t.Fatalf("unexpected history %+v", history)
	}
	if history[0].Source != SourceUnknown {
		t.Fatalf("expected default source, got %q", history[0].Source)
	}
}

func TestStoreSnapshotIsDeepCopy(t *testing.T) {
	store := newUIStore()
	snapshot := store.Snapshot("ui").(map[string]any)
	snapshot["theme"] = "mutated"
	if store.Get("ui.theme") != "system" {
		t.Fatalf("expected snapshot isolated from tree")
	}
	tree := store.Tree()
	tree["ui"] = nil
	if store.Get("ui") == nil {
		t.Fatalf("expected Tree copy isolated")
	}
}

type readMask struct{}

func (readMask) Name() string { return "mask" }

func (readMask) BeforeGet(_ context.Context, in Context) (Context, error) {
	if in.Path == "secret" {
		return in, ErrHalt
	}
	return in, nil
}

func (readMask) AfterGet(_ context.Context, in Context) (Context, error) {
	if s, ok := in.Value.(string); ok && in.Path == "ui.theme" {
		in.Value = "theme:" + s
	}
	return in, nil
}

func TestStoreReadMiddleware(t *testing.T) {
	store := newUIStore(WithDefaults(map[string]any{"secret": "token", "ui": map[string]any{"theme": "system"}}))
	if err := store.Use(readMask{}); err != nil {
		t.Fatalf("use: %v", err)
	}
	if _, ok := store.Lookup("secret"); ok {
		t.Fatalf("expected halted read to hide value")
	}
	if got := store.Get("ui.theme"); got != "theme:system" {
		t.Fatalf("expected afterGet transform, got %v", got)
	}
}

func TestStoreDelete(t *testing.T) {
	store := newUIStore()
	var got notification
	store.Subscribe("ui.sidebar", func(value, old any, path string) {
		got = notification{value, old, path}
	})
	if !store.Delete("ui.sidebar") {
		t.Fatalf("expected delete to report true")
	}
	if got.path != "ui.sidebar" || got.value != nil {
		t.Fatalf("unexpected delete notification %+v", got)
	}
	if store.Delete("ui.sidebar") {
		t.Fatalf("expected second delete to report false")
	}
}

func TestStoreDescribe(t *testing.T) {
	store := newUIStore()
	fields := store.Describe("ui")
	want := []FieldDescriptor{
		{Path: "ui.activeTab", Type: "string"},
		{Path: "ui.sidebar.open", Type: "bool"},
		{Path: "ui.theme", Type: "string"},
	}
	if !reflect.DeepEqual(fields, want) {
		t.Fatalf("expected %v, got %v", want, fields)
	}
	if got := store.Describe("missing"); len(got) != 0 {
		t.Fatalf("expected empty descriptors, got %v", got)
	}
}

func TestStoreHistoryKeepsValueAtWriteTime(t *testing.T) {
	store := NewStore()
	store.Set("ui", map[string]any{"theme": "dark"})
	store.Set("ui.theme", "light")

	history := store.History()
	first, ok := history[0].NewValue.(map[string]any)
	if !ok || first["theme"] != "dark" {
		t.Fatalf("expected history to keep the written mapping, got %v", history[0].NewValue)
	}
}

func TestStoreSelfReferenceDoesNotBreakReaders(t *testing.T) {
	store := NewStore()
	store.Set("a", map[string]any{"x": 1})
	if !store.Set("a.self", store.Get("a")) {
		t.Fatalf("expected write applied")
	}

	snapshot, ok := store.Snapshot("a").(map[string]any)
	if !ok || snapshot["x"] != 1 || snapshot["self"] != nil {
		t.Fatalf("expected acyclic snapshot, got %v", store.Snapshot("a"))
	}
	fields := store.Describe("a")
	if len(fields) != 2 || fields[0].Path != "a.self" || fields[1].Path != "a.x" {
		t.Fatalf("unexpected descriptors %+v", fields)
	}
	if _, err := store.HistoryJSON(); err != nil {
		t.Fatalf("expected history to serialise, got %v", err)
	}
}

type vetoEverything struct{}

func (vetoEverything) Name() string { return "veto-everything" }

func (vetoEverything) BeforeSet(_ context.Context, in Context) (Context, error) {
	return in, ErrHalt
}

func TestStoreDeleteRunsAfterSetOnly(t *testing.T) {
	store := newUIStore()
	recorder := &afterSetRecorder{}
	if err := store.Use(recorder); err != nil {
		t.Fatalf("use: %v", err)
	}
	if err := store.Use(vetoEverything{}); err != nil {
		t.Fatalf("use: %v", err)
	}

	if !store.Delete("ui.sidebar", WithSource("cleanup")) {
		t.Fatalf("expected delete applied despite beforeSet veto")
	}
	if len(recorder.contexts) != 1 {
		t.Fatalf("expected one afterSet, got %d", len(recorder.contexts))
	}
	got := recorder.contexts[0]
	if !got.Deleted || !got.Changed || got.Path != "ui.sidebar" || got.Value != nil || got.Source != "cleanup" {
		t.Fatalf("unexpected delete context %+v", got)
	}

	store.Delete("ui.missing")
	if len(recorder.contexts) != 1 {
		t.Fatalf("expected no afterSet for a missing path")
	}
}

func TestStoreOnResetSurvivesFullReset(t *testing.T) {
	store := newUIStore()
	var resets []string
	off := store.OnReset(func(path string) { resets = append(resets, path) })

	store.Reset("ui.sidebar")
	store.Reset("")
	store.Reset("ui")
	if len(resets) != 3 || resets[0] != "ui.sidebar" || resets[1] != "" || resets[2] != "ui" {
		t.Fatalf("unexpected reset hooks %v", resets)
	}

	off()
	store.Reset("")
	if len(resets) != 3 {
		t.Fatalf("expected hook removed")
	}
}
