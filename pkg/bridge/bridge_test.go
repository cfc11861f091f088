package bridge

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	reactive "github.com/goliatone/go-reactive"
	"github.com/goliatone/go-reactive/layering"
	"github.com/goliatone/go-reactive/pkg/transport"
	"github.com/prometheus/client_golang/prometheus"
)

type fakeHandle struct {
	id        string
	destroyed bool
	fail      error
	panics    bool

	mu     sync.Mutex
	pushes []transport.Push
}

func (h *fakeHandle) ID() string      { return h.id }
func (h *fakeHandle) Destroyed() bool { return h.destroyed }

func (h *fakeHandle) Push(_ context.Context, push transport.Push) error {
	if h.panics {
		panic("renderer crashed")
	}
	if h.fail != nil {
		return h.fail
	}
	h.mu.Lock()
	h.pushes = append(h.pushes, push)
	h.mu.Unlock()
	return nil
}

func (h *fakeHandle) received() []transport.Push {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]transport.Push(nil), h.pushes...)
}

type fakeRegistry struct {
	handles []*fakeHandle
	handler transport.Handler
	detach  []func(string)
}

func (r *fakeRegistry) Lookup(id string) (transport.Handle, bool) {
	for _, h := range r.handles {
		if h.id == id {
			return h, true
		}
	}
	return nil, false
}

func (r *fakeRegistry) Handles() []transport.Handle {
	out := make([]transport.Handle, 0, len(r.handles))
	for _, h := range r.handles {
		out = append(out, h)
	}
	return out
}

func (r *fakeRegistry) OnDetach(fn func(string)) func() {
	r.detach = append(r.detach, fn)
	return func() {}
}

func (r *fakeRegistry) SetHandler(handler transport.Handler) { r.handler = handler }

func newThemeStore() *reactive.Store {
	return reactive.NewStore(reactive.WithDefaults(map[string]any{
		"ui":     map[string]any{"theme": "light", "activeTab": "home"},
		"global": map[string]any{"units": "metric"},
	}))
}

func subscribe(t *testing.T, b *Bridge, processID, path string) transport.Response {
	t.Helper()
	resp := b.HandleRequest(context.Background(), transport.Request{ID: "sub", Op: transport.OpSubscribe, Path: path, ProcessID: processID})
	if !resp.OK {
		t.Fatalf("expected subscribe ok, got %q", resp.Error)
	}
	return resp
}

func TestNewRequiresStoreAndRegistry(t *testing.T) {
	if _, err := New(nil, transport.NewHub()); err == nil {
		t.Fatalf("expected error for nil store")
	}
	if _, err := New(newThemeStore(), nil); err == nil {
		t.Fatalf("expected error for nil registry")
	}
}

func TestNewInstallsHandlerAndPublisher(t *testing.T) {
	store := newThemeStore()
	registry := &fakeRegistry{}
	b, err := New(store, registry)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if registry.handler != b {
		t.Fatalf("expected bridge installed as handler")
	}
	if _, ok := store.Pipeline().Lookup(PublisherName); !ok {
		t.Fatalf("expected publisher middleware registered")
	}
	b.Close()
	if _, ok := store.Pipeline().Lookup(PublisherName); ok {
		t.Fatalf("expected publisher removed on close")
	}
	if registry.handler != nil {
		t.Fatalf("expected handler cleared on close")
	}
}

func TestGetReturnsSanitizedSnapshot(t *testing.T) {
	store := newThemeStore()
	store.Set("ui.onClick", func() {})
	b, _ := New(store, &fakeRegistry{})

	resp := b.HandleRequest(context.Background(), transport.Request{ID: "1", Op: transport.OpGet, Path: "ui"})
	if !resp.OK || resp.ID != "1" {
		t.Fatalf("expected ok response with id, got %+v", resp)
	}
	ui := resp.Value.(map[string]any)
	if ui["theme"] != "light" {
		t.Fatalf("expected theme light, got %v", ui["theme"])
	}
	if _, ok := ui["onClick"]; ok {
		t.Fatalf("expected func dropped from payload")
	}

	ui["theme"] = "mutated"
	if store.Get("ui.theme") != "light" {
		t.Fatalf("expected payload not to alias the store")
	}
}

func TestSetHonoursAllowList(t *testing.T) {
	store := newThemeStore()
	b, _ := New(store, &fakeRegistry{}, WithAllowList("ui.theme", "global"))

	cases := []struct {
		path string
		ok   bool
	}{
		{"ui.theme", true},
		{"global.units", true},
		{"global", true},
		{"ui.activeTab", false},
		{"ui", false},
		{"", false},
	}
	for _, tc := range cases {
		resp := b.HandleRequest(context.Background(), transport.Request{Op: transport.OpSet, Path: tc.path, Value: "x", ProcessID: "p1"})
		if resp.OK != tc.ok {
			t.Fatalf("path %q: expected ok=%v, got %+v", tc.path, tc.ok, resp)
		}
		if !tc.ok && tc.path != "" && !strings.Contains(resp.Error, "not writable") {
			t.Fatalf("path %q: expected not writable error, got %q", tc.path, resp.Error)
		}
	}
	if store.Get("ui.activeTab") != "home" {
		t.Fatalf("expected rejected write to leave state untouched")
	}
}

func TestEmptyAllowListRejectsEverything(t *testing.T) {
	b, _ := New(newThemeStore(), &fakeRegistry{})
	resp := b.HandleRequest(context.Background(), transport.Request{Op: transport.OpSet, Path: "ui.theme", Value: "dark"})
	if resp.OK {
		t.Fatalf("expected rejection without allow-list")
	}
}

func TestSetAppliesWithSourceAndMerge(t *testing.T) {
	store := newThemeStore()
	b, _ := New(store, &fakeRegistry{}, WithAllowList("ui"))

	resp := b.HandleRequest(context.Background(), transport.Request{
		Op: transport.OpSet, Path: "ui", Value: map[string]any{"theme": "dark"}, Merge: true, ProcessID: "p1",
	})
	if !resp.OK {
		t.Fatalf("expected ok, got %q", resp.Error)
	}
	if store.Get("ui.theme") != "dark" || store.Get("ui.activeTab") != "home" {
		t.Fatalf("expected merged write, got %v", store.Get("ui"))
	}
	history := store.History()
	if len(history) != 1 || history[0].Source != "process:p1" {
		t.Fatalf("expected process source in history, got %+v", history)
	}
}

type vetoAll struct{}

func (vetoAll) Name() string { return "veto" }

func (vetoAll) BeforeSet(_ context.Context, in reactive.Context) (reactive.Context, error) {
	return in, reactive.ErrHalt
}

func TestSetReportsVeto(t *testing.T) {
	store := newThemeStore()
	_ = store.Use(vetoAll{})
	b, _ := New(store, &fakeRegistry{}, WithAllowList("ui"))

	resp := b.HandleRequest(context.Background(), transport.Request{Op: transport.OpSet, Path: "ui.theme", Value: "dark"})
	if resp.OK {
		t.Fatalf("expected vetoed write to fail")
	}
	if !strings.Contains(resp.Error, "rejected") {
		t.Fatalf("expected rejection error, got %q", resp.Error)
	}
}

func TestUnknownOp(t *testing.T) {
	b, _ := New(newThemeStore(), &fakeRegistry{})
	resp := b.HandleRequest(context.Background(), transport.Request{ID: "9", Op: "drop"})
	if resp.OK || resp.ID != "9" || !strings.Contains(resp.Error, "unknown operation") {
		t.Fatalf("expected unknown op failure, got %+v", resp)
	}
}

func TestSubscribePushesCurrentValue(t *testing.T) {
	handle := &fakeHandle{id: "renderer-1"}
	b, _ := New(newThemeStore(), &fakeRegistry{handles: []*fakeHandle{handle}})

	resp := subscribe(t, b, "renderer-1", "ui.theme")
	if resp.Value != "light" {
		t.Fatalf("expected current value in response, got %v", resp.Value)
	}
	pushes := handle.received()
	if len(pushes) != 1 || pushes[0].Value != "light" || pushes[0].Source != SourceSubscribe {
		t.Fatalf("expected immediate push, got %+v", pushes)
	}
	subs := b.Subscriptions()
	if len(subs) != 1 || subs[0] != (Subscription{Path: "ui.theme", ProcessID: "renderer-1"}) {
		t.Fatalf("unexpected subscriptions: %+v", subs)
	}
}

func TestSubscribeUnknownProcessFails(t *testing.T) {
	b, _ := New(newThemeStore(), &fakeRegistry{})
	resp := b.HandleRequest(context.Background(), transport.Request{Op: transport.OpSubscribe, Path: "ui", ProcessID: "ghost"})
	if resp.OK {
		t.Fatalf("expected failure for unknown process")
	}
	if len(b.Subscriptions()) != 0 {
		t.Fatalf("expected no subscription recorded")
	}
}

func TestUnsubscribe(t *testing.T) {
	handle := &fakeHandle{id: "p1"}
	b, _ := New(newThemeStore(), &fakeRegistry{handles: []*fakeHandle{handle}})
	subscribe(t, b, "p1", "ui")

	resp := b.HandleRequest(context.Background(), transport.Request{Op: transport.OpUnsubscribe, Path: "ui", ProcessID: "p1"})
	if !resp.OK || resp.Value != true {
		t.Fatalf("expected unsubscribe true, got %+v", resp)
	}
	resp = b.HandleRequest(context.Background(), transport.Request{Op: transport.OpUnsubscribe, Path: "ui", ProcessID: "p1"})
	if resp.Value != false {
		t.Fatalf("expected second unsubscribe false, got %+v", resp)
	}
}

func TestPublishIsolatesTargets(t *testing.T) {
	first := &fakeHandle{id: "a"}
	middle := &fakeHandle{id: "b"}
	last := &fakeHandle{id: "c"}
	registry := &fakeRegistry{handles: []*fakeHandle{first, middle, last}}
	b, _ := New(newThemeStore(), registry)
	for _, id := range []string{"a", "b", "c"} {
		subscribe(t, b, id, "ui")
	}
	middle.destroyed = true

	report := b.Publish(context.Background(), "ui.theme", "dark", "test")
	if len(report.Delivered) != 2 || report.Delivered[0] != "a" || report.Delivered[1] != "c" {
		t.Fatalf("expected delivery to a and c, got %+v", report.Delivered)
	}
	if len(report.Skipped) != 1 || report.Skipped[0] != "b" {
		t.Fatalf("expected b skipped, got %+v", report.Skipped)
	}
	if len(report.Failed) != 0 {
		t.Fatalf("expected no failures, got %v", report.Failed)
	}
	got := last.received()
	if got[len(got)-1].Value != "dark" || got[len(got)-1].Path != "ui.theme" {
		t.Fatalf("expected change push, got %+v", got[len(got)-1])
	}
}

func TestPublishRecoversFailingAndPanickingTargets(t *testing.T) {
	failing := &fakeHandle{id: "a"}
	panicking := &fakeHandle{id: "b"}
	healthy := &fakeHandle{id: "c"}
	reg := prometheus.NewRegistry()
	b, _ := New(newThemeStore(), &fakeRegistry{handles: []*fakeHandle{failing, panicking, healthy}}, WithMetrics(NewMetrics(reg)))
	for _, id := range []string{"a", "b", "c"} {
		subscribe(t, b, id, "ui.theme")
	}
	failing.fail = errors.New("socket gone")
	panicking.panics = true

	report := b.Publish(context.Background(), "ui.theme", "dark", "test")
	if len(report.Delivered) != 1 || report.Delivered[0] != "c" {
		t.Fatalf("expected only c delivered, got %+v", report.Delivered)
	}
	if len(report.Failed) != 2 {
		t.Fatalf("expected two failures, got %v", report.Failed)
	}
	if !strings.Contains(report.Failed["b"].Error(), "panicked") {
		t.Fatalf("expected panic reported, got %v", report.Failed["b"])
	}
	if got := pushCount(t, reg, "failed"); got != 2 {
		t.Fatalf("expected 2 failed pushes counted, got %v", got)
	}
}

func TestPublishMatchesRelatedPaths(t *testing.T) {
	ancestor := &fakeHandle{id: "ancestor"}
	descendant := &fakeHandle{id: "descendant"}
	unrelated := &fakeHandle{id: "unrelated"}
	b, _ := New(newThemeStore(), &fakeRegistry{handles: []*fakeHandle{ancestor, descendant, unrelated}})
	subscribe(t, b, "ancestor", "ui")
	subscribe(t, b, "descendant", "ui.theme")
	subscribe(t, b, "unrelated", "global")

	report := b.Publish(context.Background(), "ui", map[string]any{"theme": "dark"}, "test")
	if len(report.Delivered) != 2 {
		t.Fatalf("expected ancestor and descendant delivered, got %+v", report.Delivered)
	}
	if len(unrelated.received()) != 1 {
		t.Fatalf("expected unrelated process to see only its initial push")
	}
}

func TestStoreWritesArePublished(t *testing.T) {
	store := newThemeStore()
	hub := transport.NewHub()
	b, _ := New(store, hub)
	defer b.Close()

	client := hub.Connect("renderer")
	var pushes []transport.Push
	client.OnPush(func(p transport.Push) { pushes = append(pushes, p) })
	if _, err := client.Invoke(context.Background(), transport.Request{Op: transport.OpSubscribe, Path: "ui"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	store.Set("ui.theme", "dark", reactive.WithSource("settings"))
	store.Set("ui.theme", "dark")
	store.Set("ui.activeTab", "stats", reactive.WithSilent())

	if len(pushes) != 2 {
		t.Fatalf("expected initial push plus one change, got %+v", pushes)
	}
	if pushes[1].Path != "ui.theme" || pushes[1].Value != "dark" || pushes[1].Source != "settings" {
		t.Fatalf("unexpected change push: %+v", pushes[1])
	}
}

func TestDetachReleasesSubscriptions(t *testing.T) {
	hub := transport.NewHub()
	b, _ := New(newThemeStore(), hub)
	client := hub.Connect("renderer")
	if _, err := client.Invoke(context.Background(), transport.Request{Op: transport.OpSubscribe, Path: "ui"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(b.Subscriptions()) != 1 {
		t.Fatalf("expected one subscription")
	}
	_ = client.Close()
	if len(b.Subscriptions()) != 0 {
		t.Fatalf("expected subscriptions released on detach, got %+v", b.Subscriptions())
	}
}

func TestMetricsCountRequests(t *testing.T) {
	reg := prometheus.NewRegistry()
	b, _ := New(newThemeStore(), &fakeRegistry{}, WithMetrics(NewMetrics(reg)))
	b.HandleRequest(context.Background(), transport.Request{Op: transport.OpGet, Path: "ui"})
	b.HandleRequest(context.Background(), transport.Request{Op: transport.OpSet, Path: "ui"})

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	total := 0.0
	for _, family := range families {
		if family.GetName() != "reactive_bridge_requests_total" {
			continue
		}
		for _, metric := range family.GetMetric() {
			total += metric.GetCounter().GetValue()
		}
	}
	if total != 2 {
		t.Fatalf("expected 2 requests counted, got %v", total)
	}
}

func pushCount(t *testing.T, reg *prometheus.Registry, result string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, family := range families {
		if family.GetName() != "reactive_bridge_pushes_total" {
			continue
		}
		for _, metric := range family.GetMetric() {
			for _, label := range metric.GetLabel() {
				if label.GetName() == "result" && label.GetValue() == result {
					return metric.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func TestConcurrentWritersConverge(t *testing.T) {
	ui := map[string]any{}
	for i := 0; i < 50; i++ {
		ui[fmt.Sprintf("x%d", i)] = 0
	}
	store := reactive.NewStore(reactive.WithDefaults(map[string]any{"ui": ui}))
	hub := transport.NewHub()
	b, err := New(store, hub, WithAllowList("ui"))
	if err != nil {
		t.Fatalf("bridge: %v", err)
	}
	defer b.Close()

	var (
		mu     sync.Mutex
		mirror = map[string]any{}
	)
	watcher := hub.Connect("watcher")
	watcher.OnPush(func(p transport.Push) {
		mu.Lock()
		defer mu.Unlock()
		if err := reactive.SetPath(mirror, p.Path, p.Value); err != nil {
			t.Errorf("apply push %q: %v", p.Path, err)
		}
	})
	if _, err := watcher.Invoke(context.Background(), transport.Request{Op: transport.OpSubscribe, Path: "ui"}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	whole := hub.Connect("renderer-whole")
	leaves := hub.Connect("renderer-leaves")
	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			next := map[string]any{}
			for k := 0; k < 50; k++ {
				next[fmt.Sprintf("x%d", k)] = i
			}
			resp, err := whole.Invoke(context.Background(), transport.Request{Op: transport.OpSet, Path: "ui", Value: next})
			if err != nil || !resp.OK {
				t.Errorf("whole write %d: %v %s", i, err, resp.Error)
				return
			}
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			path := fmt.Sprintf("ui.x%d", i%50)
			resp, err := leaves.Invoke(context.Background(), transport.Request{Op: transport.OpSet, Path: path, Value: -i})
			if err != nil || !resp.OK {
				t.Errorf("leaf write %d: %v %s", i, err, resp.Error)
				return
			}
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			store.Set(fmt.Sprintf("ui.y%d", i%5), i, reactive.WithSource("local"))
		}
	}()
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	want := layering.Sanitize(store.Snapshot("ui"))
	if got := layering.Sanitize(mirror["ui"]); !reflect.DeepEqual(got, want) {
		t.Fatalf("expected mirror to converge on %v, got %v", want, got)
	}
}

func TestWriteBackFromPushDoesNotDeadlock(t *testing.T) {
	store := newThemeStore()
	hub := transport.NewHub()
	b, err := New(store, hub, WithAllowList("ui"))
	if err != nil {
		t.Fatalf("bridge: %v", err)
	}
	defer b.Close()

	renderer := hub.Connect("renderer")
	renderer.OnPush(func(p transport.Push) {
		if p.Path != "ui.theme" || p.Value != "dark" {
			return
		}
		resp, err := renderer.Invoke(context.Background(), transport.Request{Op: transport.OpSet, Path: "ui.accent", Value: "black"})
		if err != nil || !resp.OK {
			t.Errorf("nested write: %v %s", err, resp.Error)
		}
	})
	if _, err := renderer.Invoke(context.Background(), transport.Request{Op: transport.OpSubscribe, Path: "ui"}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	done := make(chan transport.Response, 1)
	go func() {
		resp, _ := renderer.Invoke(context.Background(), transport.Request{Op: transport.OpSet, Path: "ui.theme", Value: "dark"})
		done <- resp
	}()
	select {
	case resp := <-done:
		if !resp.OK {
			t.Fatalf("expected outer write accepted, got %s", resp.Error)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("write back from a push deadlocked")
	}
	if store.Get("ui.accent") != "black" {
		t.Fatalf("expected nested write applied, got %v", store.Get("ui.accent"))
	}
}

func TestRemoteValuesAreCopied(t *testing.T) {
	store := newThemeStore()
	b, _ := New(store, &fakeRegistry{}, WithAllowList("ui"))
	value := map[string]any{"theme": "dark", "activeTab": "home"}
	resp := b.HandleRequest(context.Background(), transport.Request{Op: transport.OpSet, Path: "ui", Value: value, ProcessID: "p1"})
	if !resp.OK {
		t.Fatalf("unexpected failure: %s", resp.Error)
	}
	value["theme"] = "mutated"
	if store.Get("ui.theme") != "dark" {
		t.Fatalf("expected store decoupled from the request value")
	}
	resp.Value.(map[string]any)["theme"] = "mutated"
	if store.Get("ui.theme") != "dark" {
		t.Fatalf("expected store decoupled from the response value")
	}
}

func TestStoreDeletesArePublished(t *testing.T) {
	store := newThemeStore()
	hub := transport.NewHub()
	b, _ := New(store, hub)
	defer b.Close()

	client := hub.Connect("renderer")
	var pushes []transport.Push
	client.OnPush(func(p transport.Push) { pushes = append(pushes, p) })
	if _, err := client.Invoke(context.Background(), transport.Request{Op: transport.OpSubscribe, Path: "ui"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	store.Delete("ui.activeTab", reactive.WithSource("cleanup"))
	store.Delete("ui.theme", reactive.WithSilent())

	if len(pushes) != 2 {
		t.Fatalf("expected initial push plus one delete, got %+v", pushes)
	}
	if got := pushes[1]; got.Path != "ui.activeTab" || !got.Deleted || got.Value != nil || got.Source != "cleanup" {
		t.Fatalf("unexpected delete push: %+v", got)
	}
}
