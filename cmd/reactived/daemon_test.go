package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	reactive "github.com/goliatone/go-reactive"
	"github.com/goliatone/go-reactive/internal/config"
	"github.com/goliatone/go-reactive/internal/logging"
	"github.com/goliatone/go-reactive/pkg/activity"
	"github.com/goliatone/go-reactive/pkg/facade"
	"github.com/goliatone/go-reactive/pkg/transport/ws"
	usertypes "github.com/goliatone/go-users/pkg/types"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const testConfig = `
in_memory = true
persist = ["ui"]
persist_delay = "10ms"
allow = ["ui.theme"]

[defaults.ui]
theme = "system"
activeTab = "home"

[[validation]]
path = "ui.theme"
tag = "oneof=light dark system"

[[notification]]
path = "ui.theme"
message = "theme is {value}"

[[computed]]
key = "isDark"
expr = "ui.theme == 'dark'"
deps = ["ui.theme"]
`

func newTestDaemon(t *testing.T, body string) *daemon {
	t.Helper()
	cfg, err := config.Parse([]byte(body))
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	d, err := newDaemon(context.Background(), cfg, logging.Discard())
	if err != nil {
		t.Fatalf("newDaemon: %v", err)
	}
	t.Cleanup(d.close)
	return d
}

func getJSON(t *testing.T, handler http.Handler, target string, out any) int {
	t.Helper()
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	if out != nil && rec.Code == http.StatusOK {
		if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
			t.Fatalf("decode %s: %v (%s)", target, err, rec.Body.String())
		}
	}
	return rec.Code
}

func TestInspectEndpoints(t *testing.T) {
	d := newTestDaemon(t, testConfig)
	d.store.Set("ui.theme", "dark", reactive.WithSource("test"))
	router := d.inspectRouter()

	var theme string
	if code := getJSON(t, router, "/state?path=ui.theme", &theme); code != http.StatusOK || theme != "dark" {
		t.Fatalf("expected dark theme, got %d %q", code, theme)
	}
	if code := getJSON(t, router, "/state?path=missing", nil); code != http.StatusNotFound {
		t.Fatalf("expected 404 for missing path, got %d", code)
	}

	var history []map[string]any
	getJSON(t, router, "/history?limit=1", &history)
	if len(history) != 1 || history[0]["path"] != "ui.theme" || history[0]["source"] != "test" {
		t.Fatalf("unexpected history: %v", history)
	}
	if code := getJSON(t, router, "/history?limit=-1", nil); code != http.StatusBadRequest {
		t.Fatalf("expected bad request, got %d", code)
	}

	var computed []computedView
	getJSON(t, router, "/computed", &computed)
	if len(computed) != 1 || computed[0].Key != "isDark" || computed[0].Value != true {
		t.Fatalf("unexpected computed: %+v", computed)
	}

	var trace reactive.Trace
	getJSON(t, router, "/trace?path=ui.theme", &trace)
	if !trace.Modified || len(trace.Layers) != 1 || trace.Layers[0].Scope.Name != "config" || trace.Layers[0].Value != "system" {
		t.Fatalf("unexpected trace: %+v", trace)
	}

	var schema map[string]any
	getJSON(t, router, "/schema", &schema)
	paths, _ := schema["paths"].(map[string]any)
	if _, ok := paths["/state/ui.theme"]; !ok {
		t.Fatalf("expected writable path in schema, got %v", paths)
	}

	var records []usertypes.ActivityRecord
	getJSON(t, router, "/activity", &records)
	verbs := map[string]bool{}
	for _, record := range records {
		verbs[record.Verb] = true
	}
	if !verbs[activity.VerbStateChanged] {
		t.Fatalf("expected state.changed activity, got %+v", records)
	}

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "reactive_store_set_duration_seconds") {
		t.Fatalf("expected store metrics exposed")
	}
}

func TestValidationVetoesInvalidWrites(t *testing.T) {
	d := newTestDaemon(t, testConfig)
	if d.store.Set("ui.theme", "neon") {
		t.Fatalf("expected invalid theme rejected")
	}
	if d.store.Get("ui.theme") != "system" {
		t.Fatalf("expected theme unchanged")
	}
}

func TestReloadSwapsRules(t *testing.T) {
	d := newTestDaemon(t, testConfig)
	next, err := config.Parse([]byte(`
slow_threshold = "1s"

[[validation]]
path = "ui.theme"
tag = "oneof=light dark system neon"
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	d.reload.Apply(next)
	if !d.store.Set("ui.theme", "neon") {
		t.Fatalf("expected reloaded rules to accept neon")
	}
	if d.reload.Timing.Threshold() != time.Second {
		t.Fatalf("expected threshold swapped")
	}
}

func TestFacadeOverWebSocket(t *testing.T) {
	d := newTestDaemon(t, testConfig)
	srv := httptest.NewServer(d.transportRouter())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := ws.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+transportPath, ws.WithProcessID("renderer-1"))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	f, err := facade.New(client)
	if err != nil {
		t.Fatalf("facade: %v", err)
	}
	defer f.Close()

	changed := make(chan any, 4)
	f.Subscribe("ui.theme", func(value, _ any, _ string) { changed <- value })
	if err := f.Mirror(ctx, "ui.theme"); err != nil {
		t.Fatalf("mirror: %v", err)
	}
	waitValue(t, changed, "system")

	if err := f.Write(ctx, "ui.theme", "light"); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitValue(t, changed, "light")
	if d.store.Get("ui.theme") != "light" {
		t.Fatalf("expected authoritative write, got %v", d.store.Get("ui.theme"))
	}

	if err := f.Write(ctx, "ui.theme", "neon"); err == nil {
		t.Fatalf("expected validation rejection to reach the facade")
	}
	if err := f.Write(ctx, "ui.activeTab", "stats"); err != nil {
		t.Fatalf("expected local write, got %v", err)
	}
	if d.store.Get("ui.activeTab") != "home" {
		t.Fatalf("expected unmirrored write to stay local")
	}

	subs := d.bridge.Subscriptions()
	if len(subs) != 1 || subs[0].ProcessID != "renderer-1" {
		t.Fatalf("unexpected subscriptions: %+v", subs)
	}
}

func TestCommandsAgainstDaemon(t *testing.T) {
	d := newTestDaemon(t, testConfig)
	srv := httptest.NewServer(d.transportRouter())
	defer srv.Close()
	addr := strings.TrimPrefix(srv.URL, "http://")

	out, err := runCommand(t, "set", "ui.theme", "dark", "--addr", addr)
	if err != nil {
		t.Fatalf("set: %v", err)
	}
	if strings.TrimSpace(out) != `"dark"` {
		t.Fatalf("unexpected set output %q", out)
	}
	out, err = runCommand(t, "get", "ui", "--addr", addr)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	var ui map[string]any
	if err := json.Unmarshal([]byte(out), &ui); err != nil || ui["theme"] != "dark" {
		t.Fatalf("unexpected get output %q: %v", out, err)
	}
	if _, err := runCommand(t, "set", "ui.activeTab", "stats", "--addr", addr); err == nil {
		t.Fatalf("expected allow-list rejection")
	}
	if history := d.store.History(); history[len(history)-1].Source != "cli" {
		t.Fatalf("expected cli source, got %+v", history[len(history)-1])
	}
}

func TestWatchStreamsPushes(t *testing.T) {
	d := newTestDaemon(t, testConfig)
	srv := httptest.NewServer(d.transportRouter())
	defer srv.Close()
	addr := strings.TrimPrefix(srv.URL, "http://")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := &lockedBuffer{}
	cmd := newRootCommand()
	cmd.SetOut(out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"watch", "ui.theme", "--addr", addr})
	done := make(chan error, 1)
	go func() { done <- cmd.ExecuteContext(ctx) }()

	waitOutput(t, out, `"system"`)
	d.store.Set("ui.theme", "dark", reactive.WithSource("test"))
	waitOutput(t, out, `"dark"`)

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("watch: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("watch did not stop after cancel")
	}
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func waitOutput(t *testing.T, out *lockedBuffer, want string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if strings.Contains(out.String(), want) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected %s in watch output, got %q", want, out.String())
}

func TestPersistenceSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	body := strings.Replace(testConfig, "in_memory = true", `data_dir = "`+dir+`"`, 1)

	first := newTestDaemon(t, body)
	first.store.Set("ui.theme", "dark")
	first.close()

	second := newTestDaemon(t, body)
	if second.store.Get("ui.theme") != "dark" {
		t.Fatalf("expected restored theme, got %v", second.store.Get("ui.theme"))
	}
	if second.store.Get("ui.activeTab") != "home" {
		t.Fatalf("expected defaults merged under restored state")
	}
}

func TestEvaluatorFor(t *testing.T) {
	for _, engine := range []string{"", "expr", "cel"} {
		if _, err := evaluatorFor(engine); err != nil {
			t.Fatalf("engine %q: %v", engine, err)
		}
	}
	if _, err := evaluatorFor("lua"); err == nil {
		t.Fatalf("expected unknown engine error")
	}
}

func TestParseValue(t *testing.T) {
	if parseValue("dark") != "dark" {
		t.Fatalf("expected plain string fallback")
	}
	if parseValue("3") != float64(3) || parseValue("true") != true {
		t.Fatalf("expected JSON scalars")
	}
	if m, ok := parseValue(`{"theme":"dark"}`).(map[string]any); !ok || m["theme"] != "dark" {
		t.Fatalf("expected JSON object")
	}
}

func TestAuditLogIsBounded(t *testing.T) {
	audit := newAuditLog(2)
	for _, verb := range []string{"a", "b", "c"} {
		_ = audit.Log(context.Background(), usertypes.ActivityRecord{Verb: verb})
	}
	records := audit.Records()
	if len(records) != 2 || records[0].Verb != "b" || records[1].Verb != "c" {
		t.Fatalf("unexpected records: %+v", records)
	}
}

func runCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func waitValue(t *testing.T, ch <-chan any, want any) {
	t.Helper()
	select {
	case got := <-ch:
		if got != want {
			t.Fatalf("expected %v, got %v", want, got)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for %v", want)
	}
}
