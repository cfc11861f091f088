package layering

import (
	"reflect"
	"testing"
)

type channelSettings struct {
	Enabled *bool
	Volume  *int
	Labels  []string
}

type layeredSettings struct {
	Enabled *bool
	Limits  map[string]int
	Channel *channelSettings
	Tags    []string
}

func boolPtr(v bool) *bool { return &v }
func intPtr(v int) *int    { return &v }

func TestMergeLayersStrongestWins(t *testing.T) {
	strong := layeredSettings{
		Enabled: boolPtr(false),
		Limits:  map[string]int{"daily": 5},
		Channel: &channelSettings{Volume: intPtr(3)},
	}
	weak := layeredSettings{
		Enabled: boolPtr(true),
		Limits:  map[string]int{"daily": 10, "weekly": 50},
		Channel: &channelSettings{Enabled: boolPtr(true), Volume: intPtr(7), Labels: []string{"email"}},
		Tags:    []string{"default"},
	}

	got := MergeLayers(strong, weak)

	if got.Enabled == nil || *got.Enabled {
		t.Fatalf("expected enabled=false from strong layer, got %v", got.Enabled)
	}
	if !reflect.DeepEqual(got.Limits, map[string]int{"daily": 5, "weekly": 50}) {
		t.Fatalf("expected merged limits, got %v", got.Limits)
	}
	if got.Channel == nil || got.Channel.Volume == nil || *got.Channel.Volume != 3 {
		t.Fatalf("expected channel volume 3, got %+v", got.Channel)
	}
	if got.Channel.Enabled == nil || !*got.Channel.Enabled {
		t.Fatalf("expected channel enabled filled from weak layer, got %+v", got.Channel)
	}
	if !reflect.DeepEqual(got.Tags, []string{"default"}) {
		t.Fatalf("expected tags from weak layer, got %v", got.Tags)
	}
}

func TestMergeLayersZeroInput(t *testing.T) {
	type sample struct {
		Value int
	}
	var zero sample
	if got := MergeLayers[sample](); got != zero {
		t.Fatalf("expected MergeLayers() to return zero value, got %+v", got)
	}
}

func TestMergeLayersNestedMaps(t *testing.T) {
	persisted := map[string]any{
		"theme": "dark",
		"panel": map[string]any{"width": 320},
	}
	defaults := map[string]any{
		"theme":     "system",
		"activeTab": "summary",
		"panel":     map[string]any{"width": 240, "collapsed": false},
	}

	got := MergeLayers(persisted, defaults)

	want := map[string]any{
		"theme":     "dark",
		"activeTab": "summary",
		"panel":     map[string]any{"width": 320, "collapsed": false},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	if _, ok := defaults["panel"].(map[string]any)["width"].(int); !ok {
		t.Fatalf("expected defaults to stay untouched")
	}
	got["panel"].(map[string]any)["width"] = 1
	if defaults["panel"].(map[string]any)["width"] != 240 || persisted["panel"].(map[string]any)["width"] != 320 {
		t.Fatalf("expected merged result to be independent of its layers")
	}
}

func TestMergeShallow(t *testing.T) {
	base := map[string]any{"y": 2, "nested": map[string]any{"a": 1}}
	got := MergeShallow(base, map[string]any{"x": 1, "nested": map[string]any{"b": 2}})

	if got["x"] != 1 || got["y"] != 2 {
		t.Fatalf("expected x=1 y=2, got %v", got)
	}
	if !reflect.DeepEqual(got["nested"], map[string]any{"b": 2}) {
		t.Fatalf("expected nested mapping replaced, got %v", got["nested"])
	}
	if _, ok := base["x"]; ok {
		t.Fatalf("expected base to stay untouched")
	}
}

func TestCloneIsDeep(t *testing.T) {
	original := map[string]any{
		"ui":   map[string]any{"theme": "dark"},
		"tabs": []any{"summary", map[string]any{"id": "laps"}},
	}
	cloned := Clone(original)

	cloned["ui"].(map[string]any)["theme"] = "light"
	cloned["tabs"].([]any)[1].(map[string]any)["id"] = "map"

	if original["ui"].(map[string]any)["theme"] != "dark" {
		t.Fatalf("expected original ui.theme to stay dark")
	}
	if original["tabs"].([]any)[1].(map[string]any)["id"] != "laps" {
		t.Fatalf("expected original nested slice element untouched")
	}
}

func TestCloneNil(t *testing.T) {
	var tree map[string]any
	if got := Clone(tree); got != nil {
		t.Fatalf("expected nil clone, got %v", got)
	}
	if got := Clone[any](nil); got != nil {
		t.Fatalf("expected nil clone for nil interface, got %v", got)
	}
}

func TestCloneBreaksCycles(t *testing.T) {
	tree := map[string]any{"theme": "dark"}
	tree["self"] = tree
	seq := []any{"first", nil}
	seq[1] = seq
	tree["seq"] = seq

	got := Clone(tree)
	if got["theme"] != "dark" {
		t.Fatalf("expected scalar copied, got %v", got["theme"])
	}
	if got["self"] != nil {
		t.Fatalf("expected back-reference dropped, got %T", got["self"])
	}
	copied, ok := got["seq"].([]any)
	if !ok || len(copied) != 2 || copied[0] != "first" || copied[1] != nil {
		t.Fatalf("expected sequence back-reference dropped, got %v", got["seq"])
	}
	if tree["self"] == nil {
		t.Fatalf("expected input untouched")
	}
}

func TestCloneCopiesSharedValuesTwice(t *testing.T) {
	shared := map[string]any{"theme": "dark"}
	got := Clone(map[string]any{"a": shared, "b": shared})
	a := got["a"].(map[string]any)
	b := got["b"].(map[string]any)
	a["theme"] = "light"
	if b["theme"] != "dark" || shared["theme"] != "dark" {
		t.Fatalf("expected independent copies, got a=%v b=%v", a, b)
	}
}
