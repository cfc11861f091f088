// Package reactive implements a path-addressed state store with change
// notification, a middleware pipeline around every mutation, and a graph of
// lazily recomputed derived values.
//
// Paths are dotted strings ("ui.theme") addressing nodes of a tree built from
// map[string]any, []any and scalar leaves. Writes auto-vivify intermediate
// mappings; WithStrictPaths turns replacement of an existing non-mapping node
// into ErrPathConflict instead.
//
// A Store notifies listeners on the exact path first and then on every
// ancestor, passing the ancestor's current value. Listener panics are
// recovered and logged one listener at a time.
//
//	store := reactive.NewStore(reactive.WithDefaults(map[string]any{
//		"ui": map[string]any{"theme": "system"},
//	}))
//	store.Subscribe("ui", func(value, old any, path string) { ... })
//	store.Set("ui.theme", "dark", reactive.WithSource("settings"))
//
// Middleware declares the phases it handles by implementing BeforeSetHandler,
// AfterSetHandler and friends. A beforeSet handler returning ErrHalt vetoes
// the write.
//
// Defaults can come from a DefaultsStack of scoped layers (built-in, config,
// profile); Store.Trace then reports which layer supplied a value and whether
// it has since been modified.
//
// ComputedGraph registers derived values as Go functions or as expressions
// evaluated by expr, CEL or (with the js_eval build tag) goja.
package reactive
