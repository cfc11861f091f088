package reactive

import (
	"errors"
	"fmt"
	"sort"

	"github.com/goliatone/go-reactive/layering"
)

// Recommended priorities for default layers. Higher numbers win.
const (
	ScopePriorityBuiltin = 100
	ScopePriorityConfig  = 200
	ScopePriorityProfile = 300
)

var (
	// ErrScopeNameRequired indicates a layer without a scope name.
	ErrScopeNameRequired = errors.New("scope: name must be provided")
	// ErrDuplicateScopeName indicates two layers share a scope name.
	ErrDuplicateScopeName = errors.New("scope: names must be unique")
	// ErrPriorityOrder indicates two layers share a priority.
	ErrPriorityOrder = errors.New("scope: priorities must be strictly ordered")
)

// Scope names a source of default state (built-in, config file, profile).
// Higher priority values represent stronger layers.
type Scope struct {
	Name     string         `json:"name"`
	Label    string         `json:"label,omitempty"`
	Priority int            `json:"priority"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// ScopeOption configures a Scope.
type ScopeOption func(*Scope)

// WithScopeLabel sets a human-friendly label on the scope.
func WithScopeLabel(label string) ScopeOption {
	return func(s *Scope) {
		s.Label = label
	}
}

// WithScopeMetadata attaches a copy of metadata to the scope.
func WithScopeMetadata(metadata map[string]any) ScopeOption {
	return func(s *Scope) {
		s.Metadata = copyMetadata(metadata)
	}
}

// NewScope builds a Scope. Validation is deferred to NewDefaultsStack.
func NewScope(name string, priority int, opts ...ScopeOption) Scope {
	scope := Scope{Name: name, Priority: priority}
	for _, opt := range opts {
		if opt != nil {
			opt(&scope)
		}
	}
	return scope
}

func (s Scope) clone() Scope {
	s.Metadata = copyMetadata(s.Metadata)
	return s
}

// DefaultsLayer pairs a scope with the default tree it contributes.
type DefaultsLayer struct {
	Scope      Scope
	Tree       map[string]any
	SnapshotID string
}

// NewDefaultsLayer copies tree so later caller mutations do not leak in.
func NewDefaultsLayer(scope Scope, tree map[string]any, snapshotID string) DefaultsLayer {
	return DefaultsLayer{
		Scope:      scope.clone(),
		Tree:       layering.Clone(tree),
		SnapshotID: snapshotID,
	}
}

func (l DefaultsLayer) clone() DefaultsLayer {
	return NewDefaultsLayer(l.Scope, l.Tree, l.SnapshotID)
}

// DefaultsStack is an immutable set of default layers ordered from strongest
// to weakest.
type DefaultsStack struct {
	layers []DefaultsLayer
}

// NewDefaultsStack validates the layers and orders them strongest first.
// Names must be unique and priorities distinct.
func NewDefaultsStack(layers ...DefaultsLayer) (*DefaultsStack, error) {
	seen := make(map[string]struct{}, len(layers))
	copied := make([]DefaultsLayer, 0, len(layers))
	for _, layer := range layers {
		if layer.Scope.Name == "" {
			return nil, ErrScopeNameRequired
		}
		if _, ok := seen[layer.Scope.Name]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateScopeName, layer.Scope.Name)
		}
		seen[layer.Scope.Name] = struct{}{}
		copied = append(copied, layer.clone())
	}

	sort.Slice(copied, func(i, j int) bool {
		return copied[i].Scope.Priority > copied[j].Scope.Priority
	})
	for i := 1; i < len(copied); i++ {
		if copied[i-1].Scope.Priority == copied[i].Scope.Priority {
			return nil, fmt.Errorf("%w: %s and %s share %d", ErrPriorityOrder,
				copied[i-1].Scope.Name, copied[i].Scope.Name, copied[i].Scope.Priority)
		}
	}
	return &DefaultsStack{layers: copied}, nil
}

// Layers returns copies of the layers, strongest first.
func (s *DefaultsStack) Layers() []DefaultsLayer {
	if s == nil || len(s.layers) == 0 {
		return nil
	}
	out := make([]DefaultsLayer, len(s.layers))
	for i := range s.layers {
		out[i] = s.layers[i].clone()
	}
	return out
}

// Len reports the number of layers.
func (s *DefaultsStack) Len() int {
	if s == nil {
		return 0
	}
	return len(s.layers)
}

// Merge resolves the layers into one tree. Stronger layers keep their
// explicit values and weaker layers fill in missing keys.
func (s *DefaultsStack) Merge() map[string]any {
	if s.Len() == 0 {
		return map[string]any{}
	}
	trees := make([]map[string]any, len(s.layers))
	for i := range s.layers {
		trees[i] = s.layers[i].Tree
	}
	merged := layering.MergeLayers(trees...)
	if merged == nil {
		merged = map[string]any{}
	}
	return merged
}

// Trace reports how each layer contributes to path, strongest first. The
// first Found entry supplied the effective default.
func (s *DefaultsStack) Trace(path string) Trace {
	trace := Trace{Path: path}
	if s == nil {
		return trace
	}
	for _, layer := range s.layers {
		value, found := GetPath(layer.Tree, path)
		entry := Provenance{
			Scope:      layer.Scope.clone(),
			SnapshotID: layer.SnapshotID,
			Path:       path,
			Found:      found,
		}
		if found {
			entry.Value = layering.Clone(value)
		}
		trace.Layers = append(trace.Layers, entry)
	}
	return trace
}

// Trace captures where the value at a path came from.
type Trace struct {
	Path string `json:"path"`
	// Value is the live value held by the store.
	Value any `json:"value,omitempty"`
	// Modified is true when the live value differs from the effective default.
	Modified bool         `json:"modified"`
	Layers   []Provenance `json:"layers"`
}

// Provenance details how one scope contributed to a traced path.
type Provenance struct {
	Scope      Scope  `json:"scope"`
	SnapshotID string `json:"snapshot_id,omitempty"`
	Path       string `json:"path"`
	Value      any    `json:"value,omitempty"`
	Found      bool   `json:"found"`
}

// Effective returns the provenance entry that supplied the default, if any.
func (t Trace) Effective() (Provenance, bool) {
	for _, entry := range t.Layers {
		if entry.Found {
			return entry, true
		}
	}
	return Provenance{}, false
}

func copyMetadata(origin map[string]any) map[string]any {
	if len(origin) == 0 {
		return nil
	}
	out := make(map[string]any, len(origin))
	for key, value := range origin {
		out[key] = value
	}
	return out
}
