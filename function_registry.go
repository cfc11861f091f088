package reactive

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

var (
	// ErrFunctionName indicates an empty or reserved function name.
	ErrFunctionName = errors.New("reactive: invalid function name")
	// ErrFunctionExists indicates a second registration under one name.
	ErrFunctionExists = errors.New("reactive: function already registered")
	// ErrUnknownFunction indicates a call to a name nothing registered.
	ErrUnknownFunction = errors.New("reactive: function not registered")
)

// Function is a Go helper callable from computed expressions.
type Function func(args ...any) (any, error)

// FunctionRegistry holds expression helpers. Lookups through Call ignore
// case; expressions see each function under the name it was registered
// with. Names the engines bind themselves (state, get, has, ...) are
// rejected.
type FunctionRegistry struct {
	mu        sync.RWMutex
	functions map[string]namedFunction
}

type namedFunction struct {
	name string
	fn   Function
}

// NewFunctionRegistry constructs an empty registry.
func NewFunctionRegistry() *FunctionRegistry {
	return &FunctionRegistry{functions: map[string]namedFunction{}}
}

// Register stores fn under name.
func (r *FunctionRegistry) Register(name string, fn Function) error {
	key := strings.ToLower(strings.TrimSpace(name))
	switch {
	case fn == nil:
		return fmt.Errorf("reactive: function %q is nil", name)
	case key == "" || reservedBinding(key):
		return fmt.Errorf("%w: %q", ErrFunctionName, name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.functions == nil {
		r.functions = map[string]namedFunction{}
	}
	if _, exists := r.functions[key]; exists {
		return fmt.Errorf("%w: %q", ErrFunctionExists, name)
	}
	r.functions[key] = namedFunction{name: strings.TrimSpace(name), fn: fn}
	return nil
}

// Clone returns an independent copy.
func (r *FunctionRegistry) Clone() *FunctionRegistry {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	clone := NewFunctionRegistry()
	for key, entry := range r.functions {
		clone.functions[key] = entry
	}
	return clone
}

// Call runs the function registered for name. Panics inside fn surface as
// errors so one faulty helper cannot take the compute down.
func (r *FunctionRegistry) Call(name string, args ...any) (result any, err error) {
	if r == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownFunction, name)
	}
	r.mu.RLock()
	fn := r.functions[strings.ToLower(name)].fn
	r.mu.RUnlock()
	if fn == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownFunction, name)
	}
	defer func() {
		if p := recover(); p != nil {
			result, err = nil, fmt.Errorf("reactive: function %q panicked: %v", name, p)
		}
	}()
	return fn(args...)
}

// Names lists the registered names, as spelled at registration, in sorted
// order.
func (r *FunctionRegistry) Names() []string {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.functions))
	for _, entry := range r.functions {
		names = append(names, entry.name)
	}
	sort.Strings(names)
	return names
}
