package reactive

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/goliatone/go-reactive/layering"
)

// ErrNoValue indicates a decode of a path that holds nothing.
var ErrNoValue = errors.New("reactive: no value at path")

// DecodeOption configures Decode and Bind.
type DecodeOption[T any] func(*decoder[T])

type decoder[T any] struct {
	useNumber bool
	strict    bool
	normalize []func(path string, payload map[string]any) (map[string]any, error)
	checks    []func(path string, out *T) error
}

// DecodeUseNumber keeps numbers as json.Number while decoding.
func DecodeUseNumber[T any]() DecodeOption[T] {
	return func(d *decoder[T]) {
		d.useNumber = true
	}
}

// DecodeStrict rejects fields T does not declare.
func DecodeStrict[T any]() DecodeOption[T] {
	return func(d *decoder[T]) {
		d.strict = true
	}
}

// DecodeNormalize rewrites a private copy of a mapping before decoding. It
// fails the decode when the value at the path is not a mapping.
func DecodeNormalize[T any](fn func(path string, payload map[string]any) (map[string]any, error)) DecodeOption[T] {
	return func(d *decoder[T]) {
		if fn != nil {
			d.normalize = append(d.normalize, fn)
		}
	}
}

// DecodeCheck validates or adjusts the decoded value.
func DecodeCheck[T any](fn func(path string, out *T) error) DecodeOption[T] {
	return func(d *decoder[T]) {
		if fn != nil {
			d.checks = append(d.checks, fn)
		}
	}
}

func newDecoder[T any](opts []DecodeOption[T]) *decoder[T] {
	d := &decoder[T]{}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

// Decode reads the value at path and decodes it into T through its JSON
// representation. Mappings, sequences and scalars all decode; the live tree
// is never modified.
func Decode[T any](store *Store, path string, opts ...DecodeOption[T]) (T, error) {
	var zero T
	if store == nil {
		return zero, fmt.Errorf("reactive: decode %q: store is nil", path)
	}
	value, ok := store.Lookup(path)
	if !ok {
		return zero, fmt.Errorf("%w: decode %q", ErrNoValue, path)
	}
	return newDecoder(opts).decode(path, value)
}

// Bind calls fn with the decoded value at path now and after every change at
// or below path. Decode failures reach fn instead of being dropped.
func Bind[T any](store *Store, path string, fn func(T, error), opts ...DecodeOption[T]) Unsubscribe {
	d := newDecoder(opts)
	deliver := func(value any, present bool) {
		if !present || value == nil {
			var zero T
			fn(zero, fmt.Errorf("%w: decode %q", ErrNoValue, path))
			return
		}
		fn(d.decode(path, value))
	}
	unsubscribe := store.Subscribe(path, func(value, _ any, _ string) {
		deliver(value, true)
	})
	deliver(store.Lookup(path))
	return unsubscribe
}

func (d *decoder[T]) decode(path string, value any) (T, error) {
	var zero T
	payload := layering.Sanitize(value)

	if len(d.normalize) > 0 {
		mapping, ok := payload.(map[string]any)
		if !ok {
			return zero, fmt.Errorf("reactive: decode %q: expected mapping, got %T", path, value)
		}
		for _, fn := range d.normalize {
			next, err := fn(path, mapping)
			if err != nil {
				return zero, fmt.Errorf("reactive: decode %q: normalize: %w", path, err)
			}
			if next != nil {
				mapping = next
			}
		}
		payload = mapping
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return zero, fmt.Errorf("reactive: decode %q: %w", path, err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	if d.useNumber {
		dec.UseNumber()
	}
	if d.strict {
		dec.DisallowUnknownFields()
	}
	var out T
	if err := dec.Decode(&out); err != nil {
		return zero, fmt.Errorf("reactive: decode %q: %w", path, err)
	}

	for _, check := range d.checks {
		if err := check(path, &out); err != nil {
			return zero, fmt.Errorf("reactive: decode %q: %w", path, err)
		}
	}
	return out, nil
}
