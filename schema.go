package reactive

import (
	"fmt"
	"sort"

	"github.com/goliatone/go-reactive/layering"
)

// FieldDescriptor describes a leaf path of the tree and its inferred type.
type FieldDescriptor struct {
	Path string `json:"path"`
	Type string `json:"type"`
}

// Describe flattens the subtree at path into sorted leaf descriptors. Paths
// in the result are absolute.
func (s *Store) Describe(path string) []FieldDescriptor {
	s.mu.RLock()
	value, ok := GetPath(s.tree, path)
	if ok {
		value = layering.Clone(value)
	}
	s.mu.RUnlock()
	if !ok {
		return []FieldDescriptor{}
	}
	descriptors := DescribeValue(value, path)
	if descriptors == nil {
		descriptors = []FieldDescriptor{}
	}
	return descriptors
}

// DescribeValue flattens value into leaf descriptors rooted at prefix.
func DescribeValue(value any, prefix string) []FieldDescriptor {
	if value == nil {
		if prefix == "" {
			return nil
		}
		return []FieldDescriptor{{Path: prefix, Type: "nil"}}
	}

	switch typed := value.(type) {
	case map[string]any:
		if len(typed) == 0 {
			return []FieldDescriptor{{
				Path: prefix,
				Type: "map[string]any",
			}}
		}
		keys := make([]string, 0, len(typed))
		for key := range typed {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		var fields []FieldDescriptor
		for _, key := range keys {
			fields = append(fields, DescribeValue(typed[key], JoinPath(prefix, key))...)
		}
		return fields
	case []any:
		elementType := "any"
		if len(typed) > 0 {
			elementType = typeName(typed[0])
		}
		return []FieldDescriptor{{
			Path: prefix,
			Type: "[]" + elementType,
		}}
	default:
		if prefix == "" {
			return nil
		}
		return []FieldDescriptor{{
			Path: prefix,
			Type: typeName(typed),
		}}
	}
}

func typeName(value any) string {
	if value == nil {
		return "nil"
	}
	return fmt.Sprintf("%T", value)
}
