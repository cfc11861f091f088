package reactive

import (
	"errors"
	"strconv"
	"strings"
)

var (
	// ErrEmptyPath indicates a write was attempted without a target path.
	ErrEmptyPath = errors.New("reactive: path must not be empty")
	// ErrPathConflict indicates a strict write would have replaced an existing
	// non-mapping value on the way to the target node.
	ErrPathConflict = errors.New("reactive: intermediate node is not a mapping")
)

// SplitPath breaks a dotted path into its segments. The empty path addresses
// the root and yields no segments.
func SplitPath(path string) []string {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	return strings.Split(path, ".")
}

// JoinPath appends segment to prefix using the dotted notation.
func JoinPath(prefix, segment string) string {
	if prefix == "" {
		return segment
	}
	if segment == "" {
		return prefix
	}
	return prefix + "." + segment
}

// ParentPath returns the parent of path and false when path is already the
// root.
func ParentPath(path string) (string, bool) {
	idx := strings.LastIndex(path, ".")
	if idx < 0 {
		if path == "" {
			return "", false
		}
		return "", true
	}
	return path[:idx], true
}

// Ancestors lists every ancestor of path from nearest to farthest, excluding
// the root.
func Ancestors(path string) []string {
	segments := SplitPath(path)
	if len(segments) < 2 {
		return nil
	}
	out := make([]string, 0, len(segments)-1)
	for i := len(segments) - 1; i > 0; i-- {
		out = append(out, strings.Join(segments[:i], "."))
	}
	return out
}

// IsWithin reports whether path equals root or is nested below it.
func IsWithin(path, root string) bool {
	if root == "" {
		return true
	}
	if path == root {
		return true
	}
	return strings.HasPrefix(path, root+".")
}

// GetPath walks tree along path. Missing keys and non-traversable nodes stop
// the walk without panicking. The empty path returns tree itself.
func GetPath(tree map[string]any, path string) (any, bool) {
	segments := SplitPath(path)
	if len(segments) == 0 {
		return tree, true
	}
	var current any = tree
	for _, segment := range segments {
		switch node := current.(type) {
		case map[string]any:
			next, ok := node[segment]
			if !ok {
				return nil, false
			}
			current = next
		case []any:
			idx, err := strconv.Atoi(segment)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			current = node[idx]
		default:
			return nil, false
		}
	}
	return current, true
}

// SetPath writes value at path, replacing any intermediate node that is not a
// map[string]any with a fresh mapping. Previously stored scalars or sequences
// at those positions are discarded.
func SetPath(tree map[string]any, path string, value any) error {
	return setPath(tree, path, value, false)
}

// SetPathStrict behaves like SetPath but refuses to replace an existing
// non-mapping intermediate node, returning ErrPathConflict instead.
func SetPathStrict(tree map[string]any, path string, value any) error {
	return setPath(tree, path, value, true)
}

func setPath(tree map[string]any, path string, value any, strict bool) error {
	segments := SplitPath(path)
	if len(segments) == 0 || tree == nil {
		return ErrEmptyPath
	}
	current := tree
	for i, segment := range segments[:len(segments)-1] {
		next, exists := current[segment]
		child, ok := next.(map[string]any)
		if !ok || child == nil {
			if strict && exists && next != nil {
				return &PathError{Path: path, Segment: strings.Join(segments[:i+1], "."), Err: ErrPathConflict}
			}
			child = map[string]any{}
			current[segment] = child
		}
		current = child
	}
	current[segments[len(segments)-1]] = value
	return nil
}

// DeletePath removes the node at path. It reports whether a key was removed.
func DeletePath(tree map[string]any, path string) bool {
	segments := SplitPath(path)
	if len(segments) == 0 {
		return false
	}
	parentPath := strings.Join(segments[:len(segments)-1], ".")
	parent, ok := GetPath(tree, parentPath)
	if !ok {
		return false
	}
	node, ok := parent.(map[string]any)
	if !ok {
		return false
	}
	key := segments[len(segments)-1]
	if _, exists := node[key]; !exists {
		return false
	}
	delete(node, key)
	return true
}

// PathError annotates a path failure with the offending segment.
type PathError struct {
	Path    string
	Segment string
	Err     error
}

func (e *PathError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return "reactive: set " + strconv.Quote(e.Path) + " at " + strconv.Quote(e.Segment) + ": " + e.Err.Error()
}

func (e *PathError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}
