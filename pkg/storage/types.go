package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// DefaultNamespace prefixes keys when no namespace is configured.
const DefaultNamespace = "reactive"

var ErrInvalidRef = errors.New("storage: invalid ref")

// KV is the durable key/value collaborator. GetItem reports ok=false when the
// key has never been written.
type KV interface {
	GetItem(ctx context.Context, key string) (value string, ok bool, err error)
	SetItem(ctx context.Context, key, value string) error
}

// Remover is implemented by stores that can delete keys.
type Remover interface {
	RemoveItem(ctx context.Context, key string) error
}

// Lister is implemented by stores that can enumerate keys.
type Lister interface {
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// Ref identifies one persisted subtree.
type Ref struct {
	Namespace string
	Path      string
}

// Meta is storage-owned metadata attached to a snapshot.
type Meta struct {
	SnapshotID string            `json:"snapshot_id,omitempty"`
	ETag       string            `json:"etag,omitempty"`
	UpdatedAt  time.Time         `json:"updated_at,omitempty"`
	Source     string            `json:"source,omitempty"`
	Extra      map[string]string `json:"extra,omitempty"`
}

// Identifier returns the deterministic key for r.
func (r Ref) Identifier() (string, error) {
	path := strings.TrimSpace(r.Path)
	if path == "" {
		return "", fmt.Errorf("%w: path is required", ErrInvalidRef)
	}
	if strings.Contains(r.Namespace, "/") {
		return "", fmt.Errorf("%w: namespace %q must not contain '/'", ErrInvalidRef, r.Namespace)
	}
	namespace := strings.TrimSpace(r.Namespace)
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return namespace + "/" + path, nil
}

// Key is shorthand for Ref{Namespace: namespace, Path: path}.Identifier().
func Key(namespace, path string) (string, error) {
	return Ref{Namespace: namespace, Path: path}.Identifier()
}

func cloneMeta(meta Meta) Meta {
	out := meta
	if meta.Extra == nil {
		return out
	}
	out.Extra = make(map[string]string, len(meta.Extra))
	for k, v := range meta.Extra {
		out.Extra[k] = v
	}
	return out
}
