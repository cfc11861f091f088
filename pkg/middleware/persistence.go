package middleware

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	reactive "github.com/goliatone/go-reactive"
	"github.com/goliatone/go-reactive/layering"
	"github.com/goliatone/go-reactive/pkg/activity"
	"github.com/goliatone/go-reactive/pkg/storage"
)

// PersistenceName is the pipeline name of the persistence middleware.
const PersistenceName = "persistence"

// SourceRestore labels writes made by Persistence.Restore. Such writes are
// never persisted again.
const SourceRestore = "restore"

// DefaultPersistDelay is the debounce window for snapshot writes.
const DefaultPersistDelay = 300 * time.Millisecond

// Snapshotter provides deep copies of subtrees. *reactive.Store satisfies it.
type Snapshotter interface {
	Snapshot(path string) any
}

// Persistence writes JSON snapshots of allow-listed top-level roots to a KV
// store. Each change to a root restarts that root's debounce timer so a burst
// of writes produces a single snapshot.
type Persistence struct {
	kv        storage.KV
	source    Snapshotter
	namespace string
	roots     map[string]struct{}
	logger    reactive.Logger
	emitter   *activity.Emitter
	debouncer *Debouncer

	mu      sync.Mutex
	lastErr error
	saves   map[string]storage.Meta
}

// PersistenceOption configures Persistence.
type PersistenceOption func(*persistenceConfig)

type persistenceConfig struct {
	namespace string
	delay     time.Duration
	logger    reactive.Logger
	emitter   *activity.Emitter
}

// WithNamespace sets the key namespace. Default storage.DefaultNamespace.
func WithNamespace(namespace string) PersistenceOption {
	return func(cfg *persistenceConfig) {
		cfg.namespace = namespace
	}
}

// WithPersistDelay overrides DefaultPersistDelay.
func WithPersistDelay(delay time.Duration) PersistenceOption {
	return func(cfg *persistenceConfig) {
		cfg.delay = delay
	}
}

// WithPersistenceLogger sets the diagnostics logger.
func WithPersistenceLogger(logger reactive.Logger) PersistenceOption {
	return func(cfg *persistenceConfig) {
		cfg.logger = logger
	}
}

// WithPersistenceEmitter emits state.persisted and state.restored events.
func WithPersistenceEmitter(emitter *activity.Emitter) PersistenceOption {
	return func(cfg *persistenceConfig) {
		cfg.emitter = emitter
	}
}

// NewPersistence persists the given roots of source into kv.
func NewPersistence(kv storage.KV, source Snapshotter, roots []string, opts ...PersistenceOption) (*Persistence, error) {
	if kv == nil {
		return nil, errors.New("persistence: kv store is required")
	}
	if source == nil {
		return nil, errors.New("persistence: snapshot source is required")
	}
	cfg := persistenceConfig{namespace: storage.DefaultNamespace, delay: DefaultPersistDelay}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	allowed := make(map[string]struct{}, len(roots))
	for _, root := range roots {
		root = strings.TrimSpace(root)
		if root == "" {
			continue
		}
		if strings.Contains(root, ".") {
			return nil, fmt.Errorf("persistence: root %q must be a top-level key", root)
		}
		allowed[root] = struct{}{}
	}
	return &Persistence{
		kv:        kv,
		source:    source,
		namespace: cfg.namespace,
		roots:     allowed,
		logger:    loggerOr(cfg.logger),
		emitter:   cfg.emitter,
		debouncer: NewDebouncer(cfg.delay),
		saves:     map[string]storage.Meta{},
	}, nil
}

func (p *Persistence) Name() string { return PersistenceName }

// Roots lists the persisted roots in sorted order.
func (p *Persistence) Roots() []string {
	out := make([]string, 0, len(p.roots))
	for root := range p.roots {
		out = append(out, root)
	}
	sort.Strings(out)
	return out
}

func (p *Persistence) AfterSet(_ context.Context, in reactive.Context) (reactive.Context, error) {
	if !in.Changed || in.Source == SourceRestore {
		return in, nil
	}
	root := rootSegment(in.Path)
	if _, ok := p.roots[root]; !ok {
		return in, nil
	}
	p.debouncer.Trigger(root, func() {
		if err := p.save(context.Background(), root); err != nil {
			p.logger.Error("state snapshot failed", "root", root, "error", err)
		}
	})
	return in, nil
}

// Pending lists roots with a scheduled snapshot.
func (p *Persistence) Pending() []string {
	pending := p.debouncer.Pending()
	sort.Strings(pending)
	return pending
}

// Flush writes every pending snapshot now.
func (p *Persistence) Flush(ctx context.Context) error {
	var errs []error
	for _, root := range p.Pending() {
		p.debouncer.Cancel(root)
		if err := p.save(ctx, root); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close flushes pending snapshots and stops scheduling new ones. The pipeline
// calls it when the middleware is replaced or removed.
func (p *Persistence) Close() error {
	err := p.Flush(context.Background())
	p.debouncer.Close()
	return err
}

// LastError returns the most recent snapshot failure.
func (p *Persistence) LastError() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastErr
}

// LastSaved returns the metadata of the latest snapshot of root.
func (p *Persistence) LastSaved(root string) (storage.Meta, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	meta, ok := p.saves[root]
	return meta, ok
}

func (p *Persistence) save(ctx context.Context, root string) error {
	ref := storage.Ref{Namespace: p.namespace, Path: root}
	value := layering.Sanitize(p.source.Snapshot(root))

	var (
		meta storage.Meta
		err  error
	)
	if value == nil {
		err = p.remove(ctx, ref)
	} else {
		meta, err = storage.SaveSnapshot(ctx, p.kv, ref, value, storage.Meta{Source: PersistenceName})
	}

	p.mu.Lock()
	p.lastErr = err
	if err == nil && value != nil {
		p.saves[root] = meta
	}
	p.mu.Unlock()
	if err != nil {
		return fmt.Errorf("persistence: save %q: %w", root, err)
	}

	p.logger.Debug("state snapshot saved", "root", root, "snapshot_id", meta.SnapshotID, "etag", meta.ETag)
	if p.emitter.Enabled() {
		_ = p.emitter.Emit(ctx, activity.BuildStatePersistedEvent(activity.StateEventInput{
			Path:       root,
			SnapshotID: meta.SnapshotID,
			Source:     PersistenceName,
		}))
	}
	return nil
}

func (p *Persistence) remove(ctx context.Context, ref storage.Ref) error {
	remover, ok := p.kv.(storage.Remover)
	if !ok {
		return nil
	}
	key, err := ref.Identifier()
	if err != nil {
		return err
	}
	return remover.RemoveItem(ctx, key)
}

// Restore loads each persisted root into store. Persisted values take
// precedence over the store defaults, which fill keys the snapshot lacks.
// Writes are silent and tagged SourceRestore.
func (p *Persistence) Restore(ctx context.Context, store *reactive.Store) error {
	defaults := store.Defaults()
	var errs []error
	for _, root := range p.Roots() {
		ref := storage.Ref{Namespace: p.namespace, Path: root}
		value, meta, ok, err := storage.LoadSnapshot(ctx, p.kv, ref)
		if err != nil {
			errs = append(errs, fmt.Errorf("persistence: restore %q: %w", root, err))
			continue
		}
		if !ok {
			continue
		}
		fallback, _ := reactive.GetPath(defaults, root)
		merged := layering.MergeLayers[any](value, fallback)
		result := store.Apply(root, merged, reactive.WithMerge(), reactive.WithSilent(), reactive.WithSource(SourceRestore), reactive.WithContext(ctx))
		if result.Err != nil {
			errs = append(errs, fmt.Errorf("persistence: restore %q: %w", root, result.Err))
			continue
		}
		if !result.Applied {
			p.logger.Warn("state restore vetoed", "root", root)
			continue
		}
		p.logger.Info("state restored", "root", root, "snapshot_id", meta.SnapshotID)
		if p.emitter.Enabled() {
			_ = p.emitter.Emit(ctx, activity.BuildStateRestoredEvent(activity.StateEventInput{
				Path:       root,
				SnapshotID: meta.SnapshotID,
				Source:     SourceRestore,
			}))
		}
	}
	return errors.Join(errs...)
}
