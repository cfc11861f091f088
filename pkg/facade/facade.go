// Package facade is the UI-process view of state. It keeps a local store for
// UI-only concerns and mirrors selected paths from the privileged process:
// writes to mirrored paths go to the bridge, and the bridge's pushes are
// applied locally without being sent back.
package facade

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	reactive "github.com/goliatone/go-reactive"
	"github.com/goliatone/go-reactive/pkg/transport"
)

const (
	// SourceBridge labels local writes that came from a bridge push or fetch.
	SourceBridge = "bridge"
	// RelayName is the pipeline name of the relay middleware.
	RelayName = "facade.relay"
	// RelayPriority places the relay after local validation.
	RelayPriority = -100
	// DefaultRequestTimeout bounds each bridge call made by the facade.
	DefaultRequestTimeout = 5 * time.Second

	metaRelayed = "relayed"
	metaRelayOK = "relay.ok"
)

var (
	// ErrNotMirrored indicates a bridge call for a path the facade does not mirror.
	ErrNotMirrored = errors.New("facade: path is not mirrored")
	// ErrRejected reports a write refused locally or by the bridge.
	ErrRejected = errors.New("facade: write rejected")
)

// Facade combines a local store with a mirror of bridge-owned paths.
type Facade struct {
	store    *reactive.Store
	computed *reactive.ComputedGraph
	client   transport.Client
	logger   reactive.Logger
	timeout  time.Duration

	storeOpts    []reactive.StoreOption
	computedOpts []reactive.ComputedOption

	mu       sync.RWMutex
	mirrored map[string]struct{}

	offPush func()
	closed  bool
}

// Option configures a Facade.
type Option func(*Facade)

// WithStore uses store as the local store instead of building one.
func WithStore(store *reactive.Store) Option {
	return func(f *Facade) {
		f.store = store
	}
}

// WithStoreOptions configures the local store built by New.
func WithStoreOptions(opts ...reactive.StoreOption) Option {
	return func(f *Facade) {
		f.storeOpts = append(f.storeOpts, opts...)
	}
}

// WithComputedOptions configures the local computed graph.
func WithComputedOptions(opts ...reactive.ComputedOption) Option {
	return func(f *Facade) {
		f.computedOpts = append(f.computedOpts, opts...)
	}
}

// WithLogger sets the diagnostics logger.
func WithLogger(logger reactive.Logger) Option {
	return func(f *Facade) {
		f.logger = logger
	}
}

// WithRequestTimeout bounds every bridge call. Zero leaves calls bounded only
// by the caller's context.
func WithRequestTimeout(timeout time.Duration) Option {
	return func(f *Facade) {
		f.timeout = timeout
	}
}

// New builds a facade talking to the privileged process through client.
func New(client transport.Client, opts ...Option) (*Facade, error) {
	if client == nil {
		return nil, errors.New("facade: client is required")
	}
	f := &Facade{
		client:   client,
		timeout:  DefaultRequestTimeout,
		mirrored: map[string]struct{}{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	if f.logger == nil {
		f.logger = reactive.NopLogger()
	}
	if f.store == nil {
		storeOpts := append([]reactive.StoreOption{reactive.WithLogger(f.logger)}, f.storeOpts...)
		f.store = reactive.NewStore(storeOpts...)
	}
	if err := f.store.Use(relay{facade: f}, reactive.WithPriority(RelayPriority)); err != nil {
		return nil, fmt.Errorf("facade: register relay: %w", err)
	}
	f.computed = reactive.NewComputedGraph(f.store, f.computedOpts...)
	f.offPush = client.OnPush(f.applyPush)
	return f, nil
}

// Store returns the local store.
func (f *Facade) Store() *reactive.Store { return f.store }

// Computed returns the local computed graph.
func (f *Facade) Computed() *reactive.ComputedGraph { return f.computed }

// ProcessID returns the id the privileged process knows this facade by.
func (f *Facade) ProcessID() string { return f.client.ProcessID() }

// Mirror subscribes to paths at the bridge. From then on writes at or below
// those paths are relayed and pushes for them are applied locally.
func (f *Facade) Mirror(ctx context.Context, paths ...string) error {
	var errs []error
	for _, path := range paths {
		path = strings.TrimSpace(path)
		if len(reactive.SplitPath(path)) == 0 {
			errs = append(errs, fmt.Errorf("facade: mirror: %w", reactive.ErrEmptyPath))
			continue
		}
		f.mu.Lock()
		f.mirrored[path] = struct{}{}
		f.mu.Unlock()

		resp, err := f.invoke(ctx, transport.Request{Op: transport.OpSubscribe, Path: path})
		if err != nil {
			f.mu.Lock()
			delete(f.mirrored, path)
			f.mu.Unlock()
			errs = append(errs, fmt.Errorf("facade: mirror %q: %w", path, err))
			continue
		}
		// The initial push normally lands first; apply the response only if
		// it did not.
		if current, _ := f.store.Lookup(path); !reflect.DeepEqual(current, resp.Value) {
			f.store.Apply(path, resp.Value, reactive.WithSource(SourceBridge))
		}
		f.logger.Debug("path mirrored", "path", path, "process_id", f.client.ProcessID())
	}
	return errors.Join(errs...)
}

// Unmirror stops mirroring path. The locally cached value is kept.
func (f *Facade) Unmirror(ctx context.Context, path string) error {
	f.mu.Lock()
	_, ok := f.mirrored[path]
	delete(f.mirrored, path)
	f.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotMirrored, path)
	}
	_, err := f.invoke(ctx, transport.Request{Op: transport.OpUnsubscribe, Path: path})
	return err
}

// Mirrored lists the mirrored paths in sorted order.
func (f *Facade) Mirrored() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]string, 0, len(f.mirrored))
	for path := range f.mirrored {
		out = append(out, path)
	}
	sort.Strings(out)
	return out
}

// IsMirrored reports whether path is at or below a mirrored path.
func (f *Facade) IsMirrored(path string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for mirrored := range f.mirrored {
		if reactive.IsWithin(path, mirrored) {
			return true
		}
	}
	return false
}

// Get reads path from the local store. Mirrored paths hold the last value
// pushed by the bridge and are advisory only.
func (f *Facade) Get(path string) any {
	return f.store.Get(path)
}

// Subscribe registers listener on the local store.
func (f *Facade) Subscribe(path string, listener reactive.Listener) reactive.Unsubscribe {
	return f.store.Subscribe(path, listener)
}

// Set writes value and reports whether it was accepted. Local paths are
// applied directly; mirrored paths are accepted once the bridge acknowledges
// them and change locally only when the bridge pushes the result back.
func (f *Facade) Set(path string, value any, opts ...reactive.SetOption) bool {
	return f.Write(context.Background(), path, value, opts...) == nil
}

// Write is Set with a context and the rejection reason.
func (f *Facade) Write(ctx context.Context, path string, value any, opts ...reactive.SetOption) error {
	opts = append(opts, reactive.WithContext(ctx))
	result := f.store.Apply(path, value, opts...)
	if result.Err != nil {
		return result.Err
	}
	if result.Applied {
		return nil
	}
	if relayed, _ := result.Context.Meta(metaRelayed); relayed == true {
		if ok, _ := result.Context.Meta(metaRelayOK); ok == true {
			return nil
		}
	}
	if reason := result.Context.Err; reason != nil && !isBareHalt(reason) {
		return fmt.Errorf("%w: %s: %w", ErrRejected, path, reason)
	}
	return fmt.Errorf("%w: %s", ErrRejected, path)
}

// Refresh fetches the authoritative value of a mirrored path and applies it
// locally, recovering from a missed push.
func (f *Facade) Refresh(ctx context.Context, path string) (any, error) {
	if !f.IsMirrored(path) {
		return nil, fmt.Errorf("%w: %q", ErrNotMirrored, path)
	}
	resp, err := f.invoke(ctx, transport.Request{Op: transport.OpGet, Path: path})
	if err != nil {
		return nil, fmt.Errorf("facade: refresh %q: %w", path, err)
	}
	f.store.Apply(path, resp.Value, reactive.WithSource(SourceBridge))
	return resp.Value, nil
}

// Close detaches the facade from the client and releases the computed graph.
// The client itself stays open.
func (f *Facade) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	f.mu.Unlock()
	if f.offPush != nil {
		f.offPush()
	}
	f.computed.Close()
	f.store.Pipeline().Remove(RelayName)
}

func (f *Facade) invoke(ctx context.Context, req transport.Request) (transport.Response, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}
	resp, err := f.client.Invoke(ctx, req)
	if err != nil {
		return resp, err
	}
	if !resp.OK {
		return resp, fmt.Errorf("%w: %s", ErrRejected, resp.Error)
	}
	return resp, nil
}

// applyPush writes a bridge push into the local store with source bridge so
// the relay lets it through. Pushes for an ancestor of a mirrored path only
// update the mirrored parts; a deleted ancestor removes them.
func (f *Facade) applyPush(push transport.Push) {
	for _, target := range f.pushTargets(push.Path) {
		if push.Deleted {
			f.store.Delete(target, reactive.WithSource(SourceBridge))
			continue
		}
		value := push.Value
		if target != push.Path {
			var ok bool
			value, ok = descend(push.Value, push.Path, target)
			if !ok {
				continue
			}
		}
		f.store.Apply(target, value, reactive.WithSource(SourceBridge))
	}
}

func (f *Facade) pushTargets(path string) []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return nil
	}
	for mirrored := range f.mirrored {
		if reactive.IsWithin(path, mirrored) {
			return []string{path}
		}
	}
	var targets []string
	for mirrored := range f.mirrored {
		if reactive.IsWithin(mirrored, path) {
			targets = append(targets, mirrored)
		}
	}
	sort.Strings(targets)
	if len(targets) == 0 {
		f.logger.Debug("push for unmirrored path ignored", "path", path)
	}
	return targets
}

func descend(value any, from, to string) (any, bool) {
	tree, ok := value.(map[string]any)
	if !ok {
		return nil, false
	}
	rel := to
	if from != "" {
		rel = strings.TrimPrefix(to, from+".")
	}
	return reactive.GetPath(tree, rel)
}

func isBareHalt(err error) bool {
	return err == reactive.ErrHalt
}

// relay forwards writes on mirrored paths to the bridge and vetoes the local
// apply; the bridge's push brings the accepted value back.
type relay struct {
	facade *Facade
}

func (r relay) Name() string { return RelayName }

func (r relay) BeforeSet(ctx context.Context, in reactive.Context) (reactive.Context, error) {
	if in.Source == SourceBridge || !r.facade.IsMirrored(in.Path) {
		return in, nil
	}
	out := in.WithMeta(metaRelayed, true)
	source := in.Source
	if source == reactive.SourceUnknown {
		source = ""
	}
	_, err := r.facade.invoke(ctx, transport.Request{
		Op:     transport.OpSet,
		Path:   in.Path,
		Value:  in.Value,
		Merge:  in.Merge,
		Source: source,
	})
	if err != nil {
		r.facade.logger.Warn("relayed write failed", "path", in.Path, "error", err)
		return out.WithMeta(metaRelayOK, false), errors.Join(reactive.ErrHalt, err)
	}
	return out.WithMeta(metaRelayOK, true), reactive.ErrHalt
}
