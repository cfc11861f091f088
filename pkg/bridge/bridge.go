// Package bridge exposes the authoritative store of the privileged process to
// UI processes over a transport: reads, allow-listed writes, and change
// subscriptions with at-most-once push delivery.
package bridge

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
	"github.com/goliatone/go-reactive/pkg/transport"
)

var (
	// ErrNotWritable rejects writes outside the allow-list.
	ErrNotWritable = errors.New("bridge: path is not writable")
	// ErrRejected reports a write vetoed by store middleware.
	ErrRejected = errors.New("bridge: write rejected")
	// ErrUnknownOp rejects unsupported operations.
	ErrUnknownOp = errors.New("bridge: unknown operation")
)

const (
	// PublisherName is the pipeline name of the middleware that publishes
	// authoritative changes.
	PublisherName = "bridge.publish"
	// PublisherPriority runs the publisher after the built-in middleware.
	PublisherPriority = 1000
	// SourceSubscribe labels the initial push sent on subscription.
	SourceSubscribe = "bridge.subscribe"
	// DefaultPushTimeout bounds a single push.
	DefaultPushTimeout = 2 * time.Second
)

// Subscription is one process's interest in a path.
type Subscription struct {
	Path      string `json:"path"`
	ProcessID string `json:"process_id"`
}

// Report summarises one publish. Each target lands in exactly one bucket.
type Report struct {
	Path      string
	Delivered []string
	Skipped   []string
	Failed    map[string]error
}

// Bridge serves transport requests against an authoritative store. It
// implements transport.Handler.
type Bridge struct {
	store    *reactive.Store
	registry transport.Registry
	logger   reactive.Logger
	metrics  *Metrics
	now      func() time.Time
	timeout  time.Duration
	allow    []string

	mu   sync.RWMutex
	subs map[string]map[string]struct{}

	// writeMu serializes remote writes.
	writeMu sync.Mutex

	outMu    sync.Mutex
	outbox   []change
	writing  bool
	draining bool

	detachOff func()
}

// change is an applied write waiting to be published.
type change struct {
	path   string
	source string
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithAllowList sets the writable paths. A write is allowed when its path is
// an allow-listed path or nested below one.
func WithAllowList(paths ...string) Option {
	return func(b *Bridge) {
		for _, path := range paths {
			if path = strings.TrimSpace(path); path != "" {
				b.allow = append(b.allow, path)
			}
		}
	}
}

// WithLogger sets the diagnostics logger.
func WithLogger(logger reactive.Logger) Option {
	return func(b *Bridge) {
		b.logger = logger
	}
}

// WithMetrics records request and push counters.
func WithMetrics(metrics *Metrics) Option {
	return func(b *Bridge) {
		b.metrics = metrics
	}
}

// WithClock overrides the clock used to stamp pushes.
func WithClock(now func() time.Time) Option {
	return func(b *Bridge) {
		b.now = now
	}
}

// WithPushTimeout bounds each push. Zero disables the bound.
func WithPushTimeout(timeout time.Duration) Option {
	return func(b *Bridge) {
		b.timeout = timeout
	}
}

// New wires a bridge between store and registry: it becomes the registry's
// request handler, releases subscriptions when processes detach, and
// registers the publisher middleware on store.
func New(store *reactive.Store, registry transport.Registry, opts ...Option) (*Bridge, error) {
	if store == nil {
		return nil, errors.New("bridge: store is required")
	}
	if registry == nil {
		return nil, errors.New("bridge: registry is required")
	}
	b := &Bridge{
		store:    store,
		registry: registry,
		now:      time.Now,
		timeout:  DefaultPushTimeout,
		subs:     map[string]map[string]struct{}{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	if b.logger == nil {
		b.logger = reactive.NopLogger()
	}
	if err := store.Use(publisher{bridge: b}, reactive.WithPriority(PublisherPriority)); err != nil {
		return nil, fmt.Errorf("bridge: register publisher: %w", err)
	}
	registry.SetHandler(b)
	b.detachOff = registry.OnDetach(b.Detach)
	return b, nil
}

// Close detaches the bridge from its store and registry.
func (b *Bridge) Close() {
	if b.detachOff != nil {
		b.detachOff()
	}
	b.registry.SetHandler(nil)
	b.store.Pipeline().Remove(PublisherName)
}

// Writable reports whether path is covered by the allow-list.
func (b *Bridge) Writable(path string) bool {
	if len(reactive.SplitPath(path)) == 0 {
		return false
	}
	for _, allowed := range b.allow {
		if reactive.IsWithin(path, allowed) {
			return true
		}
	}
	return false
}

// AllowList returns the writable paths.
func (b *Bridge) AllowList() []string {
	return append([]string(nil), b.allow...)
}

// HandleRequest serves one transport request. Failures come back as
// OK=false responses; it never panics on bad input.
func (b *Bridge) HandleRequest(ctx context.Context, req transport.Request) transport.Response {
	resp := b.handle(ctx, req)
	resp.ID = req.ID
	b.metrics.request(req.Op, resp.OK)
	if !resp.OK {
		b.logger.Debug("bridge request failed", "op", req.Op, "path", req.Path, "process_id", req.ProcessID, "error", resp.Error)
	}
	return resp
}

func (b *Bridge) handle(ctx context.Context, req transport.Request) transport.Response {
	switch req.Op {
	case transport.OpGet:
		return transport.Ok(req.ID, layering.Sanitize(b.store.Snapshot(req.Path)))
	case transport.OpSet:
		return b.set(ctx, req)
	case transport.OpSubscribe:
		return b.subscribe(ctx, req)
	case transport.OpUnsubscribe:
		return transport.Ok(req.ID, b.unsubscribe(req.ProcessID, req.Path))
	default:
		return transport.Fail(req.ID, fmt.Errorf("%w: %q", ErrUnknownOp, req.Op))
	}
}

func (b *Bridge) set(ctx context.Context, req transport.Request) transport.Response {
	if !b.Writable(req.Path) {
		return transport.Fail(req.ID, fmt.Errorf("%w: %q", ErrNotWritable, req.Path))
	}
	source := strings.TrimSpace(req.Source)
	if source == "" {
		source = "process:" + req.ProcessID
	}
	opts := []reactive.SetOption{reactive.WithSource(source), reactive.WithContext(ctx)}
	if req.Merge {
		opts = append(opts, reactive.WithMerge())
	}
	resp := b.apply(req, opts)
	b.drain()
	return resp
}

// apply runs one remote write under writeMu. Changes it produces are queued
// and published by drain once the lock is released.
func (b *Bridge) apply(req transport.Request, opts []reactive.SetOption) transport.Response {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	b.setWriting(true)
	defer b.setWriting(false)

	result := b.store.Apply(req.Path, layering.Sanitize(req.Value), opts...)
	if result.Err != nil {
		return transport.Fail(req.ID, result.Err)
	}
	if !result.Applied {
		reason := ErrRejected
		if result.Context.Err != nil {
			return transport.Fail(req.ID, fmt.Errorf("%w: %v", reason, result.Context.Err))
		}
		return transport.Fail(req.ID, reason)
	}
	return transport.Ok(req.ID, layering.Sanitize(b.store.Snapshot(req.Path)))
}

func (b *Bridge) setWriting(writing bool) {
	b.outMu.Lock()
	b.writing = writing
	b.outMu.Unlock()
}

func (b *Bridge) enqueue(path, source string) {
	b.outMu.Lock()
	b.outbox = append(b.outbox, change{path: path, source: source})
	b.outMu.Unlock()
}

// drain publishes queued changes in order. Only one goroutine drains at a
// time, and never while a remote write holds writeMu: a push that triggers a
// write back into the bridge queues behind the drain already running. Each
// push carries the value current at delivery, or Deleted when the path is
// gone.
func (b *Bridge) drain() {
	b.outMu.Lock()
	if b.draining || b.writing {
		b.outMu.Unlock()
		return
	}
	b.draining = true
	for len(b.outbox) > 0 {
		next := b.outbox[0]
		b.outbox = b.outbox[1:]
		b.outMu.Unlock()
		value, found := b.store.LookupSnapshot(next.path)
		b.deliver(context.Background(), transport.Push{
			Path:      next.path,
			Value:     layering.Sanitize(value),
			Source:    next.source,
			Timestamp: b.now().UnixMilli(),
			Deleted:   !found,
		})
		b.outMu.Lock()
	}
	b.outbox = nil
	b.draining = false
	b.outMu.Unlock()
}

func (b *Bridge) subscribe(ctx context.Context, req transport.Request) transport.Response {
	if req.ProcessID == "" {
		return transport.Fail(req.ID, errors.New("bridge: subscribe requires a process id"))
	}
	handle, ok := b.registry.Lookup(req.ProcessID)
	if !ok || handle.Destroyed() {
		return transport.Fail(req.ID, fmt.Errorf("%w: %s", transport.ErrDestroyed, req.ProcessID))
	}

	b.mu.Lock()
	paths := b.subs[req.ProcessID]
	if paths == nil {
		paths = map[string]struct{}{}
		b.subs[req.ProcessID] = paths
	}
	paths[req.Path] = struct{}{}
	b.mu.Unlock()

	current := layering.Sanitize(b.store.Snapshot(req.Path))
	if err := b.push(ctx, handle, transport.Push{Path: req.Path, Value: current, Source: SourceSubscribe}); err != nil {
		b.logger.Warn("initial push failed", "path", req.Path, "process_id", req.ProcessID, "error", err)
	}
	return transport.Ok(req.ID, current)
}

func (b *Bridge) unsubscribe(processID, path string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	paths := b.subs[processID]
	if _, ok := paths[path]; !ok {
		return false
	}
	delete(paths, path)
	if len(paths) == 0 {
		delete(b.subs, processID)
	}
	return true
}

// Detach releases every subscription of processID.
func (b *Bridge) Detach(processID string) {
	b.mu.Lock()
	_, had := b.subs[processID]
	delete(b.subs, processID)
	b.mu.Unlock()
	if had {
		b.logger.Info("process subscriptions released", "process_id", processID)
	}
}

// Subscriptions lists every live subscription ordered by process then path.
func (b *Bridge) Subscriptions() []Subscription {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []Subscription
	for processID, paths := range b.subs {
		for path := range paths {
			out = append(out, Subscription{Path: path, ProcessID: processID})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ProcessID == out[j].ProcessID {
			return out[i].Path < out[j].Path
		}
		return out[i].ProcessID < out[j].ProcessID
	})
	return out
}

// Publish pushes a change at path to every live process holding a related
// subscription, meaning one on path, an ancestor of it or a descendant of it.
// value must not be shared with concurrent writers; the publisher passes a
// snapshot.
// Each target is isolated: a destroyed, failing or panicking target never
// affects the others. Nothing is retried.
func (b *Bridge) Publish(ctx context.Context, path string, value any, source string) Report {
	return b.deliver(ctx, transport.Push{
		Path:      path,
		Value:     layering.Sanitize(value),
		Source:    source,
		Timestamp: b.now().UnixMilli(),
	})
}

func (b *Bridge) deliver(ctx context.Context, push transport.Push) Report {
	path := push.Path
	report := Report{Path: path, Failed: map[string]error{}}
	for _, handle := range b.registry.Handles() {
		id := handle.ID()
		if !b.interested(id, path) {
			continue
		}
		if handle.Destroyed() {
			report.Skipped = append(report.Skipped, id)
			b.metrics.push("skipped")
			continue
		}
		if err := b.push(ctx, handle, push); err != nil {
			report.Failed[id] = err
			b.metrics.push("failed")
			b.logger.Warn("push failed", "path", path, "process_id", id, "error", err)
			continue
		}
		report.Delivered = append(report.Delivered, id)
		b.metrics.push("delivered")
	}
	return report
}

func (b *Bridge) interested(processID, path string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs[processID] {
		if reactive.IsWithin(path, sub) || reactive.IsWithin(sub, path) {
			return true
		}
	}
	return false
}

func (b *Bridge) push(ctx context.Context, handle transport.Handle, push transport.Push) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("bridge: push panicked: %v", r)
		}
	}()
	if ctx == nil {
		ctx = context.Background()
	}
	if b.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}
	return handle.Push(ctx, push)
}

// publisher queues applied, non-silent changes and deletes for publishing.
type publisher struct {
	bridge *Bridge
}

func (p publisher) Name() string { return PublisherName }

func (p publisher) AfterSet(_ context.Context, in reactive.Context) (reactive.Context, error) {
	if !in.Changed || in.Silent {
		return in, nil
	}
	p.bridge.enqueue(in.Path, in.Source)
	p.bridge.drain()
	return in, nil
}
