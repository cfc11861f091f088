package reactive

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Phase names a point in the store lifecycle where middleware may intervene.
type Phase string

const (
	PhaseBeforeSet     Phase = "beforeSet"
	PhaseAfterSet      Phase = "afterSet"
	PhaseBeforeGet     Phase = "beforeGet"
	PhaseAfterGet      Phase = "afterGet"
	PhaseOnSubscribe   Phase = "onSubscribe"
	PhaseOnUnsubscribe Phase = "onUnsubscribe"
	PhaseOnError       Phase = "onError"
)

// ErrHalt stops the remaining handlers of a phase. Returned from a beforeSet
// handler it vetoes the write.
var ErrHalt = errors.New("reactive: pipeline halted")

// ErrMiddlewareName indicates a middleware without a usable name.
var ErrMiddlewareName = errors.New("reactive: middleware name must not be empty")

// Context is the value threaded through every handler of a phase. Handlers
// return a (possibly modified) copy which becomes the context seen by the
// next handler.
type Context struct {
	Phase    Phase
	Path     string
	Value    any
	OldValue any
	Source   string
	Merge    bool
	Silent   bool
	Changed  bool
	// Deleted marks the afterSet run by Store.Delete; Value is nil.
	Deleted bool

	// Err, FailedPhase and Middleware are populated for onError.
	Err         error
	FailedPhase Phase
	Middleware  string

	Metadata map[string]any
}

// Meta returns the metadata value stored under key.
func (c Context) Meta(key string) (any, bool) {
	if c.Metadata == nil {
		return nil, false
	}
	value, ok := c.Metadata[key]
	return value, ok
}

// WithMeta returns a copy of c carrying key=value in its metadata.
func (c Context) WithMeta(key string, value any) Context {
	meta := make(map[string]any, len(c.Metadata)+1)
	for k, v := range c.Metadata {
		meta[k] = v
	}
	meta[key] = value
	c.Metadata = meta
	return c
}

// Middleware is the minimal contract: a unique name. Phase participation is
// declared by implementing the per-phase handler interfaces below.
type Middleware interface {
	Name() string
}

type BeforeSetHandler interface {
	BeforeSet(ctx context.Context, in Context) (Context, error)
}

type AfterSetHandler interface {
	AfterSet(ctx context.Context, in Context) (Context, error)
}

type BeforeGetHandler interface {
	BeforeGet(ctx context.Context, in Context) (Context, error)
}

type AfterGetHandler interface {
	AfterGet(ctx context.Context, in Context) (Context, error)
}

type SubscribeHandler interface {
	OnSubscribe(ctx context.Context, in Context) (Context, error)
}

type UnsubscribeHandler interface {
	OnUnsubscribe(ctx context.Context, in Context) (Context, error)
}

// ErrorHandler receives failures raised by any other handler.
type ErrorHandler interface {
	OnError(ctx context.Context, in Context)
}

// MiddlewareOption configures a registration.
type MiddlewareOption func(*registration)

// WithPriority orders the middleware; lower values run first.
func WithPriority(priority int) MiddlewareOption {
	return func(r *registration) {
		r.priority = priority
	}
}

// WithDisabled registers the middleware without activating it.
func WithDisabled() MiddlewareOption {
	return func(r *registration) {
		r.enabled = false
	}
}

type registration struct {
	middleware Middleware
	name       string
	priority   int
	enabled    bool
	seq        uint64
}

// Registration describes a registered middleware.
type Registration struct {
	Name     string
	Priority int
	Enabled  bool
	Phases   []Phase
}

// Pipeline runs registered middleware around store operations.
type Pipeline struct {
	mu      sync.RWMutex
	entries []*registration
	seq     uint64
	logger  Logger
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithPipelineLogger sets the logger used for handler failures.
func WithPipelineLogger(logger Logger) PipelineOption {
	return func(p *Pipeline) {
		p.logger = logger
	}
}

// NewPipeline constructs an empty pipeline.
func NewPipeline(opts ...PipelineOption) *Pipeline {
	p := &Pipeline{}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	p.logger = loggerOrNop(p.logger)
	return p
}

// Use registers m. Registering a name that already exists replaces the
// previous middleware in place; the replaced middleware is closed when it
// implements Close() error.
func (p *Pipeline) Use(m Middleware, opts ...MiddlewareOption) error {
	if m == nil {
		return fmt.Errorf("reactive: middleware is nil")
	}
	name := strings.TrimSpace(m.Name())
	if name == "" {
		return ErrMiddlewareName
	}
	reg := &registration{middleware: m, name: name, enabled: true}
	for _, opt := range opts {
		if opt != nil {
			opt(reg)
		}
	}

	p.mu.Lock()
	p.seq++
	reg.seq = p.seq
	var replaced Middleware
	filtered := p.entries[:0]
	for _, entry := range p.entries {
		if entry.name == name {
			replaced = entry.middleware
			continue
		}
		filtered = append(filtered, entry)
	}
	p.entries = append(filtered, reg)
	sort.SliceStable(p.entries, func(i, j int) bool {
		if p.entries[i].priority == p.entries[j].priority {
			return p.entries[i].seq < p.entries[j].seq
		}
		return p.entries[i].priority < p.entries[j].priority
	})
	p.mu.Unlock()

	if replaced != nil && !SameValue(replaced, m) {
		p.closeMiddleware(name, replaced)
	}
	return nil
}

// Remove unregisters the middleware named name, closing it when possible.
func (p *Pipeline) Remove(name string) bool {
	p.mu.Lock()
	var removed Middleware
	filtered := p.entries[:0]
	for _, entry := range p.entries {
		if entry.name == name {
			removed = entry.middleware
			continue
		}
		filtered = append(filtered, entry)
	}
	p.entries = filtered
	p.mu.Unlock()

	if removed == nil {
		return false
	}
	p.closeMiddleware(name, removed)
	return true
}

// SetEnabled toggles a middleware without unregistering it.
func (p *Pipeline) SetEnabled(name string, enabled bool) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, entry := range p.entries {
		if entry.name == name {
			entry.enabled = enabled
			return true
		}
	}
	return false
}

// Lookup returns the middleware registered under name.
func (p *Pipeline) Lookup(name string) (Middleware, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, entry := range p.entries {
		if entry.name == name {
			return entry.middleware, true
		}
	}
	return nil, false
}

// Names lists registered middleware in execution order.
func (p *Pipeline) Names() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	names := make([]string, 0, len(p.entries))
	for _, entry := range p.entries {
		names = append(names, entry.name)
	}
	return names
}

// Registrations describes every registered middleware in execution order.
func (p *Pipeline) Registrations() []Registration {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Registration, 0, len(p.entries))
	for _, entry := range p.entries {
		out = append(out, Registration{
			Name:     entry.name,
			Priority: entry.priority,
			Enabled:  entry.enabled,
			Phases:   phasesOf(entry.middleware),
		})
	}
	return out
}

// Has reports whether any enabled middleware participates in phase.
func (p *Pipeline) Has(phase Phase) bool {
	if p == nil {
		return false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, entry := range p.entries {
		if entry.enabled && implements(entry.middleware, phase) {
			return true
		}
	}
	return false
}

// Execute runs every enabled handler for phase in priority order. It returns
// the accumulated context and false when a handler halted the phase; a halted
// context carries the halting error, middleware name and metadata. Handler
// errors other than ErrHalt are routed to the error handlers and do not stop
// the phase.
func (p *Pipeline) Execute(ctx context.Context, phase Phase, in Context) (Context, bool) {
	if p == nil {
		return in, true
	}
	if ctx == nil {
		ctx = context.Background()
	}
	in.Phase = phase
	if phase == PhaseOnError {
		p.dispatchError(ctx, in)
		return in, true
	}

	current := in
	for _, entry := range p.snapshot() {
		if !entry.enabled || !implements(entry.middleware, phase) {
			continue
		}
		next, err := p.invoke(ctx, entry.middleware, phase, current)
		if err != nil {
			if errors.Is(err, ErrHalt) {
				p.logger.Debug("middleware halted phase", "middleware", entry.name, "phase", string(phase), "path", current.Path, "reason", err.Error())
				// The halting handler keeps its annotations and the reason.
				if next.Metadata != nil {
					current.Metadata = next.Metadata
				}
				current.Err = err
				current.Middleware = entry.name
				return current, false
			}
			failure := current
			failure.Err = err
			failure.FailedPhase = phase
			failure.Middleware = entry.name
			p.dispatchError(ctx, failure)
			continue
		}
		next.Phase = phase
		current = next
	}
	return current, true
}

func (p *Pipeline) invoke(ctx context.Context, m Middleware, phase Phase, in Context) (out Context, err error) {
	defer func() {
		if r := recover(); r != nil {
			out = in
			err = fmt.Errorf("reactive: middleware %q panicked in %s: %v", m.Name(), phase, r)
		}
	}()
	switch phase {
	case PhaseBeforeSet:
		return m.(BeforeSetHandler).BeforeSet(ctx, in)
	case PhaseAfterSet:
		return m.(AfterSetHandler).AfterSet(ctx, in)
	case PhaseBeforeGet:
		return m.(BeforeGetHandler).BeforeGet(ctx, in)
	case PhaseAfterGet:
		return m.(AfterGetHandler).AfterGet(ctx, in)
	case PhaseOnSubscribe:
		return m.(SubscribeHandler).OnSubscribe(ctx, in)
	case PhaseOnUnsubscribe:
		return m.(UnsubscribeHandler).OnUnsubscribe(ctx, in)
	default:
		return in, fmt.Errorf("reactive: unknown phase %q", phase)
	}
}

func (p *Pipeline) dispatchError(ctx context.Context, in Context) {
	in.Phase = PhaseOnError
	p.logger.Warn("middleware failure", "middleware", in.Middleware, "phase", string(in.FailedPhase), "path", in.Path, "error", in.Err)
	for _, entry := range p.snapshot() {
		if !entry.enabled {
			continue
		}
		handler, ok := entry.middleware.(ErrorHandler)
		if !ok {
			continue
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					p.logger.Error("error handler panicked", "middleware", entry.name, "panic", fmt.Sprint(r))
				}
			}()
			handler.OnError(ctx, in)
		}()
	}
}

func (p *Pipeline) snapshot() []*registration {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*registration, len(p.entries))
	for i, entry := range p.entries {
		clone := *entry
		out[i] = &clone
	}
	return out
}

func (p *Pipeline) closeMiddleware(name string, m Middleware) {
	closer, ok := m.(interface{ Close() error })
	if !ok {
		return
	}
	if err := closer.Close(); err != nil {
		p.logger.Warn("middleware close failed", "middleware", name, "error", err)
	}
}

func implements(m Middleware, phase Phase) bool {
	switch phase {
	case PhaseBeforeSet:
		_, ok := m.(BeforeSetHandler)
		return ok
	case PhaseAfterSet:
		_, ok := m.(AfterSetHandler)
		return ok
	case PhaseBeforeGet:
		_, ok := m.(BeforeGetHandler)
		return ok
	case PhaseAfterGet:
		_, ok := m.(AfterGetHandler)
		return ok
	case PhaseOnSubscribe:
		_, ok := m.(SubscribeHandler)
		return ok
	case PhaseOnUnsubscribe:
		_, ok := m.(UnsubscribeHandler)
		return ok
	case PhaseOnError:
		_, ok := m.(ErrorHandler)
		return ok
	default:
		return false
	}
}

func phasesOf(m Middleware) []Phase {
	all := []Phase{PhaseBeforeSet, PhaseAfterSet, PhaseBeforeGet, PhaseAfterGet, PhaseOnSubscribe, PhaseOnUnsubscribe, PhaseOnError}
	out := make([]Phase, 0, len(all))
	for _, phase := range all {
		if implements(m, phase) {
			out = append(out, phase)
		}
	}
	return out
}
