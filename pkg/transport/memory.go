package transport

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/goliatone/go-reactive/layering"
	"github.com/google/uuid"
)

// Hub is an in-process Registry. Clients from Connect invoke the handler
// synchronously and receive pushes synchronously on the pushing goroutine.
// Each listener gets its own copy of a pushed value, as it would after
// crossing a real process boundary.
type Hub struct {
	mu      sync.RWMutex
	handler Handler
	handles map[string]*memoryHandle
	detach  map[uint64]func(string)
	nextID  uint64
}

// NewHub constructs an empty hub.
func NewHub() *Hub {
	return &Hub{handles: map[string]*memoryHandle{}, detach: map[uint64]func(string){}}
}

// SetHandler installs the request handler.
func (h *Hub) SetHandler(handler Handler) {
	h.mu.Lock()
	h.handler = handler
	h.mu.Unlock()
}

// Connect attaches a new process. An empty id is replaced with a uuid.
func (h *Hub) Connect(id string) *MemoryClient {
	if id == "" {
		id = uuid.NewString()
	}
	handle := &memoryHandle{id: id, listeners: map[uint64]func(Push){}}
	h.mu.Lock()
	h.handles[id] = handle
	h.mu.Unlock()
	return &MemoryClient{hub: h, handle: handle}
}

func (h *Hub) Lookup(id string) (Handle, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	handle, ok := h.handles[id]
	if !ok {
		return nil, false
	}
	return handle, true
}

func (h *Hub) Handles() []Handle {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, 0, len(h.handles))
	for id := range h.handles {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]Handle, 0, len(ids))
	for _, id := range ids {
		out = append(out, h.handles[id])
	}
	return out
}

func (h *Hub) OnDetach(fn func(id string)) func() {
	h.mu.Lock()
	h.nextID++
	key := h.nextID
	h.detach[key] = fn
	h.mu.Unlock()
	return func() {
		h.mu.Lock()
		delete(h.detach, key)
		h.mu.Unlock()
	}
}

// Destroy marks the process gone and notifies detach callbacks. The handle
// stays destroyed for anyone still holding it.
func (h *Hub) Destroy(id string) bool {
	h.mu.Lock()
	handle, ok := h.handles[id]
	delete(h.handles, id)
	callbacks := make([]func(string), 0, len(h.detach))
	for _, fn := range h.detach {
		callbacks = append(callbacks, fn)
	}
	h.mu.Unlock()
	if !ok {
		return false
	}
	handle.destroy()
	for _, fn := range callbacks {
		fn(id)
	}
	return true
}

func (h *Hub) invoke(ctx context.Context, req Request) (Response, error) {
	h.mu.RLock()
	handler := h.handler
	h.mu.RUnlock()
	if handler == nil {
		return Response{}, ErrNoHandler
	}
	return handler.HandleRequest(ctx, req), nil
}

type memoryHandle struct {
	id string

	mu        sync.Mutex
	destroyed bool
	listeners map[uint64]func(Push)
	nextID    uint64
}

func (m *memoryHandle) ID() string { return m.id }

func (m *memoryHandle) Destroyed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.destroyed
}

func (m *memoryHandle) destroy() {
	m.mu.Lock()
	m.destroyed = true
	m.listeners = map[uint64]func(Push){}
	m.mu.Unlock()
}

func (m *memoryHandle) Push(ctx context.Context, push Push) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDestroyed, m.id)
	}
	keys := make([]uint64, 0, len(m.listeners))
	for key := range m.listeners {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	listeners := make([]func(Push), 0, len(keys))
	for _, key := range keys {
		listeners = append(listeners, m.listeners[key])
	}
	m.mu.Unlock()
	for _, fn := range listeners {
		delivered := push
		delivered.Value = layering.Clone(push.Value)
		fn(delivered)
	}
	return nil
}

// MemoryClient is the UI side of a Hub connection.
type MemoryClient struct {
	hub    *Hub
	handle *memoryHandle
}

func (c *MemoryClient) ProcessID() string { return c.handle.id }

func (c *MemoryClient) Invoke(ctx context.Context, req Request) (Response, error) {
	if c.handle.Destroyed() {
		return Response{}, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	req.ProcessID = c.handle.id
	resp, err := c.hub.invoke(ctx, req)
	if err != nil {
		return Response{}, err
	}
	resp.ID = req.ID
	return resp, nil
}

func (c *MemoryClient) OnPush(fn func(Push)) func() {
	c.handle.mu.Lock()
	c.handle.nextID++
	key := c.handle.nextID
	c.handle.listeners[key] = fn
	c.handle.mu.Unlock()
	return func() {
		c.handle.mu.Lock()
		delete(c.handle.listeners, key)
		c.handle.mu.Unlock()
	}
}

// Close disconnects the process.
func (c *MemoryClient) Close() error {
	c.hub.Destroy(c.handle.id)
	return nil
}
