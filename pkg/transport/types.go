// Package transport defines the request/response and push contracts between
// the privileged process that owns authoritative state and the UI processes
// that mirror it, plus an in-memory implementation.
package transport

import (
	"context"
	"errors"
)

// Operations understood by the bridge.
const (
	OpGet         = "get"
	OpSet         = "set"
	OpSubscribe   = "subscribe"
	OpUnsubscribe = "unsubscribe"
)

// Envelope kinds.
const (
	KindHello    = "hello"
	KindRequest  = "request"
	KindResponse = "response"
	KindPush     = "push"
)

var (
	// ErrClosed indicates the connection is gone.
	ErrClosed = errors.New("transport: connection closed")
	// ErrDestroyed indicates a push to a handle whose process has exited.
	ErrDestroyed = errors.New("transport: handle destroyed")
	// ErrNoHandler indicates a request arrived before a handler was set.
	ErrNoHandler = errors.New("transport: no request handler")
)

// Request is one UI process call into the privileged process.
type Request struct {
	ID        string `json:"id"`
	Op        string `json:"op"`
	Path      string `json:"path"`
	Value     any    `json:"value,omitempty"`
	Merge     bool   `json:"merge,omitempty"`
	ProcessID string `json:"process_id,omitempty"`
	Source    string `json:"source,omitempty"`
}

// Response answers a Request. OK=false with Error set reports a rejection.
type Response struct {
	ID    string `json:"id"`
	OK    bool   `json:"ok"`
	Value any    `json:"value,omitempty"`
	Error string `json:"error,omitempty"`
}

// Push is an unsolicited change notification sent to a subscribed process.
type Push struct {
	Path      string `json:"path"`
	Value     any    `json:"value"`
	Source    string `json:"source,omitempty"`
	Timestamp int64  `json:"timestamp"`
	// Deleted reports that Path no longer exists; Value is nil.
	Deleted bool `json:"deleted,omitempty"`
}

// Envelope frames every message on a stream transport.
type Envelope struct {
	Kind      string    `json:"kind"`
	ProcessID string    `json:"process_id,omitempty"`
	Request   *Request  `json:"request,omitempty"`
	Response  *Response `json:"response,omitempty"`
	Push      *Push     `json:"push,omitempty"`
}

// Handler serves requests in the privileged process.
type Handler interface {
	HandleRequest(ctx context.Context, req Request) Response
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req Request) Response

func (fn HandlerFunc) HandleRequest(ctx context.Context, req Request) Response {
	return fn(ctx, req)
}

// Handle is the privileged process's view of one connected UI process.
type Handle interface {
	ID() string
	Destroyed() bool
	Push(ctx context.Context, push Push) error
}

// Registry tracks connected processes.
type Registry interface {
	Lookup(id string) (Handle, bool)
	Handles() []Handle
	// OnDetach registers fn to run after a process disconnects. The returned
	// function removes the callback.
	OnDetach(fn func(id string)) func()
	SetHandler(handler Handler)
}

// Client is a UI process's connection to the privileged process.
type Client interface {
	ProcessID() string
	Invoke(ctx context.Context, req Request) (Response, error)
	// OnPush registers fn for inbound pushes. The returned function removes it.
	OnPush(fn func(Push)) func()
	Close() error
}

// Fail builds a rejection response.
func Fail(id string, err error) Response {
	return Response{ID: id, OK: false, Error: err.Error()}
}

// Ok builds a success response.
func Ok(id string, value any) Response {
	return Response{ID: id, OK: true, Value: value}
}
