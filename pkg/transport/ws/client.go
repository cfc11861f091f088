package ws

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"sync"
	"time"

	reactive "github.com/goliatone/go-reactive"
	"github.com/goliatone/go-reactive/pkg/transport"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// DefaultRequestTimeout bounds every Invoke that does not carry an earlier
// deadline. Requests are never retried.
const DefaultRequestTimeout = 5 * time.Second

// Client is a UI process connection. It implements transport.Client.
type Client struct {
	socket    *websocket.Conn
	processID string
	timeout   time.Duration
	logger    reactive.Logger

	writeMu sync.Mutex

	mu        sync.Mutex
	pending   map[string]*transport.Future
	listeners map[uint64]func(transport.Push)
	nextID    uint64
	closed    bool

	// pushes are delivered in arrival order by deliverLoop so that a listener
	// may Invoke while readLoop keeps resolving responses.
	queueMu sync.Mutex
	queue   []transport.Push
	wake    chan struct{}

	done chan struct{}
}

// ClientOption configures Dial.
type ClientOption func(*clientConfig)

type clientConfig struct {
	processID string
	timeout   time.Duration
	logger    reactive.Logger
	dialer    *websocket.Dialer
}

// WithProcessID requests a specific process id.
func WithProcessID(id string) ClientOption {
	return func(cfg *clientConfig) {
		cfg.processID = id
	}
}

// WithRequestTimeout overrides DefaultRequestTimeout. Zero disables it.
func WithRequestTimeout(timeout time.Duration) ClientOption {
	return func(cfg *clientConfig) {
		cfg.timeout = timeout
	}
}

// WithClientLogger sets the diagnostics logger.
func WithClientLogger(logger reactive.Logger) ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = logger
	}
}

// WithDialer overrides websocket.DefaultDialer.
func WithDialer(dialer *websocket.Dialer) ClientOption {
	return func(cfg *clientConfig) {
		cfg.dialer = dialer
	}
}

// Dial connects to a Server at rawURL and waits for its hello frame.
func Dial(ctx context.Context, rawURL string, opts ...ClientOption) (*Client, error) {
	cfg := clientConfig{timeout: DefaultRequestTimeout, dialer: websocket.DefaultDialer}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	if cfg.logger == nil {
		cfg.logger = reactive.NopLogger()
	}

	target, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("ws: parse url: %w", err)
	}
	if cfg.processID != "" {
		query := target.Query()
		query.Set("process_id", cfg.processID)
		target.RawQuery = query.Encode()
	}

	socket, _, err := cfg.dialer.DialContext(ctx, target.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("ws: dial %s: %w", target.Redacted(), err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = socket.SetReadDeadline(deadline)
	} else if cfg.timeout > 0 {
		_ = socket.SetReadDeadline(time.Now().Add(cfg.timeout))
	}
	var hello transport.Envelope
	if err := socket.ReadJSON(&hello); err != nil {
		socket.Close()
		return nil, fmt.Errorf("ws: read hello: %w", err)
	}
	if hello.Kind != transport.KindHello || hello.ProcessID == "" {
		socket.Close()
		return nil, fmt.Errorf("ws: unexpected first frame %q", hello.Kind)
	}
	_ = socket.SetReadDeadline(time.Time{})

	c := &Client{
		socket:    socket,
		processID: hello.ProcessID,
		timeout:   cfg.timeout,
		logger:    cfg.logger,
		pending:   map[string]*transport.Future{},
		listeners: map[uint64]func(transport.Push){},
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	go c.readLoop()
	go c.deliverLoop()
	return c, nil
}

func (c *Client) ProcessID() string { return c.processID }

// Invoke sends req and waits for its response, the request timeout, or ctx.
func (c *Client) Invoke(ctx context.Context, req transport.Request) (transport.Response, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	req.ProcessID = c.processID

	future := transport.NewFuture()
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return transport.Response{}, transport.ErrClosed
	}
	c.pending[req.ID] = future
	c.mu.Unlock()

	if err := c.write(transport.Envelope{Kind: transport.KindRequest, Request: &req}); err != nil {
		c.forget(req.ID)
		return transport.Response{}, fmt.Errorf("ws: send %s %q: %w", req.Op, req.Path, err)
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	resp, err := future.Wait(ctx)
	if err != nil {
		c.forget(req.ID)
		return transport.Response{}, fmt.Errorf("ws: %s %q: %w", req.Op, req.Path, err)
	}
	return resp, nil
}

func (c *Client) OnPush(fn func(transport.Push)) func() {
	c.mu.Lock()
	c.nextID++
	key := c.nextID
	c.listeners[key] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.listeners, key)
		c.mu.Unlock()
	}
}

// Close ends the connection and fails every pending request. It may be
// called from a push listener.
func (c *Client) Close() error {
	c.writeMu.Lock()
	_ = c.socket.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	err := c.socket.Close()
	<-c.done
	return err
}

// Done is closed after the connection has ended.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) write(env transport.Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.timeout > 0 {
		_ = c.socket.SetWriteDeadline(time.Now().Add(c.timeout))
	}
	return c.socket.WriteJSON(env)
}

func (c *Client) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) readLoop() {
	defer close(c.done)
	defer c.shutdown()
	for {
		var env transport.Envelope
		if err := c.socket.ReadJSON(&env); err != nil {
			c.logger.Debug("connection read ended", "process_id", c.processID, "error", err)
			return
		}
		switch env.Kind {
		case transport.KindResponse:
			if env.Response == nil {
				continue
			}
			c.mu.Lock()
			future := c.pending[env.Response.ID]
			delete(c.pending, env.Response.ID)
			c.mu.Unlock()
			if future != nil {
				future.Resolve(*env.Response)
			}
		case transport.KindPush:
			if env.Push != nil {
				c.enqueue(*env.Push)
			}
		}
	}
}

func (c *Client) enqueue(push transport.Push) {
	c.queueMu.Lock()
	c.queue = append(c.queue, push)
	c.queueMu.Unlock()
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// deliverLoop hands queued pushes to listeners until the connection ends.
// Pushes still queued at that point are dropped.
func (c *Client) deliverLoop() {
	for {
		select {
		case <-c.done:
			return
		case <-c.wake:
		}
		for {
			c.queueMu.Lock()
			if len(c.queue) == 0 {
				c.queueMu.Unlock()
				break
			}
			push := c.queue[0]
			c.queue = c.queue[1:]
			c.queueMu.Unlock()

			select {
			case <-c.done:
				return
			default:
			}
			c.dispatch(push)
		}
	}
}

func (c *Client) dispatch(push transport.Push) {
	c.mu.Lock()
	keys := make([]uint64, 0, len(c.listeners))
	for key := range c.listeners {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	listeners := make([]func(transport.Push), 0, len(keys))
	for _, key := range keys {
		listeners = append(listeners, c.listeners[key])
	}
	c.mu.Unlock()
	for _, fn := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.logger.Error("push listener panicked", "path", push.Path, "panic", fmt.Sprint(r))
				}
			}()
			fn(push)
		}()
	}
}

func (c *Client) shutdown() {
	c.mu.Lock()
	c.closed = true
	pending := c.pending
	c.pending = map[string]*transport.Future{}
	c.mu.Unlock()
	for _, future := range pending {
		future.Fail(transport.ErrClosed)
	}
}
