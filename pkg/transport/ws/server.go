// Package ws carries the transport contracts over gorilla/websocket. The
// privileged process mounts Server on a gin router; UI processes Dial it.
package ws

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	reactive "github.com/goliatone/go-reactive"
	"github.com/goliatone/go-reactive/pkg/transport"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

// ErrRateLimited rejects requests above the per-connection rate.
var ErrRateLimited = errors.New("ws: rate limit exceeded")

const (
	DefaultWriteTimeout = 5 * time.Second
	DefaultRate         = 200
	DefaultBurst        = 50
)

// Server accepts UI process connections and implements transport.Registry.
type Server struct {
	upgrader     websocket.Upgrader
	logger       reactive.Logger
	writeTimeout time.Duration
	rate         rate.Limit
	burst        int

	mu      sync.RWMutex
	handler transport.Handler
	conns   map[string]*conn
	detach  map[uint64]func(string)
	nextID  uint64
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerLogger sets the diagnostics logger.
func WithServerLogger(logger reactive.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithRateLimit bounds requests per second per connection.
func WithRateLimit(perSecond float64, burst int) ServerOption {
	return func(s *Server) {
		s.rate = rate.Limit(perSecond)
		s.burst = burst
	}
}

// WithWriteTimeout bounds each frame write.
func WithWriteTimeout(timeout time.Duration) ServerOption {
	return func(s *Server) {
		s.writeTimeout = timeout
	}
}

// WithCheckOrigin overrides the upgrader origin check. The default accepts
// every origin since the server is meant for local processes.
func WithCheckOrigin(fn func(r *http.Request) bool) ServerOption {
	return func(s *Server) {
		s.upgrader.CheckOrigin = fn
	}
}

// NewServer constructs a server with no handler.
func NewServer(opts ...ServerOption) *Server {
	s := &Server{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		writeTimeout: DefaultWriteTimeout,
		rate:         DefaultRate,
		burst:        DefaultBurst,
		conns:        map[string]*conn{},
		detach:       map[uint64]func(string){},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.logger == nil {
		s.logger = reactive.NopLogger()
	}
	return s
}

func (s *Server) SetHandler(handler transport.Handler) {
	s.mu.Lock()
	s.handler = handler
	s.mu.Unlock()
}

func (s *Server) Lookup(id string) (transport.Handle, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conns[id]
	if !ok {
		return nil, false
	}
	return c, true
}

func (s *Server) Handles() []transport.Handle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.conns))
	for id := range s.conns {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]transport.Handle, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.conns[id])
	}
	return out
}

func (s *Server) OnDetach(fn func(id string)) func() {
	s.mu.Lock()
	s.nextID++
	key := s.nextID
	s.detach[key] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.detach, key)
		s.mu.Unlock()
	}
}

// Handler upgrades the request and serves the connection until it closes. A
// process_id query parameter is honoured when it is not already taken.
func (s *Server) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		socket, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			s.logger.Error("websocket upgrade failed", "error", err)
			return
		}
		s.serve(c.Request.Context(), socket, c.Query("process_id"))
	}
}

func (s *Server) serve(ctx context.Context, socket *websocket.Conn, requested string) {
	cn := s.register(socket, requested)
	defer s.unregister(cn)

	s.logger.Info("process attached", "process_id", cn.id)
	if err := cn.write(transport.Envelope{Kind: transport.KindHello, ProcessID: cn.id}); err != nil {
		s.logger.Warn("hello failed", "process_id", cn.id, "error", err)
		return
	}

	for {
		var env transport.Envelope
		if err := socket.ReadJSON(&env); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("process read ended", "process_id", cn.id, "error", err)
			}
			return
		}
		if env.Kind != transport.KindRequest || env.Request == nil {
			continue
		}
		req := *env.Request
		req.ProcessID = cn.id

		resp := s.handle(ctx, cn, req)
		if err := cn.write(transport.Envelope{Kind: transport.KindResponse, Response: &resp}); err != nil {
			s.logger.Warn("response write failed", "process_id", cn.id, "request_id", req.ID, "error", err)
			return
		}
	}
}

func (s *Server) handle(ctx context.Context, cn *conn, req transport.Request) (resp transport.Response) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("request handler panicked", "process_id", cn.id, "op", req.Op, "panic", fmt.Sprint(r))
			resp = transport.Fail(req.ID, fmt.Errorf("ws: handler panicked"))
		}
	}()
	if !cn.limiter.Allow() {
		return transport.Fail(req.ID, ErrRateLimited)
	}
	s.mu.RLock()
	handler := s.handler
	s.mu.RUnlock()
	if handler == nil {
		return transport.Fail(req.ID, transport.ErrNoHandler)
	}
	resp = handler.HandleRequest(ctx, req)
	resp.ID = req.ID
	return resp
}

func (s *Server) register(socket *websocket.Conn, requested string) *conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := requested
	if _, taken := s.conns[id]; id == "" || taken {
		id = uuid.NewString()
	}
	cn := &conn{
		id:           id,
		socket:       socket,
		writeTimeout: s.writeTimeout,
		limiter:      rate.NewLimiter(s.rate, s.burst),
	}
	s.conns[id] = cn
	return cn
}

func (s *Server) unregister(cn *conn) {
	cn.destroy()
	s.mu.Lock()
	if current, ok := s.conns[cn.id]; ok && current == cn {
		delete(s.conns, cn.id)
	}
	callbacks := make([]func(string), 0, len(s.detach))
	for _, fn := range s.detach {
		callbacks = append(callbacks, fn)
	}
	s.mu.Unlock()
	for _, fn := range callbacks {
		fn(cn.id)
	}
	s.logger.Info("process detached", "process_id", cn.id)
}

// Close drops every connection. Their serve loops unregister them.
func (s *Server) Close() error {
	s.mu.RLock()
	conns := make([]*conn, 0, len(s.conns))
	for _, cn := range s.conns {
		conns = append(conns, cn)
	}
	s.mu.RUnlock()
	var errs []error
	for _, cn := range conns {
		if err := cn.socket.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type conn struct {
	id           string
	socket       *websocket.Conn
	writeTimeout time.Duration
	limiter      *rate.Limiter

	writeMu   sync.Mutex
	destroyed atomic.Bool
}

func (c *conn) ID() string { return c.id }

func (c *conn) Destroyed() bool { return c.destroyed.Load() }

func (c *conn) destroy() {
	if c.destroyed.CompareAndSwap(false, true) {
		_ = c.socket.Close()
	}
}

func (c *conn) Push(ctx context.Context, push transport.Push) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.write(transport.Envelope{Kind: transport.KindPush, Push: &push})
}

func (c *conn) write(env transport.Envelope) error {
	if c.Destroyed() {
		return fmt.Errorf("%w: %s", transport.ErrDestroyed, c.id)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.writeTimeout > 0 {
		_ = c.socket.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return c.socket.WriteJSON(env)
}
