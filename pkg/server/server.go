package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/triptripe/hs-vertx/pkg/eventloop"
)

// State is the server lifecycle state.
type State int32

const (
	StateCreated State = iota
	StateListening
	StateClosing
	StateClosed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateListening:
		return "listening"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Server is an HTTP/1.x, HTTP/2 and WebSocket server. Several servers may
// listen on the same host and port; the first one binds the socket and the
// others attach their handlers to it. A Server is safe for concurrent use.
type Server struct {
	rt     *Runtime
	ctx    *eventloop.Context
	opts   *Options
	logger *slog.Logger

	mu            sync.Mutex
	state         State
	requestStream *Stream
	wsStream      *Stream

	// guarded by mu
	requestHandler  http.Handler
	wsHandler       func(*ServerWebSocket)
	connHandler     func(Connection)
	connExceptionFn func(error)
	bundle          *HandlerBundle
	listener        *sharedListener
	owner           bool
	id              ServerID
	origin          string

	actualPort atomic.Int64

	metricsMu sync.Mutex
	metrics   Metrics
}

func newServer(rt *Runtime, ctx *eventloop.Context, opts *Options) *Server {
	s := &Server{
		rt:     rt,
		ctx:    ctx,
		opts:   opts,
		logger: rt.logger.With("component", "server"),
	}
	s.requestStream = newStream(s, "request")
	s.wsStream = newStream(s, "websocket")
	s.connExceptionFn = func(err error) {
		s.logger.Debug("connection failure", "error", err)
	}
	return s
}

// Options returns a copy of the server options.
func (s *Server) Options() *Options {
	return s.opts.Clone()
}

// Context returns the execution context the server's callbacks run on.
func (s *Server) Context() *eventloop.Context {
	return s.ctx
}

// State returns the lifecycle state.
func (s *Server) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SetRequestHandler sets the HTTP request handler. It fails once the server
// is listening.
func (s *Server) SetRequestHandler(h http.Handler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listeningLocked() {
		return newStateError("set request handler", s.state, "set handler before server is listening")
	}
	s.requestHandler = h
	return nil
}

// RequestHandler returns the HTTP request handler.
func (s *Server) RequestHandler() http.Handler {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requestHandler
}

// SetWebSocketHandler sets the WebSocket handler. It fails once the server
// is listening.
func (s *Server) SetWebSocketHandler(h func(*ServerWebSocket)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listeningLocked() {
		return newStateError("set websocket handler", s.state, "set handler before server is listening")
	}
	s.wsHandler = h
	return nil
}

// WebSocketHandler returns the WebSocket handler.
func (s *Server) WebSocketHandler() func(*ServerWebSocket) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wsHandler
}

// SetConnectionHandler sets the callback offered every new connection. It
// fails once the server is listening.
func (s *Server) SetConnectionHandler(h func(Connection)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listeningLocked() {
		return newStateError("set connection handler", s.state, "set handler before server is listening")
	}
	s.connHandler = h
	return nil
}

// RequestStream returns the flow control for HTTP requests.
func (s *Server) RequestStream() *Stream {
	return s.requestStream
}

// WebSocketStream returns the flow control for WebSockets.
func (s *Server) WebSocketStream() *Stream {
	return s.wsStream
}

// SetConnectionExceptionHandler replaces the handler unhandled connection
// errors are routed to. The default logs at debug level.
func (s *Server) SetConnectionExceptionHandler(h func(error)) {
	if h == nil {
		panic("server: nil connection exception handler")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connExceptionFn = h
}

// Logger returns the server logger.
func (s *Server) Logger() *slog.Logger {
	return s.logger
}

// SetLogger sets the server logger.
func (s *Server) SetLogger(logger *slog.Logger) {
	s.logger = logger
}

// ActualPort returns the bound port. For a wildcard (0) port it is the
// port the OS picked, once the bind completed.
func (s *Server) ActualPort() int {
	return int(s.actualPort.Load())
}

// ID returns the ServerID the server listens on.
func (s *Server) ID() ServerID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// IsMetricsEnabled reports whether a metrics sink is attached.
func (s *Server) IsMetricsEnabled() bool {
	return s.getMetrics() != nil
}

func (s *Server) getMetrics() Metrics {
	s.metricsMu.Lock()
	defer s.metricsMu.Unlock()
	return s.metrics
}

func (s *Server) setMetrics(m Metrics) {
	s.metricsMu.Lock()
	defer s.metricsMu.Unlock()
	s.metrics = m
}

func (s *Server) takeMetrics() Metrics {
	s.metricsMu.Lock()
	defer s.metricsMu.Unlock()
	m := s.metrics
	s.metrics = nil
	return m
}

func (s *Server) listeningLocked() bool {
	return s.state == StateListening || s.state == StateClosing
}

// ListenDefault listens on the port and host from the options.
func (s *Server) ListenDefault(done func(error)) error {
	return s.Listen(s.opts.Port, s.opts.Host, done)
}

// Listen starts listening on host:port. Precondition failures are returned
// directly; the bind outcome is delivered to done on the server's context.
// A nil done logs bind failures instead. An empty host means "0.0.0.0".
//
// If another server from the same Runtime already listens on host:port
// (port != 0), this server attaches its handlers to that listener instead
// of binding a new socket.
func (s *Server) Listen(port int, host string, done func(error)) error {
	if host == "" {
		host = "0.0.0.0"
	}

	s.mu.Lock()
	if s.requestHandler == nil && s.wsHandler == nil {
		defer s.mu.Unlock()
		return newStateError("listen", s.state, "set request or websocket handler first")
	}
	if s.listeningLocked() {
		defer s.mu.Unlock()
		return newStateError("listen", s.state, "already listening")
	}

	id := ServerID{Host: host, Port: port}
	scheme := "http"
	if s.opts.SSL {
		scheme = "https"
	}
	s.state = StateListening
	s.id = id
	s.origin = fmt.Sprintf("%s://%s", scheme, id)
	s.actualPort.Store(int64(port))
	s.requestStream.ended.Store(false)
	s.wsStream.ended.Store(false)
	s.bundle = &HandlerBundle{
		Request:    s.requestHandler,
		WebSocket:  s.wsHandler,
		Connection: s.connHandler,
		server:     s,
	}
	bundle := s.bundle

	s.rt.mu.Lock()
	shared := s.rt.shared[id]
	var l *sharedListener
	if shared == nil || port == 0 {
		var err error
		l, err = newSharedListener(s, id)
		if err != nil {
			s.rt.mu.Unlock()
			s.state = StateCreated
			s.bundle = nil
			s.mu.Unlock()
			s.completeListen(done, err)
			return nil
		}
		l.registry.add(bundle, s.ctx)
		if port != 0 {
			s.rt.shared[id] = l
		}
		s.owner = true
		go l.bind()
	} else {
		l = shared
		l.registry.add(bundle, s.ctx)
		s.owner = false
	}
	s.listener = l
	s.rt.mu.Unlock()
	s.mu.Unlock()

	l.bindFuture.onComplete(func(err error) {
		if err != nil {
			l.registry.remove(bundle)
			s.mu.Lock()
			if s.bundle == bundle {
				s.state = StateCreated
				s.listener = nil
				s.bundle = nil
			}
			s.mu.Unlock()
		} else {
			s.actualPort.Store(int64(l.actualPort()))
			if !s.owner {
				s.setMetrics(s.createMetrics())
			}
		}
		s.completeListen(done, err)
	})
	return nil
}

func (s *Server) completeListen(done func(error), err error) {
	if done != nil {
		s.ctx.RunOnContext(func() { done(err) })
		return
	}
	if err != nil {
		s.logger.Error("listen failed", "error", err)
	}
}

// ListenContext listens on host:port and waits for the bind outcome.
func (s *Server) ListenContext(ctx context.Context, port int, host string) error {
	res := make(chan error, 1)
	if err := s.Listen(port, host, func(err error) { res <- err }); err != nil {
		return err
	}
	select {
	case err := <-res:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) createMetrics() Metrics {
	if s.opts.Metrics == nil {
		return nil
	}
	return s.opts.Metrics(s.ID(), s.opts)
}

// Close stops the server. Its handlers are removed from the shared
// listener; the listener and every live connection are closed once no
// server uses it any more. done runs on the server's context. Closing a
// server that is not listening completes successfully.
func (s *Server) Close(done func(error)) {
	s.mu.Lock()
	wsEnd := s.wsStream.takeEndHandler()
	reqEnd := s.requestStream.takeEndHandler()
	complete := func(err error) {
		if err == nil {
			s.wsStream.ended.Store(true)
			s.requestStream.ended.Store(true)
			if wsEnd != nil {
				wsEnd()
			}
			if reqEnd != nil {
				reqEnd()
			}
		}
		if done != nil {
			done(err)
		}
	}

	if s.state != StateListening {
		s.mu.Unlock()
		s.ctx.RunOnContext(func() { complete(nil) })
		return
	}
	s.state = StateClosing
	l := s.listener
	bundle := s.bundle
	owner := s.owner
	s.mu.Unlock()

	finish := func(err error) {
		s.mu.Lock()
		if s.bundle == bundle {
			s.state = StateClosed
			s.listener = nil
			s.bundle = nil
		}
		s.mu.Unlock()
		s.ctx.RunOnContext(func() { complete(err) })
	}

	s.rt.mu.Lock()
	l.registry.remove(bundle)
	if !owner {
		if m := s.takeMetrics(); m != nil {
			m.Close()
		}
	}
	if l.registry.hasHandlers() {
		s.rt.mu.Unlock()
		finish(nil)
		return
	}
	if s.rt.shared[l.id] == l {
		delete(s.rt.shared, l.id)
	}
	s.rt.mu.Unlock()

	go func() {
		finish(l.actualClose())
	}()
}

// Shutdown closes the server and waits for the close to complete.
func (s *Server) Shutdown(ctx context.Context) error {
	res := make(chan error, 1)
	s.Close(func(err error) { res <- err })
	select {
	case err := <-res:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// connectionException hands err to the exception handler on holder's context.
func (s *Server) connectionException(holder *handlerHolder, err error) {
	s.mu.Lock()
	fn := s.connExceptionFn
	s.mu.Unlock()
	if holder == nil {
		s.ctx.RunOnContext(func() { fn(err) })
		return
	}
	holder.ctx.RunOnContext(func() { fn(err) })
}
