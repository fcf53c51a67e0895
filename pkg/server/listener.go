package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/net/http2"
)

// sharedListener is the accepting socket of an owner server together with
// everything connections on it share: the handler registry, the live
// connections and the bind outcome. Attached servers only add their
// bundle to the registry.
type sharedListener struct {
	owner  *Server
	id     ServerID
	opts   *Options
	logger *slog.Logger
	origin string
	alpn   []string

	tlsConfig *tls.Config
	h2        *http2.Server
	deflate   func(http.Handler) http.Handler
	upgrader  *websocket.Upgrader

	registry   *handlerRegistry
	conns      *connectionManager
	group      *channelGroup
	bindFuture *bindFuture

	port atomic.Int64
}

func newSharedListener(owner *Server, id ServerID) (*sharedListener, error) {
	l := &sharedListener{
		owner:      owner,
		id:         id,
		opts:       owner.opts,
		logger:     owner.logger,
		origin:     owner.origin,
		alpn:       owner.opts.alpnFor(owner.ctx.IsWorker()),
		registry:   newHandlerRegistry(),
		group:      &channelGroup{},
		bindFuture: &bindFuture{},
	}
	l.conns = newConnectionManager(l.logger)
	if owner.opts.SSL {
		cfg, err := newTLSConfig(owner.opts, l.alpn)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrTLSEngine, err)
		}
		l.tlsConfig = cfg
	}
	if owner.opts.CompressionSupported {
		deflate, err := newDeflater(owner.opts.CompressionLevel)
		if err != nil {
			return nil, err
		}
		l.deflate = deflate
	}
	l.h2 = newHTTP2Server(l)
	l.upgrader = newUpgrader(owner.opts)
	return l, nil
}

// actualPort returns the bound port.
func (l *sharedListener) actualPort() int {
	return int(l.port.Load())
}

func (l *sharedListener) metrics() Metrics {
	return l.owner.getMetrics()
}

// bind opens the socket and starts accepting. The outcome completes
// bindFuture. On failure the listener is removed from the shared registry.
func (l *sharedListener) bind() {
	lc := net.ListenConfig{Control: bindControl(l.opts.TCP)}
	ln, err := lc.Listen(context.Background(), "tcp", l.id.String())
	if err == nil && l.opts.TCP.AcceptBacklog > 0 {
		if berr := setBacklog(ln, l.opts.TCP.AcceptBacklog); berr != nil {
			l.logger.Warn("failed to set accept backlog", "backlog", l.opts.TCP.AcceptBacklog, "error", berr)
		}
	}
	if err != nil {
		l.unshare()
		l.bindFuture.complete(&BindError{ID: l.id, Err: err})
		return
	}

	if addr, ok := ln.Addr().(*net.TCPAddr); ok {
		l.port.Store(int64(addr.Port))
	}
	if !l.group.add(ln) {
		l.unshare()
		l.bindFuture.complete(&BindError{ID: l.id, Err: net.ErrClosed})
		return
	}
	l.owner.setMetrics(l.owner.createMetrics())
	l.logger.Info("server listening", "addr", ln.Addr().String(), "ssl", l.opts.SSL)
	l.bindFuture.complete(nil)
	l.serve(ln)
}

func (l *sharedListener) unshare() {
	rt := l.owner.rt
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.shared[l.id] == l {
		delete(rt.shared, l.id)
	}
}

// serve accepts connections until the listener is closed.
func (l *sharedListener) serve(ln net.Listener) {
	defer l.group.wg.Done()

	var tempDelay time.Duration
	for {
		c, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			if tempDelay == 0 {
				tempDelay = 5 * time.Millisecond
			} else {
				tempDelay *= 2
			}
			if tempDelay > time.Second {
				tempDelay = time.Second
			}
			l.logger.Warn("accept failed", "error", err, "retry", tempDelay)
			time.Sleep(tempDelay)
			continue
		}
		tempDelay = 0
		go l.initChannel(c)
	}
}

// actualClose closes every live connection, the metrics sink and the
// listening socket, in that order.
func (l *sharedListener) actualClose() error {
	l.conns.closeAll()
	if m := l.owner.takeMetrics(); m != nil {
		m.Close()
	}
	err := l.group.close()
	if err == nil {
		l.logger.Info("server closed", "addr", l.id.String())
	}
	return err
}

// channelGroup tracks the listening sockets of a shared listener.
type channelGroup struct {
	mu        sync.Mutex
	closed    bool
	listeners []net.Listener
	wg        sync.WaitGroup
}

// add tracks ln. If the group is already closed, ln is closed and add
// returns false.
func (g *channelGroup) add(ln net.Listener) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		ln.Close()
		return false
	}
	g.listeners = append(g.listeners, ln)
	g.wg.Add(1)
	return true
}

// close closes every listener and waits for their accept loops to exit.
func (g *channelGroup) close() error {
	g.mu.Lock()
	g.closed = true
	listeners := g.listeners
	g.listeners = nil
	g.mu.Unlock()

	var result *multierror.Error
	for _, ln := range listeners {
		if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			result = multierror.Append(result, err)
		}
	}
	g.wg.Wait()
	return result.ErrorOrNil()
}

// bindFuture resolves once with the bind outcome.
type bindFuture struct {
	mu        sync.Mutex
	done      bool
	err       error
	listeners []func(error)
}

// onComplete registers fn. If the future is already resolved, fn runs on
// a new goroutine so callers may hold locks.
func (f *bindFuture) onComplete(fn func(error)) {
	f.mu.Lock()
	if f.done {
		err := f.err
		f.mu.Unlock()
		go fn(err)
		return
	}
	f.listeners = append(f.listeners, fn)
	f.mu.Unlock()
}

func (f *bindFuture) complete(err error) {
	f.mu.Lock()
	if f.done {
		f.mu.Unlock()
		return
	}
	f.done = true
	f.err = err
	listeners := f.listeners
	f.listeners = nil
	f.mu.Unlock()
	for _, fn := range listeners {
		fn(err)
	}
}
