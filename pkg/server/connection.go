package server

import (
	"net"
	"sync"
	"sync/atomic"
)

// Protocol identifies what a connection speaks.
type Protocol int

const (
	ProtocolHTTP1 Protocol = iota
	ProtocolHTTP2
	// ProtocolWebSocket is an HTTP/1 connection after a WebSocket upgrade.
	ProtocolWebSocket
)

// String returns the protocol name.
func (p Protocol) String() string {
	switch p {
	case ProtocolHTTP1:
		return "http/1.1"
	case ProtocolHTTP2:
		return "h2"
	case ProtocolWebSocket:
		return "websocket"
	default:
		return "unknown"
	}
}

// Connection is the view of a live connection given to connection handlers.
type Connection interface {
	// Protocol returns the current protocol of the connection.
	Protocol() Protocol

	// RemoteAddr returns the peer address.
	RemoteAddr() net.Addr

	// LocalAddr returns the local address.
	LocalAddr() net.Addr

	// Origin returns the scheme and address the server listens on,
	// e.g. "https://0.0.0.0:8443".
	Origin() string

	// Close closes the connection.
	Close() error
}

// connRecord is the per-connection state shared by both protocol
// variants: the channel, the handlers it was assigned, the metrics token
// and the close state.
type connRecord struct {
	l      *sharedListener
	conn   net.Conn
	holder *handlerHolder

	proto    atomic.Int32
	metric   any
	pipeline *Pipeline

	closeOnce sync.Once
	closeErr  error
	closed    chan struct{}
}

func newConnRecord(l *sharedListener, c net.Conn, holder *handlerHolder, proto Protocol) *connRecord {
	r := &connRecord{
		l:      l,
		conn:   c,
		holder: holder,
		closed: make(chan struct{}),
	}
	r.proto.Store(int32(proto))
	return r
}

func (r *connRecord) Origin() string {
	if r.l == nil {
		return ""
	}
	return r.l.origin
}

// Protocol returns the current protocol.
func (r *connRecord) Protocol() Protocol {
	return Protocol(r.proto.Load())
}

func (r *connRecord) setProtocol(p Protocol) {
	r.proto.Store(int32(p))
}

// RemoteAddr returns the peer address.
func (r *connRecord) RemoteAddr() net.Addr {
	return r.conn.RemoteAddr()
}

// LocalAddr returns the local address.
func (r *connRecord) LocalAddr() net.Addr {
	return r.conn.LocalAddr()
}

// Close closes the underlying channel once.
func (r *connRecord) Close() error {
	r.closeOnce.Do(func() {
		r.closeErr = r.conn.Close()
		close(r.closed)
	})
	return r.closeErr
}

// isClosed reports whether Close has run.
func (r *connRecord) isClosed() bool {
	select {
	case <-r.closed:
		return true
	default:
		return false
	}
}

// handleException routes err to the server's connection exception handler
// on the holder's context.
func (r *connRecord) handleException(err error) {
	if err == nil {
		return
	}
	r.l.owner.connectionException(r.holder, &ConnectionError{
		Remote: r.conn.RemoteAddr().String(),
		Op:     r.Protocol().String(),
		Err:    err,
	})
}
