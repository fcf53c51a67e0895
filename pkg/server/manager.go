package server

import (
	"errors"
	"log/slog"
	"net"
	"sync/atomic"

	"github.com/hashicorp/go-multierror"
	"github.com/puzpuzpuz/xsync/v3"
)

// connectionManager owns the live connections of a listener, one map per
// protocol. Both maps tolerate concurrent registration and removal while
// closeAll drains them. Once closeAll has started no connection can be
// added.
type connectionManager struct {
	logger *slog.Logger
	http1  *xsync.MapOf[net.Conn, *connRecord]
	http2  *xsync.MapOf[net.Conn, *connRecord]
	closed atomic.Bool

	totalHTTP1 atomic.Uint64
	totalHTTP2 atomic.Uint64
}

func newConnectionManager(logger *slog.Logger) *connectionManager {
	return &connectionManager{
		logger: logger,
		http1:  xsync.NewMapOf[net.Conn, *connRecord](),
		http2:  xsync.NewMapOf[net.Conn, *connRecord](),
	}
}

// addHTTP1 registers rec. It returns false, with rec closed, when the
// manager is already closing.
func (m *connectionManager) addHTTP1(rec *connRecord) bool {
	if !m.add(m.http1, rec) {
		return false
	}
	m.totalHTTP1.Add(1)
	return true
}

// addHTTP2 is addHTTP1 for HTTP/2 connections.
func (m *connectionManager) addHTTP2(rec *connRecord) bool {
	if !m.add(m.http2, rec) {
		return false
	}
	m.totalHTTP2.Add(1)
	return true
}

func (m *connectionManager) add(mp *xsync.MapOf[net.Conn, *connRecord], rec *connRecord) bool {
	if m.closed.Load() {
		rec.Close()
		return false
	}
	mp.Store(rec.conn, rec)
	// closeAll may have drained the map between the check and the store.
	if m.closed.Load() {
		m.remove(rec)
		rec.Close()
		return false
	}
	return true
}

// remove unregisters rec from whichever map holds it.
func (m *connectionManager) remove(rec *connRecord) {
	for _, mp := range []*xsync.MapOf[net.Conn, *connRecord]{m.http1, m.http2} {
		mp.Compute(rec.conn, func(old *connRecord, loaded bool) (*connRecord, bool) {
			return old, !loaded || old == rec
		})
	}
}

// closeAll drains both maps and closes every connection. Close failures
// are logged; they never fail the server close.
func (m *connectionManager) closeAll() {
	m.closed.Store(true)
	var result *multierror.Error
	drain := func(mp *xsync.MapOf[net.Conn, *connRecord]) {
		mp.Range(func(c net.Conn, _ *connRecord) bool {
			if rec, ok := mp.LoadAndDelete(c); ok {
				if err := rec.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
					result = multierror.Append(result, err)
				}
			}
			return true
		})
	}
	drain(m.http1)
	drain(m.http2)
	if err := result.ErrorOrNil(); err != nil {
		m.logger.Debug("errors closing connections", "error", err)
	}
}

// ConnectionStats is a snapshot of a listener's connections.
type ConnectionStats struct {
	// Live connections by protocol.
	HTTP1     int
	HTTP2     int
	WebSocket int

	// Connections accepted since the listener was bound.
	TotalHTTP1 uint64
	TotalHTTP2 uint64
}

func (m *connectionManager) stats() ConnectionStats {
	s := ConnectionStats{
		HTTP2:      m.http2.Size(),
		TotalHTTP1: m.totalHTTP1.Load(),
		TotalHTTP2: m.totalHTTP2.Load(),
	}
	m.http1.Range(func(_ net.Conn, rec *connRecord) bool {
		if rec.Protocol() == ProtocolWebSocket {
			s.WebSocket++
		} else {
			s.HTTP1++
		}
		return true
	})
	return s
}

// Stats returns the connection counts of the listener this server is
// bound to. It is zero when the server is not listening.
func (s *Server) Stats() ConnectionStats {
	s.mu.Lock()
	l := s.listener
	s.mu.Unlock()
	if l == nil {
		return ConnectionStats{}
	}
	return l.conns.stats()
}
