package server

import (
	"sync/atomic"
)

// Stream controls the flow of one kind of inbound object (requests or
// WebSockets) for a server. While paused, new connections are refused at
// accept time and the server's handlers are skipped by handler selection.
type Stream struct {
	srv    *Server
	kind   string
	paused atomic.Bool
	ended  atomic.Bool

	// guarded by srv.mu
	endHandler func()
}

func newStream(srv *Server, kind string) *Stream {
	return &Stream{srv: srv, kind: kind}
}

// Pause stops dispatching new connections to this server's handlers.
func (s *Stream) Pause() *Stream {
	if s.paused.CompareAndSwap(false, true) {
		s.srv.logger.Debug("stream paused", "stream", s.kind)
	}
	return s
}

// Resume undoes Pause.
func (s *Stream) Resume() *Stream {
	if s.paused.CompareAndSwap(true, false) {
		s.srv.logger.Debug("stream resumed", "stream", s.kind)
	}
	return s
}

// IsPaused reports whether the stream is paused.
func (s *Stream) IsPaused() bool {
	return s.paused.Load()
}

// IsEnded reports whether the server was closed and the stream ended.
func (s *Stream) IsEnded() bool {
	return s.ended.Load()
}

// EndHandler sets the callback run when the server closes successfully.
func (s *Stream) EndHandler(h func()) *Stream {
	s.srv.mu.Lock()
	defer s.srv.mu.Unlock()
	s.endHandler = h
	return s
}

// takeEndHandler clears and returns the end handler. Caller holds srv.mu.
func (s *Stream) takeEndHandler() func() {
	h := s.endHandler
	s.endHandler = nil
	return h
}

// active reports whether new work may be dispatched through this stream.
func (s *Stream) active() bool {
	return !s.paused.Load() && !s.ended.Load()
}
