package server

import (
	"net"
	"net/http"
)

// Metrics receives server events. Tokens returned by the begin hooks are
// passed back to the matching end hooks unchanged; an implementation may
// return nil. Hooks are called from connection goroutines concurrently.
type Metrics interface {
	// Connected is called when a connection is registered.
	Connected(remote net.Addr, proto Protocol) any

	// Disconnected is called with the Connected token when it closes.
	Disconnected(conn any, remote net.Addr)

	// RequestBegin is called before a request is dispatched.
	RequestBegin(conn any, r *http.Request) any

	// ResponseEnd is called after the response completed.
	ResponseEnd(req any, status int, bytesWritten int64)

	// WebSocketConnected is called when a WebSocket handshake is offered
	// to the handler.
	WebSocketConnected(conn any, ws *ServerWebSocket) any

	// WebSocketDisconnected is called when the WebSocket closes.
	WebSocketDisconnected(ws any)

	// Close releases the sink. It is called when the server closes.
	Close()
}

// MetricsFactory creates the metrics sink of one server. It is called when
// the server starts listening.
type MetricsFactory func(id ServerID, opts *Options) Metrics
