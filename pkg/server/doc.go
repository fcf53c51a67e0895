// Package server is an embeddable HTTP server engine.
//
// A Server accepts TCP connections and serves HTTP/1.x, HTTP/2 over TLS
// (negotiated with ALPN), cleartext HTTP/2 (prior knowledge or the h2c
// upgrade) and WebSocket on the same port.
//
// # Contexts
//
// Every Server is created on an eventloop.Context. Its handlers run on that
// context: on an event-loop context they run serially on the loop, on a
// worker context they run on a worker goroutine. A connection is pinned to
// one handler bundle for its lifetime and all of its callbacks run in
// message order.
//
// # Shared listeners
//
// Servers in the same Runtime that listen on the same host, port and
// origin share a single socket. The first one binds it; later ones attach
// their handlers, and connections are spread across the attached servers
// round-robin, preferring servers whose context lives on the event loop
// that accepted the connection. The socket closes when the last attached
// server closes. Port 0 always binds a fresh socket.
//
// # Pipelines
//
// Each connection carries a Pipeline of named stages describing the
// protocol it currently speaks. An HTTP/1 connection that upgrades to h2c
// drops its HTTP/1 stages and gains the HTTP/2 stage in place.
//
// # Lifecycle
//
//	rt := server.NewRuntime(server.RuntimeConfig{})
//	srv, err := rt.NewServer(nil, server.DefaultOptions())
//	...
//	srv.SetRequestHandler(mux)
//	srv.Listen(8080, "", func(err error) { ... })
//	...
//	srv.Close(nil)
//
// Listen and Close complete asynchronously; their callbacks run on the
// server's context.
package server
