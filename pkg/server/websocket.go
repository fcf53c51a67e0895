package server

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/net/http/httpguts"
)

// FrameType is the type of a WebSocket frame.
type FrameType int

const (
	FrameText FrameType = iota
	FrameBinary
	FrameContinuation
	FramePing
	FramePong
	FrameClose
)

// String returns the frame type name.
func (t FrameType) String() string {
	switch t {
	case FrameText:
		return "text"
	case FrameBinary:
		return "binary"
	case FrameContinuation:
		return "continuation"
	case FramePing:
		return "ping"
	case FramePong:
		return "pong"
	case FrameClose:
		return "close"
	default:
		return "unknown"
	}
}

// Frame is one data frame delivered to a WebSocket frame handler.
type Frame struct {
	Type  FrameType
	Data  []byte
	Final bool
}

// Text returns the frame payload as a string.
func (f Frame) Text() string {
	return string(f.Data)
}

const controlWriteWait = 5 * time.Second

var errWebSocketAccepted = errors.New("server: websocket already accepted")

// ServerWebSocket is a WebSocket offered to the WebSocket handler. The
// handshake completes after the handler returns unless it called Reject;
// writing from inside the handler completes it early. Handlers set on it
// run on the context of the handler bundle that accepted it, one frame at
// a time in wire order.
type ServerWebSocket struct {
	hc     *http1Conn
	holder *handlerHolder
	req    *http.Request
	uri    *url.URL
	metric any

	maxFrame   int
	maxMessage int

	mu               sync.Mutex
	rejected         bool
	frameHandler     func(Frame)
	textHandler      func(string)
	binaryHandler    func([]byte)
	closeHandler     func()
	exceptionHandler func(error)

	connectOnce sync.Once
	connectErr  error
	conn        *websocket.Conn

	writeMu        sync.Mutex
	closeFrameSent bool
	closed         atomic.Bool
}

func newServerWebSocket(hc *http1Conn, holder *handlerHolder, req *http.Request) *ServerWebSocket {
	return &ServerWebSocket{
		hc:         hc,
		holder:     holder,
		req:        req,
		maxFrame:   hc.l.opts.MaxWebSocketFrameSize,
		maxMessage: hc.l.opts.MaxWebSocketMessageSize,
	}
}

// URI returns the request URI of the handshake.
func (ws *ServerWebSocket) URI() string {
	return ws.uri.String()
}

// Path returns the path of the request URI.
func (ws *ServerWebSocket) Path() string {
	return ws.uri.Path
}

// Query returns the raw query of the request URI.
func (ws *ServerWebSocket) Query() string {
	return ws.uri.RawQuery
}

// Headers returns the handshake request headers.
func (ws *ServerWebSocket) Headers() http.Header {
	return ws.req.Header
}

// IsRFC6455 reports whether the peer speaks a framed (non-hixie) protocol
// version.
func (ws *ServerWebSocket) IsRFC6455() bool {
	return true
}

// MaxFrameSize is the largest frame handed to the frame handler.
func (ws *ServerWebSocket) MaxFrameSize() int {
	return ws.maxFrame
}

// MaxMessageSize is the largest message accepted from the peer.
func (ws *ServerWebSocket) MaxMessageSize() int {
	return ws.maxMessage
}

// RemoteAddr returns the peer address.
func (ws *ServerWebSocket) RemoteAddr() net.Addr {
	return ws.hc.conn.RemoteAddr()
}

// LocalAddr returns the local address.
func (ws *ServerWebSocket) LocalAddr() net.Addr {
	return ws.hc.conn.LocalAddr()
}

// Reject refuses the handshake; the client gets 502. It fails once the
// handshake completed.
func (ws *ServerWebSocket) Reject() error {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if ws.conn != nil {
		return errWebSocketAccepted
	}
	ws.rejected = true
	return nil
}

func (ws *ServerWebSocket) isRejected() bool {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.rejected
}

// FrameHandler sets the callback for data frames.
func (ws *ServerWebSocket) FrameHandler(h func(Frame)) *ServerWebSocket {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	ws.frameHandler = h
	return ws
}

// TextMessageHandler sets the callback for complete text messages.
func (ws *ServerWebSocket) TextMessageHandler(h func(string)) *ServerWebSocket {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	ws.textHandler = h
	return ws
}

// BinaryMessageHandler sets the callback for complete binary messages.
func (ws *ServerWebSocket) BinaryMessageHandler(h func([]byte)) *ServerWebSocket {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	ws.binaryHandler = h
	return ws
}

// CloseHandler sets the callback run once the WebSocket closed.
func (ws *ServerWebSocket) CloseHandler(h func()) *ServerWebSocket {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	ws.closeHandler = h
	return ws
}

// ExceptionHandler sets the callback for read and protocol errors. Without
// one, errors go to the server's connection exception handler.
func (ws *ServerWebSocket) ExceptionHandler(h func(error)) *ServerWebSocket {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	ws.exceptionHandler = h
	return ws
}

// WriteTextMessage sends a text message.
func (ws *ServerWebSocket) WriteTextMessage(s string) error {
	return ws.writeMessage(websocket.TextMessage, []byte(s))
}

// WriteBinaryMessage sends a binary message.
func (ws *ServerWebSocket) WriteBinaryMessage(b []byte) error {
	return ws.writeMessage(websocket.BinaryMessage, b)
}

// WritePing sends a ping with payload b.
func (ws *ServerWebSocket) WritePing(b []byte) error {
	if err := ws.connect(); err != nil {
		return err
	}
	ws.writeMu.Lock()
	defer ws.writeMu.Unlock()
	if ws.closeFrameSent || ws.closed.Load() {
		return ErrConnectionClosed
	}
	return ws.conn.WriteControl(websocket.PingMessage, b, time.Now().Add(controlWriteWait))
}

func (ws *ServerWebSocket) writeMessage(mt int, data []byte) error {
	if err := ws.connect(); err != nil {
		return err
	}
	ws.writeMu.Lock()
	defer ws.writeMu.Unlock()
	if ws.closeFrameSent || ws.closed.Load() {
		return ErrConnectionClosed
	}
	return ws.conn.WriteMessage(mt, data)
}

// Close sends a normal closure frame and closes the connection.
func (ws *ServerWebSocket) Close() error {
	if err := ws.connect(); err != nil {
		if ws.isRejected() {
			return nil
		}
		return err
	}
	ws.writeMu.Lock()
	if !ws.closeFrameSent && !ws.closed.Load() {
		ws.closeFrameSent = true
		ws.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(controlWriteWait))
	}
	ws.writeMu.Unlock()
	return ws.hc.rec.Close()
}

// connect performs the handshake once. The compression stage is dropped
// first since it has no use on an upgraded connection.
func (ws *ServerWebSocket) connect() error {
	ws.connectOnce.Do(func() {
		ws.mu.Lock()
		rejected := ws.rejected
		ws.mu.Unlock()
		if rejected {
			ws.connectErr = ErrNotConnected
			return
		}

		hc := ws.hc
		hc.pipe.Remove(NameDeflater)
		w := newResponse(hc, ws.req)
		conn, err := hc.l.upgrader.Upgrade(w, ws.req, nil)
		if err != nil {
			if !w.hijacked {
				w.keepAlive = false
				w.finish()
			}
			ws.connectErr = &HandshakeError{URI: ws.req.RequestURI, Err: err}
			return
		}
		conn.SetReadLimit(int64(ws.maxMessage))
		conn.SetPingHandler(ws.onPing)
		conn.SetPongHandler(func(string) error { return nil })
		conn.SetCloseHandler(ws.onClose)

		ws.mu.Lock()
		ws.conn = conn
		ws.mu.Unlock()
		hc.rec.setProtocol(ProtocolWebSocket)
	})
	return ws.connectErr
}

// onPing echoes the payload as a pong.
func (ws *ServerWebSocket) onPing(data string) error {
	ws.writeMu.Lock()
	defer ws.writeMu.Unlock()
	if ws.closeFrameSent {
		return nil
	}
	err := ws.conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(controlWriteWait))
	if errors.Is(err, websocket.ErrCloseSent) {
		return nil
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return nil
	}
	return err
}

// onClose echoes the peer's close frame exactly once. The read loop then
// ends and the connection closes.
func (ws *ServerWebSocket) onClose(code int, text string) error {
	ws.writeMu.Lock()
	defer ws.writeMu.Unlock()
	if ws.closeFrameSent {
		return nil
	}
	ws.closeFrameSent = true
	ws.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text),
		time.Now().Add(controlWriteWait))
	return nil
}

// readLoop delivers frames until the connection closes. It runs on the
// connection goroutine.
func (ws *ServerWebSocket) readLoop() {
	defer ws.finish()
	for {
		mt, r, err := ws.conn.NextReader()
		if err != nil {
			ws.readError(err)
			return
		}
		if err := ws.readMessage(mt, r); err != nil {
			ws.readError(err)
			return
		}
	}
}

func (ws *ServerWebSocket) readError(err error) {
	var ce *websocket.CloseError
	switch {
	case errors.As(err, &ce):
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, net.ErrClosed):
	case ws.closed.Load():
	default:
		ws.exception(err)
	}
}

// readMessage splits one message into frames of at most maxFrame bytes.
// The first frame carries the message type, the rest are continuations.
func (ws *ServerWebSocket) readMessage(mt int, r io.Reader) error {
	ws.mu.Lock()
	fh, th, bh := ws.frameHandler, ws.textHandler, ws.binaryHandler
	ws.mu.Unlock()

	typ := FrameBinary
	if mt == websocket.TextMessage {
		typ = FrameText
	}
	collect := (typ == FrameText && th != nil) || (typ == FrameBinary && bh != nil)
	var msg bytes.Buffer

	deliver := func(f Frame) error {
		if collect {
			msg.Write(f.Data)
		}
		if fh == nil {
			return nil
		}
		return ws.holder.ctx.RunAndWait(func() { fh(f) })
	}

	cur := make([]byte, ws.maxFrame)
	next := make([]byte, ws.maxFrame)
	n, err := io.ReadFull(r, cur)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return err
	}
	ft := typ
	for {
		if err != nil {
			if derr := deliver(Frame{Type: ft, Data: bytes.Clone(cur[:n]), Final: true}); derr != nil {
				return derr
			}
			break
		}
		m, err2 := io.ReadFull(r, next)
		if err2 == io.EOF {
			if derr := deliver(Frame{Type: ft, Data: bytes.Clone(cur[:n]), Final: true}); derr != nil {
				return derr
			}
			break
		}
		if err2 != nil && err2 != io.ErrUnexpectedEOF {
			return err2
		}
		if derr := deliver(Frame{Type: ft, Data: bytes.Clone(cur[:n]), Final: false}); derr != nil {
			return derr
		}
		ft = FrameContinuation
		cur, next = next, cur
		n, err = m, err2
	}

	if !collect {
		return nil
	}
	data := msg.Bytes()
	if typ == FrameText {
		return ws.holder.ctx.RunAndWait(func() { th(string(data)) })
	}
	return ws.holder.ctx.RunAndWait(func() { bh(data) })
}

func (ws *ServerWebSocket) exception(err error) {
	ws.mu.Lock()
	h := ws.exceptionHandler
	ws.mu.Unlock()
	if h == nil {
		ws.hc.rec.handleException(err)
		return
	}
	ws.holder.ctx.RunOnContext(func() { h(err) })
}

// finish closes the connection and runs the close handler.
func (ws *ServerWebSocket) finish() {
	if !ws.closed.CompareAndSwap(false, true) {
		return
	}
	ws.hc.rec.Close()
	if m := ws.hc.l.metrics(); m != nil && ws.metric != nil {
		m.WebSocketDisconnected(ws.metric)
	}
	ws.mu.Lock()
	h := ws.closeHandler
	ws.mu.Unlock()
	if h != nil {
		if err := ws.holder.ctx.RunAndWait(h); err != nil {
			ws.hc.rec.handleException(err)
		}
	}
}

// handleWithWebSockets is the terminal handler that recognises WebSocket
// upgrades and passes everything else to the request handler.
func (hc *http1Conn) handleWithWebSockets(req *http.Request) bool {
	if !httpguts.HeaderValuesContainsToken(req.Header["Upgrade"], "websocket") {
		return hc.handlePlain(req)
	}
	if !httpguts.HeaderValuesContainsToken(req.Header["Connection"], "upgrade") {
		hc.handshakeErr = &ProtocolError{
			Status:  http.StatusBadRequest,
			Message: `"Connection" must be "Upgrade".`,
		}
		return hc.flushHandshakeError(req)
	}
	if req.Method != http.MethodGet {
		if err := hc.writeError(http.StatusMethodNotAllowed, "", nil, false); err != nil {
			return false
		}
		return discardBody(req.Body) && !req.Close
	}
	if v := req.Header.Get("Sec-WebSocket-Version"); v != "13" {
		ok := discardBody(req.Body)
		hdr := http.Header{"Sec-Websocket-Version": {"13"}}
		if err := hc.writeError(http.StatusUpgradeRequired, "", hdr, false); err != nil {
			return false
		}
		return ok && !req.Close
	}

	body, err := bufferBody(req.Body, req.ContentLength, hc.l.opts.MaxRequestBodySize, hc.l.opts.MaxChunkSize)
	if err != nil {
		hc.readError(err)
		return false
	}
	req.Body = body
	return hc.handshake(req)
}

// flushHandshakeError emits the pending handshake error once the request
// body completed, clearing it with the response.
func (hc *http1Conn) flushHandshakeError(req *http.Request) bool {
	ok := discardBody(req.Body)
	pe := hc.handshakeErr
	hc.handshakeErr = nil
	if err := hc.writeError(pe.Status, pe.Message, nil, false); err != nil {
		return false
	}
	return ok && !req.Close
}

// handshake offers the WebSocket to a handler picked for this loop. With
// no WebSocket handler registered the request goes to the request path.
func (hc *http1Conn) handshake(req *http.Request) bool {
	holder := hc.l.registry.choose(hc.loop)
	if holder == nil || holder.bundle.WebSocket == nil {
		return hc.handlePlain(req)
	}

	ws := newServerWebSocket(hc, holder, req)
	err := holder.ctx.RunAndWait(func() {
		u, err := url.ParseRequestURI(req.RequestURI)
		if err != nil {
			panic(fmt.Sprintf("server: invalid uri %q", req.RequestURI))
		}
		ws.uri = u
		if m := hc.l.metrics(); m != nil {
			ws.metric = m.WebSocketConnected(hc.rec.metric, ws)
		}
		holder.bundle.WebSocket(ws)
	})
	if err != nil {
		hc.rec.handleException(err)
		return false
	}

	if ws.isRejected() && ws.conn == nil {
		hc.writeError(http.StatusBadGateway, "", nil, true)
		if m := hc.l.metrics(); m != nil && ws.metric != nil {
			m.WebSocketDisconnected(ws.metric)
		}
		return false
	}
	if err := ws.connect(); err != nil {
		hc.rec.handleException(err)
		return false
	}
	ws.readLoop()
	return false
}

// newUpgrader builds the WebSocket handshaker for a listener.
func newUpgrader(o *Options) *websocket.Upgrader {
	check := o.CheckOrigin
	if check == nil {
		check = func(*http.Request) bool { return true }
	}
	return &websocket.Upgrader{
		HandshakeTimeout: o.IdleTimeout,
		CheckOrigin:      check,
	}
}
