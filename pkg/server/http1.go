package server

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/triptripe/hs-vertx/pkg/eventloop"
	"golang.org/x/net/http/httpguts"
)

// terminalHandler dispatches one decoded request and reports whether the
// connection may carry another one. The variant is picked once when the
// pipeline is built.
type terminalHandler func(hc *http1Conn, req *http.Request) bool

const (
	flashPolicyRequest  = "<policy-file-request/>\x00"
	flashPolicyResponse = `<?xml version="1.0"?>` +
		`<!DOCTYPE cross-domain-policy SYSTEM "http://www.adobe.com/xml/dtds/cross-domain-policy.dtd">` +
		`<cross-domain-policy><allow-access-from domain="*" to-ports="*" /></cross-domain-policy>` + "\x00"

	// maxPostHandlerReadBytes is how much of an unanswered request body is
	// discarded to keep a connection alive.
	maxPostHandlerReadBytes = 256 << 10

	closeDrainTimeout = 500 * time.Millisecond
)

type connContextKey struct{}

// ConnectionFromRequest returns the connection a request arrived on.
func ConnectionFromRequest(r *http.Request) (Connection, bool) {
	c, ok := r.Context().Value(connContextKey{}).(Connection)
	return c, ok
}

// http1Pipeline builds the stage list for a new HTTP/1 connection.
func (l *sharedListener) http1Pipeline() *Pipeline {
	o := l.opts
	p := &Pipeline{}
	if o.LogActivity {
		p.AddLast(Stage{Name: NameLogging, Kind: StageLogging})
	}
	if o.FlashPolicyHandler {
		p.AddLast(Stage{Name: NameFlashPolicy, Kind: StageFlashPolicy})
	}
	p.AddLast(Stage{Name: NameDecoder, Kind: StageDecoder})
	p.AddLast(Stage{Name: NameEncoder, Kind: StageEncoder})
	if o.DecompressionSupported {
		p.AddLast(Stage{Name: NameInflater, Kind: StageInflater})
	}
	if o.CompressionSupported {
		p.AddLast(Stage{Name: NameDeflater, Kind: StageDeflater})
	}
	if o.SSL || o.CompressionSupported {
		p.AddLast(Stage{Name: NameChunkWriter, Kind: StageChunkWriter})
	}
	if o.IdleTimeout > 0 {
		p.AddLast(Stage{Name: NameIdle, Kind: StageIdle})
	}
	if !o.H2CDisabled {
		p.AddLast(Stage{Name: NameH2C, Kind: StageH2CUpgrade})
	}
	if o.WebSocketsDisabled {
		p.AddLast(Stage{Name: NameHandler, Kind: StageHandler, handler: (*http1Conn).handlePlain})
	} else {
		p.AddLast(Stage{Name: NameHandler, Kind: StageHandler, handler: (*http1Conn).handleWithWebSockets})
	}
	return p
}

// http1Conn is one HTTP/1.x connection. All of its fields are owned by the
// connection goroutine; handlers run on the holder's context while that
// goroutine waits.
type http1Conn struct {
	l    *sharedListener
	rec  *connRecord
	loop *eventloop.Loop
	conn net.Conn
	tls  *tls.ConnectionState
	lr   *limitReader
	br   *bufio.Reader
	bw   *bufio.Writer
	pipe *Pipeline

	// handshakeErr is a WebSocket handshake error waiting for the request
	// body to complete. It is cleared when the response is written.
	handshakeErr *ProtocolError

	// detached is set once the connection belongs to someone else (a
	// hijacking handler or an HTTP/2 takeover).
	detached bool
	// hijacked is set once the buffers were handed out.
	hijacked bool
}

// serveHTTP1 runs the HTTP/1 pipeline on c until the connection closes or
// is taken over. lr and br carry bytes the sniffer already buffered.
func (l *sharedListener) serveHTTP1(c net.Conn, loop *eventloop.Loop, lr *limitReader, br *bufio.Reader) {
	if br == nil {
		lr = &limitReader{r: c, n: noLimit}
		br = getReader(lr, l.readBufferSize())
	}
	holder := l.registry.choose(loop)
	if holder == nil {
		putReader(br)
		c.Close()
		return
	}

	hc := &http1Conn{
		l:    l,
		loop: loop,
		conn: c,
		tls:  connTLSState(c),
		lr:   lr,
		br:   br,
		bw:   getWriter(c),
		pipe: l.http1Pipeline(),
	}
	hc.rec = newConnRecord(l, c, holder, ProtocolHTTP1)
	hc.rec.pipeline = hc.pipe
	if !l.conns.addHTTP1(hc.rec) {
		putReader(br)
		putWriter(hc.bw)
		return
	}
	defer hc.finish()

	if m := l.metrics(); m != nil {
		hc.rec.metric = m.Connected(c.RemoteAddr(), ProtocolHTTP1)
	}
	if fn := holder.bundle.Connection; fn != nil {
		if err := holder.ctx.RunAndWait(func() { fn(hc.rec) }); err != nil {
			hc.rec.handleException(err)
		}
	}
	hc.serve()
}

func (hc *http1Conn) serve() {
	if hc.pipe.Has(NameFlashPolicy) {
		if hc.flashPolicy() {
			return
		}
	}
	for !hc.rec.isClosed() {
		req, err := hc.readRequest()
		if err != nil {
			hc.readError(err)
			return
		}
		if !hc.dispatch(req) {
			return
		}
	}
}

// finish releases the connection unless it was handed to a new owner.
func (hc *http1Conn) finish() {
	if hc.detached {
		hc.l.conns.remove(hc.rec)
		return
	}
	hc.rec.Close()
	hc.l.conns.remove(hc.rec)
	if m := hc.l.metrics(); m != nil && hc.rec.metric != nil {
		m.Disconnected(hc.rec.metric, hc.conn.RemoteAddr())
	}
	if !hc.hijacked {
		putReader(hc.br)
		putWriter(hc.bw)
	}
}

// flashPolicy answers a Flash policy probe and reports whether it did.
// The stage removes itself either way.
func (hc *http1Conn) flashPolicy() bool {
	hc.pipe.Remove(NameFlashPolicy)
	ok, err := hasPrefix(hc.br, flashPolicyRequest)
	if err != nil || !ok {
		return false
	}
	hc.br.Discard(len(flashPolicyRequest))
	hc.bw.WriteString(flashPolicyResponse)
	if err := hc.bw.Flush(); err != nil {
		hc.rec.handleException(err)
	}
	return true
}

func (hc *http1Conn) dispatch(req *http.Request) bool {
	if hc.pipe.Has(NameH2C) {
		if httpguts.HeaderValuesContainsToken(req.Header["Upgrade"], "h2c") {
			return hc.upgradeH2C(req)
		}
		hc.pipe.Remove(NameH2C)
	}
	st, ok := hc.pipe.Get(NameHandler)
	if !ok || st.handler == nil {
		return false
	}
	return st.handler(hc, req)
}

// readRequest decodes the next request header. The body is left on the
// wire for the handler.
func (hc *http1Conn) readRequest() (*http.Request, error) {
	o := hc.l.opts
	hc.lr.set(int64(o.MaxInitialLineLength + o.MaxHeaderSize + 4))
	if err := hc.checkInitialLine(); err != nil {
		return nil, err
	}
	req, err := http.ReadRequest(hc.br)
	if err != nil {
		if hc.lr.hit {
			return nil, &ProtocolError{Status: http.StatusRequestHeaderFieldsTooLarge}
		}
		return nil, err
	}
	hc.lr.set(noLimit)
	return req, nil
}

// checkInitialLine skips leading blank lines and fails with 414 when the
// request line is longer than MaxInitialLineLength.
func (hc *http1Conn) checkInitialLine() error {
	max := hc.l.opts.MaxInitialLineLength
	for {
		b, err := hc.br.Peek(1)
		if err != nil {
			return err
		}
		if b[0] != '\r' && b[0] != '\n' {
			break
		}
		hc.br.Discard(1)
	}
	for {
		n := hc.br.Buffered()
		buf, _ := hc.br.Peek(n)
		if i := bytes.IndexByte(buf, '\n'); i >= 0 {
			if i > 0 && buf[i-1] == '\r' {
				i--
			}
			if i > max {
				return &ProtocolError{Status: http.StatusRequestURITooLong}
			}
			return nil
		}
		if n > max+1 {
			return &ProtocolError{Status: http.StatusRequestURITooLong}
		}
		if _, err := hc.br.Peek(n + 1); err != nil {
			if hc.lr.hit {
				return &ProtocolError{Status: http.StatusRequestURITooLong}
			}
			return err
		}
	}
}

func (hc *http1Conn) readError(err error) {
	var pe *ProtocolError
	switch {
	case errors.As(err, &pe):
		if hc.writeError(pe.Status, pe.Message, nil, true) == nil {
			hc.closeWrite()
		}
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed), isTimeout(err):
	default:
		if hc.writeError(http.StatusBadRequest, "", nil, true) == nil {
			hc.closeWrite()
		}
	}
}

// writeError writes a complete error response with a Content-Length.
func (hc *http1Conn) writeError(status int, msg string, header http.Header, closeConn bool) error {
	h := make(http.Header, len(header)+3)
	for k, v := range header {
		h[k] = v
	}
	if status == http.StatusMethodNotAllowed {
		h.Set("Allow", http.MethodGet)
	}
	h.Set("Content-Length", strconv.Itoa(len(msg)))
	if closeConn {
		h.Set("Connection", "close")
	}
	fmt.Fprintf(hc.bw, "HTTP/1.1 %d %s\r\n", status, http.StatusText(status))
	h.Write(hc.bw)
	hc.bw.WriteString("\r\n")
	hc.bw.WriteString(msg)
	return hc.bw.Flush()
}

// handlePlain is the terminal handler without WebSocket support.
func (hc *http1Conn) handlePlain(req *http.Request) bool {
	h := hc.rec.holder.bundle.Request
	if h == nil {
		discardBody(req.Body)
		hc.writeError(http.StatusNotFound, "", nil, req.Close)
		return !req.Close
	}
	return hc.serveRequest(h, req)
}

// serveRequest runs h for req on the holder's context and completes the
// response. It reports whether the connection may be reused.
func (hc *http1Conn) serveRequest(h http.Handler, req *http.Request) bool {
	l := hc.l
	holder := hc.rec.holder

	if !hc.readBody(req) {
		return false
	}
	w := newResponse(hc, req)
	req = hc.prepareRequest(req)

	if hc.pipe.Has(NameInflater) {
		h = inflateHandler(h)
	}
	if hc.pipe.Has(NameDeflater) && l.deflate != nil {
		h = l.deflate(h)
	}

	var token any
	m := l.metrics()
	if m != nil {
		token = m.RequestBegin(hc.rec.metric, req)
	}
	err := holder.ctx.RunAndWait(func() { h.ServeHTTP(w, req) })
	if w.hijacked {
		hc.detached = true
		return false
	}
	if err != nil {
		hc.rec.handleException(err)
		if !w.headerSent {
			w.reset()
			w.WriteHeader(http.StatusInternalServerError)
		}
		w.keepAlive = false
	}
	if ferr := w.finish(); ferr != nil {
		hc.rec.handleException(ferr)
		return false
	}
	if m != nil {
		m.ResponseEnd(token, w.statusCode(), w.written)
	}
	return w.keepAlive
}

// prepareRequest fills in the connection-level request fields.
func (hc *http1Conn) prepareRequest(req *http.Request) *http.Request {
	req.RemoteAddr = hc.conn.RemoteAddr().String()
	req.TLS = hc.tls
	ctx := context.WithValue(req.Context(), http.LocalAddrContextKey, hc.conn.LocalAddr())
	ctx = context.WithValue(ctx, connContextKey{}, Connection(hc.rec))
	return req.WithContext(ctx)
}

// readBody reads the whole request body on the connection goroutine, so a
// slow client never holds the handler's event loop. "100 Continue" is sent
// first when the client asked for it. On failure the connection is done;
// an oversized body has been answered with 413.
func (hc *http1Conn) readBody(req *http.Request) bool {
	if _, ok := req.Body.(*chunkBody); ok {
		// Buffered already by the WebSocket upgrader.
		return true
	}
	o := hc.l.opts
	if req.ProtoAtLeast(1, 1) && req.ContentLength != 0 && req.ContentLength <= o.MaxRequestBodySize &&
		strings.EqualFold(req.Header.Get("Expect"), "100-continue") {
		hc.bw.WriteString("HTTP/1.1 100 Continue\r\n\r\n")
		if err := hc.bw.Flush(); err != nil {
			return false
		}
	}
	body, err := bufferBody(req.Body, req.ContentLength, o.MaxRequestBodySize, o.MaxChunkSize)
	if err != nil {
		hc.readError(err)
		return false
	}
	req.Body = body
	return true
}

// bufferBody reads body up to max bytes and returns it as a reader that
// hands out at most chunk bytes per read. declared is the announced length,
// -1 when unknown. A body over max fails with a 413 ProtocolError.
func bufferBody(body io.ReadCloser, declared, max int64, chunk int) (io.ReadCloser, error) {
	if body == nil || body == http.NoBody {
		return http.NoBody, nil
	}
	defer body.Close()
	if declared > max {
		return nil, &ProtocolError{Status: http.StatusRequestEntityTooLarge}
	}
	data, err := io.ReadAll(io.LimitReader(body, max+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > max {
		return nil, &ProtocolError{Status: http.StatusRequestEntityTooLarge}
	}
	if len(data) == 0 {
		return http.NoBody, nil
	}
	return &chunkBody{rc: io.NopCloser(bytes.NewReader(data)), max: chunk}, nil
}

// discardBody drains the body of a request answered without a handler. It
// reports whether the body fully fit within the drain limit.
func discardBody(body io.ReadCloser) bool {
	if body == nil || body == http.NoBody {
		return true
	}
	n, err := io.CopyN(io.Discard, body, maxPostHandlerReadBytes+1)
	body.Close()
	return n <= maxPostHandlerReadBytes && (err == nil || errors.Is(err, io.EOF))
}

// chunkBody caps every read at max bytes, the largest chunk handed to a
// handler.
type chunkBody struct {
	rc  io.ReadCloser
	max int
}

func (b *chunkBody) Read(p []byte) (int, error) {
	if b.max > 0 && len(p) > b.max {
		p = p[:b.max]
	}
	return b.rc.Read(p)
}

func (b *chunkBody) Close() error {
	return b.rc.Close()
}

// connTLSState returns the TLS state of c, looking through the stage
// wrappers.
func connTLSState(c net.Conn) *tls.ConnectionState {
	if tc, ok := baseConn(c).(*tls.Conn); ok {
		st := tc.ConnectionState()
		return &st
	}
	return nil
}

// baseConn strips the stage wrappers from c.
func baseConn(c net.Conn) net.Conn {
	for {
		switch v := c.(type) {
		case *loggingConn:
			c = v.Conn
		case *idleConn:
			c = v.Conn
		case *bufferedConn:
			c = v.Conn
		case *tlsStateConn:
			return v.tc
		default:
			return c
		}
	}
}

// closeWrite half-closes the connection and drains what the peer still
// sends, so an error response is read before the socket is reset.
func (hc *http1Conn) closeWrite() {
	c := baseConn(hc.conn)
	cw, ok := c.(interface{ CloseWrite() error })
	if !ok || cw.CloseWrite() != nil {
		return
	}
	c.SetReadDeadline(time.Now().Add(closeDrainTimeout))
	io.Copy(io.Discard, io.LimitReader(c, maxPostHandlerReadBytes))
}
