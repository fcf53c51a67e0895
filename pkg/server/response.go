package server

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httputil"
	"strconv"
	"time"

	"golang.org/x/net/http/httpguts"
)

// bufferBeforeChunkingSize is how much of a response of unknown length is
// held back to compute a Content-Length.
const bufferBeforeChunkingSize = 2048

// response is the http.ResponseWriter of an HTTP/1 request. Without the
// chunk writer stage a small response of unknown length is buffered and
// sent with a Content-Length. With it, after an explicit Flush, or once
// the body outgrows bufferBeforeChunkingSize, the body is streamed chunked
// (close-delimited for HTTP/1.0 clients).
type response struct {
	hc  *http1Conn
	req *http.Request

	header     http.Header
	status     int
	headerSent bool
	keepAlive  bool
	streaming  bool
	chunked    bool

	buf           bytes.Buffer
	cw            io.WriteCloser
	contentLength int64
	written       int64
	hijacked      bool
}

func newResponse(hc *http1Conn, req *http.Request) *response {
	return &response{
		hc:            hc,
		req:           req,
		header:        make(http.Header),
		keepAlive:     !req.Close,
		streaming:     hc.pipe.Has(NameChunkWriter),
		contentLength: -1,
	}
}

// Header returns the response header map.
func (w *response) Header() http.Header {
	return w.header
}

// WriteHeader records the status. 1xx statuses other than 101 are sent
// immediately as interim responses.
func (w *response) WriteHeader(status int) {
	if w.hijacked || w.headerSent || w.status != 0 {
		return
	}
	if status < 100 || status > 999 {
		panic(fmt.Sprintf("server: invalid WriteHeader code %v", status))
	}
	if status >= 100 && status < 200 && status != http.StatusSwitchingProtocols {
		fmt.Fprintf(w.hc.bw, "HTTP/1.1 %d %s\r\n", status, http.StatusText(status))
		w.header.Write(w.hc.bw)
		w.hc.bw.WriteString("\r\n")
		w.hc.bw.Flush()
		return
	}
	w.status = status
}

func (w *response) statusCode() int {
	if w.status == 0 {
		return http.StatusOK
	}
	return w.status
}

func (w *response) bodyAllowed() bool {
	return bodyAllowedForStatus(w.statusCode())
}

// Write writes body bytes.
func (w *response) Write(p []byte) (int, error) {
	if w.hijacked {
		return 0, http.ErrHijacked
	}
	if w.status == 0 {
		w.status = http.StatusOK
	}
	if !w.bodyAllowed() {
		return 0, http.ErrBodyNotAllowed
	}
	if !w.headerSent {
		if !w.streaming && w.header.Get("Content-Length") == "" &&
			w.buf.Len()+len(p) <= bufferBeforeChunkingSize {
			return w.buf.Write(p)
		}
		if err := w.startStreaming(p); err != nil {
			return 0, err
		}
	}
	return w.writeBody(p)
}

// startStreaming sends the header and whatever was buffered so far. sniff
// is used for content type detection when nothing was buffered.
func (w *response) startStreaming(sniff []byte) error {
	w.streaming = true
	if w.buf.Len() > 0 {
		sniff = w.buf.Bytes()
	}
	if err := w.start(true, sniff); err != nil {
		return err
	}
	if w.buf.Len() == 0 {
		return nil
	}
	body := w.buf.Bytes()
	w.buf.Reset()
	_, err := w.writeBody(body)
	return err
}

// Flush sends the header and any buffered body, switching to streaming.
func (w *response) Flush() {
	if w.hijacked {
		return
	}
	if !w.headerSent {
		if err := w.startStreaming(nil); err != nil {
			return
		}
	}
	w.hc.bw.Flush()
}

// Hijack hands the connection to the caller. The server stops serving it.
func (w *response) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if w.hijacked {
		return nil, nil, http.ErrHijacked
	}
	if w.headerSent {
		return nil, nil, errors.New("server: hijack after response started")
	}
	w.hijacked = true
	w.hc.hijacked = true
	return w.hc.conn, bufio.NewReadWriter(w.hc.br, w.hc.bw), nil
}

// reset drops everything the handler wrote. Only valid before the header
// was sent.
func (w *response) reset() {
	w.header = make(http.Header)
	w.status = 0
	w.buf.Reset()
}

// start writes the status line and header. streaming selects chunked (or
// close-delimited) framing when no Content-Length is known; otherwise the
// buffered body length is used. sniff is the first body data, used to
// detect a missing Content-Type.
func (w *response) start(streaming bool, sniff []byte) error {
	if w.headerSent {
		return nil
	}
	w.headerSent = true
	status := w.statusCode()
	h := w.header

	if httpguts.HeaderValuesContainsToken(h["Connection"], "close") {
		w.keepAlive = false
	}
	h.Del("Connection")
	h.Del("Transfer-Encoding")

	isHead := w.req.Method == http.MethodHead
	bodyOK := bodyAllowedForStatus(status)
	if cl := h.Get("Content-Length"); cl != "" {
		n, err := strconv.ParseInt(cl, 10, 64)
		if err != nil || n < 0 {
			h.Del("Content-Length")
		} else {
			w.contentLength = n
		}
	}
	if w.contentLength < 0 && bodyOK {
		switch {
		case !streaming:
			if !isHead || w.buf.Len() > 0 {
				w.contentLength = int64(w.buf.Len())
				h.Set("Content-Length", strconv.Itoa(w.buf.Len()))
			}
		case isHead:
		case w.req.ProtoAtLeast(1, 1):
			w.chunked = true
			h.Set("Transfer-Encoding", "chunked")
		default:
			w.keepAlive = false
		}
	}
	if bodyOK && len(sniff) > 0 && h.Get("Content-Type") == "" {
		h.Set("Content-Type", http.DetectContentType(sniff))
	}
	if h.Get("Date") == "" {
		h.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	}
	if !w.keepAlive {
		h.Set("Connection", "close")
	} else if !w.req.ProtoAtLeast(1, 1) {
		h.Set("Connection", "keep-alive")
	}

	bw := w.hc.bw
	fmt.Fprintf(bw, "HTTP/1.1 %d %s\r\n", status, http.StatusText(status))
	if err := h.Write(bw); err != nil {
		return err
	}
	if _, err := bw.WriteString("\r\n"); err != nil {
		return err
	}
	if w.chunked {
		w.cw = httputil.NewChunkedWriter(bw)
	}
	return nil
}

// writeBody writes p with the response framing. Bytes past a declared
// Content-Length are dropped with http.ErrContentLength.
func (w *response) writeBody(p []byte) (int, error) {
	if w.contentLength >= 0 && w.written+int64(len(p)) > w.contentLength {
		n, err := w.writeBody(p[:w.contentLength-w.written])
		if err != nil {
			return n, err
		}
		return n, http.ErrContentLength
	}
	if w.req.Method == http.MethodHead {
		w.written += int64(len(p))
		return len(p), nil
	}
	if w.chunked {
		n, err := w.cw.Write(p)
		w.written += int64(n)
		if err != nil {
			return n, err
		}
		return n, w.hc.bw.Flush()
	}
	n, err := w.hc.bw.Write(p)
	w.written += int64(n)
	return n, err
}

// finish completes the response after the handler returned.
func (w *response) finish() error {
	if w.hijacked {
		return nil
	}
	if !w.headerSent {
		body := w.buf.Bytes()
		if err := w.start(false, body); err != nil {
			return err
		}
		if len(body) > 0 && w.bodyAllowed() {
			if _, err := w.writeBody(body); err != nil {
				return err
			}
		}
		w.buf.Reset()
	}
	if w.chunked {
		if err := w.cw.Close(); err != nil {
			return err
		}
		if _, err := w.hc.bw.WriteString("\r\n"); err != nil {
			return err
		}
	}
	if w.contentLength >= 0 && w.written != w.contentLength && w.req.Method != http.MethodHead {
		w.keepAlive = false
	}
	return w.hc.bw.Flush()
}

func bodyAllowedForStatus(status int) bool {
	switch {
	case status >= 100 && status <= 199:
		return false
	case status == http.StatusNoContent:
		return false
	case status == http.StatusNotModified:
		return false
	}
	return true
}
