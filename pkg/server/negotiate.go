package server

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"

	"github.com/triptripe/hs-vertx/pkg/eventloop"
	"golang.org/x/net/http2"
)

// initChannel decides what a freshly accepted connection speaks and hands
// it to the matching pipeline. It runs on the connection's own goroutine.
func (l *sharedListener) initChannel(c net.Conn) {
	owner := l.owner
	if owner.requestStream.IsPaused() || owner.wsStream.IsPaused() {
		c.Close()
		return
	}
	if err := applyConnOptions(c, l.opts.TCP); err != nil {
		l.logger.Debug("failed to apply tcp options", "remote", c.RemoteAddr().String(), "error", err)
	}

	loop := l.registry.nextLoop()
	if loop == nil {
		c.Close()
		return
	}

	if l.tlsConfig != nil {
		tc := tls.Server(c, l.tlsConfig)
		ctx := context.Background()
		if l.opts.IdleTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, l.opts.IdleTimeout)
			defer cancel()
		}
		if err := tc.HandshakeContext(ctx); err != nil {
			l.channelException(loop, c, err)
			c.Close()
			return
		}
		wc := l.wrapConn(tc)
		if wc != net.Conn(tc) {
			wc = &tlsStateConn{Conn: wc, tc: tc}
		}
		if negotiatedProtocol(tc.ConnectionState()) == ProtoH2 {
			l.serveHTTP2(wc, loop, nil)
			return
		}
		l.serveHTTP1(wc, loop, nil, nil)
		return
	}

	wc := l.wrapConn(c)
	if l.opts.H2CDisabled {
		l.serveHTTP1(wc, loop, nil, nil)
		return
	}

	lr := &limitReader{r: wc, n: noLimit}
	br := getReader(lr, l.readBufferSize())
	h2c, err := hasPrefix(br, http2.ClientPreface)
	if err != nil {
		putReader(br)
		if !errors.Is(err, io.EOF) && !isTimeout(err) {
			l.channelException(loop, c, err)
		}
		c.Close()
		return
	}
	if h2c {
		l.serveHTTP2(&bufferedConn{Conn: wc, r: br}, loop, nil)
		return
	}
	l.serveHTTP1(wc, loop, lr, br)
}

// wrapConn applies the logging and idle stages to c.
func (l *sharedListener) wrapConn(c net.Conn) net.Conn {
	if l.opts.LogActivity {
		c = &loggingConn{Conn: c, logger: l.logger}
	}
	if l.opts.IdleTimeout > 0 {
		c = newIdleConn(c, l.opts.IdleTimeout)
	}
	return c
}

// tlsStateConn exposes the TLS state through the stage wrappers.
type tlsStateConn struct {
	net.Conn
	tc *tls.Conn
}

func (c *tlsStateConn) ConnectionState() tls.ConnectionState {
	return c.tc.ConnectionState()
}

// channelException routes a failure that happened before a connection
// record existed to the exception handler of a handler chosen for loop.
func (l *sharedListener) channelException(loop *eventloop.Loop, c net.Conn, err error) {
	holder := l.registry.choose(loop)
	l.owner.connectionException(holder, &ConnectionError{
		Remote: c.RemoteAddr().String(),
		Op:     "negotiate",
		Err:    err,
	})
}

// hasPrefix reports whether the buffered stream starts with prefix. It
// peeks one byte at a time so it returns as soon as the first mismatch
// arrives and never consumes input.
func hasPrefix(br *bufio.Reader, prefix string) (bool, error) {
	for i := 1; i <= len(prefix); i++ {
		b, err := br.Peek(i)
		if err != nil {
			if len(b) < i && errors.Is(err, io.EOF) && len(b) > 0 {
				return false, nil
			}
			return false, err
		}
		if b[i-1] != prefix[i-1] {
			return false, nil
		}
	}
	return true, nil
}

// bufferedConn replays bytes already read into r before reading from Conn.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	if c.r == nil {
		return c.Conn.Read(p)
	}
	if c.r.Buffered() == 0 {
		putReader(c.r)
		c.r = nil
		return c.Conn.Read(p)
	}
	return c.r.Read(p)
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
