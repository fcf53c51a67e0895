package server

import (
	"bufio"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Pooled buffers stand in for a pooled byte allocator. Readers are keyed
// by size since ReceiveBufferSize fixes the read buffer size.
var (
	readerPools sync.Map // int -> *sync.Pool
	writerPool  = sync.Pool{New: func() any { return bufio.NewWriterSize(nil, 4096) }}
)

func getReader(r io.Reader, size int) *bufio.Reader {
	p, _ := readerPools.LoadOrStore(size, &sync.Pool{})
	if br, ok := p.(*sync.Pool).Get().(*bufio.Reader); ok {
		br.Reset(r)
		return br
	}
	return bufio.NewReaderSize(r, size)
}

func putReader(br *bufio.Reader) {
	size := br.Size()
	br.Reset(nil)
	if p, ok := readerPools.Load(size); ok {
		p.(*sync.Pool).Put(br)
	}
}

func getWriter(w io.Writer) *bufio.Writer {
	bw := writerPool.Get().(*bufio.Writer)
	bw.Reset(w)
	return bw
}

func putWriter(bw *bufio.Writer) {
	bw.Reset(nil)
	writerPool.Put(bw)
}

// readBufferSize is the connection read buffer size. It is large enough
// to hold a full initial line so the line limit can be checked by peeking.
func (l *sharedListener) readBufferSize() int {
	size := l.opts.DecoderInitialBufferSize
	if l.opts.TCP.ReceiveBufferSize > size {
		size = l.opts.TCP.ReceiveBufferSize
	}
	if min := l.opts.MaxInitialLineLength + 2; size < min {
		size = min
	}
	if size < 16 {
		size = 16
	}
	return size
}

// loggingConn logs every read and write at debug level.
type loggingConn struct {
	net.Conn
	logger *slog.Logger
}

func (c *loggingConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	c.logger.Debug("read", "remote", c.RemoteAddr().String(), "bytes", n, "error", err)
	return n, err
}

func (c *loggingConn) Write(p []byte) (int, error) {
	n, err := c.Conn.Write(p)
	c.logger.Debug("write", "remote", c.RemoteAddr().String(), "bytes", n, "error", err)
	return n, err
}

// idleConn closes the connection once neither a read nor a write happened
// for timeout. A read that times out while writes kept the connection busy
// is retried.
type idleConn struct {
	net.Conn
	timeout time.Duration
	last    atomic.Int64
}

func newIdleConn(c net.Conn, timeout time.Duration) *idleConn {
	ic := &idleConn{Conn: c, timeout: timeout}
	ic.touch()
	return ic
}

func (c *idleConn) touch() {
	c.last.Store(time.Now().UnixNano())
}

func (c *idleConn) deadline() time.Time {
	return time.Unix(0, c.last.Load()).Add(c.timeout)
}

func (c *idleConn) Read(p []byte) (int, error) {
	for {
		c.Conn.SetReadDeadline(c.deadline())
		n, err := c.Conn.Read(p)
		if n > 0 {
			c.touch()
		}
		if err != nil && n == 0 && isTimeout(err) && time.Now().Before(c.deadline()) {
			continue
		}
		if err != nil && isTimeout(err) {
			c.Conn.Close()
		}
		return n, err
	}
}

func (c *idleConn) Write(p []byte) (int, error) {
	c.Conn.SetWriteDeadline(time.Now().Add(c.timeout))
	n, err := c.Conn.Write(p)
	if n > 0 {
		c.touch()
	}
	return n, err
}

// SetDeadline is owned by the idle timer.
func (c *idleConn) SetDeadline(time.Time) error { return nil }

// SetReadDeadline is owned by the idle timer.
func (c *idleConn) SetReadDeadline(time.Time) error { return nil }

// SetWriteDeadline is owned by the idle timer.
func (c *idleConn) SetWriteDeadline(time.Time) error { return nil }

// limitReader makes reads fail with io.EOF once n bytes were read, so an
// oversized header block stops at the limit. hit records that it did.
type limitReader struct {
	r   io.Reader
	n   int64
	hit bool
}

func (lr *limitReader) set(n int64) {
	lr.n = n
	lr.hit = false
}

func (lr *limitReader) Read(p []byte) (int, error) {
	if lr.n <= 0 {
		lr.hit = true
		return 0, io.EOF
	}
	if int64(len(p)) > lr.n {
		p = p[:lr.n]
	}
	n, err := lr.r.Read(p)
	lr.n -= int64(n)
	return n, err
}

const noLimit = 1<<63 - 1
