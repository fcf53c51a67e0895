package server

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"net"
	"net/http"

	"github.com/triptripe/hs-vertx/pkg/eventloop"
	"golang.org/x/net/http2"
)

// newHTTP2Server builds the HTTP/2 connection handler shared by every
// HTTP/2 connection of a listener.
func newHTTP2Server(l *sharedListener) *http2.Server {
	s := l.opts.InitialSettings
	srv := &http2.Server{
		MaxConcurrentStreams:      s.MaxConcurrentStreams,
		MaxReadFrameSize:          s.MaxFrameSize,
		MaxDecoderHeaderTableSize: s.HeaderTableSize,
		MaxEncoderHeaderTableSize: s.HeaderTableSize,
	}
	if s.InitialWindowSize > 0 {
		srv.MaxUploadBufferPerStream = clampInt32(int64(s.InitialWindowSize))
	}
	if w := l.opts.HTTP2ConnectionWindowSize; w > 0 {
		srv.MaxUploadBufferPerConnection = clampInt32(int64(w))
	}
	if l.opts.LogActivity {
		srv.CountError = func(errType string) {
			l.logger.Debug("http2 error", "type", errType)
		}
	}
	return srv
}

func clampInt32(v int64) int32 {
	if v > math.MaxInt32 {
		return math.MaxInt32
	}
	return int32(v)
}

// http2Pipeline is the stage list of a connection that starts as HTTP/2.
func (l *sharedListener) http2Pipeline() *Pipeline {
	p := &Pipeline{}
	if l.opts.LogActivity {
		p.AddLast(Stage{Name: NameLogging, Kind: StageLogging})
	}
	if l.opts.IdleTimeout > 0 {
		p.AddLast(Stage{Name: NameIdle, Kind: StageIdle})
	}
	p.AddLast(Stage{Name: NameHTTP2, Kind: StageHTTP2})
	return p
}

// serveHTTP2 serves c as an HTTP/2 connection until it closes. up is set
// when the connection arrives through an h2c upgrade.
func (l *sharedListener) serveHTTP2(c net.Conn, loop *eventloop.Loop, up *h2cUpgrade) {
	var holder *handlerHolder
	var pipe *Pipeline
	if up != nil {
		holder = up.holder
		pipe = up.pipe
		if l.opts.IdleTimeout > 0 && !pipe.Has(NameIdle) {
			pipe.AddLast(Stage{Name: NameIdle, Kind: StageIdle})
		}
		pipe.AddLast(Stage{Name: NameHTTP2, Kind: StageHTTP2})
	} else {
		holder = l.registry.choose(loop)
		pipe = l.http2Pipeline()
	}
	if holder == nil {
		c.Close()
		return
	}

	rec := newConnRecord(l, c, holder, ProtocolHTTP2)
	rec.pipeline = pipe
	if !l.conns.addHTTP2(rec) {
		return
	}
	m := l.metrics()
	if m != nil {
		rec.metric = m.Connected(c.RemoteAddr(), ProtocolHTTP2)
	}
	defer func() {
		rec.Close()
		l.conns.remove(rec)
		if m != nil && rec.metric != nil {
			m.Disconnected(rec.metric, c.RemoteAddr())
		}
	}()

	offered := false
	base := &http.Server{
		ConnState: func(_ net.Conn, st http.ConnState) {
			if st != http.StateActive || offered {
				return
			}
			offered = true
			if fn := holder.bundle.Connection; fn != nil {
				holder.ctx.RunOnContext(func() { fn(rec) })
			}
		},
	}
	if n := l.opts.InitialSettings.MaxHeaderListSize; n > 0 {
		base.MaxHeaderBytes = int(n)
	}
	if l.opts.LogActivity {
		base.ErrorLog = slog.NewLogLogger(l.logger.Handler(), slog.LevelDebug)
	}

	ctx := context.WithValue(context.Background(), http.LocalAddrContextKey, c.LocalAddr())
	ctx = context.WithValue(ctx, connContextKey{}, Connection(rec))
	opts := &http2.ServeConnOpts{
		Context:    ctx,
		BaseConfig: base,
		Handler:    l.http2Handler(rec),
	}
	if up != nil {
		opts.UpgradeRequest = up.req
		opts.Settings = up.settings
	}
	l.h2.ServeConn(c, opts)
}

// http2Handler dispatches every stream of rec to its holder's request
// handler on the holder's context.
func (l *sharedListener) http2Handler(rec *connRecord) http.Handler {
	holder := rec.holder
	h := holder.bundle.Request
	if h == nil {
		h = http.NotFoundHandler()
	}
	if l.opts.DecompressionSupported {
		h = inflateHandler(h)
	}
	if l.deflate != nil {
		h = l.deflate(h)
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m := l.metrics()
		var token any
		var rw *statusRecorder
		if m != nil {
			token = m.RequestBegin(rec.metric, r)
			rw = &statusRecorder{ResponseWriter: w}
			w = rw
		}
		// The stream goroutine reads the body so the handler's context
		// never waits on flow control.
		body, err := bufferBody(r.Body, r.ContentLength, l.opts.MaxRequestBodySize, l.opts.MaxChunkSize)
		if err != nil {
			var pe *ProtocolError
			if errors.As(err, &pe) {
				http.Error(w, http.StatusText(pe.Status), pe.Status)
			}
			if m != nil {
				m.ResponseEnd(token, rw.statusCode(), rw.written)
			}
			if pe == nil {
				panic(http.ErrAbortHandler)
			}
			return
		}
		r.Body = body
		err = holder.ctx.RunAndWait(func() { h.ServeHTTP(w, r) })
		if m != nil {
			m.ResponseEnd(token, rw.statusCode(), rw.written)
		}
		if err != nil {
			rec.handleException(err)
			panic(http.ErrAbortHandler)
		}
	})
}

// statusRecorder captures the status and body size for metrics.
type statusRecorder struct {
	http.ResponseWriter
	status  int
	written int64
}

func (r *statusRecorder) WriteHeader(status int) {
	if r.status == 0 {
		r.status = status
	}
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(p []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	n, err := r.ResponseWriter.Write(p)
	r.written += int64(n)
	return n, err
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap returns the wrapped writer for http.ResponseController.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func (r *statusRecorder) statusCode() int {
	if r.status == 0 {
		return http.StatusOK
	}
	return r.status
}
