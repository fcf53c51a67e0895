package server

import (
	"compress/flate"
	"compress/gzip"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/NYTimes/gziphandler"
)

// newDeflater returns the response compression stage at level.
func newDeflater(level int) (func(http.Handler) http.Handler, error) {
	wrap, err := gziphandler.GzipHandlerWithOpts(gziphandler.CompressionLevel(level))
	if err != nil {
		return nil, fmt.Errorf("server: compression level %d: %w", level, err)
	}
	return wrap, nil
}

// inflateHandler decodes gzip and deflate request bodies before h sees
// them. Other encodings pass through untouched.
func inflateHandler(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		enc := strings.ToLower(strings.TrimSpace(r.Header.Get("Content-Encoding")))
		switch enc {
		case "gzip", "x-gzip":
			zr, err := gzip.NewReader(r.Body)
			if err != nil {
				http.Error(w, "invalid gzip body", http.StatusBadRequest)
				return
			}
			r.Body = &inflatedBody{Reader: zr, zc: zr, orig: r.Body}
		case "deflate":
			fr := flate.NewReader(r.Body)
			r.Body = &inflatedBody{Reader: fr, zc: fr, orig: r.Body}
		default:
			h.ServeHTTP(w, r)
			return
		}
		r.Header.Del("Content-Encoding")
		r.Header.Del("Content-Length")
		r.ContentLength = -1
		h.ServeHTTP(w, r)
	})
}

type inflatedBody struct {
	io.Reader
	zc   io.Closer
	orig io.ReadCloser
}

func (b *inflatedBody) Close() error {
	b.zc.Close()
	return b.orig.Close()
}
