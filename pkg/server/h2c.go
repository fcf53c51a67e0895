package server

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/net/http2"
)

// h2cUpgrade carries an HTTP/1 connection into HTTP/2 after a successful
// "Upgrade: h2c" exchange.
type h2cUpgrade struct {
	req      *http.Request
	settings []byte
	holder   *handlerHolder
	pipe     *Pipeline
}

// upgradeH2C handles the first request of a connection when it carries
// "Upgrade: h2c". The body is buffered first; the upgrade happens only if
// the Connection header names both "upgrade" and "http2-settings", the
// settings decode, and the chosen handler runs on an event loop.
// Otherwise the request is answered with 400 and the connection closed.
func (hc *http1Conn) upgradeH2C(req *http.Request) bool {
	var settings []byte
	if h2cConnectionTokens(req.Header["Connection"]) {
		if v := req.Header.Get("HTTP2-Settings"); v != "" {
			s, err := decodeHTTP2Settings(v)
			if err != nil {
				hc.rec.handleException(err)
			} else {
				settings = s
			}
		}
	}

	o := hc.l.opts
	body, err := bufferBody(req.Body, req.ContentLength, o.MaxRequestBodySize, o.MaxChunkSize)
	if err != nil {
		hc.readError(err)
		return false
	}

	if settings != nil {
		if holder := hc.l.registry.choose(hc.loop); holder != nil && holder.ctx.IsEventLoop() {
			req.Body = body
			req.Proto, req.ProtoMajor, req.ProtoMinor = "HTTP/2.0", 2, 0
			for _, h := range []string{"Connection", "Upgrade", "HTTP2-Settings"} {
				req.Header.Del(h)
			}
			hc.takeoverH2C(&h2cUpgrade{req: req, settings: settings, holder: holder})
			return false
		}
	}
	hc.writeError(http.StatusBadRequest, "", nil, true)
	return false
}

// takeoverH2C answers 101 and hands the connection to the HTTP/2 pipeline.
func (hc *http1Conn) takeoverH2C(up *h2cUpgrade) {
	hc.pipe.RemoveAll(h2cRemovedStages...)
	hc.pipe.Remove(NameH2C)

	hc.bw.WriteString("HTTP/1.1 101 Switching Protocols\r\n" +
		"Connection: upgrade\r\n" +
		"Upgrade: h2c\r\n" +
		"Content-Length: 0\r\n\r\n")
	if err := hc.bw.Flush(); err != nil {
		hc.rec.handleException(err)
		return
	}
	hc.pipe.RemoveAll(h2cCodecStages...)

	hc.detached = true
	hc.hijacked = true
	putWriter(hc.bw)
	hc.l.conns.remove(hc.rec)
	if m := hc.l.metrics(); m != nil && hc.rec.metric != nil {
		m.Disconnected(hc.rec.metric, hc.conn.RemoteAddr())
	}

	up.req.RemoteAddr = hc.conn.RemoteAddr().String()
	up.pipe = hc.pipe
	hc.l.serveHTTP2(&bufferedConn{Conn: hc.conn, r: hc.br}, hc.loop, up)
}

// h2cConnectionTokens reports whether the Connection header values name
// both "upgrade" and "http2-settings". Other tokens are allowed.
func h2cConnectionTokens(values []string) bool {
	found := 0
	for _, v := range values {
		for _, tok := range strings.FieldsFunc(v, func(r rune) bool {
			return r == ',' || r == ' ' || r == '\t'
		}) {
			switch strings.ToLower(tok) {
			case "upgrade":
				found |= 1
			case "http2-settings":
				found |= 2
			}
		}
	}
	return found == 3
}

// decodeHTTP2Settings decodes an HTTP2-Settings header value: the
// base64url payload of a SETTINGS frame. Padding is tolerated. The payload
// is validated by parsing it as a frame.
func decodeHTTP2Settings(v string) ([]byte, error) {
	payload, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(strings.TrimSpace(v), "="))
	if err != nil {
		return nil, fmt.Errorf("%w: invalid HTTP2-Settings encoding: %v", ErrProtocolViolation, err)
	}

	var buf bytes.Buffer
	if err := http2.NewFramer(&buf, nil).WriteRawFrame(http2.FrameSettings, 0, 0, payload); err != nil {
		return nil, err
	}
	f, err := http2.NewFramer(nil, &buf).ReadFrame()
	if err != nil {
		return nil, fmt.Errorf("%w: invalid HTTP2-Settings: %v", ErrProtocolViolation, err)
	}
	sf, ok := f.(*http2.SettingsFrame)
	if !ok {
		return nil, errors.New("server: HTTP2-Settings did not decode to a SETTINGS frame")
	}
	if err := sf.ForeachSetting(func(s http2.Setting) error { return s.Valid() }); err != nil {
		return nil, fmt.Errorf("%w: invalid HTTP2-Settings: %v", ErrProtocolViolation, err)
	}
	return payload, nil
}
