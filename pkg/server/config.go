package server

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/go-multierror"
)

// Application protocol names used for ALPN.
const (
	ProtoHTTP11 = "http/1.1"
	ProtoH2     = "h2"
)

// HTTP2Settings are the local SETTINGS the server advertises on HTTP/2
// connections. Zero values leave the library default in place.
type HTTP2Settings struct {
	// HeaderTableSize is SETTINGS_HEADER_TABLE_SIZE.
	HeaderTableSize uint32

	// MaxConcurrentStreams is SETTINGS_MAX_CONCURRENT_STREAMS.
	// Default: 100.
	MaxConcurrentStreams uint32

	// InitialWindowSize is SETTINGS_INITIAL_WINDOW_SIZE for streams.
	InitialWindowSize uint32

	// MaxFrameSize is SETTINGS_MAX_FRAME_SIZE.
	MaxFrameSize uint32

	// MaxHeaderListSize is SETTINGS_MAX_HEADER_LIST_SIZE.
	MaxHeaderListSize uint32
}

// TCPOptions are the socket options applied to the listener (bind side)
// and to accepted connections (child side). -1 leaves the OS default.
type TCPOptions struct {
	// Child side

	// NoDelay sets TCP_NODELAY. Default: true.
	NoDelay bool

	// KeepAlive sets SO_KEEPALIVE. Default: false.
	KeepAlive bool

	// SendBufferSize sets SO_SNDBUF. Default: -1.
	SendBufferSize int

	// ReceiveBufferSize sets SO_RCVBUF and fixes the connection read buffer
	// size. Default: -1.
	ReceiveBufferSize int

	// TrafficClass sets IP_TOS (IPV6_TCLASS on IPv6). Default: -1.
	TrafficClass int

	// Bind side

	// ReuseAddress sets SO_REUSEADDR. Default: true.
	ReuseAddress bool

	// SoLinger sets SO_LINGER in seconds. Default: -1.
	SoLinger int

	// AcceptBacklog sets the listen backlog. Default: -1.
	AcceptBacklog int
}

// CertKeyFiles is a PEM certificate and key pair on disk.
type CertKeyFiles struct {
	CertFile string `json:"certFile"`
	KeyFile  string `json:"keyFile"`
}

// TLSOptions configure the TLS engine.
type TLSOptions struct {
	// CertFile and KeyFile hold the default certificate.
	CertFile string
	KeyFile  string

	// CAFile enables client certificate verification against this bundle.
	CAFile string

	// ClientAuth is the client certificate policy when CAFile is set.
	ClientAuth tls.ClientAuthType

	// SNICertificates are extra certificates selected by server name when
	// Options.SNI is enabled. Keys may use a leading "*." wildcard.
	SNICertificates map[string]CertKeyFiles
}

// Options holds the server configuration. It is captured by value when the
// server is created.
type Options struct {
	// Port is the default listen port. Default: 80.
	Port int

	// Host is the default listen host. Default: "0.0.0.0".
	Host string

	// TLS

	// SSL enables TLS on accepted connections.
	SSL bool

	// TLS configures the TLS engine. Required when SSL is set.
	TLS *TLSOptions

	// UseALPN enables application-layer protocol negotiation.
	UseALPN bool

	// ALPNVersions is the preference-ordered list of advertised protocols.
	// Default: ["h2", "http/1.1"].
	ALPNVersions []string

	// SNI selects the certificate from TLS.SNICertificates by server name.
	SNI bool

	// HTTP/1 decoder limits

	// MaxInitialLineLength bounds the request line. Default: 4096.
	MaxInitialLineLength int

	// MaxHeaderSize bounds the header block. Default: 8192.
	MaxHeaderSize int

	// MaxChunkSize bounds each body chunk handed to the handler. Default: 8192.
	MaxChunkSize int

	// DecoderInitialBufferSize is the minimum read buffer size. Default: 128.
	DecoderInitialBufferSize int

	// MaxRequestBodySize bounds a request body. Bodies are read in full
	// before the handler runs; larger ones are answered with 413.
	// Default: 10 MiB.
	MaxRequestBodySize int64

	// Connection lifecycle

	// IdleTimeout closes a connection when neither reads nor writes happen
	// for this long. 0 disables the idle timer.
	IdleTimeout time.Duration

	// Compression

	// CompressionSupported enables gzip response compression.
	CompressionSupported bool

	// CompressionLevel is the gzip level, 1-9. Default: 6.
	CompressionLevel int

	// DecompressionSupported decodes gzip/deflate request bodies.
	DecompressionSupported bool

	// HTTP/2

	// InitialSettings are the local HTTP/2 SETTINGS.
	InitialSettings HTTP2Settings

	// HTTP2ConnectionWindowSize is the connection-level flow-control window.
	// Values <= 0 keep the library default.
	HTTP2ConnectionWindowSize int

	// WebSocket

	// MaxWebSocketFrameSize bounds the frames handed to WebSocket handlers.
	// Default: 65536.
	MaxWebSocketFrameSize int

	// MaxWebSocketMessageSize bounds a reassembled message. Default: 262144.
	MaxWebSocketMessageSize int

	// CheckOrigin validates the Origin of WebSocket upgrades.
	// Default: allow all.
	CheckOrigin func(r *http.Request) bool

	// TCP

	// TCP holds socket options.
	TCP TCPOptions

	// Diagnostics

	// LogActivity logs connection reads and writes at debug level.
	LogActivity bool

	// Metrics creates the metrics sink for each server. nil disables metrics.
	Metrics MetricsFactory

	// Feature toggles

	// FlashPolicyHandler answers Flash cross-domain policy probes.
	FlashPolicyHandler bool

	// WebSocketsDisabled builds HTTP/1 pipelines without WebSocket support.
	WebSocketsDisabled bool

	// H2CDisabled disables cleartext HTTP/2 (prior knowledge and upgrade).
	H2CDisabled bool
}

// DefaultOptions returns Options with the stock defaults.
func DefaultOptions() *Options {
	return &Options{
		Port:                     80,
		Host:                     "0.0.0.0",
		ALPNVersions:             []string{ProtoH2, ProtoHTTP11},
		MaxInitialLineLength:     4096,
		MaxHeaderSize:            8192,
		MaxChunkSize:             8192,
		DecoderInitialBufferSize: 128,
		MaxRequestBodySize:       10 << 20,
		CompressionLevel:         6,
		InitialSettings: HTTP2Settings{
			MaxConcurrentStreams: 100,
		},
		HTTP2ConnectionWindowSize: -1,
		MaxWebSocketFrameSize:     65536,
		MaxWebSocketMessageSize:   65536 * 4,
		TCP: TCPOptions{
			NoDelay:           true,
			SendBufferSize:    -1,
			ReceiveBufferSize: -1,
			TrafficClass:      -1,
			ReuseAddress:      true,
			SoLinger:          -1,
			AcceptBacklog:     -1,
		},
	}
}

// Clone returns a deep copy of the Options.
func (o *Options) Clone() *Options {
	if o == nil {
		return nil
	}
	clone := *o
	if o.ALPNVersions != nil {
		clone.ALPNVersions = append([]string(nil), o.ALPNVersions...)
	}
	if o.TLS != nil {
		t := *o.TLS
		if o.TLS.SNICertificates != nil {
			t.SNICertificates = make(map[string]CertKeyFiles, len(o.TLS.SNICertificates))
			for k, v := range o.TLS.SNICertificates {
				t.SNICertificates[k] = v
			}
		}
		clone.TLS = &t
	}
	return &clone
}

// Validate reports configuration errors.
func (o *Options) Validate() error {
	var result *multierror.Error
	if o.Port < 0 || o.Port > 65535 {
		result = multierror.Append(result, fmt.Errorf("port %d out of range", o.Port))
	}
	if o.SSL && o.TLS == nil {
		result = multierror.Append(result, errors.New("ssl enabled without tls options"))
	}
	if o.CompressionSupported && (o.CompressionLevel < 1 || o.CompressionLevel > 9) {
		result = multierror.Append(result, fmt.Errorf("compression level %d out of range 1-9", o.CompressionLevel))
	}
	if o.MaxInitialLineLength <= 0 {
		result = multierror.Append(result, errors.New("max initial line length must be positive"))
	}
	if o.MaxHeaderSize <= 0 {
		result = multierror.Append(result, errors.New("max header size must be positive"))
	}
	if o.MaxChunkSize <= 0 {
		result = multierror.Append(result, errors.New("max chunk size must be positive"))
	}
	if o.MaxRequestBodySize <= 0 {
		result = multierror.Append(result, errors.New("max request body size must be positive"))
	}
	if o.MaxWebSocketFrameSize <= 0 || o.MaxWebSocketMessageSize <= 0 {
		result = multierror.Append(result, errors.New("websocket frame and message sizes must be positive"))
	}
	for _, v := range o.ALPNVersions {
		if v != ProtoH2 && v != ProtoHTTP11 {
			result = multierror.Append(result, fmt.Errorf("unsupported alpn version %q", v))
		}
	}
	return result.ErrorOrNil()
}

// WithPort sets the default port and returns the options for chaining.
func (o *Options) WithPort(port int) *Options {
	o.Port = port
	return o
}

// WithHost sets the default host and returns the options for chaining.
func (o *Options) WithHost(host string) *Options {
	o.Host = host
	return o
}

// WithTLS enables TLS with the given engine options.
func (o *Options) WithTLS(t *TLSOptions) *Options {
	o.SSL = true
	o.TLS = t
	return o
}

// WithALPN enables ALPN with the given protocol preference.
func (o *Options) WithALPN(versions ...string) *Options {
	o.UseALPN = true
	if len(versions) > 0 {
		o.ALPNVersions = versions
	}
	return o
}

// WithCompression enables response compression at level.
func (o *Options) WithCompression(level int) *Options {
	o.CompressionSupported = true
	o.CompressionLevel = level
	return o
}

// WithIdleTimeout sets the all-idle timeout.
func (o *Options) WithIdleTimeout(d time.Duration) *Options {
	o.IdleTimeout = d
	return o
}

// WithMetrics sets the metrics factory.
func (o *Options) WithMetrics(f MetricsFactory) *Options {
	o.Metrics = f
	return o
}

// alpnFor returns the advertised protocols for a server whose listen
// context may be a worker context. HTTP/2 needs event-loop semantics.
func (o *Options) alpnFor(worker bool) []string {
	out := make([]string, 0, len(o.ALPNVersions))
	for _, v := range o.ALPNVersions {
		if worker && v == ProtoH2 {
			continue
		}
		out = append(out, v)
	}
	return out
}
