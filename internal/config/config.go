package config

import (
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/mitchellh/mapstructure"
	"github.com/triptripe/hs-vertx/pkg/server"
)

const (
	// ConfigFileName is the name of the configuration file.
	ConfigFileName = "hsvertx.json"

	// DefaultPort is the default listen port of the demo server.
	DefaultPort = 8080

	// DefaultHost is the default listen host.
	DefaultHost = "0.0.0.0"

	// DefaultMetricsPath is where the Prometheus handler is mounted.
	DefaultMetricsPath = "/metrics"
)

// ErrNotFound is returned when no configuration file exists.
var ErrNotFound = errors.New("config: " + ConfigFileName + " not found")

// Config represents the complete hsvertx.json configuration.
type Config struct {
	// Server contains the listener and protocol settings.
	Server ServerConfig `json:"server"`

	// EventLoops is the number of event loops (default: 2*GOMAXPROCS).
	EventLoops int `json:"eventLoops,omitempty"`

	// Log contains logging configuration.
	Log LogConfig `json:"log"`

	// Metrics contains metrics configuration.
	Metrics MetricsConfig `json:"metrics"`

	// Tracing contains OpenTelemetry configuration.
	Tracing TracingConfig `json:"tracing"`

	configPath string
}

// ServerConfig mirrors server.Options in file form.
type ServerConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`

	TLS          *TLSConfig `json:"tls,omitempty"`
	ALPN         bool       `json:"alpn,omitempty"`
	ALPNVersions []string   `json:"alpnVersions,omitempty"`
	SNI          bool       `json:"sni,omitempty"`

	MaxInitialLineLength     int `json:"maxInitialLineLength"`
	MaxHeaderSize            int `json:"maxHeaderSize"`
	MaxChunkSize             int `json:"maxChunkSize"`
	DecoderInitialBufferSize int `json:"decoderInitialBufferSize"`

	MaxRequestBodySize int64 `json:"maxRequestBodySize"`

	// IdleTimeout accepts duration strings such as "30s".
	IdleTimeout time.Duration `json:"idleTimeout,omitempty"`

	Compression      bool `json:"compression,omitempty"`
	CompressionLevel int  `json:"compressionLevel"`
	Decompression    bool `json:"decompression,omitempty"`

	HTTP2     HTTP2Config     `json:"http2"`
	WebSocket WebSocketConfig `json:"webSocket"`
	TCP       TCPConfig       `json:"tcp"`

	LogActivity bool `json:"logActivity,omitempty"`
	FlashPolicy bool `json:"flashPolicy,omitempty"`
	H2CDisabled bool `json:"h2cDisabled,omitempty"`
}

// TLSConfig contains the certificate files.
type TLSConfig struct {
	CertFile string `json:"certFile"`
	KeyFile  string `json:"keyFile"`
	CAFile   string `json:"caFile,omitempty"`

	// ClientAuth is one of "none", "request", "require", "verify-if-given"
	// or "require-and-verify" (default when CAFile is set).
	ClientAuth string `json:"clientAuth,omitempty"`

	// SNI maps server names (or "*.domain" wildcards) to certificates.
	SNI map[string]server.CertKeyFiles `json:"sni,omitempty"`
}

// HTTP2Config contains the local SETTINGS and the connection window.
type HTTP2Config struct {
	HeaderTableSize      uint32 `json:"headerTableSize,omitempty"`
	MaxConcurrentStreams uint32 `json:"maxConcurrentStreams"`
	InitialWindowSize    uint32 `json:"initialWindowSize,omitempty"`
	MaxFrameSize         uint32 `json:"maxFrameSize,omitempty"`
	MaxHeaderListSize    uint32 `json:"maxHeaderListSize,omitempty"`
	ConnectionWindowSize int    `json:"connectionWindowSize"`
}

// WebSocketConfig contains WebSocket limits.
type WebSocketConfig struct {
	Disabled       bool `json:"disabled,omitempty"`
	MaxFrameSize   int  `json:"maxFrameSize"`
	MaxMessageSize int  `json:"maxMessageSize"`
}

// TCPConfig contains socket options. -1 leaves the OS default.
type TCPConfig struct {
	NoDelay           bool `json:"noDelay"`
	KeepAlive         bool `json:"keepAlive"`
	SendBufferSize    int  `json:"sendBufferSize"`
	ReceiveBufferSize int  `json:"receiveBufferSize"`
	TrafficClass      int  `json:"trafficClass"`
	ReuseAddress      bool `json:"reuseAddress"`
	SoLinger          int  `json:"soLinger"`
	AcceptBacklog     int  `json:"acceptBacklog"`
}

// LogConfig contains logging configuration.
type LogConfig struct {
	// Level is debug, info, warn or error (default: "info").
	Level string `json:"level"`

	// Format is "text" or "json" (default: "text").
	Format string `json:"format"`
}

// MetricsConfig selects the metrics sink.
type MetricsConfig struct {
	// Backend is "prometheus", "go-metrics" or empty to disable metrics.
	Backend string `json:"backend,omitempty"`

	// Namespace prefixes every metric name (default: "hsvertx").
	Namespace string `json:"namespace,omitempty"`

	// Path is where the demo server mounts the Prometheus handler.
	Path string `json:"path,omitempty"`
}

// TracingConfig contains OpenTelemetry configuration.
type TracingConfig struct {
	Enabled    bool   `json:"enabled,omitempty"`
	TracerName string `json:"tracerName,omitempty"`
}

// New creates a new Config with default values.
func New() *Config {
	o := server.DefaultOptions()
	return &Config{
		Server: ServerConfig{
			Host:                     DefaultHost,
			Port:                     DefaultPort,
			MaxInitialLineLength:     o.MaxInitialLineLength,
			MaxHeaderSize:            o.MaxHeaderSize,
			MaxChunkSize:             o.MaxChunkSize,
			DecoderInitialBufferSize: o.DecoderInitialBufferSize,
			MaxRequestBodySize:       o.MaxRequestBodySize,
			CompressionLevel:         o.CompressionLevel,
			HTTP2: HTTP2Config{
				MaxConcurrentStreams: o.InitialSettings.MaxConcurrentStreams,
				ConnectionWindowSize: o.HTTP2ConnectionWindowSize,
			},
			WebSocket: WebSocketConfig{
				MaxFrameSize:   o.MaxWebSocketFrameSize,
				MaxMessageSize: o.MaxWebSocketMessageSize,
			},
			TCP: TCPConfig{
				NoDelay:           o.TCP.NoDelay,
				KeepAlive:         o.TCP.KeepAlive,
				SendBufferSize:    o.TCP.SendBufferSize,
				ReceiveBufferSize: o.TCP.ReceiveBufferSize,
				TrafficClass:      o.TCP.TrafficClass,
				ReuseAddress:      o.TCP.ReuseAddress,
				SoLinger:          o.TCP.SoLinger,
				AcceptBacklog:     o.TCP.AcceptBacklog,
			},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Namespace: "hsvertx",
			Path:      DefaultMetricsPath,
		},
	}
}

// Load reads configuration from the specified directory.
// It looks for hsvertx.json in the directory.
func Load(dir string) (*Config, error) {
	return LoadFile(filepath.Join(dir, ConfigFileName))
}

// LoadFile reads configuration from the specified file path. Values not
// present in the file keep their defaults.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w in %s", ErrNotFound, filepath.Dir(path))
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	cfg.configPath = path
	return cfg, nil
}

// Parse decodes a JSON document over the defaults. Durations may be given
// as strings ("30s") or nanoseconds, and numbers may be quoted.
func Parse(data []byte) (*Config, error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	cfg := New()
	if err := decode(raw, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(input map[string]any, out *Config) error {
	var md mapstructure.Metadata
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
		Metadata:         &md,
		Result:           out,
		TagName:          "json",
		WeaklyTypedInput: true,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(input); err != nil {
		return err
	}
	if len(md.Unused) > 0 {
		return fmt.Errorf("unknown keys: %s", strings.Join(md.Unused, ", "))
	}
	return nil
}

// Path returns the path where the config was loaded from.
func (c *Config) Path() string {
	return c.configPath
}

// Dir returns the directory containing the config file.
func (c *Config) Dir() string {
	if c.configPath == "" {
		return ""
	}
	return filepath.Dir(c.configPath)
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	var result *multierror.Error
	opts, err := c.Options()
	if err != nil {
		result = multierror.Append(result, err)
	} else if err := opts.Validate(); err != nil {
		result = multierror.Append(result, err)
	}
	if _, err := c.Log.level(); err != nil {
		result = multierror.Append(result, err)
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		result = multierror.Append(result, fmt.Errorf("unknown log format %q", c.Log.Format))
	}
	switch c.Metrics.Backend {
	case "", "prometheus", "go-metrics":
	default:
		result = multierror.Append(result, fmt.Errorf("unknown metrics backend %q", c.Metrics.Backend))
	}
	if c.EventLoops < 0 {
		result = multierror.Append(result, fmt.Errorf("eventLoops %d must not be negative", c.EventLoops))
	}
	return result.ErrorOrNil()
}

// Options converts the server section to server.Options. The metrics
// factory is left nil; the caller picks the sink.
func (c *Config) Options() (*server.Options, error) {
	s := c.Server
	o := server.DefaultOptions()
	o.Host = s.Host
	o.Port = s.Port

	if s.TLS != nil {
		auth, err := parseClientAuth(s.TLS.ClientAuth, s.TLS.CAFile != "")
		if err != nil {
			return nil, err
		}
		o.WithTLS(&server.TLSOptions{
			CertFile:        s.TLS.CertFile,
			KeyFile:         s.TLS.KeyFile,
			CAFile:          s.TLS.CAFile,
			ClientAuth:      auth,
			SNICertificates: s.TLS.SNI,
		})
	}
	if s.ALPN {
		o.WithALPN(s.ALPNVersions...)
	} else if len(s.ALPNVersions) > 0 {
		o.ALPNVersions = s.ALPNVersions
	}
	o.SNI = s.SNI

	o.MaxInitialLineLength = s.MaxInitialLineLength
	o.MaxHeaderSize = s.MaxHeaderSize
	o.MaxChunkSize = s.MaxChunkSize
	o.DecoderInitialBufferSize = s.DecoderInitialBufferSize
	o.MaxRequestBodySize = s.MaxRequestBodySize
	o.IdleTimeout = s.IdleTimeout

	o.CompressionSupported = s.Compression
	o.CompressionLevel = s.CompressionLevel
	o.DecompressionSupported = s.Decompression

	o.InitialSettings = server.HTTP2Settings{
		HeaderTableSize:      s.HTTP2.HeaderTableSize,
		MaxConcurrentStreams: s.HTTP2.MaxConcurrentStreams,
		InitialWindowSize:    s.HTTP2.InitialWindowSize,
		MaxFrameSize:         s.HTTP2.MaxFrameSize,
		MaxHeaderListSize:    s.HTTP2.MaxHeaderListSize,
	}
	o.HTTP2ConnectionWindowSize = s.HTTP2.ConnectionWindowSize

	o.WebSocketsDisabled = s.WebSocket.Disabled
	o.MaxWebSocketFrameSize = s.WebSocket.MaxFrameSize
	o.MaxWebSocketMessageSize = s.WebSocket.MaxMessageSize

	o.TCP = server.TCPOptions(s.TCP)

	o.LogActivity = s.LogActivity
	o.FlashPolicyHandler = s.FlashPolicy
	o.H2CDisabled = s.H2CDisabled
	return o, nil
}

func parseClientAuth(v string, hasCA bool) (tls.ClientAuthType, error) {
	switch strings.ToLower(v) {
	case "":
		if hasCA {
			return tls.RequireAndVerifyClientCert, nil
		}
		return tls.NoClientCert, nil
	case "none":
		return tls.NoClientCert, nil
	case "request":
		return tls.RequestClientCert, nil
	case "require":
		return tls.RequireAnyClientCert, nil
	case "verify-if-given":
		return tls.VerifyClientCertIfGiven, nil
	case "require-and-verify":
		return tls.RequireAndVerifyClientCert, nil
	default:
		return tls.NoClientCert, fmt.Errorf("unknown tls clientAuth %q", v)
	}
}

func (l LogConfig) level() (slog.Level, error) {
	var lvl slog.Level
	if l.Level == "" {
		return slog.LevelInfo, nil
	}
	if err := lvl.UnmarshalText([]byte(l.Level)); err != nil {
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", l.Level)
	}
	return lvl, nil
}

// NewLogger builds the logger described by the log section.
func (l LogConfig) NewLogger(w io.Writer) *slog.Logger {
	lvl, _ := l.level()
	hopts := &slog.HandlerOptions{Level: lvl}
	if l.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, hopts))
	}
	return slog.New(slog.NewTextHandler(w, hopts))
}

// Exists checks if a config file exists in the given directory.
func Exists(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, ConfigFileName))
	return err == nil
}
