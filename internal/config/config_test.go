package config

import (
	"bytes"
	"crypto/tls"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/triptripe/hs-vertx/pkg/server"
)

func TestNew(t *testing.T) {
	cfg := New()

	if cfg.Server.Port != DefaultPort {
		t.Errorf("Server.Port = %d, want %d", cfg.Server.Port, DefaultPort)
	}
	if cfg.Server.Host != DefaultHost {
		t.Errorf("Server.Host = %q, want %q", cfg.Server.Host, DefaultHost)
	}
	if cfg.Metrics.Path != DefaultMetricsPath {
		t.Errorf("Metrics.Path = %q, want %q", cfg.Metrics.Path, DefaultMetricsPath)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() on defaults: %v", err)
	}

	opts, err := cfg.Options()
	if err != nil {
		t.Fatalf("Options() error: %v", err)
	}
	def := server.DefaultOptions()
	if opts.MaxHeaderSize != def.MaxHeaderSize || opts.TCP != def.TCP || opts.InitialSettings != def.InitialSettings {
		t.Errorf("Options() = %+v, want server defaults", opts)
	}
}

func TestLoad(t *testing.T) {
	tmpDir := t.TempDir()

	_, err := Load(tmpDir)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Load() on empty dir = %v, want ErrNotFound", err)
	}
	if Exists(tmpDir) {
		t.Fatal("Exists() = true before the file is written")
	}

	configJSON := `{
  "server": {
    "port": 9443,
    "tls": {"certFile": "cert.pem", "keyFile": "key.pem", "caFile": "ca.pem"},
    "alpn": true,
    "alpnVersions": "h2,http/1.1",
    "idleTimeout": "45s",
    "maxRequestBodySize": 1048576,
    "compression": true,
    "compressionLevel": "4",
    "http2": {"maxConcurrentStreams": 250, "connectionWindowSize": 1048576},
    "webSocket": {"maxFrameSize": 1024},
    "tcp": {"noDelay": false, "acceptBacklog": 512}
  },
  "eventLoops": 3,
  "log": {"level": "debug", "format": "json"},
  "metrics": {"backend": "go-metrics"}
}
`
	if err := os.WriteFile(filepath.Join(tmpDir, ConfigFileName), []byte(configJSON), 0644); err != nil {
		t.Fatal(err)
	}
	if !Exists(tmpDir) {
		t.Fatal("Exists() = false after the file is written")
	}

	cfg, err := Load(tmpDir)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Dir() != tmpDir {
		t.Errorf("Dir() = %q, want %q", cfg.Dir(), tmpDir)
	}
	if cfg.Server.Host != DefaultHost {
		t.Errorf("Server.Host = %q, want the default", cfg.Server.Host)
	}
	if cfg.EventLoops != 3 || cfg.Metrics.Backend != "go-metrics" {
		t.Errorf("EventLoops = %d, Metrics.Backend = %q", cfg.EventLoops, cfg.Metrics.Backend)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error: %v", err)
	}

	opts, err := cfg.Options()
	if err != nil {
		t.Fatalf("Options() error: %v", err)
	}
	if opts.Port != 9443 || !opts.SSL || opts.TLS.CertFile != "cert.pem" {
		t.Errorf("listener = %d ssl=%v tls=%+v", opts.Port, opts.SSL, opts.TLS)
	}
	if opts.TLS.ClientAuth != tls.RequireAndVerifyClientCert {
		t.Errorf("ClientAuth = %v, want RequireAndVerifyClientCert with a CA", opts.TLS.ClientAuth)
	}
	if !opts.UseALPN || strings.Join(opts.ALPNVersions, ",") != "h2,http/1.1" {
		t.Errorf("ALPN = %v %v", opts.UseALPN, opts.ALPNVersions)
	}
	if opts.IdleTimeout != 45*time.Second {
		t.Errorf("IdleTimeout = %v, want 45s", opts.IdleTimeout)
	}
	if opts.MaxRequestBodySize != 1<<20 {
		t.Errorf("MaxRequestBodySize = %d, want 1 MiB", opts.MaxRequestBodySize)
	}
	if !opts.CompressionSupported || opts.CompressionLevel != 4 {
		t.Errorf("compression = %v level %d", opts.CompressionSupported, opts.CompressionLevel)
	}
	if opts.InitialSettings.MaxConcurrentStreams != 250 || opts.HTTP2ConnectionWindowSize != 1<<20 {
		t.Errorf("http2 = %+v window %d", opts.InitialSettings, opts.HTTP2ConnectionWindowSize)
	}
	if opts.MaxWebSocketFrameSize != 1024 || opts.MaxWebSocketMessageSize != 262144 {
		t.Errorf("websocket = %d/%d", opts.MaxWebSocketFrameSize, opts.MaxWebSocketMessageSize)
	}
	if opts.TCP.NoDelay || opts.TCP.AcceptBacklog != 512 || !opts.TCP.ReuseAddress {
		t.Errorf("tcp = %+v", opts.TCP)
	}
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name    string
		json    string
		wantErr string
	}{
		{"invalid json", `{"server":`, "invalid JSON"},
		{"unknown key", `{"server": {"prot": 80}}`, "server.prot"},
		{"bad duration", `{"server": {"idleTimeout": "soon"}}`, "idleTimeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.json))
			if err == nil {
				t.Fatal("Parse() = nil error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Parse() = %q, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	cfg, err := Parse([]byte(`{
  "server": {"port": 70000, "compression": true, "compressionLevel": 11},
  "log": {"level": "loud", "format": "xml"},
  "metrics": {"backend": "statsd"}
}`))
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}

	err = cfg.Validate()
	if err == nil {
		t.Fatal("Validate() = nil")
	}
	for _, want := range []string{
		"port 70000 out of range",
		"compression level 11",
		`unknown log level "loud"`,
		`unknown log format "xml"`,
		`unknown metrics backend "statsd"`,
	} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("Validate() = %q, missing %q", err, want)
		}
	}
}

func TestOptions_ClientAuth(t *testing.T) {
	tests := map[string]tls.ClientAuthType{
		"":                   tls.NoClientCert,
		"none":               tls.NoClientCert,
		"request":            tls.RequestClientCert,
		"require":            tls.RequireAnyClientCert,
		"verify-if-given":    tls.VerifyClientCertIfGiven,
		"require-and-verify": tls.RequireAndVerifyClientCert,
	}
	for v, want := range tests {
		cfg := New()
		cfg.Server.TLS = &TLSConfig{CertFile: "c", KeyFile: "k", ClientAuth: v}
		opts, err := cfg.Options()
		if err != nil {
			t.Fatalf("Options(%q) error: %v", v, err)
		}
		if opts.TLS.ClientAuth != want {
			t.Errorf("clientAuth %q = %v, want %v", v, opts.TLS.ClientAuth, want)
		}
	}

	cfg := New()
	cfg.Server.TLS = &TLSConfig{ClientAuth: "maybe"}
	if _, err := cfg.Options(); err == nil {
		t.Fatal("Options() accepted an unknown clientAuth")
	}
}

func TestLogConfig_NewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := LogConfig{Level: "warn", Format: "json"}.NewLogger(&buf)
	logger.Info("hidden")
	logger.Warn("shown", "k", "v")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("info record logged at warn level: %s", out)
	}
	if !strings.Contains(out, `"msg":"shown"`) || !strings.Contains(out, `"k":"v"`) {
		t.Errorf("json output = %s", out)
	}
}
