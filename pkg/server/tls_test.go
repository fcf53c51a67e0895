package server

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/net/http2"
)

// writeTestCert writes a self-signed certificate for names into dir and
// returns the PEM file paths.
func writeTestCert(t *testing.T, dir, prefix string, names ...string) (string, string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey() error: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: names[0]},
		DNSNames:     names,
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("CreateCertificate() error: %v", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("MarshalECPrivateKey() error: %v", err)
	}

	certFile := filepath.Join(dir, prefix+"-cert.pem")
	keyFile := filepath.Join(dir, prefix+"-key.pem")
	if err := os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600); err != nil {
		t.Fatal(err)
	}
	return certFile, keyFile
}

func TestSNICertificate(t *testing.T) {
	def := &tls.Certificate{}
	exact := &tls.Certificate{}
	wild := &tls.Certificate{}
	pick := sniCertificate(map[string]*tls.Certificate{
		"api.example.com": exact,
		"*.example.com":   wild,
	}, def)

	tests := []struct {
		name string
		want *tls.Certificate
	}{
		{"api.example.com", exact},
		{"API.Example.com.", exact},
		{"www.example.com", wild},
		{"a.b.example.com", def},
		{"other.org", def},
		{"", def},
	}
	for _, tt := range tests {
		got, err := pick(&tls.ClientHelloInfo{ServerName: tt.name})
		if err != nil {
			t.Fatalf("pick(%q) error: %v", tt.name, err)
		}
		if got != tt.want {
			t.Errorf("pick(%q) returned the wrong certificate", tt.name)
		}
	}
}

func TestNegotiatedProtocol(t *testing.T) {
	if got := negotiatedProtocol(tls.ConnectionState{}); got != ProtoHTTP11 {
		t.Errorf("negotiatedProtocol(none) = %q", got)
	}
	if got := negotiatedProtocol(tls.ConnectionState{NegotiatedProtocol: ProtoH2}); got != ProtoH2 {
		t.Errorf("negotiatedProtocol(h2) = %q", got)
	}
}

func tlsServer(t *testing.T, opts *Options) *Server {
	t.Helper()
	rt := newTestRuntime(t)
	srv := newTestServer(t, rt, opts)
	srv.SetRequestHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.TLS == nil {
			http.Error(w, "no tls", http.StatusInternalServerError)
			return
		}
		fmt.Fprintf(w, "HTTP/%d %s", r.ProtoMajor, r.TLS.ServerName)
	}))
	listen(t, srv, 0)
	return srv
}

func TestServer_TLSALPN(t *testing.T) {
	dir := t.TempDir()
	cert, key := writeTestCert(t, dir, "default", "localhost")
	srv := tlsServer(t, DefaultOptions().WithTLS(&TLSOptions{CertFile: cert, KeyFile: key}).WithALPN())
	url := "https://" + serverAddr(srv) + "/"

	h2Client := &http.Client{Transport: &http2.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: true, ServerName: "localhost"},
	}}
	resp, body := get(t, h2Client, url)
	if resp.ProtoMajor != 2 || body != "HTTP/2 localhost" {
		t.Fatalf("h2 response = %s %q", resp.Proto, body)
	}

	h1Client := &http.Client{Transport: &http.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: true, ServerName: "localhost", NextProtos: []string{ProtoHTTP11}},
	}}
	resp, body = get(t, h1Client, url)
	if resp.ProtoMajor != 1 || body != "HTTP/1 localhost" {
		t.Fatalf("http/1.1 response = %s %q", resp.Proto, body)
	}
}

func TestServer_TLSWithoutALPNServesHTTP1(t *testing.T) {
	dir := t.TempDir()
	cert, key := writeTestCert(t, dir, "default", "localhost")
	srv := tlsServer(t, DefaultOptions().WithTLS(&TLSOptions{CertFile: cert, KeyFile: key}))

	client := &http.Client{Transport: &http.Transport{
		ForceAttemptHTTP2: true,
		TLSClientConfig:   &tls.Config{InsecureSkipVerify: true, ServerName: "localhost"},
	}}
	resp, _ := get(t, client, "https://"+serverAddr(srv)+"/")
	if resp.ProtoMajor != 1 {
		t.Fatalf("proto = %s, want HTTP/1.1 without ALPN", resp.Proto)
	}
}

func TestServer_TLSSNI(t *testing.T) {
	dir := t.TempDir()
	cert, key := writeTestCert(t, dir, "default", "localhost")
	wildCert, wildKey := writeTestCert(t, dir, "wild", "*.example.com")
	o := DefaultOptions().WithTLS(&TLSOptions{
		CertFile: cert,
		KeyFile:  key,
		SNICertificates: map[string]CertKeyFiles{
			"*.example.com": {CertFile: wildCert, KeyFile: wildKey},
		},
	})
	o.SNI = true
	srv := tlsServer(t, o)

	conn, err := tls.Dial("tcp", serverAddr(srv), &tls.Config{InsecureSkipVerify: true, ServerName: "www.example.com"})
	if err != nil {
		t.Fatalf("tls.Dial() error: %v", err)
	}
	defer conn.Close()
	leaf := conn.ConnectionState().PeerCertificates[0]
	if len(leaf.DNSNames) != 1 || leaf.DNSNames[0] != "*.example.com" {
		t.Fatalf("served certificate for %v, want *.example.com", leaf.DNSNames)
	}
}

func TestServer_TLSBadCertificate(t *testing.T) {
	rt := newTestRuntime(t)
	o := DefaultOptions().WithTLS(&TLSOptions{CertFile: "missing-cert.pem", KeyFile: "missing-key.pem"})
	srv := newTestServer(t, rt, o)
	srv.SetRequestHandler(textHandler("ok"))

	res := make(chan error, 1)
	if err := srv.Listen(0, "127.0.0.1", func(err error) { res <- err }); err != nil {
		t.Fatalf("Listen() precondition error: %v", err)
	}
	select {
	case err := <-res:
		if !errors.Is(err, ErrTLSEngine) {
			t.Fatalf("Listen() = %v, want ErrTLSEngine", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("listen callback not called")
	}
	if st := srv.State(); st != StateCreated {
		t.Fatalf("State() = %v, want created", st)
	}
}
