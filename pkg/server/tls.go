package server

import (
	"crypto/tls"
	"fmt"
	"strings"

	"github.com/docker/go-connections/tlsconfig"
)

// newTLSConfig builds the TLS engine for a listener. alpn is the protocol
// list left after the worker-context policy was applied.
func newTLSConfig(o *Options, alpn []string) (*tls.Config, error) {
	t := o.TLS
	if t == nil {
		return nil, fmt.Errorf("no tls options")
	}
	cfg, err := tlsconfig.Server(tlsconfig.Options{
		CertFile:   t.CertFile,
		KeyFile:    t.KeyFile,
		CAFile:     t.CAFile,
		ClientAuth: t.ClientAuth,
	})
	if err != nil {
		return nil, err
	}

	if o.UseALPN && len(alpn) > 0 {
		cfg.NextProtos = append([]string(nil), alpn...)
	} else {
		cfg.NextProtos = []string{ProtoHTTP11}
	}

	if o.SNI && len(t.SNICertificates) > 0 {
		certs := make(map[string]*tls.Certificate, len(t.SNICertificates))
		for name, files := range t.SNICertificates {
			c, err := tls.LoadX509KeyPair(files.CertFile, files.KeyFile)
			if err != nil {
				return nil, fmt.Errorf("sni certificate %q: %w", name, err)
			}
			certs[strings.ToLower(name)] = &c
		}
		var def *tls.Certificate
		if len(cfg.Certificates) > 0 {
			def = &cfg.Certificates[0]
		}
		cfg.GetCertificate = sniCertificate(certs, def)
	}
	return cfg, nil
}

// sniCertificate selects a certificate by the client's server name. An
// exact match wins over a "*." wildcard; def is the fallback.
func sniCertificate(certs map[string]*tls.Certificate, def *tls.Certificate) func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	return func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
		name := strings.ToLower(strings.TrimSuffix(hello.ServerName, "."))
		if name == "" {
			return def, nil
		}
		if c, ok := certs[name]; ok {
			return c, nil
		}
		if i := strings.IndexByte(name, '.'); i > 0 {
			if c, ok := certs["*"+name[i:]]; ok {
				return c, nil
			}
		}
		return def, nil
	}
}

// negotiatedProtocol returns the ALPN result, http/1.1 when none was agreed.
func negotiatedProtocol(state tls.ConnectionState) string {
	if state.NegotiatedProtocol == "" {
		return ProtoHTTP11
	}
	return state.NegotiatedProtocol
}
