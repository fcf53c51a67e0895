// Package config loads the hsvertx.json configuration of the demo server.
//
// The file mirrors server.Options plus the runtime, logging, metrics and
// tracing settings of the binary. Missing keys keep their defaults and
// unknown keys are rejected.
//
// # Configuration File Structure
//
//	{
//	  "server": {
//	    "host": "0.0.0.0",
//	    "port": 8443,
//	    "tls": {
//	      "certFile": "cert.pem",
//	      "keyFile": "key.pem",
//	      "sni": {
//	        "*.example.com": {"certFile": "wild.pem", "keyFile": "wild-key.pem"}
//	      }
//	    },
//	    "alpn": true,
//	    "sni": true,
//	    "idleTimeout": "60s",
//	    "compression": true,
//	    "http2": {"maxConcurrentStreams": 250},
//	    "webSocket": {"maxFrameSize": 65536}
//	  },
//	  "eventLoops": 4,
//	  "log": {"level": "debug", "format": "json"},
//	  "metrics": {"backend": "prometheus"},
//	  "tracing": {"enabled": true}
//	}
//
// # Usage
//
//	cfg, err := config.Load(".")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	opts, err := cfg.Options()
package config
