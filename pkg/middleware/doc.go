// Package middleware provides observability adapters for hs-vertx servers.
//
// This package includes:
//   - A Prometheus metrics sink
//   - An armon/go-metrics sink
//   - OpenTelemetry request tracing middleware
//
// # Prometheus Metrics
//
// The Prometheus sink implements server.Metrics and is attached through
// the server options. Every server gets its own set of collectors,
// labelled with its address:
//   - hsvertx_connections: Current number of open connections by protocol
//   - hsvertx_requests_total: Completed requests by method and status
//   - hsvertx_request_duration_seconds: Request duration histogram
//   - hsvertx_websockets: Current number of open WebSockets
//
//	opts := server.DefaultOptions().WithMetrics(middleware.Prometheus())
//
// Then expose metrics, for example on a separate port:
//
//	http.Handle("/metrics", promhttp.Handler())
//	go http.ListenAndServe(":9090", nil)
//
// The collectors are unregistered when the server closes.
//
// # go-metrics
//
// GoMetrics reports the same events as counters and timers through an
// armon/go-metrics instance:
//
//	sink, _ := metrics.NewStatsdSink("localhost:8125")
//	m, _ := metrics.New(metrics.DefaultConfig("edge"), sink)
//	opts := server.DefaultOptions().WithMetrics(middleware.GoMetrics(m))
//
// # OpenTelemetry Middleware
//
// OpenTelemetry wraps an http.Handler and starts a server span for each
// request, continuing any trace carried by the request headers:
//
//	srv.SetRequestHandler(middleware.OpenTelemetry(
//	    middleware.WithTracerName("my-app"),
//	    middleware.WithRequestFilter(func(r *http.Request) bool {
//	        return r.URL.Path != "/healthz"
//	    }),
//	)(mux))
//
// Handlers reach the span with SpanFromRequest, and pass r.Context() to
// outgoing calls to propagate the trace.
package middleware
