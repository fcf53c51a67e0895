package middleware

import (
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/triptripe/hs-vertx/pkg/server"
)

// MetricsConfig configures the Prometheus metrics sink.
type MetricsConfig struct {
	// Namespace is the metrics namespace (default: "hsvertx").
	Namespace string

	// Subsystem is the metrics subsystem (default: "").
	Subsystem string

	// ConstLabels are constant labels added to all metrics.
	ConstLabels prometheus.Labels

	// Buckets are the histogram buckets for request duration.
	// Default: prometheus.DefBuckets
	Buckets []float64

	// Registry is the Prometheus registry to use.
	// Default: prometheus.DefaultRegisterer
	Registry prometheus.Registerer
}

// MetricsOption configures the Prometheus metrics sink.
type MetricsOption func(*MetricsConfig)

// WithNamespace sets the metrics namespace.
func WithNamespace(namespace string) MetricsOption {
	return func(c *MetricsConfig) {
		c.Namespace = namespace
	}
}

// WithSubsystem sets the metrics subsystem.
func WithSubsystem(subsystem string) MetricsOption {
	return func(c *MetricsConfig) {
		c.Subsystem = subsystem
	}
}

// WithConstLabels sets constant labels for all metrics.
func WithConstLabels(labels prometheus.Labels) MetricsOption {
	return func(c *MetricsConfig) {
		c.ConstLabels = labels
	}
}

// WithBuckets sets the histogram buckets.
func WithBuckets(buckets []float64) MetricsOption {
	return func(c *MetricsConfig) {
		c.Buckets = buckets
	}
}

// WithRegistry sets the Prometheus registry.
func WithRegistry(registry prometheus.Registerer) MetricsOption {
	return func(c *MetricsConfig) {
		c.Registry = registry
	}
}

func defaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Namespace: "hsvertx",
		Buckets:   prometheus.DefBuckets,
		Registry:  prometheus.DefaultRegisterer,
	}
}

// sinkSeq distinguishes sinks of servers sharing one ServerID, so their
// collectors never collide in a registry.
var sinkSeq atomic.Uint64

// PrometheusMetrics is a server.Metrics sink that exports connection,
// request and WebSocket metrics to a Prometheus registry.
type PrometheusMetrics struct {
	reg        prometheus.Registerer
	collectors []prometheus.Collector

	connections      *prometheus.GaugeVec
	connectionsTotal *prometheus.CounterVec
	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	responseBytes    prometheus.Counter
	websockets       prometheus.Gauge
	websocketsTotal  prometheus.Counter
}

// Prometheus returns a factory that gives each server its own
// PrometheusMetrics sink.
//
//	opts := server.DefaultOptions()
//	opts.Metrics = middleware.Prometheus(middleware.WithRegistry(reg))
func Prometheus(opts ...MetricsOption) server.MetricsFactory {
	return func(id server.ServerID, _ *server.Options) server.Metrics {
		return NewPrometheusMetrics(id, opts...)
	}
}

// NewPrometheusMetrics registers the collectors of one server. The server
// address and a per-sink sequence number are added as constant labels.
func NewPrometheusMetrics(id server.ServerID, opts ...MetricsOption) *PrometheusMetrics {
	config := defaultMetricsConfig()
	for _, opt := range opts {
		opt(&config)
	}
	if config.Registry == nil {
		config.Registry = prometheus.DefaultRegisterer
	}

	labels := prometheus.Labels{}
	for k, v := range config.ConstLabels {
		labels[k] = v
	}
	labels["server"] = id.String()
	labels["sink"] = strconv.FormatUint(sinkSeq.Add(1), 10)

	m := &PrometheusMetrics{reg: config.Registry}
	factory := promauto.With(config.Registry)

	m.connections = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace:   config.Namespace,
		Subsystem:   config.Subsystem,
		Name:        "connections",
		Help:        "Current number of open connections",
		ConstLabels: labels,
	}, []string{"protocol"})

	m.connectionsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace:   config.Namespace,
		Subsystem:   config.Subsystem,
		Name:        "connections_total",
		Help:        "Total number of accepted connections",
		ConstLabels: labels,
	}, []string{"protocol"})

	m.requestsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace:   config.Namespace,
		Subsystem:   config.Subsystem,
		Name:        "requests_total",
		Help:        "Total number of completed requests",
		ConstLabels: labels,
	}, []string{"method", "status"})

	m.requestDuration = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace:   config.Namespace,
		Subsystem:   config.Subsystem,
		Name:        "request_duration_seconds",
		Help:        "Request processing duration in seconds",
		ConstLabels: labels,
		Buckets:     config.Buckets,
	}, []string{"method"})

	m.responseBytes = factory.NewCounter(prometheus.CounterOpts{
		Namespace:   config.Namespace,
		Subsystem:   config.Subsystem,
		Name:        "response_bytes_total",
		Help:        "Total number of response body bytes written",
		ConstLabels: labels,
	})

	m.websockets = factory.NewGauge(prometheus.GaugeOpts{
		Namespace:   config.Namespace,
		Subsystem:   config.Subsystem,
		Name:        "websockets",
		Help:        "Current number of open WebSockets",
		ConstLabels: labels,
	})

	m.websocketsTotal = factory.NewCounter(prometheus.CounterOpts{
		Namespace:   config.Namespace,
		Subsystem:   config.Subsystem,
		Name:        "websockets_total",
		Help:        "Total number of WebSocket handshakes offered to handlers",
		ConstLabels: labels,
	})

	m.collectors = []prometheus.Collector{
		m.connections, m.connectionsTotal, m.requestsTotal, m.requestDuration,
		m.responseBytes, m.websockets, m.websocketsTotal,
	}
	return m
}

type promConn struct {
	proto string
}

type promRequest struct {
	method string
	start  time.Time
}

// Connected implements server.Metrics.
func (m *PrometheusMetrics) Connected(_ net.Addr, proto server.Protocol) any {
	p := proto.String()
	m.connections.WithLabelValues(p).Inc()
	m.connectionsTotal.WithLabelValues(p).Inc()
	return &promConn{proto: p}
}

// Disconnected implements server.Metrics.
func (m *PrometheusMetrics) Disconnected(conn any, _ net.Addr) {
	if c, ok := conn.(*promConn); ok {
		m.connections.WithLabelValues(c.proto).Dec()
	}
}

// RequestBegin implements server.Metrics.
func (m *PrometheusMetrics) RequestBegin(_ any, r *http.Request) any {
	return &promRequest{method: r.Method, start: time.Now()}
}

// ResponseEnd implements server.Metrics.
func (m *PrometheusMetrics) ResponseEnd(req any, status int, bytesWritten int64) {
	r, ok := req.(*promRequest)
	if !ok {
		return
	}
	m.requestsTotal.WithLabelValues(r.method, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(r.method).Observe(time.Since(r.start).Seconds())
	if bytesWritten > 0 {
		m.responseBytes.Add(float64(bytesWritten))
	}
}

// WebSocketConnected implements server.Metrics.
func (m *PrometheusMetrics) WebSocketConnected(_ any, _ *server.ServerWebSocket) any {
	m.websockets.Inc()
	m.websocketsTotal.Inc()
	return struct{}{}
}

// WebSocketDisconnected implements server.Metrics.
func (m *PrometheusMetrics) WebSocketDisconnected(any) {
	m.websockets.Dec()
}

// Close unregisters the collectors.
func (m *PrometheusMetrics) Close() {
	for _, c := range m.collectors {
		m.reg.Unregister(c)
	}
}

var _ server.Metrics = (*PrometheusMetrics)(nil)
