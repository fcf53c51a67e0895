package middleware

import (
	"net"
	"net/http"
	"strconv"
	"time"

	gometrics "github.com/armon/go-metrics"
	"github.com/triptripe/hs-vertx/pkg/server"
)

// GoMetricsSink reports server events through armon/go-metrics, so they
// reach whatever statsd, statsite or in-memory sink the process set up.
type GoMetricsSink struct {
	m      *gometrics.Metrics
	prefix []string
	labels []gometrics.Label
}

// GoMetrics returns a factory of GoMetricsSink values writing to m. A nil
// m uses the global go-metrics instance.
func GoMetrics(m *gometrics.Metrics, prefix ...string) server.MetricsFactory {
	return func(id server.ServerID, _ *server.Options) server.Metrics {
		return NewGoMetricsSink(m, id, prefix...)
	}
}

// NewGoMetricsSink creates a sink labelled with the server address. Keys
// are prefixed with prefix, or "hsvertx" when it is empty.
func NewGoMetricsSink(m *gometrics.Metrics, id server.ServerID, prefix ...string) *GoMetricsSink {
	if m == nil {
		m = gometrics.Default()
	}
	if len(prefix) == 0 {
		prefix = []string{"hsvertx"}
	}
	return &GoMetricsSink{
		m:      m,
		prefix: prefix,
		labels: []gometrics.Label{{Name: "server", Value: id.String()}},
	}
}

func (s *GoMetricsSink) key(parts ...string) []string {
	k := make([]string, 0, len(s.prefix)+len(parts))
	k = append(k, s.prefix...)
	return append(k, parts...)
}

func (s *GoMetricsSink) with(name, value string) []gometrics.Label {
	l := make([]gometrics.Label, 0, len(s.labels)+1)
	l = append(l, s.labels...)
	return append(l, gometrics.Label{Name: name, Value: value})
}

type goMetricsConn struct {
	proto string
	start time.Time
}

type goMetricsRequest struct {
	method string
	start  time.Time
}

// Connected implements server.Metrics.
func (s *GoMetricsSink) Connected(_ net.Addr, proto server.Protocol) any {
	c := &goMetricsConn{proto: proto.String(), start: time.Now()}
	s.m.IncrCounterWithLabels(s.key("connections"), 1, s.with("protocol", c.proto))
	return c
}

// Disconnected implements server.Metrics.
func (s *GoMetricsSink) Disconnected(conn any, _ net.Addr) {
	if c, ok := conn.(*goMetricsConn); ok {
		s.m.MeasureSinceWithLabels(s.key("connection", "duration"), c.start, s.with("protocol", c.proto))
	}
}

// RequestBegin implements server.Metrics.
func (s *GoMetricsSink) RequestBegin(_ any, r *http.Request) any {
	return &goMetricsRequest{method: r.Method, start: time.Now()}
}

// ResponseEnd implements server.Metrics.
func (s *GoMetricsSink) ResponseEnd(req any, status int, bytesWritten int64) {
	r, ok := req.(*goMetricsRequest)
	if !ok {
		return
	}
	s.m.IncrCounterWithLabels(s.key("requests"), 1, s.with("status", strconv.Itoa(status)))
	s.m.MeasureSinceWithLabels(s.key("request", "duration"), r.start, s.with("method", r.method))
	s.m.AddSampleWithLabels(s.key("response", "bytes"), float32(bytesWritten), s.labels)
}

// WebSocketConnected implements server.Metrics.
func (s *GoMetricsSink) WebSocketConnected(_ any, _ *server.ServerWebSocket) any {
	s.m.IncrCounterWithLabels(s.key("websockets"), 1, s.labels)
	return time.Now()
}

// WebSocketDisconnected implements server.Metrics.
func (s *GoMetricsSink) WebSocketDisconnected(ws any) {
	if start, ok := ws.(time.Time); ok {
		s.m.MeasureSinceWithLabels(s.key("websocket", "duration"), start, s.labels)
	}
}

// Close implements server.Metrics. The go-metrics instance is owned by
// the caller and stays open.
func (s *GoMetricsSink) Close() {}

var _ server.Metrics = (*GoMetricsSink)(nil)
