package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// testTracerProvider records the spans started through it. Span contexts
// come from the embedded no-op tracer.
type testTracerProvider struct {
	trace.TracerProvider

	mu    sync.Mutex
	spans []*testSpan
}

func newTestTracerProvider() *testTracerProvider {
	return &testTracerProvider{TracerProvider: noop.NewTracerProvider()}
}

func (p *testTracerProvider) Tracer(name string, opts ...trace.TracerOption) trace.Tracer {
	return &testTracer{Tracer: p.TracerProvider.Tracer(name, opts...), p: p}
}

func (p *testTracerProvider) recorded() []*testSpan {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*testSpan(nil), p.spans...)
}

type testTracer struct {
	trace.Tracer
	p *testTracerProvider
}

func (t *testTracer) Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	cfg := trace.NewSpanStartConfig(opts...)
	ctx, inner := t.Tracer.Start(ctx, name, opts...)
	s := &testSpan{Span: inner, name: name, kind: cfg.SpanKind()}
	s.attrs = append(s.attrs, cfg.Attributes()...)

	t.p.mu.Lock()
	t.p.spans = append(t.p.spans, s)
	t.p.mu.Unlock()
	return trace.ContextWithSpan(ctx, s), s
}

type testSpan struct {
	trace.Span

	name  string
	kind  trace.SpanKind
	attrs []attribute.KeyValue
	code  codes.Code
	ended bool
}

func (s *testSpan) SetAttributes(kv ...attribute.KeyValue) { s.attrs = append(s.attrs, kv...) }
func (s *testSpan) SetStatus(code codes.Code, _ string) { s.code = code }
func (s *testSpan) End(...trace.SpanEndOption) { s.ended = true }

func (s *testSpan) attr(key string) (attribute.Value, bool) {
	for _, kv := range s.attrs {
		if string(kv.Key) == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestOpenTelemetry_RecordsServerSpan(t *testing.T) {
	tp := newTestTracerProvider()
	mw := OpenTelemetry(
		WithTracerProvider(tp),
		WithAttributeExtractor(func(*http.Request) []attribute.KeyValue {
			return []attribute.KeyValue{attribute.String("test.attr", "ok")}
		}),
	)

	var inHandler trace.Span
	h := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		inHandler = SpanFromRequest(r)
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte("hello"))
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/items?id=1", nil))

	spans := tp.recorded()
	if len(spans) != 1 {
		t.Fatalf("recorded %d spans, want 1", len(spans))
	}
	s := spans[0]
	if s.name != "POST /items" || s.kind != trace.SpanKindServer {
		t.Fatalf("span = %q kind %v", s.name, s.kind)
	}
	if inHandler != trace.Span(s) {
		t.Fatal("SpanFromRequest() did not return the request span")
	}
	if !s.ended {
		t.Fatal("span not ended")
	}
	if v, _ := s.attr("http.target"); v.AsString() != "/items?id=1" {
		t.Errorf("http.target = %q", v.AsString())
	}
	if v, _ := s.attr("test.attr"); v.AsString() != "ok" {
		t.Errorf("test.attr = %q", v.AsString())
	}
	if v, _ := s.attr("http.status_code"); v.AsInt64() != http.StatusAccepted {
		t.Errorf("http.status_code = %d", v.AsInt64())
	}
	if v, _ := s.attr("http.response_content_length"); v.AsInt64() != 5 {
		t.Errorf("http.response_content_length = %d", v.AsInt64())
	}
	if s.code != codes.Ok {
		t.Errorf("status = %v, want Ok", s.code)
	}
}

func TestOpenTelemetry_ServerErrorStatus(t *testing.T) {
	tp := newTestTracerProvider()
	h := OpenTelemetry(WithTracerProvider(tp))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	spans := tp.recorded()
	if len(spans) != 1 || spans[0].code != codes.Error {
		t.Fatalf("spans = %+v, want one error span", spans)
	}
}

func TestOpenTelemetry_ContinuesRemoteTrace(t *testing.T) {
	tp := newTestTracerProvider()
	h := OpenTelemetry(
		WithTracerProvider(tp),
		WithPropagators(propagation.TraceContext{}),
	)

	const traceID = "4bf92f3577b34da6a3ce929d0e0e4736"
	var got string
	srv := h(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = trace.SpanContextFromContext(r.Context()).TraceID().String()
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("traceparent", "00-"+traceID+"-00f067aa0ba902b7-01")
	srv.ServeHTTP(httptest.NewRecorder(), req)

	if got != traceID {
		t.Fatalf("trace id = %q, want %q", got, traceID)
	}
}

func TestOpenTelemetry_FilterSkipsTracing(t *testing.T) {
	tp := newTestTracerProvider()
	nextCalled := false
	h := OpenTelemetry(
		WithTracerProvider(tp),
		WithRequestFilter(func(r *http.Request) bool { return r.URL.Path != "/healthz" }),
	)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		nextCalled = true
		if SpanFromRequest(r).SpanContext().IsValid() {
			t.Error("expected no span when filter skips tracing")
		}
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if !nextCalled {
		t.Fatal("expected next to be called")
	}
	if n := len(tp.recorded()); n != 0 {
		t.Fatalf("recorded %d spans, want 0", n)
	}
}

func TestStatusWriter_DefaultsTo200(t *testing.T) {
	rec := httptest.NewRecorder()
	sw := &statusWriter{ResponseWriter: rec}
	sw.Write([]byte("abc"))
	sw.WriteHeader(http.StatusTeapot)
	sw.Flush()

	if sw.status != http.StatusOK || sw.written != 3 {
		t.Fatalf("status = %d written = %d", sw.status, sw.written)
	}
	if !rec.Flushed {
		t.Fatal("Flush() not forwarded")
	}
	if _, _, err := sw.Hijack(); err == nil {
		t.Fatal("Hijack() on a recorder succeeded")
	}
}
