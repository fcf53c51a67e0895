package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/triptripe/hs-vertx/internal/config"
	"github.com/triptripe/hs-vertx/pkg/server"
)

func TestRouter(t *testing.T) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewCounter(prometheus.CounterOpts{Name: "demo_total", Help: "demo"}))
	r := newRouter(reg, "/metrics")

	tests := []struct {
		method, path, body string
		status             int
		contains           string
	}{
		{http.MethodGet, "/", "", http.StatusOK, "hello from hsvertx"},
		{http.MethodGet, "/healthz", "", http.StatusOK, "OK"},
		{http.MethodPost, "/echo", "ping", http.StatusOK, "ping"},
		{http.MethodGet, "/stream?n=3", "", http.StatusOK, "chunk 2\n"},
		{http.MethodGet, "/metrics", "", http.StatusOK, "demo_total 0"},
		{http.MethodGet, "/missing", "", http.StatusNotFound, ""},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, httptest.NewRequest(tt.method, tt.path, strings.NewReader(tt.body)))
			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d", rec.Code, tt.status)
			}
			if !strings.Contains(rec.Body.String(), tt.contains) {
				t.Fatalf("body = %q, want it to contain %q", rec.Body.String(), tt.contains)
			}
		})
	}
}

func TestRouter_WithoutRegistry(t *testing.T) {
	rec := httptest.NewRecorder()
	newRouter(nil, "/metrics").ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 without a registry", rec.Code)
	}
}

func TestPercentile(t *testing.T) {
	var sorted []time.Duration
	for i := 1; i <= 100; i++ {
		sorted = append(sorted, time.Duration(i)*time.Millisecond)
	}
	tests := []struct {
		p    float64
		want time.Duration
	}{
		{0, time.Millisecond},
		{0.5, 50 * time.Millisecond},
		{0.95, 95 * time.Millisecond},
		{0.99, 99 * time.Millisecond},
		{1, 100 * time.Millisecond},
	}
	for _, tt := range tests {
		if got := percentile(sorted, tt.p); got != tt.want {
			t.Errorf("percentile(%v) = %v, want %v", tt.p, got, tt.want)
		}
	}
	if got := percentile(nil, 0.5); got != 0 {
		t.Errorf("percentile(nil) = %v", got)
	}
}

func TestLoadConfig_DefaultsWithoutFile(t *testing.T) {
	dir := t.TempDir()
	wd, _ := os.Getwd()
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Chdir(wd) })

	cfg, err := loadConfig("")
	if err != nil {
		t.Fatalf("loadConfig() error: %v", err)
	}
	if cfg.Server.Port != config.DefaultPort {
		t.Fatalf("Server.Port = %d, want the default", cfg.Server.Port)
	}
	if _, err := loadConfig(filepath.Join(dir, "missing.json")); err == nil {
		t.Fatal("loadConfig() with an explicit missing file succeeded")
	}
}

func TestSetupMetrics_Prometheus(t *testing.T) {
	cfg := config.New()
	cfg.Metrics.Backend = "prometheus"
	opts := server.DefaultOptions()

	reg, err := setupMetrics(cfg, opts)
	if err != nil {
		t.Fatalf("setupMetrics() error: %v", err)
	}
	if reg == nil || opts.Metrics == nil {
		t.Fatal("prometheus backend did not install a registry and factory")
	}
}

func TestRunBench_InProcess(t *testing.T) {
	report := filepath.Join(t.TempDir(), "report.json")
	var summary bytes.Buffer
	err := runBench(context.Background(), benchConfig{
		Clients:      2,
		Duration:     300 * time.Millisecond,
		RPS:          50,
		PayloadBytes: 16,
		Instances:    2,
		JSONOutput:   report,
	}, &summary)
	if err != nil {
		t.Fatalf("runBench() error: %v", err)
	}
	if !strings.Contains(summary.String(), "p99") {
		t.Fatalf("summary = %q", summary.String())
	}

	data, err := os.ReadFile(report)
	if err != nil {
		t.Fatalf("reading report: %v", err)
	}
	var r benchReport
	if err := json.Unmarshal(data, &r); err != nil {
		t.Fatalf("report is not JSON: %v", err)
	}
	if r.Throughput.MessagesEchoed == 0 {
		t.Fatalf("no messages echoed: %+v", r)
	}
	if r.Errors.Mismatches != 0 || r.Errors.HandshakeFailures != 0 {
		t.Fatalf("errors = %+v", r.Errors)
	}
}
