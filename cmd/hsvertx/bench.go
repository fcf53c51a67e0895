package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"os"
	"runtime"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
	"github.com/triptripe/hs-vertx/pkg/server"
)

type benchConfig struct {
	URL          string
	Clients      int
	Duration     time.Duration
	RPS          float64
	PayloadBytes int
	Instances    int
	JSONOutput   string
}

type benchCounters struct {
	sent      atomic.Uint64
	completed atomic.Uint64
	bytes     atomic.Uint64

	handshakeFailures atomic.Uint64
	writeFailures     atomic.Uint64
	readFailures      atomic.Uint64
	mismatches        atomic.Uint64
}

func benchCmd() *cobra.Command {
	cfg := benchConfig{
		Clients:      50,
		Duration:     10 * time.Second,
		RPS:          10,
		PayloadBytes: 64,
		Instances:    2,
	}

	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Measure WebSocket echo round trips",
		Long: `Measure WebSocket echo round trips.

Without --url an in-process server is started on a random port,
with --instances servers sharing it. Each client sends messages at
the given rate and waits for the echo before sending the next one.

Examples:
  hsvertx bench
  hsvertx bench --clients=200 --duration=30s
  hsvertx bench --url=ws://127.0.0.1:8080/ --json=report.json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBench(cmd.Context(), cfg, os.Stderr)
		},
	}

	cmd.Flags().StringVar(&cfg.URL, "url", "", "WebSocket URL of a running server")
	cmd.Flags().IntVar(&cfg.Clients, "clients", cfg.Clients, "Concurrent clients")
	cmd.Flags().DurationVar(&cfg.Duration, "duration", cfg.Duration, "Benchmark duration")
	cmd.Flags().Float64Var(&cfg.RPS, "rps", cfg.RPS, "Messages per second per client")
	cmd.Flags().IntVar(&cfg.PayloadBytes, "payload", cfg.PayloadBytes, "Message payload size in bytes")
	cmd.Flags().IntVar(&cfg.Instances, "instances", cfg.Instances, "In-process servers sharing the port")
	cmd.Flags().StringVar(&cfg.JSONOutput, "json", "", "Write a JSON report to this path (- for stdout)")

	return cmd
}

func runBench(ctx context.Context, cfg benchConfig, summary io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if cfg.Clients < 1 || cfg.RPS <= 0 || cfg.Duration <= 0 {
		return errors.New("clients, rps and duration must be positive")
	}

	url := cfg.URL
	if url == "" {
		quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
		rt := server.NewRuntime(server.RuntimeConfig{Logger: quiet})
		defer rt.Close()

		port, servers, err := startBenchServers(ctx, rt, cfg.Instances, quiet)
		if err != nil {
			return err
		}
		defer shutdownAll(servers)
		url = "ws://127.0.0.1:" + strconv.Itoa(port) + "/bench"
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.Duration)
	defer cancel()

	samplesCh := make(chan time.Duration, 1024)
	var samples []time.Duration
	collectorDone := make(chan struct{})
	go func() {
		defer close(collectorDone)
		for rtt := range samplesCh {
			samples = append(samples, rtt)
		}
	}()

	var counters benchCounters
	var totalErrors atomic.Uint64

	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(cfg.Clients)
	for i := 0; i < cfg.Clients; i++ {
		clientID := i
		go func() {
			defer wg.Done()
			if err := runBenchClient(ctx, url, clientID, cfg, &counters, samplesCh); err != nil {
				totalErrors.Add(1)
			}
		}()
	}
	wg.Wait()
	close(samplesCh)
	<-collectorDone
	elapsed := time.Since(start)

	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	report := buildBenchReport(cfg, url, elapsed, samples, &counters, totalErrors.Load())

	writeBenchSummary(summary, report)
	if cfg.JSONOutput != "" {
		return writeBenchJSON(cfg.JSONOutput, report)
	}
	return nil
}

// startBenchServers starts n echo servers. The first binds a random port
// and the rest share it.
func startBenchServers(ctx context.Context, rt *server.Runtime, n int, logger *slog.Logger) (int, []*server.Server, error) {
	if n < 1 {
		n = 1
	}
	opts := server.DefaultOptions()
	opts.CheckOrigin = func(*http.Request) bool { return true }

	var servers []*server.Server
	port := 0
	for i := 0; i < n; i++ {
		srv, err := rt.NewServer(nil, opts)
		if err != nil {
			shutdownAll(servers)
			return 0, nil, err
		}
		srv.SetLogger(logger)
		srv.SetWebSocketHandler(echoWebSocket(logger))

		lctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
		err = srv.ListenContext(lctx, port, "127.0.0.1")
		cancel()
		if err != nil {
			shutdownAll(servers)
			return 0, nil, err
		}
		if port == 0 {
			port = srv.ActualPort()
		}
		servers = append(servers, srv)
	}
	return port, servers, nil
}

func runBenchClient(
	ctx context.Context,
	url string,
	clientID int,
	cfg benchConfig,
	counters *benchCounters,
	samples chan<- time.Duration,
) error {
	dialer := *websocket.DefaultDialer
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		counters.handshakeFailures.Add(1)
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	period := time.Duration(float64(time.Second) / cfg.RPS)
	var seq uint64

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		seq++
		payload := makePayload(clientID, seq, cfg.PayloadBytes)

		start := time.Now()
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			counters.writeFailures.Add(1)
			return fmt.Errorf("write: %w", err)
		}
		counters.sent.Add(1)
		counters.bytes.Add(uint64(len(payload)))

		if deadline, ok := ctx.Deadline(); ok {
			conn.SetReadDeadline(deadline.Add(time.Second))
		}
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			counters.readFailures.Add(1)
			return fmt.Errorf("read: %w", err)
		}
		if !bytes.Equal(msg, payload) {
			counters.mismatches.Add(1)
			return fmt.Errorf("echo mismatch on message %d", seq)
		}

		counters.completed.Add(1)
		samples <- time.Since(start)

		if sleep := period - time.Since(start); sleep > 0 {
			timer := time.NewTimer(sleep)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil
			case <-timer.C:
			}
		}
	}
}

func makePayload(clientID int, seq uint64, size int) []byte {
	p := []byte(fmt.Sprintf("c%d-s%d-", clientID, seq))
	for len(p) < size {
		p = append(p, 'x')
	}
	return p
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	if p <= 0 {
		return sorted[0]
	}
	if p >= 1 {
		return sorted[len(sorted)-1]
	}
	idx := int(math.Ceil(float64(len(sorted))*p)) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

type benchReport struct {
	Version    string         `json:"version"`
	Target     string         `json:"target"`
	Workload   benchWorkload  `json:"workload"`
	LatencyMS  benchLatency   `json:"latency_ms"`
	Throughput benchRate      `json:"throughput"`
	Errors     benchErrorInfo `json:"errors"`
	GoVersion  string         `json:"go_version"`
}

type benchWorkload struct {
	Clients      int     `json:"clients"`
	DurationMS   int64   `json:"duration_ms"`
	RPSPerClient float64 `json:"rps_per_client"`
	PayloadBytes int     `json:"payload_bytes"`
	Instances    int     `json:"instances,omitempty"`
}

type benchLatency struct {
	Min float64 `json:"min"`
	P50 float64 `json:"p50"`
	P95 float64 `json:"p95"`
	P99 float64 `json:"p99"`
	Max float64 `json:"max"`
}

type benchRate struct {
	MessagesSent   uint64  `json:"messages_sent"`
	MessagesEchoed uint64  `json:"messages_echoed"`
	BytesSent      uint64  `json:"bytes_sent"`
	MessagesPerSec float64 `json:"messages_per_sec"`
	ElapsedMS      int64   `json:"elapsed_ms"`
}

type benchErrorInfo struct {
	Total             uint64 `json:"total"`
	HandshakeFailures uint64 `json:"handshake_failures"`
	WriteFailures     uint64 `json:"write_failures"`
	ReadFailures      uint64 `json:"read_failures"`
	Mismatches        uint64 `json:"mismatches"`
}

func buildBenchReport(cfg benchConfig, target string, elapsed time.Duration, latencies []time.Duration, c *benchCounters, totalErrors uint64) benchReport {
	r := benchReport{
		Version: version,
		Target:  target,
		Workload: benchWorkload{
			Clients:      cfg.Clients,
			DurationMS:   cfg.Duration.Milliseconds(),
			RPSPerClient: cfg.RPS,
			PayloadBytes: cfg.PayloadBytes,
		},
		Throughput: benchRate{
			MessagesSent:   c.sent.Load(),
			MessagesEchoed: c.completed.Load(),
			BytesSent:      c.bytes.Load(),
			ElapsedMS:      elapsed.Milliseconds(),
		},
		Errors: benchErrorInfo{
			Total:             totalErrors,
			HandshakeFailures: c.handshakeFailures.Load(),
			WriteFailures:     c.writeFailures.Load(),
			ReadFailures:      c.readFailures.Load(),
			Mismatches:        c.mismatches.Load(),
		},
		GoVersion: runtime.Version(),
	}
	if cfg.URL == "" {
		r.Workload.Instances = cfg.Instances
	}
	if elapsed > 0 {
		r.Throughput.MessagesPerSec = float64(r.Throughput.MessagesEchoed) / elapsed.Seconds()
	}
	if len(latencies) > 0 {
		r.LatencyMS = benchLatency{
			Min: ms(latencies[0]),
			P50: ms(percentile(latencies, 0.50)),
			P95: ms(percentile(latencies, 0.95)),
			P99: ms(percentile(latencies, 0.99)),
			Max: ms(latencies[len(latencies)-1]),
		}
	}
	return r
}

func writeBenchSummary(w io.Writer, report benchReport) {
	fmt.Fprintln(w, "=== hsvertx WebSocket echo benchmark ===")
	fmt.Fprintf(w, "Target: %s\n", report.Target)
	fmt.Fprintf(w, "Clients: %d\n", report.Workload.Clients)
	fmt.Fprintf(w, "Duration: %s\n", time.Duration(report.Workload.DurationMS)*time.Millisecond)
	fmt.Fprintf(w, "Target per-client rate: %.2f msgs/s\n", report.Workload.RPSPerClient)
	fmt.Fprintf(w, "Payload bytes: %d\n", report.Workload.PayloadBytes)
	if report.Workload.Instances > 0 {
		fmt.Fprintf(w, "Servers sharing the port: %d\n", report.Workload.Instances)
	}
	fmt.Fprintln(w)

	fmt.Fprintf(w, "Echoed messages: %d of %d\n", report.Throughput.MessagesEchoed, report.Throughput.MessagesSent)
	fmt.Fprintf(w, "Throughput: %.1f msgs/s\n", report.Throughput.MessagesPerSec)
	fmt.Fprintf(w, "Errors: %d\n", report.Errors.Total)
	fmt.Fprintln(w)

	if report.LatencyMS.Max == 0 {
		fmt.Fprintln(w, "No latency samples recorded.")
		return
	}
	fmt.Fprintln(w, "RTT (client send -> server echo -> client receive):")
	fmt.Fprintf(w, "  min: %.2f ms\n", report.LatencyMS.Min)
	fmt.Fprintf(w, "  p50: %.2f ms\n", report.LatencyMS.P50)
	fmt.Fprintf(w, "  p95: %.2f ms\n", report.LatencyMS.P95)
	fmt.Fprintf(w, "  p99: %.2f ms\n", report.LatencyMS.P99)
	fmt.Fprintf(w, "  max: %.2f ms\n", report.LatencyMS.Max)
}

func writeBenchJSON(path string, report benchReport) error {
	var out io.Writer
	if path == "-" {
		out = os.Stdout
	} else {
		file, err := os.Create(path)
		if err != nil {
			return err
		}
		defer file.Close()
		out = file
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}
