package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	gometrics "github.com/armon/go-metrics"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/triptripe/hs-vertx/internal/config"
	"github.com/triptripe/hs-vertx/pkg/middleware"
	"github.com/triptripe/hs-vertx/pkg/server"
)

const shutdownTimeout = 10 * time.Second

type serveOptions struct {
	configPath string
	port       int
	host       string
	instances  int
	metrics    string
	tracing    bool
}

func serveCmd() *cobra.Command {
	var so serveOptions

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the demo server",
		Long: `Start the demo server.

The server answers plain requests through a small router, echoes
WebSocket messages, and serves HTTP/2 over TLS or h2c. With
--instances greater than one, several servers share the listening
port and connections are spread across them.

Examples:
  hsvertx serve
  hsvertx serve --port=8080 --instances=4
  hsvertx serve --config=./hsvertx.json --metrics=prometheus`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), so)
		},
	}

	cmd.Flags().StringVarP(&so.configPath, "config", "c", "", "Config file (default ./"+config.ConfigFileName+" if present)")
	cmd.Flags().IntVarP(&so.port, "port", "p", -1, "Port to listen on (default from config)")
	cmd.Flags().StringVarP(&so.host, "host", "H", "", "Host to bind to (default from config)")
	cmd.Flags().IntVarP(&so.instances, "instances", "n", 1, "Number of servers sharing the port")
	cmd.Flags().StringVar(&so.metrics, "metrics", "", "Metrics backend: prometheus or go-metrics")
	cmd.Flags().BoolVar(&so.tracing, "tracing", false, "Trace requests with OpenTelemetry")

	return cmd
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	cfg, err := config.Load(".")
	if errors.Is(err, config.ErrNotFound) {
		return config.New(), nil
	}
	return cfg, err
}

func runServe(ctx context.Context, so serveOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := loadConfig(so.configPath)
	if err != nil {
		return err
	}

	// Apply command-line overrides
	if so.port >= 0 {
		cfg.Server.Port = so.port
	}
	if so.host != "" {
		cfg.Server.Host = so.host
	}
	if so.metrics != "" {
		cfg.Metrics.Backend = so.metrics
	}
	if so.tracing {
		cfg.Tracing.Enabled = true
	}
	if so.instances < 1 {
		return fmt.Errorf("instances must be at least 1, got %d", so.instances)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := cfg.Log.NewLogger(os.Stderr)
	opts, err := cfg.Options()
	if err != nil {
		return err
	}

	reg, err := setupMetrics(cfg, opts)
	if err != nil {
		return err
	}

	var handler http.Handler = newRouter(reg, cfg.Metrics.Path)
	if cfg.Tracing.Enabled {
		var topts []middleware.OTelOption
		if cfg.Tracing.TracerName != "" {
			topts = append(topts, middleware.WithTracerName(cfg.Tracing.TracerName))
		}
		handler = middleware.OpenTelemetry(topts...)(handler)
	}

	rt := server.NewRuntime(server.RuntimeConfig{EventLoops: cfg.EventLoops, Logger: logger})
	defer rt.Close()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	printBanner()
	fmt.Println("  serve")
	fmt.Println()

	servers := make([]*server.Server, 0, so.instances)
	for i := 0; i < so.instances; i++ {
		srv, err := startServer(ctx, rt, opts, handler, logger.With("instance", i))
		if err != nil {
			shutdownAll(servers)
			return err
		}
		servers = append(servers, srv)
		success("Instance %d listening on %s", i, displayAddr(opts, srv.ActualPort()))
	}
	if cfg.Metrics.Backend == "prometheus" {
		info("Metrics at %s", cfg.Metrics.Path)
	}
	info("Press Ctrl+C to stop")

	<-ctx.Done()
	fmt.Println("\n\n  Shutting down...")
	return shutdownAll(servers)
}

// setupMetrics attaches the configured metrics sink to opts. It returns
// the Prometheus registry to expose, if any.
func setupMetrics(cfg *config.Config, opts *server.Options) (*prometheus.Registry, error) {
	switch cfg.Metrics.Backend {
	case "prometheus":
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		opts.WithMetrics(middleware.Prometheus(
			middleware.WithRegistry(reg),
			middleware.WithNamespace(cfg.Metrics.Namespace),
		))
		return reg, nil
	case "go-metrics":
		// SIGUSR1 dumps the in-memory metrics to stderr.
		inm := gometrics.NewInmemSink(10*time.Second, time.Minute)
		gometrics.DefaultInmemSignal(inm)
		mcfg := gometrics.DefaultConfig(cfg.Metrics.Namespace)
		mcfg.EnableHostname = false
		if _, err := gometrics.NewGlobal(mcfg, inm); err != nil {
			return nil, fmt.Errorf("go-metrics: %w", err)
		}
		opts.WithMetrics(middleware.GoMetrics(nil, "server"))
	}
	return nil, nil
}

func startServer(ctx context.Context, rt *server.Runtime, opts *server.Options, h http.Handler, logger *slog.Logger) (*server.Server, error) {
	srv, err := rt.NewServer(nil, opts)
	if err != nil {
		return nil, err
	}
	srv.SetLogger(logger)
	srv.SetRequestHandler(h)
	srv.SetWebSocketHandler(echoWebSocket(logger))
	srv.SetConnectionHandler(func(c server.Connection) {
		logger.Debug("connection", "remote", c.RemoteAddr(), "protocol", c.Protocol())
	})
	srv.SetConnectionExceptionHandler(func(err error) {
		logger.Debug("connection error", "error", err)
	})

	lctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	if err := srv.ListenContext(lctx, opts.Port, opts.Host); err != nil {
		return nil, err
	}
	return srv, nil
}

func shutdownAll(servers []*server.Server) error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var result *multierror.Error
	for _, srv := range servers {
		if err := srv.Shutdown(ctx); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func displayAddr(opts *server.Options, port int) string {
	scheme := "http"
	if opts.SSL {
		scheme = "https"
	}
	return scheme + "://" + opts.Host + ":" + strconv.Itoa(port)
}

// newRouter builds the demo routes. reg, when set, is exposed at
// metricsPath.
func newRouter(reg *prometheus.Registry, metricsPath string) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		proto, origin := "unknown", ""
		if c, ok := server.ConnectionFromRequest(r); ok {
			proto, origin = c.Protocol().String(), c.Origin()
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprintf(w, "hello from hsvertx\nrequest: %s\nconnection: %s\norigin: %s\ntls: %v\n", r.Proto, proto, origin, r.TLS != nil)
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	r.Post("/echo", func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); ct != "" {
			w.Header().Set("Content-Type", ct)
		}
		io.Copy(w, r.Body)
	})

	// /stream?n=5 writes n lines, flushing after each one.
	r.Get("/stream", func(w http.ResponseWriter, r *http.Request) {
		n, err := strconv.Atoi(r.URL.Query().Get("n"))
		if err != nil || n <= 0 {
			n = 5
		}
		if n > 1000 {
			n = 1000
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		flusher, _ := w.(http.Flusher)
		for i := 0; i < n; i++ {
			fmt.Fprintf(w, "chunk %d\n", i)
			if flusher != nil {
				flusher.Flush()
			}
		}
	})

	if reg != nil {
		r.Handle(metricsPath, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}
	return r
}

// echoWebSocket returns a handler that echoes every message back.
func echoWebSocket(logger *slog.Logger) func(*server.ServerWebSocket) {
	return func(ws *server.ServerWebSocket) {
		log := logger.With("remote", ws.RemoteAddr(), "path", ws.Path())
		ws.TextMessageHandler(func(s string) {
			if err := ws.WriteTextMessage(s); err != nil {
				log.Debug("websocket write failed", "error", err)
			}
		})
		ws.BinaryMessageHandler(func(b []byte) {
			if err := ws.WriteBinaryMessage(b); err != nil {
				log.Debug("websocket write failed", "error", err)
			}
		})
		ws.ExceptionHandler(func(err error) {
			log.Debug("websocket error", "error", err)
		})
		ws.CloseHandler(func() {
			log.Debug("websocket closed")
		})
	}
}
