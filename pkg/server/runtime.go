package server

import (
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"

	"github.com/triptripe/hs-vertx/pkg/eventloop"
)

// ServerID is the (host, port) pair servers share a listener on.
type ServerID struct {
	Host string
	Port int
}

// String returns host:port.
func (id ServerID) String() string {
	return net.JoinHostPort(id.Host, strconv.Itoa(id.Port))
}

// RuntimeConfig configures a Runtime.
type RuntimeConfig struct {
	// EventLoops is the number of event loops. Default: 2*GOMAXPROCS.
	EventLoops int

	// Logger is the base logger. Default: slog.Default().
	Logger *slog.Logger
}

// Runtime owns the event loops and the registry of shared listeners. Two
// servers created from the same Runtime that listen on the same ServerID
// share one accepting socket.
type Runtime struct {
	group  *eventloop.Group
	logger *slog.Logger

	mu     sync.Mutex
	shared map[ServerID]*sharedListener
}

// NewRuntime creates a Runtime with its own event loop group.
func NewRuntime(cfg RuntimeConfig) *Runtime {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Runtime{
		group:  eventloop.NewGroup(cfg.EventLoops, logger),
		logger: logger,
		shared: make(map[ServerID]*sharedListener),
	}
}

var (
	defaultRuntime     *Runtime
	defaultRuntimeOnce sync.Once
)

// DefaultRuntime returns the process-wide Runtime.
func DefaultRuntime() *Runtime {
	defaultRuntimeOnce.Do(func() {
		defaultRuntime = NewRuntime(RuntimeConfig{})
	})
	return defaultRuntime
}

// Group returns the event loop group.
func (rt *Runtime) Group() *eventloop.Group {
	return rt.group
}

// NewServer creates a server bound to ctx. A nil ctx gets a fresh
// event-loop context. Multi-threaded worker contexts are rejected.
func (rt *Runtime) NewServer(ctx *eventloop.Context, opts *Options) (*Server, error) {
	if ctx == nil {
		ctx = rt.group.NewEventLoopContext()
	}
	if ctx.IsMultiThreadedWorker() {
		return nil, newStateError("new server", StateCreated, "cannot use a server on a multi-threaded worker context")
	}
	if opts == nil {
		opts = DefaultOptions()
	}
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("server: invalid options: %w", err)
	}
	return newServer(rt, ctx, opts.Clone()), nil
}

// SharedServer returns the owner server registered for id.
func (rt *Runtime) SharedServer(id ServerID) (*Server, bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	l, ok := rt.shared[id]
	if !ok {
		return nil, false
	}
	return l.owner, true
}

// SharedServerCount returns the number of registered shared listeners.
func (rt *Runtime) SharedServerCount() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return len(rt.shared)
}

// Close stops the event loops. Servers should be closed first.
func (rt *Runtime) Close() {
	rt.group.Close()
}
