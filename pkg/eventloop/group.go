package eventloop

import (
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
)

// Group is a fixed pool of event loops plus the worker executors created
// from it.
type Group struct {
	loops  []*Loop
	next   atomic.Uint64
	logger *slog.Logger

	mu      sync.Mutex
	workers []*Loop
	closed  bool
}

// NewGroup starts n event loops. n <= 0 uses 2*GOMAXPROCS, the usual
// event-loop pool size.
func NewGroup(n int, logger *slog.Logger) *Group {
	if n <= 0 {
		n = 2 * runtime.GOMAXPROCS(0)
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "eventloop")

	g := &Group{
		loops:  make([]*Loop, n),
		logger: logger,
	}
	for i := range g.loops {
		g.loops[i] = newLoop(i, fmt.Sprintf("event-loop-%d", i), logger)
	}
	return g
}

// Size returns the number of event loops.
func (g *Group) Size() int {
	return len(g.loops)
}

// Loops returns the event loops in index order.
func (g *Group) Loops() []*Loop {
	out := make([]*Loop, len(g.loops))
	copy(out, g.loops)
	return out
}

// Next returns event loops round-robin.
func (g *Group) Next() *Loop {
	n := g.next.Add(1) - 1
	return g.loops[n%uint64(len(g.loops))]
}

// NewEventLoopContext returns a context pinned to the next event loop.
func (g *Group) NewEventLoopContext() *Context {
	return &Context{kind: KindEventLoop, loop: g.Next()}
}

// NewEventLoopContextOn returns a context pinned to loop.
func (g *Group) NewEventLoopContextOn(loop *Loop) *Context {
	return &Context{kind: KindEventLoop, loop: loop}
}

// NewWorkerContext returns a context whose tasks run serially on a new
// worker goroutine. Its affinity loop is the next event loop.
func (g *Group) NewWorkerContext() *Context {
	loop := g.Next()
	g.mu.Lock()
	defer g.mu.Unlock()
	exec := newLoop(loop.ID(), fmt.Sprintf("worker-%d-%d", loop.ID(), len(g.workers)), g.logger)
	g.workers = append(g.workers, exec)
	return &Context{kind: KindWorker, loop: loop, exec: exec}
}

// NewMultiThreadedWorkerContext returns a context whose tasks run on fresh
// goroutines with no ordering guarantee.
func (g *Group) NewMultiThreadedWorkerContext() *Context {
	return &Context{kind: KindMultiThreadedWorker, loop: g.Next()}
}

// Close stops every loop and worker after draining queued tasks.
func (g *Group) Close() {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.closed = true
	workers := g.workers
	g.workers = nil
	g.mu.Unlock()

	for _, w := range workers {
		w.Close()
	}
	for _, l := range g.loops {
		l.Close()
	}
}
