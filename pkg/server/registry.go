package server

import (
	"net/http"
	"sync"

	"github.com/triptripe/hs-vertx/pkg/eventloop"
)

// HandlerBundle is the set of handlers one server registers on a shared
// listener.
type HandlerBundle struct {
	Request    http.Handler
	WebSocket  func(*ServerWebSocket)
	Connection func(Connection)

	// server that registered the bundle; its streams gate selection
	server *Server
}

// active reports whether the bundle's server is accepting new work.
func (b *HandlerBundle) active() bool {
	if b.server == nil {
		return true
	}
	return b.server.requestStream.active() && b.server.wsStream.active()
}

// handlerHolder pairs a bundle with the context its callbacks run on.
type handlerHolder struct {
	bundle *HandlerBundle
	ctx    *eventloop.Context
}

type loopHandlers struct {
	holders []*handlerHolder
	cursor  int
}

// handlerRegistry maps event loops to the bundles pinned to them. Picking
// is round-robin per loop and prefers bundles whose context lives on the
// loop that accepted the connection.
type handlerRegistry struct {
	mu       sync.Mutex
	byLoop   map[*eventloop.Loop]*loopHandlers
	loops    []*eventloop.Loop // loops with at least one bundle, registration order
	loopNext int
	anyNext  int
}

func newHandlerRegistry() *handlerRegistry {
	return &handlerRegistry{byLoop: make(map[*eventloop.Loop]*loopHandlers)}
}

// add registers bundle on ctx's event loop.
func (r *handlerRegistry) add(bundle *HandlerBundle, ctx *eventloop.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	loop := ctx.EventLoop()
	lh := r.byLoop[loop]
	if lh == nil {
		lh = &loopHandlers{}
		r.byLoop[loop] = lh
		r.loops = append(r.loops, loop)
	}
	lh.holders = append(lh.holders, &handlerHolder{bundle: bundle, ctx: ctx})
}

// remove unregisters bundle. It reports whether the bundle was present.
func (r *handlerRegistry) remove(bundle *HandlerBundle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for loop, lh := range r.byLoop {
		for i, h := range lh.holders {
			if h.bundle != bundle {
				continue
			}
			lh.holders = append(lh.holders[:i], lh.holders[i+1:]...)
			if lh.cursor >= len(lh.holders) {
				lh.cursor = 0
			}
			if len(lh.holders) == 0 {
				delete(r.byLoop, loop)
				r.dropLoop(loop)
			}
			return true
		}
	}
	return false
}

func (r *handlerRegistry) dropLoop(loop *eventloop.Loop) {
	for i, l := range r.loops {
		if l == loop {
			r.loops = append(r.loops[:i], r.loops[i+1:]...)
			break
		}
	}
	if r.loopNext >= len(r.loops) {
		r.loopNext = 0
	}
}

// hasHandlers reports whether any bundle is registered.
func (r *handlerRegistry) hasHandlers() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.loops) > 0
}

// count returns the number of registered bundles.
func (r *handlerRegistry) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, lh := range r.byLoop {
		n += len(lh.holders)
	}
	return n
}

// nextLoop returns the event loop a newly accepted connection is pinned
// to, round-robin over the loops that have handlers.
func (r *handlerRegistry) nextLoop() *eventloop.Loop {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.loops) == 0 {
		return nil
	}
	l := r.loops[r.loopNext%len(r.loops)]
	r.loopNext = (r.loopNext + 1) % len(r.loops)
	return l
}

// choose returns the next active holder for loop. Holders pinned to loop
// are preferred; any active holder is the fallback. nil means no active
// holder exists.
func (r *handlerRegistry) choose(loop *eventloop.Loop) *handlerHolder {
	r.mu.Lock()
	defer r.mu.Unlock()

	if lh := r.byLoop[loop]; lh != nil {
		if h := lh.next(); h != nil {
			return h
		}
	}

	var all []*handlerHolder
	for _, l := range r.loops {
		all = append(all, r.byLoop[l].holders...)
	}
	for i := 0; i < len(all); i++ {
		h := all[(r.anyNext+i)%len(all)]
		if h.bundle.active() {
			r.anyNext = (r.anyNext + i + 1) % len(all)
			return h
		}
	}
	return nil
}

func (lh *loopHandlers) next() *handlerHolder {
	n := len(lh.holders)
	for i := 0; i < n; i++ {
		h := lh.holders[(lh.cursor+i)%n]
		if h.bundle.active() {
			lh.cursor = (lh.cursor + i + 1) % n
			return h
		}
	}
	return nil
}
