package server

import (
	"testing"

	"github.com/triptripe/hs-vertx/pkg/eventloop"
)

func TestHandlerRegistry_PrefersAcceptingLoop(t *testing.T) {
	g := eventloop.NewGroup(2, nil)
	defer g.Close()
	loops := g.Loops()

	r := newHandlerRegistry()
	a := &HandlerBundle{}
	b := &HandlerBundle{}
	r.add(a, g.NewEventLoopContextOn(loops[0]))
	r.add(b, g.NewEventLoopContextOn(loops[1]))

	for i := 0; i < 4; i++ {
		if h := r.choose(loops[1]); h == nil || h.bundle != b {
			t.Fatalf("choose(loop1) #%d picked the wrong bundle", i)
		}
		if h := r.choose(loops[0]); h == nil || h.bundle != a {
			t.Fatalf("choose(loop0) #%d picked the wrong bundle", i)
		}
	}
}

func TestHandlerRegistry_RoundRobinOnLoop(t *testing.T) {
	g := eventloop.NewGroup(1, nil)
	defer g.Close()
	loop := g.Loops()[0]

	r := newHandlerRegistry()
	bundles := []*HandlerBundle{{}, {}, {}}
	for _, b := range bundles {
		r.add(b, g.NewEventLoopContextOn(loop))
	}

	for i := 0; i < 9; i++ {
		h := r.choose(loop)
		if h == nil {
			t.Fatalf("choose() #%d = nil", i)
		}
		if h.bundle != bundles[i%3] {
			t.Fatalf("choose() #%d picked bundle out of order", i)
		}
	}
}

func TestHandlerRegistry_FallsBackToOtherLoops(t *testing.T) {
	g := eventloop.NewGroup(2, nil)
	defer g.Close()
	loops := g.Loops()

	r := newHandlerRegistry()
	b := &HandlerBundle{}
	r.add(b, g.NewEventLoopContextOn(loops[0]))

	if h := r.choose(loops[1]); h == nil || h.bundle != b {
		t.Fatal("choose() on a loop without handlers should fall back")
	}
}

func TestHandlerRegistry_SkipsPausedServers(t *testing.T) {
	rt := NewRuntime(RuntimeConfig{EventLoops: 1})
	defer rt.Close()
	loop := rt.Group().Loops()[0]

	s1, err := rt.NewServer(rt.Group().NewEventLoopContextOn(loop), nil)
	if err != nil {
		t.Fatalf("NewServer() error: %v", err)
	}
	s2, err := rt.NewServer(rt.Group().NewEventLoopContextOn(loop), nil)
	if err != nil {
		t.Fatalf("NewServer() error: %v", err)
	}

	r := newHandlerRegistry()
	b1 := &HandlerBundle{server: s1}
	b2 := &HandlerBundle{server: s2}
	r.add(b1, s1.Context())
	r.add(b2, s2.Context())

	s1.RequestStream().Pause()
	for i := 0; i < 3; i++ {
		if h := r.choose(loop); h == nil || h.bundle != b2 {
			t.Fatalf("choose() #%d returned a paused bundle", i)
		}
	}

	s2.WebSocketStream().Pause()
	if h := r.choose(loop); h != nil {
		t.Fatal("choose() should return nil when every bundle is paused")
	}

	s1.RequestStream().Resume()
	if h := r.choose(loop); h == nil || h.bundle != b1 {
		t.Fatal("choose() should pick the resumed bundle")
	}
}

func TestHandlerRegistry_Remove(t *testing.T) {
	g := eventloop.NewGroup(2, nil)
	defer g.Close()
	loops := g.Loops()

	r := newHandlerRegistry()
	a := &HandlerBundle{}
	b := &HandlerBundle{}
	r.add(a, g.NewEventLoopContextOn(loops[0]))
	r.add(b, g.NewEventLoopContextOn(loops[1]))

	if got := r.count(); got != 2 {
		t.Fatalf("count() = %d, want 2", got)
	}
	if !r.remove(a) {
		t.Fatal("remove(a) = false")
	}
	if r.remove(a) {
		t.Fatal("second remove(a) = true")
	}
	if got := r.nextLoop(); got != loops[1] {
		t.Fatalf("nextLoop() = %v, want %v", got, loops[1])
	}
	r.remove(b)
	if r.hasHandlers() {
		t.Fatal("hasHandlers() = true after removing every bundle")
	}
	if r.nextLoop() != nil || r.choose(loops[0]) != nil {
		t.Fatal("empty registry should pick nothing")
	}
}
