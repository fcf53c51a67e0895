package server

import (
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
)

func pipeRecord(t *testing.T, proto Protocol) (*connRecord, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() {
		server.Close()
		client.Close()
	})
	return newConnRecord(nil, server, nil, proto), client
}

func TestConnectionManager_StatsByProtocol(t *testing.T) {
	m := newConnectionManager(slog.New(slog.NewTextHandler(io.Discard, nil)))

	h1, _ := pipeRecord(t, ProtocolHTTP1)
	ws, _ := pipeRecord(t, ProtocolHTTP1)
	h2, _ := pipeRecord(t, ProtocolHTTP2)
	m.addHTTP1(h1)
	m.addHTTP1(ws)
	m.addHTTP2(h2)
	ws.setProtocol(ProtocolWebSocket)

	got := m.stats()
	want := ConnectionStats{HTTP1: 1, HTTP2: 1, WebSocket: 1, TotalHTTP1: 2, TotalHTTP2: 1}
	if got != want {
		t.Fatalf("stats() = %+v, want %+v", got, want)
	}

	m.remove(h1)
	m.remove(h2)
	got = m.stats()
	want = ConnectionStats{WebSocket: 1, TotalHTTP1: 2, TotalHTTP2: 1}
	if got != want {
		t.Fatalf("stats() after remove = %+v, want %+v", got, want)
	}
}

func TestConnectionManager_RemoveKeepsNewerRecord(t *testing.T) {
	m := newConnectionManager(slog.Default())
	old, _ := pipeRecord(t, ProtocolHTTP1)
	m.addHTTP1(old)

	// A record re-registered for the same conn (h2c takeover) must survive
	// the removal of the stale one.
	fresh := newConnRecord(nil, old.conn, nil, ProtocolHTTP2)
	m.addHTTP2(fresh)
	m.remove(old)

	if _, ok := m.http1.Load(old.conn); ok {
		t.Fatal("stale HTTP/1 record not removed")
	}
	if rec, ok := m.http2.Load(old.conn); !ok || rec != fresh {
		t.Fatal("newer HTTP/2 record removed")
	}
}

func TestConnectionManager_CloseAll(t *testing.T) {
	m := newConnectionManager(slog.Default())
	var clients []net.Conn
	for i := 0; i < 4; i++ {
		proto := ProtocolHTTP1
		if i%2 == 1 {
			proto = ProtocolHTTP2
		}
		rec, c := pipeRecord(t, proto)
		clients = append(clients, c)
		if proto == ProtocolHTTP2 {
			m.addHTTP2(rec)
		} else {
			m.addHTTP1(rec)
		}
	}

	m.closeAll()

	if s := m.stats(); s.HTTP1 != 0 || s.HTTP2 != 0 {
		t.Fatalf("stats() after closeAll = %+v", s)
	}
	var wg sync.WaitGroup
	for _, c := range clients {
		wg.Add(1)
		go func(c net.Conn) {
			defer wg.Done()
			if _, err := c.Read(make([]byte, 1)); err == nil {
				t.Error("peer still open after closeAll")
			}
		}(c)
	}
	wg.Wait()
}

func TestConnectionManager_RejectsAfterCloseAll(t *testing.T) {
	m := newConnectionManager(slog.Default())
	m.closeAll()

	h1, c1 := pipeRecord(t, ProtocolHTTP1)
	h2, c2 := pipeRecord(t, ProtocolHTTP2)
	if m.addHTTP1(h1) {
		t.Fatal("addHTTP1() = true after closeAll")
	}
	if m.addHTTP2(h2) {
		t.Fatal("addHTTP2() = true after closeAll")
	}
	if !h1.isClosed() || !h2.isClosed() {
		t.Fatal("rejected records not closed")
	}
	for _, c := range []net.Conn{c1, c2} {
		if _, err := c.Read(make([]byte, 1)); err == nil {
			t.Fatal("peer of rejected record still open")
		}
	}
	if s := m.stats(); s != (ConnectionStats{}) {
		t.Fatalf("stats() = %+v, want zero", s)
	}
}

func TestConnectionManager_AddRacesCloseAll(t *testing.T) {
	m := newConnectionManager(slog.Default())
	recs := make([]*connRecord, 50)
	for i := range recs {
		recs[i], _ = pipeRecord(t, ProtocolHTTP1)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for _, rec := range recs {
			m.addHTTP1(rec)
		}
	}()
	m.closeAll()
	wg.Wait()

	// Whatever won the race, nothing may stay registered and open.
	for i, rec := range recs {
		if _, ok := m.http1.Load(rec.conn); ok && !rec.isClosed() {
			t.Fatalf("record %d registered and open after closeAll", i)
		}
		if !rec.isClosed() {
			t.Fatalf("record %d left open after closeAll", i)
		}
	}
}

func TestConnRecord_CloseOnce(t *testing.T) {
	rec, _ := pipeRecord(t, ProtocolHTTP1)
	if rec.isClosed() {
		t.Fatal("new record reports closed")
	}
	if err := rec.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	if err := rec.Close(); err != nil {
		t.Fatalf("second Close() error: %v", err)
	}
	if !rec.isClosed() {
		t.Fatal("isClosed() = false after Close")
	}
}
