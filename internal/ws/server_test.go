package ws

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/whisper/lobby/internal/protocol"
	"github.com/whisper/lobby/internal/store"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

type recorder struct {
	mu           sync.Mutex
	connected    []*Connection
	claims       []string
	disconnected []string
}

func (r *recorder) disconnects() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.disconnected...)
}

// startServer runs a server on a loopback listener with claim_identity
// recorded, and a "boom" handler registered for leave that panics.
func startServer(t *testing.T) (*Server, *recorder, string) {
	t.Helper()
	rec := &recorder{}

	dispatcher := NewMessageDispatcher(nil)
	srv, err := NewServer(ServerConfig{ReadTimeout: time.Second, WriteTimeout: time.Second}, nil, dispatcher.Dispatch)
	if err != nil {
		t.Fatalf("NewServer() error: %v", err)
	}
	dispatcher.SetServer(srv)

	dispatcher.Register(protocol.TypeClaimIdentity, func(conn *Connection, msg interface{}) {
		rec.mu.Lock()
		rec.claims = append(rec.claims, msg.(protocol.ClaimIdentityMsg).Name)
		rec.mu.Unlock()
	})
	dispatcher.Register(protocol.TypeLeave, func(conn *Connection, msg interface{}) {
		panic("boom")
	})

	srv.SetOnConnect(func(conn *Connection) {
		rec.mu.Lock()
		rec.connected = append(rec.connected, conn)
		rec.mu.Unlock()
		_ = srv.Client(conn).Send(protocol.TypeHistory, protocol.HistoryMsg{Messages: protocol.FromMessages(nil)})
	})
	srv.SetOnDisconnect(func(connID string) {
		rec.mu.Lock()
		rec.disconnected = append(rec.disconnected, connID)
		rec.mu.Unlock()
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() { _ = srv.Shutdown() })

	return srv, rec, ln.Addr().String()
}

type client struct {
	t    *testing.T
	conn net.Conn
	rw   io.ReadWriter
}

func dial(t *testing.T, addr, query string) *client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, br, _, err := ws.Dial(ctx, "ws://"+addr+"/ws"+query)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	var r io.Reader = conn
	if br != nil {
		r = br
	}
	return &client{t: t, conn: conn, rw: struct {
		io.Reader
		io.Writer
	}{r, conn}}
}

func (c *client) send(raw string) {
	c.t.Helper()
	if err := wsutil.WriteClientText(c.conn, []byte(raw)); err != nil {
		c.t.Fatalf("write: %v", err)
	}
}

func (c *client) read() map[string]interface{} {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	data, err := wsutil.ReadServerText(c.rw)
	if err != nil {
		c.t.Fatalf("read: %v", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		c.t.Fatalf("decode %s: %v", data, err)
	}
	return m
}

func (c *client) expect(msgType string) map[string]interface{} {
	c.t.Helper()
	m := c.read()
	if m["type"] != msgType {
		c.t.Fatalf("expected %q, got %v", msgType, m)
	}
	return m
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

// ---------------------------------------------------------------------------
// Test: A connection is announced, dispatched and torn down
// ---------------------------------------------------------------------------

func TestServer_SessionLifecycle(t *testing.T) {
	srv, rec, addr := startServer(t)
	c := dial(t, addr, "?last=m-9")

	created := c.expect(protocol.TypeSessionCreated)
	sessionID, _ := created["session_id"].(string)
	if sessionID == "" {
		t.Fatalf("missing session id: %v", created)
	}

	// Output of onConnect follows session_created.
	c.expect(protocol.TypeHistory)

	rec.mu.Lock()
	if len(rec.connected) != 1 || rec.connected[0].LastMsgID != "m-9" || rec.connected[0].ID != sessionID {
		t.Fatalf("unexpected connect record: %+v", rec.connected)
	}
	rec.mu.Unlock()

	c.send(`{"type":"ping"}`)
	c.expect(protocol.TypePong)

	c.send(`{"type":"claim_identity","name":"alice"}`)
	eventually(t, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return len(rec.claims) == 1 && rec.claims[0] == "alice"
	})

	if srv.Connections().Count() != 1 {
		t.Fatalf("expected 1 connection, got %d", srv.Connections().Count())
	}

	c.conn.Close()
	eventually(t, func() bool {
		d := rec.disconnects()
		return len(d) == 1 && d[0] == sessionID
	})
	if srv.Connections().Count() != 0 {
		t.Errorf("expected 0 connections, got %d", srv.Connections().Count())
	}
}

// ---------------------------------------------------------------------------
// Test: Malformed and unknown messages are rejected to the sender only
// ---------------------------------------------------------------------------

func TestServer_RejectsMalformed(t *testing.T) {
	_, _, addr := startServer(t)
	c := dial(t, addr, "")
	c.expect(protocol.TypeSessionCreated)
	c.expect(protocol.TypeHistory)

	c.send(`{not json`)
	m := c.expect(protocol.TypeRejected)
	if m["code"] != protocol.CodeInvalidFormat || m["action"] != "unknown" {
		t.Errorf("unexpected rejection: %v", m)
	}

	c.send(`{"type":"welcome"}`)
	m = c.expect(protocol.TypeRejected)
	if m["action"] != "welcome" {
		t.Errorf("expected action welcome, got %v", m["action"])
	}

	// The connection survives rejections.
	c.send(`{"type":"ping"}`)
	c.expect(protocol.TypePong)
}

// ---------------------------------------------------------------------------
// Test: A panicking handler tears down only its own connection
// ---------------------------------------------------------------------------

func TestServer_HandlerPanicClosesConnection(t *testing.T) {
	srv, rec, addr := startServer(t)
	a := dial(t, addr, "")
	b := dial(t, addr, "")
	a.expect(protocol.TypeSessionCreated)
	a.expect(protocol.TypeHistory)
	b.expect(protocol.TypeSessionCreated)
	b.expect(protocol.TypeHistory)

	a.send(`{"type":"leave"}`)
	eventually(t, func() bool { return len(rec.disconnects()) == 1 })

	if srv.Connections().Count() != 1 {
		t.Fatalf("expected the other connection to survive, got %d", srv.Connections().Count())
	}
	b.send(`{"type":"ping"}`)
	b.expect(protocol.TypePong)
}

// ---------------------------------------------------------------------------
// Test: Oversized frames drop the connection
// ---------------------------------------------------------------------------

func TestServer_FrameTooLarge(t *testing.T) {
	srv, rec, addr := startServer(t)
	c := dial(t, addr, "")
	c.expect(protocol.TypeSessionCreated)
	c.expect(protocol.TypeHistory)

	big := make([]byte, srv.config.MaxFrameSize+1)
	for i := range big {
		big[i] = 'a'
	}
	_ = wsutil.WriteClientText(c.conn, big)
	eventually(t, func() bool { return len(rec.disconnects()) == 1 })
}

// ---------------------------------------------------------------------------
// Test: A connection torn down while onConnect runs is still closed out
// ---------------------------------------------------------------------------

func TestServer_TeardownDuringConnect(t *testing.T) {
	dispatcher := NewMessageDispatcher(nil)
	srv, err := NewServer(ServerConfig{ReadTimeout: time.Second, WriteTimeout: time.Second}, nil, dispatcher.Dispatch)
	if err != nil {
		t.Fatalf("NewServer() error: %v", err)
	}
	dispatcher.SetServer(srv)

	// open mimics the room's session map: onConnect inserts only after the
	// connection has already been removed.
	var (
		mu   sync.Mutex
		open = map[string]bool{}
	)
	srv.SetOnConnect(func(conn *Connection) {
		srv.RemoveConnection(conn)
		mu.Lock()
		open[conn.ID] = true
		mu.Unlock()
	})
	srv.SetOnDisconnect(func(connID string) {
		mu.Lock()
		delete(open, connID)
		mu.Unlock()
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() { _ = srv.Shutdown() })

	c := dial(t, ln.Addr().String(), "")
	c.expect(protocol.TypeSessionCreated)

	eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(open) == 0 && srv.Connections().Count() == 0
	})
}

// ---------------------------------------------------------------------------
// Test: /health reflects storage reachability
// ---------------------------------------------------------------------------

func TestServer_HealthReportsStorage(t *testing.T) {
	srv, err := NewServer(DefaultServerConfig(), nil, nil)
	if err != nil {
		t.Fatalf("NewServer() error: %v", err)
	}
	defer srv.Shutdown()

	gw := store.NewMemory()
	srv.SetHealthCheck(gw.Ping)

	check := func(wantCode int, wantStorage string) {
		t.Helper()
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
		if rec.Code != wantCode {
			t.Fatalf("expected status %d, got %d", wantCode, rec.Code)
		}
		var body map[string]interface{}
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("decode health: %v", err)
		}
		if body["storage"] != wantStorage {
			t.Fatalf("expected storage %q, got %v", wantStorage, body["storage"])
		}
	}

	check(http.StatusOK, "ok")
	gw.SetUnavailable(true)
	check(http.StatusServiceUnavailable, "unavailable")
}

// ---------------------------------------------------------------------------
// Test: ConnectionManager lookups and idempotent removal
// ---------------------------------------------------------------------------

func TestConnectionManager(t *testing.T) {
	cm := NewConnectionManager()
	a, peer := net.Pipe()
	defer peer.Close()

	conn := &Connection{ID: "s-1", Conn: a, Fd: -1}
	cm.Add(conn)

	if cm.Get("s-1") != conn || cm.GetByConn(a) != conn {
		t.Fatal("expected lookups to find the connection")
	}
	if cm.Count() != 1 || len(cm.All()) != 1 {
		t.Fatalf("expected one connection, got %d", cm.Count())
	}

	if !cm.Remove("s-1") {
		t.Fatal("expected first Remove to report true")
	}
	if cm.Remove("s-1") {
		t.Fatal("expected second Remove to report false")
	}
	if cm.GetByConn(a) != nil || cm.Count() != 0 {
		t.Fatal("expected connection gone from both maps")
	}
}

// ---------------------------------------------------------------------------
// Test: Heartbeat evicts stale connections and pings live ones
// ---------------------------------------------------------------------------

func TestCheckConnections(t *testing.T) {
	srv, err := NewServer(DefaultServerConfig(), nil, nil)
	if err != nil {
		t.Fatalf("NewServer() error: %v", err)
	}
	defer srv.Shutdown()

	var removed []string
	srv.SetOnDisconnect(func(id string) { removed = append(removed, id) })

	now := time.Now()
	cfg := HeartbeatConfig{Interval: 30 * time.Second, Timeout: time.Second}

	staleConn, stalePeer := net.Pipe()
	defer stalePeer.Close()
	stale := &Connection{ID: "stale", Conn: staleConn, Fd: -1}
	stale.Touch(now.Add(-time.Minute))
	srv.conns.Add(stale)

	liveConn, livePeer := net.Pipe()
	defer livePeer.Close()
	go func() { _, _ = io.Copy(io.Discard, livePeer) }()
	live := &Connection{ID: "live", Conn: liveConn, Fd: -1}
	live.Touch(now)
	srv.conns.Add(live)

	checkConnections(srv, cfg, now)

	if len(removed) != 1 || removed[0] != "stale" {
		t.Fatalf("expected only the stale connection removed, got %v", removed)
	}
	if srv.Connections().Get("live") == nil {
		t.Fatal("expected live connection to remain")
	}
}
