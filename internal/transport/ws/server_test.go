package ws

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"explora.ai/internal/protocol"
)

type fakeSink struct {
	chunks  chan protocol.ChunkEnteredMsg
	blocks  chan protocol.BlockChangedMsg
	players chan protocol.PlayersMsg
	status  chan protocol.StatusMsg
}

func newFakeSink(n int) *fakeSink {
	return &fakeSink{
		chunks:  make(chan protocol.ChunkEnteredMsg, n),
		blocks:  make(chan protocol.BlockChangedMsg, n),
		players: make(chan protocol.PlayersMsg, n),
		status:  make(chan protocol.StatusMsg, n),
	}
}

func (f *fakeSink) ChunkEntered() chan<- protocol.ChunkEnteredMsg { return f.chunks }
func (f *fakeSink) BlockChanged() chan<- protocol.BlockChangedMsg { return f.blocks }
func (f *fakeSink) Players() chan<- protocol.PlayersMsg           { return f.players }
func (f *fakeSink) Status() chan<- protocol.StatusMsg             { return f.status }

// closingSink stops taking events once closed is set.
type closingSink struct {
	*fakeSink
	closed atomic.Bool
}

func (c *closingSink) Enter() bool { return !c.closed.Load() }
func (c *closingSink) Leave()      {}

func dial(t *testing.T, s *Server) *websocket.Conn {
	t.Helper()
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func writeMsg(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	var b []byte
	switch x := v.(type) {
	case string:
		b = []byte(x)
	default:
		var err error
		if b, err = json.Marshal(v); err != nil {
			t.Fatalf("marshal: %v", err)
		}
	}
	if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func readMsg(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, b, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if err := json.Unmarshal(b, v); err != nil {
		t.Fatalf("unmarshal %s: %v", b, err)
	}
}

func hello(token string) protocol.HelloMsg {
	h := protocol.HelloMsg{Type: protocol.TypeHello, ProtocolVersion: protocol.Version, ServerName: "survival"}
	if token != "" {
		h.Auth = &protocol.HelloAuth{Token: token}
	}
	return h
}

func TestServer_HandshakeAndForward(t *testing.T) {
	sink := newFakeSink(4)
	s := NewServer(sink, "secret", nil)
	s.EditThreshold = 20
	var seen atomic.Int32
	s.OnMessage = func(string) { seen.Add(1) }
	conn := dial(t, s)

	writeMsg(t, conn, hello("secret"))
	var w protocol.WelcomeMsg
	readMsg(t, conn, &w)
	if w.Type != protocol.TypeWelcome || w.SessionID == "" || w.EditThreshold != 20 {
		t.Fatalf("welcome = %+v", w)
	}

	writeMsg(t, conn, `{"type":"CHUNK_ENTERED","world":"world","chunk_x":47,"chunk_z":-3}`)
	select {
	case m := <-sink.chunks:
		if m.World != "world" || m.ChunkX != 47 || m.ChunkZ != -3 {
			t.Fatalf("chunk = %+v", m)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("chunk event not forwarded")
	}

	writeMsg(t, conn, `{"type":"BLOCK_CHANGED","world":"world","x":1,"y":63,"z":2,"surface_y":64}`)
	select {
	case m := <-sink.blocks:
		if m.Y != 63 || m.SurfaceY != 64 {
			t.Fatalf("block = %+v", m)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("block event not forwarded")
	}
	deadline := time.Now().Add(time.Second)
	for seen.Load() != 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if seen.Load() != 2 {
		t.Fatalf("OnMessage saw %d events", seen.Load())
	}
}

func TestServer_InvalidMessageKeepsConnection(t *testing.T) {
	sink := newFakeSink(4)
	conn := dial(t, NewServer(sink, "", nil))
	writeMsg(t, conn, hello(""))
	var w protocol.WelcomeMsg
	readMsg(t, conn, &w)

	writeMsg(t, conn, `{"type":"CHUNK_ENTERED","world":"world","chunk_x":"a"}`)
	var e protocol.ErrorMsg
	readMsg(t, conn, &e)
	if e.Type != protocol.TypeError || e.Code != protocol.ErrBadRequest {
		t.Fatalf("error = %+v", e)
	}

	writeMsg(t, conn, `{"type":"TELEPORT"}`)
	readMsg(t, conn, &e)
	if e.Code != protocol.ErrUnknownType {
		t.Fatalf("error = %+v", e)
	}

	writeMsg(t, conn, `{"type":"STATUS","status":{"isOnline":true,"playerCount":2,"worldTime":100,"motd":"hi"}}`)
	select {
	case m := <-sink.status:
		if m.Status.PlayerCount != 2 {
			t.Fatalf("status = %+v", m)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("connection did not survive the bad message")
	}
}

func TestServer_BusyWhenSinkFull(t *testing.T) {
	sink := newFakeSink(1)
	s := NewServer(sink, "", nil)
	s.SendWait = 10 * time.Millisecond
	conn := dial(t, s)
	writeMsg(t, conn, hello(""))
	var w protocol.WelcomeMsg
	readMsg(t, conn, &w)

	players := `{"type":"PLAYERS","players":[]}`
	writeMsg(t, conn, players)
	writeMsg(t, conn, players)
	var e protocol.ErrorMsg
	readMsg(t, conn, &e)
	if e.Code != protocol.ErrBusy {
		t.Fatalf("error = %+v", e)
	}
}

func TestServer_BusyAfterSinkCloses(t *testing.T) {
	sink := &closingSink{fakeSink: newFakeSink(4)}
	conn := dial(t, NewServer(sink, "", nil))
	writeMsg(t, conn, hello(""))
	var w protocol.WelcomeMsg
	readMsg(t, conn, &w)

	writeMsg(t, conn, `{"type":"CHUNK_ENTERED","world":"world","chunk_x":3,"chunk_z":3}`)
	select {
	case <-sink.chunks:
	case <-time.After(3 * time.Second):
		t.Fatalf("chunk event not forwarded while open")
	}

	sink.closed.Store(true)
	writeMsg(t, conn, `{"type":"CHUNK_ENTERED","world":"world","chunk_x":9,"chunk_z":9}`)
	var e protocol.ErrorMsg
	readMsg(t, conn, &e)
	if e.Code != protocol.ErrBusy {
		t.Fatalf("error = %+v", e)
	}
	if n := len(sink.chunks); n != 0 {
		t.Fatalf("%d events queued after close", n)
	}
}

func TestServer_RejectsBadToken(t *testing.T) {
	conn := dial(t, NewServer(newFakeSink(1), "secret", nil))
	writeMsg(t, conn, hello("nope"))
	var e protocol.ErrorMsg
	readMsg(t, conn, &e)
	if e.Code != protocol.ErrUnauthorized {
		t.Fatalf("error = %+v", e)
	}
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatalf("expected close after bad token")
	}
}
