package ws

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"explora.ai/internal/protocol"
)

// EventSink receives decoded game events. The channels belong to the
// tracker's main loop.
type EventSink interface {
	ChunkEntered() chan<- protocol.ChunkEnteredMsg
	BlockChanged() chan<- protocol.BlockChangedMsg
	Players() chan<- protocol.PlayersMsg
	Status() chan<- protocol.StatusMsg
}

// Gate is implemented by sinks that stop taking events when they shut
// down. Enter reports whether the sink is still open; every true result is
// paired with one Leave after the hand-over.
type Gate interface {
	Enter() bool
	Leave()
}

const (
	defaultSendWait = 2 * time.Second
	readTimeout     = 90 * time.Second
	writeTimeout    = 5 * time.Second
)

type Server struct {
	sink  EventSink
	log   *log.Logger
	token string

	// EditThreshold is advertised in WELCOME.
	EditThreshold int
	// SendWait bounds how long a message waits for room in the sink.
	SendWait time.Duration
	// OnMessage, when set, sees the type of every accepted event.
	OnMessage func(typ string)

	upgrader websocket.Upgrader
}

// NewServer builds an ingest server. An empty token disables auth.
func NewServer(sink EventSink, token string, logger *log.Logger) *Server {
	return &Server{
		sink:     sink,
		log:      logger,
		token:    strings.TrimSpace(token),
		SendWait: defaultSendWait,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 16 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

func (s *Server) printf(format string, args ...any) {
	if s.log != nil {
		s.log.Printf(format, args...)
	}
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		session, out := s.handshake(conn)
		if session == "" {
			return
		}
		s.printf("ingest: session %s connected from %s", session, r.RemoteAddr)

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		// Writer goroutine.
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case b := <-out:
					_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						cancel()
						return
					}
				}
			}
		}()

		for {
			_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			if e := s.dispatch(ctx, msg); e != nil {
				b, _ := json.Marshal(e)
				select {
				case out <- b:
				default:
				}
			}
		}
		s.printf("ingest: session %s closed", session)
	}
}

// dispatch validates one message and forwards it. A non-nil result is the
// error reply; the connection stays open either way.
func (s *Server) dispatch(ctx context.Context, msg []byte) *protocol.ErrorMsg {
	reject := func(code, text string) *protocol.ErrorMsg {
		e := protocol.NewError(code, text)
		return &e
	}
	base, err := protocol.DecodeBase(msg)
	if err != nil {
		return reject(protocol.ErrBadRequest, "invalid json")
	}
	if !protocol.HasSchema(base.Type) || base.Type == protocol.TypeHello {
		return reject(protocol.ErrUnknownType, "unknown type "+base.Type)
	}
	if base.ProtocolVersion != "" && base.ProtocolVersion != protocol.Version {
		return reject(protocol.ErrProtoBadRequest, "bad protocol_version")
	}
	if err := protocol.Validate(base.Type, msg); err != nil {
		return reject(protocol.ErrBadRequest, err.Error())
	}

	if g, ok := s.sink.(Gate); ok {
		if !g.Enter() {
			return reject(protocol.ErrBusy, "tracker shutting down")
		}
		defer g.Leave()
	}

	var sent bool
	switch base.Type {
	case protocol.TypeChunkEntered:
		var m protocol.ChunkEnteredMsg
		if err := json.Unmarshal(msg, &m); err != nil {
			return reject(protocol.ErrBadRequest, err.Error())
		}
		sent = send(ctx, s.sink.ChunkEntered(), m, s.SendWait)
	case protocol.TypeBlockChanged:
		var m protocol.BlockChangedMsg
		if err := json.Unmarshal(msg, &m); err != nil {
			return reject(protocol.ErrBadRequest, err.Error())
		}
		sent = send(ctx, s.sink.BlockChanged(), m, s.SendWait)
	case protocol.TypePlayers:
		var m protocol.PlayersMsg
		if err := json.Unmarshal(msg, &m); err != nil {
			return reject(protocol.ErrBadRequest, err.Error())
		}
		sent = send(ctx, s.sink.Players(), m, s.SendWait)
	case protocol.TypeStatus:
		var m protocol.StatusMsg
		if err := json.Unmarshal(msg, &m); err != nil {
			return reject(protocol.ErrBadRequest, err.Error())
		}
		sent = send(ctx, s.sink.Status(), m, s.SendWait)
	}
	if !sent {
		return reject(protocol.ErrBusy, "tracker queue full")
	}
	if s.OnMessage != nil {
		s.OnMessage(base.Type)
	}
	return nil
}

func send[T any](ctx context.Context, ch chan<- T, v T, wait time.Duration) bool {
	select {
	case ch <- v:
		return true
	default:
	}
	if wait <= 0 {
		return false
	}
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case ch <- v:
		return true
	case <-t.C:
		return false
	case <-ctx.Done():
		return false
	}
}

func (s *Server) handshake(conn *websocket.Conn) (session string, out chan []byte) {
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return "", nil
	}

	base, err := protocol.DecodeBase(msg)
	if err != nil || base.Type != protocol.TypeHello {
		closeWith(conn, "expected HELLO")
		return "", nil
	}
	if err := protocol.Validate(protocol.TypeHello, msg); err != nil {
		_ = writeJSON(conn, protocol.NewError(protocol.ErrProtoBadRequest, err.Error()))
		closeWith(conn, "bad HELLO")
		return "", nil
	}
	var hello protocol.HelloMsg
	if err := json.Unmarshal(msg, &hello); err != nil {
		return "", nil
	}
	if hello.ProtocolVersion != protocol.Version {
		closeWith(conn, "bad protocol_version")
		return "", nil
	}
	if s.token != "" {
		got := ""
		if hello.Auth != nil {
			got = strings.TrimSpace(hello.Auth.Token)
		}
		if got != s.token {
			_ = writeJSON(conn, protocol.NewError(protocol.ErrUnauthorized, "bad token"))
			closeWith(conn, "unauthorized")
			return "", nil
		}
	}

	maxQ := hello.MaxQueue
	if maxQ <= 0 {
		maxQ = 8
	}
	if maxQ > 64 {
		maxQ = 64
	}
	out = make(chan []byte, maxQ)

	session = uuid.NewString()
	welcome := protocol.WelcomeMsg{
		Type:            protocol.TypeWelcome,
		ProtocolVersion: protocol.Version,
		SessionID:       session,
		EditThreshold:   s.EditThreshold,
	}
	if err := writeJSON(conn, welcome); err != nil {
		return "", nil
	}
	if hello.ServerName != "" {
		s.printf("ingest: hello from %q", hello.ServerName)
	}
	return session, out
}

func closeWith(conn *websocket.Conn, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason), time.Now().Add(time.Second))
}

func writeJSON(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, b)
}
