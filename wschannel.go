package webrpc

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// SocketChannel rides a durable socket, surfacing its readiness and losses
// to the session. Frames sent while disconnected queue inside the socket.
type SocketChannel struct {
	sock *Socket
}

// NewSocketChannel wraps an existing durable socket.
func NewSocketChannel(sock *Socket) *SocketChannel {
	return &SocketChannel{sock: sock}
}

// Socket returns the underlying durable socket.
func (c *SocketChannel) Socket() *Socket { return c.sock }

func (c *SocketChannel) Send(ctx context.Context, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.sock.Send(frame)
}

func (c *SocketChannel) Received() *Event[[]byte] { return c.sock.Messages() }

func (c *SocketChannel) Ready() *Gate { return c.sock.Ready() }

func (c *SocketChannel) StateLost() *Event[string] { return c.sock.Lost() }

func (c *SocketChannel) Close() error { return c.sock.Close() }

// -------------------------------------------------------------------------
// Server side

// WebSocketHandlerConfig tunes the HTTP endpoint serving one session per
// websocket connection.
type WebSocketHandlerConfig struct {
	// Session configures each accepted session; nil means defaults.
	Session *SessionConfig

	// AssignSessionIDs sends a setSessionId control frame on every accept
	// so durable clients keep their identity across reconnects. The ID
	// from the connect URL's sessionId parameter is honored when present.
	AssignSessionIDs bool

	// Upgrader overrides the default websocket upgrader.
	Upgrader *websocket.Upgrader

	Logger *slog.Logger
}

// NewWebSocketHandler returns an http.Handler that upgrades each request
// to a websocket and runs a session over it. onSession is called with
// every accepted session, typically to register services:
//
//	http.Handle("/webrpc", webrpc.NewWebSocketHandler(func(s *webrpc.Session) {
//		s.RegisterService(def)
//	}, nil))
func NewWebSocketHandler(onSession func(*Session), cfg *WebSocketHandlerConfig) http.Handler {
	c := WebSocketHandlerConfig{}
	if cfg != nil {
		c = *cfg
	}
	if c.Upgrader == nil {
		c.Upgrader = &websocket.Upgrader{}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := c.Upgrader.Upgrade(w, r, nil)
		if err != nil {
			c.Logger.Debug("websocket upgrade failed", "error", err)
			return
		}
		ch := newWSServerChannel(conn)
		if c.AssignSessionIDs {
			id := r.URL.Query().Get("sessionId")
			if id == "" {
				id = uuid.NewString()
			}
			frame := fmt.Sprintf(`{"type":"setSessionId","id":%q}`, id)
			if err := ch.Send(r.Context(), []byte(frame)); err != nil {
				c.Logger.Debug("setSessionId send failed", "error", err)
			}
		}
		s := NewSession(ch, c.Session)
		ch.StateLost().Subscribe(func(string) {
			s.Close()
		})
		if onSession != nil {
			onSession(s)
		}
		ch.serve()
	})
}

// wsServerChannel adapts one accepted websocket connection. Server sessions
// have no durability of their own: when the connection dies the session
// dies with it, and a reconnecting client gets a fresh one.
type wsServerChannel struct {
	wmu      sync.Mutex
	conn     *websocket.Conn
	received Event[[]byte]
	lost     Event[string]
	closemu  sync.Mutex
	closed   bool
}

func newWSServerChannel(conn *websocket.Conn) *wsServerChannel {
	return &wsServerChannel{conn: conn}
}

func (c *wsServerChannel) serve() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.closemu.Lock()
			closed := c.closed
			c.closemu.Unlock()
			if !closed {
				c.lost.Emit(fmt.Sprintf("websocket read: %v", err))
			}
			return
		}
		c.received.Emit(data)
	}
}

func (c *wsServerChannel) Send(ctx context.Context, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, frame)
}

func (c *wsServerChannel) Received() *Event[[]byte] { return &c.received }

func (c *wsServerChannel) StateLost() *Event[string] { return &c.lost }

func (c *wsServerChannel) Close() error {
	c.closemu.Lock()
	if c.closed {
		c.closemu.Unlock()
		return nil
	}
	c.closed = true
	c.closemu.Unlock()
	return c.conn.Close()
}
