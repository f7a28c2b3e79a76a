package webrpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
)

// WireConn is one short-lived underlying connection of a durable socket.
// *websocket.Conn is adapted automatically; tests supply fakes.
type WireConn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// DialFunc produces a fresh WireConn for each connection attempt.
type DialFunc func(ctx context.Context, url string) (WireConn, error)

// SocketConfig tunes a durable socket. Zero values take the defaults noted
// per field.
type SocketConfig struct {
	// Dial creates underlying connections. Defaults to a gorilla/websocket
	// dialer.
	Dial DialFunc

	// ReconnectTime is the initial backoff delay (default 500ms), growing
	// by a factor of 1.5 per failed attempt up to MaxReconnectTime
	// (default 30s), plus uniform random jitter (default 5%).
	ReconnectTime    time.Duration
	MaxReconnectTime time.Duration
	Jitter           float64

	// MaxAttempts caps consecutive failed connection attempts before the
	// socket declares terminal failure with code 503. 0 means retry
	// forever.
	MaxAttempts int

	// KeepAlive enables application-level ping frames every PingInterval
	// (default 10s); missing pongs for PingKeepAliveInterval (default
	// 25s) forces a reconnect.
	KeepAlive             bool
	PingInterval          time.Duration
	PingKeepAliveInterval time.Duration

	Logger *slog.Logger
}

func (c *SocketConfig) withDefaults() SocketConfig {
	out := SocketConfig{}
	if c != nil {
		out = *c
	}
	if out.Dial == nil {
		out.Dial = DialWebSocket
	}
	if out.ReconnectTime <= 0 {
		out.ReconnectTime = 500 * time.Millisecond
	}
	if out.MaxReconnectTime <= 0 {
		out.MaxReconnectTime = 30 * time.Second
	}
	if out.Jitter <= 0 {
		out.Jitter = 0.05
	}
	if out.PingInterval <= 0 {
		out.PingInterval = 10 * time.Second
	}
	if out.PingKeepAliveInterval <= 0 {
		out.PingKeepAliveInterval = 25 * time.Second
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	return out
}

// DialWebSocket is the default DialFunc, connecting over
// gorilla/websocket with text frames.
func DialWebSocket(ctx context.Context, url string) (WireConn, error) {
	c, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return &wsConn{c: c}, nil
}

type wsConn struct {
	c *websocket.Conn
}

func (w *wsConn) ReadMessage() ([]byte, error) {
	_, data, err := w.c.ReadMessage()
	return data, err
}

func (w *wsConn) WriteMessage(data []byte) error {
	return w.c.WriteMessage(websocket.TextMessage, data)
}

func (w *wsConn) Close() error { return w.c.Close() }

// Socket wraps a short-lived connection factory into a long-lived endpoint:
// exponential backoff reconnects, a FIFO send queue during outages,
// application-level keep-alive, and session-ID continuity across
// reconnects.
type Socket struct {
	cfg SocketConfig
	url string
	log *slog.Logger

	mu         sync.Mutex
	wmu        sync.Mutex // serializes writes on the current conn
	conn       WireConn
	gen        int
	queue      [][]byte
	sessionID  string
	attempts   int
	everOpened bool
	closed     bool
	err        error

	pongMu   sync.Mutex
	lastPong time.Time

	ready    *Gate
	opened   Event[struct{}]
	restored Event[struct{}]
	lost     Event[string]
	closedEv Event[error]
	messages Event[[]byte]
	done     chan struct{}
}

// DialSocket creates a durable socket for url and starts connecting
// immediately.
func DialSocket(url string, cfg *SocketConfig) *Socket {
	c := cfg.withDefaults()
	s := &Socket{
		cfg:   c,
		url:   url,
		log:   c.Logger,
		ready: NewGate(false),
		done:  make(chan struct{}),
	}
	go s.run()
	return s
}

// Opened fires once, on the first successful connect.
func (s *Socket) Opened() *Event[struct{}] { return &s.opened }

// Restored fires on every reconnect after the first open.
func (s *Socket) Restored() *Event[struct{}] { return &s.restored }

// Lost fires on every transition out of connected, with a reason.
func (s *Socket) Lost() *Event[string] { return &s.lost }

// Closed fires once, on terminal shutdown. The payload is nil for a local
// Close and a *SocketError after the reconnect budget is exhausted.
func (s *Socket) Closed() *Event[error] { return &s.closedEv }

// Messages is the stream of inbound frames, control frames excluded.
func (s *Socket) Messages() *Event[[]byte] { return &s.messages }

// Ready resolves on every transition into connected and resets on every
// loss.
func (s *Socket) Ready() *Gate { return s.ready }

// SessionID returns the server-assigned session ID, if any.
func (s *Socket) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// Err returns the terminal error, if the socket failed.
func (s *Socket) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Send transmits a frame, or queues it while disconnected; the queue
// drains in FIFO order on reconnect before any subsequent send.
func (s *Socket) Send(m []byte) error {
	s.mu.Lock()
	if s.err != nil {
		s.mu.Unlock()
		return s.err
	}
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("socket: %w", ErrClosed)
	}
	conn := s.conn
	if conn == nil {
		s.queue = append(s.queue, m)
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()
	if err := s.writeTo(conn, m); err != nil {
		// Keep the frame; the read loop notices the dead socket and the
		// queue drains after reconnect.
		s.mu.Lock()
		s.queue = append(s.queue, m)
		s.mu.Unlock()
		conn.Close()
	}
	return nil
}

// Reconnect forcibly closes the underlying socket to trigger the reconnect
// path.
func (s *Socket) Reconnect() {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// Close shuts the socket down for good.
func (s *Socket) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	close(s.done)
	if conn != nil {
		conn.Close()
	}
	s.ready.Shut()
	s.closedEv.Emit(nil)
	return nil
}

func (s *Socket) fail(err *SocketError) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.err = err
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	close(s.done)
	if conn != nil {
		conn.Close()
	}
	s.ready.Shut()
	s.log.Error("durable socket failed", "url", s.url, "error", err)
	s.closedEv.Emit(err)
}

func (s *Socket) connectURL() string {
	s.mu.Lock()
	id := s.sessionID
	s.mu.Unlock()
	if id == "" {
		return s.url
	}
	sep := "?"
	if strings.Contains(s.url, "?") {
		sep = "&"
	}
	return s.url + sep + "sessionId=" + id
}

func (s *Socket) backoff(attempt int) time.Duration {
	d := float64(s.cfg.ReconnectTime) * math.Pow(1.5, float64(attempt-1))
	if max := float64(s.cfg.MaxReconnectTime); d > max {
		d = max
	}
	d *= 1 + rand.Float64()*s.cfg.Jitter
	return time.Duration(d)
}

func (s *Socket) run() {
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()

		conn, err := s.cfg.Dial(context.Background(), s.connectURL())
		if err != nil {
			s.mu.Lock()
			s.attempts++
			n := s.attempts
			s.mu.Unlock()
			if s.cfg.MaxAttempts > 0 && n >= s.cfg.MaxAttempts {
				s.fail(&SocketError{Code: 503, Reason: fmt.Sprintf("giving up after %d attempts: %v", n, err)})
				return
			}
			s.log.Debug("connect failed", "url", s.url, "attempt", n, "error", err)
			select {
			case <-time.After(s.backoff(n)):
			case <-s.done:
				return
			}
			continue
		}

		gen, ok := s.adopt(conn)
		if !ok {
			conn.Close()
			return
		}
		if gen == 0 {
			// Queue drain failed; dial a fresh connection.
			continue
		}
		reason := s.serveConn(conn, gen)
		if !s.teardown(conn, gen, reason) {
			// Close event for a socket that is no longer the current one:
			// racy overlap during reconnect, ignore.
			continue
		}
		s.mu.Lock()
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return
		}
		s.lost.Emit(reason)
	}
}

// adopt installs conn as the current connection after draining the send
// queue, then opens the ready gate.
func (s *Socket) adopt(conn WireConn) (int, bool) {
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return 0, false
		}
		if len(s.queue) == 0 {
			s.conn = conn
			s.gen++
			gen := s.gen
			s.attempts = 0
			first := !s.everOpened
			s.everOpened = true
			s.mu.Unlock()
			s.pongMu.Lock()
			s.lastPong = time.Now()
			s.pongMu.Unlock()
			s.ready.Open()
			if first {
				s.opened.Emit(struct{}{})
			} else {
				s.restored.Emit(struct{}{})
			}
			return gen, true
		}
		batch := s.queue
		s.queue = nil
		s.mu.Unlock()
		for i, m := range batch {
			if err := s.writeTo(conn, m); err != nil {
				s.mu.Lock()
				s.queue = append(batch[i:], s.queue...)
				s.mu.Unlock()
				s.log.Debug("queue drain failed", "error", err)
				conn.Close()
				// Let adopt succeed on the next connection.
				select {
				case <-time.After(s.backoff(1)):
				case <-s.done:
					return 0, false
				}
				return 0, true
			}
		}
	}
}

// teardown clears the current connection if conn still is it. Returns
// false for stale connections.
func (s *Socket) teardown(conn WireConn, gen int, reason string) bool {
	conn.Close()
	s.mu.Lock()
	if s.gen != gen || s.conn != conn {
		s.mu.Unlock()
		return false
	}
	s.conn = nil
	s.mu.Unlock()
	s.ready.Shut()
	return true
}

// serveConn pumps conn until it dies, handling control frames and
// keep-alive. Returns the loss reason.
func (s *Socket) serveConn(conn WireConn, gen int) string {
	g, gctx := errgroup.WithContext(context.Background())
	var kaMu sync.Mutex
	kaTimedOut := false

	g.Go(func() error {
		for {
			data, err := conn.ReadMessage()
			if err != nil {
				return fmt.Errorf("read: %w", err)
			}
			if s.handleControl(conn, data) {
				continue
			}
			s.messages.Emit(data)
		}
	})

	g.Go(func() error {
		if !s.cfg.KeepAlive {
			<-gctx.Done()
			return nil
		}
		ticker := time.NewTicker(s.cfg.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				s.pongMu.Lock()
				stale := time.Since(s.lastPong) > s.cfg.PingKeepAliveInterval
				s.pongMu.Unlock()
				if stale {
					kaMu.Lock()
					kaTimedOut = true
					kaMu.Unlock()
					conn.Close()
					return errors.New("keep-alive timeout")
				}
				if err := s.writeTo(conn, []byte(`{"type":"ping"}`)); err != nil {
					return fmt.Errorf("ping: %w", err)
				}
			}
		}
	})

	err := g.Wait()
	kaMu.Lock()
	timedOut := kaTimedOut
	kaMu.Unlock()
	if timedOut {
		return "keep-alive timeout"
	}
	if err == nil {
		return "connection closed"
	}
	return err.Error()
}

// handleControl consumes socket-level control frames. Returns true when
// the frame must not propagate upward.
func (s *Socket) handleControl(conn WireConn, data []byte) bool {
	var ctrl struct {
		Type string `json:"type"`
		ID   string `json:"id"`
	}
	if json.Unmarshal(data, &ctrl) != nil {
		return false
	}
	switch ctrl.Type {
	case "setSessionId":
		s.mu.Lock()
		s.sessionID = ctrl.ID
		s.mu.Unlock()
		return true
	case "ping":
		if err := s.writeTo(conn, []byte(`{"type":"pong"}`)); err != nil {
			s.log.Debug("pong write failed", "error", err)
		}
		return true
	case "pong":
		s.pongMu.Lock()
		s.lastPong = time.Now()
		s.pongMu.Unlock()
		return true
	}
	return false
}

func (s *Socket) writeTo(conn WireConn, m []byte) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	return conn.WriteMessage(m)
}
