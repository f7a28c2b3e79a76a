package webrpc

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func newCalcWebSocketServer(t *testing.T) (url string) {
	t.Helper()
	def := NewServiceDef("calc", func(*Session) *Object {
		return NewObject().Handle("add", func(a, b float64) float64 { return a + b })
	})
	h := NewWebSocketHandler(func(s *Session) {
		if err := s.RegisterService(def); err != nil {
			t.Error(err)
		}
	}, &WebSocketHandlerConfig{AssignSessionIDs: true})
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWebSocketEndToEnd(t *testing.T) {
	url := newCalcWebSocketServer(t)
	sock := DialSocket(url, &SocketConfig{ReconnectTime: 10 * time.Millisecond})
	ch := NewSocketChannel(sock)
	ses := NewSession(ch, nil)
	t.Cleanup(func() { ses.Close() })

	ctx := testContext(t)
	svc, err := ses.GetRemoteService(ctx, "calc")
	assertNoError(t, err)
	var sum float64
	assertNoError(t, svc.Call(ctx, "add", &sum, 19, 23))
	assertEq(t, 42.0, sum)

	// The server assigned a session ID via the control frame.
	waitFor(t, time.Second, func() bool { return sock.SessionID() != "" }, "session ID assignment")
}

func TestServiceClientOverWebSocket(t *testing.T) {
	url := newCalcWebSocketServer(t)
	client := NewServiceClient("calc", url, nil)
	t.Cleanup(func() { client.Close() })
	var sum float64
	assertNoError(t, client.Call(testContext(t), "add", &sum, 1, 2))
	assertEq(t, 3.0, sum)
}
