package wstransport

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/autobridge/autobridge/broker"
	"github.com/autobridge/autobridge/protocol"
	"github.com/autobridge/autobridge/registry"
	"github.com/autobridge/autobridge/router"
	"github.com/autobridge/autobridge/security"
)

type allowAllGate struct {
	blockConn string
}

func (g *allowAllGate) CheckConnection(sourceIP string) security.Decision {
	if g.blockConn != "" {
		return security.Decision{Reason: g.blockConn}
	}
	return security.Decision{Allowed: true}
}

func (g *allowAllGate) CheckMessage(clientID string, env *protocol.Envelope, rawSize int, sourceIP string) security.Decision {
	return security.Decision{Allowed: true}
}

func (g *allowAllGate) Disconnect(clientID string) {}

func (g *allowAllGate) Authenticate(clientID, role, token, sourceIP string) (string, protocol.Role, error) {
	return "tok", protocol.RoleScheduler, nil
}

func newTestServer(t *testing.T, gate *allowAllGate) (*httptest.Server, *registry.Registry) {
	t.Helper()
	reg := registry.New(nil)
	rt := router.New(reg, gate, "test", nil)
	h := broker.NewHandler(reg, gate, rt, nil)
	s := New(":0", h, nil)

	ts := httptest.NewServer(http.HandlerFunc(s.serveWS))
	t.Cleanup(ts.Close)
	return ts, reg
}

func dial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestServer_RequestAnsweredOverSocket(t *testing.T) {
	ts, reg := newTestServer(t, &allowAllGate{})
	conn := dial(t, ts)

	req := protocol.NewRequest("r1", "server.ping", nil)
	raw, err := req.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		t.Fatalf("write: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	reply, err := protocol.Decode(data)
	if err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if reply.Type != protocol.TypeResponse || reply.ID != "r1" {
		t.Fatalf("reply = %+v, want response for r1", reply)
	}
	if reg.Len() != 1 {
		t.Fatalf("registry size = %d, want 1", reg.Len())
	}
}

func TestServer_BlockedPeerGetsPolicyClose(t *testing.T) {
	ts, reg := newTestServer(t, &allowAllGate{blockConn: "IP not in allow-list"})
	conn := dial(t, ts)

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := conn.ReadMessage()
	closeErr, ok := err.(*websocket.CloseError)
	if !ok {
		t.Fatalf("read err = %v, want close error", err)
	}
	if closeErr.Code != websocket.ClosePolicyViolation {
		t.Fatalf("close code = %d, want %d", closeErr.Code, websocket.ClosePolicyViolation)
	}
	if reg.Len() != 0 {
		t.Fatal("blocked peer must not be registered")
	}
}

func TestServer_PeerCloseUnregisters(t *testing.T) {
	ts, reg := newTestServer(t, &allowAllGate{})
	conn := dial(t, ts)

	// Confirm registration by round-tripping a frame first.
	raw, _ := protocol.NewRequest("r1", "server.ping", nil).Encode()
	_ = conn.WriteMessage(websocket.TextMessage, raw)
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := conn.ReadMessage(); err != nil {
		t.Fatalf("read: %v", err)
	}

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done")
	_ = conn.WriteMessage(websocket.CloseMessage, msg)
	conn.Close()

	deadline := time.Now().Add(5 * time.Second)
	for reg.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("registry size = %d after close, want 0", reg.Len())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRemoteIP(t *testing.T) {
	cases := []struct {
		remoteAddr string
		want       string
	}{
		{"10.0.0.5:48211", "10.0.0.5"},
		{"[::1]:9999", "::1"},
		{"noport", "noport"},
	}
	for _, tc := range cases {
		r := &http.Request{RemoteAddr: tc.remoteAddr}
		if got := remoteIP(r); got != tc.want {
			t.Fatalf("remoteIP(%q) = %q, want %q", tc.remoteAddr, got, tc.want)
		}
	}
}
