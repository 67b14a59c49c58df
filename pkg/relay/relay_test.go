package relay

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type fakeEnsurer struct {
	err   error
	calls int
}

func (f *fakeEnsurer) Ensure(context.Context) error {
	f.calls++
	return f.err
}

// fakeGateway is an in-container gateway stand-in: an echo server that
// records the handshake query and the close frame it receives.
type fakeGateway struct {
	srv *httptest.Server

	mu        sync.Mutex
	lastQuery string
	closeCode int
	closeText string
	closed    chan struct{}
}

func newFakeGateway(t *testing.T) *fakeGateway {
	t.Helper()
	g := &fakeGateway{closed: make(chan struct{})}
	upgrader := websocket.Upgrader{}
	g.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		g.mu.Lock()
		g.lastQuery = r.URL.RawQuery
		g.mu.Unlock()
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			messageType, data, err := conn.ReadMessage()
			if err != nil {
				g.mu.Lock()
				if ce, ok := err.(*websocket.CloseError); ok {
					g.closeCode = ce.Code
					g.closeText = ce.Text
				}
				g.mu.Unlock()
				close(g.closed)
				return
			}
			if err := conn.WriteMessage(messageType, data); err != nil {
				close(g.closed)
				return
			}
		}
	}))
	t.Cleanup(g.srv.Close)
	return g
}

func (g *fakeGateway) wsURL() string {
	return "ws" + strings.TrimPrefix(g.srv.URL, "http")
}

func (g *fakeGateway) query() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastQuery
}

func (g *fakeGateway) closeFrame(t *testing.T) (int, string) {
	t.Helper()
	select {
	case <-g.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("gateway never saw the session end")
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closeCode, g.closeText
}

func newTestBridge(t *testing.T, gateway *fakeGateway, ensure GatewayEnsurer) *httptest.Server {
	t.Helper()
	cfg := Config{
		ExternalToken: "outer-secret",
		InternalURL:   gateway.wsURL() + "?token=stale",
		InternalToken: "inner-token",
	}
	srv := httptest.NewServer(New(cfg, ensure))
	t.Cleanup(srv.Close)
	return srv
}

func dialBridge(t *testing.T, srv *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatalf("dial bridge: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestRejectsNonUpgradeRequest(t *testing.T) {
	gateway := newFakeGateway(t)
	srv := newTestBridge(t, gateway, &fakeEnsurer{})

	resp, err := http.Get(srv.URL + "?token=outer-secret")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusBadRequest)
	}
}

func TestRejectsBadExternalToken(t *testing.T) {
	gateway := newFakeGateway(t)
	ensure := &fakeEnsurer{}
	srv := newTestBridge(t, gateway, ensure)

	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "?token=wrong"
	_, resp, err := websocket.DefaultDialer.Dial(u, nil)
	if err == nil {
		t.Fatal("dial with a bad token succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Errorf("resp = %+v, want 403", resp)
	}
	if ensure.calls != 0 {
		t.Errorf("gateway ensured %d times before auth", ensure.calls)
	}
}

func TestGatewayUnavailable(t *testing.T) {
	gateway := newFakeGateway(t)
	srv := newTestBridge(t, gateway, &fakeEnsurer{err: fmt.Errorf("no such container")})

	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "?token=outer-secret"
	_, resp, err := websocket.DefaultDialer.Dial(u, nil)
	if err == nil {
		t.Fatal("dial succeeded with the gateway down")
	}
	if resp == nil || resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("resp = %+v, want 502", resp)
	}
}

func TestDialFailureIncludesDiagnosticBody(t *testing.T) {
	// An internal endpoint that refuses the upgrade with a plain error.
	internal := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gateway booting", http.StatusServiceUnavailable)
	}))
	defer internal.Close()

	cfg := Config{
		ExternalToken: "outer-secret",
		InternalURL:   "ws" + strings.TrimPrefix(internal.URL, "http"),
		InternalToken: "inner-token",
	}
	srv := httptest.NewServer(New(cfg, &fakeEnsurer{}))
	defer srv.Close()

	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "?token=outer-secret"
	_, resp, err := websocket.DefaultDialer.Dial(u, nil)
	if err == nil {
		t.Fatal("dial succeeded against a non-websocket internal endpoint")
	}
	if resp == nil || resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("resp = %+v, want 502", resp)
	}
	body := make([]byte, 512)
	n, _ := resp.Body.Read(body)
	if !strings.Contains(string(body[:n]), "gateway booting") {
		t.Errorf("diagnostic body missing from %q", body[:n])
	}
}

func TestRelayEchoRoundTrip(t *testing.T) {
	gateway := newFakeGateway(t)
	srv := newTestBridge(t, gateway, &fakeEnsurer{})
	conn := dialBridge(t, srv, "outer-secret")

	for _, msg := range []string{"hello", "world", `{"type":"req"}`} {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
			t.Fatalf("write: %v", err)
		}
		_, echoed, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if string(echoed) != msg {
			t.Errorf("echo = %q, want %q", echoed, msg)
		}
	}
}

func TestHandshakeRewrite(t *testing.T) {
	gateway := newFakeGateway(t)
	srv := newTestBridge(t, gateway, &fakeEnsurer{})
	conn := dialBridge(t, srv, "outer-secret")

	// Force the handshake to complete before inspecting it.
	conn.WriteMessage(websocket.TextMessage, []byte("ping"))
	conn.ReadMessage()

	query := gateway.query()
	if !strings.Contains(query, "token=inner-token") {
		t.Errorf("internal handshake %q missing internal token", query)
	}
	if strings.Contains(query, "outer-secret") || strings.Contains(query, "stale") {
		t.Errorf("internal handshake %q leaks an external token", query)
	}
}

func TestClosePropagatesCodeAndReason(t *testing.T) {
	gateway := newFakeGateway(t)
	srv := newTestBridge(t, gateway, &fakeEnsurer{})
	conn := dialBridge(t, srv, "outer-secret")

	msg := websocket.FormatCloseMessage(4001, "done here")
	if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); err != nil {
		t.Fatalf("send close: %v", err)
	}

	code, text := gateway.closeFrame(t)
	if code != 4001 || text != "done here" {
		t.Errorf("gateway saw close (%d, %q), want (4001, %q)", code, text, "done here")
	}
}

func TestAbruptDisconnectForcesAbnormalClose(t *testing.T) {
	gateway := newFakeGateway(t)
	srv := newTestBridge(t, gateway, &fakeEnsurer{})
	conn := dialBridge(t, srv, "outer-secret")

	// Kill the TCP connection without a close handshake.
	conn.UnderlyingConn().Close()

	code, _ := gateway.closeFrame(t)
	if code != abnormalCloseCode {
		t.Errorf("gateway saw close code %d, want %d", code, abnormalCloseCode)
	}
}

func TestTruncateReason(t *testing.T) {
	long := strings.Repeat("x", 300)
	if got := TruncateReason(long); len(got) != maxCloseReason {
		t.Errorf("len = %d, want %d", len(got), maxCloseReason)
	}
	if got := TruncateReason("short"); got != "short" {
		t.Errorf("short reason changed: %q", got)
	}
}

func TestInternalURLRewrite(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{
			name: "substitutes internal token",
			cfg:  Config{InternalURL: "ws://127.0.0.1:18789/ws?token=ext", InternalToken: "in"},
			want: "ws://127.0.0.1:18789/ws?token=in",
		},
		{
			name: "strips token when no internal token is set",
			cfg:  Config{InternalURL: "ws://127.0.0.1:18789/ws?token=ext"},
			want: "ws://127.0.0.1:18789/ws",
		},
		{
			name: "keeps unrelated params",
			cfg:  Config{InternalURL: "ws://h/ws?v=2&token=ext", InternalToken: "in"},
			want: "ws://h/ws?token=in&v=2",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			b := New(tc.cfg, &fakeEnsurer{})
			got, err := b.internalURL()
			if err != nil {
				t.Fatal(err)
			}
			if got != tc.want {
				t.Errorf("internalURL = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestPeerRefusesSendAfterClose(t *testing.T) {
	gateway := newFakeGateway(t)
	srv := newTestBridge(t, gateway, &fakeEnsurer{})
	conn := dialBridge(t, srv, "outer-secret")

	p := newPeer(conn)
	p.close(websocket.CloseNormalClosure, "bye")
	if err := p.send(websocket.TextMessage, []byte("late")); err == nil {
		t.Fatal("send succeeded on a closed peer")
	}
	// close is idempotent.
	p.close(websocket.CloseNormalClosure, "again")
}
