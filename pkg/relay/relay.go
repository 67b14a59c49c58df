// Package relay tunnels an externally-initiated websocket connection
// through to the in-container gateway's websocket endpoint. Messages are
// relayed verbatim in both directions; the inbound handshake is rewritten
// so the gateway sees its own token scheme instead of the external shared
// secret.
package relay

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/keelson-run/keelson/pkg/log"
)

const (
	// maxCloseReason is the websocket limit on a close frame's reason
	// text: 125 payload bytes minus the 2-byte status code.
	maxCloseReason = 123

	// abnormalCloseCode is sent to the surviving side when its peer
	// errors rather than closing cleanly. 1006 is reserved and cannot go
	// on the wire, so runtime errors surface as 1011.
	abnormalCloseCode = websocket.CloseInternalServerErr

	writeWait        = 10 * time.Second
	handshakeTimeout = 10 * time.Second
)

// GatewayEnsurer brings the in-container gateway up before a session is
// tunneled to it.
type GatewayEnsurer interface {
	Ensure(ctx context.Context) error
}

// Config configures a Bridge.
type Config struct {
	// ExternalToken is the shared secret expected in the inbound request's
	// token query parameter. Empty disables the check (the outer auth
	// layer is then the only guard).
	ExternalToken string
	// InternalURL is the gateway's websocket endpoint, ws scheme.
	InternalURL string
	// InternalToken is substituted for the external secret when dialing
	// the gateway.
	InternalToken string
}

// Bridge is the duplex-upgrade entry point.
type Bridge struct {
	cfg      Config
	ensure   GatewayEnsurer
	upgrader websocket.Upgrader

	dial func(ctx context.Context, url string) (*websocket.Conn, *http.Response, error)
}

// New returns a Bridge relaying to cfg.InternalURL.
func New(cfg Config, ensure GatewayEnsurer) *Bridge {
	return &Bridge{
		cfg:    cfg,
		ensure: ensure,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: handshakeTimeout,
			// The outer layer owns origin policy; the bridge relays for
			// whatever it lets through.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		dial: func(ctx context.Context, u string) (*websocket.Conn, *http.Response, error) {
			d := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
			return d.DialContext(ctx, u, nil)
		},
	}
}

func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		http.Error(w, "websocket upgrade required", http.StatusBadRequest)
		return
	}
	if b.cfg.ExternalToken != "" && r.URL.Query().Get("token") != b.cfg.ExternalToken {
		http.Error(w, "invalid relay token", http.StatusForbidden)
		return
	}

	if err := b.ensure.Ensure(r.Context()); err != nil {
		log.Warnf("relay: gateway not ready: %v", err)
		http.Error(w, fmt.Sprintf("gateway unavailable: %v", err), http.StatusBadGateway)
		return
	}

	target, err := b.internalURL()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	internal, resp, err := b.dial(r.Context(), target)
	if err != nil {
		detail := dialDetail(resp)
		log.Warn("relay: internal dial failed", "err", err, "detail", detail)
		http.Error(w, fmt.Sprintf("gateway connection failed: %v%s", err, detail), http.StatusBadGateway)
		return
	}

	external, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written its own error response.
		internal.Close()
		return
	}

	s := &session{
		external: newPeer(external),
		internal: newPeer(internal),
	}
	s.run()
}

// internalURL rewrites the target: the external secret is stripped by
// construction and the gateway's own token is substituted.
func (b *Bridge) internalURL() (string, error) {
	u, err := url.Parse(b.cfg.InternalURL)
	if err != nil {
		return "", fmt.Errorf("bad internal gateway url: %w", err)
	}
	q := u.Query()
	q.Del("token")
	if b.cfg.InternalToken != "" {
		q.Set("token", b.cfg.InternalToken)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func dialDetail(resp *http.Response) string {
	if resp == nil || resp.Body == nil {
		return ""
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 512))
	if err != nil || len(body) == 0 {
		return ""
	}
	return fmt.Sprintf(" (%s)", body)
}

// peer wraps one side of the pair. All writes go through the mutex, and
// the open flag stops anything being forwarded to a half-closed socket.
type peer struct {
	conn *websocket.Conn
	mu   sync.Mutex
	open bool
}

func newPeer(conn *websocket.Conn) *peer {
	return &peer{conn: conn, open: true}
}

func (p *peer) send(messageType int, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.open {
		return websocket.ErrCloseSent
	}
	p.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return p.conn.WriteMessage(messageType, data)
}

// close sends a close frame with the given code and reason, then tears
// the socket down. Idempotent.
func (p *peer) close(code int, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.open {
		return
	}
	p.open = false
	msg := websocket.FormatCloseMessage(code, TruncateReason(reason))
	p.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	p.conn.Close()
}

// markClosed records that the socket is gone without writing to it.
func (p *peer) markClosed() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.open {
		p.open = false
		p.conn.Close()
	}
}

// session joins the two sockets for the lifetime of one tunneled
// connection. It has no timeout of its own; it lives until either side
// closes or errors.
type session struct {
	external *peer
	internal *peer
	once     sync.Once
}

func (s *session) run() {
	go s.pump(s.internal, s.external)
	s.pump(s.external, s.internal)
}

// pump forwards messages from src to dst until src closes or errors,
// then propagates the closure to dst.
func (s *session) pump(src, dst *peer) {
	for {
		messageType, data, err := src.conn.ReadMessage()
		if err != nil {
			code, reason := closeInfo(err)
			s.teardown(src, dst, code, reason)
			return
		}
		if err := dst.send(messageType, data); err != nil {
			s.teardown(dst, src, abnormalCloseCode, "relay peer write failed")
			return
		}
	}
}

// teardown closes both sides exactly once: the failed side without a
// frame, the surviving side with the propagated code and reason.
func (s *session) teardown(failed, surviving *peer, code int, reason string) {
	s.once.Do(func() {
		failed.markClosed()
		surviving.close(code, reason)
	})
}

// closeInfo maps a read error to the close code and reason relayed to
// the peer. A clean close keeps its code and reason; anything else
// becomes the fixed abnormal-closure code.
func closeInfo(err error) (int, string) {
	if ce, ok := err.(*websocket.CloseError); ok {
		switch ce.Code {
		case websocket.CloseAbnormalClosure, websocket.CloseTLSHandshake:
			return abnormalCloseCode, ce.Text
		}
		return ce.Code, ce.Text
	}
	return abnormalCloseCode, "relay peer connection error"
}

// TruncateReason bounds a close reason to the websocket frame limit.
func TruncateReason(reason string) string {
	if len(reason) > maxCloseReason {
		return reason[:maxCloseReason]
	}
	return reason
}
