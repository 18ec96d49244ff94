package signaling

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cloudpeer/webrtc-signaling-relay/internal/auth"
	"github.com/cloudpeer/webrtc-signaling-relay/internal/metrics"
	"github.com/cloudpeer/webrtc-signaling-relay/internal/rooms"
)

type staticVerifier struct {
	err error
}

func (v staticVerifier) Verify(ctx context.Context, token string) error {
	return v.err
}

func newTestServer(t *testing.T, cfg Config) (*Server, *httptest.Server) {
	t.Helper()

	if cfg.Registry == nil {
		cfg.Registry = rooms.NewRegistry[*Conn](rooms.DefaultCapacity)
	}
	if cfg.Verifier == nil {
		cfg.Verifier = staticVerifier{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}

	srv := NewServer(cfg)
	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})
	return srv, ts
}

func wsBaseURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func dialRoomRaw(ts *httptest.Server, room, token string) (*websocket.Conn, *http.Response, error) {
	dialer := websocket.Dialer{
		Subprotocols: []string{auth.SubprotocolName, token},
	}
	return dialer.Dial(wsBaseURL(ts)+"/?room="+url.QueryEscape(room), nil)
}

func dialRoom(t *testing.T, ts *httptest.Server, room, token string) *websocket.Conn {
	t.Helper()
	c, _, err := dialRoomRaw(ts, room, token)
	if err != nil {
		t.Fatalf("dial room %q: %v", room, err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func waitForOccupancy(t *testing.T, reg rooms.Registry[*Conn], room string, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if reg.Occupancy(room) == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("occupancy(%q)=%d, want %d", room, reg.Occupancy(room), want)
}

func TestServer_LandingPageForPlainGET(t *testing.T) {
	_, ts := newTestServer(t, Config{})

	resp, err := http.Get(ts.URL + "/")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/html; charset=utf-8" {
		t.Fatalf("content-type=%q", ct)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "Signaling Server") {
		t.Fatalf("unexpected body %q", body)
	}
}

func TestServer_RelayBetweenRoomPeers(t *testing.T) {
	reg := rooms.NewRegistry[*Conn](2)
	_, ts := newTestServer(t, Config{Registry: reg})

	a := dialRoom(t, ts, "r1", "tok-a")
	b := dialRoom(t, ts, "r1", "tok-b")

	if err := a.WriteMessage(websocket.TextMessage, []byte("offer-sdp")); err != nil {
		t.Fatalf("write: %v", err)
	}

	messageType, message, err := b.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if messageType != websocket.TextMessage || string(message) != "offer-sdp" {
		t.Fatalf("got (%d, %q), want text offer-sdp", messageType, message)
	}

	// The sender must never see its own message echoed back.
	_ = a.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if _, _, err := a.ReadMessage(); err == nil {
		t.Fatal("sender received an echo of its own message")
	} else {
		var netErr net.Error
		if !errors.As(err, &netErr) || !netErr.Timeout() {
			t.Fatalf("expected read timeout, got %v", err)
		}
	}
}

func TestServer_RelayPreservesBinaryFrames(t *testing.T) {
	_, ts := newTestServer(t, Config{})

	a := dialRoom(t, ts, "r1", "tok-a")
	b := dialRoom(t, ts, "r1", "tok-b")

	payload := []byte{0x00, 0x01, 0xfe, 0xff}
	if err := a.WriteMessage(websocket.BinaryMessage, payload); err != nil {
		t.Fatalf("write: %v", err)
	}

	messageType, message, err := b.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if messageType != websocket.BinaryMessage || string(message) != string(payload) {
		t.Fatalf("got (%d, %x), want binary %x", messageType, message, payload)
	}
}

func TestServer_RelayPreservesSenderOrder(t *testing.T) {
	_, ts := newTestServer(t, Config{})

	a := dialRoom(t, ts, "r1", "tok-a")
	b := dialRoom(t, ts, "r1", "tok-b")

	for _, payload := range []string{"offer", "candidate-1", "candidate-2"} {
		if err := a.WriteMessage(websocket.TextMessage, []byte(payload)); err != nil {
			t.Fatalf("write %q: %v", payload, err)
		}
	}

	for _, want := range []string{"offer", "candidate-1", "candidate-2"} {
		_, message, err := b.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if string(message) != want {
			t.Fatalf("got %q, want %q", message, want)
		}
	}
}

func TestServer_ThirdJoinRejectedRoomFull(t *testing.T) {
	reg := rooms.NewRegistry[*Conn](2)
	m := metrics.New()
	_, ts := newTestServer(t, Config{Registry: reg, Metrics: m})

	a := dialRoom(t, ts, "r1", "tok-a")
	b := dialRoom(t, ts, "r1", "tok-b")

	c, resp, err := dialRoomRaw(ts, "r1", "tok-c")
	if !errors.Is(err, websocket.ErrBadHandshake) {
		if c != nil {
			c.Close()
		}
		t.Fatalf("dial err=%v, want ErrBadHandshake", err)
	}
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status=%d, want 401", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), "room volume is exceeded") {
		t.Fatalf("body=%q, want room-full reason", body)
	}

	if got := reg.Occupancy("r1"); got != 2 {
		t.Fatalf("occupancy=%d, want 2", got)
	}
	if got := m.Get(metrics.RejectRoomFull); got != 1 {
		t.Fatalf("reject_room_full=%d, want 1", got)
	}

	// The surviving members must still relay to each other.
	if err := a.WriteMessage(websocket.TextMessage, []byte("still-here")); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, message, err := b.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(message) != "still-here" {
		t.Fatalf("got %q, want still-here", message)
	}
}

func TestServer_RejectsMissingRoom(t *testing.T) {
	_, ts := newTestServer(t, Config{})

	dialer := websocket.Dialer{Subprotocols: []string{auth.SubprotocolName, "tok"}}
	c, resp, err := dialer.Dial(wsBaseURL(ts)+"/", nil)
	if !errors.Is(err, websocket.ErrBadHandshake) {
		if c != nil {
			c.Close()
		}
		t.Fatalf("dial err=%v, want ErrBadHandshake", err)
	}
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status=%d, want 401", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), "room is not specified") {
		t.Fatalf("body=%q, want missing-room reason", body)
	}
}

func TestServer_RejectsMissingCredentialHeader(t *testing.T) {
	m := metrics.New()
	_, ts := newTestServer(t, Config{Metrics: m})

	dialer := websocket.Dialer{}
	c, resp, err := dialer.Dial(wsBaseURL(ts)+"/?room=r1", nil)
	if !errors.Is(err, websocket.ErrBadHandshake) {
		if c != nil {
			c.Close()
		}
		t.Fatalf("dial err=%v, want ErrBadHandshake", err)
	}
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status=%d, want 401", resp.StatusCode)
	}
	if got := m.Get(metrics.RejectAuthMissing); got != 1 {
		t.Fatalf("reject_auth_missing=%d, want 1", got)
	}
}

func TestServer_RejectsMalformedCredentialHeader(t *testing.T) {
	m := metrics.New()
	_, ts := newTestServer(t, Config{Metrics: m})

	dialer := websocket.Dialer{Subprotocols: []string{"bearer", "tok"}}
	c, resp, err := dialer.Dial(wsBaseURL(ts)+"/?room=r1", nil)
	if !errors.Is(err, websocket.ErrBadHandshake) {
		if c != nil {
			c.Close()
		}
		t.Fatalf("dial err=%v, want ErrBadHandshake", err)
	}
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status=%d, want 401", resp.StatusCode)
	}
	if got := m.Get(metrics.RejectAuthMalformed); got != 1 {
		t.Fatalf("reject_auth_malformed=%d, want 1", got)
	}
}

func TestServer_InvalidCredentialLeavesNoRoomState(t *testing.T) {
	reg := rooms.NewRegistry[*Conn](2)
	_, ts := newTestServer(t, Config{
		Registry: reg,
		Verifier: staticVerifier{err: auth.ErrInvalidCredentials},
	})

	c, resp, err := dialRoomRaw(ts, "r1", "bad-token")
	if !errors.Is(err, websocket.ErrBadHandshake) {
		if c != nil {
			c.Close()
		}
		t.Fatalf("dial err=%v, want ErrBadHandshake", err)
	}
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status=%d, want 401", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), "invalid credentials") {
		t.Fatalf("body=%q, want invalid-credentials reason", body)
	}

	if got := reg.Occupancy("r1"); got != 0 {
		t.Fatalf("occupancy=%d, want 0 after rejected join", got)
	}
}

func TestServer_SelectsIDTokenSubprotocol(t *testing.T) {
	_, ts := newTestServer(t, Config{})

	c, resp, err := dialRoomRaw(ts, "r1", "tok")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	if got := resp.Header.Get("Sec-Websocket-Protocol"); got != auth.SubprotocolName {
		t.Fatalf("negotiated subprotocol=%q, want %q", got, auth.SubprotocolName)
	}
}

func TestServer_DisconnectDeletesEmptyRoom(t *testing.T) {
	reg := rooms.NewRegistry[*Conn](2)
	_, ts := newTestServer(t, Config{Registry: reg})

	a := dialRoom(t, ts, "r1", "tok-a")
	waitForOccupancy(t, reg, "r1", 1)

	_ = a.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
		time.Now().Add(time.Second))
	_ = a.Close()

	waitForOccupancy(t, reg, "r1", 0)

	// The freed slot must be reusable.
	dialRoom(t, ts, "r1", "tok-b")
	waitForOccupancy(t, reg, "r1", 1)
}

func TestServer_AbruptDisconnectAlsoLeaves(t *testing.T) {
	reg := rooms.NewRegistry[*Conn](2)
	_, ts := newTestServer(t, Config{Registry: reg})

	a := dialRoom(t, ts, "r1", "tok-a")
	b := dialRoom(t, ts, "r1", "tok-b")
	waitForOccupancy(t, reg, "r1", 2)

	// Tear the TCP connection without a close frame.
	_ = a.UnderlyingConn().Close()
	waitForOccupancy(t, reg, "r1", 1)

	// The survivor keeps its membership and gets no synthetic message.
	_ = b.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if _, _, err := b.ReadMessage(); err == nil {
		t.Fatal("survivor unexpectedly received a message after peer left")
	}
}
