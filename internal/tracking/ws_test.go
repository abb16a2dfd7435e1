package tracking

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/url"
	"testing"
	"time"

	"backend-livetrack/internal/auth"
	"backend-livetrack/internal/shared/apperr"
	"backend-livetrack/internal/stream"

	"github.com/gofiber/fiber/v2"
	"github.com/gorilla/websocket"
)

type wsEnv struct {
	app     *fiber.App
	hub     *stream.Hub
	svc     *Service
	store   *memStore
	tokens  *auth.Service
	tickets *auth.Tickets
	addr    string
}

func newWSEnv(t *testing.T, cfg stream.Config) *wsEnv {
	t.Helper()
	hub := stream.NewHub(cfg, nil)
	svc, store := newTestService(hub)
	app, tokens, tickets := newTestApp(t, svc)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen error: %v", err)
	}
	go func() {
		_ = app.Listener(ln)
	}()
	t.Cleanup(func() {
		_ = app.Shutdown()
		hub.Close()
	})
	return &wsEnv{app: app, hub: hub, svc: svc, store: store, tokens: tokens, tickets: tickets, addr: ln.Addr().String()}
}

func (e *wsEnv) dial(t *testing.T, path string, query url.Values, userID string) *websocket.Conn {
	t.Helper()
	u := url.URL{Scheme: "ws", Host: e.addr, Path: path, RawQuery: query.Encode()}
	header := http.Header{}
	if userID != "" {
		header.Set("Authorization", "Bearer "+bearer(t, e.tokens, userID))
	}
	conn, _, err := websocket.DefaultDialer.Dial(u.String(), header)
	if err != nil {
		t.Fatalf("dial %s: %v", path, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func (e *wsEnv) create(t *testing.T, req CreateRequest) Created {
	t.Helper()
	created, err := e.svc.CreateSession(context.Background(), "owner-1", req)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return created
}

type wireMessage struct {
	Type      string   `json:"type"`
	Live      *bool    `json:"live"`
	SessionID *string  `json:"session_id"`
	Lat       float64  `json:"lat"`
	Lng       float64  `json:"lng"`
	Speed     *float64 `json:"speed"`
	TS        int64    `json:"ts"`
	Reason    string   `json:"reason"`
}

func readMessage(t *testing.T, conn *websocket.Conn) wireMessage {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg wireMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		t.Fatalf("decode %s: %v", raw, err)
	}
	return msg
}

// expectQuiet must be the last read on conn: a timed-out read leaves the
// connection unusable.
func expectQuiet(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	_, raw, err := conn.ReadMessage()
	if err == nil {
		t.Fatalf("expected no message, got %s", raw)
	}
	var netErr net.Error
	if !errors.As(err, &netErr) || !netErr.Timeout() {
		t.Fatalf("expected read timeout, got %v", err)
	}
}

// expectClose reads until the server closes the connection with code.
func expectClose(t *testing.T, conn *websocket.Conn, code int) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var closeErr *websocket.CloseError
		if !errors.As(err, &closeErr) {
			t.Fatalf("expected close %d, got %v", code, err)
		}
		if closeErr.Code != code {
			t.Fatalf("expected close %d, got %d (%s)", code, closeErr.Code, closeErr.Text)
		}
		return
	}
}

func sendPoint(t *testing.T, conn *websocket.Conn, lat, lng float64, ts int64) {
	t.Helper()
	msg := map[string]any{"type": "point", "lat": lat, "lng": lng, "ts": ts}
	if err := conn.WriteJSON(msg); err != nil {
		t.Fatalf("write point: %v", err)
	}
}

func (e *wsEnv) poll(t *testing.T) LiveStatus {
	t.Helper()
	resp := doJSON(t, e.app, http.MethodGet, "/track/transport_live_state/42", bearer(t, e.tokens, "viewer-1"), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("poll: %d", resp.StatusCode)
	}
	var status LiveStatus
	_ = json.NewDecoder(resp.Body).Decode(&status)
	return status
}

func TestLinkSessionLifecycle(t *testing.T) {
	env := newWSEnv(t, stream.Config{StalenessWindow: time.Minute})
	created := env.create(t, CreateRequest{TransportID: "42", Visibility: "link"})

	if _, err := env.svc.Shares().Resolve(context.Background(), created.ShareToken); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	observer := env.dial(t, "/track/ws/observe/transport/42", nil, "viewer-1")
	shared := env.dial(t, "/track/ws/observe/transport/42", url.Values{"share_token": {created.ShareToken}}, "")
	for _, conn := range []*websocket.Conn{observer, shared} {
		snap := readMessage(t, conn)
		if snap.Type != "snapshot" || snap.Live == nil || *snap.Live || snap.SessionID != nil {
			t.Fatalf("expected snapshot{live:false}, got %+v", snap)
		}
	}

	ticket, _ := env.tickets.Issue("owner-1")
	publisher := env.dial(t, "/track/ws/publish/"+created.ID, url.Values{"ticket": {ticket}}, "")
	for i := int64(1); i <= 3; i++ {
		sendPoint(t, publisher, -6.2, 106.8+float64(i)/1000, 1700000000000+i)
	}

	for _, conn := range []*websocket.Conn{observer, shared} {
		start := readMessage(t, conn)
		if start.Type != "live_start" || start.SessionID == nil || *start.SessionID != created.ID {
			t.Fatalf("expected live_start, got %+v", start)
		}
		for i := int64(1); i <= 3; i++ {
			p := readMessage(t, conn)
			if p.Type != "point" || p.TS != 1700000000000+i || *p.SessionID != created.ID {
				t.Fatalf("point %d out of order: %+v", i, p)
			}
		}
	}

	if status := env.poll(t); !status.Live || *status.SessionID != created.ID {
		t.Fatalf("poll should report live: %+v", status)
	}

	resp := doJSON(t, env.app, http.MethodPost, "/track/sessions/"+created.ID+"/end", bearer(t, env.tokens, "owner-1"), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("end: %d", resp.StatusCode)
	}

	for _, conn := range []*websocket.Conn{observer, shared} {
		end := readMessage(t, conn)
		if end.Type != "live_end" || end.Reason != "ended" {
			t.Fatalf("expected live_end(ended), got %+v", end)
		}
	}
	if status := env.poll(t); status.Live {
		t.Fatalf("poll should report not live after end")
	}

	expectClose(t, shared, websocket.CloseNormalClosure)
	expectClose(t, publisher, apperr.CloseEnded)
	// participant observers stay attached, waiting for a future session
	expectQuiet(t, observer)

	if stats, ok := env.store.stats(created.ID); !ok || stats.Points != 3 {
		t.Fatalf("expected persisted stats, got %+v", stats)
	}
}

func TestStalePublisherResumes(t *testing.T) {
	env := newWSEnv(t, stream.Config{StalenessWindow: 150 * time.Millisecond})
	created := env.create(t, CreateRequest{TransportID: "42"})

	observer := env.dial(t, "/track/ws/observe/transport/42", nil, "viewer-1")
	readMessage(t, observer)

	publisher := env.dial(t, "/track/ws/publish/"+created.ID, nil, "owner-1")
	sendPoint(t, publisher, 1, 1, 1)
	readMessage(t, observer)
	readMessage(t, observer)
	_ = publisher.Close()

	end := readMessage(t, observer)
	if end.Type != "live_end" || end.Reason != "stale" {
		t.Fatalf("expected live_end(stale), got %+v", end)
	}
	if status := env.poll(t); status.Live {
		t.Fatalf("poll should report not live after the staleness window")
	}

	publisher = env.dial(t, "/track/ws/publish/"+created.ID, nil, "owner-1")
	sendPoint(t, publisher, 1, 1.001, 2)
	start := readMessage(t, observer)
	if start.Type != "live_start" || *start.SessionID != created.ID {
		t.Fatalf("expected live_start for the same session, got %+v", start)
	}
	readMessage(t, observer)
	if status := env.poll(t); !status.Live || *status.SessionID != created.ID {
		t.Fatalf("poll should report the same session live again: %+v", status)
	}
}

func TestSecondPublisherRejected(t *testing.T) {
	env := newWSEnv(t, stream.Config{StalenessWindow: time.Minute})
	created := env.create(t, CreateRequest{TransportID: "42"})

	observer := env.dial(t, "/track/ws/observe/transport/42", nil, "viewer-1")
	readMessage(t, observer)

	first := env.dial(t, "/track/ws/publish/"+created.ID, nil, "owner-1")
	sendPoint(t, first, 1, 1, 1)
	readMessage(t, observer)
	readMessage(t, observer)

	second := env.dial(t, "/track/ws/publish/"+created.ID, nil, "owner-1")
	expectClose(t, second, apperr.CloseConflict)

	sendPoint(t, first, 1, 1.001, 2)
	if p := readMessage(t, observer); p.Type != "point" || p.TS != 2 {
		t.Fatalf("first publisher should keep streaming, got %+v", p)
	}

	third := env.dial(t, "/track/ws/publish/"+created.ID, url.Values{"takeover": {"1"}}, "owner-1")
	expectClose(t, first, apperr.CloseSuperseded)
	sendPoint(t, third, 1, 1.002, 3)
	if p := readMessage(t, observer); p.Type != "point" || p.TS != 3 {
		t.Fatalf("takeover publisher should stream, got %+v", p)
	}
}

func TestPublishHandshakeRejections(t *testing.T) {
	env := newWSEnv(t, stream.Config{StalenessWindow: time.Minute})
	created := env.create(t, CreateRequest{TransportID: "42"})

	cases := []struct {
		name    string
		session string
		query   url.Values
		user    string
		code    int
	}{
		{name: "anonymous", session: created.ID, code: apperr.CloseUnauthorized},
		{name: "bearer in query ignored", session: created.ID, query: url.Values{"access_token": {"x"}}, code: apperr.CloseUnauthorized},
		{name: "spent ticket", session: created.ID, query: url.Values{"ticket": {"nope"}}, code: apperr.CloseUnauthorized},
		{name: "not owner", session: created.ID, user: "owner-2", code: apperr.CloseForbidden},
		{name: "unknown session", session: "missing", user: "owner-1", code: apperr.CloseNotFound},
	}
	for _, tc := range cases {
		conn := env.dial(t, "/track/ws/publish/"+tc.session, tc.query, tc.user)
		expectClose(t, conn, tc.code)
	}

	_, _ = env.svc.EndSession(context.Background(), created.ID, "owner-1")
	conn := env.dial(t, "/track/ws/publish/"+created.ID, nil, "owner-1")
	expectClose(t, conn, apperr.CloseEnded)
}

func TestObserveHandshakeRejections(t *testing.T) {
	env := newWSEnv(t, stream.Config{StalenessWindow: time.Minute})

	cases := []struct {
		name  string
		path  string
		query url.Values
		user  string
		code  int
	}{
		{name: "anonymous", path: "/track/ws/observe/transport/42", code: apperr.CloseUnauthorized},
		{name: "stranger", path: "/track/ws/observe/transport/42", user: "stranger", code: apperr.CloseForbidden},
		{name: "bad share token", path: "/track/ws/observe/transport/42", query: url.Values{"share_token": {"x"}}, code: apperr.CloseForbidden},
		{name: "bad subject", path: "/track/ws/observe/cargo/42", user: "viewer-1", code: apperr.CloseValidation},
	}
	for _, tc := range cases {
		conn := env.dial(t, tc.path, tc.query, tc.user)
		expectClose(t, conn, tc.code)
	}
}

func TestMalformedPublisherClosed(t *testing.T) {
	env := newWSEnv(t, stream.Config{StalenessWindow: time.Minute})
	created := env.create(t, CreateRequest{TransportID: "42"})

	publisher := env.dial(t, "/track/ws/publish/"+created.ID, nil, "owner-1")
	if err := publisher.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	_ = publisher.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, raw, err := publisher.ReadMessage(); err != nil || string(raw) != `{"type":"pong"}` {
		t.Fatalf("expected pong: %s %v", raw, err)
	}

	for i := 0; i < 4; i++ {
		_ = publisher.WriteMessage(websocket.TextMessage, []byte(`{"lat":"north"}`))
	}
	expectClose(t, publisher, apperr.CloseAbuse)

	if got, _ := env.svc.GetSession(context.Background(), created.ID, "owner-1"); !got.Active() {
		t.Fatalf("session must survive an abusive connection")
	}
}
