package inapp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"reminderd/internal/channel"
	"reminderd/internal/reminder"
	logx "reminderd/pkg/logx"
)

func newTestHub(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	return newTestHubWith(t, Config{})
}

func newTestHubWith(t *testing.T, cfg Config) (*Hub, *httptest.Server) {
	t.Helper()
	h := New(cfg, logx.Nop())
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.ServeWS(w, r, r.URL.Query().Get("owner"))
	}))
	t.Cleanup(func() {
		_ = h.Close()
		srv.Close()
	})
	return h, srv
}

func dial(t *testing.T, h *Hub, srv *httptest.Server, owner string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?owner=" + owner
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = ws.Close() })
	deadline := time.Now().Add(2 * time.Second)
	for h.Subscribers(owner) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("subscriber %s never registered", owner)
		}
		time.Sleep(5 * time.Millisecond)
	}
	return ws
}

func readEvent(t *testing.T, ws *websocket.Conn) reminder.Event {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, b, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var ev reminder.Event
	if err := json.Unmarshal(b, &ev); err != nil {
		t.Fatalf("decode %s: %v", b, err)
	}
	return ev
}

func TestPublishReachesOwnerOnly(t *testing.T) {
	t.Parallel()
	h, srv := newTestHub(t)
	alice := dial(t, h, srv, "alice")
	bob := dial(t, h, srv, "bob")

	r := &reminder.Reminder{ID: "r1", Owner: "alice", Message: "stand-up"}
	if err := h.Publish(context.Background(), "alice", reminder.Event{Type: reminder.EventNew, Reminder: r}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	ev := readEvent(t, alice)
	if ev.Type != reminder.EventNew || ev.Reminder == nil || ev.Reminder.ID != "r1" || ev.At.IsZero() {
		t.Fatalf("unexpected event: %+v", ev)
	}

	_ = bob.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	if _, b, err := bob.ReadMessage(); err == nil {
		t.Fatalf("bob received alice's event: %s", b)
	}
}

func TestSendPublishesTriggered(t *testing.T) {
	t.Parallel()
	h, srv := newTestHub(t)
	ws := dial(t, h, srv, "alice")

	var s channel.Sender = h
	r := &reminder.Reminder{ID: "r9", Owner: "alice", Message: "review"}
	if err := s.Send(context.Background(), "alice", channel.Render(r)); err != nil {
		t.Fatalf("send: %v", err)
	}
	ev := readEvent(t, ws)
	if ev.Type != reminder.EventTriggered || ev.Reminder.ID != "r9" {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestSendSucceedsLocallyWhenRedisDown(t *testing.T) {
	t.Parallel()
	// Nothing listens on port 1, so every Redis publish is refused.
	h, srv := newTestHubWith(t, Config{RedisAddr: "127.0.0.1:1"})
	ws := dial(t, h, srv, "alice")

	r := &reminder.Reminder{ID: "r3", Owner: "alice", Message: "call back"}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.Send(ctx, "alice", channel.Render(r)); err != nil {
		t.Fatalf("send with redis down: %v", err)
	}
	ev := readEvent(t, ws)
	if ev.Type != reminder.EventTriggered || ev.Reminder.ID != "r3" {
		t.Fatalf("unexpected event: %+v", ev)
	}

	// One successful Send means the worker never retries, so exactly one frame.
	_ = ws.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	if _, b, err := ws.ReadMessage(); err == nil {
		t.Fatalf("duplicate frame: %s", b)
	}
}

func TestPublishWithoutSubscribers(t *testing.T) {
	t.Parallel()
	h := New(Config{}, logx.Nop())
	if err := h.Publish(context.Background(), "nobody", reminder.Event{Type: reminder.EventUpdated}); err != nil {
		t.Fatalf("publish without subscribers: %v", err)
	}
	if err := h.Publish(context.Background(), "", reminder.Event{}); err == nil {
		t.Fatal("expected error for empty owner")
	}
}

func TestDisconnectUnregisters(t *testing.T) {
	t.Parallel()
	h, srv := newTestHub(t)
	ws := dial(t, h, srv, "alice")
	_ = ws.Close()
	deadline := time.Now().Add(2 * time.Second)
	for h.Subscribers("alice") != 0 {
		if time.Now().After(deadline) {
			t.Fatal("closed subscriber still registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestCheckOrigin(t *testing.T) {
	t.Parallel()
	h := New(Config{AllowedOrigins: []string{"https://app.example.com"}}, logx.Nop())
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	if h.checkOrigin(req) {
		t.Fatal("foreign origin accepted")
	}
	req.Header.Set("Origin", "https://app.example.com")
	if !h.checkOrigin(req) {
		t.Fatal("allowed origin rejected")
	}
}
