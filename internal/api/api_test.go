package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"

	"reminderd/internal/channel/inapp"
	"reminderd/internal/lifecycle"
	"reminderd/internal/reminder"
	"reminderd/internal/storage"
	logx "reminderd/pkg/logx"
)

const secret = "test-secret"

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type response struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *errorBody      `json:"error"`
}

func newTestServer(t *testing.T, subs Subscriber) *httptest.Server {
	t.Helper()
	svc := lifecycle.New(lifecycle.Config{PastGrace: time.Minute}, storage.NewMemory(), nil, logx.Nop(),
		lifecycle.WithClock(func() time.Time { return t0 }))
	s := New(Config{Auth: AuthConfig{JWTSecret: secret, DevOwnerHeader: true}}, svc, subs, logx.Nop())
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func token(t *testing.T, sub string) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   sub,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return tok
}

func do(t *testing.T, ts *httptest.Server, method, path, owner, body string) (int, response) {
	t.Helper()
	req, err := http.NewRequest(method, ts.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if owner != "" {
		req.Header.Set("Authorization", "Bearer "+token(t, owner))
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var out response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode %s %s: %v", method, path, err)
	}
	return resp.StatusCode, out
}

func TestReminderCRUD(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, nil)

	code, res := do(t, ts, "POST", "/api/v1/reminders", "alice",
		`{"kind":"meeting","message":"standup","remindAt":"2026-03-01T10:00:00Z","deliveryChannels":{"inApp":true}}`)
	if code != http.StatusCreated || !res.Success {
		t.Fatalf("create: %d %+v", code, res.Error)
	}
	var created reminder.Reminder
	if err := json.Unmarshal(res.Data, &created); err != nil {
		t.Fatalf("decode reminder: %v", err)
	}
	if created.ID == "" || created.Status != reminder.StatusPending {
		t.Fatalf("created = %+v", created)
	}

	code, res = do(t, ts, "GET", "/api/v1/reminders?status=pending", "alice", "")
	var list []reminder.Reminder
	_ = json.Unmarshal(res.Data, &list)
	if code != http.StatusOK || len(list) != 1 {
		t.Fatalf("list: %d %d", code, len(list))
	}

	if code, _ := do(t, ts, "GET", "/api/v1/reminders/"+created.ID, "bob", ""); code != http.StatusNotFound {
		t.Fatalf("bob get = %d, want 404", code)
	}

	code, res = do(t, ts, "PATCH", "/api/v1/reminders/"+created.ID, "alice", `{"message":"retro"}`)
	if code != http.StatusOK {
		t.Fatalf("patch: %d %+v", code, res.Error)
	}

	code, res = do(t, ts, "POST", "/api/v1/reminders/"+created.ID+"/snooze", "alice", `{"minutes":10}`)
	var snoozed reminder.Reminder
	_ = json.Unmarshal(res.Data, &snoozed)
	if code != http.StatusOK || snoozed.Status != reminder.StatusSnoozed {
		t.Fatalf("snooze: %d %+v", code, snoozed)
	}

	code, res = do(t, ts, "POST", "/api/v1/reminders/"+created.ID+"/dismiss", "alice", "")
	if code != http.StatusOK {
		t.Fatalf("dismiss: %d %+v", code, res.Error)
	}

	if code, _ := do(t, ts, "DELETE", "/api/v1/reminders/"+created.ID, "alice", ""); code != http.StatusOK {
		t.Fatalf("delete = %d", code)
	}
	if code, _ := do(t, ts, "GET", "/api/v1/reminders/"+created.ID, "alice", ""); code != http.StatusNotFound {
		t.Fatalf("get after delete = %d", code)
	}
}

func TestValidationEnvelope(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, nil)

	cases := []struct {
		name, method, path, body, field string
	}{
		{"snooze too short", "POST", "/api/v1/reminders/x/snooze", `{"minutes":4}`, "minutes"},
		{"empty message", "POST", "/api/v1/reminders", `{"message":"","remindAt":"2026-03-01T10:00:00Z"}`, "message"},
		{"bad status filter", "GET", "/api/v1/reminders?status=lost", "", "status"},
		{"bad limit", "GET", "/api/v1/reminders?limit=-1", "", "limit"},
	}
	for _, tc := range cases {
		code, res := do(t, ts, tc.method, tc.path, "alice", tc.body)
		if code != http.StatusBadRequest || res.Success || res.Error == nil {
			t.Fatalf("%s: %d %+v", tc.name, code, res)
		}
		if res.Error.Code != codeValidation || res.Error.Field != tc.field {
			t.Fatalf("%s: error = %+v, want field %q", tc.name, res.Error, tc.field)
		}
	}

	code, res := do(t, ts, "POST", "/api/v1/reminders", "alice", `{"bogus":1}`)
	if code != http.StatusBadRequest || res.Error.Code != codeBadRequest {
		t.Fatalf("unknown field: %d %+v", code, res.Error)
	}
}

func TestAuth(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, nil)

	if code, res := do(t, ts, "GET", "/api/v1/reminders", "", ""); code != http.StatusUnauthorized || res.Error.Code != codeUnauthorized {
		t.Fatalf("anonymous = %d %+v", code, res.Error)
	}

	req, _ := http.NewRequest("GET", ts.URL+"/api/v1/reminders", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad token = %d", resp.StatusCode)
	}

	req, _ = http.NewRequest("GET", ts.URL+"/api/v1/reminders", nil)
	req.Header.Set("X-Owner-ID", "carol")
	resp, err = ts.Client().Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("dev header = %d", resp.StatusCode)
	}

	if code, _ := do(t, ts, "GET", "/healthz", "", ""); code != http.StatusOK {
		t.Fatalf("healthz = %d", code)
	}
}

func TestUpsertTarget(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, nil)
	path := "/api/v1/reminders/targets/task/T-9"

	code, res := do(t, ts, "PUT", path, "alice", `{"kind":"task_due","dueAt":"2026-03-01T12:00:00Z","message":"finish report"}`)
	var first reminder.Reminder
	_ = json.Unmarshal(res.Data, &first)
	if code != http.StatusOK || !first.RemindAt.Equal(time.Date(2026, 3, 1, 11, 30, 0, 0, time.UTC)) {
		t.Fatalf("upsert: %d %+v %+v", code, first, res.Error)
	}

	code, res = do(t, ts, "PUT", path, "alice", `{"kind":"task_due","dueAt":"2026-03-02T12:00:00Z","message":"finish report"}`)
	var second reminder.Reminder
	_ = json.Unmarshal(res.Data, &second)
	if code != http.StatusOK || second.ID != first.ID {
		t.Fatalf("second upsert: %d %s vs %s", code, second.ID, first.ID)
	}

	code, res = do(t, ts, "PUT", path, "alice", `{"dueAt":null}`)
	if code != http.StatusOK || !strings.Contains(string(res.Data), "deleted") {
		t.Fatalf("clear: %d %s", code, res.Data)
	}
	if code, _ := do(t, ts, "GET", "/api/v1/reminders/"+first.ID, "alice", ""); code != http.StatusNotFound {
		t.Fatalf("get after clear = %d", code)
	}
}

func TestWebsocketSubscription(t *testing.T) {
	t.Parallel()
	hub := inapp.New(inapp.Config{}, logx.Nop())
	t.Cleanup(func() { _ = hub.Close() })
	ts := newTestServer(t, hub)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/reminders/ws?token=" + token(t, "alice")
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.Subscribers("alice") == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("subscriber never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	ev := reminder.Event{Type: reminder.EventNew, Reminder: &reminder.Reminder{ID: "r1", Owner: "alice"}, At: t0}
	if err := hub.Publish(context.Background(), "alice", ev); err != nil {
		t.Fatalf("publish: %v", err)
	}
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got reminder.Event
	if err := c.ReadJSON(&got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Type != reminder.EventNew || got.Reminder == nil || got.Reminder.ID != "r1" {
		t.Fatalf("event = %+v", got)
	}
}
