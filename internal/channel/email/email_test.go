package email

import (
	"bufio"
	"context"
	"net"
	"net/mail"
	"strings"
	"testing"
	"time"

	"reminderd/internal/channel"
)

// fakeSMTP accepts one session and records the DATA payload.
func fakeSMTP(t *testing.T, rcptCode string) (host string, port int, got <-chan string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	out := make(chan string, 1)

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		r := bufio.NewReader(conn)
		w := func(s string) { _, _ = conn.Write([]byte(s + "\r\n")) }
		w("220 fake ESMTP")
		var data strings.Builder
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			cmd := strings.ToUpper(strings.TrimSpace(line))
			switch {
			case strings.HasPrefix(cmd, "EHLO"), strings.HasPrefix(cmd, "HELO"):
				w("250 fake")
			case strings.HasPrefix(cmd, "MAIL FROM"):
				w("250 ok")
			case strings.HasPrefix(cmd, "RCPT TO"):
				w(rcptCode + " rcpt")
			case cmd == "DATA":
				w("354 go ahead")
				for {
					l, err := r.ReadString('\n')
					if err != nil {
						return
					}
					if l == ".\r\n" {
						break
					}
					data.WriteString(l)
				}
				out <- data.String()
				w("250 queued")
			case cmd == "QUIT":
				w("221 bye")
				return
			case cmd == "RSET", cmd == "NOOP":
				w("250 ok")
			default:
				w("502 unknown")
			}
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)
	return "127.0.0.1", addr.Port, out
}

func TestSendDeliversMessage(t *testing.T) {
	t.Parallel()
	host, port, got := fakeSMTP(t, "250")
	s, err := New(Config{Host: host, Port: port, From: "reminders@example.com", TLSMode: TLSNone, Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	err = s.Send(context.Background(), "alice@example.com", channel.Message{
		Subject: "Reminder: stand-up", Body: "stand-up in 15", ReminderID: "r1",
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case data := <-got:
		for _, want := range []string{"To: <alice@example.com>", "X-Reminder-ID: r1", "stand-up in 15"} {
			if !strings.Contains(data, want) {
				t.Fatalf("message missing %q:\n%s", want, data)
			}
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server never received DATA")
	}
}

func TestSendRejectedRecipientIsPermanent(t *testing.T) {
	t.Parallel()
	host, port, _ := fakeSMTP(t, "550")
	s, err := New(Config{Host: host, Port: port, From: "reminders@example.com", TLSMode: TLSNone})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	err = s.Send(context.Background(), "nobody@example.com", channel.Message{Body: "x"})
	if err == nil || !channel.IsPermanent(err) {
		t.Fatalf("expected permanent error, got %v", err)
	}
}

func TestSendInvalidAddress(t *testing.T) {
	t.Parallel()
	s, err := New(Config{Host: "127.0.0.1", Port: 1, From: "reminders@example.com", TLSMode: TLSNone})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := s.Send(context.Background(), "not-an-address", channel.Message{}); !channel.IsPermanent(err) {
		t.Fatalf("expected permanent error, got %v", err)
	}
}

func TestNewDefaults(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error without host")
	}
	s, err := New(Config{Host: "smtp.example.com", Username: "bot@example.com"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if s.cfg.Port != 465 || s.cfg.TLSMode != TLSImplicit || s.cfg.From != "bot@example.com" {
		t.Fatalf("unexpected defaults: %+v", s.cfg)
	}
	if _, err := New(Config{Host: "h", From: "a@b.c", TLSMode: "bogus"}); err == nil {
		t.Fatal("expected error for unknown tls mode")
	}
}

func TestBuildMessageNormalizesNewlines(t *testing.T) {
	t.Parallel()
	from, _ := mail.ParseAddress("r@example.com")
	to, _ := mail.ParseAddress("a@example.com")
	b := string(buildMessage(from, to, channel.Message{Body: "line1\nline2"}, time.Unix(0, 0)))
	if !strings.Contains(b, "line1\r\nline2\r\n") {
		t.Fatalf("body not CRLF-normalized: %q", b)
	}
	if !strings.Contains(b, "Subject: Reminder\r\n") {
		t.Fatalf("default subject missing: %q", b)
	}
}
