package inapp

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	logx "reminderd/pkg/logx"
)

// conn is one websocket subscriber. Writes go through send so a single
// goroutine owns the socket's write side.
type conn struct {
	ws       *websocket.Conn
	owner    string
	send     chan []byte
	lastSeen atomic.Int64 // unix nanos
	timeout  time.Duration

	closeOnce sync.Once
	done      chan struct{}
}

func (c *conn) touch() { c.lastSeen.Store(time.Now().UnixNano()) }

func (c *conn) seenBefore(t time.Time) bool { return c.lastSeen.Load() < t.UnixNano() }

// enqueue returns false when the subscriber's buffer is full.
func (c *conn) enqueue(b []byte) bool {
	select {
	case <-c.done:
		return true
	default:
	}
	select {
	case c.send <- b:
		return true
	default:
		return false
	}
}

func (c *conn) ping() {
	_ = c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.timeout))
}

// close reports whether this call performed the close.
func (c *conn) close() bool {
	closed := false
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()
		closed = true
	})
	return closed
}

// ServeWS upgrades the request and subscribes it to owner's topic until the
// client disconnects. Authentication happens before this call.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, owner string) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		h.log.Debug("ws upgrade failed", logx.Err(err))
		return
	}
	c := &conn{
		ws:      ws,
		owner:   owner,
		send:    make(chan []byte, h.cfg.SendBuffer),
		timeout: h.cfg.WriteTimeout,
		done:    make(chan struct{}),
	}
	c.touch()
	ws.SetPongHandler(func(string) error {
		c.touch()
		return nil
	})
	h.add(c)

	go h.writePump(c)
	h.readPump(c)
}

// readPump drains client frames so control frames are processed; the client
// is not expected to send data.
func (h *Hub) readPump(c *conn) {
	defer h.remove(c)
	c.ws.SetReadLimit(4096)
	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			return
		}
		c.touch()
	}
}

func (h *Hub) writePump(c *conn) {
	for {
		select {
		case <-c.done:
			return
		case b := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.timeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, b); err != nil {
				h.log.Debug("ws write failed", logx.String("owner", c.owner), logx.Err(err))
				h.remove(c)
				return
			}
		}
	}
}
