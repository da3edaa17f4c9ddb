// Package inapp is the in-app channel: per-owner websocket subscriber sets,
// optionally fanned out across instances through Redis pub/sub.
//
// Hub implements both reminder.Publisher (lifecycle events) and
// channel.Sender (reminderTriggered on delivery).
package inapp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"reminderd/internal/channel"
	"reminderd/internal/reminder"
	rtsup "reminderd/internal/runtime/supervisor"
	logx "reminderd/pkg/logx"
)

type Config struct {
	PingInterval   time.Duration
	WriteTimeout   time.Duration
	SendBuffer     int
	AllowedOrigins []string // empty allows any origin

	// Redis fan-out. Empty RedisAddr keeps delivery process-local.
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisChannel  string
}

func (c Config) withDefaults() Config {
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 32
	}
	if c.RedisChannel == "" {
		c.RedisChannel = "reminderd:inapp"
	}
	return c
}

// relayEnvelope is what travels over Redis.
type relayEnvelope struct {
	Owner   string          `json:"owner"`
	Origin  string          `json:"origin"`
	Payload json.RawMessage `json:"payload"`
}

type Hub struct {
	cfg      Config
	log      logx.Logger
	upgrader websocket.Upgrader
	rdb      *redis.Client
	instance string

	mu    sync.RWMutex
	conns map[string]map[*conn]struct{}

	now func() time.Time
}

func New(cfg Config, log logx.Logger) *Hub {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	h := &Hub{
		cfg:      cfg,
		log:      log.With(logx.String("comp", "inapp")),
		instance: uuid.NewString(),
		conns:    map[string]map[*conn]struct{}{},
		now:      time.Now,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	if cfg.RedisAddr != "" {
		h.rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
	}
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	if len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range h.cfg.AllowedOrigins {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

// Start runs the heartbeat and, when configured, the Redis relay under sup.
func (h *Hub) Start(sup *rtsup.Supervisor) {
	sup.Go0("inapp.heartbeat", h.heartbeat)
	if h.rdb != nil {
		sup.GoRestart("inapp.redis", h.relayLoop,
			rtsup.WithRestartBackoff(time.Second, 30*time.Second),
			rtsup.WithStopOnCleanExit(true),
		)
	}
}

// Close disconnects every subscriber and the Redis client.
func (h *Hub) Close() error {
	h.mu.Lock()
	all := h.conns
	h.conns = map[string]map[*conn]struct{}{}
	h.mu.Unlock()
	for _, set := range all {
		for c := range set {
			c.close()
		}
	}
	if h.rdb != nil {
		return h.rdb.Close()
	}
	return nil
}

// Subscribers reports the number of live connections for owner.
func (h *Hub) Subscribers(owner string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns[owner])
}

// Publish implements reminder.Publisher. It succeeds once the event is handed
// to the local subscribers; zero subscribers is not an error.
func (h *Hub) Publish(ctx context.Context, owner string, ev reminder.Event) error {
	if owner == "" {
		return channel.ErrNoDestination
	}
	if ev.At.IsZero() {
		ev.At = h.now().UTC()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if h.rdb == nil {
		h.fanout(owner, payload)
		return nil
	}
	b, err := json.Marshal(relayEnvelope{Owner: owner, Origin: h.instance, Payload: payload})
	if err != nil {
		return err
	}
	// Local subscribers are served directly; the relay skips our own origin.
	// After the local fanout a Redis failure only costs remote instances, so
	// it is logged rather than returned: a retry would duplicate locally.
	h.fanout(owner, payload)
	if err := h.rdb.Publish(ctx, h.cfg.RedisChannel, b).Err(); err != nil {
		h.log.Warn("in-app redis publish failed; delivered locally only",
			logx.String("owner", owner), logx.String("type", string(ev.Type)), logx.Err(err))
	}
	return nil
}

// Send implements channel.Sender for the delivery worker.
func (h *Hub) Send(ctx context.Context, dest string, msg channel.Message) error {
	r := msg.Reminder
	if r == nil {
		r = &reminder.Reminder{ID: msg.ReminderID, Owner: dest, Kind: msg.Kind, Message: msg.Body}
	}
	return h.Publish(ctx, dest, reminder.Event{Type: reminder.EventTriggered, Reminder: r})
}

func (h *Hub) fanout(owner string, payload []byte) {
	h.mu.RLock()
	set := h.conns[owner]
	targets := make([]*conn, 0, len(set))
	for c := range set {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if !c.enqueue(payload) {
			h.log.Warn("in-app subscriber too slow, disconnecting", logx.String("owner", owner))
			h.remove(c)
		}
	}
}

func (h *Hub) relayLoop(ctx context.Context) error {
	sub := h.rdb.Subscribe(ctx, h.cfg.RedisChannel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return err
	}
	h.log.Info("in-app redis relay subscribed", logx.String("channel", h.cfg.RedisChannel))
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m, ok := <-ch:
			if !ok {
				return errors.New("redis subscription closed")
			}
			var env relayEnvelope
			if err := json.Unmarshal([]byte(m.Payload), &env); err != nil {
				h.log.Debug("dropping malformed relay message", logx.Err(err))
				continue
			}
			if env.Origin == h.instance {
				continue
			}
			h.fanout(env.Owner, env.Payload)
		}
	}
}

func (h *Hub) heartbeat(ctx context.Context) {
	t := time.NewTicker(h.cfg.PingInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		cutoff := h.now().Add(-2 * h.cfg.PingInterval)
		var stale []*conn
		h.mu.RLock()
		for _, set := range h.conns {
			for c := range set {
				if c.seenBefore(cutoff) {
					stale = append(stale, c)
					continue
				}
				c.ping()
			}
		}
		h.mu.RUnlock()
		for _, c := range stale {
			h.remove(c)
		}
	}
}

func (h *Hub) add(c *conn) {
	h.mu.Lock()
	set, ok := h.conns[c.owner]
	if !ok {
		set = map[*conn]struct{}{}
		h.conns[c.owner] = set
	}
	set[c] = struct{}{}
	n := len(set)
	h.mu.Unlock()
	h.log.Debug("ws connected", logx.String("owner", c.owner), logx.Int("total", n))
}

func (h *Hub) remove(c *conn) {
	h.mu.Lock()
	if set, ok := h.conns[c.owner]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.conns, c.owner)
		}
	}
	h.mu.Unlock()
	if c.close() {
		h.log.Debug("ws disconnected", logx.String("owner", c.owner))
	}
}
