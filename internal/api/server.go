// Package api is the REST surface over the lifecycle service, plus the
// websocket endpoint for in-app subscribers.
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"reminderd/internal/lifecycle"
	logx "reminderd/pkg/logx"
)

type AuthConfig struct {
	JWTSecret      string
	Issuer         string
	DevOwnerHeader bool
}

type Config struct {
	Addr              string
	CORSOrigins       []string
	Auth              AuthConfig
	Pprof             bool
	ReadHeaderTimeout time.Duration
}

// Subscriber upgrades a request into an in-app subscription for owner.
type Subscriber interface {
	ServeWS(w http.ResponseWriter, r *http.Request, owner string)
}

type Server struct {
	cfg  Config
	svc  *lifecycle.Service
	subs Subscriber
	log  logx.Logger
	auth *authenticator
	h    http.Handler
}

func New(cfg Config, svc *lifecycle.Service, subs Subscriber, log logx.Logger) *Server {
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = 10 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Server{
		cfg:  cfg,
		svc:  svc,
		subs: subs,
		log:  log.With(logx.String("comp", "api")),
		auth: newAuthenticator(cfg.Auth),
	}
	s.h = s.routes()
	return s
}

func (s *Server) Handler() http.Handler { return s.h }

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLog)
	r.Use(middleware.Recoverer)

	origins := s.cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Owner-ID"},
		MaxAge:         300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.cfg.Pprof {
		r.Mount("/debug", middleware.Profiler())
	}

	r.Route("/api/v1/reminders", func(r chi.Router) {
		r.Use(s.auth.middleware)

		r.Get("/", s.handleList)
		r.Post("/", s.handleCreate)
		r.Get("/preferences", s.handleGetPreferences)
		r.Put("/preferences", s.handlePutPreferences)
		r.Put("/targets/{refKind}/{refID}", s.handleUpsertTarget)
		r.Get("/ws", s.handleWS)

		r.Get("/{id}", s.handleGet)
		r.Patch("/{id}", s.handleUpdate)
		r.Delete("/{id}", s.handleDelete)
		r.Post("/{id}/snooze", s.handleSnooze)
		r.Post("/{id}/dismiss", s.handleDismiss)
	})
	return r
}

func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug("http",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Duration("took", time.Since(start)),
			logx.String("req_id", middleware.GetReqID(r.Context())),
		)
	})
}

// Run serves until ctx is cancelled, then drains for up to drain.
func (s *Server) Run(ctx context.Context, drain time.Duration) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.h,
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	s.log.Info("http listening", logx.String("addr", ln.Addr().String()))

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), drain)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		s.log.Warn("http shutdown incomplete", logx.Err(err))
		_ = srv.Close()
	}
	return nil
}

func logxRequest(r *http.Request, err error) []logx.Field {
	return []logx.Field{
		logx.String("method", r.Method),
		logx.String("path", r.URL.Path),
		logx.String("req_id", middleware.GetReqID(r.Context())),
		logx.Err(err),
	}
}
