// Package server wires the session registry, router and WebSocket transports
// into one HTTP server.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/christopherjohns/consultsync/internal/broadcast"
	"github.com/christopherjohns/consultsync/internal/config"
	"github.com/christopherjohns/consultsync/internal/pubsub"
	"github.com/christopherjohns/consultsync/internal/ratelimit"
	"github.com/christopherjohns/consultsync/internal/router"
	"github.com/christopherjohns/consultsync/internal/session"
	"github.com/christopherjohns/consultsync/internal/ws"
)

// Server is the consultation sync HTTP server.
type Server struct {
	cfg     *config.Config
	mux     *http.ServeMux
	http    *http.Server
	started time.Time

	reg       *session.Registry
	bus       *pubsub.Bus
	out       *broadcast.Broadcaster
	router    *router.Router
	ws        *ws.Handler
	relay     *pubsub.RedisRelay
	upgrades  *ratelimit.Limiter
	frames    *ratelimit.Limiter
	rdb       *redis.Client
	routeOpts []router.Option
}

// Option configures a Server.
type Option func(*Server)

// WithRedis relays topic publications through rdb so several instances can
// serve one session.
func WithRedis(rdb *redis.Client) Option {
	return func(s *Server) { s.rdb = rdb }
}

// WithCatalog supplies product and form lookups.
func WithCatalog(c router.ProductCatalog) Option {
	return func(s *Server) { s.routeOpts = append(s.routeOpts, router.WithCatalog(c)) }
}

// WithCustomers supplies customer display names.
func WithCustomers(d router.CustomerDirectory) Option {
	return func(s *Server) { s.routeOpts = append(s.routeOpts, router.WithCustomers(d)) }
}

// WithPipeline supplies the recommendation pipeline.
func WithPipeline(p router.RecommendationPipeline) Option {
	return func(s *Server) { s.routeOpts = append(s.routeOpts, router.WithPipeline(p)) }
}

// New creates a Server from cfg.
func New(cfg *config.Config, opts ...Option) *Server {
	s := &Server{
		cfg:     cfg,
		mux:     http.NewServeMux(),
		started: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.reg = session.NewRegistry(
		session.WithIdleTTL(cfg.Session.IdleTTL),
		session.WithMultipleTablets(cfg.Session.AllowMultipleTablets),
	)
	s.bus = pubsub.NewBus()
	if s.rdb != nil {
		s.relay = pubsub.NewRedisRelay(s.rdb, s.bus, cfg.Redis.Channel)
		s.bus.SetRelay(s.relay)
	}
	s.out = broadcast.New(s.bus, s.reg)

	routeOpts := append([]router.Option{
		router.WithMaxConcurrent(cfg.Router.MaxConcurrent),
		router.WithCallTimeout(cfg.Router.CallTimeout),
	}, s.routeOpts...)
	s.router = router.New(s.reg, s.out, routeOpts...)

	s.upgrades = ratelimit.New(cfg.Server.UpgradesPerMinute, time.Minute)
	s.frames = ratelimit.New(cfg.Server.FramesPerMinute, time.Minute)
	conns := ws.NewConnManager(
		ws.WithMaxConns(cfg.Server.MaxConns),
		ws.WithIdleTimeout(cfg.Server.IdleTimeout),
	)
	s.ws = ws.NewHandler(s.router, s.bus, conns,
		ws.WithUpgradeLimit(s.upgrades),
		ws.WithFrameLimit(s.frames),
		ws.WithOriginPatterns(cfg.Server.OriginPatterns...),
		ws.WithTrustedProxy(cfg.Server.TrustProxy),
	)

	s.routes()
	s.http = &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.mux }

// Router returns the event router.
func (s *Server) Router() *router.Router { return s.router }

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("server: listening", "addr", s.cfg.Server.Addr)
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if s.relay != nil {
		g.Go(func() error { return s.relay.Run(gctx) })
	}
	g.Go(func() error {
		sweep := time.NewTicker(time.Minute)
		defer sweep.Stop()
		for {
			select {
			case <-gctx.Done():
				return s.shutdown()
			case <-sweep.C:
				s.upgrades.Sweep()
				s.frames.Sweep()
			}
		}
	})
	return g.Wait()
}

func (s *Server) shutdown() error {
	slog.Info("server: shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()

	s.ws.ConnMgr().Shutdown()
	err := s.http.Shutdown(ctx)
	s.router.Close()
	s.reg.Close()
	return err
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/stats", s.handleStats)
	s.mux.HandleFunc("GET /api/sessions", s.handleListSessions)
	s.mux.HandleFunc("GET /api/sessions/{id}", s.handleGetSession)
	s.mux.HandleFunc("POST /api/sessions/{id}/enrollment/complete", s.handleCompleteEnrollment)
	s.mux.HandleFunc("GET /api/connections", s.handleListConnections)
	s.mux.HandleFunc("GET /ws", s.ws.ServeTopic)
	s.mux.HandleFunc("GET /ws/bridge", s.ws.ServeBridge)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type statsResponse struct {
	Uptime      string          `json:"uptime"`
	Sessions    int             `json:"sessions"`
	Connections ws.ConnStats    `json:"connections"`
	Router      router.Stats    `json:"router"`
	Broadcast   broadcast.Stats `json:"broadcast"`
	Topics      int             `json:"topics"`
	Relay       bool            `json:"relay"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statsResponse{
		Uptime:      time.Since(s.started).Round(time.Second).String(),
		Sessions:    s.reg.Count(),
		Connections: s.ws.ConnMgr().Stats(),
		Router:      s.router.Stats(),
		Broadcast:   s.out.Stats(),
		Topics:      s.bus.Stats().Topics,
		Relay:       s.relay != nil,
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.reg.List())
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.reg.Snapshot(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// handleCompleteEnrollment lets back-office systems mark the enrollment as
// submitted. Every device of the session is told.
func (s *Server) handleCompleteEnrollment(w http.ResponseWriter, r *http.Request) {
	st, err := s.router.CompleteEnrollment(r.Context(), r.PathValue("id"))
	switch {
	case router.IsNoEnrollment(err):
		writeError(w, http.StatusNotFound, "no enrollment in progress")
	case err != nil:
		slog.Error("server: complete enrollment", "session_id", r.PathValue("id"), "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	default:
		writeJSON(w, http.StatusOK, st)
	}
}

func (s *Server) handleListConnections(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ws.ConnMgr().Conns())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("server: write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
