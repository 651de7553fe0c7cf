// Package server exposes the JSON API the pull-request UI and automated
// reviewers consume: builder and PR listings, per-build status objects and
// the restart/stop/revert user actions.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/net/netutil"

	"git.home.luguber.info/inful/prbuild/internal/config"
	derrors "git.home.luguber.info/inful/prbuild/internal/errors"
	"git.home.luguber.info/inful/prbuild/internal/metrics"
	"git.home.luguber.info/inful/prbuild/internal/service"
)

// Server is the JSON API server.
type Server struct {
	cfg      *config.Config
	svc      *service.Service
	accounts *Accounts
	rec      metrics.Recorder
	logger   *slog.Logger
	adapter  *derrors.HTTPErrorAdapter

	mux    *http.ServeMux
	server *http.Server
}

// New wires the API server. accounts may be nil, in which case every
// authenticated endpoint answers 401. metricsHandler serves /metrics when
// non-nil.
func New(svc *service.Service, accounts *Accounts, rec metrics.Recorder, metricsHandler http.Handler) *Server {
	if rec == nil {
		rec = metrics.NoopRecorder{}
	}
	s := &Server{
		cfg:      svc.Config(),
		svc:      svc,
		accounts: accounts,
		rec:      rec,
		logger:   slog.Default(),
		adapter:  derrors.NewHTTPErrorAdapter(slog.Default()),
		mux:      http.NewServeMux(),
	}
	s.routes(metricsHandler)
	s.server = &http.Server{
		Addr:         s.cfg.Server.Listen,
		Handler:      chain(s.logger, s.rec, s.mux),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) routes(metricsHandler http.Handler) {
	base := "/" + s.cfg.Service.URLPath

	s.mux.HandleFunc("GET "+base, s.handleIndex)
	s.mux.HandleFunc("GET "+base+"/{prid}", s.handlePullRequest)
	s.mux.HandleFunc("GET "+base+"/{prid}/status", s.handlePullRequestStatus)
	s.mux.HandleFunc("GET "+base+"/{prid}/{bid}", s.handleBuildStatus)

	s.mux.HandleFunc("GET "+base+"/{prid}/{bid}/restart",
		s.action(ActionRestartBuild, false, func(r *http.Request, prid, bid int64, token string) error {
			_, err := s.svc.RetryBuild(r.Context(), prid, bid, token)
			return err
		}))
	s.mux.HandleFunc("GET "+base+"/{prid}/{bid}/stop",
		s.action(ActionStopBuild, true, func(r *http.Request, prid, bid int64, token string) error {
			return s.svc.StopBuild(r.Context(), prid, bid, token)
		}))
	s.mux.HandleFunc("GET "+base+"/{prid}/{bid}/revert",
		s.action(ActionRevertBuild, true, func(r *http.Request, prid, bid int64, token string) error {
			return s.svc.RevertBuild(r.Context(), prid, bid, token)
		}))

	s.mux.HandleFunc("GET /authinfo", s.handleAuthInfo)
	s.mux.HandleFunc("GET /health", s.handleHealth)
	if metricsHandler != nil {
		s.mux.Handle("GET /metrics", metricsHandler)
	}
}

// Handler returns the full middleware-wrapped handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start binds the listener and serves until Shutdown. The listener is capped
// at server.max_conns concurrent connections.
func (s *Server) Start(ctx context.Context) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", s.cfg.Server.Listen)
	if err != nil {
		return fmt.Errorf("bind %s: %w", s.cfg.Server.Listen, err)
	}
	ln = netutil.LimitListener(ln, s.cfg.Server.MaxConns)
	s.logger.Info("API server listening",
		slog.String("addr", s.cfg.Server.Listen),
		slog.String("urlpath", s.cfg.Service.URLPath))
	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("API server error", slog.String("error", err.Error()))
		}
	}()
	return nil
}

// Shutdown drains in-flight requests and stops the account watcher.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.accounts.Close(); err != nil {
		s.logger.Warn("closing accounts watcher", slog.String("error", err.Error()))
	}
	return s.server.Shutdown(ctx)
}
