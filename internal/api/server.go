// Package api is the access boundary: it verifies credentials, routes
// requests, shapes the response envelope and owns the HTTPS listener.
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/berserksystems/instrumentality/internal/cache"
	"github.com/berserksystems/instrumentality/internal/config"
	"github.com/berserksystems/instrumentality/internal/log"
	"github.com/berserksystems/instrumentality/internal/store"
)

// drainGrace bounds how long the listener drains in-flight requests on
// shutdown.
const drainGrace = 5 * time.Second

// Server wires config, storage and the hint cache into the HTTP surface.
type Server struct {
	cfg   *config.Config
	store *store.Store
	hints cache.Cache

	haltOnce sync.Once
	halt     chan struct{}
}

// New builds a server. The hint cache may be nil.
func New(cfg *config.Config, st *store.Store, hints cache.Cache) *Server {
	return &Server{
		cfg:   cfg,
		store: st,
		hints: hints,
		halt:  make(chan struct{}),
	}
}

// Routes assembles the router with the full middleware stack.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(serverHeader)
	r.Use(instrument)
	r.Use(recoverer)
	r.Use(withDeadline)
	r.Use(httprate.LimitByIP(300, time.Minute))

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "Not found.")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed.")
	})

	r.Get("/", s.handleFrontpage)
	r.Get("/types", s.handleTypes)
	r.Post("/users/register", s.handleRegister)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.requireOperator)

		r.Get("/users/invite", s.handleInvite)
		r.Get("/user/login", s.handleLogin)
		r.Get("/user/reset", s.handleReset)

		r.Post("/subjects/create", s.handleCreateSubject)
		r.Post("/subjects/update", s.handleUpdateSubject)
		r.Delete("/subjects/delete", s.handleDeleteSubject)

		r.Post("/groups/create", s.handleCreateGroup)
		r.Post("/groups/update", s.handleUpdateGroup)
		r.Delete("/groups/delete", s.handleDeleteGroup)

		r.Get("/queue", s.handleQueue)
		r.Post("/add", s.handleAdd)
		r.Get("/view", s.handleView)

		r.Group(func(r chi.Router) {
			r.Use(s.requireAdmin)
			r.Get("/halt", s.handleHalt)
		})
	})

	return r
}

// Run serves HTTPS until ctx is cancelled or an admin halts the server, then
// drains within the grace interval.
func (s *Server) Run(ctx context.Context) error {
	logger := log.WithComponent("api")

	srv := &http.Server{
		Addr:              net.JoinHostPort(s.cfg.Network.Address, s.cfg.Network.Port),
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServeTLS(s.cfg.TLS.Cert, s.cfg.TLS.Key)
	}()

	logger.Info().
		Str("event", "server.ready").
		Str("addr", srv.Addr).
		Msg("serving HTTPS")

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	case <-s.halt:
		logger.Info().Str("event", "server.halt").Msg("halt requested")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), drainGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	logger.Info().Str("event", "server.stopped").Msg("listener drained")
	return nil
}

// TriggerHalt initiates graceful shutdown. Safe to call more than once.
func (s *Server) TriggerHalt() {
	s.haltOnce.Do(func() { close(s.halt) })
}
