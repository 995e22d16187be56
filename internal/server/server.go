// Package server exposes the agent over a local HTTP API: turns, skills, a
// websocket progress stream, health and prometheus metrics.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/neboloop/glance/internal/agent/runner"
	"github.com/neboloop/glance/internal/agent/skills"
	"github.com/neboloop/glance/internal/events"
	"github.com/neboloop/glance/internal/logging"
)

// Agent is what the handlers need from the runner.
type Agent interface {
	RunTurn(ctx context.Context, req runner.TurnRequest) (*runner.TurnResult, error)
	Cancel(requestID string) bool
	Active() []string

	ListSkills() ([]skills.Metadata, error)
	LoadSkill(name string) (*skills.Skill, error)
	CreateSkill(name, description, instructions string, o skills.Overrides) (*skills.Skill, error)
	UpdateSkill(name, description, instructions string, o skills.Overrides) (*skills.Skill, error)
	DeleteSkill(name string) error
}

// Options holds the server dependencies.
type Options struct {
	Addr  string
	Agent Agent
	// Bus feeds the websocket progress stream. Optional.
	Bus *events.Bus
	// Gatherer backs /metrics. Defaults to the prometheus default registry.
	Gatherer prometheus.Gatherer
	// Quiet suppresses the request log and startup messages.
	Quiet bool
}

// Server is the HTTP surface of the agent.
type Server struct {
	opts   Options
	hub    *Hub
	router chi.Router
}

// New builds the router. The websocket hub is not running until Run.
func New(opts Options) *Server {
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	s := &Server{opts: opts, hub: NewHub()}
	s.router = s.routes()
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.router }

// Hub returns the websocket hub.
func (s *Server) Hub() *Hub { return s.hub }

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()

	if !s.opts.Quiet {
		r.Use(chimw.Logger)
	}
	r.Use(chimw.Recoverer)
	r.Use(corsMiddleware())

	r.Get("/health", healthHandler())
	r.Handle("/metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}))

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/agent/turns", activeTurnsHandler(s.opts.Agent))
		r.Post("/agent/turns", runTurnHandler(s.opts.Agent))
		r.Delete("/agent/turns/{requestID}", cancelTurnHandler(s.opts.Agent))

		r.Get("/skills", listSkillsHandler(s.opts.Agent))
		r.Post("/skills", createSkillHandler(s.opts.Agent))
		r.Get("/skills/{name}", getSkillHandler(s.opts.Agent))
		r.Put("/skills/{name}", updateSkillHandler(s.opts.Agent))
		r.Delete("/skills/{name}", deleteSkillHandler(s.opts.Agent))

		r.Handle("/events", s.hub)
	})
	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	if err := checkPortAvailable(s.opts.Addr); err != nil {
		return fmt.Errorf("address %s is already in use: %w", s.opts.Addr, err)
	}

	hubCtx, stopHub := context.WithCancel(ctx)
	defer stopHub()
	go s.hub.Run(hubCtx)
	if s.opts.Bus != nil {
		detach := s.hub.Attach(s.opts.Bus)
		defer detach()
	}

	// ReadTimeout/WriteTimeout are left unset: they would cut off websocket
	// connections and long-running turns.
	httpServer := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	if !s.opts.Quiet {
		fmt.Printf("Glance API ready at http://%s\n", s.opts.Addr)
	}
	logging.Infof("HTTP server listening on %s", s.opts.Addr)

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// corsMiddleware only grants cross-origin access to localhost pages; the API
// is local to this computer.
func corsMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" && isLocalhostOrigin(origin) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Vary", "Origin")
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// checkPortAvailable checks if addr is free for binding
func checkPortAvailable(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return ln.Close()
}
