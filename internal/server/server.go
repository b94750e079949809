// Package server exposes the agent over HTTP: state and decision
// queries, operator control, a server-sent-events stream of internal
// events, and host status. Handlers only read snapshots or queue
// commands; the cognitive loop never blocks on a request.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/aristath/forager/internal/agent"
	"github.com/aristath/forager/internal/database"
	"github.com/aristath/forager/internal/domain"
	"github.com/aristath/forager/internal/events"
	"github.com/aristath/forager/internal/modules/budget"
	"github.com/aristath/forager/internal/modules/patterns"
)

// Config holds the server's collaborators and listen settings.
type Config struct {
	Log      zerolog.Logger
	Loop     *agent.Loop
	Stream   *agent.DecisionStream
	Patterns *patterns.Engine
	Governor *budget.Governor
	Docs     domain.DocStore
	Events   *events.Manager

	// Databases are the SQLite files reported by the status endpoint,
	// keyed by friendly name.
	Databases map[string]*database.DB

	DataDir string
	Port    int
}

// Server is the HTTP face of the agent.
type Server struct {
	router   *chi.Mux
	server   *http.Server
	log      zerolog.Logger
	loop     *agent.Loop
	stream   *agent.DecisionStream
	patterns *patterns.Engine
	governor *budget.Governor
	docs     domain.DocStore
	events   *EventsStreamHandler
	system   *SystemHandlers
	monitor  *StatusMonitor
}

// New wires the router, middleware, and handlers. Call Start to serve.
func New(cfg Config) *Server {
	system := NewSystemHandlers(cfg.DataDir, cfg.Databases, cfg.Log)

	s := &Server{
		router:   chi.NewRouter(),
		log:      cfg.Log.With().Str("component", "server").Logger(),
		loop:     cfg.Loop,
		stream:   cfg.Stream,
		patterns: cfg.Patterns,
		governor: cfg.Governor,
		docs:     cfg.Docs,
		events:   NewEventsStreamHandler(cfg.Events.Bus(), cfg.Log),
		system:   system,
		monitor:  NewStatusMonitor(system, cfg.Events, cfg.Log),
	}

	s.setupMiddleware()
	s.setupRoutes()

	// No WriteTimeout: the SSE stream holds its response open for as
	// long as the client stays connected.
	s.server = &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Port),
		Handler:     s.router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	return s
}

// Handler returns the configured router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	s.router.Use(middleware.Compress(5))
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)

	s.router.Route("/api", func(r chi.Router) {
		// The stream outlives any sane request timeout, so it stays
		// outside the timeout group.
		r.Get("/events/stream", s.events.ServeHTTP)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(60 * time.Second))

			r.Get("/state", s.handleState)
			r.Get("/positions", s.handlePositions)
			r.Get("/decisions", s.handleDecisions)
			r.Get("/patterns", s.handlePatterns)
			r.Get("/cycles/recent", s.handleRecentCycles)
			r.Post("/control", s.handleControl)
			r.Get("/system/status", s.system.HandleSystemStatus)
		})
	})
}

// Start launches the status monitor and begins serving. It blocks until
// the listener closes.
func (s *Server) Start() error {
	s.monitor.Start(statusMonitorInterval)
	s.log.Info().Str("addr", s.server.Addr).Msg("Starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown stops the status monitor and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.monitor.Stop()
	s.log.Info().Msg("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration_ms", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}
