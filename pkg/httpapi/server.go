package httpapi

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/droverhq/drover/pkg/engine"
	"github.com/droverhq/drover/pkg/fanout"
	"github.com/droverhq/drover/pkg/log"
	"github.com/droverhq/drover/pkg/metrics"
	"github.com/droverhq/drover/pkg/registry"
	"github.com/droverhq/drover/pkg/storage"
)

// Config tunes the HTTP server.
type Config struct {
	Addr            string
	AllowedOrigins  []string
	ReadTimeout     time.Duration
	ShutdownTimeout time.Duration
	Version         string
}

// DefaultConfig returns the tuned defaults.
func DefaultConfig() Config {
	return Config{
		Addr:            ":8080",
		AllowedOrigins:  []string{"*"},
		ReadTimeout:     15 * time.Second,
		ShutdownTimeout: 10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Addr == "" {
		c.Addr = d.Addr
	}
	if len(c.AllowedOrigins) == 0 {
		c.AllowedOrigins = d.AllowedOrigins
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = d.ReadTimeout
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = d.ShutdownTimeout
	}
	return c
}

// ReadyCheck probes one dependency. Return nil when the dependency is
// healthy; the error message becomes the check detail in /health/ready.
type ReadyCheck func() error

// Server is the REST facade over the engine and the registries.
type Server struct {
	engine  *engine.Engine
	store   storage.Store
	pools   *registry.PoolRegistry
	workers *registry.WorkerRegistry
	ledger  *registry.Ledger
	broker  *fanout.Broker

	cfg      Config
	checksMu sync.RWMutex
	checks   map[string]ReadyCheck
	validate *validator.Validate
	logger   zerolog.Logger
	router   chi.Router
	httpSrv  *http.Server
}

// NewServer wires the router. Call Start to begin serving.
func NewServer(cfg Config, eng *engine.Engine, store storage.Store, pools *registry.PoolRegistry, workers *registry.WorkerRegistry, ledger *registry.Ledger, broker *fanout.Broker) *Server {
	s := &Server{
		engine:   eng,
		store:    store,
		pools:    pools,
		workers:  workers,
		ledger:   ledger,
		broker:   broker,
		cfg:      cfg.withDefaults(),
		checks:   make(map[string]ReadyCheck),
		validate: validator.New(),
		logger:   log.WithComponent("httpapi"),
	}
	s.router = s.routes()
	s.httpSrv = &http.Server{
		Addr:    s.cfg.Addr,
		Handler: s.router,
		// SSE streams stay open indefinitely, so only the read side
		// carries a timeout.
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       s.cfg.ReadTimeout,
		IdleTimeout:       120 * time.Second,
	}
	return s
}

// AddReadyCheck registers a named dependency probe for /health/ready.
func (s *Server) AddReadyCheck(name string, check ReadyCheck) {
	s.checksMu.Lock()
	defer s.checksMu.Unlock()
	s.checks[name] = check
}

func (s *Server) readyChecks() map[string]ReadyCheck {
	s.checksMu.RLock()
	defer s.checksMu.RUnlock()
	out := make(map[string]ReadyCheck, len(s.checks))
	for name, check := range s.checks {
		out[name] = check
	}
	return out
}

// Handler returns the routed handler for embedding or tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until Shutdown is called. A closed-server return is not an
// error.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.cfg.Addr).Msg("HTTP API listening")
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests within the configured grace.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()
	s.logger.Info().Msg("HTTP API shutting down")
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(s.instrument)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "Last-Event-ID"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)
	r.Get("/health/live", s.handleLive)
	r.Get("/health/ready", s.handleReady)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/jobs", func(r chi.Router) {
		r.Post("/", s.handleSubmitJob)
		r.Get("/", s.handleListJobs)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetJob)
			r.Delete("/", s.handleCancelJob)
			r.Post("/executions", s.handleDirectExecution)
		})
	})

	r.Route("/executions", func(r chi.Router) {
		r.Get("/", s.handleListExecutions)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetExecution)
			r.Delete("/", s.handleCancelExecution)
			r.Get("/logs", s.handleExecutionLogs)
			r.Get("/events", s.handleExecutionEvents)
		})
	})

	r.Route("/pools", func(r chi.Router) {
		r.Post("/", s.handleCreatePool)
		r.Get("/", s.handleListPools)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetPool)
			r.Delete("/", s.handleDeletePool)
			r.Put("/quotas", s.handleUpdateQuotas)
			r.Get("/usage", s.handlePoolUsage)
			r.Get("/violations", s.handlePoolViolations)
		})
	})

	r.Route("/workers", func(r chi.Router) {
		r.Get("/", s.handleListWorkers)
		r.Post("/{id}/drain", s.handleDrainWorker)
	})

	return r
}
