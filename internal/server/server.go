// Package server provides the HTTP server and routing for Looplend.
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

	"github.com/looplend/looplend/internal/chains"
	"github.com/looplend/looplend/internal/config"
	"github.com/looplend/looplend/internal/csrf"
	"github.com/looplend/looplend/internal/oppcache"
)

// Config holds server dependencies.
type Config struct {
	Log       zerolog.Logger
	Config    *config.Config
	Manager   *oppcache.Manager
	Lends     LendSource
	Issuer    *csrf.Issuer
	Directory *chains.Directory
}

// Server is the HTTP front of the application: the RPC proxy, the loop
// opportunities API and system endpoints.
type Server struct {
	router      *chi.Mux
	server      *http.Server
	log         zerolog.Logger
	cfg         *config.Config
	proxy       *ProxyHandlers
	opportunity *OpportunityHandlers
	system      *SystemHandlers
}

// New creates a new HTTP server.
func New(cfg Config) *Server {
	s := &Server{
		router: chi.NewRouter(),
		log:    cfg.Log.With().Str("component", "server").Logger(),
		cfg:    cfg.Config,
		proxy: NewProxyHandlers(
			cfg.Config.RPCEndpoints,
			cfg.Issuer,
			cfg.Config.ProxyRateLimit,
			cfg.Config.ProxyRateBurst,
			cfg.Log,
		),
		opportunity: NewOpportunityHandlers(cfg.Manager, cfg.Lends, cfg.Directory, cfg.Log),
		system:      NewSystemHandlers(cfg.Log),
	}

	s.setupMiddleware(cfg.Config.DevMode)
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Config.Port),
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	return s
}

// setupMiddleware configures middleware
func (s *Server) setupMiddleware(devMode bool) {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Timeout(60 * time.Second))

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-CSRF-Token"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if !devMode {
		s.router.Use(middleware.Compress(5))
	}
}

// setupRoutes configures all routes
func (s *Server) setupRoutes() {
	s.router.Get("/health", s.system.HandlePing)

	s.router.Route("/api", func(r chi.Router) {
		r.Get("/health", s.system.HandleHealth)
		r.Get("/csrf-token", s.proxy.HandleToken)
		r.Post("/rpc-proxy", s.proxy.HandleProxy)
		r.Get("/loop-opportunities", s.opportunity.HandleLoopOpportunities)
		r.Post("/loop-opportunities/refresh", s.opportunity.HandleRefresh)
		r.Get("/loop-pairs", s.opportunity.HandleLoopPairs)
		r.Get("/chains", s.opportunity.HandleChains)
	})
}

// Router exposes the handler for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.log.Info().Int("port", s.cfg.Port).Msg("Starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
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
