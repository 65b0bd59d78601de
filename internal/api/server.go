// SPDX-License-Identifier: MIT

// Package api serves the control plane: job submission and inspection,
// similarity search over the vector collections, queue metrics, realtime
// gateway statistics, and the health/readiness/metrics probes. The data
// plane (websocket relay and frame ingress) is mounted on the same
// listener under /ws/{namespace} and /stream.
package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/ManuGH/videoagent/internal/api/middleware"
	"github.com/ManuGH/videoagent/internal/cache"
	"github.com/ManuGH/videoagent/internal/domain"
	"github.com/ManuGH/videoagent/internal/gateway"
	"github.com/ManuGH/videoagent/internal/health"
	"github.com/ManuGH/videoagent/internal/index"
	"github.com/ManuGH/videoagent/internal/log"
	"github.com/ManuGH/videoagent/internal/model"
	"github.com/ManuGH/videoagent/internal/queue"
)

// Config holds the server's listen address and middleware knobs.
type Config struct {
	Addr           string
	Version        string
	AllowedOrigins []string
	CSP            string
	TracingService string // empty disables request tracing

	EnableRateLimit   bool
	RequestsPerMinute int // general per-IP budget; <=0 uses the default
	SubmitPerMinute   int // tighter budget for POST /jobs; <=0 uses the default

	SearchCacheTTL time.Duration // <=0 uses cache.SearchTTL

	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.SearchCacheTTL <= 0 {
		c.SearchCacheTTL = cache.SearchTTL
	}
	if c.ReadHeaderTimeout <= 0 {
		c.ReadHeaderTimeout = 10 * time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
	return c
}

// JobQueue is the slice of the queue the control plane drives.
type JobQueue interface {
	Enqueue(ctx context.Context, data domain.JobData, opts queue.Options) (string, error)
	Status(ctx context.Context, id string) (*queue.JobStatus, error)
	Cancel(ctx context.Context, id string) (bool, error)
	Stats(ctx context.Context) (queue.Metrics, error)
}

// SearchIndex is the slice of the vector index the search endpoints use.
type SearchIndex interface {
	SearchVideos(ctx context.Context, vector []float32, limit uint64, f *index.Filter) ([]index.Hit, error)
	SearchScenes(ctx context.Context, vector []float32, limit uint64, f *index.Filter) ([]index.Hit, error)
}

// Embedder turns query text into a vector.
type Embedder interface {
	EmbedText(ctx context.Context, text string, kind model.EmbeddingKind) ([]float32, error)
}

// Realtime is the slice of the websocket gateway the server mounts and
// reports statistics for.
type Realtime interface {
	ServeNamespace(w http.ResponseWriter, r *http.Request, namespace string)
	ServeStream(w http.ResponseWriter, r *http.Request)
	Stats() gateway.Stats
}

// Deps carries the server's collaborators. Queue and Health are required;
// the rest degrade gracefully when nil.
type Deps struct {
	Queue    JobQueue
	Index    SearchIndex
	Embedder Embedder
	Cache    cache.Cacher
	Realtime Realtime
	Health   *health.Manager
	Logger   zerolog.Logger
}

// Server is the control-plane HTTP server.
type Server struct {
	cfg        Config
	deps       Deps
	logger     zerolog.Logger
	router     *chi.Mux
	httpServer *http.Server
}

// New builds the server and its router.
func New(cfg Config, deps Deps) *Server {
	cfg = cfg.withDefaults()
	if deps.Cache == nil {
		deps.Cache = cache.NewNoop()
	}
	s := &Server{
		cfg:    cfg,
		deps:   deps,
		logger: deps.Logger.With().Str(log.FieldComponent, "api").Logger(),
	}
	s.router = s.buildRouter()
	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
	return s
}

// Router exposes the handler, mainly for tests and embedding.
func (s *Server) Router() http.Handler { return s.router }

func (s *Server) buildRouter() *chi.Mux {
	r := middleware.NewRouter(middleware.StackConfig{
		EnableCORS:            true,
		AllowedOrigins:        s.cfg.AllowedOrigins,
		EnableSecurityHeaders: true,
		CSP:                   s.cfg.CSP,
		EnableMetrics:         true,
		TracingService:        s.cfg.TracingService,
		EnableLogging:         true,
		EnableRateLimit:       s.cfg.EnableRateLimit,
		RequestsPerMinute:     s.cfg.RequestsPerMinute,
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/jobs", func(r chi.Router) {
			if s.cfg.EnableRateLimit {
				r.With(middleware.SubmitRateLimit(s.cfg.SubmitPerMinute)).Post("/", s.handleSubmitJob)
			} else {
				r.Post("/", s.handleSubmitJob)
			}
			r.Get("/{id}", s.handleJobStatus)
			r.Delete("/{id}", s.handleCancelJob)
		})
		r.Get("/queue/metrics", s.handleQueueMetrics)
		r.Post("/search/videos", s.handleSearchVideos)
		r.Post("/search/scenes", s.handleSearchScenes)
		r.Get("/realtime/stats", s.handleRealtimeStats)
	})

	r.Get("/ws/{namespace}", s.handleWebsocket)
	r.Get("/stream", s.handleStreamIngress)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	return r
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	if s.deps.Realtime == nil {
		writeErrorResponse(w, r, http.StatusServiceUnavailable, "realtime_disabled", "realtime gateway is not running")
		return
	}
	namespace := strings.ToLower(chi.URLParam(r, "namespace"))
	s.deps.Realtime.ServeNamespace(w, r, namespace)
}

func (s *Server) handleStreamIngress(w http.ResponseWriter, r *http.Request) {
	if s.deps.Realtime == nil {
		writeErrorResponse(w, r, http.StatusServiceUnavailable, "realtime_disabled", "realtime gateway is not running")
		return
	}
	s.deps.Realtime.ServeStream(w, r)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.deps.Health.ServeHealth(w, r)
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	s.deps.Health.ServeReady(w, r)
}

// Run serves until ctx is cancelled, then drains connections within the
// shutdown window.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.cfg.Addr).Msg("api server listening")
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn().Err(err).Msg("graceful shutdown incomplete, closing")
		_ = s.httpServer.Close()
	}
	err := <-errCh
	s.logger.Info().Msg("api server stopped")
	return err
}
