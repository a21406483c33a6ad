// Package server is the HTTP surface: thin chi handlers over the tile
// pipeline, the catalog, the cache admin operations, and health.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/ecotiles/tileserv/internal/backend"
	"github.com/ecotiles/tileserv/internal/cache"
	"github.com/ecotiles/tileserv/internal/catalog"
	"github.com/ecotiles/tileserv/internal/config"
	"github.com/ecotiles/tileserv/internal/monitoring"
	"github.com/ecotiles/tileserv/internal/pipeline"
	"github.com/ecotiles/tileserv/internal/tileserr"
	"github.com/ecotiles/tileserv/internal/vis"
)

// Submitter is the slice of the worker runtime the admin endpoints use.
type Submitter interface {
	Submit(ctx context.Context, taskName string, cfg json.RawMessage) (*catalog.Job, error)
}

// ImageCatalog is the slice of the backend client the catalog endpoint uses.
type ImageCatalog interface {
	Catalog(ctx context.Context, layer string, lat, lon float64, start, end time.Time) ([]backend.CatalogImage, error)
}

// Server holds the handler dependencies. metrics and runner may be nil;
// the corresponding endpoints then report not-available.
type Server struct {
	pipe    *pipeline.Pipeline
	cache   *cache.Hybrid
	store   catalog.Store
	imagery ImageCatalog
	reg     *vis.Registry
	runner  Submitter
	checker *monitoring.Checker
	metrics *monitoring.Metrics
	cfg     config.ServerConfig
	bcfg    config.BackendConfig
	log     *zap.Logger
}

func New(
	pipe *pipeline.Pipeline,
	c *cache.Hybrid,
	store catalog.Store,
	imagery ImageCatalog,
	reg *vis.Registry,
	runner Submitter,
	checker *monitoring.Checker,
	metrics *monitoring.Metrics,
	cfg config.ServerConfig,
	bcfg config.BackendConfig,
) *Server {
	return &Server{
		pipe:    pipe,
		cache:   c,
		store:   store,
		imagery: imagery,
		reg:     reg,
		runner:  runner,
		checker: checker,
		metrics: metrics,
		cfg:     cfg,
		bcfg:    bcfg,
		log:     zap.L().With(zap.String("component", "server")),
	}
}

// Router builds the chi router with the full route table.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(responseTime)

	origins := s.cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/layers/{layer}/catalog", s.handleCatalog)
		r.Get("/layers/{layer}/{x}/{y}/{z}", s.handleTile)

		r.Route("/cache", func(r chi.Router) {
			r.Get("/stats", s.handleCacheStats)
			r.Post("/point/start", s.handlePointStart)
			r.Post("/campaign/start", s.handleCampaignStart)
			r.Delete("/point/{id}/clear", s.handlePointClear)
			r.Delete("/campaign/{id}/clear", s.handleCampaignClear)
		})

		r.Route("/tasks", func(r chi.Router) {
			r.Get("/", s.handleTaskList)
			r.Get("/{id}", s.handleTaskGet)
			r.Post("/{id}/cancel", s.handleTaskCancel)
		})
	})

	r.Get("/health/light", s.handleHealthLight)
	r.Get("/health", s.handleHealth)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}
	return r
}

// responseTime stamps X-Response-Time on every response. The header has
// to land before the status line, so the writer is wrapped.
func responseTime(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tw := &timedWriter{ResponseWriter: w, start: time.Now()}
		next.ServeHTTP(tw, r)
	})
}

type timedWriter struct {
	http.ResponseWriter
	start time.Time
	wrote bool
}

func (t *timedWriter) WriteHeader(code int) {
	if !t.wrote {
		t.wrote = true
		t.Header().Set("X-Response-Time", time.Since(t.start).String())
	}
	t.ResponseWriter.WriteHeader(code)
}

func (t *timedWriter) Write(b []byte) (int, error) {
	if !t.wrote {
		t.WriteHeader(http.StatusOK)
	}
	return t.ResponseWriter.Write(b)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	if w.Header().Get("X-Cache") == "" {
		w.Header().Set("X-Cache", string(pipeline.StatusMiss))
	}
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// jsonError maps a classified error onto its HTTP status with a JSON body.
func (s *Server) jsonError(w http.ResponseWriter, err error) {
	kind := tileserr.KindOf(err)
	status := tileserr.HTTPStatus(err)
	if status >= 500 {
		w.Header().Set("X-Cache", string(pipeline.StatusError))
		s.log.Error("request failed", zap.String("kind", kind.String()), zap.Error(err))
	}
	writeJSON(w, status, map[string]string{
		"error": err.Error(),
		"kind":  kind.String(),
	})
}
