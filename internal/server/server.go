package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/lazypower/graphmem/internal/consolidator"
	"github.com/lazypower/graphmem/internal/graph"
	"github.com/lazypower/graphmem/internal/learner"
	"github.com/lazypower/graphmem/internal/memerr"
	"github.com/lazypower/graphmem/internal/retriever"
	"github.com/lazypower/graphmem/internal/store"
	"go.uber.org/zap"
)

// Deps are the engine components the API exposes.
type Deps struct {
	Graph        *graph.Graph
	Retriever    *retriever.Retriever
	Learner      *learner.Learner
	Consolidator *consolidator.Consolidator
	// Metrics serves /metrics when set.
	Metrics http.Handler
	Logger  *zap.Logger
}

// Server is the graphmem HTTP API server.
type Server struct {
	graph        *graph.Graph
	store        *store.Store
	retriever    *retriever.Retriever
	learner      *learner.Learner
	consolidator *consolidator.Consolidator
	metrics      http.Handler
	log          *zap.Logger
	validate     *validator.Validate

	router  chi.Router
	version string
	started time.Time
}

// New creates a new Server over deps with the given version string.
func New(deps Deps, version string) *Server {
	s := &Server{
		graph:        deps.Graph,
		store:        deps.Graph.Store(),
		retriever:    deps.Retriever,
		learner:      deps.Learner,
		consolidator: deps.Consolidator,
		metrics:      deps.Metrics,
		log:          deps.Logger,
		validate:     validator.New(),
		version:      version,
		started:      time.Now(),
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Post("/nodes", s.handleCreateNode)
		r.Get("/nodes", s.handleListNodes)
		r.Get("/nodes/{id}", s.handleGetNode)
		r.Patch("/nodes/{id}", s.handleUpdateNode)
		r.Delete("/nodes/{id}", s.handleDeleteNode)
		r.Post("/nodes/{id}/access", s.handleRecordAccess)
		r.Get("/nodes/{id}/edges", s.handleNodeEdges)

		r.Post("/edges", s.handleCreateEdge)

		r.Get("/search", s.handleSearch)
		r.Post("/retrieve", s.handleRetrieve)
		r.Post("/query", s.handleQuery)

		r.Post("/outcomes", s.handleLearn)
		r.Get("/outcomes", s.handleListOutcomes)

		r.Post("/consolidate", s.handleConsolidate)
		r.Get("/consolidate/status", s.handleConsolidateStatus)

		r.Post("/cache/rebuild", s.handleRebuildCache)
	})

	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}

	s.router = r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	db := s.store.DB()
	dbOK := db.PingContext(r.Context()) == nil

	stats := s.store.Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"version":  s.version,
		"uptime":   time.Since(s.started).Seconds(),
		"db":       dbOK,
		"db_path":  db.Path,
		"embedder": s.graph.Embedder().Model(),
		"nodes":    stats.Nodes,
		"edges":    stats.Edges,
		"outcomes": stats.Outcomes,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// statusFor maps an engine error onto an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, memerr.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, memerr.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, memerr.ErrUpstreamTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= 500 {
		s.log.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, map[string]string{"error": msg})
}

// decode reads a JSON body into dst and runs struct validation on it.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		badRequest(w, "invalid json")
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			badRequest(w, verrs[0].Field()+" failed "+verrs[0].Tag())
			return false
		}
		badRequest(w, err.Error())
		return false
	}
	return true
}
