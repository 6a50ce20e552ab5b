package server

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/lazypower/graphmem/internal/graph"
	"github.com/lazypower/graphmem/internal/learner"
	"github.com/lazypower/graphmem/internal/retriever"
	"github.com/lazypower/graphmem/internal/store"
)

type nodeRequest struct {
	ID         string         `json:"id"`
	Content    string         `json:"content"`
	NodeType   string         `json:"node_type"`
	Confidence *float64       `json:"confidence"`
	Embedding  []float32      `json:"embedding"`
	Metadata   map[string]any `json:"metadata"`
	Source     string         `json:"source"`
}

func (s *Server) handleCreateNode(w http.ResponseWriter, r *http.Request) {
	var req nodeRequest
	if !s.decode(w, r, &req) {
		return
	}
	n, err := s.graph.StoreNode(r.Context(), store.NodeAttrs(req))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, n)
}

func (s *Server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.NodeFilter{NodeType: q.Get("type")}
	if v := q.Get("min_confidence"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			badRequest(w, "min_confidence must be a number")
			return
		}
		filter.MinConfidence = &f
	}
	filter.Limit = intParam(r, "limit", 0)

	nodes, err := s.graph.ListNodes(r.Context(), filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count": len(nodes),
		"nodes": nodes,
	})
}

func (s *Server) handleGetNode(w http.ResponseWriter, r *http.Request) {
	n, err := s.graph.GetNode(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

type patchRequest struct {
	Content    *string        `json:"content"`
	NodeType   *string        `json:"node_type"`
	Confidence *float64       `json:"confidence"`
	Embedding  []float32      `json:"embedding"`
	Metadata   map[string]any `json:"metadata"`
	Source     *string        `json:"source"`
}

func (s *Server) handleUpdateNode(w http.ResponseWriter, r *http.Request) {
	var req patchRequest
	if !s.decode(w, r, &req) {
		return
	}
	n, err := s.graph.UpdateNode(r.Context(), chi.URLParam(r, "id"), store.NodePatch{
		Content:    req.Content,
		NodeType:   req.NodeType,
		Confidence: req.Confidence,
		Embedding:  req.Embedding,
		Metadata:   req.Metadata,
		Source:     req.Source,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

func (s *Server) handleDeleteNode(w http.ResponseWriter, r *http.Request) {
	if err := s.graph.DeleteNode(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleRecordAccess(w http.ResponseWriter, r *http.Request) {
	n, err := s.graph.RecordAccess(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

func (s *Server) handleNodeEdges(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.graph.GetNode(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	edges, err := s.graph.EdgesForNode(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count": len(edges),
		"edges": edges,
	})
}

type edgeRequest struct {
	ID       string         `json:"id"`
	SourceID string         `json:"source_id" validate:"required"`
	TargetID string         `json:"target_id" validate:"required"`
	EdgeType string         `json:"edge_type"`
	Weight   *float64       `json:"weight"`
	Metadata map[string]any `json:"metadata"`
}

func (s *Server) handleCreateEdge(w http.ResponseWriter, r *http.Request) {
	var req edgeRequest
	if !s.decode(w, r, &req) {
		return
	}
	e, err := s.graph.CreateEdge(r.Context(), store.EdgeAttrs(req))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, e)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		badRequest(w, "q parameter required")
		return
	}
	limit := intParam(r, "limit", graph.DefaultSimilarityLimit)

	results, err := s.graph.RetrieveSimilar(r.Context(), query, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"query":   query,
		"count":   len(results),
		"results": results,
	})
}

type retrieveRequest struct {
	Query string `json:"query" validate:"required"`
	retriever.Options
}

func (s *Server) handleRetrieve(w http.ResponseWriter, r *http.Request) {
	var req retrieveRequest
	if !s.decode(w, r, &req) {
		return
	}
	res, err := s.retriever.Retrieve(r.Context(), req.Query, req.Options)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req graph.QueryParams
	if !s.decode(w, r, &req) {
		return
	}
	res, err := s.graph.Query(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type outcomeRequest struct {
	ActionID         string         `json:"action_id" validate:"required"`
	Status           string         `json:"status" validate:"required"`
	Confidence       *float64       `json:"confidence" validate:"omitempty,gte=0,lte=1"`
	CausalNodeIDs    []string       `json:"causal_node_ids"`
	Evidence         map[string]any `json:"evidence"`
	RetrievalTraceID string         `json:"retrieval_trace_id"`
	DecisionTraceID  string         `json:"decision_trace_id"`
	ActionLinkage    map[string]any `json:"action_linkage"`
	Grounding        map[string]any `json:"grounding"`
}

func (s *Server) handleLearn(w http.ResponseWriter, r *http.Request) {
	var req outcomeRequest
	if !s.decode(w, r, &req) {
		return
	}
	res, err := s.learner.LearnFromOutcome(r.Context(), learner.OutcomeInput{
		ActionID:         req.ActionID,
		Status:           req.Status,
		Confidence:       req.Confidence,
		CausalNodeIDs:    req.CausalNodeIDs,
		Evidence:         req.Evidence,
		RetrievalTraceID: req.RetrievalTraceID,
		DecisionTraceID:  req.DecisionTraceID,
		ActionLinkage:    req.ActionLinkage,
		Grounding:        req.Grounding,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleListOutcomes(w http.ResponseWriter, r *http.Request) {
	outcomes := s.store.ListOutcomes(intParam(r, "limit", 50))
	writeJSON(w, http.StatusOK, map[string]any{
		"count":    len(outcomes),
		"outcomes": outcomes,
	})
}

func (s *Server) handleConsolidate(w http.ResponseWriter, r *http.Request) {
	res, err := s.consolidator.RunNow(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleConsolidateStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.consolidator.Status())
}

func (s *Server) handleRebuildCache(w http.ResponseWriter, r *http.Request) {
	if err := s.store.RebuildCache(r.Context()); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.store.Stats())
}

func intParam(r *http.Request, name string, def int) int {
	if v := r.URL.Query().Get(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}
