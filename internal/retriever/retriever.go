// Package retriever expands a similarity search into a graph-aware context set: seed nodes
// from the search, plus their neighbors reached over edges with a per-hop score decay.
package retriever

import (
	"cmp"
	"context"
	"math"
	"slices"
	"time"

	"github.com/lazypower/graphmem/internal/graph"
	"github.com/lazypower/graphmem/internal/store"
	"github.com/lazypower/graphmem/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Graph is the slice of the graph layer the retriever reads through.
type Graph interface {
	RetrieveSimilar(ctx context.Context, text string, limit int) ([]graph.RankedNode, error)
	EdgesForNode(ctx context.Context, id string) ([]store.Edge, error)
	GetNode(ctx context.Context, id string) (store.Node, error)
	RecordAccess(ctx context.Context, id string) (store.Node, error)
}

// Config holds the retrieval defaults.
type Config struct {
	SimilarityLimit  int     `yaml:"similarity_limit" json:"similarity_limit" validate:"gte=1"`
	ExpansionHops    int     `yaml:"expansion_hops" json:"expansion_hops" validate:"gte=0,lte=5"`
	NeighborsPerNode int     `yaml:"neighbors_per_node" json:"neighbors_per_node" validate:"gte=1"`
	HopDecay         float64 `yaml:"hop_decay" json:"hop_decay" validate:"gt=0,lte=1"`
	FinalLimit       int     `yaml:"final_limit" json:"final_limit" validate:"gte=1"`
	TrackAccess      bool    `yaml:"track_access" json:"track_access"`
}

// DefaultConfig returns the stock retrieval settings.
func DefaultConfig() Config {
	return Config{
		SimilarityLimit:  10,
		ExpansionHops:    1,
		NeighborsPerNode: 5,
		HopDecay:         0.85,
		FinalLimit:       20,
	}
}

// Options override Config for a single call. Zero values keep the configured default;
// ExpansionHops is a pointer because zero hops is a meaningful request.
type Options struct {
	SimilarityLimit  int     `json:"similarity_limit,omitempty"`
	ExpansionHops    *int    `json:"expansion_hops,omitempty"`
	NeighborsPerNode int     `json:"neighbors_per_node,omitempty"`
	HopDecay         float64 `json:"hop_decay,omitempty"`
	FinalLimit       int     `json:"final_limit,omitempty"`
	TrackAccess      *bool   `json:"track_access,omitempty"`
}

// Entry sources.
const (
	SourceSeed     = "seed"
	SourceNeighbor = "neighbor"
)

// Entry is one node in a retrieval result.
type Entry struct {
	NodeID     string         `json:"node_id"`
	Content    string         `json:"content"`
	NodeType   store.NodeType `json:"node_type"`
	Confidence float64        `json:"confidence"`
	Similarity float64        `json:"similarity"`
	Score      float64        `json:"score"`
	Source     string         `json:"source"`
	Hops       int            `json:"hops"`
	Via        string         `json:"via,omitempty"`
}

// Stats summarizes a retrieval.
type Stats struct {
	Seeds    int `json:"seeds"`
	Expanded int `json:"expanded"`
	Returned int `json:"returned"`
}

// Result is the output of Retrieve.
type Result struct {
	Query         string   `json:"query"`
	Results       []Entry  `json:"results"`
	CausalContext []string `json:"causal_context"`
	Stats         Stats    `json:"stats"`
}

// Retriever runs seed-and-expand retrieval over a Graph.
type Retriever struct {
	graph  Graph
	cfg    Config
	log    *zap.Logger
	obs    telemetry.Observer
	tracer trace.Tracer
}

// Option configures a Retriever.
type Option func(*Retriever)

// WithLogger sets the retriever logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Retriever) { r.log = l }
}

// WithObserver sets the telemetry hook.
func WithObserver(o telemetry.Observer) Option {
	return func(r *Retriever) { r.obs = o }
}

// New builds a Retriever. Unset or out-of-range config fields fall back to the defaults.
func New(g Graph, cfg Config, opts ...Option) *Retriever {
	r := &Retriever{
		graph:  g,
		cfg:    sanitize(cfg, DefaultConfig()),
		log:    zap.NewNop(),
		obs:    telemetry.Nop{},
		tracer: telemetry.Tracer("retriever"),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Config returns the effective defaults.
func (r *Retriever) Config() Config { return r.cfg }

func sanitize(c, def Config) Config {
	if c.SimilarityLimit <= 0 {
		c.SimilarityLimit = def.SimilarityLimit
	}
	if c.ExpansionHops < 0 {
		c.ExpansionHops = def.ExpansionHops
	}
	if c.NeighborsPerNode <= 0 {
		c.NeighborsPerNode = def.NeighborsPerNode
	}
	if c.HopDecay <= 0 || math.IsNaN(c.HopDecay) {
		c.HopDecay = def.HopDecay
	}
	c.HopDecay = min(c.HopDecay, 1)
	if c.FinalLimit <= 0 {
		c.FinalLimit = def.FinalLimit
	}
	return c
}

func (r *Retriever) resolve(o Options) Config {
	c := r.cfg
	if o.SimilarityLimit > 0 {
		c.SimilarityLimit = o.SimilarityLimit
	}
	if o.ExpansionHops != nil {
		c.ExpansionHops = *o.ExpansionHops
	}
	if o.NeighborsPerNode > 0 {
		c.NeighborsPerNode = o.NeighborsPerNode
	}
	if o.HopDecay > 0 {
		c.HopDecay = o.HopDecay
	}
	if o.FinalLimit > 0 {
		c.FinalLimit = o.FinalLimit
	}
	if o.TrackAccess != nil {
		c.TrackAccess = *o.TrackAccess
	}
	return sanitize(c, r.cfg)
}

type visit struct {
	id  string
	hop int
}

// Retrieve seeds from a similarity search on query and expands breadth-first over edges.
// A failed seed search fails the call; a node whose edges cannot be read simply
// contributes no neighbors.
func (r *Retriever) Retrieve(ctx context.Context, query string, opts Options) (res *Result, err error) {
	cfg := r.resolve(opts)
	start := time.Now()

	ctx, span := r.tracer.Start(ctx, "retriever.Retrieve")
	span.SetAttributes(
		attribute.Int("similarity_limit", cfg.SimilarityLimit),
		attribute.Int("expansion_hops", cfg.ExpansionHops),
	)
	defer func() { telemetry.EndSpan(span, err) }()

	seeds, err := r.graph.RetrieveSimilar(ctx, query, cfg.SimilarityLimit)
	if err != nil {
		return nil, err
	}

	best := make(map[string]Entry, len(seeds))
	visited := make(map[visit]bool)
	frontier := make([]Entry, 0, len(seeds))
	for _, s := range seeds {
		e := Entry{
			NodeID:     s.Node.ID,
			Content:    s.Node.Content,
			NodeType:   s.Node.NodeType,
			Confidence: s.Node.Confidence,
			Similarity: s.Similarity,
			Score:      s.Score,
			Source:     SourceSeed,
		}
		upsertBest(best, e)
		visited[visit{e.NodeID, 0}] = true
		frontier = append(frontier, e)
	}

	for hop := 1; hop <= cfg.ExpansionHops && len(frontier) > 0; hop++ {
		decay := math.Pow(cfg.HopDecay, float64(hop))
		var next []Entry
		for _, parent := range frontier {
			next = append(next, r.expand(ctx, parent, hop, decay, cfg.NeighborsPerNode, best, visited)...)
		}
		frontier = next
	}

	entries := make([]Entry, 0, len(best))
	for _, e := range best {
		entries = append(entries, e)
	}
	slices.SortFunc(entries, func(a, b Entry) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		if c := cmp.Compare(a.Hops, b.Hops); c != 0 {
			return c
		}
		return cmp.Compare(a.NodeID, b.NodeID)
	})
	if len(entries) > cfg.FinalLimit {
		entries = entries[:cfg.FinalLimit]
	}

	res = &Result{
		Query:         query,
		Results:       entries,
		CausalContext: make([]string, len(entries)),
		Stats: Stats{
			Seeds:    len(seeds),
			Expanded: len(best) - len(seeds),
			Returned: len(entries),
		},
	}
	for i, e := range entries {
		res.CausalContext[i] = e.NodeID
	}

	if cfg.TrackAccess {
		for _, id := range res.CausalContext {
			if _, err := r.graph.RecordAccess(ctx, id); err != nil {
				r.log.Debug("record access failed", zap.String("node", id), zap.Error(err))
			}
		}
	}

	span.SetAttributes(attribute.Int("returned", res.Stats.Returned))
	r.obs.OnEvent(telemetry.EventRetrieve, map[string]float64{
		"seeds":       float64(res.Stats.Seeds),
		"expanded":    float64(res.Stats.Expanded),
		"returned":    float64(res.Stats.Returned),
		"duration_ms": float64(time.Since(start).Microseconds()) / 1000,
	}, nil)
	return res, nil
}

// expand discovers up to limit unvisited neighbors of parent at the given hop, heaviest
// edges first, and merges them into best.
func (r *Retriever) expand(ctx context.Context, parent Entry, hop int, decay float64, limit int,
	best map[string]Entry, visited map[visit]bool) []Entry {
	edges, err := r.graph.EdgesForNode(ctx, parent.NodeID)
	if err != nil {
		r.log.Debug("edge expansion skipped", zap.String("node", parent.NodeID), zap.Error(err))
		return nil
	}
	// Heaviest first.
	slices.SortStableFunc(edges, func(a, b store.Edge) int { return cmp.Compare(b.Weight, a.Weight) })

	var found []Entry
	for _, edge := range edges {
		if len(found) >= limit {
			break
		}
		id := edge.Other(parent.NodeID)
		if id == parent.NodeID || visited[visit{id, hop}] {
			continue
		}
		n, err := r.graph.GetNode(ctx, id)
		if err != nil {
			continue
		}
		visited[visit{id, hop}] = true

		e := Entry{
			NodeID:     n.ID,
			Content:    n.Content,
			NodeType:   n.NodeType,
			Confidence: n.Confidence,
			Score:      max(0, parent.Score*edge.Weight*decay),
			Source:     SourceNeighbor,
			Hops:       hop,
			Via:        parent.NodeID,
		}
		upsertBest(best, e)
		found = append(found, e)
	}
	return found
}

// upsertBest merges e into best. The higher-scoring occurrence wins, but the merged entry
// keeps the highest confidence and similarity and the fewest hops seen so far, and the
// first non-empty via and source.
func upsertBest(best map[string]Entry, e Entry) {
	cur, ok := best[e.NodeID]
	if !ok {
		best[e.NodeID] = e
		return
	}

	merged := cur
	if e.Score > cur.Score {
		merged = e
	}
	merged.Confidence = max(cur.Confidence, e.Confidence)
	merged.Similarity = max(cur.Similarity, e.Similarity)
	merged.Hops = min(cur.Hops, e.Hops)
	merged.Via = cmp.Or(cur.Via, e.Via)
	merged.Source = cmp.Or(cur.Source, e.Source)
	best[e.NodeID] = merged
}
