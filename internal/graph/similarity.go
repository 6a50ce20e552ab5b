package graph

import (
	"cmp"
	"context"
	"fmt"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/lazypower/graphmem/internal/deadline"
	"github.com/lazypower/graphmem/internal/memerr"
	"github.com/lazypower/graphmem/internal/store"
	"github.com/lazypower/graphmem/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
)

// DefaultSimilarityLimit caps RetrieveSimilar when the caller gives no limit.
const DefaultSimilarityLimit = 10

// nearZero is the magnitude below which a vector is treated as empty.
const nearZero = 1e-12

// RankedNode is a node scored against a query.
type RankedNode struct {
	Node       store.Node `json:"node"`
	Similarity float64    `json:"similarity"`
	Score      float64    `json:"score"`
}

// RetrieveSimilar embeds text and ranks every cached node by similarity × confidence.
// Equal scores are ordered by node id.
func (g *Graph) RetrieveSimilar(ctx context.Context, text string, limit int) (results []RankedNode, err error) {
	if strings.TrimSpace(text) == "" {
		return nil, memerr.Validation("retrieve similar", "query text is required")
	}
	if limit <= 0 {
		limit = DefaultSimilarityLimit
	}

	ctx, span := g.tracer.Start(ctx, "graph.RetrieveSimilar")
	span.SetAttributes(attribute.Int("limit", limit))
	defer func() {
		span.SetAttributes(attribute.Int("returned", len(results)))
		telemetry.EndSpan(span, err)
	}()

	return deadline.Do(ctx, g.searchTimeout, "retrieve similar", func(ctx context.Context) ([]RankedNode, error) {
		start := time.Now()
		query, err := g.embedder.Embed(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("embed query: %w", err)
		}

		nodes, err := g.store.ListNodes(store.NodeFilter{})
		if err != nil {
			return nil, err
		}
		ranked := Rank(query, nodes, limit)

		g.obs.OnEvent(telemetry.EventSimilaritySearch, map[string]float64{
			"scanned":     float64(len(nodes)),
			"returned":    float64(len(ranked)),
			"duration_ms": float64(time.Since(start).Microseconds()) / 1000,
		}, map[string]string{"model": g.embedder.Model()})
		return ranked, nil
	})
}

// Rank scores nodes against query, sorts by score descending then id, and keeps the first limit.
func Rank(query []float32, nodes []store.Node, limit int) []RankedNode {
	ranked := make([]RankedNode, 0, len(nodes))
	for _, n := range nodes {
		sim := CosineSimilarity(query, n.Embedding)
		ranked = append(ranked, RankedNode{Node: n, Similarity: sim, Score: sim * n.Confidence})
	}
	slices.SortStableFunc(ranked, func(a, b RankedNode) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		return cmp.Compare(a.Node.ID, b.Node.ID)
	})
	if limit > 0 && len(ranked) > limit {
		ranked = ranked[:limit]
	}
	return ranked
}

// CosineSimilarity compares the first min(len(a), len(b)) dimensions of a and b. Empty or
// near-zero vectors score 0.
func CosineSimilarity(a, b []float32) float64 {
	n := min(len(a), len(b))
	if n == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := 0; i < n; i++ {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		normA += x * x
		normB += y * y
	}

	magA, magB := math.Sqrt(normA), math.Sqrt(normB)
	if magA < nearZero || magB < nearZero {
		return 0
	}
	return dot / (magA * magB)
}
