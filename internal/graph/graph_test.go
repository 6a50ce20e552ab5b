package graph

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lazypower/graphmem/internal/embed"
	"github.com/lazypower/graphmem/internal/memerr"
	"github.com/lazypower/graphmem/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// conceptEmbedder maps known words onto a few hand-picked concept axes, standing in for a
// real model in ranking tests.
type conceptEmbedder struct {
	calls atomic.Int32
}

var concepts = map[string][3]float32{
	// axes: storage, transactions, caching
	"postgresql":   {1, 0, 0},
	"database":     {1, 0, 0},
	"oltp":         {0, 1, 0},
	"transactions": {0, 1, 0},
	"redis":        {0.2, 0, 1},
	"caching":      {0, 0, 1},
}

func (c *conceptEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	c.calls.Add(1)
	vec := make([]float32, 3)
	for _, w := range strings.Fields(strings.ToLower(text)) {
		for i, v := range concepts[w] {
			vec[i] += v
		}
	}
	return vec, nil
}

func (c *conceptEmbedder) Model() string   { return "concept" }
func (c *conceptEmbedder) Dimensions() int { return 3 }

type failingEmbedder struct{}

func (failingEmbedder) Embed(context.Context, string) ([]float32, error) {
	return nil, errors.New("model offline")
}
func (failingEmbedder) Model() string   { return "failing" }
func (failingEmbedder) Dimensions() int { return 0 }

type slowEmbedder struct{ delay time.Duration }

func (s slowEmbedder) Embed(ctx context.Context, _ string) ([]float32, error) {
	select {
	case <-time.After(s.delay):
		return []float32{1}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
func (slowEmbedder) Model() string   { return "slow" }
func (slowEmbedder) Dimensions() int { return 1 }

// stubbornEmbedder takes its time and ignores cancellation.
type stubbornEmbedder struct{ delay time.Duration }

func (s stubbornEmbedder) Embed(context.Context, string) ([]float32, error) {
	time.Sleep(s.delay)
	return []float32{1, 0}, nil
}
func (stubbornEmbedder) Model() string   { return "stubborn" }
func (stubbornEmbedder) Dimensions() int { return 2 }

func newTestGraph(t *testing.T, e embed.Embedder, opts ...Option) *Graph {
	t.Helper()
	db, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	s, err := store.New(context.Background(), db)
	require.NoError(t, err)
	return New(s, e, opts...)
}

func TestStoreNodeEmbedsContent(t *testing.T) {
	emb := &conceptEmbedder{}
	g := newTestGraph(t, emb)
	ctx := context.Background()

	n, err := g.StoreNode(ctx, store.NodeAttrs{Content: "PostgreSQL"})
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 0, 0}, n.Embedding)

	explicit, err := g.StoreNode(ctx, store.NodeAttrs{Content: "redis", Embedding: []float32{0, 2}})
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 1}, explicit.Embedding, "explicit embedding is kept (normalized)")

	blank, err := g.StoreNode(ctx, store.NodeAttrs{Content: "   "})
	require.NoError(t, err)
	assert.Nil(t, blank.Embedding)

	assert.Equal(t, int32(1), emb.calls.Load(), "only the content-only node should be embedded")
}

func TestStoreNodeAbsorbsEmbedFailure(t *testing.T) {
	g := newTestGraph(t, failingEmbedder{})

	n, err := g.StoreNode(context.Background(), store.NodeAttrs{Content: "still stored"})
	require.NoError(t, err)
	assert.Nil(t, n.Embedding)

	got, err := g.GetNode(context.Background(), n.ID)
	require.NoError(t, err)
	assert.Equal(t, "still stored", got.Content)
}

func TestUpdateNodeReembedsOnContentChange(t *testing.T) {
	emb := &conceptEmbedder{}
	g := newTestGraph(t, emb)
	ctx := context.Background()

	n, err := g.StoreNode(ctx, store.NodeAttrs{Content: "postgresql"})
	require.NoError(t, err)

	_, err = g.UpdateNode(ctx, n.ID, store.NodePatch{Content: store.String("postgresql"), Confidence: store.Float(0.8)})
	require.NoError(t, err)
	assert.Equal(t, int32(1), emb.calls.Load(), "unchanged content must not re-embed")

	updated, err := g.UpdateNode(ctx, n.ID, store.NodePatch{Content: store.String("caching")})
	require.NoError(t, err)
	assert.Equal(t, int32(2), emb.calls.Load())
	assert.Equal(t, []float32{0, 0, 1}, updated.Embedding)

	explicit, err := g.UpdateNode(ctx, n.ID, store.NodePatch{Content: store.String("oltp"), Embedding: []float32{5, 0, 0}})
	require.NoError(t, err)
	assert.Equal(t, int32(2), emb.calls.Load(), "explicit embedding wins over re-embedding")
	assert.Equal(t, []float32{1, 0, 0}, explicit.Embedding)

	cleared, err := g.UpdateNode(ctx, n.ID, store.NodePatch{Content: store.String("")})
	require.NoError(t, err)
	assert.Nil(t, cleared.Embedding, "blank content drops the stale embedding")
}

func TestUpdateNodeNotFound(t *testing.T) {
	g := newTestGraph(t, &conceptEmbedder{})

	_, err := g.UpdateNode(context.Background(), "ghost", store.NodePatch{Content: store.String("x")})
	assert.ErrorIs(t, err, memerr.ErrNotFound)
}

func TestRetrieveSimilarEndToEnd(t *testing.T) {
	g := newTestGraph(t, &conceptEmbedder{})
	ctx := context.Background()

	pg, err := g.StoreNode(ctx, store.NodeAttrs{Content: "prefer PostgreSQL for OLTP", Confidence: store.Float(0.9)})
	require.NoError(t, err)
	redis, err := g.StoreNode(ctx, store.NodeAttrs{Content: "Redis for caching", Confidence: store.Float(0.99)})
	require.NoError(t, err)

	results, err := g.RetrieveSimilar(ctx, "database for transactions", 10)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, pg.ID, results[0].Node.ID)
	assert.Equal(t, redis.ID, results[1].Node.ID)
	assert.InDelta(t, results[0].Similarity*0.9, results[0].Score, 1e-9)
}

func TestRetrieveSimilarTieBreakByID(t *testing.T) {
	g := newTestGraph(t, &conceptEmbedder{})
	ctx := context.Background()

	for _, id := range []string{"c", "a", "b"} {
		_, err := g.StoreNode(ctx, store.NodeAttrs{ID: id, Content: "caching", Confidence: store.Float(0.5)})
		require.NoError(t, err)
	}

	results, err := g.RetrieveSimilar(ctx, "caching", 2)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "a", results[0].Node.ID)
	assert.Equal(t, "b", results[1].Node.ID)
}

func TestRetrieveSimilarBlankQuery(t *testing.T) {
	g := newTestGraph(t, &conceptEmbedder{})

	_, err := g.RetrieveSimilar(context.Background(), " ", 5)
	assert.ErrorIs(t, err, memerr.ErrValidation)
}

func TestRetrieveSimilarTimeout(t *testing.T) {
	g := newTestGraph(t, slowEmbedder{delay: time.Second}, WithSearchTimeout(20*time.Millisecond))

	_, err := g.RetrieveSimilar(context.Background(), "anything", 5)
	assert.ErrorIs(t, err, memerr.ErrUpstreamTimeout)
}

func TestStoreNodeCompletesAfterCallerTimesOut(t *testing.T) {
	g := newTestGraph(t, stubbornEmbedder{delay: 100 * time.Millisecond}, WithRequestTimeout(20*time.Millisecond))

	_, err := g.StoreNode(context.Background(), store.NodeAttrs{ID: "late", Content: "slow to embed"})
	require.ErrorIs(t, err, memerr.ErrUpstreamTimeout)

	require.Eventually(t, func() bool {
		_, err := g.Store().GetNode("late")
		return err == nil
	}, 2*time.Second, 10*time.Millisecond, "abandoned write was not persisted")

	n, err := g.Store().GetNode("late")
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 0}, n.Embedding)
}

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, CosineSimilarity([]float32{1, 0, 0}, []float32{1, 0, 0}), 1e-9)
	assert.InDelta(t, 0.0, CosineSimilarity([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.InDelta(t, -1.0, CosineSimilarity([]float32{1, 0}, []float32{-1, 0}), 1e-9)

	// Mismatched lengths compare the shared prefix.
	assert.InDelta(t, 1.0, CosineSimilarity([]float32{1}, []float32{1, 2}), 1e-9)

	assert.Zero(t, CosineSimilarity(nil, []float32{1}))
	assert.Zero(t, CosineSimilarity([]float32{0, 0}, []float32{1, 1}))
}

func TestEdgesThroughGraph(t *testing.T) {
	g := newTestGraph(t, &conceptEmbedder{})
	ctx := context.Background()

	a, _ := g.StoreNode(ctx, store.NodeAttrs{Content: "a"})
	b, _ := g.StoreNode(ctx, store.NodeAttrs{Content: "b"})

	e, err := g.CreateEdge(ctx, store.EdgeAttrs{SourceID: a.ID, TargetID: b.ID, EdgeType: "supports", Weight: store.Float(0.7)})
	require.NoError(t, err)
	assert.Equal(t, store.EdgeSupports, e.EdgeType)

	edges, err := g.EdgesForNode(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, a.ID, edges[0].Other(b.ID))

	_, err = g.CreateEdge(ctx, store.EdgeAttrs{SourceID: a.ID, TargetID: "ghost"})
	assert.ErrorIs(t, err, memerr.ErrNotFound)

	require.NoError(t, g.DeleteNode(ctx, a.ID))
	edges, err = g.EdgesForNode(ctx, b.ID)
	require.NoError(t, err)
	assert.Empty(t, edges)
}

func TestRecordAccess(t *testing.T) {
	g := newTestGraph(t, &conceptEmbedder{})
	ctx := context.Background()

	n, _ := g.StoreNode(ctx, store.NodeAttrs{Content: "a"})
	got, err := g.RecordAccess(ctx, n.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, got.AccessCount)
}
