// Package graph orchestrates node and edge writes above the store, attaching embeddings on
// the way in, and ranks cached nodes by similarity to a query.
package graph

import (
	"context"
	"strings"
	"time"

	"github.com/lazypower/graphmem/internal/deadline"
	"github.com/lazypower/graphmem/internal/embed"
	"github.com/lazypower/graphmem/internal/store"
	"github.com/lazypower/graphmem/internal/telemetry"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Default call bounds.
const (
	DefaultRequestTimeout = 5 * time.Second
	DefaultSearchTimeout  = 25 * time.Second
)

// Graph is the write and ranking layer over a Store.
type Graph struct {
	store    *store.Store
	embedder embed.Embedder

	requestTimeout time.Duration
	searchTimeout  time.Duration

	log    *zap.Logger
	obs    telemetry.Observer
	tracer trace.Tracer
}

// Option configures a Graph.
type Option func(*Graph)

// WithRequestTimeout bounds simple reads and writes.
func WithRequestTimeout(d time.Duration) Option {
	return func(g *Graph) { g.requestTimeout = d }
}

// WithSearchTimeout bounds similarity search.
func WithSearchTimeout(d time.Duration) Option {
	return func(g *Graph) { g.searchTimeout = d }
}

// WithLogger sets the graph logger.
func WithLogger(l *zap.Logger) Option {
	return func(g *Graph) { g.log = l }
}

// WithObserver sets the telemetry hook.
func WithObserver(o telemetry.Observer) Option {
	return func(g *Graph) { g.obs = o }
}

// New builds a Graph. A nil embedder falls back to the hash embedder.
func New(s *store.Store, e embed.Embedder, opts ...Option) *Graph {
	if e == nil {
		e = embed.NewHashEmbedder(0)
	}
	g := &Graph{
		store:          s,
		embedder:       e,
		requestTimeout: DefaultRequestTimeout,
		searchTimeout:  DefaultSearchTimeout,
		log:            zap.NewNop(),
		obs:            telemetry.Nop{},
		tracer:         telemetry.Tracer("graph"),
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Store returns the underlying store.
func (g *Graph) Store() *store.Store { return g.store }

// Embedder returns the embedder in use.
func (g *Graph) Embedder() embed.Embedder { return g.embedder }

// StoreNode writes a new node. A supplied embedding is kept; otherwise non-blank content is
// embedded, and an embedding failure stores the node without one.
func (g *Graph) StoreNode(ctx context.Context, attrs store.NodeAttrs) (store.Node, error) {
	return deadline.Do(ctx, g.requestTimeout, "store node", func(ctx context.Context) (store.Node, error) {
		if len(attrs.Embedding) == 0 && strings.TrimSpace(attrs.Content) != "" {
			attrs.Embedding = g.embedBestEffort(ctx, attrs.Content)
		}
		return g.store.InsertNode(ctx, attrs)
	})
}

// GetNode returns a node by id.
func (g *Graph) GetNode(ctx context.Context, id string) (store.Node, error) {
	return deadline.Do(ctx, g.requestTimeout, "get node", func(context.Context) (store.Node, error) {
		return g.store.GetNode(id)
	})
}

// ListNodes returns nodes matching filter, most recently updated first.
func (g *Graph) ListNodes(ctx context.Context, filter store.NodeFilter) ([]store.Node, error) {
	return deadline.Do(ctx, g.requestTimeout, "list nodes", func(context.Context) ([]store.Node, error) {
		return g.store.ListNodes(filter)
	})
}

// UpdateNode applies patch. The node is re-embedded only when its content changes and the
// patch carries no embedding of its own.
func (g *Graph) UpdateNode(ctx context.Context, id string, patch store.NodePatch) (store.Node, error) {
	return deadline.Do(ctx, g.requestTimeout, "update node", func(ctx context.Context) (store.Node, error) {
		if patch.Content != nil && len(patch.Embedding) == 0 {
			cur, err := g.store.GetNode(id)
			if err != nil {
				return store.Node{}, err
			}
			if *patch.Content != cur.Content {
				if strings.TrimSpace(*patch.Content) != "" {
					patch.Embedding = g.embedBestEffort(ctx, *patch.Content)
				}
				// Never keep a vector describing the old content.
				patch.ClearEmbedding = len(patch.Embedding) == 0
			}
		}
		return g.store.UpdateNode(ctx, id, patch)
	})
}

// DeleteNode removes a node and its edges. Deleting an absent node succeeds.
func (g *Graph) DeleteNode(ctx context.Context, id string) error {
	_, err := deadline.Do(ctx, g.requestTimeout, "delete node", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, g.store.DeleteNode(ctx, id)
	})
	return err
}

// ModifyNode writes the patch fn computes from the node's current state, with no other write
// landing in between. Content changes made this way are not re-embedded.
func (g *Graph) ModifyNode(ctx context.Context, id string, fn func(store.Node) (store.NodePatch, error)) (store.Node, error) {
	return deadline.Do(ctx, g.requestTimeout, "modify node", func(ctx context.Context) (store.Node, error) {
		return g.store.ModifyNode(ctx, id, fn)
	})
}

// DeleteNodeIf removes the node and its edges when drop approves its current state.
func (g *Graph) DeleteNodeIf(ctx context.Context, id string, drop func(store.Node) bool) (bool, error) {
	return deadline.Do(ctx, g.requestTimeout, "delete node", func(ctx context.Context) (bool, error) {
		return g.store.DeleteNodeIf(ctx, id, drop)
	})
}

// RecordAccess bumps a node's access counter.
func (g *Graph) RecordAccess(ctx context.Context, id string) (store.Node, error) {
	return deadline.Do(ctx, g.requestTimeout, "record access", func(ctx context.Context) (store.Node, error) {
		return g.store.IncrementAccess(ctx, id)
	})
}

// CreateEdge links two existing nodes, refreshing the edge if it already exists.
func (g *Graph) CreateEdge(ctx context.Context, attrs store.EdgeAttrs) (store.Edge, error) {
	return deadline.Do(ctx, g.requestTimeout, "create edge", func(ctx context.Context) (store.Edge, error) {
		return g.store.UpsertEdge(ctx, attrs)
	})
}

// EdgesForNode returns the edges touching id, heaviest first.
func (g *Graph) EdgesForNode(ctx context.Context, id string) ([]store.Edge, error) {
	return deadline.Do(ctx, g.requestTimeout, "edges for node", func(context.Context) ([]store.Edge, error) {
		return g.store.ListEdgesForNode(id), nil
	})
}

func (g *Graph) embedBestEffort(ctx context.Context, text string) []float32 {
	vec, err := g.embedder.Embed(ctx, text)
	if err != nil {
		g.log.Warn("embedding failed, storing without vector",
			zap.String("model", g.embedder.Model()), zap.Error(err))
		g.obs.OnEvent(telemetry.EventEmbedFailed, nil, map[string]string{"model": g.embedder.Model()})
		return nil
	}
	return vec
}
