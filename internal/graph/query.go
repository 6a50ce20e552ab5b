package graph

import (
	"context"
	"strings"

	"github.com/lazypower/graphmem/internal/memerr"
	"github.com/lazypower/graphmem/internal/store"
)

// Query operations.
const (
	OpGetNode          = "get_node"
	OpListNodes        = "list_nodes"
	OpGetEdges         = "get_edges"
	OpSimilaritySearch = "similarity_search"
)

var opAliases = map[string]string{
	"get_node": OpGetNode, "get": OpGetNode, "node": OpGetNode, "fetch_node": OpGetNode,
	"list_nodes": OpListNodes, "list": OpListNodes, "nodes": OpListNodes, "all": OpListNodes,
	"get_edges": OpGetEdges, "edges": OpGetEdges, "neighbors": OpGetEdges, "list_edges": OpGetEdges,
	"similarity_search": OpSimilaritySearch, "search": OpSimilaritySearch, "similar": OpSimilaritySearch,
	"semantic_search": OpSimilaritySearch, "retrieve_similar": OpSimilaritySearch,
}

// ResolveOperation maps an operation name or alias to its canonical form. Anything
// unrecognized resolves to list_nodes.
func ResolveOperation(op string) string {
	key := strings.NewReplacer("-", "_", " ", "_").Replace(strings.ToLower(strings.TrimSpace(op)))
	if canon, ok := opAliases[key]; ok {
		return canon
	}
	return OpListNodes
}

// QueryParams are the inputs to Query. Which fields matter depends on the operation.
type QueryParams struct {
	Operation     string   `json:"operation"`
	ID            string   `json:"id,omitempty"`
	Text          string   `json:"text,omitempty"`
	NodeType      string   `json:"node_type,omitempty"`
	MinConfidence *float64 `json:"min_confidence,omitempty"`
	Limit         int      `json:"limit,omitempty"`
}

// QueryResult carries whichever payload the resolved operation produced.
type QueryResult struct {
	Operation string       `json:"operation"`
	Node      *store.Node  `json:"node,omitempty"`
	Nodes     []store.Node `json:"nodes,omitempty"`
	Edges     []store.Edge `json:"edges,omitempty"`
	Count     int          `json:"count"`
	Matches   []RankedNode `json:"matches,omitempty"`
}

// Query dispatches params to the matching graph operation.
func (g *Graph) Query(ctx context.Context, p QueryParams) (*QueryResult, error) {
	op := ResolveOperation(p.Operation)
	res := &QueryResult{Operation: op}

	switch op {
	case OpGetNode:
		if strings.TrimSpace(p.ID) == "" {
			return nil, memerr.Validation("query", "%s requires id", op)
		}
		n, err := g.GetNode(ctx, p.ID)
		if err != nil {
			return nil, err
		}
		res.Node, res.Count = &n, 1

	case OpGetEdges:
		if strings.TrimSpace(p.ID) == "" {
			return nil, memerr.Validation("query", "%s requires id", op)
		}
		edges, err := g.EdgesForNode(ctx, p.ID)
		if err != nil {
			return nil, err
		}
		if p.Limit > 0 && len(edges) > p.Limit {
			edges = edges[:p.Limit]
		}
		res.Edges, res.Count = edges, len(edges)

	case OpSimilaritySearch:
		matches, err := g.RetrieveSimilar(ctx, p.Text, p.Limit)
		if err != nil {
			return nil, err
		}
		res.Matches, res.Count = matches, len(matches)

	default:
		nodes, err := g.ListNodes(ctx, store.NodeFilter{
			NodeType:      p.NodeType,
			MinConfidence: p.MinConfidence,
			Limit:         p.Limit,
		})
		if err != nil {
			return nil, err
		}
		res.Nodes, res.Count = nodes, len(nodes)
	}
	return res, nil
}
