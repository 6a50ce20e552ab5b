package store

import (
	"fmt"
	"maps"
	"math"
	"slices"
	"strings"
	"time"
)

// Field defaults applied when a caller leaves them out.
const (
	DefaultConfidence        = 0.5
	DefaultWeight            = 0.5
	DefaultOutcomeConfidence = 1.0
)

// NodeType classifies a unit of knowledge.
type NodeType string

const (
	NodeEpisodic   NodeType = "episodic"
	NodeSemantic   NodeType = "semantic"
	NodeProcedural NodeType = "procedural"
)

// EdgeType classifies a relationship between two nodes.
type EdgeType string

const (
	EdgeCausal      EdgeType = "causal"
	EdgeRelated     EdgeType = "related"
	EdgeContradicts EdgeType = "contradicts"
	EdgeSupports    EdgeType = "supports"
	EdgeDerivedFrom EdgeType = "derived_from"
)

// OutcomeStatus is the reported result of an action.
type OutcomeStatus string

const (
	StatusSuccess        OutcomeStatus = "success"
	StatusPartialSuccess OutcomeStatus = "partial_success"
	StatusFailure        OutcomeStatus = "failure"
	StatusTimeout        OutcomeStatus = "timeout"
)

// UnrecognizedValueError is returned by the Parse functions for values outside an enum.
type UnrecognizedValueError struct {
	Field string
	Value string
}

func (e *UnrecognizedValueError) Error() string {
	return fmt.Sprintf("unrecognized %s %q", e.Field, e.Value)
}

func canonical(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_")
}

// ParseNodeType parses s strictly.
func ParseNodeType(s string) (NodeType, error) {
	switch t := NodeType(canonical(s)); t {
	case NodeEpisodic, NodeSemantic, NodeProcedural:
		return t, nil
	}
	return "", &UnrecognizedValueError{Field: "node_type", Value: s}
}

// NormalizeNodeType parses s, falling back to semantic for anything unrecognized.
func NormalizeNodeType(s string) NodeType {
	t, err := ParseNodeType(s)
	if err != nil {
		return NodeSemantic
	}
	return t
}

// ParseEdgeType parses s strictly.
func ParseEdgeType(s string) (EdgeType, error) {
	switch t := EdgeType(canonical(s)); t {
	case EdgeCausal, EdgeRelated, EdgeContradicts, EdgeSupports, EdgeDerivedFrom:
		return t, nil
	}
	return "", &UnrecognizedValueError{Field: "edge_type", Value: s}
}

// NormalizeEdgeType parses s, falling back to related for anything unrecognized.
func NormalizeEdgeType(s string) EdgeType {
	t, err := ParseEdgeType(s)
	if err != nil {
		return EdgeRelated
	}
	return t
}

// ParseOutcomeStatus parses s strictly.
func ParseOutcomeStatus(s string) (OutcomeStatus, error) {
	switch st := OutcomeStatus(canonical(s)); st {
	case StatusSuccess, StatusPartialSuccess, StatusFailure, StatusTimeout:
		return st, nil
	}
	return "", &UnrecognizedValueError{Field: "status", Value: s}
}

// Clamp01 clamps x into [0,1]. NaN maps to 0.
func Clamp01(x float64) float64 {
	switch {
	case math.IsNaN(x), x < 0:
		return 0
	case x > 1:
		return 1
	}
	return x
}

// Node is a unit of knowledge.
type Node struct {
	ID             string         `json:"id"`
	Content        string         `json:"content"`
	NodeType       NodeType       `json:"node_type"`
	Confidence     float64        `json:"confidence"`
	Embedding      []float32      `json:"embedding,omitempty"`
	Metadata       map[string]any `json:"metadata"`
	Source         string         `json:"source,omitempty"`
	AccessCount    int64          `json:"access_count"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	LastAccessedAt time.Time      `json:"last_accessed_at"`
}

// Clone returns a copy that shares no mutable state with n.
func (n Node) Clone() Node {
	n.Embedding = slices.Clone(n.Embedding)
	n.Metadata = maps.Clone(n.Metadata)
	return n
}

// Edge is a typed, weighted relationship between two nodes. Traversal treats it as undirected.
type Edge struct {
	ID              string         `json:"id"`
	SourceID        string         `json:"source_id"`
	TargetID        string         `json:"target_id"`
	EdgeType        EdgeType       `json:"edge_type"`
	Weight          float64        `json:"weight"`
	Metadata        map[string]any `json:"metadata"`
	CreatedAt       time.Time      `json:"created_at"`
	LastActivatedAt time.Time      `json:"last_activated_at"`
}

// Clone returns a copy that shares no mutable state with e.
func (e Edge) Clone() Edge {
	e.Metadata = maps.Clone(e.Metadata)
	return e
}

// Other returns the endpoint of e opposite to id.
func (e Edge) Other(id string) string {
	if e.SourceID == id {
		return e.TargetID
	}
	return e.SourceID
}

// Touches reports whether id is either endpoint of e.
func (e Edge) Touches(id string) bool {
	return e.SourceID == id || e.TargetID == id
}

// Outcome is an append-only report that an action completed.
type Outcome struct {
	ID               string         `json:"id"`
	ActionID         string         `json:"action_id"`
	Status           OutcomeStatus  `json:"status"`
	Confidence       float64        `json:"confidence"`
	CausalNodeIDs    []string       `json:"causal_node_ids"`
	Evidence         map[string]any `json:"evidence"`
	RetrievalTraceID string         `json:"retrieval_trace_id,omitempty"`
	DecisionTraceID  string         `json:"decision_trace_id,omitempty"`
	ActionLinkage    map[string]any `json:"action_linkage"`
	Grounding        map[string]any `json:"grounding"`
	ObservedAt       time.Time      `json:"observed_at"`
	ProcessedAt      time.Time      `json:"processed_at"`
}

// Clone returns a copy that shares no mutable state with o.
func (o Outcome) Clone() Outcome {
	o.CausalNodeIDs = slices.Clone(o.CausalNodeIDs)
	o.Evidence = maps.Clone(o.Evidence)
	o.ActionLinkage = maps.Clone(o.ActionLinkage)
	o.Grounding = maps.Clone(o.Grounding)
	return o
}

// NodeAttrs are the caller-supplied fields for a new node.
type NodeAttrs struct {
	ID         string
	Content    string
	NodeType   string
	Confidence *float64
	Embedding  []float32
	Metadata   map[string]any
	Source     string
}

// NodePatch holds the fields to overwrite on an existing node. Nil fields are left alone.
// ClearEmbedding drops the stored embedding; a non-empty Embedding still wins over it.
type NodePatch struct {
	Content        *string
	NodeType       *string
	Confidence     *float64
	Embedding      []float32
	ClearEmbedding bool
	Metadata       map[string]any
	Source         *string
}

// NodeFilter narrows ListNodes. Zero values mean "no constraint".
type NodeFilter struct {
	NodeType      string
	MinConfidence *float64
	Limit         int
}

// EdgeAttrs are the caller-supplied fields for an edge.
type EdgeAttrs struct {
	ID       string
	SourceID string
	TargetID string
	EdgeType string
	Weight   *float64
	Metadata map[string]any
}

// OutcomeAttrs are the caller-supplied fields for an outcome.
type OutcomeAttrs struct {
	ID               string
	ActionID         string
	Status           string
	Confidence       *float64
	CausalNodeIDs    []string
	Evidence         map[string]any
	RetrievalTraceID string
	DecisionTraceID  string
	ActionLinkage    map[string]any
	Grounding        map[string]any
	ObservedAt       time.Time
}

// Float returns a pointer to v, for optional fields.
func Float(v float64) *float64 { return &v }

// String returns a pointer to v, for optional fields.
func String(v string) *string { return &v }
