// Package learner revises node confidence from reported action outcomes.
//
// Each outcome status maps to a signal in [-1, 1], scaled by the outcome's confidence and
// remapped to a target in [0, 1]. Every causal node then moves a fixed fraction (the learning
// rate) of the way from its current confidence toward that target.
package learner

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/lazypower/graphmem/internal/memerr"
	"github.com/lazypower/graphmem/internal/store"
	"github.com/lazypower/graphmem/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Defaults.
const (
	DefaultLearningRate  = 0.2
	DefaultFeedbackLimit = 20
)

// Metadata keys written on causal nodes.
const (
	MetaFeedback      = "feedback"
	MetaFeedbackCount = "feedback_count"
)

// Per-node results.
const (
	NodeUpdated         = "updated"
	NodeSkippedNotFound = "skipped_not_found"
	NodeError           = "error"
)

var signals = map[store.OutcomeStatus]float64{
	store.StatusSuccess:        1.0,
	store.StatusPartialSuccess: 0.4,
	store.StatusFailure:        -0.5,
	store.StatusTimeout:        -0.25,
}

// Signal returns the raw signal for status. Unrecognized statuses count as failures.
func Signal(status store.OutcomeStatus) float64 {
	if s, ok := signals[status]; ok {
		return s
	}
	return signals[store.StatusFailure]
}

// Target maps a status and outcome confidence onto the [0,1] confidence scale.
func Target(status store.OutcomeStatus, outcomeConfidence float64) float64 {
	scaled := Signal(status) * store.Clamp01(outcomeConfidence)
	return store.Clamp01((scaled + 1) / 2)
}

// Revise applies one smoothing step from old toward target.
func Revise(old, target, lr float64) float64 {
	return store.Clamp01(old*(1-lr) + target*lr)
}

// Store is what the learner needs from the store.
type Store interface {
	InsertOutcome(ctx context.Context, attrs store.OutcomeAttrs) (store.Outcome, error)
	ModifyNode(ctx context.Context, id string, fn func(store.Node) (store.NodePatch, error)) (store.Node, error)
}

// OutcomeInput describes a completed action.
type OutcomeInput = store.OutcomeAttrs

// NodeResult is the per-node detail of a learning pass.
type NodeResult struct {
	NodeID        string  `json:"node_id"`
	Status        string  `json:"status"`
	OldConfidence float64 `json:"old_confidence"`
	NewConfidence float64 `json:"new_confidence"`
	Error         string  `json:"error,omitempty"`

	err error
}

// Err returns the underlying failure for NodeError results.
func (r NodeResult) Err() error { return r.err }

// LearnResult aggregates a learning pass.
type LearnResult struct {
	Outcome   store.Outcome `json:"outcome"`
	Target    float64       `json:"target"`
	Processed int           `json:"processed"`
	Updated   int           `json:"updated"`
	Skipped   int           `json:"skipped"`
	Errors    int           `json:"errors"`
	Nodes     []NodeResult  `json:"nodes"`
}

// Learner applies outcome feedback to node confidences.
type Learner struct {
	store         Store
	lr            float64
	feedbackLimit int

	log    *zap.Logger
	obs    telemetry.Observer
	tracer trace.Tracer
	now    func() time.Time
}

// Option configures a Learner.
type Option func(*Learner)

// WithLearningRate sets the smoothing rate; it must lie in (0, 1].
func WithLearningRate(lr float64) Option {
	return func(l *Learner) { l.lr = lr }
}

// WithFeedbackLimit caps how many feedback records a node keeps in its metadata.
func WithFeedbackLimit(n int) Option {
	return func(l *Learner) { l.feedbackLimit = n }
}

// WithLogger sets the learner logger.
func WithLogger(lg *zap.Logger) Option {
	return func(l *Learner) { l.log = lg }
}

// WithObserver sets the telemetry hook.
func WithObserver(o telemetry.Observer) Option {
	return func(l *Learner) { l.obs = o }
}

// WithClock overrides the time source for feedback timestamps.
func WithClock(now func() time.Time) Option {
	return func(l *Learner) { l.now = now }
}

// New builds a Learner. The learning rate is fixed for the Learner's lifetime.
func New(s Store, opts ...Option) (*Learner, error) {
	l := &Learner{
		store:         s,
		lr:            DefaultLearningRate,
		feedbackLimit: DefaultFeedbackLimit,
		log:           zap.NewNop(),
		obs:           telemetry.Nop{},
		tracer:        telemetry.Tracer("learner"),
		now:           time.Now,
	}
	for _, o := range opts {
		o(l)
	}
	if !(l.lr > 0 && l.lr <= 1) {
		return nil, memerr.Validation("new learner", "learning rate %v outside (0, 1]", l.lr)
	}
	if l.feedbackLimit <= 0 {
		l.feedbackLimit = DefaultFeedbackLimit
	}
	return l, nil
}

// LearningRate returns the configured rate.
func (l *Learner) LearningRate() float64 { return l.lr }

// LearnFromOutcome records the outcome, then revises every causal node independently. Only
// a failure to record the outcome fails the call; per-node problems are reported in the
// result.
func (l *Learner) LearnFromOutcome(ctx context.Context, in OutcomeInput) (res *LearnResult, err error) {
	ctx, span := l.tracer.Start(ctx, "learner.LearnFromOutcome")
	defer func() { telemetry.EndSpan(span, err) }()
	start := time.Now()

	in.CausalNodeIDs = uniqueIDs(in.CausalNodeIDs)
	outcome, err := l.store.InsertOutcome(ctx, in)
	if err != nil {
		return nil, err
	}

	target := Target(outcome.Status, outcome.Confidence)
	res = &LearnResult{Outcome: outcome, Target: target, Nodes: make([]NodeResult, 0, len(outcome.CausalNodeIDs))}
	for _, id := range outcome.CausalNodeIDs {
		nr := l.revise(ctx, id, outcome, target)
		res.Processed++
		switch nr.Status {
		case NodeUpdated:
			res.Updated++
		case NodeSkippedNotFound:
			res.Skipped++
		default:
			res.Errors++
			l.log.Warn("confidence update failed",
				zap.String("node", id), zap.String("outcome", outcome.ID), zap.Error(nr.err))
		}
		res.Nodes = append(res.Nodes, nr)
	}

	span.SetAttributes(
		attribute.String("status", string(outcome.Status)),
		attribute.Int("updated", res.Updated),
	)
	l.obs.OnEvent(telemetry.EventLearn, map[string]float64{
		"processed":   float64(res.Processed),
		"updated":     float64(res.Updated),
		"skipped":     float64(res.Skipped),
		"errors":      float64(res.Errors),
		"target":      target,
		"duration_ms": float64(time.Since(start).Microseconds()) / 1000,
	}, map[string]string{"status": string(outcome.Status)})
	return res, nil
}

// revise moves one node toward target. The read, the new value and the feedback record are
// computed and written as one store modification, so concurrent outcomes never overwrite
// each other.
func (l *Learner) revise(ctx context.Context, id string, o store.Outcome, target float64) NodeResult {
	var old float64
	updated, err := l.store.ModifyNode(ctx, id, func(n store.Node) (store.NodePatch, error) {
		old = n.Confidence
		next := Revise(n.Confidence, target, l.lr)
		meta := n.Metadata
		if meta == nil {
			meta = map[string]any{}
		}
		record := map[string]any{
			"outcome_id":         o.ID,
			"action_id":          o.ActionID,
			"status":             string(o.Status),
			"outcome_confidence": o.Confidence,
			"old_confidence":     n.Confidence,
			"new_confidence":     next,
			"at":                 l.now().UTC().Format(time.RFC3339Nano),
		}
		if o.RetrievalTraceID != "" {
			record["retrieval_trace_id"] = o.RetrievalTraceID
		}
		if o.DecisionTraceID != "" {
			record["decision_trace_id"] = o.DecisionTraceID
		}
		meta[MetaFeedback] = appendFeedback(meta[MetaFeedback], record, l.feedbackLimit)
		meta[MetaFeedbackCount] = count(meta[MetaFeedbackCount]) + 1
		return store.NodePatch{Confidence: &next, Metadata: meta}, nil
	})
	if err != nil {
		return nodeFailure(id, err)
	}
	return NodeResult{
		NodeID:        id,
		Status:        NodeUpdated,
		OldConfidence: old,
		NewConfidence: updated.Confidence,
	}
}

func nodeFailure(id string, err error) NodeResult {
	if errors.Is(err, memerr.ErrNotFound) {
		return NodeResult{NodeID: id, Status: NodeSkippedNotFound}
	}
	return NodeResult{NodeID: id, Status: NodeError, Error: err.Error(), err: err}
}

// appendFeedback adds record to the existing feedback list, keeping the newest limit entries.
func appendFeedback(existing any, record map[string]any, limit int) []any {
	var list []any
	if prev, ok := existing.([]any); ok {
		list = slices.Clone(prev)
	}
	list = append(list, record)
	if len(list) > limit {
		list = list[len(list)-limit:]
	}
	return list
}

// count reads a metadata counter that may have been through a JSON round trip.
func count(v any) int64 {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int64:
		return n
	case float64:
		return int64(n)
	case json.Number:
		i, _ := n.Int64()
		return i
	}
	return 0
}

func uniqueIDs(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
