package store

import (
	"cmp"
	"context"
	"database/sql"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lazypower/graphmem/internal/memerr"
	"github.com/lazypower/graphmem/internal/telemetry"
)

const outcomeColumns = `id, action_id, status, confidence, causal_node_ids, evidence,
	retrieval_trace_id, decision_trace_id, action_linkage, grounding, observed_at, processed_at`

// InsertOutcome appends an outcome record. Outcomes are never updated afterwards.
//
// The status is stored canonicalized but otherwise as given; interpreting unknown statuses
// is left to the reader.
func (s *Store) InsertOutcome(ctx context.Context, attrs OutcomeAttrs) (Outcome, error) {
	actionID := strings.TrimSpace(attrs.ActionID)
	if actionID == "" {
		return Outcome{}, memerr.Validation("insert outcome", "action_id is required")
	}
	status := OutcomeStatus(canonical(attrs.Status))
	if status == "" {
		return Outcome{}, memerr.Validation("insert outcome", "status is required")
	}

	confidence := DefaultOutcomeConfidence
	if attrs.Confidence != nil {
		confidence = Clamp01(*attrs.Confidence)
	}
	causal := slices.Clone(attrs.CausalNodeIDs)
	if causal == nil {
		causal = []string{}
	}
	rawIDs, err := encodeIDs(causal)
	if err != nil {
		return Outcome{}, memerr.Persistence("insert outcome", err)
	}
	evidence, rawEvidence, err := canonicalMap(attrs.Evidence)
	if err != nil {
		return Outcome{}, memerr.Persistence("insert outcome", err)
	}
	linkage, rawLinkage, err := canonicalMap(attrs.ActionLinkage)
	if err != nil {
		return Outcome{}, memerr.Persistence("insert outcome", err)
	}
	grounding, rawGrounding, err := canonicalMap(attrs.Grounding)
	if err != nil {
		return Outcome{}, memerr.Persistence("insert outcome", err)
	}

	id := strings.TrimSpace(attrs.ID)
	if id == "" {
		id = uuid.NewString()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	observed := now
	if !attrs.ObservedAt.IsZero() {
		observed = millis(attrs.ObservedAt)
	}
	o := Outcome{
		ID:               id,
		ActionID:         actionID,
		Status:           status,
		Confidence:       confidence,
		CausalNodeIDs:    causal,
		Evidence:         evidence,
		RetrievalTraceID: attrs.RetrievalTraceID,
		DecisionTraceID:  attrs.DecisionTraceID,
		ActionLinkage:    linkage,
		Grounding:        grounding,
		ObservedAt:       observed,
		ProcessedAt:      now,
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO outcomes (`+outcomeColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, o.ID, o.ActionID, string(o.Status), o.Confidence, rawIDs, rawEvidence,
		nullString(o.RetrievalTraceID), nullString(o.DecisionTraceID), rawLinkage, rawGrounding,
		o.ObservedAt.UnixMilli(), o.ProcessedAt.UnixMilli())
	if err != nil {
		return Outcome{}, memerr.Persistence("insert outcome", fmt.Errorf("insert outcome %s: %w", o.ID, err))
	}

	s.outcomes.put(o.ID, o)
	s.obs.OnEvent(telemetry.EventOutcomeRecorded,
		map[string]float64{"confidence": o.Confidence, "causal_nodes": float64(len(o.CausalNodeIDs))},
		map[string]string{"status": string(o.Status)})
	return o.Clone(), nil
}

// ListOutcomes returns outcomes most recently observed first. A limit <= 0 returns all of them.
func (s *Store) ListOutcomes(limit int) []Outcome {
	var out []Outcome
	s.outcomes.each(func(_ string, o Outcome) bool {
		out = append(out, o.Clone())
		return true
	})
	slices.SortFunc(out, func(a, b Outcome) int {
		if c := b.ObservedAt.Compare(a.ObservedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func scanOutcome(sc scanner) (Outcome, error) {
	var o Outcome
	var status, ids, evidence, linkage, grounding string
	var retrieval, decision sql.NullString
	var observed int64
	var processed sql.NullInt64
	if err := sc.Scan(&o.ID, &o.ActionID, &status, &o.Confidence, &ids, &evidence,
		&retrieval, &decision, &linkage, &grounding, &observed, &processed); err != nil {
		return Outcome{}, fmt.Errorf("scan outcome: %w", err)
	}

	var err error
	if o.CausalNodeIDs, err = decodeIDs(ids); err != nil {
		return Outcome{}, fmt.Errorf("outcome %s: %w", o.ID, err)
	}
	if o.Evidence, err = decodeMap(evidence); err != nil {
		return Outcome{}, fmt.Errorf("outcome %s evidence: %w", o.ID, err)
	}
	if o.ActionLinkage, err = decodeMap(linkage); err != nil {
		return Outcome{}, fmt.Errorf("outcome %s action_linkage: %w", o.ID, err)
	}
	if o.Grounding, err = decodeMap(grounding); err != nil {
		return Outcome{}, fmt.Errorf("outcome %s grounding: %w", o.ID, err)
	}
	o.Status = OutcomeStatus(status)
	o.RetrievalTraceID = retrieval.String
	o.DecisionTraceID = decision.String
	o.ObservedAt = time.UnixMilli(observed)
	if processed.Valid {
		o.ProcessedAt = time.UnixMilli(processed.Int64)
	}
	return o, nil
}
