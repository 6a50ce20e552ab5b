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

const edgeColumns = `id, source_id, target_id, edge_type, weight, metadata, created_at, last_activated_at`

// UpsertEdge creates an edge, or refreshes the existing one with the same endpoints and type.
// Both endpoints must exist; self-loops are rejected.
func (s *Store) UpsertEdge(ctx context.Context, attrs EdgeAttrs) (Edge, error) {
	src := strings.TrimSpace(attrs.SourceID)
	dst := strings.TrimSpace(attrs.TargetID)
	if src == "" || dst == "" {
		return Edge{}, memerr.Validation("upsert edge", "source_id and target_id are required")
	}
	if src == dst {
		return Edge{}, memerr.Validation("upsert edge", "self-loop on node %q", src)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range []string{src, dst} {
		if _, ok := s.nodes.get(id); !ok {
			return Edge{}, memerr.NotFound("upsert edge", "node", id)
		}
	}

	edgeType := NormalizeEdgeType(attrs.EdgeType)
	if id := strings.TrimSpace(attrs.ID); id != "" {
		if e, ok := s.edges.get(id); ok && !e.connects(src, dst, edgeType) {
			return Edge{}, memerr.Validation("upsert edge", "edge id %q already names a different edge", id)
		}
	}
	existing, found := s.findEdge(strings.TrimSpace(attrs.ID), src, dst, edgeType)
	now := s.clock()

	e := Edge{
		ID:              strings.TrimSpace(attrs.ID),
		SourceID:        src,
		TargetID:        dst,
		EdgeType:        edgeType,
		Weight:          DefaultWeight,
		CreatedAt:       now,
		LastActivatedAt: now,
	}
	if found {
		e = existing.Clone()
		e.LastActivatedAt = now
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if attrs.Weight != nil {
		e.Weight = Clamp01(*attrs.Weight)
	}
	if attrs.Metadata != nil || e.Metadata == nil {
		e.Metadata = attrs.Metadata
	}
	meta, rawMeta, err := canonicalMap(e.Metadata)
	if err != nil {
		return Edge{}, memerr.Persistence("upsert edge", err)
	}
	e.Metadata = meta

	if found {
		_, err = s.db.ExecContext(ctx, `
			UPDATE edges SET weight = ?, metadata = ?, last_activated_at = ?
			WHERE id = ?
		`, e.Weight, rawMeta, now.UnixMilli(), e.ID)
	} else {
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO edges (`+edgeColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, e.ID, e.SourceID, e.TargetID, string(e.EdgeType), e.Weight, rawMeta,
			now.UnixMilli(), now.UnixMilli())
	}
	if err != nil {
		return Edge{}, memerr.Persistence("upsert edge", fmt.Errorf("write edge %s: %w", e.ID, err))
	}

	s.edges.put(e.ID, e)
	created := 0.0
	if !found {
		created = 1
	}
	s.obs.OnEvent(telemetry.EventEdgeUpserted,
		map[string]float64{"weight": e.Weight, "created": created},
		map[string]string{"edge_type": string(e.EdgeType)})
	return e.Clone(), nil
}

// findEdge looks an edge up by id, then by (source, target, type). Callers hold s.mu.
func (s *Store) findEdge(id, src, dst string, t EdgeType) (Edge, bool) {
	if id != "" {
		if e, ok := s.edges.get(id); ok && e.connects(src, dst, t) {
			return e, true
		}
	}
	var match Edge
	var found bool
	s.edges.each(func(_ string, e Edge) bool {
		if e.connects(src, dst, t) {
			match, found = e, true
			return false
		}
		return true
	})
	return match, found
}

func (e Edge) connects(src, dst string, t EdgeType) bool {
	return e.SourceID == src && e.TargetID == dst && e.EdgeType == t
}

// GetEdge returns the cached edge with the given id.
func (s *Store) GetEdge(id string) (Edge, error) {
	e, ok := s.edges.get(id)
	if !ok {
		return Edge{}, memerr.NotFound("get edge", "edge", id)
	}
	return e.Clone(), nil
}

// ListEdgesForNode returns every edge with id at either end, heaviest first.
func (s *Store) ListEdgesForNode(id string) []Edge {
	var out []Edge
	s.edges.each(func(_ string, e Edge) bool {
		if e.Touches(id) {
			out = append(out, e.Clone())
		}
		return true
	})
	slices.SortFunc(out, func(a, b Edge) int {
		if c := cmp.Compare(b.Weight, a.Weight); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

// DeleteEdge removes an edge. Deleting an absent edge succeeds.
func (s *Store) DeleteEdge(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.edges.delete(id)
	if _, err := s.db.ExecContext(ctx, "DELETE FROM edges WHERE id = ?", id); err != nil {
		return memerr.Persistence("delete edge", fmt.Errorf("delete edge %s: %w", id, err))
	}
	return nil
}

func scanEdge(sc scanner) (Edge, error) {
	var e Edge
	var edgeType, meta string
	var created int64
	var activated sql.NullInt64
	if err := sc.Scan(&e.ID, &e.SourceID, &e.TargetID, &edgeType, &e.Weight, &meta,
		&created, &activated); err != nil {
		return Edge{}, fmt.Errorf("scan edge: %w", err)
	}
	md, err := decodeMap(meta)
	if err != nil {
		return Edge{}, fmt.Errorf("edge %s metadata: %w", e.ID, err)
	}
	e.EdgeType = NormalizeEdgeType(edgeType)
	e.Weight = Clamp01(e.Weight)
	e.Metadata = md
	e.CreatedAt = time.UnixMilli(created)
	if activated.Valid {
		e.LastActivatedAt = time.UnixMilli(activated.Int64)
	}
	return e, nil
}
