package store

import (
	"cmp"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lazypower/graphmem/internal/memerr"
	"github.com/lazypower/graphmem/internal/telemetry"
	"go.uber.org/zap"
)

const nodeColumns = `id, content, node_type, confidence, embedding, metadata, source,
	access_count, created_at, updated_at, last_accessed_at`

// InsertNode assigns an id if absent, normalizes the attributes, writes the node and then caches it.
func (s *Store) InsertNode(ctx context.Context, attrs NodeAttrs) (Node, error) {
	meta, rawMeta, err := canonicalMap(attrs.Metadata)
	if err != nil {
		return Node{}, memerr.Persistence("insert node", err)
	}

	id := strings.TrimSpace(attrs.ID)
	if id == "" {
		id = uuid.NewString()
	}
	confidence := DefaultConfidence
	if attrs.Confidence != nil {
		confidence = Clamp01(*attrs.Confidence)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	n := Node{
		ID:             id,
		Content:        attrs.Content,
		NodeType:       NormalizeNodeType(attrs.NodeType),
		Confidence:     confidence,
		Embedding:      NormalizeVector(attrs.Embedding),
		Metadata:       meta,
		Source:         attrs.Source,
		CreatedAt:      now,
		UpdatedAt:      now,
		LastAccessedAt: now,
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO nodes (`+nodeColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, n.ID, n.Content, string(n.NodeType), n.Confidence, embeddingBlob(n.Embedding), rawMeta,
		nullString(n.Source), n.AccessCount, now.UnixMilli(), now.UnixMilli(), now.UnixMilli())
	if err != nil {
		return Node{}, memerr.Persistence("insert node", fmt.Errorf("insert node %s: %w", n.ID, err))
	}

	s.nodes.put(n.ID, n)
	s.log.Debug("node inserted", zap.String("id", n.ID), zap.String("type", string(n.NodeType)))
	s.obs.OnEvent(telemetry.EventNodeInserted,
		map[string]float64{"confidence": n.Confidence, "dimensions": float64(len(n.Embedding))},
		map[string]string{"node_type": string(n.NodeType)})
	return n.Clone(), nil
}

// GetNode returns the cached node with the given id.
func (s *Store) GetNode(id string) (Node, error) {
	n, ok := s.nodes.get(id)
	if !ok {
		return Node{}, memerr.NotFound("get node", "node", id)
	}
	return n.Clone(), nil
}

// ListNodes scans the cache, most recently updated first.
func (s *Store) ListNodes(filter NodeFilter) ([]Node, error) {
	var want NodeType
	if strings.TrimSpace(filter.NodeType) != "" {
		t, err := ParseNodeType(filter.NodeType)
		if err != nil {
			return nil, memerr.Validation("list nodes", "%v", err)
		}
		want = t
	}

	var out []Node
	s.nodes.each(func(_ string, n Node) bool {
		if want != "" && n.NodeType != want {
			return true
		}
		if filter.MinConfidence != nil && n.Confidence < *filter.MinConfidence {
			return true
		}
		out = append(out, n.Clone())
		return true
	})

	slices.SortFunc(out, func(a, b Node) int {
		if c := b.UpdatedAt.Compare(a.UpdatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// UpdateNode merges patch over the cached node and re-persists it. Nil patch fields are
// left as they are.
func (s *Store) UpdateNode(ctx context.Context, id string, patch NodePatch) (Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.nodes.get(id)
	if !ok {
		return Node{}, memerr.NotFound("update node", "node", id)
	}
	return s.applyPatch(ctx, "update node", cur, patch)
}

// ErrNoChange tells ModifyNode to leave the node as it is.
var ErrNoChange = errors.New("no change")

// ModifyNode reads the node, asks fn for a patch and persists it without letting another
// write in between. fn gets a private copy. Returning ErrNoChange skips the write and
// ModifyNode returns the current node; any other error is returned as is.
func (s *Store) ModifyNode(ctx context.Context, id string, fn func(Node) (NodePatch, error)) (Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.nodes.get(id)
	if !ok {
		return Node{}, memerr.NotFound("modify node", "node", id)
	}
	patch, err := fn(cur.Clone())
	if errors.Is(err, ErrNoChange) {
		return cur.Clone(), nil
	}
	if err != nil {
		return Node{}, err
	}
	return s.applyPatch(ctx, "modify node", cur, patch)
}

// applyPatch writes patch over cur. Callers hold s.mu.
func (s *Store) applyPatch(ctx context.Context, op string, cur Node, patch NodePatch) (Node, error) {
	id := cur.ID
	next := cur.Clone()
	if patch.Content != nil {
		next.Content = *patch.Content
	}
	if patch.NodeType != nil {
		next.NodeType = NormalizeNodeType(*patch.NodeType)
	}
	if patch.Confidence != nil {
		next.Confidence = Clamp01(*patch.Confidence)
	}
	if patch.ClearEmbedding {
		next.Embedding = nil
	}
	if len(patch.Embedding) > 0 {
		next.Embedding = NormalizeVector(patch.Embedding)
	}
	if patch.Source != nil {
		next.Source = *patch.Source
	}
	rawMeta := ""
	if patch.Metadata != nil {
		meta, raw, err := canonicalMap(patch.Metadata)
		if err != nil {
			return Node{}, memerr.Persistence(op, err)
		}
		next.Metadata, rawMeta = meta, raw
	} else {
		_, raw, err := canonicalMap(next.Metadata)
		if err != nil {
			return Node{}, memerr.Persistence(op, err)
		}
		rawMeta = raw
	}
	next.UpdatedAt = s.clock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE nodes SET content = ?, node_type = ?, confidence = ?, embedding = ?, metadata = ?,
			source = ?, updated_at = ?
		WHERE id = ?
	`, next.Content, string(next.NodeType), next.Confidence, embeddingBlob(next.Embedding), rawMeta,
		nullString(next.Source), next.UpdatedAt.UnixMilli(), id)
	if err != nil {
		return Node{}, memerr.Persistence(op, fmt.Errorf("update node %s: %w", id, err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Cached but gone from storage: the cache was ahead, drop it.
		s.nodes.delete(id)
		return Node{}, memerr.NotFound(op, "node", id)
	}

	s.nodes.put(id, next)
	s.obs.OnEvent(telemetry.EventNodeUpdated,
		map[string]float64{"confidence": next.Confidence, "previous_confidence": cur.Confidence},
		map[string]string{"node_type": string(next.NodeType)})
	return next.Clone(), nil
}

// DeleteNode evicts the node and its incident edges from the cache, then deletes them from
// storage. Deleting an absent node succeeds.
func (s *Store) DeleteNode(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleteLocked(ctx, id)
}

// DeleteNodeIf deletes the node when drop reports true for its current state, deciding and
// deleting without letting another write in between. An absent node reports false.
func (s *Store) DeleteNodeIf(ctx context.Context, id string, drop func(Node) bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.nodes.get(id)
	if !ok || !drop(cur.Clone()) {
		return false, nil
	}
	if err := s.deleteLocked(ctx, id); err != nil {
		return false, err
	}
	return true, nil
}

// deleteLocked removes id and its edges. Callers hold s.mu.
func (s *Store) deleteLocked(ctx context.Context, id string) error {
	s.nodes.delete(id)
	var incident []string
	s.edges.each(func(edgeID string, e Edge) bool {
		if e.Touches(id) {
			incident = append(incident, edgeID)
		}
		return true
	})
	for _, edgeID := range incident {
		s.edges.delete(edgeID)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return memerr.Persistence("delete node", fmt.Errorf("begin delete %s: %w", id, err))
	}
	// foreign_keys is per connection, so incident edges are removed explicitly.
	if _, err := tx.ExecContext(ctx, "DELETE FROM edges WHERE source_id = ? OR target_id = ?", id, id); err != nil {
		tx.Rollback()
		return memerr.Persistence("delete node", fmt.Errorf("delete edges of %s: %w", id, err))
	}
	res, err := tx.ExecContext(ctx, "DELETE FROM nodes WHERE id = ?", id)
	if err != nil {
		tx.Rollback()
		return memerr.Persistence("delete node", fmt.Errorf("delete node %s: %w", id, err))
	}
	if err := tx.Commit(); err != nil {
		return memerr.Persistence("delete node", fmt.Errorf("commit delete %s: %w", id, err))
	}

	removed, _ := res.RowsAffected()
	if removed > 0 {
		s.obs.OnEvent(telemetry.EventNodeDeleted,
			map[string]float64{"edges": float64(len(incident))}, nil)
	}
	return nil
}

// IncrementAccess bumps the access counter and refreshes the access and update timestamps.
func (s *Store) IncrementAccess(ctx context.Context, id string) (Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.nodes.get(id)
	if !ok {
		return Node{}, memerr.NotFound("increment access", "node", id)
	}
	next := cur.Clone()
	now := s.clock()
	next.AccessCount++
	next.LastAccessedAt = now
	next.UpdatedAt = now

	res, err := s.db.ExecContext(ctx, `
		UPDATE nodes SET access_count = ?, last_accessed_at = ?, updated_at = ?
		WHERE id = ?
	`, next.AccessCount, now.UnixMilli(), now.UnixMilli(), id)
	if err != nil {
		return Node{}, memerr.Persistence("increment access", fmt.Errorf("touch node %s: %w", id, err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		s.nodes.delete(id)
		return Node{}, memerr.NotFound("increment access", "node", id)
	}

	s.nodes.put(id, next)
	return next.Clone(), nil
}

func scanNode(sc scanner) (Node, error) {
	var n Node
	var nodeType, meta string
	var emb []byte
	var source sql.NullString
	var created, updated int64
	var lastAccess sql.NullInt64
	if err := sc.Scan(&n.ID, &n.Content, &nodeType, &n.Confidence, &emb, &meta, &source,
		&n.AccessCount, &created, &updated, &lastAccess); err != nil {
		return Node{}, fmt.Errorf("scan node: %w", err)
	}
	md, err := decodeMap(meta)
	if err != nil {
		return Node{}, fmt.Errorf("node %s metadata: %w", n.ID, err)
	}
	n.NodeType = NormalizeNodeType(nodeType)
	n.Confidence = Clamp01(n.Confidence)
	n.Embedding = DecodeEmbedding(emb)
	n.Metadata = md
	n.Source = source.String
	n.CreatedAt = time.UnixMilli(created)
	n.UpdatedAt = time.UnixMilli(updated)
	if lastAccess.Valid {
		n.LastAccessedAt = time.UnixMilli(lastAccess.Int64)
	}
	return n, nil
}

func embeddingBlob(vec []float32) any {
	if len(vec) == 0 {
		return nil
	}
	return EncodeEmbedding(vec)
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
