package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/lazypower/graphmem/internal/memerr"
)

func TestInsertNodeDefaults(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	n, err := s.InsertNode(ctx, NodeAttrs{Content: "Prefer PostgreSQL for OLTP", NodeType: "opinion"})
	if err != nil {
		t.Fatalf("InsertNode: %v", err)
	}
	if n.ID == "" {
		t.Error("expected generated id")
	}
	if n.NodeType != NodeSemantic {
		t.Errorf("node_type = %q, want semantic", n.NodeType)
	}
	if n.Confidence != DefaultConfidence {
		t.Errorf("confidence = %v, want %v", n.Confidence, DefaultConfidence)
	}
	if n.Metadata == nil {
		t.Error("metadata should default to an empty map")
	}
	if n.Embedding != nil {
		t.Errorf("embedding = %v, want nil", n.Embedding)
	}
}

func TestInsertNodeClampsConfidence(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	low, err := s.InsertNode(ctx, NodeAttrs{Content: "a", Confidence: Float(-5)})
	if err != nil {
		t.Fatalf("InsertNode: %v", err)
	}
	high, err := s.InsertNode(ctx, NodeAttrs{Content: "b", Confidence: Float(5)})
	if err != nil {
		t.Fatalf("InsertNode: %v", err)
	}
	if low.Confidence != 0 {
		t.Errorf("confidence(-5) = %v, want 0", low.Confidence)
	}
	if high.Confidence != 1 {
		t.Errorf("confidence(5) = %v, want 1", high.Confidence)
	}
}

func TestGetNodeRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	in, err := s.InsertNode(ctx, NodeAttrs{
		ID:         "n1",
		Content:    "Deploys go out on Tuesdays",
		NodeType:   "procedural",
		Confidence: Float(0.7),
		Embedding:  []float32{3, 4},
		Metadata:   map[string]any{"team": "infra"},
		Source:     "runbook",
	})
	if err != nil {
		t.Fatalf("InsertNode: %v", err)
	}

	got, err := s.GetNode("n1")
	if err != nil {
		t.Fatalf("GetNode: %v", err)
	}
	if got.Content != in.Content || got.NodeType != NodeProcedural || got.Confidence != 0.7 {
		t.Errorf("GetNode = %+v, want %+v", got, in)
	}
	if len(got.Embedding) != 2 || got.Embedding[0] != 0.6 {
		t.Errorf("embedding = %v, want normalized [0.6 0.8]", got.Embedding)
	}
	if got.Metadata["team"] != "infra" {
		t.Errorf("metadata = %v", got.Metadata)
	}

	// Mutating the returned copy must not reach the cache.
	got.Metadata["team"] = "changed"
	again, _ := s.GetNode("n1")
	if again.Metadata["team"] != "infra" {
		t.Error("cache entry shares metadata with caller")
	}
}

func TestGetNodeNotFound(t *testing.T) {
	s := testStore(t)

	_, err := s.GetNode("missing")
	if !errors.Is(err, memerr.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestListNodesFilterAndOrder(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	s := testStore(t, WithClock(func() time.Time {
		now = now.Add(time.Second)
		return now
	}))
	ctx := context.Background()

	for _, a := range []NodeAttrs{
		{ID: "old", Content: "old", NodeType: "episodic", Confidence: Float(0.9)},
		{ID: "mid", Content: "mid", NodeType: "semantic", Confidence: Float(0.2)},
		{ID: "new", Content: "new", NodeType: "semantic", Confidence: Float(0.8)},
	} {
		if _, err := s.InsertNode(ctx, a); err != nil {
			t.Fatalf("InsertNode %s: %v", a.ID, err)
		}
	}

	all, err := s.ListNodes(NodeFilter{})
	if err != nil {
		t.Fatalf("ListNodes: %v", err)
	}
	if len(all) != 3 || all[0].ID != "new" || all[2].ID != "old" {
		t.Errorf("order = %v, want new, mid, old", ids(all))
	}

	sem, _ := s.ListNodes(NodeFilter{NodeType: "semantic", MinConfidence: Float(0.5)})
	if len(sem) != 1 || sem[0].ID != "new" {
		t.Errorf("filtered = %v, want [new]", ids(sem))
	}

	capped, _ := s.ListNodes(NodeFilter{Limit: 2})
	if len(capped) != 2 {
		t.Errorf("limited = %d nodes, want 2", len(capped))
	}

	if _, err := s.ListNodes(NodeFilter{NodeType: "opinion"}); !errors.Is(err, memerr.ErrValidation) {
		t.Errorf("unknown filter type err = %v, want ErrValidation", err)
	}
}

func TestUpdateNodePatch(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	n, _ := s.InsertNode(ctx, NodeAttrs{Content: "v1", Source: "chat", Metadata: map[string]any{"k": "v"}})

	updated, err := s.UpdateNode(ctx, n.ID, NodePatch{Confidence: Float(2)})
	if err != nil {
		t.Fatalf("UpdateNode: %v", err)
	}
	if updated.Confidence != 1 {
		t.Errorf("confidence = %v, want clamped 1", updated.Confidence)
	}
	if updated.Content != "v1" || updated.Source != "chat" || updated.Metadata["k"] != "v" {
		t.Errorf("absent patch fields overwritten: %+v", updated)
	}

	if _, err := s.UpdateNode(ctx, "missing", NodePatch{Content: String("x")}); !errors.Is(err, memerr.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestModifyNodeSerializesWriters(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	n, _ := s.InsertNode(ctx, NodeAttrs{Content: "counter", Confidence: Float(0)})

	const writers = 40
	var wg sync.WaitGroup
	for range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.ModifyNode(ctx, n.ID, func(cur Node) (NodePatch, error) {
				hits, _ := cur.Metadata["hits"].(float64)
				return NodePatch{
					Confidence: Float(cur.Confidence + 0.01),
					Metadata:   map[string]any{"hits": hits + 1},
				}, nil
			})
			if err != nil {
				t.Errorf("ModifyNode: %v", err)
			}
		}()
	}
	wg.Wait()

	got, _ := s.GetNode(n.ID)
	if got.Metadata["hits"] != float64(writers) {
		t.Errorf("hits = %v, want %d", got.Metadata["hits"], writers)
	}
	if got.Confidence < 0.399 || got.Confidence > 0.401 {
		t.Errorf("confidence = %v, want 0.4", got.Confidence)
	}
}

func TestModifyNodeNoChange(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	n, _ := s.InsertNode(ctx, NodeAttrs{Content: "still"})
	got, err := s.ModifyNode(ctx, n.ID, func(Node) (NodePatch, error) { return NodePatch{}, ErrNoChange })
	if err != nil {
		t.Fatalf("ModifyNode: %v", err)
	}
	if !got.UpdatedAt.Equal(n.UpdatedAt) {
		t.Errorf("updated_at moved on a skipped write")
	}

	boom := errors.New("boom")
	if _, err := s.ModifyNode(ctx, n.ID, func(Node) (NodePatch, error) { return NodePatch{}, boom }); !errors.Is(err, boom) {
		t.Errorf("err = %v, want callback error", err)
	}
	if _, err := s.ModifyNode(ctx, "missing", func(Node) (NodePatch, error) { return NodePatch{}, nil }); !errors.Is(err, memerr.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestDeleteNodeIf(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	weak, _ := s.InsertNode(ctx, NodeAttrs{Content: "weak", Confidence: Float(0.05)})
	firm, _ := s.InsertNode(ctx, NodeAttrs{Content: "firm", Confidence: Float(0.9)})
	below := func(n Node) bool { return n.Confidence < 0.1 }

	for _, tt := range []struct {
		id   string
		want bool
	}{
		{weak.ID, true},
		{firm.ID, false},
		{"missing", false},
	} {
		got, err := s.DeleteNodeIf(ctx, tt.id, below)
		if err != nil {
			t.Fatalf("DeleteNodeIf(%s): %v", tt.id, err)
		}
		if got != tt.want {
			t.Errorf("DeleteNodeIf(%s) = %v, want %v", tt.id, got, tt.want)
		}
	}
	if _, err := s.GetNode(weak.ID); !errors.Is(err, memerr.ErrNotFound) {
		t.Errorf("weak node survived: %v", err)
	}
	if _, err := s.GetNode(firm.ID); err != nil {
		t.Errorf("firm node gone: %v", err)
	}
}

func TestDeleteNodeIdempotent(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	a, _ := s.InsertNode(ctx, NodeAttrs{Content: "a"})
	b, _ := s.InsertNode(ctx, NodeAttrs{Content: "b"})
	if _, err := s.UpsertEdge(ctx, EdgeAttrs{SourceID: a.ID, TargetID: b.ID}); err != nil {
		t.Fatalf("UpsertEdge: %v", err)
	}

	if err := s.DeleteNode(ctx, a.ID); err != nil {
		t.Fatalf("DeleteNode: %v", err)
	}
	if err := s.DeleteNode(ctx, a.ID); err != nil {
		t.Errorf("second DeleteNode: %v", err)
	}
	if _, err := s.GetNode(a.ID); !errors.Is(err, memerr.ErrNotFound) {
		t.Errorf("deleted node still cached: %v", err)
	}
	if edges := s.ListEdgesForNode(b.ID); len(edges) != 0 {
		t.Errorf("incident edges survived delete: %d", len(edges))
	}

	var count int
	if err := s.DB().QueryRow("SELECT COUNT(*) FROM edges").Scan(&count); err != nil {
		t.Fatalf("count edges: %v", err)
	}
	if count != 0 {
		t.Errorf("durable edges = %d, want 0", count)
	}
}

func TestIncrementAccess(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	n, _ := s.InsertNode(ctx, NodeAttrs{Content: "a"})
	for i := 0; i < 3; i++ {
		if _, err := s.IncrementAccess(ctx, n.ID); err != nil {
			t.Fatalf("IncrementAccess: %v", err)
		}
	}
	got, _ := s.GetNode(n.ID)
	if got.AccessCount != 3 {
		t.Errorf("access_count = %d, want 3", got.AccessCount)
	}

	if _, err := s.IncrementAccess(ctx, "missing"); !errors.Is(err, memerr.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestRebuildCacheAfterRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "graphmem.db")
	ctx := context.Background()

	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	s, err := New(ctx, db)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	a, _ := s.InsertNode(ctx, NodeAttrs{Content: "a", Embedding: []float32{1, 2, 2}, Metadata: map[string]any{"n": 1}})
	b, _ := s.InsertNode(ctx, NodeAttrs{Content: "b"})
	s.UpsertEdge(ctx, EdgeAttrs{SourceID: a.ID, TargetID: b.ID, EdgeType: "supports", Weight: Float(0.9)})
	s.InsertOutcome(ctx, OutcomeAttrs{ActionID: "act-1", Status: "success", CausalNodeIDs: []string{a.ID}})
	before, _ := s.GetNode(a.ID)
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	db, err = Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	s, err = New(ctx, db)
	if err != nil {
		t.Fatalf("New after restart: %v", err)
	}
	defer s.Close()

	after, err := s.GetNode(a.ID)
	if err != nil {
		t.Fatalf("GetNode after restart: %v", err)
	}
	if after.Content != before.Content || after.Confidence != before.Confidence ||
		!after.UpdatedAt.Equal(before.UpdatedAt) || len(after.Embedding) != 3 ||
		after.Embedding[1] != before.Embedding[1] || after.Metadata["n"] != before.Metadata["n"] {
		t.Errorf("after restart = %+v, want %+v", after, before)
	}

	stats := s.Stats()
	if stats.Nodes != 2 || stats.Edges != 1 || stats.Outcomes != 1 {
		t.Errorf("stats = %+v, want 2/1/1", stats)
	}
}

func TestPersistenceFailureLeavesCache(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	n, _ := s.InsertNode(ctx, NodeAttrs{Content: "kept", Confidence: Float(0.4)})
	s.DB().Close()

	if _, err := s.InsertNode(ctx, NodeAttrs{ID: "lost", Content: "lost"}); !errors.Is(err, memerr.ErrPersistence) {
		t.Errorf("insert err = %v, want ErrPersistence", err)
	}
	if _, err := s.GetNode("lost"); !errors.Is(err, memerr.ErrNotFound) {
		t.Error("failed insert reached the cache")
	}

	if _, err := s.UpdateNode(ctx, n.ID, NodePatch{Confidence: Float(0.9)}); !errors.Is(err, memerr.ErrPersistence) {
		t.Errorf("update err = %v, want ErrPersistence", err)
	}
	got, _ := s.GetNode(n.ID)
	if got.Confidence != 0.4 {
		t.Errorf("confidence = %v after failed update, want 0.4", got.Confidence)
	}

	if err := s.RebuildCache(ctx); !errors.Is(err, memerr.ErrPersistence) {
		t.Errorf("rebuild err = %v, want ErrPersistence", err)
	}
	if _, err := s.GetNode(n.ID); err != nil {
		t.Error("failed rebuild dropped the cache")
	}
}

func testDB(t *testing.T) *DB {
	t.Helper()
	db, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func testStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	s, err := New(context.Background(), testDB(t), opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func ids(nodes []Node) []string {
	out := make([]string, len(nodes))
	for i, n := range nodes {
		out[i] = n.ID
	}
	return out
}
