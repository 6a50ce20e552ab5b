package embed

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/sony/gobreaker"
)

func TestTokenize(t *testing.T) {
	tests := []struct {
		input string
		want  int
	}{
		{"Hello World", 2},
		{"Go developer, prefers minimal dependencies.", 5},
		{"a b c", 0}, // single chars skipped
		{"use the database for transactions", 2},
		{"", 0},
		{"Café über Straße", 3},
		{"数据库 事务", 2},
		{"é ж 7", 0},
	}

	for _, tt := range tests {
		tokens := tokenize(tt.input)
		if len(tokens) != tt.want {
			t.Errorf("tokenize(%q) = %d tokens %v, want %d", tt.input, len(tokens), tokens, tt.want)
		}
	}
}

func TestHashEmbedderNonLatin(t *testing.T) {
	e := NewHashEmbedder(64)
	a, err := e.Embed(context.Background(), "数据库 事务")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	b, _ := e.Embed(context.Background(), "事务，数据库。")
	if got := dot(a, a); math.Abs(got-1) > 1e-6 {
		t.Errorf("|a|^2 = %v, want unit vector", got)
	}
	if got := dot(a, b); math.Abs(got-1) > 1e-6 {
		t.Errorf("same tokens gave similarity %v, want 1", got)
	}
}

func dot(a, b []float32) float64 {
	var s float64
	for i := range a {
		s += float64(a[i]) * float64(b[i])
	}
	return s
}

func TestHashEmbedderDeterministic(t *testing.T) {
	e := NewHashEmbedder(64)
	ctx := context.Background()

	a, err := e.Embed(ctx, "SQLite WAL mode")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	b, _ := e.Embed(ctx, "sqlite wal MODE!")
	if len(a) != 64 {
		t.Fatalf("dims = %d, want 64", len(a))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("embeddings differ at %d: %v vs %v", i, a[i], b[i])
		}
	}
	if norm := math.Sqrt(dot(a, a)); math.Abs(norm-1) > 1e-6 {
		t.Errorf("norm = %f, want 1", norm)
	}
}

func TestHashEmbedderSharedVocabulary(t *testing.T) {
	e := NewHashEmbedder(DefaultHashDimensions)
	ctx := context.Background()

	q, _ := e.Embed(ctx, "postgres replication lag")
	near, _ := e.Embed(ctx, "replication lag on the postgres primary")
	far, _ := e.Embed(ctx, "kubernetes ingress certificates")

	if dot(q, near) <= dot(q, far) {
		t.Errorf("shared-vocabulary similarity %f not above unrelated %f", dot(q, near), dot(q, far))
	}
}

func TestHashEmbedderEmpty(t *testing.T) {
	vec, err := NewHashEmbedder(8).Embed(context.Background(), "a the of")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	for i, v := range vec {
		if v != 0 {
			t.Errorf("vec[%d] = %f, want 0", i, v)
		}
	}
}

func TestOllamaEmbed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embed" {
			t.Errorf("path = %s, want /api/embed", r.URL.Path)
		}
		var req map[string]any
		json.NewDecoder(r.Body).Decode(&req)
		if req["model"] != "nomic-embed-text" {
			t.Errorf("model = %v", req["model"])
		}
		json.NewEncoder(w).Encode(map[string]any{"embeddings": [][]float32{{0.1, 0.2, 0.3}}})
	}))
	defer srv.Close()

	e := NewOllamaEmbedder(srv.URL, "nomic-embed-text", 768)
	vec, err := e.Embed(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vec) != 3 {
		t.Errorf("len = %d, want 3", len(vec))
	}
	if e.Dimensions() != 3 {
		t.Errorf("Dimensions = %d, want 3 after first response", e.Dimensions())
	}
	if e.Model() != "ollama:nomic-embed-text" {
		t.Errorf("Model = %q", e.Model())
	}
}

func TestOllamaBreakerOpens(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "model not loaded", http.StatusInternalServerError)
	}))
	defer srv.Close()

	e := NewOllamaEmbedder(srv.URL, "m", 8)
	for i := 0; i < 3; i++ {
		if _, err := e.Embed(context.Background(), "x"); err == nil {
			t.Fatal("expected error from failing server")
		}
	}

	_, err := e.Embed(context.Background(), "x")
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Errorf("err = %v, want open breaker", err)
	}
	if calls.Load() != 3 {
		t.Errorf("server calls = %d, want 3", calls.Load())
	}
}

func TestProbeOllama(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	if !ProbeOllama(context.Background(), srv.URL, "m") {
		t.Error("probe of live server failed")
	}
	if ProbeOllama(context.Background(), "http://127.0.0.1:1", "m") {
		t.Error("probe of dead address succeeded")
	}
}
