package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lazypower/graphmem/internal/memerr"
	"github.com/lazypower/graphmem/internal/telemetry"
	"go.uber.org/zap"
)

// Store owns the durable database and the in-memory cache that mirrors it.
//
// Every mutation is serialized by one writer lock and written to SQLite before the cache;
// a failed write never reaches the cache. Reads are served from the cache without taking
// the writer lock.
type Store struct {
	db *DB

	mu       sync.Mutex // single writer
	nodes    *cacheTable[Node]
	edges    *cacheTable[Edge]
	outcomes *cacheTable[Outcome]

	log *zap.Logger
	obs telemetry.Observer
	now func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the store logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) { s.log = l }
}

// WithObserver sets the telemetry hook.
func WithObserver(o telemetry.Observer) Option {
	return func(s *Store) { s.obs = o }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New wraps an opened database and populates the cache from it.
func New(ctx context.Context, db *DB, opts ...Option) (*Store, error) {
	s := &Store{
		db:       db,
		nodes:    newCacheTable[Node](),
		edges:    newCacheTable[Edge](),
		outcomes: newCacheTable[Outcome](),
		log:      zap.NewNop(),
		obs:      telemetry.Nop{},
		now:      time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	if err := s.RebuildCache(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// DB returns the underlying database.
func (s *Store) DB() *DB { return s.db }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) clock() time.Time { return millis(s.now()) }

// Stats reports cache sizes.
type Stats struct {
	Nodes    int `json:"nodes"`
	Edges    int `json:"edges"`
	Outcomes int `json:"outcomes"`
}

// Stats returns the current cache sizes.
func (s *Store) Stats() Stats {
	return Stats{Nodes: s.nodes.len(), Edges: s.edges.len(), Outcomes: s.outcomes.len()}
}

// RebuildCache reloads every cache table from durable storage. The previous contents stay
// visible until all tables have loaded; on failure the cache is left as it was.
func (s *Store) RebuildCache(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	nodes, err := s.loadNodes(ctx)
	if err != nil {
		return memerr.Persistence("rebuild cache", err)
	}
	edges, err := s.loadEdges(ctx)
	if err != nil {
		return memerr.Persistence("rebuild cache", err)
	}
	outcomes, err := s.loadOutcomes(ctx)
	if err != nil {
		return memerr.Persistence("rebuild cache", err)
	}

	s.nodes.replace(nodes)
	s.edges.replace(edges)
	s.outcomes.replace(outcomes)

	elapsed := time.Since(start)
	s.log.Info("cache rebuilt",
		zap.Int("nodes", len(nodes)),
		zap.Int("edges", len(edges)),
		zap.Int("outcomes", len(outcomes)),
		zap.Duration("elapsed", elapsed))
	s.obs.OnEvent(telemetry.EventCacheRebuilt, map[string]float64{
		"nodes":       float64(len(nodes)),
		"edges":       float64(len(edges)),
		"outcomes":    float64(len(outcomes)),
		"duration_ms": float64(elapsed.Microseconds()) / 1000,
	}, nil)
	return nil
}

func (s *Store) loadNodes(ctx context.Context) (map[string]Node, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+nodeColumns+" FROM nodes")
	if err != nil {
		return nil, fmt.Errorf("load nodes: %w", err)
	}
	defer rows.Close()

	out := make(map[string]Node)
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		out[n.ID] = n
	}
	return out, rows.Err()
}

func (s *Store) loadEdges(ctx context.Context) (map[string]Edge, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+edgeColumns+" FROM edges")
	if err != nil {
		return nil, fmt.Errorf("load edges: %w", err)
	}
	defer rows.Close()

	out := make(map[string]Edge)
	for rows.Next() {
		e, err := scanEdge(rows)
		if err != nil {
			return nil, err
		}
		out[e.ID] = e
	}
	return out, rows.Err()
}

func (s *Store) loadOutcomes(ctx context.Context) (map[string]Outcome, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+outcomeColumns+" FROM outcomes")
	if err != nil {
		return nil, fmt.Errorf("load outcomes: %w", err)
	}
	defer rows.Close()

	out := make(map[string]Outcome)
	for rows.Next() {
		o, err := scanOutcome(rows)
		if err != nil {
			return nil, err
		}
		out[o.ID] = o
	}
	return out, rows.Err()
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}
