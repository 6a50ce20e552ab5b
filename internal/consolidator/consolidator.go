// Package consolidator runs the periodic decay-and-prune maintenance cycle over the graph.
//
// Every cycle multiplies each node's confidence by (1 - decay rate). Nodes that fall below
// the prune threshold are deleted; the rest are persisted only when the value actually moved.
package consolidator

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/lazypower/graphmem/internal/memerr"
	"github.com/lazypower/graphmem/internal/store"
	"github.com/lazypower/graphmem/internal/telemetry"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const epsilon = 1e-9

// Graph is the write path the consolidator goes through. It gets no privileged store access;
// both writes decide on the node's current state, not the listed copy.
type Graph interface {
	ListNodes(ctx context.Context, filter store.NodeFilter) ([]store.Node, error)
	ModifyNode(ctx context.Context, id string, fn func(store.Node) (store.NodePatch, error)) (store.Node, error)
	DeleteNodeIf(ctx context.Context, id string, drop func(store.Node) bool) (bool, error)
}

// Config controls the cycle.
type Config struct {
	Interval       time.Duration `yaml:"interval" json:"interval" validate:"gt=0"`
	DecayRate      float64       `yaml:"decay_rate" json:"decay_rate" validate:"gte=0,lt=1"`
	PruneThreshold float64       `yaml:"prune_threshold" json:"prune_threshold" validate:"gte=0,lte=1"`
}

// DefaultConfig returns the stock cycle settings.
func DefaultConfig() Config {
	return Config{
		Interval:       5 * time.Minute,
		DecayRate:      0.02,
		PruneThreshold: 0.1,
	}
}

// CycleResult summarizes one cycle.
type CycleResult struct {
	Decayed    int           `json:"decayed"`
	Pruned     int           `json:"pruned"`
	Unchanged  int           `json:"unchanged"`
	Errors     int           `json:"errors"`
	Duration   time.Duration `json:"duration_ns"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
}

// State values reported by Status.
const (
	StateIdle    = "idle"
	StateRunning = "running"
)

// Status is a snapshot of the consolidator.
type Status struct {
	State      string       `json:"state"`
	Scheduled  bool         `json:"scheduled"`
	Config     Config       `json:"config"`
	Cycles     int          `json:"cycles"`
	LastResult *CycleResult `json:"last_result,omitempty"`
	LastError  string       `json:"last_error,omitempty"`
	NextRun    time.Time    `json:"next_run,omitzero"`
}

// Consolidator owns the maintenance timer.
type Consolidator struct {
	graph Graph
	cfg   Config
	log   *zap.Logger
	obs   telemetry.Observer

	flight singleflight.Group

	mu      sync.Mutex
	running bool
	cycles  int
	last    *CycleResult
	lastErr error
	nextRun time.Time
	cancel  context.CancelFunc
	done    chan struct{}
}

// Option configures a Consolidator.
type Option func(*Consolidator)

// WithLogger sets the consolidator logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Consolidator) { c.log = l }
}

// WithObserver sets the telemetry hook.
func WithObserver(o telemetry.Observer) Option {
	return func(c *Consolidator) { c.obs = o }
}

// New builds a Consolidator. Out-of-range settings fall back to the defaults.
func New(g Graph, cfg Config, opts ...Option) *Consolidator {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.DecayRate < 0 || cfg.DecayRate >= 1 || math.IsNaN(cfg.DecayRate) {
		cfg.DecayRate = def.DecayRate
	}
	if cfg.PruneThreshold < 0 || cfg.PruneThreshold > 1 || math.IsNaN(cfg.PruneThreshold) {
		cfg.PruneThreshold = def.PruneThreshold
	}
	c := &Consolidator{
		graph: g,
		cfg:   cfg,
		log:   zap.NewNop(),
		obs:   telemetry.Nop{},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Start arms the timer. The first cycle runs one interval from now and each following cycle
// is scheduled only after the previous one finishes. Calling Start twice is a no-op.
func (c *Consolidator) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return
	}
	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})
	c.nextRun = time.Now().Add(c.cfg.Interval)
	go c.loop(ctx, c.done)
	c.log.Info("consolidator started", zap.Duration("interval", c.cfg.Interval))
}

func (c *Consolidator) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	timer := time.NewTimer(c.cfg.Interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			if _, err := c.RunNow(ctx); err != nil && ctx.Err() == nil {
				c.log.Warn("consolidation cycle failed", zap.Error(err))
			}
			c.mu.Lock()
			c.nextRun = time.Now().Add(c.cfg.Interval)
			c.mu.Unlock()
			timer.Reset(c.cfg.Interval)
		}
	}
}

// Stop disarms the timer and waits for the loop to exit. A cycle already in progress is not
// interrupted; Stop returns once it has finished.
func (c *Consolidator) Stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	c.mu.Lock()
	c.nextRun = time.Time{}
	c.mu.Unlock()
	c.log.Info("consolidator stopped")
}

// RunNow runs one cycle immediately. Callers that overlap with a cycle already in flight
// (manual or scheduled) share its result instead of starting another. The cycle does not
// inherit the caller's cancellation, so one caller going away never cuts it short for the
// others.
func (c *Consolidator) RunNow(ctx context.Context) (CycleResult, error) {
	work := context.WithoutCancel(ctx)
	v, err, _ := c.flight.Do("cycle", func() (any, error) {
		return c.cycle(work)
	})
	if v == nil {
		return CycleResult{}, err
	}
	return v.(CycleResult), err
}

// Status reports the current state and the most recent cycle.
func (c *Consolidator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Status{
		State:     StateIdle,
		Scheduled: c.cancel != nil,
		Config:    c.cfg,
		Cycles:    c.cycles,
		NextRun:   c.nextRun,
	}
	if c.running {
		st.State = StateRunning
	}
	if c.last != nil {
		r := *c.last
		st.LastResult = &r
	}
	if c.lastErr != nil {
		st.LastError = c.lastErr.Error()
	}
	return st
}

func (c *Consolidator) cycle(ctx context.Context) (res CycleResult, err error) {
	c.mu.Lock()
	c.running = true
	c.mu.Unlock()

	res.StartedAt = time.Now()
	defer func() {
		res.FinishedAt = time.Now()
		res.Duration = res.FinishedAt.Sub(res.StartedAt)
		c.mu.Lock()
		c.running = false
		c.cycles++
		c.lastErr = err
		if err == nil {
			r := res
			c.last = &r
		}
		c.mu.Unlock()
	}()

	nodes, err := c.graph.ListNodes(ctx, store.NodeFilter{})
	if err != nil {
		return res, err
	}

	for _, n := range nodes {
		switch act, err := c.consolidate(ctx, n.ID); {
		case err != nil:
			res.Errors++
			c.log.Warn("consolidate node failed", zap.String("node", n.ID), zap.Error(err))
		case act == actPruned:
			res.Pruned++
		case act == actDecayed:
			res.Decayed++
		default:
			res.Unchanged++
		}
	}

	c.log.Info("consolidation cycle",
		zap.Int("decayed", res.Decayed),
		zap.Int("pruned", res.Pruned),
		zap.Int("unchanged", res.Unchanged),
		zap.Int("errors", res.Errors),
		zap.Duration("took", time.Since(res.StartedAt)))
	c.obs.OnEvent(telemetry.EventConsolidation, map[string]float64{
		"decayed":     float64(res.Decayed),
		"pruned":      float64(res.Pruned),
		"unchanged":   float64(res.Unchanged),
		"errors":      float64(res.Errors),
		"duration_ms": float64(time.Since(res.StartedAt).Microseconds()) / 1000,
	}, nil)
	return res, nil
}

type action int

const (
	actUnchanged action = iota
	actDecayed
	actPruned
)

// consolidate prunes or decays one node against its current confidence. A node deleted by
// someone else since the listing counts as unchanged.
func (c *Consolidator) consolidate(ctx context.Context, id string) (action, error) {
	rate, threshold := c.cfg.DecayRate, c.cfg.PruneThreshold

	pruned, err := c.graph.DeleteNodeIf(ctx, id, func(n store.Node) bool {
		return Decay(n.Confidence, rate) < threshold
	})
	if err != nil {
		return actUnchanged, err
	}
	if pruned {
		return actPruned, nil
	}

	var decayed bool
	_, err = c.graph.ModifyNode(ctx, id, func(n store.Node) (store.NodePatch, error) {
		next := Decay(n.Confidence, rate)
		// Fell under the threshold since the prune check; the next cycle takes it.
		if next < threshold || math.Abs(next-n.Confidence) <= epsilon {
			return store.NodePatch{}, store.ErrNoChange
		}
		decayed = true
		return store.NodePatch{Confidence: &next}, nil
	})
	switch {
	case errors.Is(err, memerr.ErrNotFound):
		return actUnchanged, nil
	case err != nil:
		return actUnchanged, err
	case decayed:
		return actDecayed, nil
	}
	return actUnchanged, nil
}

// Decay applies one geometric decay step.
func Decay(confidence, rate float64) float64 {
	return store.Clamp01(confidence * (1 - rate))
}
