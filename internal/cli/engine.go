package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/lazypower/graphmem/internal/config"
	"github.com/lazypower/graphmem/internal/consolidator"
	"github.com/lazypower/graphmem/internal/embed"
	"github.com/lazypower/graphmem/internal/graph"
	"github.com/lazypower/graphmem/internal/learner"
	"github.com/lazypower/graphmem/internal/retriever"
	"github.com/lazypower/graphmem/internal/store"
	"github.com/lazypower/graphmem/internal/telemetry"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// engine bundles the wired components for a command.
type engine struct {
	db           *store.DB
	dbPath       string
	store        *store.Store
	graph        *graph.Graph
	retriever    *retriever.Retriever
	learner      *learner.Learner
	consolidator *consolidator.Consolidator
}

func (e *engine) Close() error {
	e.consolidator.Stop()
	return e.db.Close()
}

func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("parse log level: %w", err)
	}
	zc := zap.NewDevelopmentConfig()
	if cfg.Format == "json" {
		zc = zap.NewProductionConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

// newEmbedder picks the configured embedder. "auto" uses Ollama when it answers a probe and
// falls back to the hash embedder otherwise.
func newEmbedder(ctx context.Context, cfg config.EmbedderConfig, log *zap.Logger) embed.Embedder {
	switch cfg.Backend {
	case "ollama":
		return embed.NewOllamaEmbedder(cfg.OllamaURL, cfg.Model, 0, embed.WithLogger(log))
	case "auto":
		if embed.ProbeOllama(ctx, cfg.OllamaURL, cfg.Model) {
			fmt.Fprintf(os.Stderr, "  embedder: ollama (%s)\n", cfg.Model)
			return embed.NewOllamaEmbedder(cfg.OllamaURL, cfg.Model, 0, embed.WithLogger(log))
		}
		fmt.Fprintf(os.Stderr, "  embedder: hash (fallback)\n")
	}
	return embed.NewHashEmbedder(cfg.Dimensions)
}

// openEngine opens the database and wires every component from cfg.
func openEngine(ctx context.Context, cfg config.Config, log *zap.Logger, obs telemetry.Observer) (*engine, error) {
	dbPath := cfg.Database.Path
	if dbPath == "" {
		var err error
		dbPath, err = store.DefaultDBPath()
		if err != nil {
			return nil, fmt.Errorf("resolve db path: %w", err)
		}
	}

	db, err := store.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	st, err := store.New(ctx, db, store.WithLogger(log.Named("store")), store.WithObserver(obs))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("load store: %w", err)
	}

	g := graph.New(st, newEmbedder(ctx, cfg.Embedder, log.Named("embed")),
		graph.WithRequestTimeout(cfg.Graph.RequestTimeout),
		graph.WithSearchTimeout(cfg.Graph.SearchTimeout),
		graph.WithLogger(log.Named("graph")),
		graph.WithObserver(obs),
	)

	l, err := learner.New(st,
		learner.WithLearningRate(cfg.Learner.LearningRate),
		learner.WithFeedbackLimit(cfg.Learner.FeedbackLimit),
		learner.WithLogger(log.Named("learner")),
		learner.WithObserver(obs),
	)
	if err != nil {
		db.Close()
		return nil, err
	}

	return &engine{
		db:     db,
		dbPath: dbPath,
		store:  st,
		graph:  g,
		retriever: retriever.New(g, cfg.Retriever,
			retriever.WithLogger(log.Named("retriever")),
			retriever.WithObserver(obs),
		),
		learner: l,
		consolidator: consolidator.New(g, cfg.Consolidator,
			consolidator.WithLogger(log.Named("consolidator")),
			consolidator.WithObserver(obs),
		),
	}, nil
}
