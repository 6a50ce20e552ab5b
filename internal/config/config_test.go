package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default().Validate() = %v", err)
	}
	if got := cfg.ListenAddr(); got != "127.0.0.1:37778" {
		t.Errorf("ListenAddr = %q", got)
	}
	if cfg.Retriever.HopDecay != 0.85 {
		t.Errorf("HopDecay = %v, want 0.85", cfg.Retriever.HopDecay)
	}
	if cfg.Consolidator.Interval != 5*time.Minute {
		t.Errorf("Interval = %v, want 5m", cfg.Consolidator.Interval)
	}
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "graphmem.yaml")
	doc := `
server:
  port: 9000
embedder:
  backend: hash
  dimensions: 64
retriever:
  expansion_hops: 2
  hop_decay: 0.5
consolidator:
  interval: 30s
  decay_rate: 0.1
`
	if err := os.WriteFile(path, []byte(doc), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9000 || cfg.Server.Bind != "127.0.0.1" {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Embedder.Backend != "hash" || cfg.Embedder.Dimensions != 64 {
		t.Errorf("embedder = %+v", cfg.Embedder)
	}
	if cfg.Retriever.ExpansionHops != 2 || cfg.Retriever.HopDecay != 0.5 {
		t.Errorf("retriever = %+v", cfg.Retriever)
	}
	// Untouched keys keep their defaults.
	if cfg.Retriever.FinalLimit != 20 {
		t.Errorf("FinalLimit = %d, want 20", cfg.Retriever.FinalLimit)
	}
	if cfg.Consolidator.Interval != 30*time.Second || cfg.Consolidator.DecayRate != 0.1 {
		t.Errorf("consolidator = %+v", cfg.Consolidator)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("GRAPHMEM_PORT", "4242")
	t.Setenv("GRAPHMEM_DB", "/tmp/x.db")
	t.Setenv("GRAPHMEM_LEARNING_RATE", "0.5")
	t.Setenv("GRAPHMEM_CONSOLIDATION_INTERVAL", "1m")
	t.Setenv("GRAPHMEM_CONFIG", "")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 4242 {
		t.Errorf("Port = %d", cfg.Server.Port)
	}
	if cfg.Database.Path != "/tmp/x.db" {
		t.Errorf("Path = %q", cfg.Database.Path)
	}
	if cfg.Learner.LearningRate != 0.5 {
		t.Errorf("LearningRate = %v", cfg.Learner.LearningRate)
	}
	if cfg.Consolidator.Interval != time.Minute {
		t.Errorf("Interval = %v", cfg.Consolidator.Interval)
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"port", func(c *Config) { c.Server.Port = 0 }},
		{"backend", func(c *Config) { c.Embedder.Backend = "gpt" }},
		{"learning rate", func(c *Config) { c.Learner.LearningRate = 1.5 }},
		{"hop decay", func(c *Config) { c.Retriever.HopDecay = 0 }},
		{"decay rate", func(c *Config) { c.Consolidator.DecayRate = 1 }},
		{"log level", func(c *Config) { c.Log.Level = "loud" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestLoadBadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	os.WriteFile(path, []byte("server: [nope"), 0644)
	if _, err := Load(path); err == nil {
		t.Error("expected parse error")
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected read error")
	}
}
