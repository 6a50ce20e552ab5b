package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/lazypower/graphmem/internal/consolidator"
	"github.com/lazypower/graphmem/internal/embed"
	"github.com/lazypower/graphmem/internal/graph"
	"github.com/lazypower/graphmem/internal/learner"
	"github.com/lazypower/graphmem/internal/retriever"
	"gopkg.in/yaml.v3"
)

// Config holds all graphmem configuration.
type Config struct {
	Server       ServerConfig        `yaml:"server"`
	Database     DatabaseConfig      `yaml:"database"`
	Embedder     EmbedderConfig      `yaml:"embedder"`
	Graph        GraphConfig         `yaml:"graph"`
	Retriever    retriever.Config    `yaml:"retriever"`
	Learner      LearnerConfig       `yaml:"learner"`
	Consolidator consolidator.Config `yaml:"consolidator"`
	Log          LogConfig           `yaml:"log"`
}

type ServerConfig struct {
	Bind string `yaml:"bind" validate:"required"`
	Port int    `yaml:"port" validate:"gte=1,lte=65535"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"` // empty means store.DefaultDBPath()
}

type EmbedderConfig struct {
	Backend    string `yaml:"backend" validate:"oneof=auto hash ollama"`
	OllamaURL  string `yaml:"ollama_url" validate:"omitempty,url"`
	Model      string `yaml:"model"`
	Dimensions int    `yaml:"dimensions" validate:"gte=1"`
}

type GraphConfig struct {
	RequestTimeout time.Duration `yaml:"request_timeout" validate:"gt=0"`
	SearchTimeout  time.Duration `yaml:"search_timeout" validate:"gt=0"`
}

type LearnerConfig struct {
	LearningRate  float64 `yaml:"learning_rate" validate:"gt=0,lte=1"`
	FeedbackLimit int     `yaml:"feedback_limit" validate:"gte=1"`
}

type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=json console"`
}

// Default returns a Config with sensible defaults.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Bind: "127.0.0.1",
			Port: 37778,
		},
		Embedder: EmbedderConfig{
			Backend:    "auto",
			OllamaURL:  "http://localhost:11434",
			Model:      "nomic-embed-text",
			Dimensions: embed.DefaultHashDimensions,
		},
		Graph: GraphConfig{
			RequestTimeout: graph.DefaultRequestTimeout,
			SearchTimeout:  graph.DefaultSearchTimeout,
		},
		Retriever: retriever.DefaultConfig(),
		Learner: LearnerConfig{
			LearningRate:  learner.DefaultLearningRate,
			FeedbackLimit: learner.DefaultFeedbackLimit,
		},
		Consolidator: consolidator.DefaultConfig(),
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load reads the YAML file at path over the defaults, then applies GRAPHMEM_* environment
// overrides and validates the result. A missing file is not an error when path is empty.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		path = os.Getenv("GRAPHMEM_CONFIG")
	}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Server.Bind = getEnv("GRAPHMEM_BIND", c.Server.Bind)
	c.Server.Port = getEnvInt("GRAPHMEM_PORT", c.Server.Port)
	c.Database.Path = getEnv("GRAPHMEM_DB", c.Database.Path)
	c.Embedder.Backend = getEnv("GRAPHMEM_EMBEDDER", c.Embedder.Backend)
	c.Embedder.OllamaURL = getEnv("GRAPHMEM_OLLAMA_URL", c.Embedder.OllamaURL)
	c.Embedder.Model = getEnv("GRAPHMEM_EMBEDDING_MODEL", c.Embedder.Model)
	c.Learner.LearningRate = getEnvFloat("GRAPHMEM_LEARNING_RATE", c.Learner.LearningRate)
	c.Consolidator.Interval = getEnvDuration("GRAPHMEM_CONSOLIDATION_INTERVAL", c.Consolidator.Interval)
	c.Log.Level = getEnv("GRAPHMEM_LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnv("GRAPHMEM_LOG_FORMAT", c.Log.Format)
}

var validate = validator.New()

// Validate checks every section against its constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("invalid config: %s failed %q", verrs[0].Namespace(), verrs[0].Tag())
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// ListenAddr returns the bind:port address string.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Bind, c.Server.Port)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
