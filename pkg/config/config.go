package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// Config holds every tunable the memory core recognizes. Secrets (store
// credentials, model API keys) arrive only through this struct; the core
// never reads the process environment on its own outside of Load.
type Config struct {
	Store     StoreConfig     `koanf:"store"`
	Model     ModelConfig     `koanf:"model"`
	Memory    MemoryConfig    `koanf:"memory"`
	Retrieval RetrievalConfig `koanf:"retrieval"`
	Decay     DecayConfig     `koanf:"decay"`
	Log       LogConfig       `koanf:"log"`
}

// StoreConfig selects and connects the persistent substrate.
type StoreConfig struct {
	// Provider selects the vector backend: "pgvector" or "memory".
	Provider string `koanf:"provider"`
	DSN      string `koanf:"dsn"`
	// Dimension is fixed at index-creation time; changing it requires
	// re-embedding every row.
	Dimension int   `koanf:"dimension"`
	MinConns  int32 `koanf:"min_conns"`
	MaxConns  int32 `koanf:"max_conns"`
}

// ModelConfig points at the embedding and chat endpoints.
type ModelConfig struct {
	// Provider selects the chat/embedding client: "openai" or "ollama".
	Provider       string `koanf:"provider"`
	Host           string `koanf:"host"`
	APIKey         string `koanf:"api_key"`
	ChatModel      string `koanf:"chat_model"`
	EmbeddingModel string `koanf:"embedding_model"`
	CacheSize      int    `koanf:"cache_size"`
}

// MemoryConfig carries working-memory defaults.
type MemoryConfig struct {
	DefaultMaxTokens   int     `koanf:"default_max_tokens"`
	PromotionThreshold float64 `koanf:"promotion_threshold"`
	CheckpointMinScore float64 `koanf:"checkpoint_min_score"`
}

// RetrievalConfig carries similarity thresholds and composite-relevance
// weights for recall.
type RetrievalConfig struct {
	MinSimilarity          float64       `koanf:"min_similarity"`
	DedupSimilarity        float64       `koanf:"dedup_similarity"`
	ContradictionThreshold float64       `koanf:"contradiction_threshold"`
	RecencyHalfLife        time.Duration `koanf:"recency_half_life"`
	SemanticWeight         float64       `koanf:"semantic_weight"`
	RecencyWeight          float64       `koanf:"recency_weight"`
	FrequencyWeight        float64       `koanf:"frequency_weight"`
	ImportanceWeight       float64       `koanf:"importance_weight"`
	AccessCap              int           `koanf:"access_cap"`
}

// DecayConfig tunes apply-decay.
type DecayConfig struct {
	Rate           float64       `koanf:"rate"`
	InactiveWindow time.Duration `koanf:"inactive_window"`
	Floor          float64       `koanf:"floor"`
}

// LogConfig tunes the ambient logger.
type LogConfig struct {
	Level string `koanf:"level"`
	JSON  bool   `koanf:"json"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Store: StoreConfig{
			Provider:  "pgvector",
			Dimension: 768,
			MinConns:  4,
			MaxConns:  32,
		},
		Model: ModelConfig{
			Provider:       "ollama",
			Host:           "http://localhost:11434",
			ChatModel:      "llama3:8b",
			EmbeddingModel: "nomic-embed-text",
			CacheSize:      1000,
		},
		Memory: MemoryConfig{
			DefaultMaxTokens:   8000,
			PromotionThreshold: 0.6,
			CheckpointMinScore: 0.5,
		},
		Retrieval: RetrievalConfig{
			MinSimilarity:          0.7,
			DedupSimilarity:        0.95,
			ContradictionThreshold: 0.75,
			RecencyHalfLife:        30 * 24 * time.Hour,
			SemanticWeight:         0.5,
			RecencyWeight:          0.2,
			FrequencyWeight:        0.1,
			ImportanceWeight:       0.2,
			AccessCap:              100,
		},
		Decay: DecayConfig{
			Rate:           0.98,
			InactiveWindow: 7 * 24 * time.Hour,
			Floor:          0.1,
		},
		Log: LogConfig{Level: "info"},
	}
}

const envPrefix = "ENGRAM_"

// Load builds the configuration from defaults overlaid with ENGRAM_*
// environment variables (e.g. ENGRAM_STORE_DSN, ENGRAM_MODEL_API_KEY).
func Load() (*Config, error) {
	k := koanf.New(".")
	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("config: load defaults: %w", err)
	}
	p := env.Provider(".", env.Opt{
		Prefix: envPrefix,
		TransformFunc: func(key, value string) (string, any) {
			key = strings.ToLower(strings.TrimPrefix(key, envPrefix))
			// The first segment is the section; the remainder keeps its
			// underscores (store_dsn -> store.dsn, model_api_key -> model.api_key).
			parts := strings.SplitN(key, "_", 2)
			if len(parts) == 2 {
				key = parts[0] + "." + parts[1]
			}
			return key, value
		},
	})
	if err := k.Load(p, nil); err != nil {
		return nil, fmt.Errorf("config: load environment: %w", err)
	}
	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the core cannot operate with.
func (c *Config) Validate() error {
	if c.Store.Dimension <= 0 {
		return fmt.Errorf("config: store.dimension must be greater than zero")
	}
	if c.Memory.DefaultMaxTokens <= 0 {
		return fmt.Errorf("config: memory.default_max_tokens must be greater than zero")
	}
	if c.Retrieval.AccessCap <= 0 {
		return fmt.Errorf("config: retrieval.access_cap must be greater than zero")
	}
	sum := c.Retrieval.SemanticWeight + c.Retrieval.RecencyWeight +
		c.Retrieval.FrequencyWeight + c.Retrieval.ImportanceWeight
	if sum <= 0 {
		return fmt.Errorf("config: retrieval weights must sum to a positive value")
	}
	if c.Decay.Rate <= 0 || c.Decay.Rate > 1 {
		return fmt.Errorf("config: decay.rate must be in (0, 1]")
	}
	return nil
}
