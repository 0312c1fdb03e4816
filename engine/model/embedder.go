// Package model is the gateway to the external model service: embedding
// generation with an in-process cache, classification, entity extraction,
// intent detection, and summarization. Classification and extraction
// failures are recovered with fallback defaults; embedding failures surface
// as upstream-model errors.
package model

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/engramdb/engram/engine/core"
)

// Embedder produces fixed-dimension vectors. Embeddings are deterministic
// within a process lifetime: repeated calls for the same text hit the cache.
type Embedder struct {
	impl      embeddings.Embedder
	dimension int
	cacheMu   sync.Mutex
	cache     *lru.Cache[string, []float32]
}

// EmbedderConfig selects the embedding backend.
type EmbedderConfig struct {
	Provider  string // "openai" or "ollama"
	Host      string // ollama server url
	Model     string
	APIKey    string
	Dimension int
	CacheSize int
}

// NewEmbedder builds a provider-backed embedder with its cache enabled.
func NewEmbedder(cfg EmbedderConfig) (*Embedder, error) {
	if cfg.Dimension <= 0 {
		return nil, core.NewError(core.CodeValidation, "embedding dimension must be greater than zero")
	}
	var (
		impl embeddings.Embedder
		err  error
	)
	switch cfg.Provider {
	case "openai":
		impl, err = buildOpenAIEmbedder(cfg)
	case "ollama", "":
		impl, err = buildOllamaEmbedder(cfg)
	default:
		return nil, core.NewError(core.CodeValidation,
			fmt.Sprintf("embedding provider %q is not supported", cfg.Provider))
	}
	if err != nil {
		return nil, err
	}
	return WrapEmbedder(impl, cfg.Dimension, cfg.CacheSize)
}

// WrapEmbedder builds an Embedder around an existing implementation. Tests
// use it with a deterministic fake.
func WrapEmbedder(impl embeddings.Embedder, dimension, cacheSize int) (*Embedder, error) {
	if cacheSize <= 0 {
		cacheSize = 1000
	}
	cache, err := lru.New[string, []float32](cacheSize)
	if err != nil {
		return nil, core.WrapError(core.CodeInternal, "init embedding cache", err)
	}
	return &Embedder{impl: impl, dimension: dimension, cache: cache}, nil
}

func buildOpenAIEmbedder(cfg EmbedderConfig) (embeddings.Embedder, error) {
	opts := []openai.Option{openai.WithEmbeddingModel(cfg.Model)}
	if cfg.APIKey != "" {
		opts = append(opts, openai.WithToken(cfg.APIKey))
	}
	client, err := openai.New(opts...)
	if err != nil {
		return nil, core.WrapError(core.CodeUpstreamModel, "initialize openai embedder", err)
	}
	impl, err := embeddings.NewEmbedder(client)
	if err != nil {
		return nil, core.WrapError(core.CodeUpstreamModel, "construct openai embedder", err)
	}
	return impl, nil
}

func buildOllamaEmbedder(cfg EmbedderConfig) (embeddings.Embedder, error) {
	opts := []ollama.Option{ollama.WithModel(cfg.Model)}
	if cfg.Host != "" {
		opts = append(opts, ollama.WithServerURL(cfg.Host))
	}
	client, err := ollama.New(opts...)
	if err != nil {
		return nil, core.WrapError(core.CodeUpstreamModel, "initialize ollama embedder", err)
	}
	impl, err := embeddings.NewEmbedder(client)
	if err != nil {
		return nil, core.WrapError(core.CodeUpstreamModel, "construct ollama embedder", err)
	}
	return impl, nil
}

// Dimension returns the configured vector dimension.
func (e *Embedder) Dimension() int { return e.dimension }

// Embed returns the vector for text, serving repeats from the cache.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	key := cacheKey(text)
	if vector, ok := e.lookup(key); ok {
		return vector, nil
	}
	vector, err := e.impl.EmbedQuery(ctx, text)
	if err != nil {
		return nil, core.WrapError(core.CodeUpstreamModel, "embed text", err)
	}
	if len(vector) != e.dimension {
		return nil, core.NewError(core.CodeUpstreamModel,
			fmt.Sprintf("embedding dimension mismatch: got %d want %d", len(vector), e.dimension))
	}
	e.store(key, vector)
	return cloneVector(vector), nil
}

// EmbedBatch embeds a list preserving order, embedding only the cache misses
// and populating the cache with the results.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	results := make([][]float32, len(texts))
	missingIdx := make(map[string][]int)
	for i, text := range texts {
		if vector, ok := e.lookup(cacheKey(text)); ok {
			results[i] = vector
			continue
		}
		missingIdx[text] = append(missingIdx[text], i)
	}
	if len(missingIdx) == 0 {
		return results, nil
	}
	missing := make([]string, 0, len(missingIdx))
	for text := range missingIdx {
		missing = append(missing, text)
	}
	embedded, err := e.impl.EmbedDocuments(ctx, missing)
	if err != nil {
		return nil, core.WrapError(core.CodeUpstreamModel, "embed batch", err)
	}
	if len(embedded) != len(missing) {
		return nil, core.NewError(core.CodeUpstreamModel,
			fmt.Sprintf("received %d embeddings for %d texts", len(embedded), len(missing)))
	}
	for i, vector := range embedded {
		if len(vector) != e.dimension {
			return nil, core.NewError(core.CodeUpstreamModel,
				fmt.Sprintf("embedding dimension mismatch: got %d want %d", len(vector), e.dimension))
		}
		text := missing[i]
		for _, idx := range missingIdx[text] {
			results[idx] = cloneVector(vector)
		}
		e.store(cacheKey(text), vector)
	}
	return results, nil
}

func (e *Embedder) lookup(key string) ([]float32, bool) {
	e.cacheMu.Lock()
	vector, ok := e.cache.Get(key)
	e.cacheMu.Unlock()
	if !ok {
		return nil, false
	}
	return cloneVector(vector), true
}

func (e *Embedder) store(key string, vector []float32) {
	if len(vector) == 0 {
		return
	}
	e.cacheMu.Lock()
	e.cache.Add(key, cloneVector(vector))
	e.cacheMu.Unlock()
}

func cacheKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

func cloneVector(src []float32) []float32 {
	if len(src) == 0 {
		return nil
	}
	dst := make([]float32, len(src))
	copy(dst, src)
	return dst
}
