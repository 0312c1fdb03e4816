// Package tools is the service facade: it wires the components together and
// exposes the named tool operations. Every failure crossing this boundary is
// recorded in the tool-error log with a redacted input preview.
package tools

import (
	"context"
	"time"

	"github.com/engramdb/engram/engine/assembler"
	"github.com/engramdb/engram/engine/core"
	"github.com/engramdb/engram/engine/longterm"
	"github.com/engramdb/engram/engine/metrics"
	"github.com/engramdb/engram/engine/model"
	"github.com/engramdb/engram/engine/store"
	"github.com/engramdb/engram/engine/token"
	"github.com/engramdb/engram/engine/workingmem"
	"github.com/engramdb/engram/pkg/config"
	"github.com/engramdb/engram/pkg/logger"
)

// Service exposes the tool surface over the wired components.
type Service struct {
	cfg       *config.Config
	gateway   store.Gateway
	models    *model.Gateway
	collector *metrics.Collector
	counter   token.Counter
	working   *workingmem.Manager
	longterm  *longterm.Manager
	assembler *assembler.Assembler
}

// NewService builds the full stack from configuration: store gateway, metrics
// collector persisting through it, model gateway, and the three managers.
func NewService(ctx context.Context, cfg *config.Config) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, core.WrapError(core.CodeValidation, "invalid configuration", err)
	}
	if err := logger.Init(&logger.Config{
		Level:  logger.LogLevel(cfg.Log.Level),
		Output: logger.DefaultConfig().Output,
		JSON:   cfg.Log.JSON,
	}); err != nil {
		return nil, core.WrapError(core.CodeInternal, "initialize logger", err)
	}

	var gateway store.Gateway
	var err error
	switch cfg.Store.Provider {
	case "memory":
		gateway = store.NewMemoryStore(cfg.Store.Dimension)
	default:
		gateway, err = store.NewPGGateway(ctx, store.PGConfig{
			DSN:       cfg.Store.DSN,
			Dimension: cfg.Store.Dimension,
			MinConns:  cfg.Store.MinConns,
			MaxConns:  cfg.Store.MaxConns,
		})
		if err != nil {
			return nil, err
		}
	}

	embedder, err := model.NewEmbedder(model.EmbedderConfig{
		Provider:  cfg.Model.Provider,
		Host:      cfg.Model.Host,
		Model:     cfg.Model.EmbeddingModel,
		APIKey:    cfg.Model.APIKey,
		Dimension: cfg.Store.Dimension,
		CacheSize: cfg.Model.CacheSize,
	})
	if err != nil {
		return nil, err
	}
	chat, err := model.NewChatModel(model.ChatConfig{
		Provider: cfg.Model.Provider,
		Host:     cfg.Model.Host,
		Model:    cfg.Model.ChatModel,
		APIKey:   cfg.Model.APIKey,
	})
	if err != nil {
		return nil, err
	}

	collector := metrics.NewCollector(gateway)
	models := model.NewGateway(embedder, chat, collector)
	return Assemble(cfg, gateway, models, collector), nil
}

// Assemble wires managers over already-built gateways. Tests use it with the
// in-memory store and deterministic model fakes.
func Assemble(cfg *config.Config, gateway store.Gateway, models *model.Gateway, collector *metrics.Collector) *Service {
	counter := token.NewCounter("cl100k_base")
	working := workingmem.NewManager(gateway, counter, nil, workingmem.Config{
		DefaultMaxTokens:    cfg.Memory.DefaultMaxTokens,
		PromotionThreshold:  cfg.Memory.PromotionThreshold,
		CheckpointThreshold: cfg.Memory.CheckpointMinScore,
	})
	long := longterm.NewManager(gateway, models, counter, longterm.Config{
		DedupSigma:          cfg.Retrieval.DedupSimilarity,
		DedupK:              3,
		RecallSigma:         cfg.Retrieval.MinSimilarity,
		ContradictionSigma:  cfg.Retrieval.ContradictionThreshold,
		RecencyHalfLifeDays: cfg.Retrieval.RecencyHalfLife.Hours() / 24,
		AccessCap:           cfg.Retrieval.AccessCap,
		Weights: longterm.Weights{
			Semantic:   cfg.Retrieval.SemanticWeight,
			Recency:    cfg.Retrieval.RecencyWeight,
			Frequency:  cfg.Retrieval.FrequencyWeight,
			Importance: cfg.Retrieval.ImportanceWeight,
		},
		DecayRate:         cfg.Decay.Rate,
		DecayInactiveDays: int(cfg.Decay.InactiveWindow.Hours() / 24),
		DecayFloor:        cfg.Decay.Floor,
		SummaryMinTokens:  50,
	})
	working.SetPromoter(long)
	return &Service{
		cfg:       cfg,
		gateway:   gateway,
		models:    models,
		collector: collector,
		counter:   counter,
		working:   working,
		longterm:  long,
		assembler: assembler.New(working, gateway, models, counter),
	}
}

// Close releases the store connections.
func (s *Service) Close(ctx context.Context) error {
	return s.gateway.Close(ctx)
}

// fail records the error in the tool-error log and passes it through. The
// log write is best-effort; the original error always wins.
func (s *Service) fail(ctx context.Context, tool, userID, input string, err error) error {
	if err == nil {
		return nil
	}
	entry := &store.ToolErrorEntry{
		ID:           core.NewID(),
		ToolName:     tool,
		UserID:       userID,
		ErrorType:    string(core.CodeOf(err)),
		ErrorMessage: core.RedactError(err),
		InputPreview: core.Preview(core.RedactString(input), 200),
		CreatedAt:    time.Now(),
	}
	if logErr := s.gateway.AppendToolError(ctx, entry); logErr != nil {
		logger.FromContext(ctx).Warn("tool error log append failed",
			"tool", tool, "error", core.RedactError(logErr))
	}
	return err
}
