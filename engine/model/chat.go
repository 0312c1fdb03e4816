package model

import (
	"context"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/engramdb/engram/engine/core"
)

// ChatModel completes a system+user prompt pair into text. The gateway uses
// it for classification, entity extraction, intent detection, and
// summarization.
type ChatModel interface {
	Complete(ctx context.Context, system, prompt string) (string, error)
}

// ChatConfig selects the chat backend.
type ChatConfig struct {
	Provider string // "openai" or "ollama"
	Host     string
	Model    string
	APIKey   string
}

type llmChat struct {
	model llms.Model
}

// NewChatModel builds a provider-backed chat model.
func NewChatModel(cfg ChatConfig) (ChatModel, error) {
	switch cfg.Provider {
	case "openai":
		opts := []openai.Option{openai.WithModel(cfg.Model)}
		if cfg.APIKey != "" {
			opts = append(opts, openai.WithToken(cfg.APIKey))
		}
		client, err := openai.New(opts...)
		if err != nil {
			return nil, core.WrapError(core.CodeUpstreamModel, "initialize openai chat model", err)
		}
		return &llmChat{model: client}, nil
	case "ollama", "":
		opts := []ollama.Option{ollama.WithModel(cfg.Model)}
		if cfg.Host != "" {
			opts = append(opts, ollama.WithServerURL(cfg.Host))
		}
		client, err := ollama.New(opts...)
		if err != nil {
			return nil, core.WrapError(core.CodeUpstreamModel, "initialize ollama chat model", err)
		}
		return &llmChat{model: client}, nil
	default:
		return nil, core.NewError(core.CodeValidation,
			fmt.Sprintf("chat provider %q is not supported", cfg.Provider))
	}
}

func (c *llmChat) Complete(ctx context.Context, system, prompt string) (string, error) {
	messages := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, system),
		llms.TextParts(llms.ChatMessageTypeHuman, prompt),
	}
	resp, err := c.model.GenerateContent(ctx, messages, llms.WithTemperature(0))
	if err != nil {
		return "", core.WrapError(core.CodeUpstreamModel, "chat completion", err)
	}
	if len(resp.Choices) == 0 {
		return "", core.NewError(core.CodeUpstreamModel, "chat completion returned no choices")
	}
	return strings.TrimSpace(resp.Choices[0].Content), nil
}
