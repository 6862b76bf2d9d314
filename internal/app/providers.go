package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/joseph-ayodele/qmdoc/internal/common"
	"github.com/joseph-ayodele/qmdoc/internal/llm"
	"github.com/joseph-ayodele/qmdoc/internal/llm/anthropic"
	"github.com/joseph-ayodele/qmdoc/internal/llm/langchain"
	"github.com/joseph-ayodele/qmdoc/internal/llm/openai"
	"github.com/joseph-ayodele/qmdoc/internal/llm/vertex"
)

// NewProvider builds the backend for one descriptor. The returned close func
// is never nil.
func NewProvider(ctx context.Context, pc common.ProviderConfig, logger *slog.Logger) (llm.Provider, func() error, error) {
	noop := func() error { return nil }
	switch pc.Kind {
	case common.KindOpenAI:
		p, err := langchain.NewOpenAI(langchainConfig(pc), logger)
		return p, noop, err
	case common.KindMistral:
		p, err := langchain.NewMistral(langchainConfig(pc), logger)
		return p, noop, err
	case common.KindOllama:
		p, err := langchain.NewOllama(langchainConfig(pc), logger)
		return p, noop, err
	case common.KindOpenAIHTTP:
		return openai.NewClient(openai.Config{
			ID:          pc.ID,
			APIKey:      pc.APIKey,
			BaseURL:     pc.BaseURL,
			Model:       pc.Model,
			Temperature: pc.Temperature,
			MaxTokens:   pc.MaxTokens,
		}, logger), noop, nil
	case common.KindAnthropic:
		return anthropic.NewClient(anthropic.Config{
			ID:          pc.ID,
			APIKey:      pc.APIKey,
			BaseURL:     pc.BaseURL,
			Model:       pc.Model,
			MaxTokens:   pc.MaxTokens,
			Temperature: float64(pc.Temperature),
		}, logger), noop, nil
	case common.KindVertex:
		c, err := vertex.NewClient(ctx, vertex.Config{
			ID:          pc.ID,
			Project:     pc.Project,
			Location:    pc.Location,
			Model:       pc.Model,
			MaxTokens:   pc.MaxTokens,
			Temperature: pc.Temperature,
		}, logger)
		if err != nil {
			return nil, noop, err
		}
		return c, c.Close, nil
	default:
		return nil, noop, fmt.Errorf("provider %q: unknown kind %q: %w", pc.ID, pc.Kind, common.ErrInvalidInput)
	}
}

func langchainConfig(pc common.ProviderConfig) langchain.Config {
	return langchain.Config{
		ID:          pc.ID,
		Model:       pc.Model,
		APIKey:      pc.APIKey,
		BaseURL:     pc.BaseURL,
		Temperature: float64(pc.Temperature),
		MaxTokens:   pc.MaxTokens,
		ContextSize: pc.ContextLimit,
	}
}

// Descriptor converts a provider config into its registry descriptor.
func Descriptor(pc common.ProviderConfig, kind llm.Kind) llm.Descriptor {
	caps := make([]llm.Capability, 0, len(pc.Capabilities))
	for _, c := range pc.Capabilities {
		caps = append(caps, llm.Capability(c))
	}
	return llm.Descriptor{
		ID:           pc.ID,
		Priority:     pc.Priority,
		Capabilities: caps,
		ContextLimit: pc.ContextLimit,
		Model:        pc.Model,
		Kind:         kind,
		Probe:        true,
	}
}
