// Package langchain adapts langchaingo chat models to the llm.Provider
// interface. It backs the openai, mistral and ollama provider kinds.
package langchain

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/mistral"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/joseph-ayodele/qmdoc/internal/common"
	"github.com/joseph-ayodele/qmdoc/internal/llm"
)

type Config struct {
	ID          string
	Model       string
	APIKey      string
	BaseURL     string
	Temperature float64
	MaxTokens   int
	ContextSize int // ollama num_ctx
}

// Client wraps a langchaingo model.
type Client struct {
	id          string
	model       string
	kind        llm.Kind
	llm         llms.Model
	imageAsURL  bool   // openai style data URLs instead of binary parts
	probeURL    string // GET target for IsAvailable; empty means key presence decides
	hasKey      bool
	temperature float64
	maxTokens   int
	httpClient  *http.Client
	logger      *slog.Logger
}

// NewOpenAI builds a provider on langchaingo's OpenAI client.
func NewOpenAI(cfg Config, logger *slog.Logger) (*Client, error) {
	opts := []openai.Option{openai.WithModel(cfg.Model), openai.WithToken(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}
	m, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("create openai model: %w", err)
	}
	c := New(m, cfg, llm.KindRemoteHTTP, logger)
	c.imageAsURL = true
	return c, nil
}

// NewMistral builds a provider on langchaingo's Mistral client.
func NewMistral(cfg Config, logger *slog.Logger) (*Client, error) {
	opts := []mistral.Option{mistral.WithModel(cfg.Model), mistral.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, mistral.WithEndpoint(cfg.BaseURL))
	}
	m, err := mistral.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("create mistral model: %w", err)
	}
	c := New(m, cfg, llm.KindRemoteHTTP, logger)
	c.imageAsURL = true
	return c, nil
}

// NewOllama builds a local provider; availability is probed via /api/tags.
func NewOllama(cfg Config, logger *slog.Logger) (*Client, error) {
	host := cfg.BaseURL
	if host == "" {
		host = "http://127.0.0.1:11434"
	}
	opts := []ollama.Option{ollama.WithModel(cfg.Model), ollama.WithServerURL(host)}
	if cfg.ContextSize > 0 {
		opts = append(opts, ollama.WithRunnerNumCtx(cfg.ContextSize))
	}
	m, err := ollama.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("create ollama model: %w", err)
	}
	c := New(m, cfg, llm.KindLocalHTTP, logger)
	c.probeURL = strings.TrimRight(host, "/") + "/api/tags"
	return c, nil
}

// New wraps an existing model. Used directly by tests.
func New(m llms.Model, cfg Config, kind llm.Kind, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	id := cfg.ID
	if id == "" {
		id = cfg.Model
	}
	return &Client{
		id:          id,
		model:       cfg.Model,
		kind:        kind,
		llm:         m,
		hasKey:      cfg.APIKey != "",
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		httpClient:  &http.Client{Timeout: 5 * time.Second},
		logger:      logger.With("provider", id),
	}
}

func (c *Client) Name() string   { return c.id }
func (c *Client) Kind() llm.Kind { return c.kind }

func (c *Client) Analyze(ctx context.Context, p llm.Payload) (llm.Response, error) {
	rid := uuid.New().String()
	start := time.Now()
	c.logger.Info("llm.analyze.start",
		"req_id", rid, "model", c.model, "stage", p.Stage.String(), "images", len(p.Images))

	parts := make([]llms.ContentPart, 0, len(p.Images)+1)
	for _, img := range p.Images {
		if c.imageAsURL {
			parts = append(parts, llms.ImageURLPart(llm.DataURL(img)))
		} else {
			parts = append(parts, llms.BinaryPart(llm.ImageMIME(img), img))
		}
	}
	parts = append(parts, llms.TextPart(p.Text()))

	msgs := make([]llms.MessageContent, 0, 2)
	if p.System != "" {
		msgs = append(msgs, llms.MessageContent{
			Role:  llms.ChatMessageTypeSystem,
			Parts: []llms.ContentPart{llms.TextPart(p.System)},
		})
	}
	msgs = append(msgs, llms.MessageContent{Role: llms.ChatMessageTypeHuman, Parts: parts})

	var opts []llms.CallOption
	if n := p.MaxTokens; n > 0 {
		opts = append(opts, llms.WithMaxTokens(n))
	} else if c.maxTokens > 0 {
		opts = append(opts, llms.WithMaxTokens(c.maxTokens))
	}
	if c.temperature > 0 {
		opts = append(opts, llms.WithTemperature(c.temperature))
	}
	if p.JSON {
		opts = append(opts, llms.WithJSONMode())
	}

	completion, err := c.llm.GenerateContent(ctx, msgs, opts...)
	if err != nil {
		err = llm.ClassifyMessage(c.id, fmt.Errorf("%s generate: %w", c.id, err))
		c.logger.Error("llm.analyze.error", "req_id", rid, "error", err,
			"rate_limited", llm.IsRateLimited(err), "elapsed_ms", time.Since(start).Milliseconds())
		return llm.Response{}, err
	}
	if completion == nil || len(completion.Choices) == 0 {
		return llm.Response{}, fmt.Errorf("%s: no choices: %w", c.id, common.ErrProviderResponseMalformed)
	}

	choice := completion.Choices[0]
	usage := usageFrom(choice.GenerationInfo)
	if usage.TotalTokens == 0 {
		usage.CompletionTokens = llms.CountTokens(c.model, choice.Content)
		usage.TotalTokens = usage.CompletionTokens
	}
	c.logger.Info("llm.analyze.ok", "req_id", rid, "response_len", len(choice.Content),
		"tokens", usage.TotalTokens, "elapsed_ms", time.Since(start).Milliseconds())

	return llm.Response{Text: strings.TrimSpace(choice.Content), Model: c.model, Usage: usage}, nil
}

func (c *Client) SimplePrompt(ctx context.Context, prompt string) (string, error) {
	out, err := llms.GenerateFromSinglePrompt(ctx, c.llm, prompt)
	if err != nil {
		return "", llm.ClassifyMessage(c.id, err)
	}
	return out, nil
}

// IsAvailable pings the local server when one is configured. Hosted APIs are
// considered available when a key is set.
func (c *Client) IsAvailable(ctx context.Context) bool {
	if c.probeURL == "" {
		return c.hasKey
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.probeURL, nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func usageFrom(info map[string]any) llm.TokenUsage {
	get := func(k string) int {
		switch v := info[k].(type) {
		case int:
			return v
		case int32:
			return int(v)
		case int64:
			return int(v)
		case float64:
			return int(v)
		}
		return 0
	}
	u := llm.TokenUsage{
		PromptTokens:     get("PromptTokens"),
		CompletionTokens: get("CompletionTokens"),
		TotalTokens:      get("TotalTokens"),
	}
	if u.TotalTokens == 0 {
		u.TotalTokens = u.PromptTokens + u.CompletionTokens
	}
	return u
}
