// Package anthropic implements llm.Provider on the official Anthropic SDK.
package anthropic

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/google/uuid"

	"github.com/joseph-ayodele/qmdoc/internal/common"
	"github.com/joseph-ayodele/qmdoc/internal/llm"
)

type Config struct {
	ID          string
	APIKey      string
	BaseURL     string
	Model       string
	MaxTokens   int
	Temperature float64
}

type Client struct {
	cfg    Config
	client sdk.Client
	logger *slog.Logger
}

func NewClient(cfg Config, logger *slog.Logger) *Client {
	if cfg.ID == "" {
		cfg.ID = "anthropic"
	}
	if cfg.Model == "" {
		cfg.Model = "claude-sonnet-4-5"
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 8192
	}
	if logger == nil {
		logger = slog.Default()
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey), option.WithMaxRetries(0)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &Client{
		cfg:    cfg,
		client: sdk.NewClient(opts...),
		logger: logger.With("provider", cfg.ID),
	}
}

func (c *Client) Name() string   { return c.cfg.ID }
func (c *Client) Kind() llm.Kind { return llm.KindRemoteHTTP }

// IsAvailable only checks for credentials; the API has no free health call.
func (c *Client) IsAvailable(context.Context) bool { return c.cfg.APIKey != "" }

func (c *Client) Analyze(ctx context.Context, p llm.Payload) (llm.Response, error) {
	rid := uuid.New().String()
	start := time.Now()
	c.logger.Info("llm.analyze.start",
		"req_id", rid, "model", c.cfg.Model, "stage", p.Stage.String(), "images", len(p.Images))

	blocks := make([]sdk.ContentBlockParamUnion, 0, len(p.Images)+1)
	for _, img := range p.Images {
		blocks = append(blocks, sdk.NewImageBlockBase64(llm.ImageMIME(img), base64.StdEncoding.EncodeToString(img)))
	}
	blocks = append(blocks, sdk.NewTextBlock(p.Text()))

	maxTokens := c.cfg.MaxTokens
	if p.MaxTokens > 0 {
		maxTokens = p.MaxTokens
	}
	params := sdk.MessageNewParams{
		Model:     sdk.Model(c.cfg.Model),
		MaxTokens: int64(maxTokens),
		Messages:  []sdk.MessageParam{{Role: sdk.MessageParamRoleUser, Content: blocks}},
	}
	if p.System != "" {
		params.System = []sdk.TextBlockParam{{Text: p.System}}
	}
	if c.cfg.Temperature > 0 {
		params.Temperature = sdk.Float(c.cfg.Temperature)
	}

	msg, err := c.client.Messages.New(ctx, params)
	if err != nil {
		err = c.classify(err)
		c.logger.Error("llm.analyze.error", "req_id", rid, "error", err,
			"rate_limited", llm.IsRateLimited(err), "elapsed_ms", time.Since(start).Milliseconds())
		return llm.Response{}, err
	}

	var sb strings.Builder
	for _, block := range msg.Content {
		switch b := block.AsAny().(type) {
		case sdk.TextBlock:
			sb.WriteString(b.Text)
		}
	}
	text := strings.TrimSpace(sb.String())
	if text == "" {
		return llm.Response{}, fmt.Errorf("%s: no text content: %w", c.cfg.ID, common.ErrProviderResponseMalformed)
	}

	usage := llm.TokenUsage{
		PromptTokens:     int(msg.Usage.InputTokens),
		CompletionTokens: int(msg.Usage.OutputTokens),
	}
	usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	c.logger.Info("llm.analyze.ok", "req_id", rid, "response_len", len(text),
		"tokens", usage.TotalTokens, "elapsed_ms", time.Since(start).Milliseconds())

	return llm.Response{Text: text, Model: string(msg.Model), Usage: usage}, nil
}

func (c *Client) SimplePrompt(ctx context.Context, prompt string) (string, error) {
	resp, err := c.Analyze(ctx, llm.Payload{Prompt: prompt})
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

// classify maps SDK errors onto the provider taxonomy. 429 and 529
// (overloaded) are retryable.
func (c *Client) classify(err error) error {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		wrapped := fmt.Errorf("%s: %w", c.cfg.ID, err)
		switch apiErr.StatusCode {
		case http.StatusTooManyRequests, 529:
			return llm.RateLimited(c.cfg.ID, wrapped)
		}
		return wrapped
	}
	return llm.ClassifyMessage(c.cfg.ID, fmt.Errorf("%s: %w", c.cfg.ID, err))
}
