// Package vertex implements llm.Provider on Gemini models served by Vertex AI.
package vertex

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"cloud.google.com/go/vertexai/genai"
	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/joseph-ayodele/qmdoc/internal/common"
	"github.com/joseph-ayodele/qmdoc/internal/llm"
)

type Config struct {
	ID          string
	Project     string
	Location    string
	Model       string
	MaxTokens   int
	Temperature float32
}

type Client struct {
	cfg    Config
	base   *genai.Client
	logger *slog.Logger
}

// NewClient dials Vertex AI with application default credentials.
func NewClient(ctx context.Context, cfg Config, logger *slog.Logger) (*Client, error) {
	if cfg.Project == "" || cfg.Location == "" {
		return nil, fmt.Errorf("vertex: project and location are required: %w", common.ErrInvalidInput)
	}
	if cfg.ID == "" {
		cfg.ID = "vertex"
	}
	if cfg.Model == "" {
		cfg.Model = "gemini-1.5-pro"
	}
	if logger == nil {
		logger = slog.Default()
	}
	base, err := genai.NewClient(ctx, cfg.Project, cfg.Location)
	if err != nil {
		return nil, fmt.Errorf("genai.NewClient: %w", err)
	}
	return &Client{cfg: cfg, base: base, logger: logger.With("provider", cfg.ID)}, nil
}

func (c *Client) Close() error {
	if c.base != nil {
		return c.base.Close()
	}
	return nil
}

func (c *Client) Name() string   { return c.cfg.ID }
func (c *Client) Kind() llm.Kind { return llm.KindRemoteHTTP }

func (c *Client) IsAvailable(context.Context) bool { return c.base != nil }

func (c *Client) model(p llm.Payload) *genai.GenerativeModel {
	m := c.base.GenerativeModel(c.cfg.Model)
	if p.System != "" {
		m.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(p.System)}}
	}
	if p.JSON {
		m.GenerationConfig.ResponseMIMEType = "application/json"
	}
	if c.cfg.Temperature > 0 {
		m.GenerationConfig.Temperature = genai.Ptr(c.cfg.Temperature)
	}
	maxTokens := c.cfg.MaxTokens
	if p.MaxTokens > 0 {
		maxTokens = p.MaxTokens
	}
	if maxTokens > 0 {
		m.GenerationConfig.MaxOutputTokens = genai.Ptr(int32(maxTokens))
	}
	return m
}

func (c *Client) Analyze(ctx context.Context, p llm.Payload) (llm.Response, error) {
	rid := uuid.New().String()
	start := time.Now()
	c.logger.Info("llm.analyze.start",
		"req_id", rid, "model", c.cfg.Model, "stage", p.Stage.String(), "images", len(p.Images))

	parts := make([]genai.Part, 0, len(p.Images)+1)
	for _, img := range p.Images {
		parts = append(parts, genai.ImageData(imageFormat(img), img))
	}
	parts = append(parts, genai.Text(p.Text()))

	resp, err := c.model(p).GenerateContent(ctx, parts...)
	if err != nil {
		err = classify(c.cfg.ID, err)
		c.logger.Error("llm.analyze.error", "req_id", rid, "error", err,
			"rate_limited", llm.IsRateLimited(err), "elapsed_ms", time.Since(start).Milliseconds())
		return llm.Response{}, err
	}

	text := responseText(resp)
	if text == "" {
		return llm.Response{}, fmt.Errorf("%s: empty candidate: %w", c.cfg.ID, common.ErrProviderResponseMalformed)
	}
	var usage llm.TokenUsage
	if resp.UsageMetadata != nil {
		usage = llm.TokenUsage{
			PromptTokens:     int(resp.UsageMetadata.PromptTokenCount),
			CompletionTokens: int(resp.UsageMetadata.CandidatesTokenCount),
			TotalTokens:      int(resp.UsageMetadata.TotalTokenCount),
		}
	}
	c.logger.Info("llm.analyze.ok", "req_id", rid, "response_len", len(text),
		"tokens", usage.TotalTokens, "elapsed_ms", time.Since(start).Milliseconds())
	return llm.Response{Text: text, Model: c.cfg.Model, Usage: usage}, nil
}

func (c *Client) SimplePrompt(ctx context.Context, prompt string) (string, error) {
	resp, err := c.Analyze(ctx, llm.Payload{Prompt: prompt})
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			sb.WriteString(string(txt))
		}
	}
	return strings.TrimSpace(sb.String())
}

// classify marks ResourceExhausted as rate limited.
func classify(provider string, err error) error {
	wrapped := fmt.Errorf("%s: %w", provider, err)
	if s, ok := status.FromError(err); ok && s.Code() == codes.ResourceExhausted {
		return llm.RateLimited(provider, wrapped)
	}
	return llm.ClassifyMessage(provider, wrapped)
}

// imageFormat returns the short format genai.ImageData expects.
func imageFormat(img []byte) string {
	return strings.TrimPrefix(llm.ImageMIME(img), "image/")
}
