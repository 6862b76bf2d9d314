package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/qmdoc/internal/common"
	"github.com/joseph-ayodele/qmdoc/internal/llm"
)

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// Analyze sends the page images and prompt as one multimodal user message.
func (c *Client) Analyze(ctx context.Context, p llm.Payload) (llm.Response, error) {
	rid := uuid.New().String()
	start := time.Now()

	c.logger.Info("llm.analyze.start",
		"req_id", rid,
		"model", c.cfg.Model,
		"stage", p.Stage.String(),
		"document_type", p.DocumentType,
		"images", len(p.Images),
		"prompt_len", len(p.Prompt),
		"context_len", len(p.Context),
	)

	content := []map[string]any{{"type": "text", "text": p.Text()}}
	for _, img := range p.Images {
		content = append(content, map[string]any{
			"type":      "image_url",
			"image_url": map[string]any{"url": llm.DataURL(img), "detail": "high"},
		})
	}

	messages := []map[string]any{}
	if p.System != "" {
		messages = append(messages, map[string]any{"role": "system", "content": p.System})
	}
	messages = append(messages, map[string]any{"role": "user", "content": content})

	body := map[string]any{
		"model":       c.cfg.Model,
		"temperature": c.cfg.Temperature,
		"messages":    messages,
	}
	if p.JSON {
		body["response_format"] = map[string]any{"type": "json_object"}
	}
	if maxTokens := firstPositive(p.MaxTokens, c.cfg.MaxTokens); maxTokens > 0 {
		body["max_tokens"] = maxTokens
	}

	resp, err := c.complete(ctx, body)
	if err != nil {
		c.logger.Error("llm.analyze.error",
			"req_id", rid, "error", err,
			"rate_limited", llm.IsRateLimited(err),
			"elapsed_ms", time.Since(start).Milliseconds(),
		)
		return llm.Response{}, err
	}

	c.logger.Info("llm.analyze.ok",
		"req_id", rid,
		"model", resp.Model,
		"response_len", len(resp.Text),
		"tokens", resp.Usage.TotalTokens,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return resp, nil
}

func (c *Client) SimplePrompt(ctx context.Context, prompt string) (string, error) {
	resp, err := c.complete(ctx, map[string]any{
		"model":       c.cfg.Model,
		"temperature": c.cfg.Temperature,
		"messages":    []map[string]any{{"role": "user", "content": prompt}},
	})
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

// IsAvailable lists models; any 2xx counts as reachable.
func (c *Client) IsAvailable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/models", nil)
	if err != nil {
		return false
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Debug("llm.probe.failed", "error", err)
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode/100 == 2
}

func (c *Client) complete(ctx context.Context, body map[string]any) (llm.Response, error) {
	headers := map[string]string{}
	if c.cfg.APIKey != "" {
		headers["Authorization"] = "Bearer " + c.cfg.APIKey
	}
	raw, _, err := llm.SendJSON(ctx, c.httpClient, c.cfg.ID, c.cfg.BaseURL+"/chat/completions", body, headers, c.logger)
	if err != nil {
		return llm.Response{}, err
	}

	var cc chatResponse
	if err := json.Unmarshal(raw, &cc); err != nil {
		return llm.Response{}, fmt.Errorf("decode %s response: %w: %w", c.cfg.ID, common.ErrProviderResponseMalformed, err)
	}
	if len(cc.Choices) == 0 {
		return llm.Response{}, fmt.Errorf("no choices in %s response: %w", c.cfg.ID, common.ErrProviderResponseMalformed)
	}
	model := cc.Model
	if model == "" {
		model = c.cfg.Model
	}
	return llm.Response{
		Text:  strings.TrimSpace(cc.Choices[0].Message.Content),
		Model: model,
		Usage: llm.TokenUsage{
			PromptTokens:     cc.Usage.PromptTokens,
			CompletionTokens: cc.Usage.CompletionTokens,
			TotalTokens:      cc.Usage.TotalTokens,
		},
	}, nil
}

func firstPositive(vals ...int) int {
	for _, v := range vals {
		if v > 0 {
			return v
		}
	}
	return 0
}
