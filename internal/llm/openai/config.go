package openai

import (
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/joseph-ayodele/qmdoc/internal/llm"
)

// Config for an OpenAI-compatible chat/completions endpoint. The same client
// serves api.openai.com, Azure-style gateways and local servers (LM Studio,
// vLLM, llama.cpp) that speak the protocol.
type Config struct {
	ID          string        // provider id in the registry; default "openai"
	APIKey      string        // if empty, falls back to env OPENAI_API_KEY for remote endpoints
	BaseURL     string        // default https://api.openai.com/v1
	Model       string        // e.g., "gpt-4o"
	Temperature float32       // 0..2
	MaxTokens   int           // completion cap; 0 leaves the server default
	Timeout     time.Duration // http client timeout
}

type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger
}

func NewClient(cfg Config, logger *slog.Logger) *Client {
	if cfg.ID == "" {
		cfg.ID = "openai"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.APIKey == "" && !isLocal(cfg.BaseURL) {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger.With("provider", cfg.ID),
	}
}

func (c *Client) Name() string { return c.cfg.ID }

func (c *Client) Kind() llm.Kind {
	if isLocal(c.cfg.BaseURL) {
		return llm.KindLocalHTTP
	}
	return llm.KindRemoteHTTP
}

func isLocal(baseURL string) bool {
	for _, h := range []string{"://localhost", "://127.0.0.1", "://0.0.0.0", "://[::1]", "://host.docker.internal"} {
		if strings.Contains(baseURL, h) {
			return true
		}
	}
	return false
}
