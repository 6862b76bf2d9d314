package llm

import (
	"context"
	"slices"
	"time"

	"github.com/joseph-ayodele/qmdoc/constants"
)

// Capability is what a payload needs from a provider.
type Capability string

const (
	CapabilityVision Capability = "vision"
	CapabilityText   Capability = "text"
)

// Kind tags the provider variant.
type Kind string

const (
	KindRemoteHTTP Kind = "remote-http"
	KindLocalHTTP  Kind = "local-http"
	KindRuleBased  Kind = "rule-based"
)

// Payload is one analysis request. Images are encoded page images; Context is
// auxiliary text such as serialized output of an earlier stage, and Prior is
// that output as decoded.
type Payload struct {
	Stage        constants.StageID
	DocumentType string
	System       string
	Prompt       string
	Context      string
	Prior        map[string]any
	Images       [][]byte
	MaxTokens    int
	JSON         bool
}

// Text joins the textual parts of the payload the way providers send them.
func (p Payload) Text() string {
	if p.Context == "" {
		return p.Prompt
	}
	return p.Prompt + "\n\n" + p.Context
}

type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is what a single provider call returns.
type Response struct {
	Text  string
	Model string
	Usage TokenUsage
}

// Provider is implemented by every backend variant. IsAvailable must return
// quickly; the chain bounds it with a short timeout anyway.
type Provider interface {
	Name() string
	Kind() Kind
	Analyze(ctx context.Context, p Payload) (Response, error)
	IsAvailable(ctx context.Context) bool
	SimplePrompt(ctx context.Context, prompt string) (string, error)
}

// Descriptor is the registry's configuration for one provider.
type Descriptor struct {
	ID           string       `json:"id"`
	Priority     int          `json:"priority"`
	Capabilities []Capability `json:"capabilities"`
	ContextLimit int          `json:"context_limit"` // tokens; 0 = unchecked
	Model        string       `json:"model"`
	Kind         Kind         `json:"kind"`
	Probe        bool         `json:"probe"` // call IsAvailable before dispatch
}

func (d Descriptor) Supports(c Capability) bool {
	return c == "" || slices.Contains(d.Capabilities, c)
}

// Attempt outcomes.
const (
	OutcomeOK           = "ok"
	OutcomeRateLimited  = "rate_limited"
	OutcomeError        = "error"
	OutcomeUnavailable  = "unavailable"
	OutcomeContextLimit = "context_limit"

	OutcomeSkippedCapability = "skipped_capability"
)

// Attempt records one dispatch or skip in the fallback chain.
type Attempt struct {
	Provider string        `json:"provider"`
	Try      int           `json:"try"`
	Outcome  string        `json:"outcome"`
	Error    string        `json:"error,omitempty"`
	Backoff  time.Duration `json:"backoff,omitempty"`
}

// RawResult is the outcome of Registry.Invoke. It is always returned; failures
// are described by Success, Err and Error.
type RawResult struct {
	Success    bool          `json:"success"`
	Text       string        `json:"text,omitempty"`
	Err        error         `json:"-"`
	Error      string        `json:"error,omitempty"`
	ProviderID string        `json:"provider_id,omitempty"`
	Model      string        `json:"model,omitempty"`
	TokenUsage TokenUsage    `json:"token_usage"`
	Attempted  []string      `json:"attempted"`
	Attempts   []Attempt     `json:"attempts"`
	Degraded   bool          `json:"degraded"`
	Duration   time.Duration `json:"duration"`
}
