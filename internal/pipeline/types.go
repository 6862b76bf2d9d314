package pipeline

import (
	"context"
	"time"

	"github.com/joseph-ayodele/qmdoc/constants"
	"github.com/joseph-ayodele/qmdoc/internal/llm"
	"github.com/joseph-ayodele/qmdoc/internal/render"
)

// Stage methods.
const (
	MethodProvider  = "provider"
	MethodTokenizer = "backend_tokenization"
	MethodVerifier  = "hybrid_verification"
)

// StageResult is written once per stage and never modified afterwards.
type StageResult struct {
	Stage              constants.StageID `json:"stage"`
	Success            bool              `json:"success"`
	StructuredData     map[string]any    `json:"structured_data,omitempty"`
	RawResponse        string            `json:"raw_response,omitempty"`
	ProviderUsed       string            `json:"provider_used,omitempty"`
	Model              string            `json:"model,omitempty"`
	Duration           time.Duration     `json:"duration"`
	Method             string            `json:"method"`
	ParseLayer         int               `json:"parse_layer,omitempty"`
	ParseConfidence    string            `json:"parse_confidence,omitempty"`
	AttemptedProviders []string          `json:"attempted_providers,omitempty"`
	Degraded           bool              `json:"degraded,omitempty"`
	TokenUsage         llm.TokenUsage    `json:"token_usage"`
	Error              string            `json:"error,omitempty"`

	// Cached is set when the result came from the stage store. It is not stored.
	Cached bool `json:"-"`
}

// Run is the state of one pipeline execution. Only the coordinator writes it.
type Run struct {
	ID           string
	ContentHash  string
	DocumentType constants.DocumentType
	Preference   string
	Images       [][]byte
	Stages       map[constants.StageID]StageResult

	// fallback marks stages answered by the rule-based terminal or built on
	// such an answer in this run. Their results are never cached.
	fallback map[constants.StageID]bool
}

func (r *Run) onFallback(st Stage) bool {
	for _, d := range st.Dependencies() {
		if r.fallback[d] {
			return true
		}
	}
	return false
}

// Stage is one step of the analysis chain.
type Stage interface {
	ID() constants.StageID
	Dependencies() []constants.StageID
	Run(ctx context.Context, run *Run) (StageResult, error)
}

// Invoker dispatches a payload through the provider chain. *llm.Registry
// implements it.
type Invoker interface {
	Invoke(ctx context.Context, payload llm.Payload, preferred string, capability llm.Capability) llm.RawResult
}

// ImageSource renders documents to page images. *render.Cache implements it.
type ImageSource interface {
	GetOrRender(ctx context.Context, doc []byte) (render.ImageSet, error)
}
