package pipeline

import (
	"encoding/json"
	"time"

	"github.com/joseph-ayodele/qmdoc/constants"
	"github.com/joseph-ayodele/qmdoc/internal/verify"
)

// StageReport is the per-stage entry of a Report.
type StageReport struct {
	Success            bool           `json:"success"`
	Response           map[string]any `json:"response"`
	ProviderUsed       string         `json:"provider_used"`
	DurationSeconds    float64        `json:"duration_seconds"`
	Method             string         `json:"method"`
	Cached             bool           `json:"cached"`
	ParseLayer         int            `json:"parse_layer,omitempty"`
	AttemptedProviders []string       `json:"attempted_providers,omitempty"`
	Error              string         `json:"error,omitempty"`
}

// Report is the outcome of one pipeline run.
type Report struct {
	RunID                   string                 `json:"run_id"`
	ContentHash             string                 `json:"content_hash"`
	PipelineSuccess         bool                   `json:"pipeline_success"`
	DocumentType            string                 `json:"document_type"`
	Preference              string                 `json:"provider_preference"`
	Provider                string                 `json:"provider"`
	Stages                  map[string]StageReport `json:"stages"`
	PipelineDurationSeconds float64                `json:"pipeline_duration_seconds"`
	Methodology             string                 `json:"methodology"`
	Degraded                bool                   `json:"degraded"`
	DegradedReasons         []string               `json:"degraded_reasons"`
	Error                   string                 `json:"error,omitempty"`
	StartedAt               time.Time              `json:"started_at"`
}

func newReport(run *Run, start time.Time) *Report {
	return &Report{
		RunID:           run.ID,
		DocumentType:    string(run.DocumentType),
		Preference:      run.Preference,
		Stages:          make(map[string]StageReport),
		Methodology:     constants.Methodology,
		DegradedReasons: []string{},
		StartedAt:       start.UTC(),
	}
}

func (r *Report) addStage(res StageResult) {
	r.Stages[res.Stage.String()] = StageReport{
		Success:            res.Success,
		Response:           res.StructuredData,
		ProviderUsed:       res.ProviderUsed,
		DurationSeconds:    res.Duration.Seconds(),
		Method:             res.Method,
		Cached:             res.Cached,
		ParseLayer:         res.ParseLayer,
		AttemptedProviders: res.AttemptedProviders,
		Error:              res.Error,
	}
	if res.Stage == constants.StageStructuredAnalysis || (r.Provider == "" && res.ProviderUsed != "") {
		r.Provider = res.ProviderUsed
	}
}

func (r *Report) fail(err error) {
	if r.Error == "" {
		r.Error = err.Error()
	}
}

// Stage returns the entry for id.
func (r *Report) Stage(id constants.StageID) (StageReport, bool) {
	s, ok := r.Stages[id.String()]
	return s, ok
}

// Coverage decodes the verification stage response.
func (r *Report) Coverage() (verify.CoverageReport, bool) {
	s, ok := r.Stage(constants.StageVerification)
	if !ok || !s.Success {
		return verify.CoverageReport{}, false
	}
	b, err := json.Marshal(s.Response)
	if err != nil {
		return verify.CoverageReport{}, false
	}
	var cov verify.CoverageReport
	if err := json.Unmarshal(b, &cov); err != nil {
		return verify.CoverageReport{}, false
	}
	return cov, true
}

// Status summarizes the run for job listings.
func (r *Report) Status() constants.JobStatus {
	switch {
	case !r.PipelineSuccess:
		return constants.JobStatusFailed
	case r.Degraded:
		return constants.JobStatusDegraded
	default:
		return constants.JobStatusSucceeded
	}
}
