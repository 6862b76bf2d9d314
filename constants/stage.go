package constants

// StageID identifies a step of the analysis pipeline. The numeric order is the
// execution order.
type StageID int

const (
	StageContextSetup       StageID = 1
	StageStructuredAnalysis StageID = 2
	StageTextExtraction     StageID = 3
	StageVerification       StageID = 4
	StageNormCompliance     StageID = 5
)

// Methodology is reported verbatim on every pipeline report.
const Methodology = "5_stage_prompt_chain"

var stageNames = map[StageID]string{
	StageContextSetup:       "context_setup",
	StageStructuredAnalysis: "structured_analysis",
	StageTextExtraction:     "text_extraction",
	StageVerification:       "verification",
	StageNormCompliance:     "norm_compliance",
}

func (s StageID) String() string {
	if n, ok := stageNames[s]; ok {
		return n
	}
	return "unknown"
}

// Remote reports whether the stage dispatches to an AI provider.
func (s StageID) Remote() bool {
	switch s {
	case StageContextSetup, StageStructuredAnalysis, StageNormCompliance:
		return true
	}
	return false
}

// AllStages returns the stages in execution order.
func AllStages() []StageID {
	return []StageID{
		StageContextSetup,
		StageStructuredAnalysis,
		StageTextExtraction,
		StageVerification,
		StageNormCompliance,
	}
}

// Record fields each provider-backed stage asks for. Stage 2 must always carry
// raw_text_fragments; later stages read it as their reference text.
var stageFields = map[StageID][]string{
	StageContextSetup: {"document_type", "language", "page_count", "title", "summary"},
	StageStructuredAnalysis: {
		"title", "document_number", "revision", "effective_date", "author",
		"department", "scope", "norm_references", "raw_text_fragments",
	},
	StageNormCompliance: {"norm_references", "compliance_status", "compliance_score", "requirements_met", "gaps"},
}

// ExpectedFields returns a copy of the record fields for s, or nil for local stages.
func (s StageID) ExpectedFields() []string {
	f := stageFields[s]
	if f == nil {
		return nil
	}
	return append([]string(nil), f...)
}

// RawTextFragmentsField is the stage-2 reference text list.
const RawTextFragmentsField = "raw_text_fragments"
