package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/joseph-ayodele/qmdoc/constants"
	"github.com/joseph-ayodele/qmdoc/internal/common"
	"github.com/joseph-ayodele/qmdoc/internal/llm"
	"github.com/joseph-ayodele/qmdoc/internal/metrics"
	"github.com/joseph-ayodele/qmdoc/internal/ocr"
	"github.com/joseph-ayodele/qmdoc/internal/parse"
	"github.com/joseph-ayodele/qmdoc/internal/verify"
)

// remoteStage sends the page images with a prompt through the provider chain
// and recovers a record from the answer.
type remoteStage struct {
	id     constants.StageID
	deps   []constants.StageID
	prompt func(PromptSet) string
	// prior is the earlier stage whose record travels with the payload, both
	// as labeled JSON context and as Payload.Prior. Zero means none.
	prior constants.StageID
	label string
	c     *Coordinator
}

func (s *remoteStage) ID() constants.StageID             { return s.id }
func (s *remoteStage) Dependencies() []constants.StageID { return s.deps }

func (s *remoteStage) Run(ctx context.Context, run *Run) (StageResult, error) {
	ps := s.c.prompts.For(run.DocumentType)
	fields := s.id.ExpectedFields()
	payload := llm.Payload{
		Stage:        s.id,
		DocumentType: string(run.DocumentType),
		System:       ps.System,
		Prompt:       Render(s.prompt(ps), run.DocumentType, fields),
		Images:       run.Images,
		JSON:         true,
	}
	if prev, ok := run.Stages[s.prior]; ok && prev.StructuredData != nil {
		payload.Prior = prev.StructuredData
		payload.Context = labeledJSON(s.label, prev.StructuredData)
	}

	capability := llm.CapabilityVision
	if len(run.Images) == 0 {
		capability = llm.CapabilityText
	}
	raw := s.c.invoker.Invoke(ctx, payload, run.Preference, capability)

	res := StageResult{
		Stage:              s.id,
		Method:             MethodProvider,
		RawResponse:        raw.Text,
		ProviderUsed:       raw.ProviderID,
		Model:              raw.Model,
		AttemptedProviders: raw.Attempted,
		Degraded:           raw.Degraded,
		TokenUsage:         raw.TokenUsage,
	}
	if !raw.Success {
		res.Error = raw.Error
		return res, raw.Err
	}

	rec := s.c.parser.Parse(raw.Text, fields)
	res.Success = true
	res.StructuredData = rec.Data
	res.ParseLayer = rec.Layer
	res.ParseConfidence = rec.Confidence
	return res, nil
}

func labeledJSON(label string, data map[string]any) string {
	b, err := json.Marshal(data)
	if err != nil {
		return ""
	}
	return label + "\n" + string(b)
}

// textExtractionStage tokenizes the stage-2 reference fragments locally.
type textExtractionStage struct{}

func (textExtractionStage) ID() constants.StageID { return constants.StageTextExtraction }

func (textExtractionStage) Dependencies() []constants.StageID {
	return []constants.StageID{constants.StageStructuredAnalysis}
}

func (textExtractionStage) Run(_ context.Context, run *Run) (StageResult, error) {
	res := StageResult{Stage: constants.StageTextExtraction, Method: MethodTokenizer}
	frags, err := referenceFragments(run)
	if err != nil {
		res.Error = err.Error()
		return res, err
	}
	ex := verify.Extract(frags)
	res.Success = true
	res.StructuredData = map[string]any{
		"extracted_words":    ex.Words,
		"total_words":        ex.Total,
		"duplicates_removed": ex.DuplicatesRemoved,
		"fragment_count":     len(frags),
	}
	return res, nil
}

// verificationStage compares the stage-2 reference with the stage-3 words and,
// when OCR is configured, with the words OCR reads off the page images. The
// words are re-derived from the reference when stage 3 left none.
type verificationStage struct {
	c *Coordinator
}

func (verificationStage) ID() constants.StageID { return constants.StageVerification }

func (verificationStage) Dependencies() []constants.StageID {
	return []constants.StageID{constants.StageStructuredAnalysis}
}

func (s verificationStage) Run(ctx context.Context, run *Run) (StageResult, error) {
	res := StageResult{Stage: constants.StageVerification, Method: MethodVerifier}
	frags, err := referenceFragments(run)
	if err != nil {
		res.Error = err.Error()
		return res, err
	}
	words := stringList(run.Stages[constants.StageTextExtraction].StructuredData["extracted_words"])
	if words == nil {
		words = verify.Extract(frags).Words
	}

	rep := s.c.verifier.Verify(frags, words)
	metrics.Coverage.Observe(rep.CoveragePercentage)
	data, err := toMap(rep)
	if err != nil {
		res.Error = err.Error()
		return res, err
	}

	if s.c.ocr != nil && len(run.Images) > 0 {
		results, warns := ocr.RecognizeAll(ctx, s.c.ocr, run.Images)
		for _, w := range warns {
			s.c.logger.Warn("pipeline.verify.ocr_warning", "run_id", run.ID, "warning", w)
		}
		texts := make([]string, 0, len(results))
		for _, r := range results {
			texts = append(texts, r.Text)
		}
		ocrRep := s.c.verifier.Verify(frags, verify.Extract(texts).Words)
		if m, err := toMap(ocrRep); err == nil {
			m["engine"] = s.c.ocr.Name()
			data["ocr_verification"] = m
		}
	}

	res.Success = true
	res.StructuredData = data
	return res, nil
}

func referenceFragments(run *Run) ([]string, error) {
	s2, ok := run.Stages[constants.StageStructuredAnalysis]
	if !ok || !s2.Success {
		return nil, fmt.Errorf("structured analysis result missing: %w", common.ErrStageDependencyMissing)
	}
	if err := parse.ValidateFragments(s2.StructuredData); err != nil {
		return nil, fmt.Errorf("structured analysis has no usable %s: %w: %w",
			constants.RawTextFragmentsField, common.ErrStageDependencyMissing, err)
	}
	frags, _ := parse.Fragments(s2.StructuredData)
	return frags, nil
}

// stringList accepts []string as produced in-process and []any as decoded
// from a stored result.
func stringList(v any) []string {
	switch t := v.(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, x := range t {
			if s, ok := x.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func toMap(v any) (map[string]any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode stage data: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("decode stage data: %w", err)
	}
	return m, nil
}
