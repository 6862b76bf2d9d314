// Package pipeline runs the five-stage analysis chain over one document:
// context setup, structured analysis, text extraction, verification and norm
// compliance. Stages run strictly in order, each only after the stages it
// depends on succeeded, and successful results are cached per content hash
// unless they come from the rule-based fallback.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/qmdoc/constants"
	"github.com/joseph-ayodele/qmdoc/internal/common"
	"github.com/joseph-ayodele/qmdoc/internal/metrics"
	"github.com/joseph-ayodele/qmdoc/internal/ocr"
	"github.com/joseph-ayodele/qmdoc/internal/parse"
	"github.com/joseph-ayodele/qmdoc/internal/verify"
)

type Coordinator struct {
	logger   *slog.Logger
	images   ImageSource
	invoker  Invoker
	store    StageStore
	parser   *parse.Parser
	verifier *verify.Verifier
	prompts  *Prompts
	ocr      ocr.Engine
	stages   []Stage
}

type Option func(*Coordinator)

// WithOCR enables the OCR cross-check in the verification stage.
func WithOCR(e ocr.Engine) Option {
	return func(c *Coordinator) { c.ocr = e }
}

func WithVerifier(v *verify.Verifier) Option {
	return func(c *Coordinator) {
		if v != nil {
			c.verifier = v
		}
	}
}

func WithParser(p *parse.Parser) Option {
	return func(c *Coordinator) {
		if p != nil {
			c.parser = p
		}
	}
}

func WithPrompts(p *Prompts) Option {
	return func(c *Coordinator) {
		if p != nil {
			c.prompts = p
		}
	}
}

// NewCoordinator wires the stage chain. store may be nil to disable caching.
func NewCoordinator(logger *slog.Logger, images ImageSource, invoker Invoker, store StageStore, opts ...Option) (*Coordinator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if images == nil || invoker == nil {
		return nil, fmt.Errorf("coordinator: image source and invoker are required: %w", common.ErrInvalidInput)
	}
	c := &Coordinator{
		logger:   logger,
		images:   images,
		invoker:  invoker,
		store:    store,
		verifier: verify.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	if c.parser == nil {
		c.parser = parse.New(logger, parse.WithDefaults(recordDefaults()))
	}
	if c.prompts == nil {
		p, err := LoadPrompts()
		if err != nil {
			return nil, err
		}
		c.prompts = p
	}

	c.stages = []Stage{
		&remoteStage{
			id:     constants.StageContextSetup,
			prompt: func(p PromptSet) string { return p.ContextSetup },
			c:      c,
		},
		&remoteStage{
			id:     constants.StageStructuredAnalysis,
			deps:   []constants.StageID{constants.StageContextSetup},
			prompt: func(p PromptSet) string { return p.StructuredAnalysis },
			prior:  constants.StageContextSetup,
			label:  "Context from the first pass:",
			c:      c,
		},
		textExtractionStage{},
		verificationStage{c: c},
		&remoteStage{
			id:     constants.StageNormCompliance,
			deps:   []constants.StageID{constants.StageStructuredAnalysis},
			prompt: func(p PromptSet) string { return p.NormCompliance },
			prior:  constants.StageStructuredAnalysis,
			label:  "Structured analysis:",
			c:      c,
		},
	}
	return c, nil
}

func recordDefaults() map[string]any {
	return map[string]any{
		"norm_references":  []any{},
		"requirements_met": []any{},
		"gaps":             []any{},
		"page_count":       float64(0),
		"compliance_score": float64(0),
	}
}

// Run executes the chain over content and always returns a report. Failures are
// described by PipelineSuccess and Error; stages after a failure are absent.
func (c *Coordinator) Run(ctx context.Context, content []byte, documentType, preference string) *Report {
	start := time.Now()
	runID := uuid.New().String()
	ctx = common.WithRunID(ctx, runID)

	dt, ok := constants.CanonicalDocumentType(documentType)
	if !ok && documentType != "" {
		c.logger.Warn("pipeline.unknown_document_type", "run_id", runID, "document_type", documentType)
	}
	pref := strings.TrimSpace(preference)
	if pref == "" {
		pref = constants.PreferenceAuto
	}

	run := &Run{
		ID:           runID,
		DocumentType: dt,
		Preference:   pref,
		Stages:       make(map[constants.StageID]StageResult),
		fallback:     make(map[constants.StageID]bool),
	}
	rep := newReport(run, start)
	log := c.logger.With("run_id", runID)
	log.Info("pipeline.start", "document_type", dt, "preference", pref, "bytes", len(content))

	set, err := c.images.GetOrRender(ctx, content)
	if err != nil {
		rep.fail(fmt.Errorf("render document: %w", err))
		return c.finish(log, run, rep, start)
	}
	run.ContentHash = set.ContentHash
	run.Images = set.Images
	rep.ContentHash = set.ContentHash

	for _, st := range c.stages {
		if err := ctx.Err(); err != nil {
			rep.fail(fmt.Errorf("canceled before %s: %w", st.ID(), err))
			break
		}
		if missing := unmet(run, st); len(missing) > 0 {
			rep.fail(fmt.Errorf("%s requires %v: %w", st.ID(), missing, common.ErrStageDependencyMissing))
			break
		}

		res, err := c.runStage(ctx, log, run, st)
		run.Stages[st.ID()] = res
		rep.addStage(res)
		if err != nil || !res.Success {
			if err == nil {
				err = errors.New(res.Error)
			}
			rep.fail(fmt.Errorf("%s failed: %w", st.ID(), err))
			break
		}
	}
	return c.finish(log, run, rep, start)
}

func unmet(run *Run, st Stage) []constants.StageID {
	var missing []constants.StageID
	for _, d := range st.Dependencies() {
		if r, ok := run.Stages[d]; !ok || !r.Success {
			missing = append(missing, d)
		}
	}
	return missing
}

func (c *Coordinator) runStage(ctx context.Context, log *slog.Logger, run *Run, st Stage) (StageResult, error) {
	id := st.ID()
	key := NewStageKey(run.ContentHash, id, run.Preference)
	onFallback := run.onFallback(st)

	if c.store != nil && !onFallback {
		cached, ok, err := c.store.Get(ctx, key)
		switch {
		case err != nil:
			log.Warn("pipeline.stage.cache_error", "stage", id.String(), "error", err)
		case ok && cached.Success && !cached.Degraded:
			metrics.StageCache.WithLabelValues("hit").Inc()
			cached.Cached = true
			log.Info("pipeline.stage.cached", "stage", id.String(), "provider", cached.ProviderUsed)
			return cached, nil
		default:
			metrics.StageCache.WithLabelValues("miss").Inc()
		}
	}

	stageStart := time.Now()
	log.Info("pipeline.stage.start", "stage", id.String())
	res, err := st.Run(ctx, run)
	res.Stage = id
	res.Duration = time.Since(stageStart)

	outcome := "ok"
	if err != nil || !res.Success {
		outcome = "failed"
	}
	metrics.StageDuration.WithLabelValues(id.String(), outcome).Observe(res.Duration.Seconds())

	if outcome == "failed" {
		log.Error("pipeline.stage.failed", "stage", id.String(), "error", err,
			"attempted", res.AttemptedProviders, "elapsed_ms", res.Duration.Milliseconds())
		return res, err
	}
	log.Info("pipeline.stage.ok", "stage", id.String(), "provider", res.ProviderUsed,
		"parse_layer", res.ParseLayer, "degraded", res.Degraded, "elapsed_ms", res.Duration.Milliseconds())

	switch {
	case res.Degraded || onFallback:
		run.fallback[id] = true
		log.Info("pipeline.stage.not_cached", "stage", id.String(), "reason", "rule-based fallback")
	case c.store != nil:
		if perr := c.store.Put(ctx, key, res); perr != nil {
			log.Warn("pipeline.stage.cache_put_error", "stage", id.String(), "error", perr)
		}
	}
	return res, nil
}

func (c *Coordinator) finish(log *slog.Logger, run *Run, rep *Report, start time.Time) *Report {
	rep.PipelineSuccess = rep.Error == "" && len(run.Stages) == len(c.stages)
	rep.DegradedReasons = degradedReasons(run)
	rep.Degraded = rep.PipelineSuccess && len(rep.DegradedReasons) > 0
	rep.PipelineDurationSeconds = time.Since(start).Seconds()

	result := "success"
	switch {
	case !rep.PipelineSuccess:
		result = "failed"
	case rep.Degraded:
		result = "degraded"
	}
	metrics.PipelineRuns.WithLabelValues(result).Inc()

	if rep.PipelineSuccess {
		log.Info("pipeline.done", "result", result, "provider", rep.Provider,
			"degraded_reasons", rep.DegradedReasons, "elapsed_ms", time.Since(start).Milliseconds())
	} else {
		log.Error("pipeline.failed", "error", rep.Error, "stages", len(run.Stages),
			"elapsed_ms", time.Since(start).Milliseconds())
	}
	return rep
}

func degradedReasons(run *Run) []string {
	reasons := []string{}
	for _, id := range constants.AllStages() {
		r, ok := run.Stages[id]
		if !ok || !r.Success {
			continue
		}
		if r.Degraded {
			reasons = append(reasons, fmt.Sprintf("%s: answered by the rule-based fallback", id))
		}
		if r.ParseLayer > 1 {
			reasons = append(reasons, fmt.Sprintf("%s: response recovered at parse layer %d (%s confidence)",
				id, r.ParseLayer, r.ParseConfidence))
		}
		if id == constants.StageVerification {
			tier, _ := r.StructuredData["quality_tier"].(string)
			if tier != string(constants.QualityHigh) {
				cov, _ := r.StructuredData["coverage_percentage"].(float64)
				reasons = append(reasons, fmt.Sprintf("%s: coverage %.2f%% (%s)", id, cov, tier))
			}
		}
	}
	return reasons
}
