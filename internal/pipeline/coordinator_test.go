package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/joseph-ayodele/qmdoc/constants"
	"github.com/joseph-ayodele/qmdoc/internal/common"
	"github.com/joseph-ayodele/qmdoc/internal/llm"
	"github.com/joseph-ayodele/qmdoc/internal/llm/rulebased"
	"github.com/joseph-ayodele/qmdoc/internal/render"
)

const (
	stage1JSON = `{"document_type":"procedure","language":"de","page_count":1,"title":"Lenkung von Dokumenten","summary":"Regelt Freigabe."}`
	stage2JSON = `{"title":"Lenkung von Dokumenten","document_number":"VA-4.2-01","revision":"3","effective_date":"2024-02-01",
"author":"QMB","department":"QM","scope":"alle Standorte","norm_references":["ISO 13485"],
"raw_text_fragments":["ISO 13485 Qualitätsmanagement","Freigabe durch QMB"]}`
	stage5JSON = `{"norm_references":["ISO 13485"],"compliance_status":"compliant","compliance_score":92,"requirements_met":["4.2.4"],"gaps":[]}`
)

type fakeInvoker struct {
	mu       sync.Mutex
	results  map[constants.StageID]llm.RawResult
	calls    map[constants.StageID]int
	payloads map[constants.StageID]llm.Payload
	onCall   func(constants.StageID)
}

func newFakeInvoker() *fakeInvoker {
	ok := func(text string) llm.RawResult {
		return llm.RawResult{Success: true, Text: text, ProviderID: "openai", Model: "gpt-4o", Attempted: []string{"openai"}}
	}
	return &fakeInvoker{
		results: map[constants.StageID]llm.RawResult{
			constants.StageContextSetup:       ok(stage1JSON),
			constants.StageStructuredAnalysis: ok(stage2JSON),
			constants.StageNormCompliance:     ok(stage5JSON),
		},
		calls:    make(map[constants.StageID]int),
		payloads: make(map[constants.StageID]llm.Payload),
	}
}

func (f *fakeInvoker) Invoke(_ context.Context, p llm.Payload, _ string, _ llm.Capability) llm.RawResult {
	f.mu.Lock()
	f.calls[p.Stage]++
	f.payloads[p.Stage] = p
	res := f.results[p.Stage]
	onCall := f.onCall
	f.mu.Unlock()
	if onCall != nil {
		onCall(p.Stage)
	}
	return res
}

func (f *fakeInvoker) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

type countingRenderer struct {
	mu    sync.Mutex
	calls int
}

func (r *countingRenderer) Render(context.Context, []byte, int) ([][]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return [][]byte{[]byte("\x89PNG\r\n\x1a\npage-1")}, nil
}

func newTestCoordinator(t *testing.T, inv Invoker, store StageStore, opts ...Option) (*Coordinator, *countingRenderer, *render.Cache) {
	t.Helper()
	r := &countingRenderer{}
	cache := render.NewCache(render.Config{}, r, nil)
	c, err := NewCoordinator(nil, cache, inv, store, opts...)
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}
	return c, r, cache
}

func TestRun_AllStagesSucceed(t *testing.T) {
	inv := newFakeInvoker()
	c, _, _ := newTestCoordinator(t, inv, nil)

	rep := c.Run(context.Background(), []byte("%PDF-1.7 va"), "Verfahrensanweisung", "")

	if !rep.PipelineSuccess || rep.Error != "" {
		t.Fatalf("pipeline_success = %v, error = %q", rep.PipelineSuccess, rep.Error)
	}
	if rep.Degraded {
		t.Errorf("unexpected degraded reasons: %q", rep.DegradedReasons)
	}
	if rep.Methodology != "5_stage_prompt_chain" || rep.DocumentType != "procedure" || rep.Provider != "openai" {
		t.Errorf("report header = %+v", rep)
	}
	if rep.ContentHash != render.ContentHash([]byte("%PDF-1.7 va")) {
		t.Errorf("content hash = %s", rep.ContentHash)
	}
	want := []string{"context_setup", "norm_compliance", "structured_analysis", "text_extraction", "verification"}
	var got []string
	for name := range rep.Stages {
		got = append(got, name)
	}
	if diff := cmp.Diff(want, got, cmpSorted); diff != "" {
		t.Errorf("stages (-want +got):\n%s", diff)
	}

	s3, _ := rep.Stage(constants.StageTextExtraction)
	if s3.Method != MethodTokenizer || s3.ProviderUsed != "" {
		t.Errorf("text extraction must be local: %+v", s3)
	}
	if s3.Response["total_words"] != 6 {
		t.Errorf("total_words = %v", s3.Response["total_words"])
	}
	cov, ok := rep.Coverage()
	if !ok || cov.CoveragePercentage != 100 || cov.QualityTier != constants.QualityHigh {
		t.Errorf("coverage = %+v", cov)
	}

	if n := len(inv.payloads[constants.StageContextSetup].Images); n != 1 {
		t.Errorf("stage 1 images = %d", n)
	}
	if ctx5 := inv.payloads[constants.StageNormCompliance].Context; !strings.Contains(ctx5, "VA-4.2-01") {
		t.Errorf("stage 5 context must carry stage-2 data, got %q", ctx5)
	}
	if p2 := inv.payloads[constants.StageStructuredAnalysis].Prompt; !strings.Contains(p2, `"raw_text_fragments"`) {
		t.Errorf("stage 2 prompt lacks field list: %q", p2)
	}
}

func TestRun_StructuredAnalysisFailureStopsDownstream(t *testing.T) {
	inv := newFakeInvoker()
	limitErr := &llm.ContextLimitError{Provider: "openai", Estimated: 130000, Limit: 128000}
	inv.results[constants.StageStructuredAnalysis] = llm.RawResult{Err: limitErr, Error: limitErr.Error(), ProviderID: "openai"}
	c, _, _ := newTestCoordinator(t, inv, nil)

	rep := c.Run(context.Background(), []byte("doc"), "generic", "auto")

	if rep.PipelineSuccess {
		t.Fatal("pipeline must fail")
	}
	for _, id := range []constants.StageID{constants.StageTextExtraction, constants.StageVerification, constants.StageNormCompliance} {
		if _, ok := rep.Stage(id); ok {
			t.Errorf("stage %s must be absent", id)
		}
	}
	s2, ok := rep.Stage(constants.StageStructuredAnalysis)
	if !ok || s2.Success || !strings.Contains(s2.Error, "context limit") {
		t.Errorf("stage 2 = %+v", s2)
	}
	if inv.calls[constants.StageNormCompliance] != 0 {
		t.Error("norm compliance must not be dispatched")
	}
}

func TestRun_ContextSetupFailureStopsEverything(t *testing.T) {
	inv := newFakeInvoker()
	inv.results[constants.StageContextSetup] = llm.RawResult{Err: errors.New("terminal crashed"), Error: "terminal crashed"}
	c, _, _ := newTestCoordinator(t, inv, nil)

	rep := c.Run(context.Background(), []byte("doc"), "procedure", "")

	if rep.PipelineSuccess || !strings.Contains(rep.Error, "context_setup failed") {
		t.Fatalf("success = %v, error = %q", rep.PipelineSuccess, rep.Error)
	}
	if len(rep.Stages) != 1 {
		t.Errorf("stages = %d, want only context_setup", len(rep.Stages))
	}
	if inv.calls[constants.StageStructuredAnalysis] != 0 || inv.calls[constants.StageNormCompliance] != 0 {
		t.Errorf("downstream stages dispatched: %v", inv.calls)
	}
}

func TestRun_NormComplianceFailureKeepsEarlierStages(t *testing.T) {
	inv := newFakeInvoker()
	inv.results[constants.StageNormCompliance] = llm.RawResult{Err: errors.New("canceled upstream"), Error: "canceled upstream"}
	c, _, _ := newTestCoordinator(t, inv, nil)

	rep := c.Run(context.Background(), []byte("doc"), "procedure", "")

	if rep.PipelineSuccess || rep.Degraded {
		t.Fatalf("success = %v degraded = %v", rep.PipelineSuccess, rep.Degraded)
	}
	for _, id := range []constants.StageID{
		constants.StageContextSetup, constants.StageStructuredAnalysis,
		constants.StageTextExtraction, constants.StageVerification,
	} {
		if s, ok := rep.Stage(id); !ok || !s.Success {
			t.Errorf("stage %s = %+v, want present and successful", id, s)
		}
	}
	s5, ok := rep.Stage(constants.StageNormCompliance)
	if !ok || s5.Success || !strings.Contains(s5.Error, "canceled upstream") {
		t.Errorf("stage 5 = %+v", s5)
	}
}

// remoteProvider answers stages 1 and 2 and fails every other stage.
type remoteProvider struct {
	mu    sync.Mutex
	down  bool
	calls int
}

func (p *remoteProvider) Name() string                                         { return "remote" }
func (p *remoteProvider) Kind() llm.Kind                                       { return llm.KindRemoteHTTP }
func (p *remoteProvider) SimplePrompt(context.Context, string) (string, error) { return "", nil }

func (p *remoteProvider) IsAvailable(context.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.down
}

func (p *remoteProvider) Analyze(_ context.Context, pl llm.Payload) (llm.Response, error) {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	switch pl.Stage {
	case constants.StageContextSetup:
		return llm.Response{Text: stage1JSON}, nil
	case constants.StageStructuredAnalysis:
		return llm.Response{Text: stage2JSON}, nil
	}
	return llm.Response{}, errors.New("502 bad gateway")
}

func newChain(t *testing.T, remote *remoteProvider) *llm.Registry {
	t.Helper()
	reg := llm.NewRegistry(rulebased.New(nil, nil), nil,
		llm.WithTokenEstimator(llm.EstimatorFunc(func(string, llm.Payload) int { return 1 })))
	err := reg.Register(llm.Descriptor{
		ID: "remote", Priority: 10, Probe: true,
		Capabilities: []llm.Capability{llm.CapabilityVision, llm.CapabilityText},
	}, remote)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	return reg
}

func TestRun_RuleBasedNormComplianceKeepsStage2Norms(t *testing.T) {
	c, _, _ := newTestCoordinator(t, newChain(t, &remoteProvider{}), nil)

	rep := c.Run(context.Background(), []byte("scan"), "procedure", "")

	if !rep.PipelineSuccess || !rep.Degraded {
		t.Fatalf("success = %v degraded = %v (%s)", rep.PipelineSuccess, rep.Degraded, rep.Error)
	}
	s2, _ := rep.Stage(constants.StageStructuredAnalysis)
	if s2.ProviderUsed != "remote" {
		t.Errorf("stage 2 provider = %q", s2.ProviderUsed)
	}
	s5, _ := rep.Stage(constants.StageNormCompliance)
	if s5.ProviderUsed != constants.RuleBasedProviderID {
		t.Fatalf("stage 5 provider = %q", s5.ProviderUsed)
	}
	if diff := cmp.Diff([]any{"ISO 13485"}, s5.Response["norm_references"]); diff != "" {
		t.Errorf("stage 5 norm_references (-want +got):\n%s", diff)
	}
}

func TestRun_FallbackAnswersAreNotCached(t *testing.T) {
	remote := &remoteProvider{down: true}
	store := NewMemoryStore()
	c, _, _ := newTestCoordinator(t, newChain(t, remote), store)
	doc := []byte("scan")

	c.Run(context.Background(), doc, "procedure", "auto")
	if store.Len() != 0 {
		t.Errorf("store entries after outage = %d, want 0", store.Len())
	}

	remote.mu.Lock()
	remote.down = false
	remote.mu.Unlock()

	rep := c.Run(context.Background(), doc, "procedure", "auto")
	s2, ok := rep.Stage(constants.StageStructuredAnalysis)
	if !ok || s2.ProviderUsed != "remote" || s2.Cached {
		t.Fatalf("stage 2 after recovery = %+v", s2)
	}
	if remote.calls == 0 {
		t.Error("recovered provider was never called")
	}
}

func TestRun_StagesBuiltOnFallbackAreNotCached(t *testing.T) {
	inv := newFakeInvoker()
	inv.results[constants.StageStructuredAnalysis] = llm.RawResult{
		Success: true, Text: stage2JSON, ProviderID: constants.RuleBasedProviderID, Degraded: true,
	}
	store := NewMemoryStore()
	c, _, _ := newTestCoordinator(t, inv, store)

	rep := c.Run(context.Background(), []byte("scan"), "procedure", "")
	if !rep.PipelineSuccess {
		t.Fatalf("run failed: %s", rep.Error)
	}
	if store.Len() != 1 {
		t.Errorf("store entries = %d, want 1 (context setup only)", store.Len())
	}
	if _, ok, _ := store.Get(context.Background(), NewStageKey(rep.ContentHash, constants.StageContextSetup, "")); !ok {
		t.Error("context setup should be cached")
	}
}

func TestStages_LocalStagesDependOnlyOnStructuredAnalysis(t *testing.T) {
	want := []constants.StageID{constants.StageStructuredAnalysis}
	for _, st := range []Stage{textExtractionStage{}, verificationStage{}} {
		if diff := cmp.Diff(want, st.Dependencies()); diff != "" {
			t.Errorf("%s dependencies (-want +got):\n%s", st.ID(), diff)
		}
	}
}

func TestRun_MissingFragmentsIsDependencyError(t *testing.T) {
	inv := newFakeInvoker()
	inv.results[constants.StageStructuredAnalysis] = llm.RawResult{Success: true, Text: `{"title":"x","revision":"1","norm_references":[]}`, ProviderID: "openai"}
	c, _, _ := newTestCoordinator(t, inv, nil)

	rep := c.Run(context.Background(), []byte("doc"), "", "")
	if rep.PipelineSuccess || !strings.Contains(rep.Error, common.ErrStageDependencyMissing.Error()) {
		t.Fatalf("error = %q", rep.Error)
	}
	if _, ok := rep.Stage(constants.StageVerification); ok {
		t.Error("verification must not run")
	}
}

func TestRun_CachedRerunMakesNoProviderCalls(t *testing.T) {
	inv := newFakeInvoker()
	store := NewMemoryStore()
	c, renderer, cache := newTestCoordinator(t, inv, store)
	doc := []byte("scan")

	first := c.Run(context.Background(), doc, "procedure", "auto")
	if !first.PipelineSuccess {
		t.Fatalf("first run failed: %s", first.Error)
	}
	callsAfterFirst := inv.total()

	second := c.Run(context.Background(), doc, "procedure", "")
	if !second.PipelineSuccess {
		t.Fatalf("second run failed: %s", second.Error)
	}
	if inv.total() != callsAfterFirst {
		t.Errorf("provider calls grew from %d to %d", callsAfterFirst, inv.total())
	}
	for name, s := range second.Stages {
		if !s.Cached {
			t.Errorf("stage %s not served from cache", name)
		}
	}
	if store.Len() != 5 {
		t.Errorf("store entries = %d, want 5", store.Len())
	}
	if renderer.calls != 1 {
		t.Errorf("renderer calls = %d, want 1", renderer.calls)
	}
	if hits, misses := cache.Stats(); hits != 1 || misses != 1 {
		t.Errorf("render cache hits/misses = %d/%d", hits, misses)
	}
}

func TestRun_PreferenceIsPartOfCacheKey(t *testing.T) {
	inv := newFakeInvoker()
	c, _, _ := newTestCoordinator(t, inv, NewMemoryStore())
	c.Run(context.Background(), []byte("scan"), "", "auto")
	before := inv.total()
	c.Run(context.Background(), []byte("scan"), "", "rule_based")
	if inv.total() != before+3 {
		t.Errorf("calls = %d, want %d", inv.total(), before+3)
	}
}

func TestRun_CancellationBetweenStages(t *testing.T) {
	inv := newFakeInvoker()
	ctx, cancel := context.WithCancel(context.Background())
	inv.onCall = func(id constants.StageID) {
		if id == constants.StageContextSetup {
			cancel()
		}
	}
	c, _, _ := newTestCoordinator(t, inv, nil)

	rep := c.Run(ctx, []byte("doc"), "", "")
	if rep.PipelineSuccess || !strings.Contains(rep.Error, "canceled") {
		t.Fatalf("error = %q", rep.Error)
	}
	if len(rep.Stages) != 1 || inv.calls[constants.StageStructuredAnalysis] != 0 {
		t.Errorf("stages = %d, stage 2 calls = %d", len(rep.Stages), inv.calls[constants.StageStructuredAnalysis])
	}
}

func TestRun_DegradedReasons(t *testing.T) {
	inv := newFakeInvoker()
	inv.results[constants.StageStructuredAnalysis] = llm.RawResult{
		Success:    true,
		Text:       `{"title":"Formblatt","raw_text_fragments":["Prüfprotokoll Wareneingang",],}`,
		ProviderID: constants.RuleBasedProviderID,
		Degraded:   true,
	}
	c, _, _ := newTestCoordinator(t, inv, nil)

	rep := c.Run(context.Background(), []byte("doc"), "form", "")
	if !rep.PipelineSuccess || !rep.Degraded {
		t.Fatalf("success = %v degraded = %v (%s)", rep.PipelineSuccess, rep.Degraded, rep.Error)
	}
	want := []string{
		"structured_analysis: answered by the rule-based fallback",
		"structured_analysis: response recovered at parse layer 2 (high confidence)",
	}
	if diff := cmp.Diff(want, rep.DegradedReasons); diff != "" {
		t.Errorf("degraded reasons (-want +got):\n%s", diff)
	}
}

func TestRun_RenderFailure(t *testing.T) {
	failing := render.RendererFunc(func(context.Context, []byte, int) ([][]byte, error) {
		return nil, render.ErrUnsupportedFormat
	})
	c, err := NewCoordinator(nil, render.NewCache(render.Config{}, failing, nil), newFakeInvoker(), nil)
	if err != nil {
		t.Fatal(err)
	}
	rep := c.Run(context.Background(), []byte("???"), "", "")
	if rep.PipelineSuccess || len(rep.Stages) != 0 || !strings.Contains(rep.Error, "render document") {
		t.Errorf("report = %+v", rep)
	}
}

func TestNewCoordinator_RequiresDependencies(t *testing.T) {
	if _, err := NewCoordinator(nil, nil, newFakeInvoker(), nil); !errors.Is(err, common.ErrInvalidInput) {
		t.Errorf("err = %v", err)
	}
}

var cmpSorted = cmp.Transformer("sort", func(in []string) []string {
	out := append([]string(nil), in...)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j] < out[j-1]; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
})
