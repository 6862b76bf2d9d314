package llm

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/joseph-ayodele/qmdoc/internal/common"
)

type fakeProvider struct {
	name       string
	kind       Kind
	text       string
	err        error // returned on every call when set
	failFirst  int   // calls that return err before succeeding; 0 = always when err set
	down       bool
	blockProbe bool

	mu    sync.Mutex
	calls int
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Kind() Kind {
	if f.kind == "" {
		return KindRemoteHTTP
	}
	return f.kind
}

func (f *fakeProvider) Analyze(context.Context, Payload) (Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil && (f.failFirst == 0 || f.calls <= f.failFirst) {
		return Response{}, f.err
	}
	text := f.text
	if text == "" {
		text = `{"from":"` + f.name + `"}`
	}
	return Response{Text: text, Usage: TokenUsage{TotalTokens: 42}}, nil
}

func (f *fakeProvider) IsAvailable(ctx context.Context) bool {
	if f.blockProbe {
		<-ctx.Done()
		return false
	}
	return !f.down
}

func (f *fakeProvider) SimplePrompt(context.Context, string) (string, error) { return "pong", nil }

func (f *fakeProvider) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays = append(s.delays, d)
	return nil
}

func newTestRegistry(t *testing.T, terminal Provider, opts ...Option) (*Registry, *sleepRecorder) {
	t.Helper()
	rec := &sleepRecorder{}
	opts = append([]Option{
		WithSleep(rec.sleep),
		WithTokenEstimator(EstimatorFunc(func(string, Payload) int { return 100 })),
	}, opts...)
	return NewRegistry(terminal, nil, opts...), rec
}

func mustRegister(t *testing.T, r *Registry, d Descriptor, p Provider) {
	t.Helper()
	if len(d.Capabilities) == 0 {
		d.Capabilities = []Capability{CapabilityVision, CapabilityText}
	}
	if err := r.Register(d, p); err != nil {
		t.Fatalf("Register(%s): %v", d.ID, err)
	}
}

func outcomes(attempts []Attempt) []string {
	out := make([]string, len(attempts))
	for i, a := range attempts {
		out[i] = a.Provider + ":" + a.Outcome
	}
	return out
}

func TestInvoke_RateLimitedProviderRetriesThenFallsBack(t *testing.T) {
	terminal := &fakeProvider{name: "rule_based", kind: KindRuleBased}
	a := &fakeProvider{name: "A", err: RateLimited("A", errors.New("429 too many requests"))}
	b := &fakeProvider{name: "B"}

	r, rec := newTestRegistry(t, terminal, WithRetryPolicy(RetryPolicy{
		MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 10 * time.Second, Retryable: IsRateLimited,
	}))
	mustRegister(t, r, Descriptor{ID: "A", Priority: 10}, a)
	mustRegister(t, r, Descriptor{ID: "B", Priority: 5}, b)

	res := r.Invoke(context.Background(), Payload{Prompt: "analyze"}, "auto", CapabilityVision)

	if !res.Success || res.ProviderID != "B" {
		t.Fatalf("result = %+v, want success from B", res)
	}
	if a.Calls() != 3 || b.Calls() != 1 || terminal.Calls() != 0 {
		t.Errorf("calls A=%d B=%d terminal=%d, want 3/1/0", a.Calls(), b.Calls(), terminal.Calls())
	}
	want := []string{"A:rate_limited", "A:rate_limited", "A:rate_limited", "B:ok"}
	if diff := cmp.Diff(want, outcomes(res.Attempts)); diff != "" {
		t.Errorf("attempts (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]time.Duration{time.Second, 2 * time.Second}, rec.delays); diff != "" {
		t.Errorf("backoff (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"A", "B"}, res.Attempted); diff != "" {
		t.Errorf("attempted (-want +got):\n%s", diff)
	}
	if res.Degraded {
		t.Error("remote success must not be degraded")
	}
}

func TestInvoke_ContextLimitExceededDispatchesNothing(t *testing.T) {
	terminal := &fakeProvider{name: "rule_based", kind: KindRuleBased}
	a := &fakeProvider{name: "A"}
	r, _ := newTestRegistry(t, terminal,
		WithTokenEstimator(EstimatorFunc(func(string, Payload) int { return 130000 })))
	mustRegister(t, r, Descriptor{ID: "A", Priority: 10, ContextLimit: 128000, Model: "gpt-4o", Probe: true}, a)

	res := r.Invoke(context.Background(), Payload{Prompt: "huge"}, "A", CapabilityVision)

	if res.Success {
		t.Fatal("expected failure")
	}
	if !errors.Is(res.Err, common.ErrContextLimitExceeded) {
		t.Fatalf("err = %v, want ErrContextLimitExceeded", res.Err)
	}
	var cle *ContextLimitError
	if !errors.As(res.Err, &cle) || cle.Estimated != 130000 || cle.Limit != 128000 {
		t.Fatalf("context limit error = %+v", cle)
	}
	if !strings.Contains(res.Error, "context limit") {
		t.Errorf("error text %q should mention the context limit", res.Error)
	}
	if a.Calls() != 0 || terminal.Calls() != 0 {
		t.Errorf("calls A=%d terminal=%d, want 0/0", a.Calls(), terminal.Calls())
	}
}

func TestInvoke_UnavailableProviderBudgetIsNotChecked(t *testing.T) {
	terminal := &fakeProvider{name: "rule_based", kind: KindRuleBased}
	local := &fakeProvider{name: "local", down: true}
	remote := &fakeProvider{name: "remote"}
	r, _ := newTestRegistry(t, terminal,
		WithTokenEstimator(EstimatorFunc(func(string, Payload) int { return 10000 })))
	mustRegister(t, r, Descriptor{ID: "local", Priority: 10, ContextLimit: 8192, Probe: true}, local)
	mustRegister(t, r, Descriptor{ID: "remote", Priority: 5, ContextLimit: 128000, Probe: true}, remote)

	res := r.Invoke(context.Background(), Payload{Prompt: "page"}, "", CapabilityVision)

	if !res.Success || res.ProviderID != "remote" {
		t.Fatalf("result = %+v (%s), want success from remote", res, res.Error)
	}
	if local.Calls() != 0 || remote.Calls() != 1 {
		t.Errorf("calls local=%d remote=%d, want 0/1", local.Calls(), remote.Calls())
	}
	want := []string{"local:unavailable", "remote:ok"}
	if diff := cmp.Diff(want, outcomes(res.Attempts)); diff != "" {
		t.Errorf("attempts (-want +got):\n%s", diff)
	}
}

func TestInvoke_AllRemoteDownFallsBackToTerminal(t *testing.T) {
	terminal := &fakeProvider{name: "rule_based", kind: KindRuleBased, text: `{"ok":true}`}
	down := &fakeProvider{name: "down", down: true}
	broken := &fakeProvider{name: "broken", err: errors.New("500 internal")}
	r, rec := newTestRegistry(t, terminal)
	mustRegister(t, r, Descriptor{ID: "down", Priority: 20, Probe: true}, down)
	mustRegister(t, r, Descriptor{ID: "broken", Priority: 10}, broken)

	res := r.Invoke(context.Background(), Payload{Prompt: "x"}, "", CapabilityVision)

	if !res.Success || res.ProviderID != "rule_based" || !res.Degraded {
		t.Fatalf("result = %+v, want degraded success from rule_based", res)
	}
	if down.Calls() != 0 {
		t.Errorf("unavailable provider was dispatched %d times", down.Calls())
	}
	if broken.Calls() != 1 {
		t.Errorf("non rate-limit errors must not retry, got %d calls", broken.Calls())
	}
	if len(rec.delays) != 0 {
		t.Errorf("unexpected backoff %v", rec.delays)
	}
	want := []string{"down:unavailable", "broken:error", "rule_based:ok"}
	if diff := cmp.Diff(want, outcomes(res.Attempts)); diff != "" {
		t.Errorf("attempts (-want +got):\n%s", diff)
	}
}

func TestInvoke_PreferredProviderGoesFirst(t *testing.T) {
	terminal := &fakeProvider{name: "rule_based", kind: KindRuleBased}
	high := &fakeProvider{name: "high", err: errors.New("bad gateway")}
	low := &fakeProvider{name: "low", err: errors.New("bad gateway")}
	r, _ := newTestRegistry(t, terminal)
	mustRegister(t, r, Descriptor{ID: "high", Priority: 100}, high)
	mustRegister(t, r, Descriptor{ID: "low", Priority: 1}, low)

	res := r.Invoke(context.Background(), Payload{}, "low", CapabilityText)

	if diff := cmp.Diff([]string{"low", "high", "rule_based"}, res.Attempted); diff != "" {
		t.Errorf("attempted (-want +got):\n%s", diff)
	}
	if low.Calls() != 1 || high.Calls() != 1 {
		t.Errorf("each candidate must be tried once, got low=%d high=%d", low.Calls(), high.Calls())
	}
}

func TestInvoke_RuleBasedPreferenceSkipsRemote(t *testing.T) {
	terminal := &fakeProvider{name: "rule_based", kind: KindRuleBased}
	remote := &fakeProvider{name: "remote"}
	r, _ := newTestRegistry(t, terminal)
	mustRegister(t, r, Descriptor{ID: "remote", Priority: 100}, remote)

	res := r.Invoke(context.Background(), Payload{}, "rule_based", CapabilityVision)
	if res.ProviderID != "rule_based" || remote.Calls() != 0 {
		t.Fatalf("provider = %s, remote calls = %d", res.ProviderID, remote.Calls())
	}
}

func TestInvoke_ProbeTimeoutSkipsCandidate(t *testing.T) {
	terminal := &fakeProvider{name: "rule_based", kind: KindRuleBased}
	hung := &fakeProvider{name: "hung", blockProbe: true}
	r, _ := newTestRegistry(t, terminal, WithProbeTimeout(20*time.Millisecond))
	mustRegister(t, r, Descriptor{ID: "hung", Priority: 10, Probe: true}, hung)

	res := r.Invoke(context.Background(), Payload{}, "", CapabilityVision)
	if res.ProviderID != "rule_based" || hung.Calls() != 0 {
		t.Fatalf("provider = %s, hung calls = %d", res.ProviderID, hung.Calls())
	}
}

func TestInvoke_SkipsProvidersWithoutCapability(t *testing.T) {
	terminal := &fakeProvider{name: "rule_based", kind: KindRuleBased}
	textOnly := &fakeProvider{name: "text"}
	r, _ := newTestRegistry(t, terminal)
	mustRegister(t, r, Descriptor{ID: "text", Priority: 10, Capabilities: []Capability{CapabilityText}}, textOnly)

	res := r.Invoke(context.Background(), Payload{Images: [][]byte{{1}}}, "", CapabilityVision)
	if res.ProviderID != "rule_based" || textOnly.Calls() != 0 {
		t.Fatalf("provider = %s, text-only calls = %d", res.ProviderID, textOnly.Calls())
	}
	if diff := cmp.Diff([]string{"text:skipped_capability", "rule_based:ok"}, outcomes(res.Attempts)); diff != "" {
		t.Errorf("attempts (-want +got):\n%s", diff)
	}
}

func TestInvoke_EmptyResponseMovesOn(t *testing.T) {
	terminal := &fakeProvider{name: "rule_based", kind: KindRuleBased}
	blank := &fakeProvider{name: "blank", text: "   "}
	r, _ := newTestRegistry(t, terminal)
	mustRegister(t, r, Descriptor{ID: "blank", Priority: 10}, blank)

	res := r.Invoke(context.Background(), Payload{}, "", CapabilityText)
	if res.ProviderID != "rule_based" || blank.Calls() != 1 {
		t.Fatalf("provider = %s, blank calls = %d", res.ProviderID, blank.Calls())
	}
}

func TestInvoke_CanceledContextReturnsFailure(t *testing.T) {
	terminal := &fakeProvider{name: "rule_based", kind: KindRuleBased}
	r, _ := newTestRegistry(t, terminal)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := r.Invoke(ctx, Payload{}, "", CapabilityText)
	if res.Success || !errors.Is(res.Err, context.Canceled) {
		t.Fatalf("result = %+v", res)
	}
	if terminal.Calls() != 0 {
		t.Error("terminal must not run after cancellation")
	}
}

func TestRegister_RejectsReservedAndDuplicateIDs(t *testing.T) {
	r, _ := newTestRegistry(t, &fakeProvider{name: "rule_based"})
	if err := r.Register(Descriptor{ID: "rule_based"}, &fakeProvider{}); err == nil {
		t.Error("expected reserved id error")
	}
	mustRegister(t, r, Descriptor{ID: "x"}, &fakeProvider{})
	if err := r.Register(Descriptor{ID: "x"}, &fakeProvider{}); err == nil {
		t.Error("expected duplicate id error")
	}
}

func TestDescriptors_ChainOrder(t *testing.T) {
	r, _ := newTestRegistry(t, &fakeProvider{name: "rule_based", kind: KindRuleBased})
	mustRegister(t, r, Descriptor{ID: "b", Priority: 5}, &fakeProvider{})
	mustRegister(t, r, Descriptor{ID: "a", Priority: 5}, &fakeProvider{})
	mustRegister(t, r, Descriptor{ID: "top", Priority: 50}, &fakeProvider{})

	var got []string
	for _, d := range r.Descriptors() {
		got = append(got, d.ID)
	}
	if diff := cmp.Diff([]string{"top", "a", "b", "rule_based"}, got); diff != "" {
		t.Errorf("order (-want +got):\n%s", diff)
	}
}
