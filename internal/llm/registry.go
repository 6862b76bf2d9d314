package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/qmdoc/constants"
	"github.com/joseph-ayodele/qmdoc/internal/common"
	"github.com/joseph-ayodele/qmdoc/internal/metrics"
)

type entry struct {
	desc     Descriptor
	provider Provider
}

// Registry holds the configured providers and runs the fallback chain. The
// rule-based terminal is always the last candidate, so Invoke never runs out
// of providers.
type Registry struct {
	mu       sync.RWMutex
	entries  map[string]entry
	terminal entry

	policy       RetryPolicy
	estimator    TokenEstimator
	probeTimeout time.Duration
	callTimeout  time.Duration
	sleep        SleepFunc
	logger       *slog.Logger
}

type Option func(*Registry)

func WithRetryPolicy(p RetryPolicy) Option {
	return func(r *Registry) {
		if p.MaxAttempts > 0 {
			r.policy = p
		}
	}
}

func WithTokenEstimator(e TokenEstimator) Option {
	return func(r *Registry) {
		if e != nil {
			r.estimator = e
		}
	}
}

func WithProbeTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.probeTimeout = d
		}
	}
}

func WithCallTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.callTimeout = d
		}
	}
}

// WithSleep replaces the backoff wait, mainly for tests.
func WithSleep(s SleepFunc) Option {
	return func(r *Registry) {
		if s != nil {
			r.sleep = s
		}
	}
}

// NewRegistry creates a registry whose chain terminates at terminal.
func NewRegistry(terminal Provider, logger *slog.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		entries: make(map[string]entry),
		terminal: entry{
			desc: Descriptor{
				ID:           constants.RuleBasedProviderID,
				Priority:     math.MinInt,
				Capabilities: []Capability{CapabilityVision, CapabilityText},
				Kind:         KindRuleBased,
				Model:        "rules",
			},
			provider: terminal,
		},
		policy:       DefaultRetryPolicy(),
		estimator:    TiktokenEstimator{ImageCost: 1105},
		probeTimeout: 3 * time.Second,
		callTimeout:  120 * time.Second,
		sleep:        sleepCtx,
		logger:       logger,
	}
	for _, o := range opts {
		o(r)
	}
	InstallBPELoader(DefaultBPEFetchTimeout)
	return r
}

// Register adds a provider. IDs are unique and the terminal id is reserved.
func (r *Registry) Register(d Descriptor, p Provider) error {
	if d.ID == "" || p == nil {
		return fmt.Errorf("register provider: id and provider are required: %w", common.ErrInvalidInput)
	}
	if d.ID == r.terminal.desc.ID {
		return fmt.Errorf("register provider %q: id is reserved: %w", d.ID, common.ErrInvalidInput)
	}
	if d.Kind == "" {
		d.Kind = p.Kind()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.entries[d.ID]; dup {
		return fmt.Errorf("register provider %q: duplicate id: %w", d.ID, common.ErrInvalidInput)
	}
	r.entries[d.ID] = entry{desc: d, provider: p}
	r.logger.Info("llm.registry.registered",
		"provider", d.ID, "kind", d.Kind, "model", d.Model,
		"priority", d.Priority, "context_limit", d.ContextLimit)
	return nil
}

// Has reports whether id names a registered provider or the terminal.
func (r *Registry) Has(id string) bool {
	if id == r.terminal.desc.ID {
		return true
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[id]
	return ok
}

// Descriptors returns every descriptor in default chain order, terminal last.
func (r *Registry) Descriptors() []Descriptor {
	cands, _ := r.candidates("", "")
	out := make([]Descriptor, len(cands))
	for i, c := range cands {
		out[i] = c.desc
	}
	return out
}

// Probe calls IsAvailable on a provider under the probe timeout.
func (r *Registry) Probe(ctx context.Context, id string) bool {
	cands, _ := r.candidates("", "")
	for _, c := range cands {
		if c.desc.ID == id {
			return r.probe(ctx, c)
		}
	}
	return false
}

// candidates builds [preferred] ++ others by descending priority ++ terminal,
// dropping duplicates. Providers lacking the capability are returned separately.
func (r *Registry) candidates(preferred string, capability Capability) (out []entry, skipped []string) {
	r.mu.RLock()
	others := make([]entry, 0, len(r.entries))
	for _, e := range r.entries {
		others = append(others, e)
	}
	r.mu.RUnlock()

	sort.SliceStable(others, func(i, j int) bool {
		if others[i].desc.Priority != others[j].desc.Priority {
			return others[i].desc.Priority > others[j].desc.Priority
		}
		return others[i].desc.ID < others[j].desc.ID
	})

	ordered := make([]entry, 0, len(others)+2)
	if explicit(preferred) {
		if preferred == r.terminal.desc.ID {
			ordered = append(ordered, r.terminal)
		} else {
			for _, e := range others {
				if e.desc.ID == preferred {
					ordered = append(ordered, e)
					break
				}
			}
		}
	}
	ordered = append(ordered, others...)
	ordered = append(ordered, r.terminal)

	seen := make(map[string]struct{}, len(ordered))
	out = ordered[:0]
	for _, e := range ordered {
		if _, dup := seen[e.desc.ID]; dup {
			continue
		}
		seen[e.desc.ID] = struct{}{}
		if e.desc.ID != r.terminal.desc.ID && !e.desc.Supports(capability) {
			skipped = append(skipped, e.desc.ID)
			continue
		}
		out = append(out, e)
	}
	return out, skipped
}

func explicit(preferred string) bool {
	return preferred != "" && !strings.EqualFold(preferred, constants.PreferenceAuto)
}

// Invoke runs the fallback chain for payload and always returns a RawResult.
//
// Unavailable candidates are skipped. Right before dispatching to an available
// one, the payload is measured against its context limit; an over-budget
// request fails the whole call without dispatching.
// Rate-limited calls are retried on the same candidate per the retry policy;
// any other error moves on to the next candidate at once.
func (r *Registry) Invoke(ctx context.Context, payload Payload, preferred string, capability Capability) RawResult {
	start := time.Now()
	reqID := uuid.New().String()
	log := r.logger.With("req_id", reqID, "run_id", common.RunIDFromContext(ctx), "stage", payload.Stage.String())

	if explicit(preferred) && !r.Has(preferred) {
		log.Warn("llm.chain.unknown_preference", "preferred", preferred)
	}

	cands, skipped := r.candidates(preferred, capability)
	log.Info("llm.chain.start",
		"preferred", preferred, "capability", capability,
		"candidates", ids(cands), "skipped", skipped, "images", len(payload.Images))

	res := RawResult{}
	for _, id := range skipped {
		res.Attempts = append(res.Attempts, Attempt{Provider: id, Outcome: OutcomeSkippedCapability})
	}
	finish := func() RawResult {
		res.Duration = time.Since(start)
		if res.Err != nil {
			res.Error = res.Err.Error()
		}
		return res
	}

	var lastErr error
	for _, c := range cands {
		if err := ctx.Err(); err != nil {
			lastErr = err
			break
		}
		id := c.desc.ID
		res.Attempted = append(res.Attempted, id)

		if c.desc.Probe && !r.probe(ctx, c) {
			res.Attempts = append(res.Attempts, Attempt{Provider: id, Outcome: OutcomeUnavailable, Error: common.ErrProviderUnavailable.Error()})
			metrics.ProviderCalls.WithLabelValues(id, OutcomeUnavailable).Inc()
			log.Warn("llm.chain.unavailable", "provider", id)
			lastErr = fmt.Errorf("%s: %w", id, common.ErrProviderUnavailable)
			continue
		}

		if c.desc.ContextLimit > 0 {
			est := r.estimator.Estimate(c.desc.Model, payload)
			if est > c.desc.ContextLimit {
				res.Err = &ContextLimitError{Provider: id, Model: c.desc.Model, Estimated: est, Limit: c.desc.ContextLimit}
				res.ProviderID = id
				res.Attempts = append(res.Attempts, Attempt{Provider: id, Try: 0, Outcome: OutcomeContextLimit, Error: res.Err.Error()})
				metrics.ProviderCalls.WithLabelValues(id, OutcomeContextLimit).Inc()
				log.Error("llm.chain.context_limit", "provider", id, "estimated_tokens", est, "limit", c.desc.ContextLimit)
				return finish()
			}
		}

		resp, err := r.dispatch(ctx, log, c, payload, &res)
		if err == nil {
			res.Success = true
			res.Text = resp.Text
			res.ProviderID = id
			res.Model = resp.Model
			if res.Model == "" {
				res.Model = c.desc.Model
			}
			res.TokenUsage = resp.Usage
			res.Degraded = c.desc.Kind == KindRuleBased
			log.Info("llm.chain.ok",
				"provider", id, "attempted", res.Attempted, "degraded", res.Degraded,
				"tokens", resp.Usage.TotalTokens, "elapsed_ms", time.Since(start).Milliseconds())
			return finish()
		}
		lastErr = err
	}

	// Only reachable on cancellation or a failing terminal.
	if lastErr == nil {
		lastErr = errors.New("no provider candidates")
	}
	res.Err = lastErr
	log.Error("llm.chain.failed", "attempted", res.Attempted, "error", lastErr,
		"elapsed_ms", time.Since(start).Milliseconds())
	return finish()
}

// dispatch calls one candidate, retrying per policy. Attempts are appended to res.
func (r *Registry) dispatch(ctx context.Context, log *slog.Logger, c entry, payload Payload, res *RawResult) (Response, error) {
	id := c.desc.ID
	for try := 1; ; try++ {
		callStart := time.Now()
		callCtx, cancel := common.WithTimeout(ctx, r.callTimeout)
		resp, err := c.provider.Analyze(callCtx, payload)
		cancel()
		metrics.ProviderLatency.WithLabelValues(id).Observe(time.Since(callStart).Seconds())

		if err == nil && strings.TrimSpace(resp.Text) == "" {
			err = fmt.Errorf("%s: empty response: %w", id, common.ErrProviderResponseMalformed)
		}
		if err == nil {
			res.Attempts = append(res.Attempts, Attempt{Provider: id, Try: try, Outcome: OutcomeOK})
			metrics.ProviderCalls.WithLabelValues(id, OutcomeOK).Inc()
			return resp, nil
		}

		outcome := OutcomeError
		if IsRateLimited(err) {
			outcome = OutcomeRateLimited
		}
		metrics.ProviderCalls.WithLabelValues(id, outcome).Inc()

		if !r.policy.ShouldRetry(err, try) {
			res.Attempts = append(res.Attempts, Attempt{Provider: id, Try: try, Outcome: outcome, Error: err.Error()})
			log.Warn("llm.chain.attempt_failed", "provider", id, "try", try, "outcome", outcome, "error", err,
				"elapsed_ms", time.Since(callStart).Milliseconds())
			return Response{}, err
		}

		delay := r.policy.Delay(try)
		res.Attempts = append(res.Attempts, Attempt{Provider: id, Try: try, Outcome: outcome, Error: err.Error(), Backoff: delay})
		metrics.ProviderRetries.WithLabelValues(id).Inc()
		log.Warn("llm.chain.retry", "provider", id, "try", try, "backoff_ms", delay.Milliseconds(), "error", err)
		if serr := r.sleep(ctx, delay); serr != nil {
			return Response{}, serr
		}
	}
}

func (r *Registry) probe(ctx context.Context, c entry) bool {
	pctx, cancel := context.WithTimeout(ctx, r.probeTimeout)
	defer cancel()

	done := make(chan bool, 1)
	go func() { done <- c.provider.IsAvailable(pctx) }()
	select {
	case ok := <-done:
		return ok
	case <-pctx.Done():
		r.logger.Warn("llm.chain.probe_timeout", "provider", c.desc.ID, "timeout", r.probeTimeout)
		return false
	}
}

func ids(es []entry) []string {
	out := make([]string, len(es))
	for i, e := range es {
		out[i] = e.desc.ID
	}
	return out
}
