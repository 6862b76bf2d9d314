// Package rulebased is the terminal provider of the fallback chain. It never
// calls out and always answers with well-formed JSON for the requested stage,
// built from OCR text when an engine is configured.
package rulebased

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/joseph-ayodele/qmdoc/constants"
	"github.com/joseph-ayodele/qmdoc/internal/llm"
	"github.com/joseph-ayodele/qmdoc/internal/ocr"
)

const model = "rules"

var (
	reDocNumber = regexp.MustCompile(`(?i)\b(?:dok(?:ument)?[-.\s]*nr\.?|doc(?:ument)?\s*(?:no\.?|number)|id)\s*[:#]?\s*([A-Z]{1,5}[-_/]?\d[\w\-/.]*)`)
	reRevision  = regexp.MustCompile(`(?i)\b(?:rev(?:ision)?|version|ausgabe|stand)\s*[:.]?\s*([0-9]{1,3}(?:\.[0-9]{1,3})?|[A-Z])\b`)
	reDate      = regexp.MustCompile(`\b(\d{1,2}[./]\d{1,2}[./](?:19|20)\d{2}|(?:19|20)\d{2}-\d{2}-\d{2})\b`)
	reNorm      = regexp.MustCompile(`(?i)\b((?:DIN\s+)?(?:EN\s+)?(?:ISO|IEC|DIN|EN)(?:/IEC)?\s*\d{3,5}(?:[-:]\d{1,4})*)\b`)
	reAuthor    = regexp.MustCompile(`(?i)\b(?:erstellt(?:\s+von)?|author|verfasser|prepared\s+by)\s*[:]?\s*([^\n,;]{3,60})`)
	reDept      = regexp.MustCompile(`(?i)\b(?:abteilung|department|bereich)\s*[:]?\s*([^\n,;]{2,60})`)
	reScope     = regexp.MustCompile(`(?i)\b(?:geltungsbereich|scope|anwendungsbereich)\s*[:]?\s*([^\n]{3,200})`)
	reGerman    = regexp.MustCompile(`(?i)\b(und|der|die|das|nicht|gilt|für|verantwortlich)\b`)
)

type Provider struct {
	engine ocr.Engine
	logger *slog.Logger
}

// New returns the terminal provider. engine may be nil, in which case the
// answers carry no recognized text.
func New(engine ocr.Engine, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{engine: engine, logger: logger.With("provider", constants.RuleBasedProviderID)}
}

func (p *Provider) Name() string                     { return constants.RuleBasedProviderID }
func (p *Provider) Kind() llm.Kind                   { return llm.KindRuleBased }
func (p *Provider) IsAvailable(context.Context) bool { return true }

func (p *Provider) SimplePrompt(_ context.Context, prompt string) (string, error) {
	return fmt.Sprintf("rule-based provider cannot answer free-form prompts (%d chars received)", len(prompt)), nil
}

// Analyze builds the stage record. It only fails on cancellation.
func (p *Provider) Analyze(ctx context.Context, pl llm.Payload) (llm.Response, error) {
	start := time.Now()
	text := p.recognize(ctx, pl.Images)
	if err := ctx.Err(); err != nil {
		return llm.Response{}, err
	}

	var rec map[string]any
	switch pl.Stage {
	case constants.StageContextSetup:
		rec = contextSetup(pl, text)
	case constants.StageNormCompliance:
		rec = normCompliance(pl, text)
	default:
		rec = structuredAnalysis(text)
	}

	bs, err := json.Marshal(rec)
	if err != nil {
		return llm.Response{}, fmt.Errorf("encode rule-based record: %w", err)
	}
	p.logger.Info("llm.rulebased.ok",
		"stage", pl.Stage.String(), "ocr_chars", len(text), "elapsed_ms", time.Since(start).Milliseconds())
	return llm.Response{Text: string(bs), Model: model}, nil
}

func (p *Provider) recognize(ctx context.Context, images [][]byte) string {
	if p.engine == nil || len(images) == 0 {
		return ""
	}
	results, warns := ocr.RecognizeAll(ctx, p.engine, images)
	for _, w := range warns {
		p.logger.Warn("llm.rulebased.ocr_warning", "warning", w)
	}
	pages := make([]string, 0, len(results))
	for _, r := range results {
		pages = append(pages, r.Text)
	}
	return strings.Join(pages, "\n")
}

func contextSetup(pl llm.Payload, text string) map[string]any {
	docType := pl.DocumentType
	if docType == "" {
		docType = string(constants.Generic)
	}
	lines := ocr.Lines(text)
	title := ""
	if len(lines) > 0 {
		title = lines[0]
	}
	return map[string]any{
		"document_type": docType,
		"language":      language(text),
		"page_count":    len(pl.Images),
		"title":         title,
		"summary":       fmt.Sprintf("rule-based context for %d page(s), %d text lines recognized", len(pl.Images), len(lines)),
	}
}

func structuredAnalysis(text string) map[string]any {
	lines := ocr.Lines(text)
	title := ""
	if len(lines) > 0 {
		title = lines[0]
	}
	return map[string]any{
		"title":                         title,
		"document_number":               firstGroup(reDocNumber, text),
		"revision":                      firstGroup(reRevision, text),
		"effective_date":                firstGroup(reDate, text),
		"author":                        strings.TrimSpace(firstGroup(reAuthor, text)),
		"department":                    strings.TrimSpace(firstGroup(reDept, text)),
		"scope":                         strings.TrimSpace(firstGroup(reScope, text)),
		"norm_references":               norms(text),
		constants.RawTextFragmentsField: nonNil(lines),
	}
}

// normCompliance reports the referenced norms without judging them; a rule
// cannot assess compliance.
func normCompliance(pl llm.Payload, text string) map[string]any {
	refs := mergeSorted(norms(text), priorNorms(pl))
	return map[string]any{
		"norm_references":   refs,
		"compliance_status": "not_assessed",
		"compliance_score":  0,
		"requirements_met":  []string{},
		"gaps":              []string{"automated compliance review unavailable; manual review required"},
	}
}

// priorNorms reads norm_references from the stage-2 record, either decoded on
// the payload or as the JSON object inside the labeled context.
func priorNorms(pl llm.Payload) []string {
	rec := pl.Prior
	if rec == nil {
		if i := strings.Index(pl.Context, "{"); i >= 0 {
			_ = json.Unmarshal([]byte(pl.Context[i:]), &rec)
		}
	}
	var out []string
	switch v := rec["norm_references"].(type) {
	case []string:
		out = v
	case []any:
		for _, x := range v {
			if s, ok := x.(string); ok {
				out = append(out, s)
			}
		}
	}
	return out
}

func firstGroup(re *regexp.Regexp, s string) string {
	m := re.FindStringSubmatch(s)
	if len(m) < 2 {
		return ""
	}
	return m[1]
}

func norms(text string) []string {
	var out []string
	for _, m := range reNorm.FindAllStringSubmatch(text, -1) {
		out = append(out, strings.Join(strings.Fields(strings.ToUpper(m[1])), " "))
	}
	return mergeSorted(out, nil)
}

func mergeSorted(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := []string{}
	for _, s := range append(append([]string(nil), a...), b...) {
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func language(text string) string {
	if text == "" {
		return "unknown"
	}
	if len(reGerman.FindAllString(text, 5)) >= 3 {
		return "de"
	}
	return "en"
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
