package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/joseph-ayodele/qmdoc/internal/pipeline"
)

func TestPrintReport(t *testing.T) {
	rep := &pipeline.Report{
		PipelineSuccess: true,
		DocumentType:    "procedure",
		Provider:        "anthropic",
		DegradedReasons: []string{},
		Stages: map[string]pipeline.StageReport{
			"context_setup": {Success: true, ProviderUsed: "anthropic", Method: pipeline.MethodProvider, ParseLayer: 1},
			"structured_analysis": {Success: true, ProviderUsed: "anthropic", Method: pipeline.MethodProvider,
				Response: map[string]any{
					"document_number":    "VA-07",
					"norm_references":    []any{"ISO 9001", "ISO 14001"},
					"raw_text_fragments": []any{"should not be printed"},
				}},
		},
	}
	var buf bytes.Buffer
	printReport(&buf, "VA-07.pdf", rep)
	out := buf.String()

	for _, want := range []string{"VA-07.pdf", "SUCCEEDED", "context_setup", "not run", "ISO 9001, ISO 14001"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "should not be printed") {
		t.Error("raw text fragments leaked into the field table")
	}
}

func TestValueText(t *testing.T) {
	if got := valueText([]any{"a", 2.5, nil}); got != "a, 2.5, " {
		t.Errorf("valueText = %q", got)
	}
	if got := valueText(nil); got != "" {
		t.Errorf("valueText(nil) = %q", got)
	}
}
