package main

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/joseph-ayodele/qmdoc/constants"
	"github.com/joseph-ayodele/qmdoc/internal/pipeline"
	"github.com/joseph-ayodele/qmdoc/internal/verify"
)

func newTable(out io.Writer, title string) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(out)
	t.SetStyle(table.StyleLight)
	if title != "" {
		t.SetTitle(title)
	}
	return t
}

func render(t table.Writer) {
	if rootFlags.markdown {
		t.RenderMarkdown()
		return
	}
	t.Render()
}

func printReport(out io.Writer, source string, rep *pipeline.Report) {
	t := newTable(out, fmt.Sprintf("%s  [%s]", source, rep.Status()))
	t.AppendHeader(table.Row{"#", "Stage", "OK", "Provider", "Method", "Cached", "Layer", "Seconds", "Error"})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, Align: text.AlignRight},
		{Number: 8, Align: text.AlignRight},
		{Number: 9, WidthMax: 60},
	})
	for _, id := range constants.AllStages() {
		st, ok := rep.Stage(id)
		if !ok {
			t.AppendRow(table.Row{int(id), id.String(), "-", "", "", "", "", "", "not run"})
			continue
		}
		layer := ""
		if st.ParseLayer > 0 {
			layer = fmt.Sprint(st.ParseLayer)
		}
		t.AppendRow(table.Row{
			int(id), id.String(), mark(st.Success), st.ProviderUsed, st.Method, mark(st.Cached),
			layer, fmt.Sprintf("%.2f", st.DurationSeconds), st.Error,
		})
	}
	footer := fmt.Sprintf("type=%s provider=%s total=%.2fs", rep.DocumentType, rep.Provider, rep.PipelineDurationSeconds)
	if rep.Degraded {
		footer += " degraded: " + strings.Join(rep.DegradedReasons, ", ")
	}
	t.AppendFooter(table.Row{"", footer})
	render(t)

	if rep.Error != "" {
		fmt.Fprintf(out, "error: %s\n", rep.Error)
	}
	if st, ok := rep.Stage(constants.StageStructuredAnalysis); ok && st.Success {
		printFields(out, st.Response)
	}
	if cov, ok := rep.Coverage(); ok {
		printCoverage(out, cov)
	}
}

func printFields(out io.Writer, data map[string]any) {
	keys := make([]string, 0, len(data))
	for k := range data {
		if k != constants.RawTextFragmentsField {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	t := newTable(out, "Structured analysis")
	t.AppendHeader(table.Row{"Field", "Value"})
	t.SetColumnConfigs([]table.ColumnConfig{{Number: 2, WidthMax: 80}})
	for _, k := range keys {
		t.AppendRow(table.Row{k, valueText(data[k])})
	}
	render(t)
}

func printCoverage(out io.Writer, cov verify.CoverageReport) {
	t := newTable(out, "Verification")
	t.AppendRows([]table.Row{
		{"Coverage", fmt.Sprintf("%.2f%%", cov.CoveragePercentage)},
		{"Fuzzy coverage", fmt.Sprintf("%.2f%%", cov.FuzzyCoveragePercentage)},
		{"Quality tier", cov.QualityTier},
		{"RAG ready", mark(cov.RAGReady)},
		{"Matched / reference", fmt.Sprintf("%d / %d", len(cov.Matched), len(cov.ReferenceWords))},
	})
	for _, r := range cov.Recommendations {
		t.AppendRow(table.Row{"Recommendation", r})
	}
	t.SetColumnConfigs([]table.ColumnConfig{{Number: 2, WidthMax: 80}})
	render(t)
}

func valueText(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case []any:
		parts := make([]string, 0, len(t))
		for _, e := range t {
			parts = append(parts, valueText(e))
		}
		return strings.Join(parts, ", ")
	default:
		return fmt.Sprint(t)
	}
}

func mark(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
