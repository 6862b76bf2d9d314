// Package export renders pipeline reports as XLSX workbooks.
package export

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/joseph-ayodele/qmdoc/constants"
	"github.com/joseph-ayodele/qmdoc/internal/pipeline"
)

const (
	sheetSummary   = "Summary"
	sheetStages    = "Stages"
	sheetFields    = "Fields"
	sheetCoverage  = "Coverage"
	sheetDocuments = "Documents"
)

// Service produces XLSX bytes for one report or a batch of reports.
type Service struct {
	logger *slog.Logger
}

func NewService(logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{logger: logger}
}

// Labeled pairs a report with the document it came from.
type Labeled struct {
	Source string
	Report *pipeline.Report
}

// ReportXLSX writes Summary, Stages, Fields and Coverage sheets for rep.
func (s *Service) ReportXLSX(source string, rep *pipeline.Report) ([]byte, error) {
	start := time.Now()
	f := excelize.NewFile()
	defer f.Close()

	if err := renameDefault(f, sheetSummary); err != nil {
		return nil, err
	}
	summary := [][]any{
		{"Source", source},
		{"Run ID", rep.RunID},
		{"Content Hash", rep.ContentHash},
		{"Status", string(rep.Status())},
		{"Document Type", rep.DocumentType},
		{"Provider Preference", rep.Preference},
		{"Provider", rep.Provider},
		{"Methodology", rep.Methodology},
		{"Duration (s)", round(rep.PipelineDurationSeconds)},
		{"Degraded Reasons", strings.Join(rep.DegradedReasons, "; ")},
		{"Error", rep.Error},
		{"Started At", rep.StartedAt.Format(time.RFC3339)},
	}
	if err := writeRows(f, sheetSummary, nil, summary); err != nil {
		return nil, err
	}
	_ = f.SetColWidth(sheetSummary, "A", "A", 22)
	_ = f.SetColWidth(sheetSummary, "B", "B", 70)

	if err := s.stagesSheet(f, rep); err != nil {
		return nil, err
	}
	fields, err := s.fieldsSheet(f, rep)
	if err != nil {
		return nil, err
	}
	if err := s.coverageSheet(f, rep); err != nil {
		return nil, err
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}
	s.logger.Info("export.xlsx.ok",
		"run_id", rep.RunID,
		"fields", fields,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return buf.Bytes(), nil
}

// BatchXLSX writes one Documents row per report.
func (s *Service) BatchXLSX(reports []Labeled) ([]byte, error) {
	start := time.Now()
	f := excelize.NewFile()
	defer f.Close()

	if err := renameDefault(f, sheetDocuments); err != nil {
		return nil, err
	}
	headers := []string{"Document", "Status", "Document Type", "Provider", "Title", "Document Number",
		"Revision", "Coverage %", "Quality Tier", "RAG Ready", "Duration (s)", "Error"}
	rows := make([][]any, 0, len(reports))
	for _, l := range reports {
		rep := l.Report
		if rep == nil {
			rows = append(rows, []any{filepath.Base(l.Source), string(constants.JobStatusFailed)})
			continue
		}
		structured := response(rep, constants.StageStructuredAnalysis)
		row := []any{
			filepath.Base(l.Source),
			string(rep.Status()),
			rep.DocumentType,
			rep.Provider,
			cellText(structured["title"]),
			cellText(structured["document_number"]),
			cellText(structured["revision"]),
			"", "", "",
			round(rep.PipelineDurationSeconds),
			truncate(rep.Error, 140),
		}
		if cov, ok := rep.Coverage(); ok {
			row[7] = cov.CoveragePercentage
			row[8] = string(cov.QualityTier)
			row[9] = cov.RAGReady
		}
		rows = append(rows, row)
	}
	if err := writeRows(f, sheetDocuments, headers, rows); err != nil {
		return nil, err
	}
	_ = f.SetColWidth(sheetDocuments, "A", "A", 36)
	_ = f.SetColWidth(sheetDocuments, "B", "D", 16)
	_ = f.SetColWidth(sheetDocuments, "E", "E", 40)
	_ = f.SetColWidth(sheetDocuments, "L", "L", 60)

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}
	s.logger.Info("export.batch.ok", "rows", len(rows), "elapsed_ms", time.Since(start).Milliseconds())
	return buf.Bytes(), nil
}

func (s *Service) stagesSheet(f *excelize.File, rep *pipeline.Report) error {
	headers := []string{"#", "Stage", "Success", "Provider", "Method", "Cached", "Parse Layer", "Duration (s)", "Attempted", "Error"}
	var rows [][]any
	for _, id := range constants.AllStages() {
		st, ok := rep.Stage(id)
		if !ok {
			rows = append(rows, []any{int(id), id.String(), "not run"})
			continue
		}
		rows = append(rows, []any{
			int(id), id.String(), st.Success, st.ProviderUsed, st.Method, st.Cached,
			st.ParseLayer, round(st.DurationSeconds), strings.Join(st.AttemptedProviders, " > "), st.Error,
		})
	}
	if err := writeRows(f, sheetStages, headers, rows); err != nil {
		return err
	}
	_ = f.SetColWidth(sheetStages, "B", "B", 22)
	_ = f.SetColWidth(sheetStages, "I", "I", 40)
	_ = f.SetColWidth(sheetStages, "J", "J", 60)
	return nil
}

// fieldsSheet flattens the provider-backed stage records, one field per row.
func (s *Service) fieldsSheet(f *excelize.File, rep *pipeline.Report) (int, error) {
	headers := []string{"Stage", "Field", "Value"}
	var rows [][]any
	for _, id := range constants.AllStages() {
		if !id.Remote() {
			continue
		}
		data := response(rep, id)
		keys := make([]string, 0, len(data))
		for k := range data {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if k == constants.RawTextFragmentsField {
				continue
			}
			rows = append(rows, []any{id.String(), k, cellText(data[k])})
		}
	}
	if err := writeRows(f, sheetFields, headers, rows); err != nil {
		return 0, err
	}
	_ = f.SetColWidth(sheetFields, "A", "B", 22)
	_ = f.SetColWidth(sheetFields, "C", "C", 80)
	return len(rows), nil
}

func (s *Service) coverageSheet(f *excelize.File, rep *pipeline.Report) error {
	cov, ok := rep.Coverage()
	if !ok {
		return writeRows(f, sheetCoverage, []string{"Coverage"}, [][]any{{"verification did not run"}})
	}
	rows := [][]any{
		{"Coverage %", cov.CoveragePercentage},
		{"Fuzzy Coverage %", cov.FuzzyCoveragePercentage},
		{"Quality Tier", string(cov.QualityTier)},
		{"RAG Ready", cov.RAGReady},
		{"Reference Words", len(cov.ReferenceWords)},
		{"Matched", len(cov.Matched)},
		{"Missing", strings.Join(cov.Missing, ", ")},
	}
	for _, fm := range cov.FuzzyMatches {
		rows = append(rows, []any{"Fuzzy", fmt.Sprintf("%s ~ %s (%.2f)", fm.Term, fm.Match, fm.Score)})
	}
	for _, r := range cov.Recommendations {
		rows = append(rows, []any{"Recommendation", r})
	}
	if err := writeRows(f, sheetCoverage, nil, rows); err != nil {
		return err
	}
	_ = f.SetColWidth(sheetCoverage, "A", "A", 20)
	_ = f.SetColWidth(sheetCoverage, "B", "B", 80)
	return nil
}

func renameDefault(f *excelize.File, name string) error {
	if err := f.SetSheetName("Sheet1", name); err != nil {
		return fmt.Errorf("xlsx sheet %s: %w", name, err)
	}
	return nil
}

// writeRows creates sheet if needed and writes an optional header row
// followed by rows.
func writeRows(f *excelize.File, sheet string, headers []string, rows [][]any) error {
	if index, _ := f.GetSheetIndex(sheet); index == -1 {
		if _, err := f.NewSheet(sheet); err != nil {
			return fmt.Errorf("xlsx sheet %s: %w", sheet, err)
		}
	}
	row := 1
	if len(headers) > 0 {
		for i, h := range headers {
			cell, _ := excelize.CoordinatesToCellName(i+1, row)
			if err := f.SetCellValue(sheet, cell, h); err != nil {
				return err
			}
		}
		row++
	}
	for _, r := range rows {
		for i, v := range r {
			cell, _ := excelize.CoordinatesToCellName(i+1, row)
			if err := f.SetCellValue(sheet, cell, v); err != nil {
				return err
			}
		}
		row++
	}
	return nil
}

func response(rep *pipeline.Report, id constants.StageID) map[string]any {
	st, ok := rep.Stage(id)
	if !ok || !st.Success {
		return nil
	}
	return st.Response
}

func cellText(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []any:
		parts := make([]string, 0, len(t))
		for _, e := range t {
			parts = append(parts, cellText(e))
		}
		return strings.Join(parts, "; ")
	case []string:
		return strings.Join(t, "; ")
	case float64:
		return fmt.Sprintf("%g", t)
	default:
		return fmt.Sprintf("%v", t)
	}
}

func round(f float64) float64 {
	return float64(int64(f*100+0.5)) / 100
}

func truncate(s string, n int) string {
	r := []rune(s)
	if n <= 0 || len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
