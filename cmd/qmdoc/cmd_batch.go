package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/joseph-ayodele/qmdoc/constants"
	"github.com/joseph-ayodele/qmdoc/internal/app"
	"github.com/joseph-ayodele/qmdoc/internal/export"
	"github.com/joseph-ayodele/qmdoc/internal/ingest"
	"github.com/joseph-ayodele/qmdoc/internal/pipeline"
)

var batchFlags struct {
	docType    string
	provider   string
	parallel   int
	xlsx       string
	outDir     string
	skipHidden bool
}

var batchCmd = &cobra.Command{
	Use:   "batch <dir>",
	Short: "Analyse every supported document under a directory",
	Args:  cobra.ExactArgs(1),
	RunE:  runBatch,
}

func init() {
	f := batchCmd.Flags()
	f.StringVarP(&batchFlags.docType, "type", "t", "", "document type applied to every file")
	f.StringVarP(&batchFlags.provider, "provider", "p", "", "preferred provider id, auto or rule_based")
	f.IntVarP(&batchFlags.parallel, "parallel", "j", 2, "documents analysed concurrently")
	f.StringVar(&batchFlags.xlsx, "xlsx", "", "write a summary workbook to this path (default <dir>/../qmdoc.xlsx)")
	f.StringVar(&batchFlags.outDir, "out", "", "write per-document JSON reports into this directory")
	f.BoolVar(&batchFlags.skipHidden, "skip-hidden", true, "skip dot files and directories")
}

func runBatch(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	root := args[0]
	paths, stats, err := ingest.Discover(ctx, root, batchFlags.skipHidden, a.Logger)
	if err != nil {
		return err
	}
	if len(paths) == 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "no supported documents under %s (%d entries scanned)\n", root, stats.Scanned)
		return nil
	}

	start := time.Now()
	results := make([]export.Labeled, len(paths))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, batchFlags.parallel))
	for i, p := range paths {
		g.Go(func() error {
			results[i] = export.Labeled{Source: p}
			doc, err := ingest.Load(p)
			if err != nil {
				a.Logger.Warn("batch.skip", "path", p, "error", err)
				results[i].Report = &pipeline.Report{Error: err.Error()}
				return nil
			}
			rep := a.Run(gctx, doc.Content, batchFlags.docType, batchFlags.provider)
			results[i].Report = rep
			if batchFlags.outDir != "" {
				if _, err := app.WriteReport(batchFlags.outDir, doc.Path, rep); err != nil {
					return err
				}
			}
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	t := newTable(out, fmt.Sprintf("%d documents in %s", len(paths), time.Since(start).Round(time.Millisecond)))
	t.AppendHeader(table.Row{"Document", "Status", "Provider", "Coverage", "Tier", "Error"})
	t.SetColumnConfigs([]table.ColumnConfig{{Number: 6, WidthMax: 60}})
	counts := map[constants.JobStatus]int{}
	for _, r := range results {
		status := r.Report.Status()
		counts[status]++
		coverage, tier := "", ""
		if cov, ok := r.Report.Coverage(); ok {
			coverage = fmt.Sprintf("%.2f%%", cov.CoveragePercentage)
			tier = string(cov.QualityTier)
		}
		t.AppendRow(table.Row{filepath.Base(r.Source), status, r.Report.Provider, coverage, tier, r.Report.Error})
	}
	t.AppendFooter(table.Row{"", fmt.Sprintf("%d ok, %d degraded, %d failed",
		counts[constants.JobStatusSucceeded], counts[constants.JobStatusDegraded], counts[constants.JobStatusFailed])})
	render(t)

	xlsxPath := batchFlags.xlsx
	if xlsxPath == "" {
		xlsxPath = filepath.Join(filepath.Dir(filepath.Clean(root)), "qmdoc.xlsx")
	}
	b, err := a.Exporter.BatchXLSX(results)
	if err != nil {
		return err
	}
	if err := os.WriteFile(xlsxPath, b, 0o644); err != nil {
		return fmt.Errorf("write xlsx: %w", err)
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "workbook written to %s\n", xlsxPath)

	if counts[constants.JobStatusFailed] > 0 {
		return fmt.Errorf("%d of %d documents failed", counts[constants.JobStatusFailed], len(results))
	}
	return nil
}
