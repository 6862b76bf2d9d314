package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/joseph-ayodele/qmdoc/internal/app"
	"github.com/joseph-ayodele/qmdoc/internal/ingest"
)

var runFlags struct {
	docType  string
	provider string
	json     bool
	xlsx     string
	outDir   string
}

var runCmd = &cobra.Command{
	Use:   "run <file>",
	Short: "Analyse a single document",
	Args:  cobra.ExactArgs(1),
	RunE:  runRun,
}

func init() {
	f := runCmd.Flags()
	f.StringVarP(&runFlags.docType, "type", "t", "", "document type (generic, qm_handbook, procedure, work_instruction, form, certificate)")
	f.StringVarP(&runFlags.provider, "provider", "p", "", "preferred provider id, auto or rule_based")
	f.BoolVar(&runFlags.json, "json", false, "print the report as JSON instead of tables")
	f.StringVar(&runFlags.xlsx, "xlsx", "", "also write the report as an XLSX workbook to this path")
	f.StringVar(&runFlags.outDir, "out", "", "also write the JSON report into this directory")
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	doc, err := ingest.Load(args[0])
	if err != nil {
		return err
	}
	rep := a.Run(ctx, doc.Content, runFlags.docType, runFlags.provider)

	out := cmd.OutOrStdout()
	if runFlags.json {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(rep); err != nil {
			return err
		}
	} else {
		printReport(out, doc.Path, rep)
	}

	if runFlags.outDir != "" {
		path, err := app.WriteReport(runFlags.outDir, doc.Path, rep)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "report written to %s\n", path)
	}
	if runFlags.xlsx != "" {
		b, err := a.Exporter.ReportXLSX(doc.Path, rep)
		if err != nil {
			return err
		}
		if err := os.WriteFile(runFlags.xlsx, b, 0o644); err != nil {
			return fmt.Errorf("write xlsx: %w", err)
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "workbook written to %s\n", runFlags.xlsx)
	}
	if !rep.PipelineSuccess {
		return fmt.Errorf("pipeline failed: %s", rep.Error)
	}
	return nil
}
