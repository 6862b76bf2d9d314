package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/joseph-ayodele/qmdoc/internal/ingest"
	"github.com/joseph-ayodele/qmdoc/internal/ocr"
)

var ocrCmd = &cobra.Command{
	Use:   "ocr <file>",
	Short: "Render a document and print the OCR text of every page",
	Long:  "Uses the engine selected by OCR_ENGINE. Useful for checking what the rule-based provider and the OCR cross-check will see.",
	Args:  cobra.ExactArgs(1),
	RunE:  runOCR,
}

func init() {
	rootCmd.AddCommand(ocrCmd)
}

func runOCR(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	if a.OCR == nil {
		return errors.New("no OCR engine configured; set OCR_ENGINE to tesseract or gosseract")
	}

	doc, err := ingest.Load(args[0])
	if err != nil {
		return err
	}
	start := time.Now()
	set, err := a.Images.GetOrRender(ctx, doc.Content)
	if err != nil {
		return fmt.Errorf("render: %w", err)
	}
	results, warns := ocr.RecognizeAll(ctx, a.OCR, set.Images)
	for _, w := range warns {
		a.Logger.Warn("ocr.page.failed", "path", doc.Path, "warning", w)
	}

	out := cmd.OutOrStdout()
	for i, r := range results {
		fmt.Fprintf(out, "--- page %d (%s, confidence %.2f) ---\n%s\n", i+1, r.Engine, r.Confidence, ocr.Normalize(r.Text))
	}
	a.Logger.Info("ocr.done", "path", doc.Path, "pages", len(set.Images), "recognized", len(results),
		"elapsed_ms", time.Since(start).Milliseconds())
	if len(results) == 0 {
		return errors.New("no page could be recognized")
	}
	return nil
}
