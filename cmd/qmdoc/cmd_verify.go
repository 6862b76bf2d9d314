package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/joseph-ayodele/qmdoc/internal/common"
	"github.com/joseph-ayodele/qmdoc/internal/ocr"
	"github.com/joseph-ayodele/qmdoc/internal/verify"
)

var verifyFlags struct {
	reference  string
	candidates string
	json       bool
}

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Grade a candidate text against reference fragments without calling a provider",
	Long: "The reference file holds one text fragment per line (as produced by structured analysis);\n" +
		"the candidate file is free text, tokenized with the same rule.",
	RunE: runVerify,
}

func init() {
	f := verifyCmd.Flags()
	f.StringVar(&verifyFlags.reference, "reference", "", "file with reference fragments, one per line (required)")
	f.StringVar(&verifyFlags.candidates, "candidates", "", "file with candidate text (required)")
	f.BoolVar(&verifyFlags.json, "json", false, "print the coverage report as JSON")

	_ = verifyCmd.MarkFlagRequired("reference")
	_ = verifyCmd.MarkFlagRequired("candidates")
}

func runVerify(cmd *cobra.Command, _ []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	v, err := verify.New(cfg.Verify)
	if err != nil {
		return common.NewAppError("CONFIG_ERROR", "invalid verification thresholds", err)
	}

	ref, err := os.ReadFile(verifyFlags.reference)
	if err != nil {
		return fmt.Errorf("read reference: %w", err)
	}
	cand, err := os.ReadFile(verifyFlags.candidates)
	if err != nil {
		return fmt.Errorf("read candidates: %w", err)
	}

	cov := v.Verify(ocr.Lines(string(ref)), verify.Tokenize(string(cand)))
	out := cmd.OutOrStdout()
	if verifyFlags.json {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(cov)
	}
	printCoverage(out, cov)
	if len(cov.Missing) > 0 {
		fmt.Fprintf(out, "missing: %v\n", cov.Missing)
	}
	return nil
}
