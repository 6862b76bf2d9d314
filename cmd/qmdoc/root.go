package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/joseph-ayodele/qmdoc/internal/app"
	"github.com/joseph-ayodele/qmdoc/internal/common"
	"github.com/joseph-ayodele/qmdoc/internal/logging"
)

// version is set at build time via -ldflags.
var version = "dev"

var rootFlags struct {
	logLevel  string
	logFormat string
	store     string
	providers string
	markdown  bool
}

var rootCmd = &cobra.Command{
	Use:   "qmdoc",
	Short: "Multi-stage AI analysis of scanned quality-management documents",
	Long: "qmdoc renders QM handbooks, procedures, forms and certificates to page images,\n" +
		"runs them through a five-stage provider chain and grades the extraction\n" +
		"against an independent word set.",
	SilenceUsage: true,
	CompletionOptions: cobra.CompletionOptions{
		HiddenDefaultCmd: true,
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&rootFlags.logLevel, "log-level", "", "log level (debug, info, warn, error); overrides LOG_LEVEL")
	pf.StringVar(&rootFlags.logFormat, "log-format", "", "log format (json, text); overrides LOG_FORMAT")
	pf.StringVar(&rootFlags.store, "store", "", "stage store backend (memory, sqlite, postgres, gcs); overrides STORE_BACKEND")
	pf.StringVar(&rootFlags.providers, "providers", "", "provider descriptor YAML; overrides QMDOC_PROVIDERS_FILE")
	pf.BoolVar(&rootFlags.markdown, "markdown", false, "render tables as Markdown")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(batchCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(providersCmd)
	rootCmd.AddCommand(healthCmd)
	rootCmd.Version = version
}

// loadConfig reads the environment and applies the persistent flag overrides.
func loadConfig() (*common.Config, *slog.Logger, error) {
	if rootFlags.providers != "" {
		if err := os.Setenv("QMDOC_PROVIDERS_FILE", rootFlags.providers); err != nil {
			return nil, nil, err
		}
	}
	cfg, err := common.LoadConfig()
	if err != nil {
		return nil, nil, err
	}
	if rootFlags.logLevel != "" {
		cfg.Log.Level = rootFlags.logLevel
	}
	if rootFlags.logFormat != "" {
		cfg.Log.Format = rootFlags.logFormat
	}
	if rootFlags.store != "" {
		cfg.Store.Backend = rootFlags.store
	}
	logger := logging.Init(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	return cfg, logger, nil
}

func newApp(ctx context.Context) (*app.App, error) {
	cfg, logger, err := loadConfig()
	if err != nil {
		return nil, err
	}
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("init: %w", err)
	}
	return a, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
