// Package app assembles the analysis stack from configuration. Both binaries
// build on it.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/joseph-ayodele/qmdoc/internal/async"
	"github.com/joseph-ayodele/qmdoc/internal/common"
	"github.com/joseph-ayodele/qmdoc/internal/export"
	"github.com/joseph-ayodele/qmdoc/internal/ingest"
	"github.com/joseph-ayodele/qmdoc/internal/llm"
	"github.com/joseph-ayodele/qmdoc/internal/llm/rulebased"
	"github.com/joseph-ayodele/qmdoc/internal/metrics"
	"github.com/joseph-ayodele/qmdoc/internal/ocr"
	"github.com/joseph-ayodele/qmdoc/internal/pipeline"
	"github.com/joseph-ayodele/qmdoc/internal/render"
	"github.com/joseph-ayodele/qmdoc/internal/store"
	"github.com/joseph-ayodele/qmdoc/internal/verify"
)

type App struct {
	Config      *common.Config
	Logger      *slog.Logger
	Registry    *llm.Registry
	Images      *render.Cache
	OCR         ocr.Engine
	Store       store.Store
	Verifier    *verify.Verifier
	Coordinator *pipeline.Coordinator
	Exporter    *export.Service

	closers []func() error
}

// New builds every component. Providers that fail to construct are logged and
// left out of the chain; the rule-based terminal is always present.
func New(ctx context.Context, cfg *common.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	a := &App{Config: cfg, Logger: logger, Exporter: export.NewService(logger)}

	engine, err := ocr.NewEngine(ocr.Config{
		Engine:      cfg.OCR.Engine,
		Tesseract:   cfg.OCR.Tesseract,
		Lang:        cfg.OCR.Lang,
		TessdataDir: cfg.OCR.TessdataDir,
	}, logger)
	if err != nil {
		return nil, common.NewAppError("CONFIG_ERROR", "ocr engine", err)
	}
	engine = ocr.Memoize(engine, ocr.DefaultMemoPages)
	a.OCR = engine
	if c, ok := engine.(interface{ Close() error }); ok {
		a.closers = append(a.closers, c.Close)
	}

	a.Registry = llm.NewRegistry(rulebased.New(engine, logger), logger,
		llm.WithRetryPolicy(llm.RetryPolicy{
			MaxAttempts: cfg.LLM.RetryMaxAttempts,
			BaseDelay:   cfg.LLM.RetryBaseDelay,
			MaxDelay:    cfg.LLM.RetryMaxDelay,
			Retryable:   llm.IsRateLimited,
		}),
		llm.WithTokenEstimator(llm.TiktokenEstimator{ImageCost: cfg.LLM.ImageTokenCost}),
		llm.WithProbeTimeout(cfg.LLM.ProbeTimeout),
		llm.WithCallTimeout(cfg.LLM.CallTimeout),
	)
	for _, pc := range cfg.LLM.Providers {
		p, closeFn, err := NewProvider(ctx, pc, logger)
		if err != nil {
			logger.Warn("app.provider.skipped", "provider", pc.ID, "kind", pc.Kind, "error", err)
			continue
		}
		a.closers = append(a.closers, closeFn)
		if err := a.Registry.Register(Descriptor(pc, p.Kind()), p); err != nil {
			logger.Warn("app.provider.skipped", "provider", pc.ID, "error", err)
		}
	}

	image := render.ImageRenderer{MaxDimension: cfg.Render.MaxDimension}
	renderer := render.NewChainRenderer(image, logger,
		render.NewPopplerRenderer(cfg.Render.Pdftoppm, cfg.Render.MaxPages, ocr.ExecRunner{}, logger),
		render.NewPDFImageRenderer(cfg.Render.MaxPages, image, logger),
	)
	a.Images = render.NewCache(render.Config{DPI: cfg.Render.DPI, MaxEntries: cfg.Render.CacheEntries}, renderer, logger)

	st, err := store.Open(ctx, cfg.Store, logger)
	if err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("open stage store: %w", err)
	}
	a.Store = st
	a.closers = append(a.closers, st.Close)

	a.Verifier, err = verify.New(cfg.Verify)
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	a.Coordinator, err = pipeline.NewCoordinator(logger, a.Images, a.Registry, a.Store,
		pipeline.WithOCR(engine),
		pipeline.WithVerifier(a.Verifier),
	)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

// Run applies the configured defaults for empty document type and preference.
func (a *App) Run(ctx context.Context, content []byte, documentType, preference string) *pipeline.Report {
	if strings.TrimSpace(documentType) == "" {
		documentType = a.Config.Pipeline.DefaultDocumentType
	}
	if strings.TrimSpace(preference) == "" {
		preference = a.Config.Pipeline.DefaultPreference
	}
	return a.Coordinator.Run(ctx, content, documentType, preference)
}

// Process is the queue handler: load, analyse, and write the JSON report to
// the outbox directory.
func (a *App) Process(ctx context.Context, job async.Job) error {
	doc, err := ingest.Load(job.Path)
	if err != nil {
		metrics.Jobs.WithLabelValues("rejected").Inc()
		return err
	}
	rep := a.Run(ctx, doc.Content, job.DocumentType, job.Preference)
	metrics.Jobs.WithLabelValues(string(rep.Status())).Inc()

	out, err := WriteReport(a.Config.Server.OutboxDir, doc.Path, rep)
	if err != nil {
		return err
	}
	a.Logger.Info("app.report.written", "job_id", job.ID, "run_id", rep.RunID, "status", rep.Status(), "path", out)
	if !rep.PipelineSuccess {
		return errors.New(rep.Error)
	}
	return nil
}

// WriteReport stores rep as <dir>/<source base>.<first 12 hash chars>.json and
// returns the written path.
func WriteReport(dir, source string, rep *pipeline.Report) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create outbox: %w", err)
	}
	base := strings.TrimSuffix(filepath.Base(source), filepath.Ext(source))
	hash := rep.ContentHash
	if len(hash) > 12 {
		hash = hash[:12]
	}
	if hash == "" {
		hash = rep.RunID
	}
	path := filepath.Join(dir, base+"."+hash+".json")

	b, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode report: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return "", fmt.Errorf("write report: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("write report: %w", err)
	}
	return path, nil
}

// Close releases providers and the store, returning the first error.
func (a *App) Close() error {
	var first error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	a.closers = nil
	return first
}
