package ocr

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Tesseract shells out to the tesseract CLI through a Runner.
type Tesseract struct {
	cfg    Config
	runner Runner
	logger *slog.Logger
}

func NewTesseract(cfg Config, runner Runner, logger *slog.Logger) *Tesseract {
	if cfg.Tesseract == "" {
		cfg.Tesseract = "tesseract"
	}
	if cfg.Lang == "" {
		cfg.Lang = "deu+eng"
	}
	if runner == nil {
		runner = ExecRunner{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Tesseract{cfg: cfg, runner: runner, logger: logger}
}

func (t *Tesseract) Name() string { return "tesseract" }

func (t *Tesseract) Recognize(ctx context.Context, image []byte) (Result, error) {
	tmpDir, err := os.MkdirTemp("", "qmdoc-ocr-*")
	if err != nil {
		return Result{}, err
	}
	defer func() {
		if err := os.RemoveAll(tmpDir); err != nil {
			t.logger.Warn("ocr.cleanup_failed", "dir", tmpDir, "error", err)
		}
	}()

	path := filepath.Join(tmpDir, "page.img")
	if err := os.WriteFile(path, image, 0o600); err != nil {
		return Result{}, fmt.Errorf("write page image: %w", err)
	}

	// tesseract <file> stdout -l <lang>
	out, errb, err := t.runner.Run(ctx, t.cfg.Tesseract, t.logger, t.args(path)...)
	if err != nil {
		return Result{}, fmt.Errorf("tesseract: %w: %s", err, Truncate(string(errb), 512))
	}
	txt := Normalize(string(out))

	var engineConf float32
	if t.cfg.TSV {
		if c, err := t.tsvConfidence(ctx, path); err == nil {
			engineConf = c
		} else {
			t.logger.Warn("ocr.tsv_confidence_failed", "error", err)
		}
	}
	return Result{Text: txt, Confidence: blendConfidence(engineConf, txt), Engine: t.Name()}, nil
}

func (t *Tesseract) args(path string, extra ...string) []string {
	args := []string{path, "stdout", "-l", t.cfg.Lang}
	if t.cfg.PSM > 0 {
		args = append(args, "--psm", strconv.Itoa(t.cfg.PSM))
	}
	if t.cfg.TessdataDir != "" {
		args = append(args, "--tessdata-dir", t.cfg.TessdataDir)
	}
	return append(args, extra...)
}

// tsvConfidence runs tesseract in TSV mode and returns the mean word conf in 0..1.
func (t *Tesseract) tsvConfidence(ctx context.Context, path string) (float32, error) {
	out, errb, err := t.runner.Run(ctx, t.cfg.Tesseract, t.logger, t.args(path, "tsv")...)
	if err != nil {
		return 0, fmt.Errorf("tesseract tsv: %w: %s", err, Truncate(string(errb), 512))
	}
	return meanTSVConfidence(string(out)), nil
}

func meanTSVConfidence(tsv string) float32 {
	var sum, n float64
	for i, ln := range strings.Split(tsv, "\n") {
		if i == 0 || ln == "" {
			continue
		}
		cols := strings.Split(ln, "\t")
		if len(cols) < 12 {
			continue
		}
		conf := cols[10]
		if conf == "" || conf == "-1" {
			continue
		}
		if v, err := strconv.ParseFloat(conf, 64); err == nil {
			sum += v
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return float32(sum / n / 100.0)
}
