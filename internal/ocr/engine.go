package ocr

import (
	"context"
	"fmt"
	"log/slog"
)

// Result is the text recognized on one page image.
type Result struct {
	Text       string
	Confidence float32 // 0..1
	Engine     string
}

// Engine recognizes text on a single encoded page image (PNG or JPEG).
type Engine interface {
	Name() string
	Recognize(ctx context.Context, image []byte) (Result, error)
}

// Config selects and tunes an engine.
type Config struct {
	Engine      string // "tesseract" | "gosseract"
	Tesseract   string // binary name or absolute path; default "tesseract"
	Lang        string // default "deu+eng"
	TessdataDir string
	PSM         int // page segmentation mode; 0 keeps the engine default
	TSV         bool
}

// NewEngine builds the configured engine. An empty Engine returns nil, nil.
func NewEngine(cfg Config, logger *slog.Logger) (Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Lang == "" {
		cfg.Lang = "deu+eng"
	}
	switch cfg.Engine {
	case "":
		return nil, nil
	case "tesseract":
		return NewTesseract(cfg, ExecRunner{}, logger), nil
	case "gosseract":
		return newGosseract(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown ocr engine %q", cfg.Engine)
	}
}

// RecognizeAll runs e over every page and returns the per-page results in order.
// Pages that fail are skipped and reported in warnings.
func RecognizeAll(ctx context.Context, e Engine, pages [][]byte) ([]Result, []string) {
	var (
		out   []Result
		warns []string
	)
	for i, img := range pages {
		if err := ctx.Err(); err != nil {
			warns = append(warns, err.Error())
			break
		}
		res, err := e.Recognize(ctx, img)
		if err != nil {
			warns = append(warns, fmt.Sprintf("page %d: %v", i+1, err))
			continue
		}
		out = append(out, res)
	}
	return out, warns
}
