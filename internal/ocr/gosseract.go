//go:build gosseract

package ocr

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/otiai10/gosseract/v2"
)

// Gosseract links libtesseract through cgo. Build with -tags gosseract.
type Gosseract struct {
	langs         []string
	psm           int
	logger        *slog.Logger
	clientFactory func() *gosseract.Client
}

func newGosseract(cfg Config, logger *slog.Logger) (Engine, error) {
	return &Gosseract{
		langs:         strings.Split(cfg.Lang, "+"),
		psm:           cfg.PSM,
		logger:        logger,
		clientFactory: gosseract.NewClient,
	}, nil
}

func (g *Gosseract) Name() string { return "gosseract" }

func (g *Gosseract) Recognize(ctx context.Context, image []byte) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	c := g.clientFactory()
	defer func() {
		if err := c.Close(); err != nil {
			g.logger.Warn("ocr.gosseract.close_failed", "error", err)
		}
	}()

	if err := c.SetLanguage(g.langs...); err != nil {
		return Result{}, fmt.Errorf("set languages: %w", err)
	}
	if g.psm > 0 {
		if err := c.SetPageSegMode(gosseract.PageSegMode(g.psm)); err != nil {
			return Result{}, fmt.Errorf("set psm: %w", err)
		}
	}
	if err := c.SetImageFromBytes(image); err != nil {
		return Result{}, fmt.Errorf("set image: %w", err)
	}
	text, err := c.Text()
	if err != nil {
		return Result{}, fmt.Errorf("recognize text: %w", err)
	}
	txt := Normalize(text)
	return Result{Text: txt, Confidence: blendConfidence(meanWordConfidence(c), txt), Engine: g.Name()}, nil
}

func meanWordConfidence(c *gosseract.Client) float32 {
	boxes, err := c.GetBoundingBoxes(gosseract.RIL_WORD)
	if err != nil || len(boxes) == 0 {
		return 0
	}
	var sum float64
	for _, b := range boxes {
		sum += b.Confidence
	}
	return float32(sum / float64(len(boxes)) / 100.0)
}
