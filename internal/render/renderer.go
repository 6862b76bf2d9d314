package render

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
)

// Renderer turns a source document into ordered page images.
type Renderer interface {
	Render(ctx context.Context, doc []byte, dpi int) ([][]byte, error)
}

// RendererFunc adapts a function to Renderer.
type RendererFunc func(ctx context.Context, doc []byte, dpi int) ([][]byte, error)

func (f RendererFunc) Render(ctx context.Context, doc []byte, dpi int) ([][]byte, error) {
	return f(ctx, doc, dpi)
}

var ErrUnsupportedFormat = errors.New("unsupported document format")

// ChainRenderer dispatches by sniffed content type. PDF renderers are tried in
// order until one produces pages.
type ChainRenderer struct {
	PDF    []Renderer
	Image  Renderer
	Logger *slog.Logger
}

func NewChainRenderer(image Renderer, logger *slog.Logger, pdf ...Renderer) *ChainRenderer {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChainRenderer{PDF: pdf, Image: image, Logger: logger}
}

func (c *ChainRenderer) Render(ctx context.Context, doc []byte, dpi int) ([][]byte, error) {
	kind := Sniff(doc)
	switch {
	case kind == "application/pdf":
		var errs []error
		for i, r := range c.PDF {
			pages, err := r.Render(ctx, doc, dpi)
			if err == nil && len(pages) > 0 {
				return pages, nil
			}
			if err == nil {
				err = fmt.Errorf("renderer %d produced no pages", i)
			}
			c.Logger.Warn("render.pdf.fallback", "renderer", i, "error", err)
			errs = append(errs, err)
			if ctx.Err() != nil {
				break
			}
		}
		return nil, fmt.Errorf("render pdf: %w", errors.Join(errs...))
	case strings.HasPrefix(kind, "image/"):
		if c.Image == nil {
			return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, kind)
		}
		return c.Image.Render(ctx, doc, dpi)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, kind)
	}
}

// Sniff returns the MIME type of doc, recognizing TIFF which
// http.DetectContentType does not.
func Sniff(doc []byte) string {
	if len(doc) >= 4 {
		if string(doc[:4]) == "II*\x00" || string(doc[:4]) == "MM\x00*" {
			return "image/tiff"
		}
	}
	return http.DetectContentType(doc)
}
