package render

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

// PDFImageRenderer pulls the embedded page scans out of scanned PDFs without
// rasterizing. It fails when a page carries no decodable image, which makes
// ChainRenderer fall through to a rasterizer.
type PDFImageRenderer struct {
	MaxPages int
	Image    ImageRenderer
	Logger   *slog.Logger
}

func NewPDFImageRenderer(maxPages int, image ImageRenderer, logger *slog.Logger) *PDFImageRenderer {
	if logger == nil {
		logger = slog.Default()
	}
	return &PDFImageRenderer{MaxPages: maxPages, Image: image, Logger: logger}
}

func (p *PDFImageRenderer) Render(ctx context.Context, doc []byte, _ int) ([][]byte, error) {
	conf := model.NewDefaultConfiguration()

	pageCount, err := api.PageCount(bytes.NewReader(doc), conf)
	if err != nil {
		return nil, fmt.Errorf("pdf page count: %w", err)
	}
	if p.MaxPages > 0 && pageCount > p.MaxPages {
		p.Logger.Warn("render.pdf.truncated", "pages", pageCount, "max_pages", p.MaxPages)
		pageCount = p.MaxPages
	}

	// Keep the largest image per page; scans are one full-page image.
	largest := map[int][]byte{}
	digest := func(img model.Image, _ bool, _ int) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if img.PageNr < 1 || img.PageNr > pageCount {
			return nil
		}
		b, err := io.ReadAll(img)
		if err != nil {
			return err
		}
		if len(b) > len(largest[img.PageNr]) {
			largest[img.PageNr] = b
		}
		return nil
	}
	if err := api.ExtractImages(bytes.NewReader(doc), nil, digest, conf); err != nil {
		return nil, fmt.Errorf("extract pdf images: %w", err)
	}

	if len(largest) < pageCount {
		return nil, fmt.Errorf("only %d of %d pages carry images", len(largest), pageCount)
	}

	nrs := make([]int, 0, len(largest))
	for nr := range largest {
		nrs = append(nrs, nr)
	}
	sort.Ints(nrs)

	pages := make([][]byte, 0, len(nrs))
	for _, nr := range nrs {
		page, err := p.Image.Normalize(largest[nr])
		if err != nil {
			return nil, fmt.Errorf("page %d: %w", nr, err)
		}
		pages = append(pages, page)
	}
	return pages, nil
}
