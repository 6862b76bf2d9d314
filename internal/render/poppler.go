package render

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/joseph-ayodele/qmdoc/internal/ocr"
)

// PopplerRenderer rasterizes every PDF page with pdftoppm.
type PopplerRenderer struct {
	Pdftoppm string // binary name or absolute path; default "pdftoppm"
	MaxPages int    // 0 = no limit
	Runner   ocr.Runner
	Logger   *slog.Logger
}

func NewPopplerRenderer(bin string, maxPages int, runner ocr.Runner, logger *slog.Logger) *PopplerRenderer {
	if bin == "" {
		bin = "pdftoppm"
	}
	if runner == nil {
		runner = ocr.ExecRunner{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PopplerRenderer{Pdftoppm: bin, MaxPages: maxPages, Runner: runner, Logger: logger}
}

func (p *PopplerRenderer) Render(ctx context.Context, doc []byte, dpi int) ([][]byte, error) {
	tmpDir, err := os.MkdirTemp("", "qmdoc-pp-*")
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := os.RemoveAll(tmpDir); err != nil {
			p.Logger.Warn("render.cleanup_failed", "dir", tmpDir, "error", err)
		}
	}()

	in := filepath.Join(tmpDir, "doc.pdf")
	if err := os.WriteFile(in, doc, 0o600); err != nil {
		return nil, fmt.Errorf("write pdf: %w", err)
	}

	prefix := filepath.Join(tmpDir, "page")
	args := []string{"-r", strconv.Itoa(dpi), "-png"}
	if p.MaxPages > 0 {
		args = append(args, "-l", strconv.Itoa(p.MaxPages))
	}
	args = append(args, in, prefix)

	// pdftoppm -r <dpi> -png [-l N] <in.pdf> <tmp/page>
	if _, errb, err := p.Runner.Run(ctx, p.Pdftoppm, p.Logger, args...); err != nil {
		return nil, fmt.Errorf("pdftoppm: %w: %s", err, ocr.Truncate(string(errb), 512))
	}

	// page-1.png, page-2.png ... zero-padded by pdftoppm for larger documents
	matches, _ := filepath.Glob(prefix + "-*.png")
	sort.Strings(matches)
	if len(matches) == 0 {
		return nil, fmt.Errorf("pdftoppm produced no images")
	}

	pages := make([][]byte, 0, len(matches))
	for _, m := range matches {
		b, err := os.ReadFile(m)
		if err != nil {
			return nil, fmt.Errorf("read rendered page: %w", err)
		}
		pages = append(pages, b)
	}
	return pages, nil
}
