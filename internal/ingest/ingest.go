// Package ingest finds and loads documents for analysis.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/joseph-ayodele/qmdoc/constants"
	"github.com/joseph-ayodele/qmdoc/internal/common"
	"github.com/joseph-ayodele/qmdoc/internal/render"
)

// MaxDocumentBytes bounds a single input file.
const MaxDocumentBytes = 64 << 20

// Document is one loaded input file.
type Document struct {
	Path     string
	Ext      string
	Format   string
	Hash     string
	Content  []byte
	LoadedAt time.Time
}

// DirStats summarizes a directory walk.
type DirStats struct {
	Scanned uint32
	Matched uint32
	Skipped uint32
	Failed  uint32
}

// Load reads path and computes its content hash.
func Load(path string) (Document, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return Document{}, fmt.Errorf("abs path: %w", err)
	}
	ext := constants.NormalizeExt(filepath.Ext(abs))
	if ext == "" || !AllowedExt(ext) {
		return Document{}, common.NewAppError("INVALID_INPUT",
			fmt.Sprintf("unsupported or missing extension %q", ext), common.ErrInvalidInput)
	}

	info, err := os.Stat(abs)
	if err != nil {
		return Document{}, fmt.Errorf("stat: %w", err)
	}
	if info.Size() > MaxDocumentBytes {
		return Document{}, common.NewAppError("INVALID_INPUT",
			fmt.Sprintf("%s is %d bytes, limit is %d", abs, info.Size(), MaxDocumentBytes), common.ErrInvalidInput)
	}

	content, err := os.ReadFile(abs)
	if err != nil {
		return Document{}, fmt.Errorf("read: %w", err)
	}
	if len(content) == 0 {
		return Document{}, common.NewAppError("INVALID_INPUT", abs+" is empty", common.ErrInvalidInput)
	}
	return Document{
		Path:     abs,
		Ext:      ext,
		Format:   constants.MapExtToFormat(ext),
		Hash:     render.ContentHash(content),
		Content:  content,
		LoadedAt: time.Now().UTC(),
	}, nil
}

// Discover walks root and returns the supported files in lexical order.
// Walk errors on individual entries are counted and skipped.
func Discover(ctx context.Context, root string, skipHidden bool, logger *slog.Logger) ([]string, DirStats, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if strings.TrimSpace(root) == "" {
		return nil, DirStats{}, errors.New("root path is required")
	}

	var paths []string
	var stats DirStats
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		stats.Scanned++
		if walkErr != nil {
			logger.Warn("ingest.walk.error", "path", path, "error", walkErr)
			stats.Failed++
			return nil
		}
		if skipHidden && path != root && IsHidden(path) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			stats.Skipped++
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if !AllowedExt(filepath.Ext(path)) {
			stats.Skipped++
			return nil
		}
		stats.Matched++
		paths = append(paths, path)
		return nil
	})
	if err != nil {
		return paths, stats, fmt.Errorf("walk: %w", err)
	}
	sort.Strings(paths)
	logger.Info("ingest.discovered", "root", root, "matched", stats.Matched, "skipped", stats.Skipped, "failed", stats.Failed)
	return paths, stats, nil
}
