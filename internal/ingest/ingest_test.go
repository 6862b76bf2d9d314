package ingest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/joseph-ayodele/qmdoc/constants"
	"github.com/joseph-ayodele/qmdoc/internal/common"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "QMH-001.PDF")
	writeFile(t, p, "%PDF-1.7 fake")

	doc, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if doc.Ext != "pdf" || doc.Format != constants.PDF {
		t.Errorf("ext/format = %q/%q, want pdf/PDF", doc.Ext, doc.Format)
	}
	if len(doc.Hash) != 64 {
		t.Errorf("hash %q is not hex sha256", doc.Hash)
	}
	if string(doc.Content) != "%PDF-1.7 fake" {
		t.Errorf("content = %q", doc.Content)
	}
}

func TestLoadRejects(t *testing.T) {
	dir := t.TempDir()
	txt := filepath.Join(dir, "notes.txt")
	writeFile(t, txt, "hello")
	empty := filepath.Join(dir, "empty.png")
	writeFile(t, empty, "")

	for _, p := range []string{txt, empty} {
		_, err := Load(p)
		if !errors.Is(err, common.ErrInvalidInput) {
			t.Errorf("Load(%s) err = %v, want ErrInvalidInput", filepath.Base(p), err)
		}
	}
	if _, err := Load(filepath.Join(dir, "missing.pdf")); err == nil {
		t.Error("Load of missing file succeeded")
	}
}

func TestDiscover(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "b.pdf"), "x")
	writeFile(t, filepath.Join(root, "a.png"), "x")
	writeFile(t, filepath.Join(root, "sub", "c.TIFF"), "x")
	writeFile(t, filepath.Join(root, "readme.md"), "x")
	writeFile(t, filepath.Join(root, ".cache", "d.pdf"), "x")

	paths, stats, err := Discover(context.Background(), root, true, nil)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	want := []string{
		filepath.Join(root, "a.png"),
		filepath.Join(root, "b.pdf"),
		filepath.Join(root, "sub", "c.TIFF"),
	}
	if diff := cmp.Diff(want, paths); diff != "" {
		t.Errorf("paths mismatch (-want +got):\n%s", diff)
	}
	if stats.Matched != 3 || stats.Skipped != 1 {
		t.Errorf("stats = %+v, want 3 matched and 1 skipped", stats)
	}

	all, _, err := Discover(context.Background(), root, false, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 4 {
		t.Errorf("with hidden files got %d paths, want 4", len(all))
	}
}

func TestDiscoverRequiresRoot(t *testing.T) {
	if _, _, err := Discover(context.Background(), " ", false, nil); err == nil {
		t.Error("Discover with blank root succeeded")
	}
}

func TestWatcherInitialScanAndNewFiles(t *testing.T) {
	root := t.TempDir()
	existing := filepath.Join(root, "existing.pdf")
	writeFile(t, existing, "x")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, _, err := StartWatcher(ctx, WatchConfig{Roots: []string{root}, InitialScan: true, Debounce: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("StartWatcher: %v", err)
	}

	next := func() string {
		t.Helper()
		select {
		case p := <-events:
			return p
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for watcher event")
			return ""
		}
	}
	if got := next(); got != existing {
		t.Errorf("initial event = %q, want %q", got, existing)
	}

	added := filepath.Join(root, "new.png")
	writeFile(t, filepath.Join(root, "ignored.txt"), "x")
	writeFile(t, added, "x")
	if got := next(); got != added {
		t.Errorf("event = %q, want %q", got, added)
	}

	cancel()
	for range events {
	}
}

func TestStartWatcherNoRoots(t *testing.T) {
	if _, _, err := StartWatcher(context.Background(), WatchConfig{}); err == nil {
		t.Error("StartWatcher without roots succeeded")
	}
}
