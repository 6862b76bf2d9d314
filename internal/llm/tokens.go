package llm

import (
	"context"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkoukk/tiktoken-go"
	"github.com/tmc/langchaingo/llms"
)

// TokenEstimator predicts the prompt size of a payload for a model.
type TokenEstimator interface {
	Estimate(model string, p Payload) int
}

// EstimatorFunc adapts a function to TokenEstimator.
type EstimatorFunc func(model string, p Payload) int

func (f EstimatorFunc) Estimate(model string, p Payload) int { return f(model, p) }

// TiktokenEstimator counts text with langchaingo's tiktoken tables (falling back
// to a rune approximation for unknown models) and charges a flat cost per image.
type TiktokenEstimator struct {
	ImageCost int
}

func (e TiktokenEstimator) Estimate(model string, p Payload) int {
	n := llms.CountTokens(model, p.System) + llms.CountTokens(model, p.Text())
	return n + len(p.Images)*e.ImageCost
}

// DefaultBPEFetchTimeout bounds the one-time download of a tiktoken table.
const DefaultBPEFetchTimeout = 10 * time.Second

var installBPE sync.Once

// InstallBPELoader replaces tiktoken's loader, whose download has no deadline,
// with a BPELoader reading TIKTOKEN_CACHE_DIR first. Only the first call has
// an effect.
func InstallBPELoader(timeout time.Duration) {
	installBPE.Do(func() {
		tiktoken.SetBpeLoader(NewBPELoader(os.Getenv("TIKTOKEN_CACHE_DIR"), timeout))
	})
}

type bpeResult struct {
	ranks map[string]int
	err   error
}

// BPELoader loads tiktoken rank tables from a cache directory, or over HTTP
// under a timeout. Results, failures included, are kept for the process
// lifetime so an unreachable host costs one timeout, not one per estimate.
type BPELoader struct {
	dir    string
	client *http.Client

	mu     sync.Mutex
	loaded map[string]bpeResult
}

// NewBPELoader uses dir as the table cache (same layout as tiktoken-go's
// default loader); dir may be empty to disable the cache.
func NewBPELoader(dir string, timeout time.Duration) *BPELoader {
	if timeout <= 0 {
		timeout = DefaultBPEFetchTimeout
	}
	return &BPELoader{
		dir:    dir,
		client: &http.Client{Timeout: timeout},
		loaded: make(map[string]bpeResult),
	}
}

func (l *BPELoader) LoadTiktokenBpe(file string) (map[string]int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if r, ok := l.loaded[file]; ok {
		return r.ranks, r.err
	}
	ranks, err := l.load(file)
	l.loaded[file] = bpeResult{ranks: ranks, err: err}
	return ranks, err
}

func (l *BPELoader) load(file string) (map[string]int, error) {
	if !strings.HasPrefix(file, "http://") && !strings.HasPrefix(file, "https://") {
		bs, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("read bpe table: %w", err)
		}
		return parseBPE(bs)
	}

	cachePath := ""
	if l.dir != "" {
		cachePath = filepath.Join(l.dir, fmt.Sprintf("%x", sha1.Sum([]byte(file))))
		if bs, err := os.ReadFile(cachePath); err == nil {
			return parseBPE(bs)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), l.client.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, file, nil)
	if err != nil {
		return nil, fmt.Errorf("build bpe request: %w", err)
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch bpe table: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("fetch bpe table: status %d", resp.StatusCode)
	}
	bs, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read bpe table: %w", err)
	}
	ranks, err := parseBPE(bs)
	if err != nil {
		return nil, err
	}

	if cachePath != "" {
		tmp := cachePath + "." + uuid.New().String() + ".tmp"
		if err := os.MkdirAll(l.dir, 0o755); err == nil {
			if err := os.WriteFile(tmp, bs, 0o644); err == nil {
				if err := os.Rename(tmp, cachePath); err != nil {
					_ = os.Remove(tmp)
				}
			}
		}
	}
	return ranks, nil
}

// parseBPE reads "<base64 token> <rank>" lines.
func parseBPE(bs []byte) (map[string]int, error) {
	ranks := make(map[string]int)
	for _, line := range strings.Split(string(bs), "\n") {
		if line == "" {
			continue
		}
		tok, rank, ok := strings.Cut(line, " ")
		if !ok {
			return nil, fmt.Errorf("bpe table: malformed line %q", line)
		}
		raw, err := base64.StdEncoding.DecodeString(tok)
		if err != nil {
			return nil, fmt.Errorf("bpe table: %w", err)
		}
		n, err := strconv.Atoi(strings.TrimSpace(rank))
		if err != nil {
			return nil, fmt.Errorf("bpe table: %w", err)
		}
		ranks[string(raw)] = n
	}
	return ranks, nil
}
