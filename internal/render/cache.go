package render

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/joseph-ayodele/qmdoc/internal/metrics"
)

// ImageSet is the ordered page images of one document. It is never mutated
// after it enters the cache.
type ImageSet struct {
	ContentHash string
	Images      [][]byte
}

// ContentHash returns the lowercase hex sha256 of doc.
func ContentHash(doc []byte) string {
	sum := sha256.Sum256(doc)
	return hex.EncodeToString(sum[:])
}

// Config for the rendering cache.
type Config struct {
	DPI        int // default 200
	MaxEntries int // default 32
}

// Cache renders documents once per content hash and serves repeats from memory.
// Safe for concurrent use; concurrent misses on the same hash share one render.
type Cache struct {
	cfg      Config
	renderer Renderer
	logger   *slog.Logger

	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List // front = most recently used

	group  singleflight.Group
	hits   atomic.Int64
	misses atomic.Int64
}

func NewCache(cfg Config, renderer Renderer, logger *slog.Logger) *Cache {
	if cfg.DPI <= 0 {
		cfg.DPI = 200
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 32
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		cfg:      cfg,
		renderer: renderer,
		logger:   logger,
		entries:  make(map[string]*list.Element),
		order:    list.New(),
	}
}

// GetOrRender returns the cached page images for doc, rendering on first use.
func (c *Cache) GetOrRender(ctx context.Context, doc []byte) (ImageSet, error) {
	hash := ContentHash(doc)
	if set, ok := c.get(hash); ok {
		c.hits.Add(1)
		metrics.RenderCache.WithLabelValues("hit").Inc()
		c.logger.Debug("render.cache.hit", "content_hash", hash, "pages", len(set.Images))
		return set, nil
	}

	v, err, shared := c.group.Do(hash, func() (any, error) {
		// A concurrent caller may have finished between get and Do.
		if set, ok := c.get(hash); ok {
			return set, nil
		}
		c.misses.Add(1)
		metrics.RenderCache.WithLabelValues("miss").Inc()

		start := time.Now()
		images, err := c.renderer.Render(ctx, doc, c.cfg.DPI)
		if err != nil {
			c.logger.Error("render.failed", "content_hash", hash, "error", err,
				"elapsed_ms", time.Since(start).Milliseconds())
			return ImageSet{}, fmt.Errorf("render %s: %w", hash[:12], err)
		}
		if len(images) == 0 {
			return ImageSet{}, fmt.Errorf("render %s: no pages produced", hash[:12])
		}
		set := c.putIfAbsent(ImageSet{ContentHash: hash, Images: images})
		c.logger.Info("render.ok", "content_hash", hash, "pages", len(set.Images),
			"elapsed_ms", time.Since(start).Milliseconds())
		return set, nil
	})
	if err != nil {
		return ImageSet{}, err
	}
	if shared {
		c.logger.Debug("render.cache.shared", "content_hash", hash)
	}
	return v.(ImageSet), nil
}

// Stats returns cumulative hit and miss counts.
func (c *Cache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func (c *Cache) get(hash string) (ImageSet, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[hash]
	if !ok {
		return ImageSet{}, false
	}
	c.order.MoveToFront(el)
	return el.Value.(ImageSet), true
}

// putIfAbsent stores set unless the hash is already present, in which case the
// stored value wins and is returned.
func (c *Cache) putIfAbsent(set ImageSet) ImageSet {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[set.ContentHash]; ok {
		c.order.MoveToFront(el)
		return el.Value.(ImageSet)
	}
	c.entries[set.ContentHash] = c.order.PushFront(set)
	for c.order.Len() > c.cfg.MaxEntries {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(ImageSet).ContentHash)
	}
	return set
}
