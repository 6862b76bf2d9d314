package ocr

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"

	"golang.org/x/sync/singleflight"
)

// DefaultMemoPages is the number of page results a Memo keeps.
const DefaultMemoPages = 256

// Memo recognizes each distinct page image once, keyed by its sha256. Failed
// pages are not kept.
type Memo struct {
	engine Engine
	max    int

	mu    sync.Mutex
	pages map[string]Result
	order []string // insertion order, oldest first

	group singleflight.Group
}

// Memoize wraps e; a nil engine stays nil so callers can keep treating a
// disabled OCR as absent.
func Memoize(e Engine, maxPages int) Engine {
	if e == nil {
		return nil
	}
	if maxPages <= 0 {
		maxPages = DefaultMemoPages
	}
	return &Memo{engine: e, max: maxPages, pages: make(map[string]Result)}
}

func (m *Memo) Name() string { return m.engine.Name() }

func (m *Memo) Recognize(ctx context.Context, image []byte) (Result, error) {
	sum := sha256.Sum256(image)
	key := hex.EncodeToString(sum[:])

	m.mu.Lock()
	res, ok := m.pages[key]
	m.mu.Unlock()
	if ok {
		return res, nil
	}

	v, err, _ := m.group.Do(key, func() (any, error) {
		r, err := m.engine.Recognize(ctx, image)
		if err != nil {
			return Result{}, err
		}
		m.put(key, r)
		return r, nil
	})
	if err != nil {
		return Result{}, err
	}
	return v.(Result), nil
}

func (m *Memo) put(key string, r Result) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pages[key]; ok {
		return
	}
	m.pages[key] = r
	m.order = append(m.order, key)
	for len(m.order) > m.max {
		delete(m.pages, m.order[0])
		m.order = m.order[1:]
	}
}

// Close releases the wrapped engine when it holds resources.
func (m *Memo) Close() error {
	if c, ok := m.engine.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}
