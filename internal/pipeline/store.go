package pipeline

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/joseph-ayodele/qmdoc/constants"
)

// StageKey identifies a cached stage result.
type StageKey struct {
	ContentHash string
	Stage       constants.StageID
	Preference  string
}

// NewStageKey normalizes the preference so "" and "auto" share entries.
func NewStageKey(hash string, stage constants.StageID, preference string) StageKey {
	p := strings.ToLower(strings.TrimSpace(preference))
	if p == "" {
		p = constants.PreferenceAuto
	}
	return StageKey{ContentHash: hash, Stage: stage, Preference: p}
}

func (k StageKey) String() string {
	return fmt.Sprintf("%s/%d/%s", k.ContentHash, k.Stage, k.Preference)
}

// StageStore caches successful stage results. Put is insert-if-absent: the
// first stored result for a key wins.
type StageStore interface {
	Get(ctx context.Context, key StageKey) (StageResult, bool, error)
	Put(ctx context.Context, key StageKey, res StageResult) error
}

// MemoryStore is an in-process StageStore.
type MemoryStore struct {
	mu      sync.RWMutex
	results map[StageKey]StageResult
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{results: make(map[StageKey]StageResult)}
}

func (m *MemoryStore) Get(_ context.Context, key StageKey) (StageResult, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.results[key]
	return r, ok, nil
}

func (m *MemoryStore) Put(_ context.Context, key StageKey, res StageResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.results[key]; !exists {
		m.results[key] = res
	}
	return nil
}

func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.results)
}
