// Package store holds the persistent StageStore backends. Keys are derived
// from content hashes, so entries stay valid across restarts.
package store

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/joseph-ayodele/qmdoc/internal/common"
	"github.com/joseph-ayodele/qmdoc/internal/pipeline"
)

// Backend names accepted by Open.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendGCS      = "gcs"
)

// Store is a StageStore that owns external resources.
type Store interface {
	pipeline.StageStore
	Ping(ctx context.Context) error
	Close() error
}

// Open builds the backend selected by cfg.Backend.
func Open(ctx context.Context, cfg common.StoreConfig, logger *slog.Logger) (Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch cfg.Backend {
	case "", BackendMemory:
		return Memory(), nil
	case BackendSQLite:
		return OpenSQLite(ctx, cfg.SQLitePath, logger)
	case BackendPostgres:
		return OpenPostgres(ctx, cfg.Database, logger)
	case BackendGCS:
		return OpenGCS(ctx, cfg.GCSBucket, cfg.GCSPrefix, logger)
	default:
		return nil, common.NewAppError("CONFIG_ERROR", fmt.Sprintf("unknown store backend %q", cfg.Backend), nil)
	}
}

type memoryStore struct {
	*pipeline.MemoryStore
}

// Memory returns a process-local Store.
func Memory() Store {
	return memoryStore{pipeline.NewMemoryStore()}
}

func (memoryStore) Ping(context.Context) error { return nil }
func (memoryStore) Close() error               { return nil }
