package store

import (
	"context"
	stdsql "database/sql"
	"fmt"
	"log/slog"

	"entgo.io/ent/dialect"
	_ "modernc.org/sqlite"
)

// OpenSQLite opens (or creates) a sqlite database at path and migrates it.
// Use ":memory:" for a throwaway store.
func OpenSQLite(ctx context.Context, path string, logger *slog.Logger) (*SQLStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := stdsql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// sqlite allows one writer; a single connection also keeps ":memory:"
	// databases from being per-connection.
	db.SetMaxOpenConns(1)

	s := NewSQLStore(db, dialect.SQLite, logger)
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	logger.Info("store.opened", "backend", BackendSQLite, "path", path)
	return s, nil
}
