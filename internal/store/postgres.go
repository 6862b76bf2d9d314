package store

import (
	"context"
	"log/slog"

	"entgo.io/ent/dialect"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/joseph-ayodele/qmdoc/internal/common"
)

// OpenPostgres creates a pgx pool, wraps it as *sql.DB for the ent builder
// and migrates the results table.
func OpenPostgres(ctx context.Context, cfg common.DatabaseConfig, logger *slog.Logger) (*SQLStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("connecting to database")
	pc, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		logger.Error("failed to parse database dsn", "error", err)
		return nil, common.NewAppError("CONFIG_ERROR", "invalid DB_URL", err)
	}

	if cfg.MaxConns > 0 {
		pc.MaxConns = cfg.MaxConns
	}
	pc.MinConns = cfg.MinConns
	pc.MaxConnLifetime = cfg.MaxConnLifetime
	pc.MaxConnIdleTime = cfg.MaxConnIdleTime
	pc.ConnConfig.RuntimeParams["application_name"] = "qmdoc"
	if cfg.StatementTimeout > 0 {
		pc.ConnConfig.RuntimeParams["statement_timeout"] = cfg.StatementTimeout.String()
	}

	dialCtx := ctx
	if cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, cfg.DialTimeout)
		defer cancel()
	}
	pool, err := pgxpool.NewWithConfig(dialCtx, pc)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		return nil, err
	}
	if err := pool.Ping(dialCtx); err != nil {
		pool.Close()
		logger.Error("database ping failed", "error", err)
		return nil, err
	}

	s := NewSQLStore(stdlib.OpenDBFromPool(pool), dialect.Postgres, logger)
	s.close = pool.Close
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	logger.Info("store.opened", "backend", BackendPostgres)
	return s, nil
}
