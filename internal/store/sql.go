package store

import (
	"context"
	stdsql "database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"entgo.io/ent/dialect"
	entsql "entgo.io/ent/dialect/sql"

	"github.com/joseph-ayodele/qmdoc/internal/common"
	"github.com/joseph-ayodele/qmdoc/internal/pipeline"
)

const stageTable = "stage_results"

// SQLStore keeps stage results in a single table keyed by
// (content_hash, stage, preference).
type SQLStore struct {
	db    *stdsql.DB
	drv   *entsql.Driver
	log   *slog.Logger
	close func()
}

// NewSQLStore wraps an open database. dialectName is one of the ent dialects
// (sqlite3, postgres).
func NewSQLStore(db *stdsql.DB, dialectName string, logger *slog.Logger) *SQLStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &SQLStore{db: db, drv: entsql.OpenDB(dialectName, db), log: logger}
}

func (s *SQLStore) builder() *entsql.DialectBuilder {
	return entsql.Dialect(s.drv.Dialect())
}

// Migrate creates the results table when missing.
func (s *SQLStore) Migrate(ctx context.Context) error {
	ts := "timestamp"
	if s.drv.Dialect() == dialect.Postgres {
		ts = "timestamptz"
	}
	query, args := s.builder().CreateTable(stageTable).
		IfNotExists().
		Columns(
			entsql.Column("content_hash").Type("varchar(128)").Attr("NOT NULL"),
			entsql.Column("stage").Type("integer").Attr("NOT NULL"),
			entsql.Column("preference").Type("varchar(64)").Attr("NOT NULL"),
			entsql.Column("payload").Type("text").Attr("NOT NULL"),
			entsql.Column("created_at").Type(ts).Attr("NOT NULL"),
		).
		PrimaryKey("content_hash", "stage", "preference").
		Query()
	if err := s.drv.Exec(ctx, query, args, nil); err != nil {
		return fmt.Errorf("create %s: %w", stageTable, err)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, key pipeline.StageKey) (pipeline.StageResult, bool, error) {
	b := s.builder()
	query, args := b.Select("payload").
		From(b.Table(stageTable)).
		Where(entsql.And(
			entsql.EQ("content_hash", key.ContentHash),
			entsql.EQ("stage", int(key.Stage)),
			entsql.EQ("preference", key.Preference),
		)).
		Limit(1).
		Query()

	rows := &entsql.Rows{}
	if err := s.drv.Query(ctx, query, args, rows); err != nil {
		return pipeline.StageResult{}, false, fmt.Errorf("select stage result: %w: %w", common.ErrStorage, err)
	}
	defer rows.Close()

	if !rows.Next() {
		return pipeline.StageResult{}, false, rows.Err()
	}
	var payload string
	if err := rows.Scan(&payload); err != nil {
		return pipeline.StageResult{}, false, fmt.Errorf("scan stage result: %w: %w", common.ErrStorage, err)
	}
	var res pipeline.StageResult
	if err := json.Unmarshal([]byte(payload), &res); err != nil {
		return pipeline.StageResult{}, false, fmt.Errorf("decode stage result %s: %w: %w", key, common.ErrStorage, err)
	}
	return res, true, nil
}

// Put inserts the result unless the key already exists.
func (s *SQLStore) Put(ctx context.Context, key pipeline.StageKey, res pipeline.StageResult) error {
	payload, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("encode stage result: %w", err)
	}
	query, args := s.builder().Insert(stageTable).
		Columns("content_hash", "stage", "preference", "payload", "created_at").
		Values(key.ContentHash, int(key.Stage), key.Preference, string(payload), time.Now().UTC()).
		OnConflict(
			entsql.ConflictColumns("content_hash", "stage", "preference"),
			entsql.DoNothing(),
		).
		Query()

	var result stdsql.Result
	if err := s.drv.Exec(ctx, query, args, &result); err != nil {
		return fmt.Errorf("insert stage result: %w: %w", common.ErrStorage, err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		s.log.Debug("store.put.exists", "key", key.String())
	}
	return nil
}

func (s *SQLStore) Ping(ctx context.Context) error {
	if s.db == nil {
		return errors.New("store: database not open")
	}
	return s.db.PingContext(ctx)
}

// Close closes the database and any pool behind it.
func (s *SQLStore) Close() error {
	err := s.drv.Close()
	if s.close != nil {
		s.close()
	}
	return err
}
