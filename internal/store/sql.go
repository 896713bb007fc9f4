package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

type kvEntry struct {
	bun.BaseModel `bun:"table:kv_entries"`

	Key       string    `bun:"name,pk"`
	Value     []byte    `bun:"value,notnull"`
	UpdatedAt time.Time `bun:"updated_at,notnull"`
}

// SQL is a KV backed by a SQLite database through bun.
type SQL struct {
	db  *sql.DB
	bun *bun.DB
}

// OpenSQLite opens (creating if needed) the database at dsn and ensures the table exists.
func OpenSQLite(ctx context.Context, dsn string) (*SQL, error) {
	if dsn == "" {
		return nil, errors.New("sqlite dsn is empty")
	}
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	// single writer; avoids SQLITE_BUSY between pooled connections
	sqlDB.SetMaxOpenConns(1)

	bdb := bun.NewDB(sqlDB, sqlitedialect.New())
	if _, err := bdb.NewCreateTable().Model((*kvEntry)(nil)).IfNotExists().Exec(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, errors.Wrap(err, "create kv table")
	}
	return &SQL{db: sqlDB, bun: bdb}, nil
}

func (s *SQL) Get(ctx context.Context, key string) ([]byte, error) {
	var e kvEntry
	err := s.bun.NewSelect().Model(&e).Where("name = ?", key).Limit(1).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrapf(err, "get %s", key)
	}
	return e.Value, nil
}

func (s *SQL) Put(ctx context.Context, key string, value []byte) error {
	e := &kvEntry{Key: key, Value: value, UpdatedAt: time.Now().UTC()}
	_, err := s.bun.NewInsert().Model(e).
		On("CONFLICT (name) DO UPDATE").
		Set("value = EXCLUDED.value").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	if err != nil {
		return errors.Wrapf(err, "put %s", key)
	}
	return nil
}

func (s *SQL) Delete(ctx context.Context, key string) error {
	if _, err := s.bun.NewDelete().Model((*kvEntry)(nil)).Where("name = ?", key).Exec(ctx); err != nil {
		return errors.Wrapf(err, "delete %s", key)
	}
	return nil
}

func (s *SQL) Close() error {
	return s.bun.Close()
}
