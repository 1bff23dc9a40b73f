package filequeue

import (
	"context"
	"database/sql"
	"log/slog"

	"github.com/cockroachdb/errors"
	_ "github.com/lib/pq"
)

var postgresDialect = sqlDialect{
	name:       "postgres",
	numbered:   true,
	claimFiles: " FOR UPDATE OF f SKIP LOCKED",
	claimItems: " FOR UPDATE SKIP LOCKED",
	lockFile:   " FOR UPDATE OF f",
}

// NewPostgresStore connects to PostgreSQL, verifies the connection and creates the
// schema if needed. Concurrent loaders on different hosts claim disjoint rows.
func NewPostgresStore(ctx context.Context, dsn string, logger *slog.Logger) (*SQLStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.WithHint(errors.Wrap(err, "failed to ping database"), "check the connection string and that the server accepts connections")
	}

	store := newSQLStore(db, postgresDialect, logger)
	if err := store.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// NewPostgresStoreFromDB wraps an existing PostgreSQL connection pool without
// touching the schema.
func NewPostgresStoreFromDB(db *sql.DB, logger *slog.Logger) *SQLStore {
	return newSQLStore(db, postgresDialect, logger)
}
