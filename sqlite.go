//go:build sqlite
// +build sqlite

package filequeue

import (
	"context"
	"database/sql"
	"log/slog"

	"github.com/cockroachdb/errors"
	_ "github.com/mattn/go-sqlite3"
)

var sqliteDialect = sqlDialect{name: "sqlite"}

// NewSQLiteStore creates a SQLite backing store.
// The database file will be created if it doesn't exist.
// dbPath is the path to the SQLite database file.
func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}
	// One connection so claim transactions never interleave.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "failed to ping database")
	}

	store := newSQLStore(db, sqliteDialect, logger)
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}
