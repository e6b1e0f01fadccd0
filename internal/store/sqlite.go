package store

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite" // pure-Go driver, registers "sqlite"
)

// NewSQLite opens path (use ":memory:" for ephemeral tests) and returns
// a Store backed by the same schema as Postgres, adapted from the
// teacher's embedded-database usage pattern (a sibling repo in the
// retrieval pack persists session state with modernc.org/sqlite to
// avoid a cgo dependency). Intended for local development and test
// suites, not production traffic - SQLite serializes writers at the
// connection/file level rather than per-row, so ClaimOutboxBatch's
// SKIP LOCKED optimization is a no-op here.
func NewSQLite(path string) (Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single connection keeps writers serialized, which is what
	// SQLite's file-level locking requires for correctness.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	return &sqlStore{db: db, driver: driverSQLite}, nil
}
