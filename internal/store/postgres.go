package store

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/lib/pq"
	_ "github.com/lib/pq" // registers the "postgres" driver
)

// NewPostgres opens a connection pool against dsn and returns a Store
// backed by Postgres via database/sql + lib/pq, the driver used for
// relational persistence across the retrieval pack.
func NewPostgres(dsn string, maxOpenConns int) (Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(maxOpenConns)
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &sqlStore{db: db, driver: driverPostgres}, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if e, ok := err.(*pq.Error); ok {
		pqErr = e
	}
	if pqErr != nil {
		return pqErr.Code == "23505"
	}
	// SQLite's unique constraint error surfaces as a plain string from
	// modernc.org/sqlite; match it structurally rather than importing
	// the driver's internal error type here.
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
