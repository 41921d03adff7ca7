package store

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the per-profile SQLite database that holds persisted flags and
// the credential.
type DB struct {
	*sql.DB
}

// Open creates a new SQLite connection with WAL mode and a busy timeout.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	// One writer; sqlite serializes anyway and this avoids SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)
	return &DB{db}, nil
}
