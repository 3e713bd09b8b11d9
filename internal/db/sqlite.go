// Package db opens the SQLite database backing the blob store.
package db

import (
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

var (
	conn *sql.DB
	once sync.Once
)

// pragmas are applied to every file-backed database, in order.
var pragmas = []struct {
	stmt, what string
}{
	{"PRAGMA journal_mode=WAL", "enable WAL mode"},
	// Hubs persist in the background; wait out writer contention instead of failing
	{"PRAGMA busy_timeout=5000", "set busy timeout"},
	{"PRAGMA synchronous=NORMAL", "set synchronous mode"},
}

// InitDB opens the blob database at dbPath once per process and creates
// the hub_blobs table.
func InitDB(dbPath string) (*sql.DB, error) {
	var initErr error
	once.Do(func() {
		var err error
		conn, err = sql.Open("sqlite3", dbPath)
		if err != nil {
			initErr = fmt.Errorf("failed to open database: %w", err)
			return
		}

		for _, p := range pragmas {
			if _, err := conn.Exec(p.stmt); err != nil {
				initErr = fmt.Errorf("failed to %s: %w", p.what, err)
				return
			}
		}

		if err := runMigrations(conn); err != nil {
			initErr = fmt.Errorf("failed to run migrations: %w", err)
			return
		}
	})

	if initErr != nil {
		return nil, initErr
	}
	return conn, nil
}

// runMigrations executes the database schema migrations.
func runMigrations(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS hub_blobs (
		key TEXT PRIMARY KEY,
		value BLOB NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`

	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	return nil
}

// CloseDB closes the database connection.
func CloseDB() error {
	if conn != nil {
		return conn.Close()
	}
	return nil
}

// ResetDB resets the singleton for testing purposes.
func ResetDB() {
	if conn != nil {
		conn.Close()
	}
	once = sync.Once{}
	conn = nil
}

// NewTestDB creates a new in-memory database for testing.
// This bypasses the singleton pattern and creates a fresh database each time.
func NewTestDB() (*sql.DB, error) {
	testDB, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to open test database: %w", err)
	}
	// Every pooled connection to :memory: would get its own empty database
	testDB.SetMaxOpenConns(1)

	// Run schema migrations
	if err := runMigrations(testDB); err != nil {
		testDB.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return testDB, nil
}
