package utils

import (
	"database/sql"
	"fmt"

	"github.com/promstow/promstow/table"

	_ "modernc.org/sqlite"
)

// SetupDB opens a fresh in-memory SQLite database with the schema
// bootstrapped, for tests.
func SetupDB() (*sql.DB, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, err
	}
	// In-memory databases are per-connection; keep the pool at one.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping test db: %w", err)
	}
	if err := table.Bootstrap(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bootstrap test db: %w", err)
	}
	return db, nil
}

// TearDownDB drops the schema and closes the database.
func TearDownDB(db *sql.DB) error {
	for _, stmt := range table.DropAll {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return err
		}
	}
	return db.Close()
}

// CountRows returns the row count of one table, for test assertions.
func CountRows(db *sql.DB, tableName string) (int, error) {
	var n int
	err := db.QueryRow("SELECT COUNT(*) FROM " + tableName).Scan(&n)
	return n, err
}
