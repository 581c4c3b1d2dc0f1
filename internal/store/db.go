// Package store is the in-memory session index: the latest conversation list
// and message snapshots, mirrored into SQLite so they can be searched.
// Nothing is written to disk.
package store

import (
	"database/sql"
	"fmt"
	"net/url"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// DB wraps a SQLite in-memory database.
type DB struct {
	*sql.DB
}

// Open creates a named in-memory database. An empty name gets a random one,
// so separate calls never share data.
func Open(name string) (*DB, error) {
	if name == "" {
		name = uuid.NewString()
	}
	dsn := "file:" + url.PathEscape(name) + "?mode=memory&cache=shared&_foreign_keys=on&_busy_timeout=5000"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// The database lives as long as its last connection.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return &DB{db}, nil
}
