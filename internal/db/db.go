package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const (
	defaultDir    = ".workflowmgr"
	defaultDBName = "workflowmgr.db"
)

type Config struct {
	// Path is the database file. Empty means .workflowmgr/workflowmgr.db.
	Path string
}

// DefaultPath returns the database path used when none is configured.
func DefaultPath() string {
	return filepath.Join(defaultDir, defaultDBName)
}

// Open opens the SQLite database, creating its directory if missing.
// A single connection serializes writers so read-modify-write
// transactions never interleave.
func Open(cfg Config) (*sql.DB, error) {
	path := cfg.Path
	if path == "" {
		path = DefaultPath()
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	conn.SetMaxOpenConns(1)
	return conn, nil
}
