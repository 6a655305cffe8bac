// Package db opens the workspace SQLite store. All state — members, tasks,
// claims, settings and the event ledger — lives in one file under the
// workspace's .trustline directory.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const storeDir = ".trustline"
const storeFile = "trustline.db"

type Config struct {
	Workspace string
}

// EnsureWorkspace creates the workspace store directory if missing.
func EnsureWorkspace(workspace string) (string, error) {
	dir := filepath.Join(workspace, storeDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

// Path returns the database file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, storeDir, storeFile)
}

// Open opens the workspace database with foreign keys enforced.
func Open(cfg Config) (*sql.DB, error) {
	if _, err := EnsureWorkspace(cfg.Workspace); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?cache=shared&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", Path(cfg.Workspace))
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// Ledger appends and status-guarded updates assume serialized writers.
	conn.SetMaxOpenConns(1)
	return conn, nil
}
