package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const (
	stateDirName  = ".vaultline"
	defaultDBName = "vaultline.db"
)

type Config struct {
	Vault string
}

func dbPath(vault string) string {
	if vault == "" {
		vault = "."
	}
	return filepath.Join(vault, stateDirName, defaultDBName)
}

// EnsureStateDir creates the vault's private state directory if missing.
func EnsureStateDir(vault string) (string, error) {
	if vault == "" {
		vault = "."
	}
	path := filepath.Join(vault, stateDirName)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}

// Open opens the vault index database. The index is auxiliary: the vault
// folders and Logs/ stay authoritative.
func Open(cfg Config) (*sql.DB, error) {
	if _, err := EnsureStateDir(cfg.Vault); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", dbPath(cfg.Vault))
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// One writer: the runner, the watcher and the server share this handle.
	conn.SetMaxOpenConns(1)
	return conn, nil
}

// Path returns the db path for the vault.
func Path(vault string) string {
	return dbPath(vault)
}
