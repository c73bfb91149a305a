// ABOUTME: SQLite-backed node registry using modernc.org/sqlite
// ABOUTME: Persists paired nodes, their declared commands, and minted tokens

package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists node pairing and token metadata. Approval records
// are deliberately not stored here; only their audited resolutions are
// durable.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a store at the given path, creating parent
// directories and the schema as needed.
func NewSQLiteStore(path string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "store")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db, logger: logger}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist.
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS nodes (
			device_id          TEXT PRIMARY KEY,
			pubkey_fingerprint TEXT NOT NULL UNIQUE,
			display_name       TEXT NOT NULL,
			platform           TEXT NOT NULL DEFAULT '',
			commands_json      TEXT NOT NULL DEFAULT '[]',
			created_at         TEXT NOT NULL,
			last_seen          TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_nodes_pubkey ON nodes(pubkey_fingerprint);

		CREATE TABLE IF NOT EXISTS tokens (
			jti        TEXT PRIMARY KEY,
			client_id  TEXT NOT NULL,
			expires_at TEXT NOT NULL,
			created_at TEXT NOT NULL,
			revoked    INTEGER NOT NULL DEFAULT 0
		);

		CREATE INDEX IF NOT EXISTS idx_tokens_client ON tokens(client_id);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
