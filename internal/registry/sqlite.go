package registry

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

var sqliteDialect = sqlDialect{
	name: "sqlite",
	schema: `CREATE TABLE IF NOT EXISTS versions (
		node_id       TEXT PRIMARY KEY,
		version_label TEXT NOT NULL,
		updated_at    TIMESTAMP NOT NULL
	)`,
	upsert: `INSERT INTO versions (node_id, version_label, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(node_id) DO UPDATE SET
			version_label = excluded.version_label,
			updated_at = excluded.updated_at`,
}

// NewSQLiteBackend opens (or creates) an SQLite registry at path.
func NewSQLiteBackend(ctx context.Context, path string) (*SQLBackend, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite registry path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create registry dir: %w", err)
	}

	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer; WAL still lets readers in.
	db.SetMaxOpenConns(1)

	return newSQLBackend(ctx, db, sqliteDialect)
}
