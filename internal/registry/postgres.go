package registry

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

var postgresDialect = sqlDialect{
	name: "postgres",
	schema: `CREATE TABLE IF NOT EXISTS versions (
		node_id       TEXT PRIMARY KEY,
		version_label TEXT NOT NULL,
		updated_at    TIMESTAMPTZ NOT NULL
	)`,
	upsert: `INSERT INTO versions (node_id, version_label, updated_at) VALUES ($1, $2, $3)
		ON CONFLICT (node_id) DO UPDATE SET
			version_label = EXCLUDED.version_label,
			updated_at = EXCLUDED.updated_at`,
}

// NewPostgresBackend connects to a shared PostgreSQL registry.
func NewPostgresBackend(ctx context.Context, databaseURL string) (*SQLBackend, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("postgres registry needs a connection string")
	}
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	return newSQLBackend(ctx, db, postgresDialect)
}
