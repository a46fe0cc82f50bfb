package registry

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// sqlDialect holds the statements that differ between drivers.
type sqlDialect struct {
	name   string
	schema string
	upsert string
}

// SQLBackend stores entries in a versions table.
type SQLBackend struct {
	db      *sql.DB
	dialect sqlDialect
}

func newSQLBackend(ctx context.Context, db *sql.DB, dialect sqlDialect) (*SQLBackend, error) {
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", dialect.name, err)
	}
	if _, err := db.ExecContext(ctx, dialect.schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create %s schema: %w", dialect.name, err)
	}
	return &SQLBackend{db: db, dialect: dialect}, nil
}

// Load reads all rows.
func (b *SQLBackend) Load(ctx context.Context) (map[string]string, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT node_id, version_label FROM versions`)
	if err != nil {
		return nil, fmt.Errorf("query versions: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var nodeID, label string
		if err := rows.Scan(&nodeID, &label); err != nil {
			return nil, fmt.Errorf("scan version: %w", err)
		}
		out[nodeID] = label
	}
	return out, rows.Err()
}

// Store upserts one row.
func (b *SQLBackend) Store(ctx context.Context, nodeID, versionLabel string) error {
	_, err := b.db.ExecContext(ctx, b.dialect.upsert, nodeID, versionLabel, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("upsert version: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (b *SQLBackend) Close() error {
	return b.db.Close()
}
