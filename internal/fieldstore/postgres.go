package fieldstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Schema creates the table used by PostgresPersister.
const Schema = `
CREATE TABLE IF NOT EXISTS visitor_blobs (
	org_id      TEXT        NOT NULL,
	visitor_key TEXT        NOT NULL,
	blob        TEXT        NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (org_id, visitor_key)
)`

// PostgresPersister keeps a visitor's blob in the visitor_blobs table.
type PostgresPersister struct {
	db         *sql.DB
	org        string
	visitorKey string
}

func NewPostgresPersister(db *sql.DB, org, visitorKey string) *PostgresPersister {
	return &PostgresPersister{db: db, org: org, visitorKey: visitorKey}
}

func (p *PostgresPersister) Load(ctx context.Context) (string, error) {
	var blob string
	err := p.db.QueryRowContext(ctx,
		`SELECT blob FROM visitor_blobs WHERE org_id = $1 AND visitor_key = $2`,
		p.org, p.visitorKey,
	).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("select visitor blob: %w", err)
	}
	return blob, nil
}

func (p *PostgresPersister) Save(ctx context.Context, blob string) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO visitor_blobs (org_id, visitor_key, blob, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (org_id, visitor_key)
		DO UPDATE SET blob = EXCLUDED.blob, updated_at = now()`,
		p.org, p.visitorKey, blob,
	)
	if err != nil {
		return fmt.Errorf("upsert visitor blob: %w", err)
	}
	return nil
}

// EnsureSchema creates the visitor_blobs table if it does not exist.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("create visitor_blobs: %w", err)
	}
	return nil
}
