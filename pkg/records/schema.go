package records

import (
	"context"

	"github.com/jmoiron/sqlx"
)

// DDL statements executed at startup. Kept as plain idempotent statements;
// the table is owned exclusively by this service.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS asset_records (
		device               TEXT NOT NULL,
		path                 TEXT NOT NULL,
		date                 TEXT NOT NULL,
		capture_time         BIGINT NOT NULL,
		kind                 TEXT NOT NULL DEFAULT 'image',
		content_hash         TEXT NOT NULL DEFAULT '',
		thumbnail_path       TEXT NOT NULL DEFAULT '',
		objects              JSONB NOT NULL DEFAULT '[]',
		people               JSONB NOT NULL DEFAULT '[]',
		segment_id           INTEGER,
		activity             TEXT NOT NULL DEFAULT '',
		activity_description TEXT NOT NULL DEFAULT '',
		activity_confidence  TEXT NOT NULL DEFAULT '',
		deleted              BOOLEAN NOT NULL DEFAULT FALSE,
		delete_time          BIGINT,
		detected             BOOLEAN NOT NULL DEFAULT FALSE,
		redacted             BOOLEAN NOT NULL DEFAULT FALSE,
		embedded             BOOLEAN NOT NULL DEFAULT FALSE,
		PRIMARY KEY (device, path)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_asset_records_capture
		ON asset_records (device, capture_time)`,
	`CREATE INDEX IF NOT EXISTS idx_asset_records_deleted
		ON asset_records (deleted)`,
	`CREATE INDEX IF NOT EXISTS idx_asset_records_segment
		ON asset_records (device, date, segment_id)`,
	`CREATE TABLE IF NOT EXISTS devices (
		device_id        TEXT PRIMARY KEY,
		created_at       BIGINT NOT NULL,
		last_seen        BIGINT NOT NULL DEFAULT 0,
		transform_matrix BYTEA,
		transform_dim    INTEGER NOT NULL DEFAULT 0,
		public_key       BYTEA,
		whitelist        JSONB NOT NULL DEFAULT '[]'
	)`,
}

// EnsureSchema creates the record-store tables and indexes if absent.
func EnsureSchema(ctx context.Context, db *sqlx.DB) error {
	for _, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
