package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const latestSchema = 2

var schemaV1 = []string{
	`CREATE TABLE IF NOT EXISTS resource_versions (
  resource_id TEXT PRIMARY KEY,
  version BIGINT NOT NULL,
  updated_at_ms BIGINT NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS fallback_locks (
  resource_id TEXT PRIMARY KEY,
  version BIGINT NOT NULL,
  owner_token TEXT NOT NULL,
  nonce TEXT NOT NULL,
  acquired_at_ms BIGINT NOT NULL,
  expires_at_ms BIGINT NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_fallback_locks_expiry ON fallback_locks(expires_at_ms)`,
	`CREATE TABLE IF NOT EXISTS circuit_state (
  name TEXT PRIMARY KEY,
  state TEXT NOT NULL,
  updated_at_ms BIGINT NOT NULL
)`,
}

// revision lets circuit state writers compare-and-set
var schemaV2 = []string{
	`ALTER TABLE circuit_state ADD COLUMN revision BIGINT NOT NULL DEFAULT 0`,
}

func (d *DB) Migrate(ctx context.Context) error {
	if _, err := d.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
  version INTEGER PRIMARY KEY,
  applied_at_ms BIGINT NOT NULL
)`); err != nil {
		return err
	}

	cur, err := d.currentVersion(ctx)
	if err != nil {
		return err
	}
	for v := cur + 1; v <= latestSchema; v++ {
		if err := d.apply(ctx, v); err != nil {
			return err
		}
	}
	return nil
}

func (d *DB) currentVersion(ctx context.Context) (int, error) {
	var v sql.NullInt64
	if err := d.QueryRowContext(ctx, `SELECT MAX(version) FROM schema_migrations`).Scan(&v); err != nil {
		return 0, err
	}
	if !v.Valid {
		return 0, nil
	}
	return int(v.Int64), nil
}

func (d *DB) apply(ctx context.Context, version int) error {
	tx, err := d.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var stmts []string
	switch version {
	case 1:
		stmts = schemaV1
	case 2:
		stmts = schemaV2
	default:
		return fmt.Errorf("unknown migration version: %d", version)
	}

	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration v%d failed: %w", version, err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		d.Rebind(`INSERT INTO schema_migrations(version, applied_at_ms) VALUES(?, ?)`),
		version, time.Now().UnixMilli()); err != nil {
		return err
	}
	return tx.Commit()
}
