package catalog

import (
	"context"
	"fmt"
)

type migration struct {
	version string
	sql     string
}

var migrations = []migration{
	{
		version: "001_initial",
		sql: `
CREATE TABLE runs (
    id TEXT PRIMARY KEY,
    created_at TEXT NOT NULL,
    frame_rate INTEGER NOT NULL,
    chunk_seconds INTEGER NOT NULL,
    start_frame INTEGER NOT NULL,
    end_frame INTEGER NOT NULL,
    privacy INTEGER NOT NULL DEFAULT 0,
    subtitles INTEGER NOT NULL DEFAULT 0
)`,
	},
	{
		version: "002_segments",
		sql: `
CREATE TABLE segments (
    run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
    variant TEXT NOT NULL,
    ordinal INTEGER NOT NULL,
    name TEXT NOT NULL,
    risk_type INTEGER NOT NULL,
    risk_level INTEGER NOT NULL,
    frame_count INTEGER NOT NULL,
    frames_json TEXT NOT NULL DEFAULT '[]',
    dir TEXT NOT NULL DEFAULT '',
    PRIMARY KEY (run_id, variant, ordinal)
)`,
	},
	{
		version: "003_segment_sets",
		sql: `
CREATE TABLE segment_sets (
    run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
    variant TEXT NOT NULL,
    segment_count INTEGER NOT NULL,
    PRIMARY KEY (run_id, variant)
)`,
	},
	{
		version: "004_backfill_segment_sets",
		sql: `
INSERT OR IGNORE INTO segment_sets (run_id, variant, segment_count)
SELECT run_id, variant, COUNT(1) FROM segments GROUP BY run_id, variant`,
	},
}

func (s *Store) applyMigrations(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS schema_migrations (version TEXT PRIMARY KEY)"); err != nil {
		return fmt.Errorf("ensure schema_migrations: %w", err)
	}

	for _, m := range migrations {
		var count int
		row := tx.QueryRowContext(ctx, "SELECT COUNT(1) FROM schema_migrations WHERE version = ?", m.version)
		if err := row.Scan(&count); err != nil {
			return fmt.Errorf("scan migration version: %w", err)
		}
		if count > 0 {
			continue
		}
		if _, err := tx.ExecContext(ctx, m.sql); err != nil {
			return fmt.Errorf("apply migration %s: %w", m.version, err)
		}
		if _, err := tx.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES (?)", m.version); err != nil {
			return fmt.Errorf("record migration %s: %w", m.version, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migrations: %w", err)
	}
	return nil
}
