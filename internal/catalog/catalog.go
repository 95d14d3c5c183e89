// Package catalog persists runs and their segment sets in SQLite so that a later
// invocation can encode without rechunking.
package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/agleyzer/semhls/internal/errs"
	"github.com/agleyzer/semhls/internal/segment"
)

// Run describes one pipeline invocation that chunked frames.
type Run struct {
	ID           string
	CreatedAt    time.Time
	FrameRate    int
	ChunkSeconds int
	StartFrame   int
	EndFrame     int
	Privacy      bool
	Subtitles    bool
	Segments     int
}

// Store manages catalog persistence backed by SQLite.
type Store struct {
	db   *sql.DB
	path string
}

// Open initializes or connects to the catalog database and applies migrations.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create catalog dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	store := &Store{db: db, path: path}
	if err := store.applyMigrations(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// SaveRun records a run together with the segment set of every variant in one transaction.
// CreatedAt is set when zero. On error nothing of the run is stored.
func (s *Store) SaveRun(ctx context.Context, run Run, sets map[segment.Variant][]segment.Segment) error {
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	_, err = tx.ExecContext(
		ctx,
		`INSERT INTO runs (
            id, created_at, frame_rate, chunk_seconds, start_frame, end_frame, privacy, subtitles
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID,
		run.CreatedAt.Format(time.RFC3339Nano),
		run.FrameRate,
		run.ChunkSeconds,
		run.StartFrame,
		run.EndFrame,
		boolToInt(run.Privacy),
		boolToInt(run.Subtitles),
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	for _, v := range sortedVariants(sets) {
		if err := insertSet(ctx, tx, run.ID, v, sets[v]); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit run %s: %w", run.ID, err)
	}
	return nil
}

func insertSet(ctx context.Context, tx *sql.Tx, runID string, variant segment.Variant, segments []segment.Segment) error {
	_, err := tx.ExecContext(ctx,
		"INSERT INTO segment_sets (run_id, variant, segment_count) VALUES (?, ?, ?)",
		runID, variant.String(), len(segments))
	if err != nil {
		return fmt.Errorf("insert %s set: %w", variant, err)
	}

	for _, seg := range segments {
		if seg.Variant != variant {
			return fmt.Errorf("segment %d belongs to %s, not %s", seg.Ordinal, seg.Variant, variant)
		}
		frames, err := json.Marshal(seg.Frames)
		if err != nil {
			return fmt.Errorf("marshal frames: %w", err)
		}
		_, err = tx.ExecContext(
			ctx,
			`INSERT INTO segments (
                run_id, variant, ordinal, name, risk_type, risk_level, frame_count, frames_json, dir
            ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			runID,
			variant.String(),
			seg.Ordinal,
			seg.Name(),
			seg.RiskType,
			seg.RiskLevel,
			seg.FrameCount,
			string(frames),
			seg.Dir,
		)
		if err != nil {
			return fmt.Errorf("insert segment %d: %w", seg.Ordinal, err)
		}
	}
	return nil
}

// LatestRun returns the newest run that stored a segment set for every given variant. Runs
// missing any of them are never combined with another run's sets.
func (s *Store) LatestRun(ctx context.Context, variants []segment.Variant) (string, error) {
	if len(variants) == 0 {
		return "", errs.Configf("rechunk", "no variants requested")
	}

	names := make([]string, len(variants))
	args := make([]any, 0, len(variants)+1)
	for i, v := range variants {
		names[i] = v.String()
		args = append(args, v.String())
	}
	args = append(args, len(variants))

	var runID string
	row := s.db.QueryRowContext(
		ctx,
		`SELECT r.id FROM runs r
         WHERE (SELECT COUNT(DISTINCT ss.variant) FROM segment_sets ss
                WHERE ss.run_id = r.id AND ss.variant IN (?`+strings.Repeat(", ?", len(variants)-1)+`)) = ?
         ORDER BY r.created_at DESC, r.rowid DESC LIMIT 1`,
		args...,
	)
	if err := row.Scan(&runID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", errs.Configf("rechunk", "no persisted run with segment sets for %s", strings.Join(names, ", "))
		}
		return "", fmt.Errorf("query latest run: %w", err)
	}
	return runID, nil
}

// LatestSet returns the segment set of a variant from the newest run that stored one.
func (s *Store) LatestSet(ctx context.Context, variant segment.Variant) (string, []segment.Segment, error) {
	runID, err := s.LatestRun(ctx, []segment.Variant{variant})
	if err != nil {
		return "", nil, err
	}
	segments, err := s.Set(ctx, runID, variant)
	if err != nil {
		return "", nil, err
	}
	return runID, segments, nil
}

// Set returns the segment set of one variant for a run in ordinal order.
func (s *Store) Set(ctx context.Context, runID string, variant segment.Variant) ([]segment.Segment, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT ordinal, risk_type, risk_level, frame_count, frames_json, dir
         FROM segments WHERE run_id = ? AND variant = ? ORDER BY ordinal`,
		runID,
		variant.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("query segments: %w", err)
	}
	defer rows.Close()

	var segments []segment.Segment
	for rows.Next() {
		seg := segment.Segment{Variant: variant}
		var frames string
		if err := rows.Scan(&seg.Ordinal, &seg.RiskType, &seg.RiskLevel, &seg.FrameCount, &frames, &seg.Dir); err != nil {
			return nil, fmt.Errorf("scan segment: %w", err)
		}
		if err := json.Unmarshal([]byte(frames), &seg.Frames); err != nil {
			return nil, fmt.Errorf("decode frames of segment %d: %w", seg.Ordinal, err)
		}
		segments = append(segments, seg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate segments: %w", err)
	}
	return segments, nil
}

// Runs lists the most recent runs, newest first. limit <= 0 lists all.
func (s *Store) Runs(ctx context.Context, limit int) ([]Run, error) {
	query := `SELECT r.id, r.created_at, r.frame_rate, r.chunk_seconds, r.start_frame, r.end_frame,
                     r.privacy, r.subtitles,
                     (SELECT COUNT(1) FROM segments s WHERE s.run_id = r.id)
              FROM runs r ORDER BY r.created_at DESC, r.rowid DESC`
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var (
			run       Run
			createdAt string
			privacy   int
			subtitles int
		)
		if err := rows.Scan(&run.ID, &createdAt, &run.FrameRate, &run.ChunkSeconds, &run.StartFrame,
			&run.EndFrame, &privacy, &subtitles, &run.Segments); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		run.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		run.Privacy = privacy != 0
		run.Subtitles = subtitles != 0
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

func sortedVariants(sets map[segment.Variant][]segment.Segment) []segment.Variant {
	variants := make([]segment.Variant, 0, len(sets))
	for v := range sets {
		variants = append(variants, v)
	}
	sort.Slice(variants, func(i, j int) bool { return variants[i] < variants[j] })
	return variants
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
