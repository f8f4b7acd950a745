// Package postgres archives completed runs and their action timelines.
// The archive is optional: the pipeline only writes here when a database
// URL is configured.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"example.com/motionscript/internal/domain"
)

// Schema creates the archive tables. Applied by deploy tooling; the
// integration test applies it directly.
const Schema = `
CREATE TABLE IF NOT EXISTS runs (
    run_id          TEXT PRIMARY KEY,
    video_path      TEXT NOT NULL,
    duration_seconds DOUBLE PRECISION NOT NULL,
    frames          INTEGER NOT NULL,
    events          INTEGER NOT NULL,
    commands        INTEGER NOT NULL,
    created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS action_segments (
    run_id        TEXT NOT NULL REFERENCES runs(run_id) ON DELETE CASCADE,
    position      INTEGER NOT NULL,
    start_seconds DOUBLE PRECISION NOT NULL,
    end_seconds   DOUBLE PRECISION NOT NULL,
    label         TEXT NOT NULL,
    confidence    DOUBLE PRECISION NOT NULL,
    PRIMARY KEY (run_id, position)
);
`

// RunSummary is the archived header row for one pipeline run.
type RunSummary struct {
	RunID     string
	VideoPath string
	Duration  time.Duration
	Frames    int
	Events    int
	Commands  int
}

// Repository provides Postgres-backed persistence for run archives.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// SaveRun archives the run summary and its segments in one transaction.
func (r *Repository) SaveRun(ctx context.Context, run RunSummary, segments []domain.ActionSegment) error {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	tx, err := conn.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	const runStmt = `INSERT INTO runs (run_id, video_path, duration_seconds, frames, events, commands)
                      VALUES ($1,$2,$3,$4,$5,$6)`
	if _, err := tx.Exec(ctx, runStmt,
		run.RunID, run.VideoPath, run.Duration.Seconds(), run.Frames, run.Events, run.Commands,
	); err != nil {
		return fmt.Errorf("insert run %s: %w", run.RunID, err)
	}

	const segStmt = `INSERT INTO action_segments (run_id, position, start_seconds, end_seconds, label, confidence)
                      VALUES ($1,$2,$3,$4,$5,$6)`
	for i, seg := range segments {
		if _, err := tx.Exec(ctx, segStmt,
			run.RunID, i, seg.Start.Seconds(), seg.End.Seconds(), string(seg.Label), seg.Confidence,
		); err != nil {
			return fmt.Errorf("insert segment %d of run %s: %w", i, run.RunID, err)
		}
	}

	return tx.Commit(ctx)
}

// Segments loads the archived timeline for a run, ordered by position.
func (r *Repository) Segments(ctx context.Context, runID string) ([]domain.ActionSegment, error) {
	const query = `SELECT start_seconds, end_seconds, label, confidence
                     FROM action_segments WHERE run_id=$1 ORDER BY position`

	rows, err := r.pool.Query(ctx, query, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.ActionSegment
	for rows.Next() {
		var start, end, confidence float64
		var label string
		if err := rows.Scan(&start, &end, &label, &confidence); err != nil {
			return nil, err
		}
		out = append(out, domain.ActionSegment{
			Start:      time.Duration(start * float64(time.Second)),
			End:        time.Duration(end * float64(time.Second)),
			Label:      domain.ActionLabel(label),
			Confidence: confidence,
		})
	}
	return out, rows.Err()
}
