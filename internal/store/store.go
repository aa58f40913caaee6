package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Store manages the PostgreSQL connection that records depth runs.
type Store struct {
	mu   sync.Mutex
	conn *pgx.Conn
}

// Run is one invocation of the pipeline.
type Run struct {
	ID     string
	Source string
	// SourceID identifies the input file by path, size and mtime; empty for
	// generated sources.
	SourceID   string
	Engine     string
	Model      string
	Stride     int
	StartedAt  time.Time
	FinishedAt *time.Time
	Frames     int64
}

// FrameStats summarizes one published depth map.
type FrameStats struct {
	Seq        uint64
	Min        float64
	Max        float64
	Mean       float64
	StdDev     float64
	RecordedAt time.Time
}

// New establishes a connection to the database and ensures the schema is initialized.
func New(ctx context.Context, connString string) (*Store, error) {
	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return nil, err
	}

	// Initialize schema (Auto-Migration)
	if err := initSchema(ctx, conn); err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return &Store{conn: conn}, nil
}

// initSchema creates the run tables if they don't exist (Auto-Migration).
func initSchema(ctx context.Context, conn *pgx.Conn) error {
	query := `
		CREATE TABLE IF NOT EXISTS depth_runs (
			id UUID PRIMARY KEY,
			source TEXT NOT NULL,
			source_id TEXT NOT NULL DEFAULT '',
			engine TEXT NOT NULL,
			model TEXT NOT NULL DEFAULT '',
			stride INT NOT NULL,
			started_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			finished_at TIMESTAMPTZ,
			frames BIGINT NOT NULL DEFAULT 0
		);
		CREATE TABLE IF NOT EXISTS depth_frames (
			id BIGSERIAL PRIMARY KEY,
			run_id UUID NOT NULL REFERENCES depth_runs(id) ON DELETE CASCADE,
			seq BIGINT NOT NULL,
			min DOUBLE PRECISION NOT NULL,
			max DOUBLE PRECISION NOT NULL,
			mean DOUBLE PRECISION NOT NULL,
			stddev DOUBLE PRECISION NOT NULL,
			recorded_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS depth_runs_source_id_idx ON depth_runs (source_id);
		CREATE INDEX IF NOT EXISTS depth_frames_run_id_idx ON depth_frames (run_id, seq);
	`
	_, err := conn.Exec(ctx, query)
	return err
}

// Close terminates the database connection.
func (s *Store) Close(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.Close(ctx)
}

// StartRun registers a new run and returns its ID.
func (s *Store) StartRun(ctx context.Context, r Run) (string, error) {
	id := uuid.New().String()
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.conn.Exec(ctx, `
		INSERT INTO depth_runs (id, source, source_id, engine, model, stride, started_at)
		VALUES ($1::uuid, $2, $3, $4, $5, $6, NOW())
	`, id, r.Source, r.SourceID, r.Engine, r.Model, r.Stride)
	if err != nil {
		return "", err
	}
	return id, nil
}

// FinishRun stamps the end time and the number of recorded frames.
func (s *Store) FinishRun(ctx context.Context, id string, frames int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tag, err := s.conn.Exec(ctx,
		"UPDATE depth_runs SET finished_at = NOW(), frames = $2 WHERE id = $1::uuid", id, frames)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("run %s not found", id)
	}
	return nil
}

// InsertFrameStats bulk-loads per-frame statistics with COPY.
func (s *Store) InsertFrameStats(ctx context.Context, runID string, stats []FrameStats) error {
	if len(stats) == 0 {
		return nil
	}
	rid, err := uuid.Parse(runID)
	if err != nil {
		return fmt.Errorf("invalid run id: %w", err)
	}

	rows := make([][]any, len(stats))
	for i, st := range stats {
		rows[i] = []any{[16]byte(rid), int64(st.Seq), st.Min, st.Max, st.Mean, st.StdDev, st.RecordedAt}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.conn.CopyFrom(ctx,
		pgx.Identifier{"depth_frames"},
		[]string{"run_id", "seq", "min", "max", "mean", "stddev", "recorded_at"},
		pgx.CopyFromRows(rows),
	)
	return err
}

// ListRuns returns the most recent runs first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.conn.Query(ctx, `
		SELECT id::text, source, source_id, engine, model, stride, started_at, finished_at, frames
		FROM depth_runs
		ORDER BY started_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		if err := rows.Scan(&r.ID, &r.Source, &r.SourceID, &r.Engine, &r.Model, &r.Stride, &r.StartedAt, &r.FinishedAt, &r.Frames); err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// RunFrames returns the recorded statistics of one run in sequence order.
func (s *Store) RunFrames(ctx context.Context, runID string) ([]FrameStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.conn.Query(ctx, `
		SELECT seq, min, max, mean, stddev, recorded_at
		FROM depth_frames
		WHERE run_id = $1::uuid
		ORDER BY seq
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []FrameStats
	for rows.Next() {
		var st FrameStats
		var seq int64
		if err := rows.Scan(&seq, &st.Min, &st.Max, &st.Mean, &st.StdDev, &st.RecordedAt); err != nil {
			return nil, err
		}
		st.Seq = uint64(seq)
		out = append(out, st)
	}
	return out, rows.Err()
}

// Reset drops all application tables to clear the database state.
// This is useful for development to force a schema refresh without migrations.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.conn.Exec(ctx, `
		DROP TABLE IF EXISTS depth_frames CASCADE;
		DROP TABLE IF EXISTS depth_runs CASCADE;
	`)
	return err
}
