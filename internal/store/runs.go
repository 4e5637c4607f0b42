package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

const (
	RunKindBuild      = "build"
	RunKindGeneration = "generation"
)

// Run is one build or generation pass: what was asked for, what came out,
// and whether it finished cleanly. Results stay nil until FinishRun.
type Run struct {
	ID         string          `json:"id"`
	Kind       string          `json:"kind"`
	Params     json.RawMessage `json:"params,omitempty"`
	Results    json.RawMessage `json:"results,omitempty"`
	Error      string          `json:"error,omitempty"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
}

func (s *PostgresStore) RecordRun(ctx context.Context, run *Run) error {
	if run.ID == "" || run.Kind == "" {
		return fmt.Errorf("run id and kind are required")
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO runs (id, kind, params, started_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO NOTHING
	`, run.ID, run.Kind, run.Params, run.StartedAt)
	if err != nil {
		return fmt.Errorf("record run: %w", err)
	}
	return nil
}

func (s *PostgresStore) FinishRun(ctx context.Context, id string, results json.RawMessage, errMsg string, finishedAt time.Time) error {
	ct, err := s.pool.Exec(ctx, `
		UPDATE runs SET results = $2, error_message = $3, finished_at = $4
		WHERE id = $1
	`, id, results, errMsg, finishedAt)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, kind, params, results, error_message, started_at, finished_at
		FROM runs
		WHERE id = $1
	`, id)

	run, err := scanRun(row)
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return run, nil
}

// ListRuns returns runs newest first. Kind "" lists every kind.
func (s *PostgresStore) ListRuns(ctx context.Context, kind string, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 50
	}

	q := `
		SELECT id, kind, params, results, error_message, started_at, finished_at
		FROM runs`
	args := []any{limit}
	if kind != "" {
		q += ` WHERE kind = $2`
		args = append(args, kind)
	}
	q += ` ORDER BY started_at DESC LIMIT $1`

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return runs, nil
}

func scanRun(row rowScanner) (*Run, error) {
	var run Run
	if err := row.Scan(&run.ID, &run.Kind, &run.Params, &run.Results, &run.Error, &run.StartedAt, &run.FinishedAt); err != nil {
		if err == pgx.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("scan run: %w", err)
	}
	return &run, nil
}
