package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/fentz26/procmon/internal/models"
)

const runColumns = `id, run_trigger, status, started_at, finished_at, total, succeeded, failed, changed, attempts, aborted, error`

// RunFilter narrows ListRuns. Zero values mean no bound.
type RunFilter struct {
	Since time.Time
	Until time.Time
	Limit int
}

// CreateRun inserts a run in the running state.
func (s *Store) CreateRun(ctx context.Context, r *models.RunResult) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, run_trigger, status, started_at, total) VALUES (?, ?, ?, ?, ?)`,
		r.ID, r.Trigger, r.Status, r.StartedAt.UTC(), r.Total,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// FinishRun writes the terminal counters and status of a run.
func (s *Store) FinishRun(ctx context.Context, r *models.RunResult) error {
	var finishedAt interface{}
	if r.FinishedAt != nil {
		finishedAt = r.FinishedAt.UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, finished_at = ?, total = ?, succeeded = ?, failed = ?, changed = ?, attempts = ?, aborted = ?, error = ? WHERE id = ?`,
		r.Status, finishedAt, r.Total, r.Succeeded, r.Failed, r.Changed, r.Attempts, r.Aborted, nullString(r.Error), r.ID,
	)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetRun retrieves a run by ID. Returns nil if absent.
func (s *Store) GetRun(ctx context.Context, id string) (*models.RunResult, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query run: %w", err)
	}
	return run, nil
}

// ListRuns returns runs newest first.
func (s *Store) ListRuns(ctx context.Context, f RunFilter) ([]models.RunResult, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE 1 = 1`
	var args []interface{}

	if !f.Since.IsZero() {
		query += ` AND started_at >= ?`
		args = append(args, f.Since.UTC())
	}
	if !f.Until.IsZero() {
		query += ` AND started_at <= ?`
		args = append(args, f.Until.UTC())
	}
	query += ` ORDER BY started_at DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	return s.listRuns(ctx, query, args...)
}

// ListUnfinishedRuns returns runs that never recorded finished_at.
func (s *Store) ListUnfinishedRuns(ctx context.Context) ([]models.RunResult, error) {
	return s.listRuns(ctx, `SELECT `+runColumns+` FROM runs WHERE finished_at IS NULL ORDER BY started_at`)
}

func (s *Store) listRuns(ctx context.Context, query string, args ...interface{}) ([]models.RunResult, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []models.RunResult
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

func scanRun(sc scanner) (*models.RunResult, error) {
	var run models.RunResult
	var finishedAt sql.NullTime
	var errMsg sql.NullString

	err := sc.Scan(&run.ID, &run.Trigger, &run.Status, &run.StartedAt, &finishedAt,
		&run.Total, &run.Succeeded, &run.Failed, &run.Changed, &run.Attempts, &run.Aborted, &errMsg)
	if err != nil {
		return nil, err
	}
	if finishedAt.Valid {
		run.FinishedAt = &finishedAt.Time
	}
	run.Error = errMsg.String
	return &run, nil
}
