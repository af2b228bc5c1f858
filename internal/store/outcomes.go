package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/fentz26/procmon/internal/models"
)

// SaveClientOutcome records the terminal outcome of one client in a run.
func (s *Store) SaveClientOutcome(ctx context.Context, o *models.ClientOutcome) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO client_outcomes (run_id, client_id, kind, attempts, error_reason, error_message, status_hash, finished_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		o.RunID, o.ClientID, o.Kind, o.Attempts,
		nullString(o.ErrorReason), nullString(o.ErrorMessage), nullString(o.StatusHash), o.FinishedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert client outcome: %w", err)
	}
	return nil
}

// ListClientOutcomes returns the per-client outcomes of a run.
func (s *Store) ListClientOutcomes(ctx context.Context, runID string) ([]models.ClientOutcome, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, client_id, kind, attempts, error_reason, error_message, status_hash, finished_at FROM client_outcomes WHERE run_id = ? ORDER BY finished_at, client_id`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("query client outcomes: %w", err)
	}
	defer rows.Close()

	var outcomes []models.ClientOutcome
	for rows.Next() {
		var o models.ClientOutcome
		var reason, msg, hash sql.NullString
		if err := rows.Scan(&o.RunID, &o.ClientID, &o.Kind, &o.Attempts, &reason, &msg, &hash, &o.FinishedAt); err != nil {
			return nil, fmt.Errorf("scan client outcome: %w", err)
		}
		o.ErrorReason = reason.String
		o.ErrorMessage = msg.String
		o.StatusHash = hash.String
		outcomes = append(outcomes, o)
	}
	return outcomes, rows.Err()
}
