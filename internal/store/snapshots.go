package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/fentz26/procmon/internal/models"
)

// GetLastSnapshot returns the last observed status of a client, or nil.
func (s *Store) GetLastSnapshot(ctx context.Context, clientID string) (*models.ProcessSnapshot, error) {
	snap := &models.ProcessSnapshot{}
	err := s.db.QueryRowContext(ctx,
		`SELECT client_id, status_text, status_hash, observed_at FROM snapshots WHERE client_id = ?`,
		clientID,
	).Scan(&snap.ClientID, &snap.StatusText, &snap.StatusHash, &snap.ObservedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query snapshot: %w", err)
	}
	return snap, nil
}

// SaveSnapshot replaces the snapshot of a client.
func (s *Store) SaveSnapshot(ctx context.Context, snap *models.ProcessSnapshot) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO snapshots (client_id, status_text, status_hash, observed_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(client_id) DO UPDATE SET status_text = excluded.status_text, status_hash = excluded.status_hash, observed_at = excluded.observed_at`,
		snap.ClientID, snap.StatusText, snap.StatusHash, snap.ObservedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}
