package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fentz26/procmon/internal/models"
)

const credentialColumns = `id, owner, name, uuid, token, device_type, status, last_used, total_requests, failed_requests, last_error, last_error_at, created_at`

// CreateCredential inserts a credential. An empty ID is generated.
func (s *Store) CreateCredential(ctx context.Context, c *models.Credential) (*models.Credential, error) {
	cred := *c
	if cred.ID == "" {
		cred.ID = uuid.New().String()
	}
	if cred.Status == "" {
		cred.Status = models.CredentialActive
	}
	cred.CreatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO credentials (id, owner, name, uuid, token, device_type, status, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		cred.ID, cred.Owner, cred.Name, cred.UUID, cred.Token, cred.DeviceType, cred.Status, cred.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert credential: %w", err)
	}
	return &cred, nil
}

// GetCredential retrieves a credential by ID. Returns nil if absent.
func (s *Store) GetCredential(ctx context.Context, id string) (*models.Credential, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+credentialColumns+` FROM credentials WHERE id = ?`, id)
	cred, err := scanCredential(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query credential: %w", err)
	}
	return cred, nil
}

// GetCredentialFor returns the credential associated with a client, or nil.
func (s *Store) GetCredentialFor(ctx context.Context, client *models.Client) (*models.Credential, error) {
	if client.CredentialID == "" {
		return nil, nil
	}
	return s.GetCredential(ctx, client.CredentialID)
}

// ListCredentials returns all credentials ordered by name.
func (s *Store) ListCredentials(ctx context.Context) ([]models.Credential, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+credentialColumns+` FROM credentials ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("query credentials: %w", err)
	}
	defer rows.Close()

	var creds []models.Credential
	for rows.Next() {
		cred, err := scanCredential(rows)
		if err != nil {
			return nil, fmt.Errorf("scan credential: %w", err)
		}
		creds = append(creds, *cred)
	}
	return creds, rows.Err()
}

// RecordCredentialUse bumps request counters and touches last_used.
func (s *Store) RecordCredentialUse(ctx context.Context, id string, success bool, errMsg string) error {
	now := time.Now().UTC()
	var err error
	if success {
		_, err = s.db.ExecContext(ctx,
			`UPDATE credentials SET last_used = ?, total_requests = total_requests + 1 WHERE id = ?`,
			now, id,
		)
	} else {
		_, err = s.db.ExecContext(ctx,
			`UPDATE credentials SET last_used = ?, total_requests = total_requests + 1, failed_requests = failed_requests + 1, last_error = ?, last_error_at = ? WHERE id = ?`,
			now, errMsg, now, id,
		)
	}
	if err != nil {
		return fmt.Errorf("record credential use: %w", err)
	}
	return nil
}

// SetCredentialStatus updates the health status of a credential.
func (s *Store) SetCredentialStatus(ctx context.Context, id string, status models.CredentialStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE credentials SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("update credential status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanCredential(sc scanner) (*models.Credential, error) {
	var cred models.Credential
	var lastUsed, lastErrorAt sql.NullTime
	var lastError sql.NullString

	err := sc.Scan(&cred.ID, &cred.Owner, &cred.Name, &cred.UUID, &cred.Token, &cred.DeviceType, &cred.Status,
		&lastUsed, &cred.TotalRequests, &cred.FailedRequests, &lastError, &lastErrorAt, &cred.CreatedAt)
	if err != nil {
		return nil, err
	}
	if lastUsed.Valid {
		cred.LastUsed = &lastUsed.Time
	}
	if lastError.Valid {
		cred.LastError = lastError.String
	}
	if lastErrorAt.Valid {
		cred.LastErrorAt = &lastErrorAt.Time
	}
	return &cred, nil
}
