package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fentz26/procmon/internal/models"
)

const clientColumns = `id, name, process_number, process_year, email, phone, notes, credential_id, active, created_at`

// CreateClient inserts a client. Returns ErrDuplicateProcess when the
// (process_number, process_year) pair is already monitored.
func (s *Store) CreateClient(ctx context.Context, c *models.Client) (*models.Client, error) {
	client := *c
	if client.ID == "" {
		client.ID = uuid.New().String()
	}
	client.CreatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO clients (id, name, process_number, process_year, email, phone, notes, credential_id, active, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		client.ID, client.Name, client.ProcessNumber, client.ProcessYear,
		nullString(client.Email), nullString(client.Phone), nullString(client.Notes), nullString(client.CredentialID),
		client.Active, client.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicateProcess
		}
		return nil, fmt.Errorf("insert client: %w", err)
	}
	return &client, nil
}

// GetClient retrieves a client by ID. Returns nil if absent.
func (s *Store) GetClient(ctx context.Context, id string) (*models.Client, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+clientColumns+` FROM clients WHERE id = ?`, id)
	client, err := scanClient(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query client: %w", err)
	}
	return client, nil
}

// ListActiveClients returns the clients that should be queried by a run.
func (s *Store) ListActiveClients(ctx context.Context) ([]models.Client, error) {
	return s.listClients(ctx, `SELECT `+clientColumns+` FROM clients WHERE active = 1 ORDER BY created_at, id`)
}

// ListClients returns all clients.
func (s *Store) ListClients(ctx context.Context) ([]models.Client, error) {
	return s.listClients(ctx, `SELECT `+clientColumns+` FROM clients ORDER BY created_at, id`)
}

// SetClientActive toggles monitoring for a client.
func (s *Store) SetClientActive(ctx context.Context, id string, active bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE clients SET active = ? WHERE id = ?`, active, id)
	if err != nil {
		return fmt.Errorf("update client: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) listClients(ctx context.Context, query string, args ...interface{}) ([]models.Client, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query clients: %w", err)
	}
	defer rows.Close()

	var clients []models.Client
	for rows.Next() {
		client, err := scanClient(rows)
		if err != nil {
			return nil, fmt.Errorf("scan client: %w", err)
		}
		clients = append(clients, *client)
	}
	return clients, rows.Err()
}

func scanClient(sc scanner) (*models.Client, error) {
	var client models.Client
	var email, phone, notes, credentialID sql.NullString

	err := sc.Scan(&client.ID, &client.Name, &client.ProcessNumber, &client.ProcessYear,
		&email, &phone, &notes, &credentialID, &client.Active, &client.CreatedAt)
	if err != nil {
		return nil, err
	}
	client.Email = email.String
	client.Phone = phone.String
	client.Notes = notes.String
	client.CredentialID = credentialID.String
	return &client, nil
}
