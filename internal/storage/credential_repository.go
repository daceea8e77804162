package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"openclaw_proxy/internal/models"
)

// CredentialRepository handles proxy_tokens database operations
type CredentialRepository struct {
	db *DB
}

// NewCredentialRepository creates a new credential repository
func NewCredentialRepository(db *DB) *CredentialRepository {
	return &CredentialRepository{db: db}
}

// ListActive returns every non-revoked credential. The token column holds a
// one-way hash, so callers compare against each row instead of looking one up.
func (r *CredentialRepository) ListActive(ctx context.Context) ([]models.Credential, error) {
	query := `SELECT id, customer_id, box_id, token_hash FROM proxy_tokens WHERE revoked_at IS NULL`

	var creds []models.Credential
	if err := r.db.conn.SelectContext(ctx, &creds, query); err != nil {
		return nil, fmt.Errorf("failed to list active credentials: %w", err)
	}

	return creds, nil
}

// Create stores a new credential for an already hashed token
func (r *CredentialRepository) Create(ctx context.Context, customerID, boxID, tokenHash string) (*models.Credential, error) {
	cred := &models.Credential{
		ID:         uuid.New(),
		CustomerID: customerID,
		BoxID:      sql.NullString{String: boxID, Valid: boxID != ""},
		TokenHash:  tokenHash,
	}

	query := `
		INSERT INTO proxy_tokens (id, customer_id, box_id, token_hash)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at
	`

	err := r.db.conn.QueryRowxContext(ctx, query, cred.ID, cred.CustomerID, cred.BoxID, cred.TokenHash).Scan(&cred.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create credential: %w", err)
	}

	return cred, nil
}

// Revoke marks an active credential revoked and returns its customer.
// Revocation is terminal: an already revoked credential yields ErrCredentialNotFound.
func (r *CredentialRepository) Revoke(ctx context.Context, id uuid.UUID) (string, error) {
	query := `
		UPDATE proxy_tokens SET revoked_at = now()
		WHERE id = $1 AND revoked_at IS NULL
		RETURNING customer_id
	`

	var customerID string
	err := r.db.conn.GetContext(ctx, &customerID, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrCredentialNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to revoke credential: %w", err)
	}

	return customerID, nil
}
