package models

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// Credential is a proxy token record. Only the bcrypt hash of the token is stored.
type Credential struct {
	ID         uuid.UUID      `db:"id"`
	CustomerID string         `db:"customer_id"`
	BoxID      sql.NullString `db:"box_id"`
	TokenHash  string         `db:"token_hash"`
	RevokedAt  *time.Time     `db:"revoked_at"`
	CreatedAt  time.Time      `db:"created_at"`
}

// IsActive reports whether the credential has not been revoked.
func (c *Credential) IsActive() bool {
	return c.RevokedAt == nil
}

// Identity returns the identity a matching token resolves to.
func (c *Credential) Identity() *Identity {
	id := &Identity{
		CustomerID: c.CustomerID,
		TokenID:    c.ID.String(),
	}
	if c.BoxID.Valid {
		id.BoxID = c.BoxID.String
	}
	return id
}

// Identity is the result of a successful authentication. It is also the
// JSON document cached under the presented token.
type Identity struct {
	CustomerID string `json:"customer_id"`
	BoxID      string `json:"box_id,omitempty"`
	TokenID    string `json:"token_id,omitempty"`
}
