// Package authtest provides an in-memory credential store for tests
// of packages that authenticate proxy tokens.
package authtest

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"openclaw_proxy/internal/models"
	"openclaw_proxy/internal/storage"
)

// CredentialStore is an in-memory credential store. It satisfies
// auth.CredentialStore and the token routes' issue and revoke interface.
type CredentialStore struct {
	mu    sync.RWMutex
	creds []models.Credential
	calls int
}

// NewCredentialStore returns an empty store
func NewCredentialStore() *CredentialStore {
	return &CredentialStore{}
}

// Add hashes token at the given bcrypt cost and stores it as an active credential.
func (s *CredentialStore) Add(customerID, boxID, token string, cost int) (*models.Credential, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(token), cost)
	if err != nil {
		return nil, err
	}

	cred := models.Credential{
		ID:         uuid.New(),
		CustomerID: customerID,
		BoxID:      sql.NullString{String: boxID, Valid: boxID != ""},
		TokenHash:  string(hash),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds = append(s.creds, cred)
	return &cred, nil
}

// ListActive returns the credentials that are not revoked
func (s *CredentialStore) ListActive(ctx context.Context) ([]models.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++

	out := make([]models.Credential, 0, len(s.creds))
	for _, c := range s.creds {
		if c.IsActive() {
			out = append(out, c)
		}
	}
	return out, nil
}

// Calls returns how many times ListActive ran.
func (s *CredentialStore) Calls() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.calls
}

// Create stores an already hashed token
func (s *CredentialStore) Create(ctx context.Context, customerID, boxID, tokenHash string) (*models.Credential, error) {
	cred := models.Credential{
		ID:         uuid.New(),
		CustomerID: customerID,
		BoxID:      sql.NullString{String: boxID, Valid: boxID != ""},
		TokenHash:  tokenHash,
		CreatedAt:  time.Now(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds = append(s.creds, cred)
	return &cred, nil
}

// Revoke marks an active credential revoked and returns its customer
func (s *CredentialStore) Revoke(ctx context.Context, id uuid.UUID) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.creds {
		if s.creds[i].ID == id && s.creds[i].IsActive() {
			now := time.Now()
			s.creds[i].RevokedAt = &now
			return s.creds[i].CustomerID, nil
		}
	}
	return "", storage.ErrCredentialNotFound
}
