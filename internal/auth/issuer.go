package auth

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"openclaw_proxy/internal/models"
)

// CredentialWriter persists issued and revoked credentials.
// *storage.CredentialRepository satisfies it.
type CredentialWriter interface {
	Create(ctx context.Context, customerID, boxID, tokenHash string) (*models.Credential, error)
	Revoke(ctx context.Context, id uuid.UUID) (string, error)
}

// Issuer mints proxy tokens. Only the bcrypt hash is stored; the plaintext is
// returned once and pre-warmed into the auth cache.
type Issuer struct {
	store CredentialWriter
	auth  *Authenticator
	cost  int
}

func NewIssuer(store CredentialWriter, authenticator *Authenticator) *Issuer {
	return &Issuer{store: store, auth: authenticator, cost: DefaultHashCost}
}

// WithCost overrides the bcrypt cost, for tests
func (i *Issuer) WithCost(cost int) *Issuer {
	i.cost = cost
	return i
}

// Issue creates a credential and returns it with its plaintext token
func (i *Issuer) Issue(ctx context.Context, customerID, boxID string) (*models.Credential, string, error) {
	token, err := GenerateToken()
	if err != nil {
		return nil, "", err
	}

	hash, err := HashToken(token, i.cost)
	if err != nil {
		return nil, "", err
	}

	cred, err := i.store.Create(ctx, customerID, boxID, hash)
	if err != nil {
		return nil, "", fmt.Errorf("failed to store credential: %w", err)
	}

	if i.auth != nil {
		i.auth.Prewarm(ctx, token, cred.Identity())
	}

	return cred, token, nil
}

// Revoke revokes a credential. A cached identity for its token stays valid
// until the cache entry expires.
func (i *Issuer) Revoke(ctx context.Context, id uuid.UUID) (string, error) {
	return i.store.Revoke(ctx, id)
}
