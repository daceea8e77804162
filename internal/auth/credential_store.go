package auth

import (
	"context"

	"openclaw_proxy/internal/models"
)

// CredentialStore returns the active credentials a token is checked against.
// *storage.CredentialRepository satisfies it.
type CredentialStore interface {
	ListActive(ctx context.Context) ([]models.Credential, error)
}
