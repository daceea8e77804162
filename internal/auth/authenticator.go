package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"openclaw_proxy/internal/metrics"
	"openclaw_proxy/internal/models"
	"openclaw_proxy/internal/utils"
)

// DefaultCacheTTL is how long a resolved identity stays cached under its token
const DefaultCacheTTL = 300 * time.Second

// Authenticator resolves presented tokens into identities. It keeps a Redis
// read-through cache in front of the credential store, because a miss costs one
// bcrypt comparison per active credential.
type Authenticator struct {
	store   CredentialStore
	redis   *redis.Client
	prefix  string
	ttl     time.Duration
	metrics *metrics.Collector
	logger  *utils.Logger
}

// NewAuthenticator creates an authenticator caching under keys "<prefix><token>".
func NewAuthenticator(store CredentialStore, client *redis.Client, prefix string, ttl time.Duration, m *metrics.Collector) *Authenticator {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Authenticator{
		store:   store,
		redis:   client,
		prefix:  prefix,
		ttl:     ttl,
		metrics: m,
		logger:  utils.NewLogger("auth"),
	}
}

// Authenticate returns the identity owning token, or ErrInvalidToken.
// Failures are never cached, so a token issued after the last miss works on the next call.
func (a *Authenticator) Authenticate(ctx context.Context, token string) (*models.Identity, error) {
	if token == "" {
		return nil, ErrMissingToken
	}

	if identity, ok := a.cached(ctx, token); ok {
		a.metrics.AuthLookup("cache_hit")
		return identity, nil
	}

	creds, err := a.store.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load credentials: %w", err)
	}

	for i := range creds {
		if !VerifyToken(creds[i].TokenHash, token) {
			continue
		}

		identity := creds[i].Identity()
		a.Prewarm(ctx, token, identity)
		a.metrics.AuthLookup("store_match")
		return identity, nil
	}

	a.metrics.AuthLookup("no_match")
	return nil, ErrInvalidToken
}

// Prewarm caches identity under token. Cache write failures are logged only.
func (a *Authenticator) Prewarm(ctx context.Context, token string, identity *models.Identity) {
	data, err := json.Marshal(identity)
	if err != nil {
		a.logger.Error("Failed to encode identity", "error", err)
		return
	}
	if err := a.redis.Set(ctx, a.prefix+token, data, a.ttl).Err(); err != nil {
		a.logger.Warn("Failed to cache identity", "customer_id", identity.CustomerID, "error", err)
	}
}

func (a *Authenticator) cached(ctx context.Context, token string) (*models.Identity, bool) {
	raw, err := a.redis.Get(ctx, a.prefix+token).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false
	}
	if err != nil {
		a.logger.Warn("Auth cache read failed, falling back to store", "error", err)
		return nil, false
	}

	var identity models.Identity
	if err := json.Unmarshal(raw, &identity); err != nil || identity.CustomerID == "" {
		a.logger.Warn("Discarding malformed auth cache entry")
		return nil, false
	}
	return &identity, true
}
