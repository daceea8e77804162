package middleware

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"net/http"
	"strings"

	"openclaw_proxy/internal/auth"
	"openclaw_proxy/internal/models"
	"openclaw_proxy/internal/utils"
)

// ContextKey defines the type for context keys to avoid conflicts
type ContextKey string

const (
	// IdentityKey is the context key for storing the authenticated identity
	IdentityKey ContextKey = "identity"
)

// Authenticator resolves a presented token into an identity.
// *auth.Authenticator satisfies it.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*models.Identity, error)
}

// ExtractBearer returns the token of an "Authorization: Bearer <token>" header.
func ExtractBearer(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

// ExtractToken looks for a token in a Bearer header, then in the username of
// HTTP Basic credentials, then (when allowQuery is set) in the "token" query
// parameter. Debug clients running in a browser can only use the last two.
func ExtractToken(r *http.Request, allowQuery bool) string {
	if token := ExtractBearer(r); token != "" {
		return token
	}

	if header := r.Header.Get("Authorization"); strings.HasPrefix(header, "Basic ") {
		decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(header, "Basic "))
		if err == nil {
			username, _, _ := strings.Cut(string(decoded), ":")
			if username != "" {
				return username
			}
		}
	}

	if allowQuery {
		return r.URL.Query().Get("token")
	}
	return ""
}

// AuthMiddleware authenticates the request and adds the identity to its context.
// Bearer-only routes pass allowQuery=false.
func AuthMiddleware(authenticator Authenticator, allowQuery bool) func(http.Handler) http.Handler {
	logger := utils.NewLogger("auth-middleware")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := ExtractToken(r, allowQuery)
			if token == "" {
				utils.RespondWithAPIError(w, utils.NewAuthError("Missing or invalid Authorization header"))
				return
			}

			identity, err := authenticator.Authenticate(r.Context(), token)
			if err != nil {
				if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrMissingToken) {
					utils.RespondWithAPIError(w, utils.NewAuthError("Invalid proxy token"))
					return
				}
				logger.Error("Authentication failed", "error", err)
				utils.RespondWithAPIError(w, err)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
		})
	}
}

// GetIdentity retrieves the authenticated identity from the request context
func GetIdentity(ctx context.Context) (*models.Identity, bool) {
	identity, ok := ctx.Value(IdentityKey).(*models.Identity)
	return identity, ok
}

// WithIdentity returns a copy of ctx carrying identity.
func WithIdentity(ctx context.Context, identity *models.Identity) context.Context {
	return context.WithValue(ctx, IdentityKey, identity)
}

// InternalKeyMiddleware guards the internal routes with a shared X-Internal-Key.
// An empty configured key rejects every request.
func InternalKeyMiddleware(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			presented := r.Header.Get("X-Internal-Key")
			if key == "" || subtle.ConstantTimeCompare([]byte(presented), []byte(key)) != 1 {
				utils.RespondWithAPIError(w, &utils.ProxyError{
					Kind:    utils.KindAuth,
					Status:  http.StatusForbidden,
					Type:    "auth_error",
					Message: "Invalid internal API key",
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
