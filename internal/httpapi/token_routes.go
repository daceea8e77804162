package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"openclaw_proxy/internal/metering"
	"openclaw_proxy/internal/middleware"
	"openclaw_proxy/internal/models"
	"openclaw_proxy/internal/storage"
	"openclaw_proxy/internal/translator"
	"openclaw_proxy/internal/utils"
)

const (
	maxRequestBody = 10 << 20
	upgradeHint    = "Monthly token limit exceeded. Upgrade at app.openclaw.cloud/billing."
)

// CredentialStore issues and revokes proxy tokens. *auth.Issuer satisfies it.
type CredentialStore interface {
	Issue(ctx context.Context, customerID, boxID string) (*models.Credential, string, error)
	Revoke(ctx context.Context, id uuid.UUID) (string, error)
}

// UsageReader reads the current billing period. *storage.UsageRepository satisfies it.
type UsageReader interface {
	CurrentPeriod(ctx context.Context, customerID string) (*models.MonthlyUsage, error)
}

type issueTokenRequest struct {
	CustomerID string `json:"customer_id"`
	BoxID      string `json:"box_id"`
}

func registerTokenRoutes(mux *http.ServeMux, deps *Dependencies) {
	chat := middleware.AuthMiddleware(deps.Authenticator, false)(http.HandlerFunc(deps.handleChat))
	mux.Handle("POST /v1/chat/completions", chat)

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		utils.RespondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	registerCommonRoutes(mux, deps)

	mux.Handle("POST /internal/tokens", internal(deps, deps.handleIssueToken))
	mux.Handle("DELETE /internal/tokens/{id}", internal(deps, deps.handleRevokeToken))
	mux.Handle("GET /internal/tokens/{customer}/usage", internal(deps, deps.handleTokenUsage))

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		utils.RespondWithAPIError(w, &utils.ProxyError{Status: http.StatusNotFound, Type: "not_found", Message: "Not found"})
	})
}

// handleChat is the entry point for OpenAI-compatible chat completions.
//
// Flow:
//  1. Authenticate via Bearer token (middleware)
//  2. Rate limit per customer
//  3. Monthly token budget
//  4. Decode JSON body
//  5. Translate, call the upstream model, translate back
//  6. Emit a usage event when tokens were consumed
func (d *Dependencies) handleChat(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	defer func() {
		d.Metrics.ObserveDuration("chat_completions", time.Since(start).Seconds())
	}()

	ctx := r.Context()
	logger := utils.NewLogger("chat")

	identity, ok := middleware.GetIdentity(ctx)
	if !ok {
		utils.RespondWithAPIError(w, utils.NewAuthError("Invalid proxy token"))
		return
	}

	allowed, err := d.RateLimit.Allow(ctx, identity.CustomerID)
	if err != nil {
		// Redis trouble should not take the proxy down with it
		logger.Warn("Rate limiter unavailable, allowing request", "customer_id", identity.CustomerID, "error", err)
		allowed = true
	}
	if !allowed {
		d.Metrics.AdmissionRejected("rate_limit")
		w.Header().Set("Retry-After", "1")
		utils.RespondWithAPIError(w, utils.NewRateLimitError(
			fmt.Sprintf("Rate limit exceeded (%d req/s)", d.Config.Token.RateLimitRPS)))
		return
	}

	limits, err := d.Limits.CheckLimits(ctx, identity.CustomerID)
	if err != nil {
		logger.Error("Failed to check monthly limits", "customer_id", identity.CustomerID, "error", err)
		utils.RespondWithAPIError(w, err)
		return
	}
	if !limits.Allowed {
		d.Metrics.AdmissionRejected("monthly_limit")
		utils.RespondWithAPIError(w, utils.NewQuotaError(upgradeHint, limits.Used, limits.Limit))
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		utils.RespondWithAPIError(w, utils.NewProtocolError("Failed to read request body", err))
		return
	}

	req, err := translator.ParseRequest(body)
	if err != nil {
		utils.RespondWithAPIError(w, err)
		return
	}

	if limits.Warning {
		w.Header().Set("X-Token-Warning", "90%")
	}

	result := d.Translator.Serve(w, r, req)

	if result.Usage.Total() == 0 {
		return
	}

	model := result.Model
	if model == "" {
		model = req.Model
	}
	if model == "" {
		model = "unknown"
	}

	d.Emitter.Emit(metering.TokenUsage{
		CustomerID:       identity.CustomerID,
		BoxID:            identity.BoxID,
		Model:            model,
		PromptTokens:     result.Usage.Input,
		CompletionTokens: result.Usage.Output,
		RequestID:        result.RequestID,
	})
}

func (d *Dependencies) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	var req issueTokenRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		utils.RespondWithAPIError(w, utils.NewProtocolError("Invalid JSON body", err))
		return
	}
	if req.CustomerID == "" {
		utils.RespondWithAPIError(w, utils.NewProtocolError("customer_id is required", nil))
		return
	}

	cred, token, err := d.Credentials.Issue(r.Context(), req.CustomerID, req.BoxID)
	if err != nil {
		utils.NewLogger("internal").Error("Failed to issue token", "customer_id", req.CustomerID, "error", err)
		utils.RespondWithAPIError(w, err)
		return
	}

	utils.RespondWithJSON(w, http.StatusOK, map[string]string{
		"token_id": cred.ID.String(),
		"token":    token,
	})
}

func (d *Dependencies) handleRevokeToken(w http.ResponseWriter, r *http.Request) {
	notFound := &utils.ProxyError{Status: http.StatusNotFound, Type: "not_found", Message: "Token not found or already revoked"}

	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		utils.RespondWithAPIError(w, notFound)
		return
	}

	if _, err := d.Credentials.Revoke(r.Context(), id); err != nil {
		if errors.Is(err, storage.ErrCredentialNotFound) {
			utils.RespondWithAPIError(w, notFound)
			return
		}
		utils.RespondWithAPIError(w, err)
		return
	}

	utils.RespondWithJSON(w, http.StatusOK, map[string]string{
		"status":   "revoked",
		"token_id": id.String(),
	})
}

func (d *Dependencies) handleTokenUsage(w http.ResponseWriter, r *http.Request) {
	customerID := r.PathValue("customer")

	usage, err := d.Usage.CurrentPeriod(r.Context(), customerID)
	if err != nil {
		if errors.Is(err, storage.ErrUsageRecordNotFound) {
			utils.RespondWithAPIError(w, &utils.ProxyError{Status: http.StatusNotFound, Type: "not_found", Message: "No usage record found"})
			return
		}
		utils.RespondWithAPIError(w, err)
		return
	}

	utils.RespondWithJSON(w, http.StatusOK, map[string]any{
		"customer_id":  customerID,
		"tokens_used":  usage.TokensUsed,
		"tokens_limit": usage.TokensLimit,
		"remaining":    usage.Remaining(),
		"period_start": usage.PeriodStart.UTC().Format(time.RFC3339),
		"period_end":   usage.PeriodEnd.UTC().Format(time.RFC3339),
	})
}
