package httpapi

import (
	"context"
	"math"
	"net/http"
	"time"

	"openclaw_proxy/internal/models"
	"openclaw_proxy/internal/utils"
)

const recentSessionsLimit = 20

// SessionStore reads and closes browser_sessions rows.
// *storage.SessionRepository satisfies it.
type SessionStore interface {
	ActiveCount(ctx context.Context, customerID string) (int, error)
	Recent(ctx context.Context, customerID string, limit int) ([]models.BrowserSession, error)
	MonthToDateDuration(ctx context.Context, customerID string) (int64, error)
	CloseOpen(ctx context.Context, customerID string) (int64, error)
}

type sessionView struct {
	ID         string     `json:"id"`
	BoxID      *string    `json:"box_id"`
	StartedAt  time.Time  `json:"started_at"`
	EndedAt    *time.Time `json:"ended_at"`
	DurationMS *int64     `json:"duration_ms"`
}

func registerBrowserRoutes(mux *http.ServeMux, deps *Dependencies) {
	// Upgrades on any path, plus /json* and /devtools* discovery
	mux.Handle("/", deps.Tunnel)

	mux.HandleFunc("GET /health", deps.handleBrowserHealth)
	registerCommonRoutes(mux, deps)

	mux.Handle("GET /internal/browser/{customer}/sessions", internal(deps, deps.handleListSessions))
	mux.Handle("DELETE /internal/browser/{customer}/sessions", internal(deps, deps.handleCloseSessions))
	mux.Handle("GET /internal/browser/{customer}/usage", internal(deps, deps.handleBrowserUsage))
}

func (d *Dependencies) handleBrowserHealth(w http.ResponseWriter, r *http.Request) {
	utils.RespondWithJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": d.Registry.Count(),
	})
}

func (d *Dependencies) handleListSessions(w http.ResponseWriter, r *http.Request) {
	customerID := r.PathValue("customer")
	ctx := r.Context()

	active, err := d.Sessions.ActiveCount(ctx, customerID)
	if err != nil {
		utils.RespondWithAPIError(w, err)
		return
	}

	recent, err := d.Sessions.Recent(ctx, customerID, recentSessionsLimit)
	if err != nil {
		utils.RespondWithAPIError(w, err)
		return
	}

	views := make([]sessionView, 0, len(recent))
	for _, s := range recent {
		v := sessionView{
			ID:         s.ID.String(),
			StartedAt:  s.StartedAt,
			EndedAt:    s.EndedAt,
			DurationMS: s.DurationMS,
		}
		if s.BoxID.Valid {
			v.BoxID = &s.BoxID.String
		}
		views = append(views, v)
	}

	utils.RespondWithJSON(w, http.StatusOK, map[string]any{
		"customer_id":     customerID,
		"active_sessions": active,
		"live_sessions":   d.Registry.CountFor(customerID),
		"recent_sessions": views,
	})
}

// handleCloseSessions ends the customer's live tunnels and marks any rows
// still open as ended. Closed tunnels emit their own end events afterwards.
func (d *Dependencies) handleCloseSessions(w http.ResponseWriter, r *http.Request) {
	customerID := r.PathValue("customer")

	live := d.Registry.CloseCustomer(customerID)

	closed, err := d.Sessions.CloseOpen(r.Context(), customerID)
	if err != nil {
		utils.RespondWithAPIError(w, err)
		return
	}

	utils.RespondWithJSON(w, http.StatusOK, map[string]any{
		"status":          "closed",
		"customer_id":     customerID,
		"sessions_closed": closed,
		"live_closed":     live,
	})
}

func (d *Dependencies) handleBrowserUsage(w http.ResponseWriter, r *http.Request) {
	customerID := r.PathValue("customer")

	totalMS, err := d.Sessions.MonthToDateDuration(r.Context(), customerID)
	if err != nil {
		utils.RespondWithAPIError(w, err)
		return
	}

	now := time.Now().UTC()
	utils.RespondWithJSON(w, http.StatusOK, map[string]any{
		"customer_id":       customerID,
		"total_duration_ms": totalMS,
		"total_minutes":     int64(math.Round(float64(totalMS) / 60000)),
		"period_start":      time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).Format(time.RFC3339),
	})
}
