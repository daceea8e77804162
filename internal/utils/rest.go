package utils

import (
	"encoding/json"
	"errors"
	"net/http"
)

// APIErrorResponse is the body of every terminal error returned to proxy callers.
type APIErrorResponse struct {
	Error map[string]interface{} `json:"error"`
}

// RespondWithAPIError writes {"error":{"message","type",...}} for err.
// Errors that are not a ProxyError become a generic 500 so internals never leak.
func RespondWithAPIError(w http.ResponseWriter, err error) {
	var pe *ProxyError
	if !errors.As(err, &pe) {
		pe = &ProxyError{Status: http.StatusInternalServerError, Type: "server_error", Message: "Internal server error"}
	}

	body := map[string]interface{}{
		"message": pe.Message,
		"type":    pe.Type,
	}
	for k, v := range pe.Extra {
		body[k] = v
	}

	RespondWithJSON(w, pe.Status, APIErrorResponse{Error: body})
}

// RespondWithJSON sends a JSON response
func RespondWithJSON(w http.ResponseWriter, code int, payload interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, "Failed to encode response: "+err.Error(), http.StatusInternalServerError)
		return err
	}
	return nil
}
