package gateway

import (
	"errors"
	"net/http"

	"github.com/omne42/ditto-llm/pkg/canon"
)

// mapProviderError maps a provider error to the OpenAI-compatible HTTP
// error shape from spec.md §4.7: (status, type, code, message), defaulting
// to 502 for non-API errors.
func mapProviderError(err error) (status int, errType, errCode, message string) {
	var apiErr *canon.APIError
	if errors.As(err, &apiErr) {
		status = apiErr.Status
		if status < 100 || status > 599 {
			status = http.StatusBadGateway
		}
		return status, "api_error", "provider_error", apiErr.Body
	}
	return http.StatusBadGateway, "api_error", "provider_error", err.Error()
}

func writeErrorResponse(w http.ResponseWriter, status int, errType, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	body := map[string]any{"error": map[string]any{"type": errType, "message": message}}
	if code != "" {
		body["error"].(map[string]any)["code"] = code
	}
	_ = writeJSON(w, body)
}
