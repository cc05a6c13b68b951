package httpapi

import (
	"encoding/json"
	"net/http"
)

// Error envelope codes (closed set for the HTTP surface).
const (
	CodeNotFound       = "NOT_FOUND"
	CodeConflict       = "CONFLICT"
	CodeInvalidRequest = "INVALID_REQUEST"
	CodeRateLimited    = "RATE_LIMITED"
	CodeUnavailable    = "UNAVAILABLE"
	CodeGatewayTimeout = "GATEWAY_TIMEOUT"
	CodeInternalError  = "INTERNAL_ERROR"
)

// errorResponse is the envelope every non-2xx body uses.
type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErrorResponse(w http.ResponseWriter, status int, code, message string, details any) {
	writeJSON(w, status, errorResponse{Code: code, Message: message, Details: details})
}
