package http

import (
	"encoding/json"
	"net/http"

	"ordersaga/internal/saga"
)

type errorResponse struct {
	Status  string `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Status: "error", Code: code, Message: message})
}

// mapError turns a saga error into an HTTP status and error code.
func mapError(err error) (int, string) {
	switch saga.KindOf(err) {
	case saga.KindValidation:
		return http.StatusBadRequest, "INVALID_INPUT"
	case saga.KindNotFound:
		return http.StatusNotFound, "NOT_FOUND"
	case saga.KindInvalidState:
		return http.StatusConflict, "INVALID_STATE"
	case saga.KindIdempotencyConflict:
		return http.StatusConflict, "IDEMPOTENCY_CONFLICT"
	case saga.KindVersionConflict:
		return http.StatusConflict, "CONFLICT"
	case saga.KindTransient:
		return http.StatusServiceUnavailable, "UNAVAILABLE"
	default:
		return http.StatusInternalServerError, "INTERNAL"
	}
}
