package handler

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/capitalize-ai/messaging-core/internal/model"
	"github.com/capitalize-ai/messaging-core/pkg/logger"
)

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}

// writeServiceError maps a classified error to its HTTP status.
// Storage and unclassified failures are logged and not described.
func writeServiceError(w http.ResponseWriter, log *logger.Logger, err error) {
	status := http.StatusInternalServerError
	switch model.KindOf(err) {
	case model.KindValidation:
		status = http.StatusBadRequest
	case model.KindNotFound:
		status = http.StatusNotFound
	case model.KindAuthentication:
		status = http.StatusUnauthorized
	default:
		log.Error("request failed", zap.Error(err))
	}
	writeError(w, status, model.PublicMessage(err))
}
