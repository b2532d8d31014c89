package api

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"balanceBridge/internal/apperr"
)

type successEnvelope struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data"`
}

type errorEnvelope struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeData(w http.ResponseWriter, status int, data interface{}) {
	writeJSON(w, status, successEnvelope{Success: true, Data: data})
}

// writeError maps a classified error onto the response envelope. Retryable
// and unexpected failures get a generic message.
func writeError(w http.ResponseWriter, logger *zap.Logger, err error) {
	kind := apperr.KindOf(err)
	status := apperr.HTTPStatus(kind)
	message := err.Error()

	switch kind {
	case apperr.KindReplay:
		// Resolved replays are answered with data; one that reaches here has none.
		status = http.StatusConflict
	case apperr.KindTransient, apperr.KindServiceUnavailable:
		logger.Warn("request failed", zap.String("kind", string(kind)), zap.Error(err))
		message = "service temporarily unavailable, try again"
	case apperr.KindInternal, apperr.KindFatal:
		logger.Error("request failed", zap.String("kind", string(kind)), zap.Error(err))
		message = "internal error, try again"
		kind = apperr.KindInternal
		status = http.StatusInternalServerError
	}

	writeJSON(w, status, errorEnvelope{Success: false, Error: string(kind), Message: message})
}
