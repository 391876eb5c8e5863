package auth

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	apperrors "github.com/alexjbarnes/tokengate/internal/errors"
)

type errorResponse struct {
	Error       string `json:"error"`
	Description string `json:"description"`
}

// writeError renders err as {error, description}. Internal faults are
// logged with the operation and client but the caller only sees a
// generic message.
func writeError(w http.ResponseWriter, logger *slog.Logger, op, clientID string, err error) *apperrors.OAuthError {
	oe := apperrors.Describe(err)

	if oe.Status == http.StatusInternalServerError {
		logger.Error("request failed",
			slog.String("op", op),
			slog.String("client_id", clientID),
			slog.String("error", err.Error()),
		)
	}

	writeJSON(w, oe.Status, errorResponse{Error: oe.Code, Description: oe.Description})

	return oe
}

// writeRateLimited renders a 429 carrying Retry-After in whole seconds.
func writeRateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	secs := int(retryAfter.Round(time.Second) / time.Second)
	if secs < 1 {
		secs = 1
	}

	w.Header().Set("Retry-After", strconv.Itoa(secs))

	oe := apperrors.Describe(apperrors.ErrRateLimited)
	writeJSON(w, oe.Status, errorResponse{Error: oe.Code, Description: oe.Description})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
