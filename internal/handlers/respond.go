package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/vidfriends/relationships/internal/logging"
)

// UserIDHeader carries the authenticated caller, set by the upstream gateway.
const UserIDHeader = "X-User-ID"

func callerID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(UserIDHeader))
}

func respondJSON(ctx context.Context, w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logging.FromContext(ctx).Error("encode response body", "status", status, "error", err)
		return
	}

	logger := logging.FromContext(ctx)
	switch {
	case status >= http.StatusInternalServerError:
		logger.Error("request failed", "status", status, "response", payload)
	case status >= http.StatusBadRequest:
		logger.Warn("request returned client error", "status", status, "response", payload)
	}
}
