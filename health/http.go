// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package health

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// Status is the body written by [Handler].
type Status struct {
	Healthy bool   `json:"healthy"`
	Error   string `json:"error,omitempty"`
}

// Handler returns an [http.Handler] which reports the health of m.
// Healthy monitors respond with 200 and unhealthy or failing ones with 503.
func Handler(m Monitor, log *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		healthy, err := m.Healthy(r.Context())

		status := Status{Healthy: healthy && err == nil}
		if err != nil {
			status.Error = err.Error()
			log.WarnContext(r.Context(), "health check failed", slog.Any("error", err))
		}

		code := http.StatusOK
		if !status.Healthy {
			code = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)

		err = json.NewEncoder(w).Encode(status)
		if err != nil {
			log.ErrorContext(r.Context(), "failed to write health status", slog.Any("error", err))
		}
	})
}
