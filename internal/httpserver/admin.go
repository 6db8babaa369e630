// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package httpserver

import (
	"log/slog"
	"net/http"

	"github.com/z5labs/sqslistener/health"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Admin returns the router for the admin endpoints:
//
//   - GET /health/readiness reports the health of readiness
//   - GET /health/liveness reports the health of liveness
//   - GET /metrics exposes the metrics gathered by g
func Admin(readiness, liveness health.Monitor, g prometheus.Gatherer, log *slog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Method(http.MethodGet, "/health/readiness", health.Handler(readiness, log))
	r.Method(http.MethodGet, "/health/liveness", health.Handler(liveness, log))
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{
		ErrorLog: slog.NewLogLogger(log.Handler(), slog.LevelError),
	}))

	return otelhttp.NewHandler(
		r,
		"admin",
		otelhttp.WithSpanNameFormatter(func(operation string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
	)
}
