// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package health

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAndMonitor_Healthy(t *testing.T) {
	t.Run("will return unhealthy", func(t *testing.T) {
		t.Run("if at least one of the Monitors return unhealthy", func(t *testing.T) {
			var a Binary
			a.MarkHealthy()

			var b Binary

			var c Binary
			c.MarkHealthy()

			healthy, err := And(&a, &b, &c).Healthy(context.Background())
			require.NoError(t, err)
			require.False(t, healthy)
		})
	})

	t.Run("will return healthy", func(t *testing.T) {
		t.Run("if there are no Monitors", func(t *testing.T) {
			healthy, err := And().Healthy(context.Background())
			require.NoError(t, err)
			require.True(t, healthy)
		})
	})

	t.Run("will return an error", func(t *testing.T) {
		t.Run("if at least one of the Monitors return an error", func(t *testing.T) {
			var a Binary
			a.MarkHealthy()

			healthErr := errors.New("failed to check health status")
			b := MonitorFunc(func(ctx context.Context) (bool, error) {
				return false, healthErr
			})

			healthy, err := And(&a, b).Healthy(context.Background())
			require.ErrorIs(t, err, healthErr)
			require.False(t, healthy)
		})
	})
}

func TestOrMonitor_Healthy(t *testing.T) {
	t.Run("will return unhealthy", func(t *testing.T) {
		t.Run("if all Monitors return unhealthy", func(t *testing.T) {
			var a Binary
			var b Binary

			healthy, err := Or(&a, &b).Healthy(context.Background())
			require.NoError(t, err)
			require.False(t, healthy)
		})
	})

	t.Run("will ignore errors", func(t *testing.T) {
		t.Run("if another Monitor is healthy", func(t *testing.T) {
			b := MonitorFunc(func(ctx context.Context) (bool, error) {
				return false, errors.New("unreachable")
			})

			var c Binary
			c.MarkHealthy()

			healthy, err := Or(b, &c).Healthy(context.Background())
			require.NoError(t, err)
			require.True(t, healthy)
		})
	})

	t.Run("will return an error", func(t *testing.T) {
		t.Run("if at least one of the Monitors return an error", func(t *testing.T) {
			var a Binary

			healthErr := errors.New("failed to check health status")
			b := MonitorFunc(func(ctx context.Context) (bool, error) {
				return false, healthErr
			})

			healthy, err := Or(&a, b).Healthy(context.Background())
			require.ErrorIs(t, err, healthErr)
			require.False(t, healthy)
		})
	})
}

func TestHandler(t *testing.T) {
	serve := func(t *testing.T, m Monitor) (int, Status) {
		t.Helper()

		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodGet, "/health", nil)
		Handler(m, slog.New(slog.NewTextHandler(io.Discard, nil))).ServeHTTP(w, r)

		resp := w.Result()
		defer resp.Body.Close()
		require.Equal(t, "application/json", resp.Header.Get("Content-Type"))

		var status Status
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
		return resp.StatusCode, status
	}

	t.Run("will return http 200 status code", func(t *testing.T) {
		t.Run("if the monitor is healthy", func(t *testing.T) {
			var m Binary
			m.MarkHealthy()

			code, status := serve(t, &m)
			require.Equal(t, http.StatusOK, code)
			require.True(t, status.Healthy)
			require.Empty(t, status.Error)
		})
	})

	t.Run("will return http 503 status code", func(t *testing.T) {
		t.Run("if the monitor is unhealthy", func(t *testing.T) {
			var m Binary

			code, status := serve(t, &m)
			require.Equal(t, http.StatusServiceUnavailable, code)
			require.False(t, status.Healthy)
		})

		t.Run("if the monitor fails", func(t *testing.T) {
			m := MonitorFunc(func(ctx context.Context) (bool, error) {
				return true, errors.New("container stopped")
			})

			code, status := serve(t, m)
			require.Equal(t, http.StatusServiceUnavailable, code)
			require.False(t, status.Healthy)
			require.Equal(t, "container stopped", status.Error)
		})
	})
}
