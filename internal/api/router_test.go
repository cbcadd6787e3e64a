package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func passthrough(next http.Handler) http.Handler { return next }

func testHandlers() HandlerSet {
	return HandlerSet{
		QuotaRoutes: func(r chi.Router) {
			r.Get("/plans", func(w http.ResponseWriter, r *http.Request) {
				JSON(w, http.StatusOK, []string{"free"})
			})
		},
		AdminRoutes: func(r chi.Router) {
			r.Post("/reset", func(w http.ResponseWriter, r *http.Request) {
				JSONMessage(w, http.StatusOK, "done")
			})
		},
		AuthMiddleware: passthrough,
		AdminMiddleware: func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				HandleError(w, ErrForbidden)
			})
		},
	}
}

func TestRouter_Readiness(t *testing.T) {
	router := NewRouter(RouterConfig{Checks: map[string]HealthCheck{
		"database": func(context.Context) error { return nil },
		"redis":    func(context.Context) error { return errors.New("down") },
		"nats":     nil,
	}}, testHandlers())

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body struct {
		Data map[string]string `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "degraded", body.Data["status"])
	assert.Equal(t, "healthy", body.Data["database"])
	assert.Equal(t, "unhealthy", body.Data["redis"])
	assert.Equal(t, "not configured", body.Data["nats"])
}

func TestRouter_Mounts(t *testing.T) {
	router := NewRouter(RouterConfig{}, testHandlers())

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/plans", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/admin/reset", nil))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleError(t *testing.T) {
	t.Run("service unavailable sets Retry-After", func(t *testing.T) {
		rec := httptest.NewRecorder()
		HandleError(rec, ErrServiceUnavailable)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	})

	t.Run("forbidden carries data", func(t *testing.T) {
		rec := httptest.NewRecorder()
		HandleError(rec, NewForbiddenError("quota exceeded", map[string]int{"limit": 3}))
		assert.Equal(t, http.StatusForbidden, rec.Code)
		assert.JSONEq(t, `{"data":{"limit":3},"error":"quota exceeded"}`, rec.Body.String())
	})

	t.Run("unknown error is 500", func(t *testing.T) {
		rec := httptest.NewRecorder()
		HandleError(rec, errors.New("boom"))
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	})
}
