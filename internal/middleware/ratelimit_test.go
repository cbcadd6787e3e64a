package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRateLimiter(t *testing.T, prefix string, maxReqs, windowSec int) (*RateLimiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRateLimiter(client, prefix, maxReqs, windowSec), mr
}

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func hit(h http.Handler, remoteAddr string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/quota/stock_report/consume", nil)
	req.RemoteAddr = remoteAddr
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRateLimiter_AdmitsUpToLimit(t *testing.T) {
	rl, _ := setupRateLimiter(t, "api", 3, 60)
	h := rl.Middleware(okHandler)

	for i := 1; i <= 3; i++ {
		rec := hit(h, "10.0.0.1:5000")
		require.Equal(t, http.StatusOK, rec.Code, "request %d", i)
		assert.Equal(t, "3", rec.Header().Get("X-RateLimit-Limit"))
		assert.Equal(t, string(rune('0'+3-i)), rec.Header().Get("X-RateLimit-Remaining"))
	}

	rec := hit(h, "10.0.0.1:5000")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
	assert.JSONEq(t, `{"error":"too many requests"}`, rec.Body.String())
}

func TestRateLimiter_RejectedRequestsDoNotExtendWindow(t *testing.T) {
	rl, _ := setupRateLimiter(t, "api", 1, 60)
	base := time.Date(2026, 4, 15, 12, 0, 0, 0, time.UTC)
	now := base
	rl.now = func() time.Time { return now }
	h := rl.Middleware(okHandler)

	require.Equal(t, http.StatusOK, hit(h, "10.0.0.2:1").Code)
	now = base.Add(30 * time.Second)
	require.Equal(t, http.StatusTooManyRequests, hit(h, "10.0.0.2:1").Code)

	now = base.Add(61 * time.Second)
	assert.Equal(t, http.StatusOK, hit(h, "10.0.0.2:1").Code)
}

func TestRateLimiter_CountsPerClient(t *testing.T) {
	rl, _ := setupRateLimiter(t, "api", 1, 60)
	h := rl.Middleware(okHandler)

	require.Equal(t, http.StatusOK, hit(h, "1.1.1.1:1").Code)
	require.Equal(t, http.StatusTooManyRequests, hit(h, "1.1.1.1:1").Code)
	assert.Equal(t, http.StatusOK, hit(h, "2.2.2.2:1").Code)
}

func TestRateLimiter_AdmitsWhenRedisDown(t *testing.T) {
	rl, mr := setupRateLimiter(t, "api", 1, 60)
	mr.Close()

	rec := hit(rl.Middleware(okHandler), "3.3.3.3:1")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("X-RateLimit-Limit"))
}

func TestRateLimiter_PrefixesIndependent(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	api := NewRateLimiter(client, "api", 1, 60).Middleware(okHandler)
	admin := NewRateLimiter(client, "admin", 1, 60).Middleware(okHandler)

	assert.Equal(t, http.StatusOK, hit(api, "4.4.4.4:1").Code)
	assert.Equal(t, http.StatusTooManyRequests, hit(api, "4.4.4.4:1").Code)
	assert.Equal(t, http.StatusOK, hit(admin, "4.4.4.4:1").Code)
	assert.True(t, mr.Exists("ratelimit:api:4.4.4.4"))
	assert.True(t, mr.Exists("ratelimit:admin:4.4.4.4"))
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		remote  string
		want    string
	}{
		{"forwarded first hop", map[string]string{"X-Forwarded-For": " 9.9.9.9 , 10.0.0.1"}, "127.0.0.1:1", "9.9.9.9"},
		{"real ip", map[string]string{"X-Real-IP": "8.8.8.8"}, "127.0.0.1:1", "8.8.8.8"},
		{"remote addr", nil, "7.7.7.7:443", "7.7.7.7"},
		{"remote without port", nil, "7.7.7.7", "7.7.7.7"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, clientIP(req))
		})
	}
}
