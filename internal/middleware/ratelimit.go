package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// slidingWindow trims the window, counts, and records the request only when it
// is admitted. Returns {admitted, used}.
var slidingWindow = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', now - window)
local used = redis.call('ZCARD', KEYS[1])
if used >= limit then
  return {0, used}
end
redis.call('ZADD', KEYS[1], now, ARGV[4])
redis.call('PEXPIRE', KEYS[1], window + 1000)
return {1, used + 1}
`)

// RateLimiter throttles callers per client IP with a Redis sorted-set sliding
// window. It guards the HTTP surface only; quota limits are enforced by the
// quota service.
type RateLimiter struct {
	client redis.Cmdable
	prefix string
	limit  int
	window time.Duration
	now    func() time.Time
}

// NewRateLimiter allows maxReqs requests per windowSec seconds. Limiters with
// different prefixes count independently.
func NewRateLimiter(client redis.Cmdable, prefix string, maxReqs, windowSec int) *RateLimiter {
	return &RateLimiter{
		client: client,
		prefix: prefix,
		limit:  maxReqs,
		window: time.Duration(windowSec) * time.Second,
		now:    time.Now,
	}
}

func (rl *RateLimiter) key(ip string) string {
	return "ratelimit:" + rl.prefix + ":" + ip
}

// Middleware rejects callers over the limit with 429. Redis errors let the
// request through.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		admitted, used, err := rl.take(r.Context(), rl.key(ip))
		if err != nil {
			slog.Warn("rate limiter unavailable, admitting request", "ip", ip, "error", err)
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rl.limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(max(rl.limit-used, 0)))
		if !admitted {
			w.Header().Set("Retry-After", strconv.Itoa(int(rl.window.Seconds())))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":"too many requests"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (rl *RateLimiter) take(ctx context.Context, key string) (bool, int, error) {
	now := rl.now()
	res, err := slidingWindow.Run(ctx, rl.client, []string{key},
		now.UnixMilli(), rl.window.Milliseconds(), rl.limit, strconv.FormatInt(now.UnixNano(), 10),
	).Int64Slice()
	if err != nil {
		return false, 0, err
	}
	if len(res) != 2 {
		return false, 0, fmt.Errorf("unexpected rate limit reply %v", res)
	}
	return res[0] == 1, int(res[1]), nil
}

// clientIP prefers the first X-Forwarded-For hop set by the trusted proxy.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
