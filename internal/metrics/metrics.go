package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stockpulse_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stockpulse_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	QuotaConsumeTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stockpulse_quota_consume_total",
			Help: "Quota consume calls by resource and outcome.",
		},
		[]string{"resource", "outcome"},
	)

	QuotaTxRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stockpulse_quota_tx_retries_total",
			Help: "Quota store transactions retried after a conflict.",
		},
	)

	QuotaCacheRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stockpulse_quota_cache_requests_total",
			Help: "Quota read cache lookups by result (hit, miss, error).",
		},
		[]string{"result"},
	)

	QuotaRolloversTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stockpulse_quota_rollovers_total",
			Help: "Quota periods rolled over lazily on check or consume.",
		},
	)

	QuotaBulkResetUsersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stockpulse_quota_bulk_reset_users_total",
			Help: "Users processed by bulk resets and scheduled rollovers, by result.",
		},
		[]string{"result"},
	)

	UsageHistoryFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stockpulse_usage_history_failures_total",
			Help: "Usage history appends that failed and were dropped.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		QuotaConsumeTotal,
		QuotaTxRetriesTotal,
		QuotaCacheRequestsTotal,
		QuotaRolloversTotal,
		QuotaBulkResetUsersTotal,
		UsageHistoryFailuresTotal,
	)
}
