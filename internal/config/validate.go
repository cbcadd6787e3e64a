package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/robfig/cron/v3"
)

// Validate checks Config for production-critical problems.
// It collects all errors into a single joined error.
func (c *Config) Validate() error {
	var errs []string

	// JWT secret
	if len(c.JWT.AccessSecret) < 32 {
		errs = append(errs, "JWT_ACCESS_SECRET must be at least 32 characters")
	}

	// Backends
	switch c.Quota.Store {
	case "postgres":
		if c.DB.Password == "" {
			errs = append(errs, "DB_PASSWORD is required when QUOTA_STORE=postgres")
		}
	case "memory":
		slog.Warn("QUOTA_STORE=memory: quota state is lost on restart and not shared across instances")
	default:
		errs = append(errs, fmt.Sprintf("QUOTA_STORE must be postgres or memory, got %q", c.Quota.Store))
	}

	switch c.Quota.Cache {
	case "redis", "memory", "none":
	default:
		errs = append(errs, fmt.Sprintf("QUOTA_CACHE must be redis, memory or none, got %q", c.Quota.Cache))
	}

	switch c.Quota.HistoryMode {
	case "direct":
	case "nats":
		if c.NATS.URL == "" {
			errs = append(errs, "NATS_URL is required when HISTORY_MODE=nats")
		}
	default:
		errs = append(errs, fmt.Sprintf("HISTORY_MODE must be direct or nats, got %q", c.Quota.HistoryMode))
	}

	// Quota tuning
	if c.Quota.CacheTTL < 0 || c.Quota.CacheTTL.Minutes() > 5 {
		errs = append(errs, fmt.Sprintf("QUOTA_CACHE_TTL must be between 0 and 5m, got %s", c.Quota.CacheTTL))
	}
	if c.Quota.MaxTxAttempts < 1 {
		errs = append(errs, fmt.Sprintf("QUOTA_MAX_TX_ATTEMPTS must be positive, got %d", c.Quota.MaxTxAttempts))
	}
	if c.Quota.BulkResetSchedule != "" {
		if _, err := cron.ParseStandard(c.Quota.BulkResetSchedule); err != nil {
			errs = append(errs, fmt.Sprintf("QUOTA_BULK_RESET_SCHEDULE is not a valid cron expression: %v", err))
		}
	}

	// Port ranges
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("SERVER_PORT must be 1–65535, got %d", c.Server.Port))
	}
	if c.DB.Port < 1 || c.DB.Port > 65535 {
		errs = append(errs, fmt.Sprintf("DB_PORT must be 1–65535, got %d", c.DB.Port))
	}
	if c.Redis.Port < 1 || c.Redis.Port > 65535 {
		errs = append(errs, fmt.Sprintf("REDIS_PORT must be 1–65535, got %d", c.Redis.Port))
	}

	if len(errs) > 0 {
		return errors.New("config validation failed:\n  " + strings.Join(errs, "\n  "))
	}
	return nil
}
