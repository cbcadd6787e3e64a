package config

import (
	"strings"
	"testing"
	"time"
)

func validConfig() *Config {
	return &Config{
		Server: ServerConfig{Host: "0.0.0.0", Port: 8080},
		DB: DBConfig{
			Host: "localhost", Port: 5432, User: "stockpulse",
			Password: "secret", Name: "stockpulse", SSLMode: "disable", MaxConns: 25,
		},
		Redis: RedisConfig{Host: "localhost", Port: 6379},
		JWT:   JWTConfig{AccessSecret: "access-secret-that-is-at-least-32-chars!"},
		Quota: QuotaConfig{
			Store:             "postgres",
			Cache:             "redis",
			CacheTTL:          30 * time.Second,
			MaxTxAttempts:     16,
			DefaultPlan:       "free",
			BulkResetSchedule: "0 0 1 * *",
			HistoryMode:       "direct",
		},
	}
}

func TestValidate_ValidConfig(t *testing.T) {
	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
}

func TestValidate_JWTAccessSecretTooShort(t *testing.T) {
	cfg := validConfig()
	cfg.JWT.AccessSecret = "short"
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "JWT_ACCESS_SECRET") {
		t.Fatalf("expected JWT_ACCESS_SECRET error, got: %v", err)
	}
}

func TestValidate_DBPasswordRequiredForPostgres(t *testing.T) {
	cfg := validConfig()
	cfg.DB.Password = ""
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "DB_PASSWORD") {
		t.Fatalf("expected DB_PASSWORD error, got: %v", err)
	}
}

func TestValidate_MemoryStoreNeedsNoPassword(t *testing.T) {
	cfg := validConfig()
	cfg.DB.Password = ""
	cfg.Quota.Store = "memory"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
}

func TestValidate_UnknownBackends(t *testing.T) {
	cfg := validConfig()
	cfg.Quota.Store = "firestore"
	cfg.Quota.Cache = "memcached"
	cfg.Quota.HistoryMode = "kafka"
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected backend validation errors")
	}
	for _, substr := range []string{"QUOTA_STORE", "QUOTA_CACHE", "HISTORY_MODE"} {
		if !strings.Contains(err.Error(), substr) {
			t.Errorf("expected %q in error: %v", substr, err)
		}
	}
}

func TestValidate_NATSHistoryNeedsURL(t *testing.T) {
	cfg := validConfig()
	cfg.Quota.HistoryMode = "nats"
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "NATS_URL") {
		t.Fatalf("expected NATS_URL error, got: %v", err)
	}

	cfg.NATS.URL = "nats://localhost:4222"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
}

func TestValidate_CacheTTLOutOfRange(t *testing.T) {
	cfg := validConfig()
	cfg.Quota.CacheTTL = 10 * time.Minute
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "QUOTA_CACHE_TTL") {
		t.Fatalf("expected QUOTA_CACHE_TTL error, got: %v", err)
	}
}

func TestValidate_InvalidCronSchedule(t *testing.T) {
	cfg := validConfig()
	cfg.Quota.BulkResetSchedule = "every month please"
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "QUOTA_BULK_RESET_SCHEDULE") {
		t.Fatalf("expected QUOTA_BULK_RESET_SCHEDULE error, got: %v", err)
	}
}

func TestValidate_EmptyScheduleDisablesScheduler(t *testing.T) {
	cfg := validConfig()
	cfg.Quota.BulkResetSchedule = ""
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
}

func TestValidate_MultipleErrors(t *testing.T) {
	cfg := &Config{
		Server: ServerConfig{Port: 0},
		DB:     DBConfig{Port: 99999},
		Redis:  RedisConfig{Port: 6379},
		Quota:  QuotaConfig{Store: "postgres", Cache: "redis", HistoryMode: "direct"},
	}
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected multiple validation errors")
	}
	errStr := err.Error()
	for _, substr := range []string{"JWT_ACCESS_SECRET", "DB_PASSWORD", "QUOTA_MAX_TX_ATTEMPTS", "SERVER_PORT", "DB_PORT"} {
		if !strings.Contains(errStr, substr) {
			t.Errorf("expected %q in error: %s", substr, errStr)
		}
	}
}
