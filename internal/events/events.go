package events

import (
	"time"

	"github.com/stockpulse/quota/internal/quota"
)

// FetchTimeout is the default timeout for batch fetching messages from consumers.
const FetchTimeout = 2 * time.Second

// Stream names.
const (
	StreamQuotaEvents = "QUOTA_EVENTS"
)

// Subject constants.
const (
	SubjectUsageRecorded = "quota.events.usage"
)

// Durable consumer names.
const (
	ConsumerUsageHistory = "usage-history"
)

// UsageRecorded is published after a consume committed.
type UsageRecorded struct {
	UserID       string           `json:"user_id"`
	ResourceType string           `json:"resource_type"`
	Event        quota.UsageEvent `json:"event"`
	PublishedAt  time.Time        `json:"published_at"`
}
