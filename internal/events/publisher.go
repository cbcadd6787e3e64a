package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/stockpulse/quota/internal/metrics"
	"github.com/stockpulse/quota/internal/quota"
)

const publishTimeout = 5 * time.Second

// publisher is the subset of jetstream.JetStream used for publishing.
type publisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// UsagePublisher hands committed usage to JetStream for the history consumer.
// It satisfies quota.Recorder.
type UsagePublisher struct {
	js  publisher
	now func() time.Time
}

// NewUsagePublisher creates a new UsagePublisher.
func NewUsagePublisher(js publisher) *UsagePublisher {
	return &UsagePublisher{js: js, now: time.Now}
}

var _ quota.Recorder = (*UsagePublisher)(nil)

// Append publishes the usage event. Failures are logged and dropped.
func (p *UsagePublisher) Append(ctx context.Context, userID, resource string, ev quota.UsageEvent) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	msg := UsageRecorded{
		UserID:       userID,
		ResourceType: resource,
		Event:        ev,
		PublishedAt:  p.now().UTC(),
	}
	if err := p.publish(ctx, SubjectUsageRecorded, msg); err != nil {
		metrics.UsageHistoryFailuresTotal.Inc()
		slog.Error("usage publisher: dropping usage event", "user_id", userID, "resource", resource, "error", err)
	}
}

func (p *UsagePublisher) publish(ctx context.Context, subject string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshaling event for %s: %w", subject, err)
	}
	_, err = p.js.Publish(ctx, subject, payload)
	if err != nil {
		return fmt.Errorf("publishing to %s: %w", subject, err)
	}
	return nil
}
