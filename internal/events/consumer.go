package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/stockpulse/quota/internal/quota"
)

var errMalformed = errors.New("malformed usage event")

// UsageWriter persists usage history; quota.HistoryRecorder implements it.
type UsageWriter interface {
	Record(ctx context.Context, userID, resource string, ev quota.UsageEvent) error
}

// UsageConsumer feeds UsageRecorded events into the usage history.
type UsageConsumer struct {
	js     jetstream.JetStream
	writer UsageWriter
}

// NewUsageConsumer creates a new UsageConsumer.
func NewUsageConsumer(js jetstream.JetStream, writer UsageWriter) *UsageConsumer {
	return &UsageConsumer{js: js, writer: writer}
}

func (c *UsageConsumer) ensureConsumer(ctx context.Context) (jetstream.Consumer, error) {
	cfg := jetstream.ConsumerConfig{
		Durable:       ConsumerUsageHistory,
		FilterSubject: SubjectUsageRecorded,
		AckPolicy:     jetstream.AckExplicitPolicy,
		MaxDeliver:    5,
	}
	consumer, err := c.js.CreateOrUpdateConsumer(ctx, StreamQuotaEvents, cfg)
	if err != nil {
		return nil, fmt.Errorf("ensuring consumer %s on %s: %w", cfg.Durable, StreamQuotaEvents, err)
	}
	return consumer, nil
}

// Start begins the consume loop. Blocks until ctx is cancelled.
func (c *UsageConsumer) Start(ctx context.Context) error {
	consumer, err := c.ensureConsumer(ctx)
	if err != nil {
		return err
	}

	slog.Info("usage consumer started", "consumer", ConsumerUsageHistory)

	for {
		msgs, err := consumer.Fetch(10, jetstream.FetchMaxWait(FetchTimeout))
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.Debug("usage consumer: fetching events", "error", err)
			continue
		}

		for msg := range msgs.Messages() {
			c.handleMsg(ctx, msg)
		}

		if ctx.Err() != nil {
			return nil
		}
	}
}

func (c *UsageConsumer) handleMsg(ctx context.Context, msg jetstream.Msg) {
	err := c.handle(ctx, msg.Data())
	switch {
	case err == nil:
		_ = msg.Ack()
	case errors.Is(err, errMalformed):
		slog.Error("usage consumer: discarding event", "error", err)
		_ = msg.Term()
	default:
		slog.Error("usage consumer: recording event", "error", err)
		_ = msg.Nak()
	}
}

func (c *UsageConsumer) handle(ctx context.Context, data []byte) error {
	var event UsageRecorded
	if err := json.Unmarshal(data, &event); err != nil {
		return fmt.Errorf("%w: %v", errMalformed, err)
	}
	if event.UserID == "" || event.ResourceType == "" {
		return fmt.Errorf("%w: missing user or resource", errMalformed)
	}

	if err := c.writer.Record(ctx, event.UserID, event.ResourceType, event.Event); err != nil {
		return err
	}

	slog.Debug("usage consumer: recorded event",
		"user_id", event.UserID,
		"resource", event.ResourceType,
	)
	return nil
}
