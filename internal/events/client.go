package events

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/stockpulse/quota/internal/config"
)

// usageRetention covers the longest period the history consumer can lag
// before events stop counting toward a month's statistics.
const usageRetention = 35 * 24 * time.Hour

// Client owns the NATS connection used when usage history is recorded
// asynchronously.
type Client struct {
	conn *nats.Conn
	js   jetstream.JetStream
}

// NewClient dials NATS and declares the usage stream. The connection keeps
// retrying in the background, so a NATS outage at startup does not block
// quota enforcement.
func NewClient(ctx context.Context, cfg config.NATSConfig) (*Client, error) {
	nc, err := nats.Connect(cfg.URL,
		nats.Name("stockpulse-quota"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("nats connection lost, usage events buffered", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("nats connection restored", "server", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("dialing nats %s: %w", cfg.URL, err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream: %w", err)
	}

	if _, err := js.CreateOrUpdateStream(ctx, usageStream()); err != nil {
		nc.Close()
		return nil, fmt.Errorf("declaring stream %s: %w", StreamQuotaEvents, err)
	}

	slog.Info("usage stream ready", "url", cfg.URL, "stream", StreamQuotaEvents)
	return &Client{conn: nc, js: js}, nil
}

func usageStream() jetstream.StreamConfig {
	return jetstream.StreamConfig{
		Name:        StreamQuotaEvents,
		Description: "committed quota consumption, feeds usage history",
		Subjects:    []string{SubjectUsageRecorded},
		Retention:   jetstream.LimitsPolicy,
		Storage:     jetstream.FileStorage,
		MaxAge:      usageRetention,
		Duplicates:  2 * time.Minute,
	}
}

func (c *Client) JetStream() jetstream.JetStream { return c.js }

// Healthy backs the nats readiness check.
func (c *Client) Healthy() bool { return c.conn.IsConnected() }

// Close flushes pending publishes before disconnecting.
func (c *Client) Close() {
	if err := c.conn.Drain(); err != nil {
		slog.Warn("nats drain failed", "error", err)
	}
}
