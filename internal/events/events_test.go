package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stockpulse/quota/internal/quota"
)

type fakeJS struct {
	mu       sync.Mutex
	subjects []string
	payloads [][]byte
	err      error
}

func (f *fakeJS) Publish(_ context.Context, subject string, data []byte, _ ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.subjects = append(f.subjects, subject)
	f.payloads = append(f.payloads, data)
	return &jetstream.PubAck{Stream: StreamQuotaEvents}, nil
}

type recorded struct {
	userID   string
	resource string
	ev       quota.UsageEvent
}

type fakeWriter struct {
	calls []recorded
	err   error
}

func (f *fakeWriter) Record(_ context.Context, userID, resource string, ev quota.UsageEvent) error {
	if f.err != nil {
		return f.err
	}
	f.calls = append(f.calls, recorded{userID, resource, ev})
	return nil
}

func TestUsagePublisher_PublishesToUsageSubject(t *testing.T) {
	js := &fakeJS{}
	pub := NewUsagePublisher(js)
	ts := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

	pub.Append(context.Background(), "user-1", "stock_report", quota.UsageEvent{
		SubjectID:  "AAPL",
		Status:     "success",
		DurationMs: 1200,
		Timestamp:  ts,
	})

	require.Len(t, js.subjects, 1)
	assert.Equal(t, SubjectUsageRecorded, js.subjects[0])

	w := &fakeWriter{}
	c := NewUsageConsumer(nil, w)
	require.NoError(t, c.handle(context.Background(), js.payloads[0]))

	require.Len(t, w.calls, 1)
	assert.Equal(t, "user-1", w.calls[0].userID)
	assert.Equal(t, "stock_report", w.calls[0].resource)
	assert.Equal(t, "AAPL", w.calls[0].ev.SubjectID)
	assert.Equal(t, int64(1200), w.calls[0].ev.DurationMs)
	assert.True(t, ts.Equal(w.calls[0].ev.Timestamp))
}

func TestUsagePublisher_SwallowsPublishErrors(t *testing.T) {
	js := &fakeJS{err: errors.New("no responders")}
	pub := NewUsagePublisher(js)

	assert.NotPanics(t, func() {
		pub.Append(context.Background(), "user-1", "stock_report", quota.UsageEvent{})
	})
	assert.Empty(t, js.payloads)
}

func TestUsageConsumer_Handle(t *testing.T) {
	t.Run("malformed payload", func(t *testing.T) {
		c := NewUsageConsumer(nil, &fakeWriter{})
		err := c.handle(context.Background(), []byte("{not json"))
		assert.ErrorIs(t, err, errMalformed)
	})

	t.Run("missing user", func(t *testing.T) {
		c := NewUsageConsumer(nil, &fakeWriter{})
		err := c.handle(context.Background(), []byte(`{"resource_type":"stock_report"}`))
		assert.ErrorIs(t, err, errMalformed)
	})

	t.Run("writer failure is retryable", func(t *testing.T) {
		c := NewUsageConsumer(nil, &fakeWriter{err: errors.New("db down")})
		err := c.handle(context.Background(), []byte(`{"user_id":"u1","resource_type":"stock_report"}`))
		require.Error(t, err)
		assert.NotErrorIs(t, err, errMalformed)
	})
}

func TestUsagePipeline_FeedsHistoryRecorder(t *testing.T) {
	store := quota.NewMemoryStore(0)
	recorder := quota.NewHistoryRecorder(store)
	js := &fakeJS{}
	pub := NewUsagePublisher(js)
	c := NewUsageConsumer(nil, recorder)

	ts := time.Date(2026, 5, 2, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		pub.Append(context.Background(), "user-9", "stock_report", quota.UsageEvent{Timestamp: ts})
	}
	for _, p := range js.payloads {
		require.NoError(t, c.handle(context.Background(), p))
	}

	summary, err := recorder.Stats(context.Background(), "user-9", "2026-05")
	require.NoError(t, err)
	assert.Equal(t, 3, summary.TotalCount)
	assert.Equal(t, "2026-05-02", summary.PeakDay)
}

func TestUsageStream_CoversUsageSubject(t *testing.T) {
	cfg := usageStream()
	assert.Equal(t, StreamQuotaEvents, cfg.Name)
	assert.Equal(t, []string{SubjectUsageRecorded}, cfg.Subjects)
	assert.Equal(t, jetstream.FileStorage, cfg.Storage)
	assert.Greater(t, cfg.MaxAge, 31*24*time.Hour)
}
