package quota

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingRoller struct {
	calls atomic.Int32
}

func (r *countingRoller) BulkRollover(context.Context) (BulkResetResult, error) {
	r.calls.Add(1)
	return BulkResetResult{ResetCount: 1}, nil
}

func TestScheduler_RunsOnSchedule(t *testing.T) {
	roller := &countingRoller{}
	s := NewScheduler(roller, "@every 1s")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Start(ctx))
	assert.True(t, s.IsRunning())
	require.NotNil(t, s.NextRun())

	assert.Eventually(t, func() bool { return roller.calls.Load() >= 1 }, 3*time.Second, 50*time.Millisecond)

	cancel()
	assert.Eventually(t, func() bool { return !s.IsRunning() }, time.Second, 10*time.Millisecond)
	assert.Nil(t, s.NextRun())
}

func TestScheduler_EmptyScheduleIsIdle(t *testing.T) {
	s := NewScheduler(&countingRoller{}, "")
	require.NoError(t, s.Start(context.Background()))
	assert.False(t, s.IsRunning())
	assert.Nil(t, s.NextRun())
	s.Stop()
}

func TestScheduler_InvalidSchedule(t *testing.T) {
	s := NewScheduler(&countingRoller{}, "every tuesday")
	err := s.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid cron schedule")
	assert.False(t, s.IsRunning())
}

func TestScheduler_MonthlyNextRun(t *testing.T) {
	s := NewScheduler(&countingRoller{}, "0 0 1 * *")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Start(ctx))
	defer s.Stop()

	next := s.NextRun()
	require.NotNil(t, next)
	assert.Equal(t, 1, next.UTC().Day())
	assert.Equal(t, 0, next.UTC().Hour())
}
