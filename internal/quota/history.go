package quota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/stockpulse/quota/internal/metrics"
)

const defaultAppendTimeout = 5 * time.Second

// HistoryRecorder keeps the per-month usage history next to the authoritative
// counters. It never gates consumption.
type HistoryRecorder struct {
	store   HistoryStore
	timeout time.Duration
	logger  *slog.Logger
	now     func() time.Time
}

// NewHistoryRecorder creates a recorder backed by store.
func NewHistoryRecorder(store HistoryStore) *HistoryRecorder {
	return &HistoryRecorder{
		store:   store,
		timeout: defaultAppendTimeout,
		logger:  slog.Default().With("component", "usage_history"),
		now:     time.Now,
	}
}

// Append records ev and logs any failure instead of returning it.
func (r *HistoryRecorder) Append(ctx context.Context, userID, resource string, ev UsageEvent) {
	if err := r.Record(ctx, userID, resource, ev); err != nil {
		metrics.UsageHistoryFailuresTotal.Inc()
		r.logger.Error("recording usage failed", "user_id", userID, "resource", resource, "error", err)
	}
}

// Record appends ev to the period containing its timestamp and refreshes the
// period's daily counters and summary. It runs detached from ctx's
// cancellation under its own timeout.
func (r *HistoryRecorder) Record(ctx context.Context, userID, resource string, ev UsageEvent) error {
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = r.now()
	}
	ts = ts.UTC()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()

	entry := UsageEntry{
		ID:           uuid.New(),
		ResourceType: resource,
		Timestamp:    ts,
		SubjectID:    ev.SubjectID,
		Status:       ev.Status,
		DurationMs:   ev.DurationMs,
	}

	err := r.store.UpdatePeriod(ctx, userID, PeriodKey(ts), func(rec *UsagePeriodRecord) error {
		rec.Entries = append(rec.Entries, entry)

		day := dayKey(ts)
		counts, ok := rec.DailyCounts[day]
		if !ok {
			counts = make(map[string]int)
			rec.DailyCounts[day] = counts
		}
		counts[resource]++

		rec.Summary = summarize(rec.DailyCounts)
		return nil
	})
	if err != nil {
		return fmt.Errorf("appending usage entry: %w", err)
	}
	return nil
}

// Stats returns the summary of period, or a zero summary if nothing was
// recorded for it.
func (r *HistoryRecorder) Stats(ctx context.Context, userID, period string) (PeriodSummary, error) {
	if _, _, err := ParsePeriod(period); err != nil {
		return PeriodSummary{}, err
	}
	rec, err := r.store.GetPeriod(ctx, userID, period)
	if errors.Is(err, ErrNotFound) {
		return PeriodSummary{ByResource: map[string]int{}}, nil
	}
	if err != nil {
		return PeriodSummary{}, fmt.Errorf("loading usage period: %w", err)
	}
	return rec.Summary, nil
}

// summarize rebuilds a period summary from its per-day counters. The peak day
// is the earliest day with the highest total; the daily average spreads the
// total over the days elapsed up to the latest recorded day.
func summarize(daily map[string]map[string]int) PeriodSummary {
	sum := PeriodSummary{ByResource: map[string]int{}}
	days := slices.Sorted(maps.Keys(daily))

	for _, day := range days {
		dayTotal := 0
		for r, n := range daily[day] {
			sum.ByResource[r] += n
			dayTotal += n
		}
		sum.TotalCount += dayTotal
		if dayTotal > sum.PeakDayCount {
			sum.PeakDay = day
			sum.PeakDayCount = dayTotal
		}
	}

	if len(days) > 0 {
		if last, err := time.Parse(time.DateOnly, days[len(days)-1]); err == nil {
			sum.AverageDaily = float64(sum.TotalCount) / float64(last.Day())
		}
	}
	return sum
}
