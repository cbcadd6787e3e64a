package quota

import (
	"fmt"
	"time"
)

const periodLayout = "2006-01"

// MonthBounds returns the UTC calendar month containing t as [start, end).
func MonthBounds(t time.Time) (time.Time, time.Time) {
	t = t.UTC()
	start := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 1, 0)
}

// PeriodKey formats the "YYYY-MM" key of the month containing t.
func PeriodKey(t time.Time) string {
	return t.UTC().Format(periodLayout)
}

// ParsePeriod validates a "YYYY-MM" key and returns its bounds.
func ParsePeriod(period string) (time.Time, time.Time, error) {
	t, err := time.Parse(periodLayout, period)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: %q", ErrInvalidPeriod, period)
	}
	start, end := MonthBounds(t)
	return start, end, nil
}

func dayKey(t time.Time) string {
	return t.UTC().Format(time.DateOnly)
}
