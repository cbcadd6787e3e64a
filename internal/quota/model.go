package quota

import (
	"maps"
	"time"

	"github.com/google/uuid"

	"github.com/stockpulse/quota/internal/plans"
)

// UserQuota is the per-user quota document. Usage and LifetimeStats are only
// incremented through Store.Transact.
type UserQuota struct {
	UserID           string         `json:"user_id"`
	PlanID           string         `json:"plan_id"`
	PlanUpdatedAt    time.Time      `json:"plan_updated_at"`
	Limits           map[string]int `json:"limits"`
	Usage            map[string]int `json:"usage"`
	PeriodStart      time.Time      `json:"period_start"`
	PeriodEnd        time.Time      `json:"period_end"`
	LastReset        time.Time      `json:"last_reset"`
	IsSuspended      bool           `json:"is_suspended"`
	SuspensionReason string         `json:"suspension_reason,omitempty"`
	LifetimeStats    map[string]int `json:"lifetime_stats"`
	Version          int64          `json:"version"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// Clone returns a deep copy.
func (q *UserQuota) Clone() *UserQuota {
	if q == nil {
		return nil
	}
	c := *q
	c.Limits = maps.Clone(q.Limits)
	c.Usage = maps.Clone(q.Usage)
	c.LifetimeStats = maps.Clone(q.LifetimeStats)
	return &c
}

// Expired reports whether the stored period has elapsed at now. The period
// end itself already belongs to the next period.
func (q *UserQuota) Expired(now time.Time) bool {
	return !now.Before(q.PeriodEnd)
}

// rollover zeroes usage and moves the document into the period containing now.
func (q *UserQuota) rollover(now time.Time) {
	q.Usage = zeroUsage(q.Limits, q.Usage)
	q.PeriodStart, q.PeriodEnd = MonthBounds(now)
	q.LastReset = now
	q.UpdatedAt = now
}

// applyLimits installs limits and lowers usage to any finite limit it now
// exceeds. Lifetime stats keep the full count.
func (q *UserQuota) applyLimits(limits map[string]int) {
	q.Limits = limits
	for r, limit := range limits {
		if !plans.IsUnlimited(limit) && q.Usage[r] > limit {
			q.Usage[r] = limit
		}
	}
}

func zeroUsage(limits, usage map[string]int) map[string]int {
	out := make(map[string]int, len(limits))
	for r := range limits {
		out[r] = 0
	}
	for r := range usage {
		out[r] = 0
	}
	return out
}

// Fields is a partial update applied by Store.Update. Nil members are left
// untouched.
type Fields struct {
	PlanID           *string
	PlanUpdatedAt    *time.Time
	Limits           map[string]int
	Usage            map[string]int
	PeriodStart      *time.Time
	PeriodEnd        *time.Time
	LastReset        *time.Time
	IsSuspended      *bool
	SuspensionReason *string
}

func (f Fields) empty() bool {
	return f.PlanID == nil && f.PlanUpdatedAt == nil && f.Limits == nil && f.Usage == nil &&
		f.PeriodStart == nil && f.PeriodEnd == nil && f.LastReset == nil &&
		f.IsSuspended == nil && f.SuspensionReason == nil
}

func (f Fields) apply(q *UserQuota) {
	if f.PlanID != nil {
		q.PlanID = *f.PlanID
	}
	if f.PlanUpdatedAt != nil {
		q.PlanUpdatedAt = *f.PlanUpdatedAt
	}
	if f.Limits != nil {
		q.Limits = maps.Clone(f.Limits)
	}
	if f.Usage != nil {
		q.Usage = maps.Clone(f.Usage)
	}
	if f.PeriodStart != nil {
		q.PeriodStart = *f.PeriodStart
	}
	if f.PeriodEnd != nil {
		q.PeriodEnd = *f.PeriodEnd
	}
	if f.LastReset != nil {
		q.LastReset = *f.LastReset
	}
	if f.IsSuspended != nil {
		q.IsSuspended = *f.IsSuspended
	}
	if f.SuspensionReason != nil {
		q.SuspensionReason = *f.SuspensionReason
	}
}

// UsageEvent is the metadata a report pipeline supplies when it consumes a unit.
type UsageEvent struct {
	SubjectID  string    `json:"subject_id" validate:"max=64"`
	Status     string    `json:"status" validate:"omitempty,oneof=success failed partial"`
	DurationMs int64     `json:"duration_ms" validate:"min=0"`
	Timestamp  time.Time `json:"timestamp"`
}

// UsageEntry is one recorded use inside a UsagePeriodRecord.
type UsageEntry struct {
	ID           uuid.UUID `json:"id"`
	ResourceType string    `json:"resource_type"`
	Timestamp    time.Time `json:"timestamp"`
	SubjectID    string    `json:"subject_id,omitempty"`
	Status       string    `json:"status,omitempty"`
	DurationMs   int64     `json:"duration_ms"`
}

// PeriodSummary aggregates a period's entries.
type PeriodSummary struct {
	TotalCount   int            `json:"total_count"`
	ByResource   map[string]int `json:"by_resource"`
	PeakDay      string         `json:"peak_day,omitempty"`
	PeakDayCount int            `json:"peak_day_count"`
	AverageDaily float64        `json:"average_daily"`
}

// UsagePeriodRecord is the per-user, per-month usage history document.
type UsagePeriodRecord struct {
	Period      string                    `json:"period"`
	UserID      string                    `json:"user_id"`
	Entries     []UsageEntry              `json:"entries"`
	DailyCounts map[string]map[string]int `json:"daily_counts"`
	Summary     PeriodSummary             `json:"summary"`
	CreatedAt   time.Time                 `json:"created_at"`
	UpdatedAt   time.Time                 `json:"updated_at"`
}

func newPeriodRecord(userID, period string, now time.Time) *UsagePeriodRecord {
	return &UsagePeriodRecord{
		Period:      period,
		UserID:      userID,
		Entries:     []UsageEntry{},
		DailyCounts: map[string]map[string]int{},
		Summary:     PeriodSummary{ByResource: map[string]int{}},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Info describes a user's standing for one resource.
type Info struct {
	HasQuota    bool        `json:"has_quota"`
	Limit       int         `json:"limit"`
	Used        int         `json:"used"`
	Remaining   int         `json:"remaining"`
	Unlimited   bool        `json:"unlimited"`
	PeriodStart time.Time   `json:"period_start"`
	PeriodEnd   time.Time   `json:"period_end"`
	PlanID      string      `json:"plan_id"`
	Reason      string      `json:"reason,omitempty"`
	Suspension  string      `json:"suspension_reason,omitempty"`
	Upgrade     *plans.Plan `json:"upgrade,omitempty"`
}

// Reasons reported in Info.Reason.
const (
	ReasonSuspended = "suspended"
	ReasonExceeded  = "exceeded"
)

// Outcome tags a ConsumeResult.
type Outcome int

const (
	OutcomeGranted Outcome = iota
	OutcomeExceeded
	OutcomeSuspended
)

func (o Outcome) String() string {
	switch o {
	case OutcomeGranted:
		return "granted"
	case OutcomeExceeded:
		return "exceeded"
	case OutcomeSuspended:
		return "suspended"
	default:
		return "unknown"
	}
}

// ConsumeResult is the outcome of Service.Consume. Exceeded and suspended are
// expected outcomes, not errors.
type ConsumeResult struct {
	Outcome     Outcome        `json:"-"`
	Info        Info           `json:"info"`
	QuotaUsed   map[string]int `json:"quota_used,omitempty"`
	QuotaLimits map[string]int `json:"quota_limits,omitempty"`
}

// Granted reports whether a unit was consumed.
func (r ConsumeResult) Granted() bool {
	return r.Outcome == OutcomeGranted
}

// Err converts a denied outcome into an error for callers that branch on errors.
func (r ConsumeResult) Err() error {
	switch r.Outcome {
	case OutcomeExceeded:
		return &ExceededError{Info: r.Info}
	case OutcomeSuspended:
		return &SuspendedError{Reason: r.Info.Suspension}
	default:
		return nil
	}
}

// UsageStats is the reporting view of a user's quota.
type UsageStats struct {
	PlanID        string         `json:"plan_id"`
	Limits        map[string]int `json:"limits"`
	Usage         map[string]int `json:"usage"`
	PeriodStart   time.Time      `json:"period_start"`
	PeriodEnd     time.Time      `json:"period_end"`
	LastReset     time.Time      `json:"last_reset"`
	LifetimeStats map[string]int `json:"lifetime_stats"`
	IsSuspended   bool           `json:"is_suspended"`
	History       *PeriodSummary `json:"history,omitempty"`
}

// AdminUpdate holds the operator-editable fields of a quota document.
type AdminUpdate struct {
	PlanID           *string        `json:"plan_id" validate:"omitempty,min=1,max=64"`
	IsSuspended      *bool          `json:"is_suspended"`
	SuspensionReason *string        `json:"suspension_reason" validate:"omitempty,max=500"`
	Limits           map[string]int `json:"limits" validate:"omitempty,dive,min=-1"`
}

// BulkResetResult reports the outcome of a bulk reset or rollover.
type BulkResetResult struct {
	ResetCount   int `json:"reset_count"`
	SkippedCount int `json:"skipped_count,omitempty"`
	FailedCount  int `json:"failed_count"`
}
