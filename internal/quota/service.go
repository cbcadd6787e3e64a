package quota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/stockpulse/quota/internal/metrics"
	"github.com/stockpulse/quota/internal/plans"
)

const maxUserIDLen = 128

// Recorder receives usage events after a unit has been consumed. Append
// must not fail the caller; implementations log and swallow their errors.
type Recorder interface {
	Append(ctx context.Context, userID, resource string, ev UsageEvent)
}

// HistoryReader exposes period summaries for usage reports.
type HistoryReader interface {
	Stats(ctx context.Context, userID, period string) (PeriodSummary, error)
}

type nopRecorder struct{}

func (nopRecorder) Append(context.Context, string, string, UsageEvent) {}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithCacheTTL sets how long read snapshots stay cached.
func WithCacheTTL(ttl time.Duration) Option {
	return func(s *Service) { s.cacheTTL = ttl }
}

// WithLogger sets the service logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithHistory attaches period summaries to GetUsageStats.
func WithHistory(h HistoryReader) Option {
	return func(s *Service) { s.history = h }
}

// WithAsyncRecording hands usage events to the recorder on a separate
// goroutine. Call Wait before shutdown to drain them.
func WithAsyncRecording() Option {
	return func(s *Service) { s.async = true }
}

// Service implements quota checks, atomic consumption and period rollover
// on top of a Store.
type Service struct {
	store    Store
	cache    Cache
	catalog  *plans.Catalog
	recorder Recorder
	history  HistoryReader
	validate *validator.Validate
	logger   *slog.Logger
	now      func() time.Time
	cacheTTL time.Duration
	async    bool
	pending  sync.WaitGroup
}

// NewService creates a new quota Service. A nil cache disables caching and a
// nil recorder drops usage events.
func NewService(store Store, cache Cache, catalog *plans.Catalog, recorder Recorder, opts ...Option) *Service {
	if cache == nil {
		cache = NopCache{}
	}
	if recorder == nil {
		recorder = nopRecorder{}
	}
	s := &Service{
		store:    store,
		cache:    cache,
		catalog:  catalog,
		recorder: recorder,
		validate: validator.New(),
		logger:   slog.Default().With("component", "quota"),
		now:      time.Now,
		cacheTTL: DefaultCacheTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Catalog returns the plan catalog the service evaluates limits against.
func (s *Service) Catalog() *plans.Catalog {
	return s.catalog
}

func (s *Service) clock() time.Time {
	return s.now().UTC()
}

// invalidate drops every cached snapshot of the user, one per catalog
// resource.
func (s *Service) invalidate(ctx context.Context, userID string) {
	s.cache.Invalidate(ctx, userID, s.catalog.Resources()...)
}

func validUser(userID string) error {
	if userID == "" || len(userID) > maxUserIDLen {
		return fmt.Errorf("%w: %q", ErrInvalidUser, userID)
	}
	return nil
}

func (s *Service) validResource(resource string) error {
	if !s.catalog.KnownResource(resource) {
		return fmt.Errorf("%w: %q", ErrInvalidResource, resource)
	}
	return nil
}

func (s *Service) newQuota(userID, planID string, now time.Time) *UserQuota {
	start, end := MonthBounds(now)
	limits := s.catalog.LimitsFor(planID)
	return &UserQuota{
		UserID:        userID,
		PlanID:        planID,
		PlanUpdatedAt: now,
		Limits:        limits,
		Usage:         zeroUsage(limits, nil),
		PeriodStart:   start,
		PeriodEnd:     end,
		LastReset:     now,
		LifetimeStats: zeroUsage(limits, nil),
		Version:       1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Initialize creates the user's quota document on planID (the default plan
// when empty). If a document already exists, or another caller wins the
// race to create it, the stored document is returned unchanged.
func (s *Service) Initialize(ctx context.Context, userID, planID string) (*UserQuota, error) {
	if err := validUser(userID); err != nil {
		return nil, err
	}
	if planID == "" {
		planID = s.catalog.DefaultPlanID()
	}
	if _, ok := s.catalog.Plan(planID); !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPlan, planID)
	}

	q := s.newQuota(userID, planID, s.clock())
	created, err := s.store.Create(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("initializing quota: %w", err)
	}
	if created {
		s.logger.Info("quota initialized", "user_id", userID, "plan_id", planID)
		return q, nil
	}

	existing, err := s.store.Get(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("reading existing quota: %w", err)
	}
	return existing, nil
}

// current loads the user's document, creating it on first use and rolling
// it into the current period if the stored one has elapsed.
func (s *Service) current(ctx context.Context, userID string) (*UserQuota, error) {
	q, err := s.store.Get(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		q, err = s.Initialize(ctx, userID, "")
	}
	if err != nil {
		return nil, err
	}

	now := s.clock()
	if !q.Expired(now) {
		return q, nil
	}
	q, _, err = s.rollover(ctx, userID, now)
	return q, err
}

// rollover moves an expired document into the current period. The expiry is
// re-checked inside the transaction so concurrent increments in the new
// period are never lost. The boolean reports whether this call moved the
// period.
func (s *Service) rollover(ctx context.Context, userID string, now time.Time) (*UserQuota, bool, error) {
	rolled := false
	q, err := s.store.Transact(ctx, userID, func(cur *UserQuota) (bool, error) {
		rolled = false
		if !cur.Expired(now) {
			return false, nil
		}
		cur.rollover(now)
		rolled = true
		return true, nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("rolling over quota period: %w", err)
	}
	if rolled {
		metrics.QuotaRolloversTotal.Inc()
		s.invalidate(ctx, userID)
		s.logger.Info("quota period rolled over", "user_id", userID, "period", PeriodKey(q.PeriodStart))
	}
	return q, rolled, nil
}

func (s *Service) limitFor(q *UserQuota, resource string) int {
	if limit, ok := q.Limits[resource]; ok {
		return limit
	}
	return s.catalog.LimitsFor(q.PlanID)[resource]
}

func (s *Service) effectiveLimits(q *UserQuota) map[string]int {
	limits := s.catalog.LimitsFor(q.PlanID)
	maps.Copy(limits, q.Limits)
	return limits
}

// info derives the caller-facing standing of q for resource.
func (s *Service) info(q *UserQuota, resource string) Info {
	limit := s.limitFor(q, resource)
	used := q.Usage[resource]
	info := Info{
		HasQuota:    true,
		Limit:       limit,
		Used:        used,
		PeriodStart: q.PeriodStart,
		PeriodEnd:   q.PeriodEnd,
		PlanID:      q.PlanID,
	}

	switch {
	case q.IsSuspended:
		info.HasQuota = false
		info.Reason = ReasonSuspended
		info.Suspension = q.SuspensionReason
		info.Unlimited = plans.IsUnlimited(limit)
	case plans.IsUnlimited(limit):
		info.Unlimited = true
		info.Remaining = plans.Unlimited
	default:
		info.Remaining = max(limit-used, 0)
		if used >= limit {
			info.HasQuota = false
			info.Reason = ReasonExceeded
			if p, ok := s.catalog.UpgradeFor(q.PlanID, resource); ok {
				info.Upgrade = &p
			}
		}
	}
	return info
}

// Check reports whether userID may consume one unit of resource. A suspended
// or exhausted account yields HasQuota=false with Reason set, not an error.
func (s *Service) Check(ctx context.Context, userID, resource string) (Info, error) {
	if err := validUser(userID); err != nil {
		return Info{}, err
	}
	if err := s.validResource(resource); err != nil {
		return Info{}, err
	}

	if q, ok := s.cache.Get(ctx, userID, resource); ok && s.clock().Before(q.PeriodEnd) {
		return s.info(q, resource), nil
	}

	q, err := s.current(ctx, userID)
	if err != nil {
		return Info{}, err
	}
	// A consume committing between the read above and this Put leaves the
	// older snapshot cached for up to cacheTTL. Check is advisory; Consume
	// always decides against the store.
	s.cache.Put(ctx, userID, resource, q, s.cacheTTL)
	return s.info(q, resource), nil
}

// Consume atomically checks the limit and records one unit of resource.
// Exceeded and suspended accounts are reported through the result's Outcome;
// the returned error is reserved for invalid input and store failures.
func (s *Service) Consume(ctx context.Context, userID, resource string, ev UsageEvent) (ConsumeResult, error) {
	if err := validUser(userID); err != nil {
		return ConsumeResult{}, err
	}
	if err := s.validResource(resource); err != nil {
		return ConsumeResult{}, err
	}
	if err := s.validate.Struct(ev); err != nil {
		return ConsumeResult{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}

	res, err := s.consume(ctx, userID, resource)
	if errors.Is(err, ErrNotFound) {
		if _, err = s.Initialize(ctx, userID, ""); err == nil {
			res, err = s.consume(ctx, userID, resource)
		}
	}
	if err != nil {
		metrics.QuotaConsumeTotal.WithLabelValues(resource, "error").Inc()
		return ConsumeResult{}, err
	}

	metrics.QuotaConsumeTotal.WithLabelValues(resource, res.Outcome.String()).Inc()
	if res.Granted() {
		s.record(ctx, userID, resource, ev)
	}
	return res, nil
}

func (s *Service) consume(ctx context.Context, userID, resource string) (ConsumeResult, error) {
	now := s.clock()
	var (
		outcome Outcome
		wrote   bool
		rolled  bool
	)

	q, err := s.store.Transact(ctx, userID, func(cur *UserQuota) (bool, error) {
		outcome, wrote, rolled = OutcomeGranted, false, false

		if cur.IsSuspended {
			outcome = OutcomeSuspended
			return false, nil
		}
		if cur.Expired(now) {
			cur.rollover(now)
			rolled = true
		}

		limit := s.limitFor(cur, resource)
		if !plans.IsUnlimited(limit) && cur.Usage[resource] >= limit {
			outcome = OutcomeExceeded
			wrote = rolled
			return rolled, nil
		}

		if cur.Usage == nil {
			cur.Usage = map[string]int{}
		}
		if cur.LifetimeStats == nil {
			cur.LifetimeStats = map[string]int{}
		}
		cur.Usage[resource]++
		cur.LifetimeStats[resource]++
		cur.UpdatedAt = now
		wrote = true
		return true, nil
	})
	if err != nil {
		return ConsumeResult{}, err
	}

	if wrote {
		s.invalidate(ctx, userID)
	}
	if rolled && wrote {
		metrics.QuotaRolloversTotal.Inc()
	}

	res := ConsumeResult{
		Outcome:     outcome,
		Info:        s.info(q, resource),
		QuotaUsed:   maps.Clone(q.Usage),
		QuotaLimits: s.effectiveLimits(q),
	}
	if outcome == OutcomeGranted {
		res.Info.Reason = ""
		res.Info.Upgrade = nil
	}
	return res, nil
}

func (s *Service) record(ctx context.Context, userID, resource string, ev UsageEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = s.clock()
	}
	rctx := context.WithoutCancel(ctx)
	if !s.async {
		s.recorder.Append(rctx, userID, resource, ev)
		return
	}
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		s.recorder.Append(rctx, userID, resource, ev)
	}()
}

// Wait blocks until asynchronously recorded usage events have been handed off.
func (s *Service) Wait() {
	s.pending.Wait()
}

// Reset zeroes the user's usage and starts a fresh period at now. Lifetime
// stats are untouched.
func (s *Service) Reset(ctx context.Context, userID string) error {
	if err := validUser(userID); err != nil {
		return err
	}

	now := s.clock()
	start, end := MonthBounds(now)
	usage := make(map[string]int)
	for _, r := range s.catalog.Resources() {
		usage[r] = 0
	}

	err := s.store.Update(ctx, userID, Fields{
		Usage:       usage,
		PeriodStart: &start,
		PeriodEnd:   &end,
		LastReset:   &now,
	})
	if err != nil {
		return fmt.Errorf("resetting quota: %w", err)
	}
	s.invalidate(ctx, userID)
	return nil
}

// transactOrInit runs fn in a transaction, creating the user's document first
// if needed.
func (s *Service) transactOrInit(ctx context.Context, userID string, fn TxFunc) error {
	_, err := s.store.Transact(ctx, userID, fn)
	if errors.Is(err, ErrNotFound) {
		if _, err = s.Initialize(ctx, userID, ""); err == nil {
			_, err = s.store.Transact(ctx, userID, fn)
		}
	}
	if err != nil {
		return err
	}
	s.invalidate(ctx, userID)
	return nil
}

// updateOrInit applies f, creating the user's document first if needed.
func (s *Service) updateOrInit(ctx context.Context, userID string, f Fields) error {
	err := s.store.Update(ctx, userID, f)
	if errors.Is(err, ErrNotFound) {
		if _, err = s.Initialize(ctx, userID, ""); err == nil {
			err = s.store.Update(ctx, userID, f)
		}
	}
	if err != nil {
		return err
	}
	s.invalidate(ctx, userID)
	return nil
}

// SetPlan moves the user onto planID and replaces their limits with the
// plan's. On a downgrade, usage above a new limit is lowered to that limit in
// the same transaction, so the account reads as exhausted rather than over.
func (s *Service) SetPlan(ctx context.Context, userID, planID string) error {
	if err := validUser(userID); err != nil {
		return err
	}
	if _, ok := s.catalog.Plan(planID); !ok {
		return fmt.Errorf("%w: %q", ErrInvalidPlan, planID)
	}

	now := s.clock()
	if err := s.transactOrInit(ctx, userID, func(cur *UserQuota) (bool, error) {
		cur.PlanID = planID
		cur.PlanUpdatedAt = now
		cur.applyLimits(s.catalog.LimitsFor(planID))
		cur.UpdatedAt = now
		return true, nil
	}); err != nil {
		return fmt.Errorf("setting plan: %w", err)
	}
	s.logger.Info("plan changed", "user_id", userID, "plan_id", planID)
	return nil
}

// Suspend blocks all consumption for the user until Unsuspend.
func (s *Service) Suspend(ctx context.Context, userID, reason string) error {
	if err := validUser(userID); err != nil {
		return err
	}
	suspended := true
	if err := s.updateOrInit(ctx, userID, Fields{IsSuspended: &suspended, SuspensionReason: &reason}); err != nil {
		return fmt.Errorf("suspending user: %w", err)
	}
	s.logger.Info("user suspended", "user_id", userID, "reason", reason)
	return nil
}

// Unsuspend lifts a suspension and clears its reason.
func (s *Service) Unsuspend(ctx context.Context, userID string) error {
	if err := validUser(userID); err != nil {
		return err
	}
	suspended, reason := false, ""
	if err := s.updateOrInit(ctx, userID, Fields{IsSuspended: &suspended, SuspensionReason: &reason}); err != nil {
		return fmt.Errorf("unsuspending user: %w", err)
	}
	s.logger.Info("user unsuspended", "user_id", userID)
	return nil
}

// GetRemaining returns the units left for resource: plans.Unlimited for an
// unlimited plan and 0 for a suspended account.
func (s *Service) GetRemaining(ctx context.Context, userID, resource string) (int, error) {
	info, err := s.Check(ctx, userID, resource)
	if err != nil {
		return 0, err
	}
	switch {
	case info.Reason == ReasonSuspended:
		return 0, nil
	case info.Unlimited:
		return plans.Unlimited, nil
	default:
		return info.Remaining, nil
	}
}

// GetUsageStats reports the user's limits and usage together with the history
// summary of period ("YYYY-MM", the current month when empty).
func (s *Service) GetUsageStats(ctx context.Context, userID, period string) (*UsageStats, error) {
	if err := validUser(userID); err != nil {
		return nil, err
	}
	if period == "" {
		period = PeriodKey(s.clock())
	} else if _, _, err := ParsePeriod(period); err != nil {
		return nil, err
	}

	q, err := s.current(ctx, userID)
	if err != nil {
		return nil, err
	}

	stats := &UsageStats{
		PlanID:        q.PlanID,
		Limits:        s.effectiveLimits(q),
		Usage:         maps.Clone(q.Usage),
		PeriodStart:   q.PeriodStart,
		PeriodEnd:     q.PeriodEnd,
		LastReset:     q.LastReset,
		LifetimeStats: maps.Clone(q.LifetimeStats),
		IsSuspended:   q.IsSuspended,
	}

	if s.history != nil {
		summary, err := s.history.Stats(ctx, userID, period)
		if err != nil {
			s.logger.Warn("usage history unavailable", "user_id", userID, "period", period, "error", err)
		} else {
			stats.History = &summary
		}
	}
	return stats, nil
}
