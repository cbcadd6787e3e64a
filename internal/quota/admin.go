package quota

import (
	"context"
	"errors"
	"fmt"
	"maps"

	"github.com/stockpulse/quota/internal/metrics"
)

// ListAllUsers returns every readable quota document. Undecodable documents
// are logged and skipped.
func (s *Service) ListAllUsers(ctx context.Context) ([]*UserQuota, error) {
	var out []*UserQuota
	for item, err := range s.store.StreamAll(ctx) {
		if err != nil {
			if item.UserID == "" {
				return nil, fmt.Errorf("listing quotas: %w", err)
			}
			s.logger.Warn("skipping unreadable quota", "user_id", item.UserID, "error", err)
			continue
		}
		out = append(out, item.Quota)
	}
	return out, nil
}

// UpdateUser applies an operator edit in one transaction. Changing the plan
// replaces the limits with the plan's; explicit limits are laid over
// whichever limits apply. Usage above a lowered limit is capped at it.
func (s *Service) UpdateUser(ctx context.Context, userID string, u AdminUpdate) error {
	if err := validUser(userID); err != nil {
		return err
	}
	if err := s.validate.Struct(u); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidUpdate, err)
	}
	if u.PlanID == nil && u.IsSuspended == nil && u.SuspensionReason == nil && u.Limits == nil {
		return fmt.Errorf("%w: no fields to update", ErrInvalidUpdate)
	}
	for r := range u.Limits {
		if err := s.validResource(r); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidUpdate, err)
		}
	}

	if u.PlanID != nil {
		if _, ok := s.catalog.Plan(*u.PlanID); !ok {
			return fmt.Errorf("%w: %q", ErrInvalidPlan, *u.PlanID)
		}
	}

	now := s.clock()
	_, err := s.store.Transact(ctx, userID, func(cur *UserQuota) (bool, error) {
		if u.PlanID != nil || u.Limits != nil {
			limits := s.effectiveLimits(cur)
			if u.PlanID != nil {
				cur.PlanID = *u.PlanID
				cur.PlanUpdatedAt = now
				limits = s.catalog.LimitsFor(*u.PlanID)
			}
			maps.Copy(limits, u.Limits)
			cur.applyLimits(limits)
		}
		if u.IsSuspended != nil {
			cur.IsSuspended = *u.IsSuspended
			if !cur.IsSuspended {
				cur.SuspensionReason = ""
			}
		}
		if u.SuspensionReason != nil {
			cur.SuspensionReason = *u.SuspensionReason
		}
		cur.UpdatedAt = now
		return true, nil
	})
	if err != nil {
		return fmt.Errorf("updating quota: %w", err)
	}
	s.invalidate(ctx, userID)
	s.logger.Info("quota updated by admin", "user_id", userID)
	return nil
}

// ResetUser resets one existing user.
func (s *Service) ResetUser(ctx context.Context, userID string) error {
	if err := s.Reset(ctx, userID); err != nil {
		return err
	}
	s.logger.Info("quota reset by admin", "user_id", userID)
	return nil
}

// BulkReset zeroes every user's usage unconditionally. It is an operator
// action; the scheduled job uses BulkRollover. Per-user failures, including
// documents that cannot be read, are counted and skipped; only a failure to
// enumerate users aborts the run.
func (s *Service) BulkReset(ctx context.Context) (BulkResetResult, error) {
	res, err := s.eachUser(ctx, "bulk reset", func(userID string) (bool, error) {
		return true, s.Reset(ctx, userID)
	})
	s.logger.Info("bulk reset finished", "reset_count", res.ResetCount, "failed_count", res.FailedCount)
	return res, err
}

// BulkRollover moves every user whose period has elapsed into the current
// one. Expiry is re-checked inside each user's transaction, so units already
// consumed in the new period survive. Users still inside their period are
// counted as skipped.
func (s *Service) BulkRollover(ctx context.Context) (BulkResetResult, error) {
	now := s.clock()
	res, err := s.eachUser(ctx, "bulk rollover", func(userID string) (bool, error) {
		_, rolled, err := s.rollover(ctx, userID, now)
		return rolled, err
	})
	s.logger.Info("bulk rollover finished",
		"reset_count", res.ResetCount, "skipped_count", res.SkippedCount, "failed_count", res.FailedCount)
	return res, err
}

// eachUser applies fn to every stored user. fn reports whether it changed
// the user.
func (s *Service) eachUser(ctx context.Context, op string, fn func(userID string) (bool, error)) (BulkResetResult, error) {
	var res BulkResetResult
	for item, err := range s.store.StreamAll(ctx) {
		if err != nil {
			if item.UserID == "" {
				return res, fmt.Errorf("%s: %w", op, err)
			}
			s.logger.Warn(op+": unreadable quota", "user_id", item.UserID, "error", err)
			res.FailedCount++
			metrics.QuotaBulkResetUsersTotal.WithLabelValues("failed").Inc()
			continue
		}
		if err := ctx.Err(); err != nil {
			return res, fmt.Errorf("%s: %w", op, err)
		}

		changed, err := fn(item.UserID)
		switch {
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return res, fmt.Errorf("%s: %w", op, err)
		case err != nil:
			s.logger.Warn(op+": user failed", "user_id", item.UserID, "error", err)
			res.FailedCount++
			metrics.QuotaBulkResetUsersTotal.WithLabelValues("failed").Inc()
		case changed:
			res.ResetCount++
			metrics.QuotaBulkResetUsersTotal.WithLabelValues("reset").Inc()
		default:
			res.SkippedCount++
			metrics.QuotaBulkResetUsersTotal.WithLabelValues("skipped").Inc()
		}
	}
	return res, nil
}
