package quota

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const selectQuotaSQL = `SELECT user_id, plan_id, plan_updated_at, limits, usage,
        period_start, period_end, last_reset, is_suspended, suspension_reason,
        lifetime_stats, version, created_at, updated_at
 FROM user_quotas`

// PostgresStore handles user_quotas and usage_periods PostgreSQL operations.
type PostgresStore struct {
	pool        *pgxpool.Pool
	maxAttempts int
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool, maxAttempts int) *PostgresStore {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxTxAttempts
	}
	return &PostgresStore{pool: pool, maxAttempts: maxAttempts}
}

type rowScanner interface {
	Scan(dest ...any) error
}

// quotaRow holds a user_quotas row before its JSONB columns are decoded.
type quotaRow struct {
	q                           UserQuota
	limits, usage, lifetime     []byte
	suspensionReason            *string
	planUpdatedAt, lastResetRaw *time.Time
}

func (r *quotaRow) scan(row rowScanner) error {
	return row.Scan(&r.q.UserID, &r.q.PlanID, &r.planUpdatedAt, &r.limits, &r.usage,
		&r.q.PeriodStart, &r.q.PeriodEnd, &r.lastResetRaw, &r.q.IsSuspended, &r.suspensionReason,
		&r.lifetime, &r.q.Version, &r.q.CreatedAt, &r.q.UpdatedAt)
}

func (r *quotaRow) decode() (*UserQuota, error) {
	q := r.q
	for _, col := range []struct {
		name string
		raw  []byte
		dst  *map[string]int
	}{
		{"limits", r.limits, &q.Limits},
		{"usage", r.usage, &q.Usage},
		{"lifetime_stats", r.lifetime, &q.LifetimeStats},
	} {
		if len(col.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(col.raw, col.dst); err != nil {
			return nil, fmt.Errorf("%w: user %s: column %s: %v", ErrCorrupt, q.UserID, col.name, err)
		}
	}
	if r.suspensionReason != nil {
		q.SuspensionReason = *r.suspensionReason
	}
	if r.planUpdatedAt != nil {
		q.PlanUpdatedAt = *r.planUpdatedAt
	}
	if r.lastResetRaw != nil {
		q.LastReset = *r.lastResetRaw
	}
	q.normalize()
	return &q, nil
}

func scanQuota(row rowScanner) (*UserQuota, error) {
	var r quotaRow
	if err := r.scan(row); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scanning user quota: %w", err)
	}
	return r.decode()
}

func marshalCounts(m map[string]int) (string, error) {
	if m == nil {
		m = map[string]int{}
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("marshaling counts: %w", err)
	}
	return string(data), nil
}

func (s *PostgresStore) Get(ctx context.Context, userID string) (*UserQuota, error) {
	q, err := scanQuota(s.pool.QueryRow(ctx, selectQuotaSQL+` WHERE user_id = $1`, userID))
	if err != nil && !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrCorrupt) {
		return nil, transient("get", err)
	}
	return q, err
}

func (s *PostgresStore) Create(ctx context.Context, q *UserQuota) (bool, error) {
	limits, err := marshalCounts(q.Limits)
	if err != nil {
		return false, err
	}
	usage, err := marshalCounts(q.Usage)
	if err != nil {
		return false, err
	}
	lifetime, err := marshalCounts(q.LifetimeStats)
	if err != nil {
		return false, err
	}

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO user_quotas (user_id, plan_id, plan_updated_at, limits, usage,
		        period_start, period_end, last_reset, is_suspended, suspension_reason,
		        lifetime_stats, version, created_at, updated_at)
		 VALUES ($1, $2, $3, $4::jsonb, $5::jsonb, $6, $7, $8, $9, $10, $11::jsonb, 1, $12, $13)
		 ON CONFLICT (user_id) DO NOTHING`,
		q.UserID, q.PlanID, q.PlanUpdatedAt, limits, usage,
		q.PeriodStart, q.PeriodEnd, q.LastReset, q.IsSuspended, q.SuspensionReason,
		lifetime, q.CreatedAt, q.UpdatedAt)
	if err != nil {
		return false, transient("create", fmt.Errorf("inserting user quota: %w", err))
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) Transact(ctx context.Context, userID string, fn TxFunc) (*UserQuota, error) {
	var out *UserQuota
	err := retryTx(ctx, userID, s.maxAttempts, isRetryablePgError, func() error {
		return pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
			q, err := scanQuota(tx.QueryRow(ctx, selectQuotaSQL+` WHERE user_id = $1 FOR UPDATE`, userID))
			if err != nil {
				return err
			}

			version := q.Version
			commit, err := fn(q)
			if err != nil {
				return &abortError{err: err}
			}
			if !commit {
				out = q
				return nil
			}

			usage, err := marshalCounts(q.Usage)
			if err != nil {
				return &abortError{err: err}
			}
			lifetime, err := marshalCounts(q.LifetimeStats)
			if err != nil {
				return &abortError{err: err}
			}
			limits, err := marshalCounts(q.Limits)
			if err != nil {
				return &abortError{err: err}
			}

			_, err = tx.Exec(ctx,
				`UPDATE user_quotas
				 SET usage = $2::jsonb,
				     lifetime_stats = $3::jsonb,
				     period_start = $4,
				     period_end = $5,
				     last_reset = $6,
				     updated_at = $7,
				     plan_id = $8,
				     plan_updated_at = $9,
				     limits = $10::jsonb,
				     is_suspended = $11,
				     suspension_reason = $12,
				     version = version + 1
				 WHERE user_id = $1`,
				userID, usage, lifetime, q.PeriodStart, q.PeriodEnd, q.LastReset, q.UpdatedAt,
				q.PlanID, q.PlanUpdatedAt, limits, q.IsSuspended, q.SuspensionReason)
			if err != nil {
				return fmt.Errorf("updating user quota: %w", err)
			}
			q.Version = version + 1
			out = q
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// isRetryablePgError reports serialization failures, deadlocks and errors
// raised before anything reached the server.
func isRetryablePgError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return pgconn.SafeToRetry(err)
}

func (s *PostgresStore) Update(ctx context.Context, userID string, f Fields) error {
	if f.empty() {
		return nil
	}

	var sets []string
	var args []any
	argIdx := 1

	add := func(column string, value any, cast string) {
		sets = append(sets, fmt.Sprintf("%s = $%d%s", column, argIdx, cast))
		args = append(args, value)
		argIdx++
	}

	if f.PlanID != nil {
		add("plan_id", *f.PlanID, "")
	}
	if f.PlanUpdatedAt != nil {
		add("plan_updated_at", *f.PlanUpdatedAt, "")
	}
	if f.Limits != nil {
		limits, err := marshalCounts(f.Limits)
		if err != nil {
			return err
		}
		add("limits", limits, "::jsonb")
	}
	if f.Usage != nil {
		usage, err := marshalCounts(f.Usage)
		if err != nil {
			return err
		}
		add("usage", usage, "::jsonb")
	}
	if f.PeriodStart != nil {
		add("period_start", *f.PeriodStart, "")
	}
	if f.PeriodEnd != nil {
		add("period_end", *f.PeriodEnd, "")
	}
	if f.LastReset != nil {
		add("last_reset", *f.LastReset, "")
	}
	if f.IsSuspended != nil {
		add("is_suspended", *f.IsSuspended, "")
	}
	if f.SuspensionReason != nil {
		add("suspension_reason", *f.SuspensionReason, "")
	}

	query := fmt.Sprintf(
		`UPDATE user_quotas SET %s, version = version + 1, updated_at = NOW() WHERE user_id = $%d`,
		strings.Join(sets, ", "), argIdx)
	args = append(args, userID)

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return transient("update", fmt.Errorf("updating user quota: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) StreamAll(ctx context.Context) iter.Seq2[StreamItem, error] {
	return func(yield func(StreamItem, error) bool) {
		rows, err := s.pool.Query(ctx, selectQuotaSQL+` ORDER BY user_id`)
		if err != nil {
			yield(StreamItem{}, transient("stream", fmt.Errorf("querying user quotas: %w", err)))
			return
		}
		defer rows.Close()

		for rows.Next() {
			var r quotaRow
			if err := r.scan(rows); err != nil {
				if !yield(StreamItem{UserID: r.q.UserID}, fmt.Errorf("%w: user %s: %v", ErrCorrupt, r.q.UserID, err)) {
					return
				}
				continue
			}
			q, err := r.decode()
			if !yield(StreamItem{UserID: r.q.UserID, Quota: q}, err) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(StreamItem{}, transient("stream", fmt.Errorf("iterating user quotas: %w", err)))
		}
	}
}

func (s *PostgresStore) GetPeriod(ctx context.Context, userID, period string) (*UsagePeriodRecord, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx,
		`SELECT record FROM usage_periods WHERE user_id = $1 AND period = $2`,
		userID, period).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, transient("get period", fmt.Errorf("fetching usage period: %w", err))
	}
	return decodePeriodRecord(raw)
}

func (s *PostgresStore) UpdatePeriod(ctx context.Context, userID, period string, fn func(rec *UsagePeriodRecord) error) error {
	return retryTx(ctx, userID, s.maxAttempts, isRetryablePgError, func() error {
		return pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
			now := time.Now().UTC()
			empty, err := json.Marshal(newPeriodRecord(userID, period, now))
			if err != nil {
				return &abortError{err: fmt.Errorf("encoding usage period: %w", err)}
			}
			if _, err := tx.Exec(ctx,
				`INSERT INTO usage_periods (user_id, period, record) VALUES ($1, $2, $3::jsonb)
				 ON CONFLICT (user_id, period) DO NOTHING`,
				userID, period, string(empty)); err != nil {
				return fmt.Errorf("ensuring usage period: %w", err)
			}

			var raw []byte
			if err := tx.QueryRow(ctx,
				`SELECT record FROM usage_periods WHERE user_id = $1 AND period = $2 FOR UPDATE`,
				userID, period).Scan(&raw); err != nil {
				return fmt.Errorf("locking usage period: %w", err)
			}
			rec, err := decodePeriodRecord(raw)
			if err != nil {
				return &abortError{err: err}
			}

			if err := fn(rec); err != nil {
				return &abortError{err: err}
			}
			rec.UpdatedAt = now

			data, err := json.Marshal(rec)
			if err != nil {
				return &abortError{err: fmt.Errorf("encoding usage period: %w", err)}
			}
			if _, err := tx.Exec(ctx,
				`UPDATE usage_periods SET record = $3::jsonb, updated_at = NOW()
				 WHERE user_id = $1 AND period = $2`,
				userID, period, string(data)); err != nil {
				return fmt.Errorf("updating usage period: %w", err)
			}
			return nil
		})
	})
}
