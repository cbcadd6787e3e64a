package quota

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/stockpulse/quota/internal/metrics"
)

// DefaultMaxTxAttempts bounds Transact retries when a store is built without
// an explicit limit.
const DefaultMaxTxAttempts = 16

// TxFunc mutates the freshly read document in place. Returning commit=false
// aborts without writing; a non-nil error aborts and is returned as is.
type TxFunc func(current *UserQuota) (commit bool, err error)

// StreamItem is one document yielded by Store.StreamAll. UserID is set even
// when the document itself could not be decoded.
type StreamItem struct {
	UserID string
	Quota  *UserQuota
}

// Store persists one quota document per user.
type Store interface {
	Get(ctx context.Context, userID string) (*UserQuota, error)
	// Create inserts q unless a document already exists for q.UserID.
	Create(ctx context.Context, q *UserQuota) (bool, error)
	// Transact runs fn against the current document and commits its changes
	// atomically, retrying on write conflicts. It is the only way usage grows.
	Transact(ctx context.Context, userID string, fn TxFunc) (*UserQuota, error)
	// Update applies an administrative last-writer-wins change.
	Update(ctx context.Context, userID string, f Fields) error
	// StreamAll enumerates every document. An error with an empty UserID
	// means the enumeration itself failed and no more items follow.
	StreamAll(ctx context.Context) iter.Seq2[StreamItem, error]
}

// HistoryStore persists one UsagePeriodRecord per user and month.
type HistoryStore interface {
	GetPeriod(ctx context.Context, userID, period string) (*UsagePeriodRecord, error)
	// UpdatePeriod loads or creates the record and persists fn's changes atomically.
	UpdatePeriod(ctx context.Context, userID, period string, fn func(rec *UsagePeriodRecord) error) error
}

// errConflict signals an optimistic-concurrency conflict worth retrying.
var errConflict = errors.New("concurrent modification")

// abortError marks an error raised by a TxFunc so it is never retried.
type abortError struct{ err error }

func (e *abortError) Error() string { return e.err.Error() }
func (e *abortError) Unwrap() error { return e.err }

func newTxBackOff(maxAttempts int) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 2 * time.Millisecond
	b.MaxInterval = 100 * time.Millisecond
	b.MaxElapsedTime = 0
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return backoff.WithMaxRetries(b, uint64(maxAttempts-1))
}

// retryTx runs op until it succeeds, fails permanently or exhausts
// maxAttempts. Retry-exhaustion is reported as a TransientStoreError.
func retryTx(ctx context.Context, userID string, maxAttempts int, retryable func(error) bool, op func() error) error {
	if err := ctx.Err(); err != nil {
		return transient("transact", err)
	}
	attempts := 0
	err := backoff.RetryNotify(func() error {
		attempts++
		err := op()
		if err == nil {
			return nil
		}
		var abort *abortError
		if errors.As(err, &abort) || !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(newTxBackOff(maxAttempts), ctx), func(err error, wait time.Duration) {
		metrics.QuotaTxRetriesTotal.Inc()
		slog.Debug("quota: retrying transaction", "user_id", userID, "attempt", attempts, "wait", wait, "error", err)
	})
	if err == nil {
		return nil
	}

	var abort *abortError
	switch {
	case errors.As(err, &abort):
		return abort.err
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrCorrupt):
		return err
	case retryable(err):
		return transient("transact", fmt.Errorf("giving up after %d attempts: %w", attempts, err))
	default:
		return transient("transact", err)
	}
}
