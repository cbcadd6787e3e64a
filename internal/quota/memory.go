package quota

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"slices"
	"sync"
	"time"
)

type memEntry struct {
	data    []byte
	version int64
}

// MemoryStore keeps serialized documents in process memory. Transact uses
// optimistic compare-and-swap on the document version, so it behaves like a
// document database under contention. It implements Store and HistoryStore.
type MemoryStore struct {
	mu          sync.Mutex
	docs        map[string]memEntry
	history     map[string][]byte
	maxAttempts int
}

// NewMemoryStore creates an empty store.
func NewMemoryStore(maxAttempts int) *MemoryStore {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxTxAttempts
	}
	return &MemoryStore{
		docs:        make(map[string]memEntry),
		history:     make(map[string][]byte),
		maxAttempts: maxAttempts,
	}
}

func encodeQuota(q *UserQuota) ([]byte, error) {
	data, err := json.Marshal(q)
	if err != nil {
		return nil, fmt.Errorf("encoding quota %s: %w", q.UserID, err)
	}
	return data, nil
}

func decodeQuota(userID string, data []byte) (*UserQuota, error) {
	var q UserQuota
	if err := json.Unmarshal(data, &q); err != nil {
		return nil, fmt.Errorf("%w: user %s: %v", ErrCorrupt, userID, err)
	}
	q.normalize()
	return &q, nil
}

// normalize replaces nil maps and forces UTC so decoded documents compare equal.
func (q *UserQuota) normalize() {
	if q.Limits == nil {
		q.Limits = map[string]int{}
	}
	if q.Usage == nil {
		q.Usage = map[string]int{}
	}
	if q.LifetimeStats == nil {
		q.LifetimeStats = map[string]int{}
	}
	q.PlanUpdatedAt = q.PlanUpdatedAt.UTC()
	q.PeriodStart = q.PeriodStart.UTC()
	q.PeriodEnd = q.PeriodEnd.UTC()
	q.LastReset = q.LastReset.UTC()
	q.CreatedAt = q.CreatedAt.UTC()
	q.UpdatedAt = q.UpdatedAt.UTC()
}

func (s *MemoryStore) load(userID string) (*UserQuota, int64, error) {
	s.mu.Lock()
	e, ok := s.docs[userID]
	s.mu.Unlock()
	if !ok {
		return nil, 0, ErrNotFound
	}
	q, err := decodeQuota(userID, e.data)
	if err != nil {
		return nil, 0, err
	}
	return q, e.version, nil
}

func (s *MemoryStore) Get(_ context.Context, userID string) (*UserQuota, error) {
	q, _, err := s.load(userID)
	return q, err
}

func (s *MemoryStore) Create(_ context.Context, q *UserQuota) (bool, error) {
	doc := q.Clone()
	if doc.Version == 0 {
		doc.Version = 1
	}
	data, err := encodeQuota(doc)
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.docs[q.UserID]; exists {
		return false, nil
	}
	s.docs[q.UserID] = memEntry{data: data, version: doc.Version}
	return true, nil
}

func (s *MemoryStore) Transact(ctx context.Context, userID string, fn TxFunc) (*UserQuota, error) {
	var out *UserQuota
	err := retryTx(ctx, userID, s.maxAttempts, isMemoryConflict, func() error {
		q, version, err := s.load(userID)
		if err != nil {
			return err
		}

		commit, err := fn(q)
		if err != nil {
			return &abortError{err: err}
		}
		if !commit {
			out = q
			return nil
		}

		q.Version = version + 1
		data, err := encodeQuota(q)
		if err != nil {
			return &abortError{err: err}
		}

		s.mu.Lock()
		defer s.mu.Unlock()
		if current, ok := s.docs[userID]; !ok || current.version != version {
			return errConflict
		}
		s.docs[userID] = memEntry{data: data, version: q.Version}
		out = q
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func isMemoryConflict(err error) bool {
	return errors.Is(err, errConflict)
}

func (s *MemoryStore) Update(_ context.Context, userID string, f Fields) error {
	if f.empty() {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.docs[userID]
	if !ok {
		return ErrNotFound
	}
	q, err := decodeQuota(userID, e.data)
	if err != nil {
		return err
	}
	f.apply(q)
	q.Version = e.version + 1
	q.UpdatedAt = time.Now().UTC()

	data, err := encodeQuota(q)
	if err != nil {
		return err
	}
	s.docs[userID] = memEntry{data: data, version: q.Version}
	return nil
}

func (s *MemoryStore) StreamAll(ctx context.Context) iter.Seq2[StreamItem, error] {
	return func(yield func(StreamItem, error) bool) {
		s.mu.Lock()
		ids := make([]string, 0, len(s.docs))
		for id := range s.docs {
			ids = append(ids, id)
		}
		s.mu.Unlock()
		slices.Sort(ids)

		for _, id := range ids {
			if err := ctx.Err(); err != nil {
				yield(StreamItem{}, transient("stream", err))
				return
			}
			q, _, err := s.load(id)
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if !yield(StreamItem{UserID: id, Quota: q}, err) {
				return
			}
		}
	}
}

func historyKey(userID, period string) string {
	return userID + "/" + period
}

func (s *MemoryStore) GetPeriod(_ context.Context, userID, period string) (*UsagePeriodRecord, error) {
	s.mu.Lock()
	data, ok := s.history[historyKey(userID, period)]
	s.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	return decodePeriodRecord(data)
}

func (s *MemoryStore) UpdatePeriod(_ context.Context, userID, period string, fn func(rec *UsagePeriodRecord) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := historyKey(userID, period)
	now := time.Now().UTC()
	rec := newPeriodRecord(userID, period, now)
	if data, ok := s.history[key]; ok {
		var err error
		if rec, err = decodePeriodRecord(data); err != nil {
			return err
		}
	}

	if err := fn(rec); err != nil {
		return err
	}
	rec.UpdatedAt = now

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding usage period: %w", err)
	}
	s.history[key] = data
	return nil
}

func decodePeriodRecord(data []byte) (*UsagePeriodRecord, error) {
	var rec UsagePeriodRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decoding usage period: %w", err)
	}
	rec.normalize()
	return &rec, nil
}

func (rec *UsagePeriodRecord) normalize() {
	if rec.Entries == nil {
		rec.Entries = []UsageEntry{}
	}
	if rec.DailyCounts == nil {
		rec.DailyCounts = map[string]map[string]int{}
	}
	if rec.Summary.ByResource == nil {
		rec.Summary.ByResource = map[string]int{}
	}
}
