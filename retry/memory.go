package retry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rosterhq/roster/model"
)

type claim struct {
	workerID  string
	expiresAt time.Time
}

// MemoryStore is the in-process reference implementation of Store. It keeps
// the same semantics as the Redis store (lease-based claims, capped backoff,
// a dead-letter set) behind a single mutex.
type MemoryStore struct {
	backoff Backoff

	mu      sync.Mutex
	records map[string]*model.RetryRecord
	claims  map[string]claim
	dead    map[string]*model.RetryRecord
}

// NewMemoryStore creates an empty store using the given backoff policy.
func NewMemoryStore(backoff Backoff) *MemoryStore {
	return &MemoryStore{
		backoff: backoff,
		records: make(map[string]*model.RetryRecord),
		claims:  make(map[string]claim),
		dead:    make(map[string]*model.RetryRecord),
	}
}

func (s *MemoryStore) Save(_ context.Context, record *model.RetryRecord) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	record.ID = model.GenerateUUIDWithSuffix("rty")
	record.Attempts = 0
	record.CreatedAt = now
	record.UpdatedAt = now
	if record.NextRetryAt.Before(now) {
		record.NextRetryAt = now
	}

	stored := *record
	s.records[record.ID] = &stored
	return record.ID, nil
}

func (s *MemoryStore) FetchDue(_ context.Context, limit int) ([]*model.RetryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	var due []*model.RetryRecord
	for id, record := range s.records {
		if record.NextRetryAt.After(now) {
			continue
		}
		if c, held := s.claims[id]; held && c.expiresAt.After(now) {
			continue
		}
		cp := *record
		due = append(due, &cp)
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextRetryAt.Before(due[j].NextRetryAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (s *MemoryStore) ClaimRecord(_ context.Context, id, workerID string, lease time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[id]; !exists {
		return false, nil
	}
	now := time.Now()
	if c, held := s.claims[id]; held && c.expiresAt.After(now) {
		return false, nil
	}
	s.claims[id] = claim{workerID: workerID, expiresAt: now.Add(lease)}
	return true, nil
}

func (s *MemoryStore) MarkSuccess(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, id)
	delete(s.claims, id)
	return nil
}

func (s *MemoryStore) MarkPermanentFailure(_ context.Context, id, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deadLetterLocked(id, reason)
}

func (s *MemoryStore) deadLetterLocked(id, reason string) error {
	record, exists := s.records[id]
	if !exists {
		// Already removed; idempotent.
		return nil
	}
	record.LastError = reason
	record.UpdatedAt = time.Now()
	s.dead[id] = record
	delete(s.records, id)
	delete(s.claims, id)
	return nil
}

func (s *MemoryStore) IncrementAttempt(_ context.Context, id, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, exists := s.records[id]
	if !exists {
		return nil
	}

	failedAttempt := record.Attempts
	record.Attempts++
	record.LastError = lastError
	record.UpdatedAt = time.Now()

	if record.Attempts >= record.MaxAttempts {
		return s.deadLetterLocked(id, lastError)
	}

	record.NextRetryAt = time.Now().Add(s.backoff.Delay(failedAttempt))
	// Release the claim so a later sweep can pick the record up again.
	delete(s.claims, id)
	return nil
}

func (s *MemoryStore) ActiveCount(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records), nil
}

func (s *MemoryStore) DeadLetters(_ context.Context) ([]*model.RetryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*model.RetryRecord, 0, len(s.dead))
	for _, record := range s.dead {
		cp := *record
		out = append(out, &cp)
	}
	return out, nil
}

// Get returns a copy of an active record. Test helper.
func (s *MemoryStore) Get(id string) (*model.RetryRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[id]
	if !ok {
		return nil, false
	}
	cp := *record
	return &cp, true
}
