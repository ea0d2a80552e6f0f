package audit

import (
	"context"
	"sort"
	"sync"

	"github.com/rosterhq/roster/model"
)

// MemoryStore is the in-process reference Store: a time-ordered list per
// resource plus secondary indexes by user and by correlation id, mirroring
// the durable layout.
type MemoryStore struct {
	mu            sync.RWMutex
	byResource    map[string][]*model.AuditEntry
	byUser        map[string][]*model.AuditEntry
	byCorrelation map[string][]*model.AuditEntry
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byResource:    make(map[string][]*model.AuditEntry),
		byUser:        make(map[string][]*model.AuditEntry),
		byCorrelation: make(map[string][]*model.AuditEntry),
	}
}

func (s *MemoryStore) Append(_ context.Context, entry *model.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *entry
	s.byResource[cp.ResourceID] = insertSorted(s.byResource[cp.ResourceID], &cp)
	if cp.UserEmail != "" {
		s.byUser[cp.UserEmail] = insertSorted(s.byUser[cp.UserEmail], &cp)
	}
	s.byCorrelation[cp.CorrelationID] = append(s.byCorrelation[cp.CorrelationID], &cp)
	return nil
}

func insertSorted(entries []*model.AuditEntry, entry *model.AuditEntry) []*model.AuditEntry {
	entries = append(entries, entry)
	sort.Slice(entries, func(i, j int) bool { return entries[i].SortKey() < entries[j].SortKey() })
	return entries
}

func copyEntries(entries []*model.AuditEntry) []*model.AuditEntry {
	out := make([]*model.AuditEntry, len(entries))
	for i, e := range entries {
		cp := *e
		out[i] = &cp
	}
	return out
}

func (s *MemoryStore) ByResource(_ context.Context, resourceID string) ([]*model.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyEntries(s.byResource[resourceID]), nil
}

func (s *MemoryStore) ByUser(_ context.Context, userEmail string) ([]*model.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyEntries(s.byUser[userEmail]), nil
}

func (s *MemoryStore) ByCorrelation(_ context.Context, correlationID string) ([]*model.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyEntries(s.byCorrelation[correlationID]), nil
}

// Count returns the total number of entries. Test helper.
func (s *MemoryStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, entries := range s.byCorrelation {
		n += len(entries)
	}
	return n
}
