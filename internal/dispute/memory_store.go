package dispute

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory dispute store for demo/development mode.
type MemoryStore struct {
	cases map[string]*Case
	mu    sync.RWMutex
}

// NewMemoryStore creates a new in-memory dispute store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{cases: make(map[string]*Case)}
}

func (m *MemoryStore) Create(_ context.Context, c *Case) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cases[c.ID] = copyCase(c)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Case, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.cases[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyCase(c), nil
}

// UpdateVersioned is a compare-and-swap: the write succeeds only if the
// stored version still equals expectedVersion.
func (m *MemoryStore) UpdateVersioned(_ context.Context, c *Case, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.cases[c.ID]
	if !ok {
		return ErrNotFound
	}
	if stored.Version != expectedVersion {
		return ErrVersionConflict
	}
	c.Version = expectedVersion + 1
	m.cases[c.ID] = copyCase(c)
	return nil
}

func (m *MemoryStore) ListByUser(_ context.Context, userID string, limit int) ([]*Case, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Case
	for _, c := range m.cases {
		if c.RaisedBy == userID || c.AgainstUser == userID || c.InPool(userID) {
			result = append(result, copyCase(c))
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

func (m *MemoryStore) ListByTransaction(_ context.Context, ref TransactionRef) ([]*Case, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Case
	for _, c := range m.cases {
		if c.Transaction == ref {
			result = append(result, copyCase(c))
		}
	}
	return result, nil
}

func (m *MemoryStore) CountUnresolvedByJudge(_ context.Context, judgeID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, c := range m.cases {
		if !c.IsTerminal() && c.InPool(judgeID) {
			count++
		}
	}
	return count, nil
}

// copyCase returns a deep copy so callers never share slice backing arrays
// with the stored record: an append on a returned case must not mutate the
// stored one.
func copyCase(c *Case) *Case {
	cp := *c
	if c.JudgePool != nil {
		cp.JudgePool = make([]string, len(c.JudgePool))
		copy(cp.JudgePool, c.JudgePool)
	}
	if c.Votes != nil {
		cp.Votes = make([]Vote, len(c.Votes))
		copy(cp.Votes, c.Votes)
	}
	if c.ResolvedAt != nil {
		t := *c.ResolvedAt
		cp.ResolvedAt = &t
	}
	return &cp
}
