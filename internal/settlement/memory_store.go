package settlement

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory contract store for demo/development mode.
type MemoryStore struct {
	contracts map[string]*Contract
	mu        sync.RWMutex
}

// NewMemoryStore creates a new in-memory contract store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{contracts: make(map[string]*Contract)}
}

func (m *MemoryStore) Create(_ context.Context, c *Contract) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.contracts[c.ID] = copyContract(c)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Contract, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.contracts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyContract(c), nil
}

// UpdateVersioned is a compare-and-swap: the write succeeds only if the
// stored version still equals expectedVersion.
func (m *MemoryStore) UpdateVersioned(_ context.Context, c *Contract, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.contracts[c.ID]
	if !ok {
		return ErrNotFound
	}
	if stored.Version != expectedVersion {
		return ErrVersionConflict
	}
	c.Version = expectedVersion + 1
	m.contracts[c.ID] = copyContract(c)
	return nil
}

func (m *MemoryStore) ListByUser(_ context.Context, userID string, limit int) ([]*Contract, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Contract
	for _, c := range m.contracts {
		if c.Buyer == userID || c.Seller == userID || c.Lender == userID {
			result = append(result, copyContract(c))
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

// ListUnsettled over-approximates: it returns every contract and lets the
// sweep re-check each rule.
func (m *MemoryStore) ListUnsettled(_ context.Context) ([]*Contract, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Contract
	for _, c := range m.contracts {
		result = append(result, copyContract(c))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func copyContract(c *Contract) *Contract {
	cp := *c
	if c.DeliveredAt != nil {
		t := *c.DeliveredAt
		cp.DeliveredAt = &t
	}
	if c.ReleasedAt != nil {
		t := *c.ReleasedAt
		cp.ReleasedAt = &t
	}
	return &cp
}

// MemoryLedger is an in-memory append-only ledger for demo/development mode.
type MemoryLedger struct {
	entries map[string][]*Entry // keyed by contract ID
	mu      sync.RWMutex
}

// NewMemoryLedger creates a new in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{entries: make(map[string][]*Entry)}
}

func (m *MemoryLedger) Append(_ context.Context, e *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *e
	m.entries[e.ContractID] = append(m.entries[e.ContractID], &cp)
	return nil
}

func (m *MemoryLedger) List(_ context.Context, contractID string) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stored := m.entries[contractID]
	result := make([]*Entry, len(stored))
	for i, e := range stored {
		cp := *e
		result[i] = &cp
	}
	return result, nil
}
