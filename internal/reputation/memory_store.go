package reputation

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory reputation store for demo/development mode.
type MemoryStore struct {
	profiles map[string]*Profile
	badges   map[string]map[string]bool // userID -> badge key set
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory reputation store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		profiles: make(map[string]*Profile),
		badges:   make(map[string]map[string]bool),
	}
}

func (m *MemoryStore) GetProfile(_ context.Context, userID string) (*Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.profiles[userID]
	if !ok {
		return nil, ErrNotFound
	}
	return m.copyProfile(p), nil
}

func (m *MemoryStore) SaveProfile(_ context.Context, p *Profile) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.profiles[p.UserID] = m.copyProfile(p)
	return nil
}

// GrantBadge is an idempotent set insertion: it reports whether the badge
// was newly granted.
func (m *MemoryStore) GrantBadge(_ context.Context, userID, badgeKey string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	held, ok := m.badges[userID]
	if !ok {
		held = make(map[string]bool)
		m.badges[userID] = held
	}
	if held[badgeKey] {
		return false, nil
	}
	held[badgeKey] = true
	return true, nil
}

func (m *MemoryStore) ListBadges(_ context.Context, userID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.badges[userID]))
	for k := range m.badges[userID] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// copyProfile also folds the badge set in, so a returned profile carries
// its badges without a second lookup. Caller must hold at least mu.RLock.
func (m *MemoryStore) copyProfile(p *Profile) *Profile {
	cp := *p
	cp.Badges = make([]string, 0, len(m.badges[p.UserID]))
	for k := range m.badges[p.UserID] {
		cp.Badges = append(cp.Badges, k)
	}
	sort.Strings(cp.Badges)
	return &cp
}
