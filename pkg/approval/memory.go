package approval

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process StateStore. Tokens issued through it do not
// survive a restart; it is intended for tests and single-process setups.
type MemoryStore struct {
	mu     sync.Mutex
	tokens map[string]*TokenRecord
	now    func() time.Time
}

// NewMemoryStore creates an empty in-memory token state store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tokens: make(map[string]*TokenRecord),
		now:    time.Now,
	}
}

// SaveToken implements StateStore. Records past their expiry are purged on
// every save so token state never outlives its validity window.
func (m *MemoryStore) SaveToken(_ context.Context, rec *TokenRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for id, t := range m.tokens {
		if !t.ExpiresAt.After(now) {
			delete(m.tokens, id)
		}
	}
	cp := *rec
	m.tokens[rec.ID] = &cp
	return nil
}

// GetToken implements StateStore.
func (m *MemoryStore) GetToken(_ context.Context, tokenID string) (*TokenRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.tokens[tokenID]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

// ConsumeToken implements StateStore.
func (m *MemoryStore) ConsumeToken(_ context.Context, tokenID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.tokens[tokenID]
	if !ok || rec.Used {
		return false, nil
	}
	rec.Used = true
	return true, nil
}
