package accounts

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps accounts in process memory.
type MemoryStore struct {
	mu     sync.RWMutex
	nextID int64
	byID   map[int64]*Account
	byKey  map[string]int64
}

// NewMemoryStore creates an empty in-memory account store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:  make(map[int64]*Account),
		byKey: make(map[string]int64),
	}
}

func (m *MemoryStore) Create(_ context.Context, a *Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byKey[a.PublicKey]; ok {
		return ErrDuplicateKey
	}
	m.nextID++
	a.ID = m.nextID
	cp := *a
	m.byID[a.ID] = &cp
	m.byKey[a.PublicKey] = a.ID
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id int64) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.byID[id]
	if !ok {
		return nil, ErrAccountNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryStore) GetByPublicKey(_ context.Context, publicKey string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byKey[publicKey]
	if !ok {
		return nil, ErrAccountNotFound
	}
	cp := *m.byID[id]
	return &cp, nil
}

func (m *MemoryStore) List(_ context.Context, f Filter) ([]*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Account
	for _, a := range m.byID {
		if f.Type != "" && a.Type != f.Type {
			continue
		}
		if f.ActiveOnly && !a.Active {
			continue
		}
		if a.ID <= f.AfterID {
			continue
		}
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *MemoryStore) Deactivate(_ context.Context, id int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.byID[id]
	if !ok {
		return ErrAccountNotFound
	}
	if a.Active {
		a.Active = false
		a.UpdatedAt = at
	}
	return nil
}

func (m *MemoryStore) UpdateState(_ context.Context, publicKey, balance string, sequence int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.byKey[publicKey]
	if !ok {
		return ErrAccountNotFound
	}
	a := m.byID[id]
	a.Balance = balance
	a.Sequence = sequence
	a.SyncedAt = &at
	a.UpdatedAt = at
	return nil
}

var _ Store = (*MemoryStore)(nil)
