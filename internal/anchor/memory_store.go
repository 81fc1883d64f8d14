package anchor

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory anchor store for development mode.
type MemoryStore struct {
	mu         sync.RWMutex
	txs        map[string]*Transaction
	byExternal map[string]string
}

// NewMemoryStore creates an in-memory anchor store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		txs:        make(map[string]*Transaction),
		byExternal: make(map[string]string),
	}
}

func (m *MemoryStore) Create(_ context.Context, t *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byExternal[t.ExternalID]; ok {
		return ErrDuplicateExternalID
	}
	cp := *t
	m.txs[t.ID] = &cp
	m.byExternal[t.ExternalID] = t.ID
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.txs[id]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) GetByExternalID(_ context.Context, externalID string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byExternal[externalID]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	cp := *m.txs[id]
	return &cp, nil
}

func (m *MemoryStore) List(_ context.Context, publicKey string, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Transaction
	for _, t := range m.txs {
		if publicKey == "" || t.AccountPublicKey == publicKey {
			cp := *t
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ListOpen(_ context.Context, before time.Time, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Transaction
	for _, t := range m.txs {
		if !t.Status.IsTerminal() && t.UpdatedAt.Before(before) {
			cp := *t
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].UpdatedAt.Before(result[j].UpdatedAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ApplyStatus(_ context.Context, externalID string, c Change) (*Transaction, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.byExternal[externalID]
	if !ok {
		return nil, false, ErrTransactionNotFound
	}
	t := m.txs[id]
	applied := canMove(t.Status, c.Status)
	if applied {
		t.Status = c.Status
	}
	if c.ExternalStatus != "" {
		t.ExternalStatus = c.ExternalStatus
	}
	if c.ExternalLedgerTxID != "" {
		t.ExternalLedgerTxID = c.ExternalLedgerTxID
	}
	t.UpdatedAt = c.At
	cp := *t
	return &cp, applied, nil
}

var _ Store = (*MemoryStore)(nil)
