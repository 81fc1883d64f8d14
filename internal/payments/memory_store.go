package payments

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rentvault/rentvault/internal/pagination"
)

// MemoryStore keeps Transaction Records in process memory.
type MemoryStore struct {
	mu     sync.RWMutex
	byID   map[string]*Transaction
	byKey  map[string]string // owner + "\x00" + idempotency key -> id
	byHash map[string]string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:   make(map[string]*Transaction),
		byKey:  make(map[string]string),
		byHash: make(map[string]string),
	}
}

func idemKey(owner, key string) string { return owner + "\x00" + key }

func (m *MemoryStore) Insert(_ context.Context, t *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if t.IdempotencyKey != "" {
		k := idemKey(t.Owner, t.IdempotencyKey)
		if _, ok := m.byKey[k]; ok {
			return ErrDuplicateIdempotencyKey
		}
		m.byKey[k] = t.ID
	}
	if t.Hash != "" {
		m.byHash[t.Hash] = t.ID
	}
	cp := *t
	m.byID[t.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.copyOf(id)
}

func (m *MemoryStore) GetByIdempotencyKey(_ context.Context, owner, key string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byKey[idemKey(owner, key)]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	return m.copyOf(id)
}

func (m *MemoryStore) GetByHash(_ context.Context, hash string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byHash[hash]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	return m.copyOf(id)
}

func (m *MemoryStore) List(_ context.Context, publicKey string, before *pagination.Cursor, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Transaction
	for _, t := range m.byID {
		if publicKey != "" && t.Source != publicKey && t.Destination != publicKey {
			continue
		}
		if !before.Before(t.CreatedAt, t.ID) {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ListByEscrow(_ context.Context, escrowID string) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Transaction
	for _, t := range m.byID {
		if t.EscrowID == escrowID {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) ListPending(_ context.Context, olderThan time.Time, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Transaction
	for _, t := range m.byID {
		if t.Status == StatusPending && t.CreatedAt.Before(olderThan) {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) Finalize(_ context.Context, id string, o Outcome) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.byID[id]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	if t.Status != StatusPending {
		return nil, ErrAlreadyFinal
	}
	applyOutcome(t, o)
	if t.Hash != "" {
		m.byHash[t.Hash] = t.ID
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) copyOf(id string) (*Transaction, error) {
	t, ok := m.byID[id]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	cp := *t
	return &cp, nil
}

func applyOutcome(t *Transaction, o Outcome) {
	t.Status = o.Status
	if o.Hash != "" {
		t.Hash = o.Hash
	}
	if o.Ledger != 0 {
		t.Ledger = o.Ledger
	}
	if o.FeePaid != "" {
		t.FeePaid = o.FeePaid
	}
	t.ErrorMessage = o.ErrorMessage
	t.UpdatedAt = o.At
}

var _ Store = (*MemoryStore)(nil)
